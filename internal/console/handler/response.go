package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/xela07ax/authz-sidecar/internal/console/service"
	"github.com/xela07ax/authz-sidecar/internal/repository/postgres"
)

// maxBodySize: политика или запрос консоли больше мегабайта не бывает.
const maxBodySize = 1 << 20

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeMessage(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeError переводит ошибки сервисов в HTTP. Внутренние детали наружу не отдаем.
func writeError(w http.ResponseWriter, err error) {
	var invalid *service.InvalidPolicyError
	switch {
	case errors.As(err, &invalid):
		writeMessage(w, http.StatusUnprocessableEntity, invalid.Error())
	case errors.Is(err, postgres.ErrNotFound):
		writeMessage(w, http.StatusNotFound, "not found")
	case errors.Is(err, postgres.ErrConflict):
		writeMessage(w, http.StatusConflict, "already exists")
	default:
		writeMessage(w, http.StatusInternalServerError, "internal error")
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize)).Decode(v); err != nil {
		writeMessage(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}
