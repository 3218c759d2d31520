package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/xela07ax/authz-sidecar/internal/console/service"
)

type RevocationHandler struct {
	service *service.RevocationService
}

func NewRevocationHandler(s *service.RevocationService) *RevocationHandler {
	return &RevocationHandler{service: s}
}

type revokeRequest struct {
	ID     string `json:"id"`
	Reason string `json:"reason"`
}

// List: все действующие отзывы.
func (h *RevocationHandler) List(w http.ResponseWriter, r *http.Request) {
	list, err := h.service.List(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// Revoke мгновенно отзывает субъект (sub) или токен (jti) на всех шлюзах.
// POST /v1/revocations
func (h *RevocationHandler) Revoke(w http.ResponseWriter, r *http.Request) {
	var req revokeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.ID == "" {
		writeMessage(w, http.StatusBadRequest, "id is required")
		return
	}

	rv, err := h.service.Revoke(r.Context(), req.ID, req.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rv)
}

// Restore снимает отзыв.
// DELETE /v1/revocations/{id}
func (h *RevocationHandler) Restore(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Restore(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
