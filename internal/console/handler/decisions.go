package handler

import (
	"net/http"
	"strconv"
	"time"

	"github.com/xela07ax/authz-sidecar/internal/console/service"
	"github.com/xela07ax/authz-sidecar/internal/repository/postgres"
)

type DecisionHandler struct {
	service *service.DecisionService
}

func NewDecisionHandler(s *service.DecisionService) *DecisionHandler {
	return &DecisionHandler{service: s}
}

// Query: выборка журнала решений.
// GET /v1/decisions?package=&allowed=&since=&limit=
func (h *DecisionHandler) Query(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := postgres.DecisionFilter{Package: q.Get("package")}

	if v := q.Get("allowed"); v != "" {
		allowed, err := strconv.ParseBool(v)
		if err != nil {
			writeMessage(w, http.StatusBadRequest, "allowed must be a boolean")
			return
		}
		f.Allowed = &allowed
	}
	if v := q.Get("since"); v != "" {
		since, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeMessage(w, http.StatusBadRequest, "since must be RFC3339")
			return
		}
		f.Since = since
	}
	if v := q.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 0 {
			writeMessage(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		f.Limit = limit
	}

	records, err := h.service.Query(r.Context(), f)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

// Stats: агрегаты для дашборда.
// GET /v1/decisions/stats?window=1h
func (h *DecisionHandler) Stats(w http.ResponseWriter, r *http.Request) {
	var window time.Duration
	if v := r.URL.Query().Get("window"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			writeMessage(w, http.StatusBadRequest, "window must be a duration like 1h")
			return
		}
		window = d
	}

	stats, err := h.service.Stats(r.Context(), window)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}
