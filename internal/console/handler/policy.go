package handler

import (
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/xela07ax/authz-sidecar/internal/console/service"
)

type PolicyHandler struct {
	service *service.PolicyService
}

func NewPolicyHandler(s *service.PolicyService) *PolicyHandler {
	return &PolicyHandler{service: s}
}

// policyRequest: тело Create/Update в JSON. YAML можно прислать и как есть.
type policyRequest struct {
	Source string `json:"source"`
}

// Get возвращает политику по ID.
// GET /v1/policies/{id}
func (h *PolicyHandler) Get(w http.ResponseWriter, r *http.Request) {
	p, err := h.service.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// List возвращает все политики
func (h *PolicyHandler) List(w http.ResponseWriter, r *http.Request) {
	policies, err := h.service.List(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, policies)
}

// Create компилирует и сохраняет новую политику
func (h *PolicyHandler) Create(w http.ResponseWriter, r *http.Request) {
	source, ok := readSource(w, r)
	if !ok {
		return
	}
	p, err := h.service.Create(r.Context(), source)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

// Update заменяет текст политики
func (h *PolicyHandler) Update(w http.ResponseWriter, r *http.Request) {
	source, ok := readSource(w, r)
	if !ok {
		return
	}
	p, err := h.service.Update(r.Context(), chi.URLParam(r, "id"), source)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// Delete удаляет политику; шлюзы получат бандл без нее
func (h *PolicyHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// readSource: application/yaml: тело и есть текст, иначе JSON {"source": "..."}.
func readSource(w http.ResponseWriter, r *http.Request) (string, bool) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if strings.HasSuffix(mediaType, "yaml") {
		data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
		if err != nil {
			writeMessage(w, http.StatusBadRequest, "invalid request body")
			return "", false
		}
		return string(data), true
	}

	var req policyRequest
	if !decodeJSON(w, r, &req) {
		return "", false
	}
	return req.Source, true
}
