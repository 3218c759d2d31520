package handler

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/xela07ax/authz-sidecar/internal/console/service"
)

// BundleHandler раздает шлюзам все политики одним документом.
// Защищен не токеном консоли, а общим bundle_token (если задан).
type BundleHandler struct {
	service *service.PolicyService
	token   string
	logger  *zap.Logger
}

func NewBundleHandler(s *service.PolicyService, token string, logger *zap.Logger) *BundleHandler {
	return &BundleHandler{service: s, token: token, logger: logger.Named("bundles")}
}

// Get отдает бандл; при совпадении If-None-Match: 304 без тела.
// GET /v1/bundles
func (h *BundleHandler) Get(w http.ResponseWriter, r *http.Request) {
	if h.token != "" {
		scheme, token, _ := strings.Cut(r.Header.Get("Authorization"), " ")
		if !strings.EqualFold(scheme, "Bearer") || subtle.ConstantTimeCompare([]byte(token), []byte(h.token)) != 1 {
			writeMessage(w, http.StatusUnauthorized, "invalid bundle token")
			return
		}
	}

	bundle, err := h.service.Bundle(r.Context())
	if err != nil {
		h.logger.Error("failed to build bundle", zap.Error(err))
		writeError(w, err)
		return
	}

	etag := `"` + bundle.Revision + `"`
	w.Header().Set("ETag", etag)
	w.Header().Set("Cache-Control", "no-cache")
	if etagMatches(r.Header.Get("If-None-Match"), etag) {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	writeJSON(w, http.StatusOK, bundle)
}

func etagMatches(header, etag string) bool {
	for _, candidate := range strings.Split(header, ",") {
		candidate = strings.TrimPrefix(strings.TrimSpace(candidate), "W/")
		if candidate == etag || candidate == "*" {
			return true
		}
	}
	return false
}
