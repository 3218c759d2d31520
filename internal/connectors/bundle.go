package connectors

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"

	"go.uber.org/zap"

	"github.com/xela07ax/authz-sidecar/internal/domain"
	"github.com/xela07ax/authz-sidecar/internal/policy"
)

// maxBundleSize: защита от бесконечного ответа.
const maxBundleSize = 16 << 20

// BundleSource тянет бандл политик с консоли (GET /v1/bundles).
// Пока ETag не изменился, сервер отвечает 304 и перекомпиляции нет.
type BundleSource struct {
	url    string
	token  string
	client *http.Client
	rel    *Reliability
	logger *zap.Logger

	mu   sync.Mutex
	etag string
}

func NewBundleSource(url, token string, rel *Reliability, logger *zap.Logger) *BundleSource {
	return &BundleSource{
		url:    url,
		token:  token,
		client: &http.Client{},
		rel:    rel,
		logger: logger.Named("bundle-source"),
	}
}

// BundleReliability: настройки по умолчанию: 304 не считается сбоем.
func BundleReliability(base ReliabilitySettings) ReliabilitySettings {
	base.Name = "policy-bundle"
	base.IsSuccessful = func(err error) bool {
		return errors.Is(err, policy.ErrNotModified)
	}
	return base
}

func (s *BundleSource) Name() string { return "bundle:" + s.url }

// AllowEmpty: пустой бандл публикуется как ревизия без документов.
func (s *BundleSource) AllowEmpty() bool { return true }

func (s *BundleSource) Fetch(ctx context.Context) ([]policy.RawDocument, error) {
	var bundle domain.Bundle
	var etag string

	err := s.rel.Do(ctx, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
		if err != nil {
			return permanent(err)
		}
		req.Header.Set("Accept", "application/json")
		if s.token != "" {
			req.Header.Set("Authorization", "Bearer "+s.token)
		}
		if prev := s.currentETag(); prev != "" {
			req.Header.Set("If-None-Match", prev)
		}

		resp, err := s.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusNotModified:
			return permanent(policy.ErrNotModified)
		case resp.StatusCode != http.StatusOK:
			_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
			return statusError(resp)
		}

		bundle = domain.Bundle{}
		if err := json.NewDecoder(io.LimitReader(resp.Body, maxBundleSize)).Decode(&bundle); err != nil {
			return permanent(&policy.ParseError{Origin: s.Name(), Err: err})
		}
		etag = resp.Header.Get("ETag")
		if etag == "" && bundle.Revision != "" {
			etag = `"` + bundle.Revision + `"`
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, policy.ErrNotModified) {
			return nil, policy.ErrNotModified
		}
		var parseErr *policy.ParseError
		if errors.As(err, &parseErr) {
			return nil, parseErr
		}
		return nil, fmt.Errorf("fetch bundle: %w", err)
	}

	// Пустой бандл без ревизии: это не консоль, а случайный JSON
	if len(bundle.Documents) == 0 && bundle.Revision == "" {
		return nil, &policy.ParseError{Origin: s.Name(), Err: policy.ErrNoDocuments}
	}

	docs := make([]policy.RawDocument, 0, len(bundle.Documents))
	for _, d := range bundle.Documents {
		docs = append(docs, policy.RawDocument{Origin: d.Origin, Data: []byte(d.Source)})
	}

	s.mu.Lock()
	s.etag = etag
	s.mu.Unlock()

	s.logger.Debug("bundle fetched", zap.String("revision", bundle.Revision), zap.Int("documents", len(docs)))
	return docs, nil
}

// Invalidate забывает ETag: ревизию отвергли, следующий запрос должен получить бандл целиком.
func (s *BundleSource) Invalidate() {
	s.mu.Lock()
	s.etag = ""
	s.mu.Unlock()
}

func (s *BundleSource) currentETag() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.etag
}
