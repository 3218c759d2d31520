package connectors

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/xela07ax/authz-sidecar/internal/audit"
)

// CollectorStore отправляет пачки решений во внешний коллектор (POST JSON-массива).
// Реализует audit.Store.
type CollectorStore struct {
	url    string
	token  string
	client *http.Client
	rel    *Reliability
}

func NewCollectorStore(url, token string, rel *Reliability) *CollectorStore {
	return &CollectorStore{
		url:    url,
		token:  token,
		client: &http.Client{},
		rel:    rel,
	}
}

func (c *CollectorStore) WriteBatch(ctx context.Context, records []audit.DecisionRecord) error {
	body, err := json.Marshal(records)
	if err != nil {
		return fmt.Errorf("encode decision batch: %w", err)
	}

	return c.rel.Do(ctx, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
		if err != nil {
			return permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}

		resp, err := c.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

		if resp.StatusCode/100 != 2 {
			return statusError(resp)
		}
		return nil
	})
}
