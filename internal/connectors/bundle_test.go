package connectors

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xela07ax/authz-sidecar/internal/audit"
	"github.com/xela07ax/authz-sidecar/internal/domain"
	"github.com/xela07ax/authz-sidecar/internal/policy"
)

func testReliability(t *testing.T) *Reliability {
	t.Helper()
	return NewReliability(BundleReliability(ReliabilitySettings{
		MaxRequests: 1,
		Timeout:     time.Second,
		RateLimit:   1000,
		Burst:       100,
		Attempts:    3,
		CallTimeout: time.Second,
	}), zaptest.NewLogger(t))
}

// bundleServer: минимальная консоль: отдает бандл с ETag и понимает If-None-Match.
type bundleServer struct {
	mu       sync.Mutex
	bundle   domain.Bundle
	failures int // сколько первых запросов ответить 503
	status   int // если не 0: всегда отвечать этим статусом
	hits     atomic.Int32
	lastINM  string
	lastAuth string
}

func (b *bundleServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	b.hits.Add(1)
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastINM = r.Header.Get("If-None-Match")
	b.lastAuth = r.Header.Get("Authorization")

	if b.status != 0 {
		w.WriteHeader(b.status)
		return
	}
	if b.failures > 0 {
		b.failures--
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}

	etag := `"` + b.bundle.Revision + `"`
	if r.Header.Get("If-None-Match") == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	w.Header().Set("ETag", etag)
	_ = json.NewEncoder(w).Encode(b.bundle)
}

func (b *bundleServer) headers() (inm, auth string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastINM, b.lastAuth
}

func (b *bundleServer) set(rev, source string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.bundle = domain.Bundle{
		Revision:  rev,
		Documents: []domain.BundleDocument{{Origin: "policy-1", Source: source}},
	}
}

const allowGet = "package: envoy.authz\nrules:\n  - match: {methods: [GET]}\n"

func TestBundleSource_ETagAndNotModified(t *testing.T) {
	srv := &bundleServer{}
	srv.set("r1", allowGet)
	ts := httptest.NewServer(srv)
	defer ts.Close()

	src := NewBundleSource(ts.URL, "bundle-token", testReliability(t), zaptest.NewLogger(t))

	docs, err := src.Fetch(context.Background())
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "policy-1", docs[0].Origin)
	assert.Equal(t, allowGet, string(docs[0].Data))
	_, auth := srv.headers()
	assert.Equal(t, "Bearer bundle-token", auth)

	_, err = src.Fetch(context.Background())
	assert.ErrorIs(t, err, policy.ErrNotModified)
	inm, _ := srv.headers()
	assert.Equal(t, `"r1"`, inm)
	assert.EqualValues(t, 2, srv.hits.Load(), "304 is not retried")
}

func TestBundleSource_StoreReload(t *testing.T) {
	srv := &bundleServer{}
	srv.set("r1", allowGet)
	ts := httptest.NewServer(srv)
	defer ts.Close()

	compiler, err := policy.NewCompiler()
	require.NoError(t, err)
	store := policy.NewStore(compiler, zaptest.NewLogger(t))
	src := NewBundleSource(ts.URL, "", testReliability(t), zaptest.NewLogger(t))

	require.NoError(t, store.Reload(context.Background(), src))
	first := store.Current()
	require.NotNil(t, first.Document("envoy.authz"))

	// 304: ничего не меняется
	require.NoError(t, store.Reload(context.Background(), src))
	assert.Same(t, first, store.Current())

	// Сломанная политика: ревизия отвергнута, ETag сброшен
	srv.set("r2", "package: envoy.authz\nrules:\n  - effect: maybe\n")
	err = store.Reload(context.Background(), src)
	var vErr *policy.ValidationError
	require.ErrorAs(t, err, &vErr)
	assert.Same(t, first, store.Current())

	srv.set("r3", "package: envoy.authz\n")
	require.NoError(t, store.Reload(context.Background(), src))
	inm, _ := srv.headers()
	assert.Empty(t, inm, "validators were dropped after the rejected revision")
	assert.NotEqual(t, first.ID, store.Current().ID)
}

func TestBundleSource_EmptyBundleWithdrawsPolicies(t *testing.T) {
	srv := &bundleServer{}
	srv.set("r1", allowGet)
	ts := httptest.NewServer(srv)
	defer ts.Close()

	compiler, err := policy.NewCompiler()
	require.NoError(t, err)
	store := policy.NewStore(compiler, zaptest.NewLogger(t))
	src := NewBundleSource(ts.URL, "", testReliability(t), zaptest.NewLogger(t))
	require.NoError(t, store.Reload(context.Background(), src))

	srv.mu.Lock()
	srv.bundle = domain.Bundle{Revision: "empty"}
	srv.mu.Unlock()

	require.NoError(t, store.Reload(context.Background(), src))
	assert.Nil(t, store.Current().Document("envoy.authz"))
	inm, _ := srv.headers()
	assert.Equal(t, `"r1"`, inm)

	// Следующий опрос: 304 по ETag пустой ревизии
	require.NoError(t, store.Reload(context.Background(), src))
	inm, _ = srv.headers()
	assert.Equal(t, `"empty"`, inm)
}

func TestBundleSource_EmptyBodyWithoutRevision(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))
	defer ts.Close()

	_, err := NewBundleSource(ts.URL, "", testReliability(t), zaptest.NewLogger(t)).Fetch(context.Background())
	assert.ErrorIs(t, err, policy.ErrNoDocuments)
}

func TestBundleSource_RetriesServerErrors(t *testing.T) {
	srv := &bundleServer{failures: 2}
	srv.set("r1", allowGet)
	ts := httptest.NewServer(srv)
	defer ts.Close()

	src := NewBundleSource(ts.URL, "", testReliability(t), zaptest.NewLogger(t))
	docs, err := src.Fetch(context.Background())
	require.NoError(t, err)
	assert.Len(t, docs, 1)
	assert.EqualValues(t, 3, srv.hits.Load())
}

func TestBundleSource_ClientErrorIsNotRetried(t *testing.T) {
	srv := &bundleServer{status: http.StatusUnauthorized}
	ts := httptest.NewServer(srv)
	defer ts.Close()

	src := NewBundleSource(ts.URL, "wrong", testReliability(t), zaptest.NewLogger(t))
	_, err := src.Fetch(context.Background())

	var sErr *StatusError
	require.ErrorAs(t, err, &sErr)
	assert.Equal(t, http.StatusUnauthorized, sErr.Code)
	assert.EqualValues(t, 1, srv.hits.Load())
}

func TestBundleSource_MalformedBody(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("{not json"))
	}))
	defer ts.Close()

	src := NewBundleSource(ts.URL, "", testReliability(t), zaptest.NewLogger(t))
	_, err := src.Fetch(context.Background())

	var pErr *policy.ParseError
	assert.ErrorAs(t, err, &pErr)
}

func TestCollectorStore(t *testing.T) {
	var (
		mu       sync.Mutex
		received []audit.DecisionRecord
		calls    atomic.Int32
	)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		var batch []audit.DecisionRecord
		if err := json.NewDecoder(r.Body).Decode(&batch); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		mu.Lock()
		received = append(received, batch...)
		mu.Unlock()
		w.WriteHeader(http.StatusAccepted)
	}))
	defer ts.Close()

	store := NewCollectorStore(ts.URL, "", testReliability(t))
	err := store.WriteBatch(context.Background(), []audit.DecisionRecord{
		{DecisionID: "d1", Result: domain.Deny("x")},
		{DecisionID: "d2", Result: domain.Allow("", nil)},
	})
	require.NoError(t, err)
	assert.EqualValues(t, 2, calls.Load())

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, received, 2)
	assert.Equal(t, "d1", received[0].DecisionID)
}

func TestCollectorStore_GivesUp(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer ts.Close()

	err := NewCollectorStore(ts.URL, "", testReliability(t)).
		WriteBatch(context.Background(), []audit.DecisionRecord{{DecisionID: "d1"}})

	var sErr *StatusError
	require.True(t, errors.As(err, &sErr))
	assert.Equal(t, http.StatusBadGateway, sErr.Code)
}
