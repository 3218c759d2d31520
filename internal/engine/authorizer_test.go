package engine

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/xela07ax/authz-sidecar/internal/audit"
	"github.com/xela07ax/authz-sidecar/internal/domain"
	"github.com/xela07ax/authz-sidecar/internal/infra/auth"
	"github.com/xela07ax/authz-sidecar/internal/policy"
)

const testPackage = "envoy.authz"

var signingKey = []byte("engine-test-signing-key-0123456789")

const getOnlyPolicy = `
package: envoy.authz
rules:
  - name: allow-get
    match:
      methods: [GET]
`

const readersPolicy = `
package: envoy.authz
rules:
  - name: readers
    match:
      claims:
        contains: {roles: read}
    headers:
      X-User-Id: "${claims.sub}"
`

type staticStore struct {
	rev *policy.Revision
}

func (s staticStore) Current() *policy.Revision { return s.rev }

func revision(t *testing.T, id, src string) *policy.Revision {
	t.Helper()
	compiler, err := policy.NewCompiler()
	require.NoError(t, err)
	docs, err := compiler.Compile("test.yaml", []byte(src))
	require.NoError(t, err)

	rev := &policy.Revision{ID: id, Documents: map[string]*policy.Document{}, LoadedAt: time.Now()}
	for _, d := range docs {
		rev.Documents[d.Package] = d
	}
	return rev
}

type recorderFake struct {
	mu      sync.Mutex
	records []audit.DecisionRecord
}

func (r *recorderFake) Record(rec audit.DecisionRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, rec)
}

func (r *recorderFake) all() []audit.DecisionRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]audit.DecisionRecord(nil), r.records...)
}

// blockingEvaluator держит вычисление, пока не отменят контекст.
type blockingEvaluator struct{}

func (blockingEvaluator) Evaluate(ctx context.Context, _ *policy.Document, _ domain.Input) (domain.Decision, error) {
	<-ctx.Done()
	return domain.Decision{}, ctx.Err()
}

type fixture struct {
	authz    *Authorizer
	recorder *recorderFake
	metrics  *Metrics
}

func newFixture(t *testing.T, store PolicySource, eval Evaluator, cfg Settings) fixture {
	t.Helper()
	if cfg.Package == "" {
		cfg.Package = testPackage
	}
	rec := &recorderFake{}
	metrics := NewMetrics(prometheus.NewRegistry())
	verifier := auth.NewVerifier(auth.Options{HMACKey: signingKey})
	return fixture{
		authz:    NewAuthorizer(store, eval, verifier, rec, metrics, zaptest.NewLogger(t), cfg),
		recorder: rec,
		metrics:  metrics,
	}
}

func sign(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(signingKey)
	require.NoError(t, err)
	return s
}

func TestAuthorize_GetOnly(t *testing.T) {
	f := newFixture(t, staticStore{revision(t, "r1", getOnlyPolicy)}, policy.NewEngine(), Settings{Timeout: time.Second})

	d := f.authz.Authorize(context.Background(), domain.RequestAttributes{Method: "GET", Path: "/items"})
	assert.True(t, d.Allowed)

	d = f.authz.Authorize(context.Background(), domain.RequestAttributes{Method: "POST", Path: "/items"})
	assert.False(t, d.Allowed)
	assert.Equal(t, http.StatusForbidden, d.DenyStatus())

	records := f.recorder.all()
	require.Len(t, records, 2)
	for _, rec := range records {
		assert.NotEmpty(t, rec.DecisionID)
		assert.Equal(t, "r1", rec.Revision)
		assert.Equal(t, testPackage, rec.Package)
		assert.Empty(t, rec.Error)
	}
	assert.Equal(t, "allow-get", records[0].Result.Rule)
	assert.False(t, records[1].Result.Allowed)

	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.DecisionsTotal.WithLabelValues(testPackage, ResultAllow)))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.DecisionsTotal.WithLabelValues(testPackage, ResultDeny)))
}

func TestAuthorize_ReadersGetUserHeader(t *testing.T) {
	f := newFixture(t, staticStore{revision(t, "r1", readersPolicy)}, policy.NewEngine(), Settings{Timeout: time.Second})
	token := sign(t, jwt.MapClaims{"sub": "alice", "roles": []string{"read"}})

	d := f.authz.Authorize(context.Background(), domain.RequestAttributes{
		Method:  "GET",
		Path:    "/docs",
		Headers: map[string]string{"Authorization": "Bearer " + token},
	})
	require.True(t, d.Allowed)
	assert.Equal(t, map[string]string{"X-User-Id": "alice"}, d.HeadersToAdd)

	rec := f.recorder.all()[0]
	assert.Equal(t, "[REDACTED]", rec.Input.Headers["authorization"], "raw token never reaches the decision log")
	assert.Equal(t, "alice", rec.Input.Claims.Subject())
}

func TestAuthorize_MalformedCredential(t *testing.T) {
	f := newFixture(t, staticStore{revision(t, "r1", readersPolicy)}, policy.NewEngine(), Settings{Timeout: time.Second})

	d := f.authz.Authorize(context.Background(), domain.RequestAttributes{
		Method:  "GET",
		Path:    "/docs",
		Headers: map[string]string{"Authorization": "Bearer not-a-jwt"},
	})
	assert.False(t, d.Allowed)
	assert.Equal(t, http.StatusForbidden, d.DenyStatus())

	rec := f.recorder.all()[0]
	assert.Equal(t, "malformed", rec.Input.TokenError)
	assert.Nil(t, rec.Input.Claims)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.TokenErrors.WithLabelValues("malformed")))
}

func TestAuthorize_ExpiredTokenIsAnonymous(t *testing.T) {
	f := newFixture(t, staticStore{revision(t, "r1", readersPolicy)}, policy.NewEngine(), Settings{Timeout: time.Second})
	token := sign(t, jwt.MapClaims{
		"sub":   "alice",
		"roles": []string{"read"},
		"exp":   time.Now().Add(-time.Hour).Unix(),
	})

	d := f.authz.Authorize(context.Background(), domain.RequestAttributes{
		Method:  "GET",
		Path:    "/docs",
		Headers: map[string]string{"Authorization": "Bearer " + token},
	})
	assert.False(t, d.Allowed)
	assert.Equal(t, "expired", f.recorder.all()[0].Input.TokenError)
}

func TestAuthorize_TimeoutFailsClosed(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	f := newFixture(t, staticStore{revision(t, "r1", getOnlyPolicy)}, blockingEvaluator{}, Settings{Timeout: 20 * time.Millisecond})

	d := f.authz.Authorize(context.Background(), domain.RequestAttributes{Method: "GET", Path: "/"})
	assert.False(t, d.Allowed)
	assert.Equal(t, http.StatusForbidden, d.DenyStatus())

	records := f.recorder.all()
	require.Len(t, records, 1)
	assert.Contains(t, records[0].Error, "timeout")
	assert.False(t, records[0].Result.Allowed)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.DecisionsTotal.WithLabelValues(testPackage, ResultTimeout)))
}

func TestAuthorize_TimeoutFailOpen(t *testing.T) {
	f := newFixture(t, staticStore{revision(t, "r1", getOnlyPolicy)}, blockingEvaluator{},
		Settings{Timeout: 20 * time.Millisecond, FailOpen: true})

	d := f.authz.Authorize(context.Background(), domain.RequestAttributes{Method: "DELETE", Path: "/"})
	assert.True(t, d.Allowed)
	require.Len(t, f.recorder.all(), 1)
}

func TestAuthorize_CallerGoneWritesNoRecord(t *testing.T) {
	f := newFixture(t, staticStore{revision(t, "r1", getOnlyPolicy)}, blockingEvaluator{}, Settings{Timeout: 5 * time.Second})

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	d := f.authz.Authorize(ctx, domain.RequestAttributes{Method: "GET", Path: "/"})
	assert.False(t, d.Allowed)
	assert.Empty(t, f.recorder.all())
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.DecisionsTotal.WithLabelValues(testPackage, ResultCancelled)))
}

func TestAuthorize_DryRun(t *testing.T) {
	f := newFixture(t, staticStore{revision(t, "r1", getOnlyPolicy)}, policy.NewEngine(),
		Settings{Timeout: time.Second, DryRun: true})

	d := f.authz.Authorize(context.Background(), domain.RequestAttributes{Method: "POST", Path: "/"})
	assert.True(t, d.Allowed, "caller always gets allow in dry-run")

	rec := f.recorder.all()[0]
	assert.True(t, rec.DryRun)
	assert.False(t, rec.Result.Allowed, "the log keeps the computed decision")
}

func TestAuthorize_NoRevision(t *testing.T) {
	f := newFixture(t, staticStore{}, policy.NewEngine(), Settings{Timeout: time.Second})

	d := f.authz.Authorize(context.Background(), domain.RequestAttributes{Method: "GET", Path: "/"})
	assert.False(t, d.Allowed)
	assert.Equal(t, "policy not loaded", d.Reason)
}

func TestAuthorize_UnknownPackageDenies(t *testing.T) {
	f := newFixture(t, staticStore{revision(t, "r1", getOnlyPolicy)}, policy.NewEngine(),
		Settings{Timeout: time.Second, Package: "other.pkg"})

	d := f.authz.Authorize(context.Background(), domain.RequestAttributes{Method: "GET", Path: "/"})
	assert.False(t, d.Allowed)
}

func TestAuthorize_TraceIDReachesRecord(t *testing.T) {
	f := newFixture(t, staticStore{revision(t, "r1", getOnlyPolicy)}, policy.NewEngine(), Settings{Timeout: time.Second})

	ctx := WithTraceID(context.Background(), "trace-42")
	f.authz.Authorize(ctx, domain.RequestAttributes{Method: "GET", Path: "/"})
	assert.Equal(t, "trace-42", f.recorder.all()[0].TraceID)
}

func TestAuthorize_RevokedSubject(t *testing.T) {
	revocations := NewRevocationManager(nil, zaptest.NewLogger(t))
	revocations.Set("mallory", true)

	rec := &recorderFake{}
	verifier := auth.NewVerifier(auth.Options{HMACKey: signingKey, Revoker: revocations})
	authz := NewAuthorizer(staticStore{revision(t, "r1", readersPolicy)}, policy.NewEngine(), verifier, rec,
		nil, zaptest.NewLogger(t), Settings{Package: testPackage, Timeout: time.Second})

	token := sign(t, jwt.MapClaims{"sub": "mallory", "roles": []string{"read"}})
	d := authz.Authorize(context.Background(), domain.RequestAttributes{
		Method:  "GET",
		Headers: map[string]string{"Authorization": "Bearer " + token},
	})
	assert.False(t, d.Allowed)
	assert.Equal(t, "revoked", rec.all()[0].Input.TokenError)
}

var _ audit.Recorder = (*audit.DecisionLog)(nil)
