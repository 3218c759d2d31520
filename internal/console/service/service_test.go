package service

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/crypto/bcrypt"

	"github.com/xela07ax/authz-sidecar/internal/domain"
	"github.com/xela07ax/authz-sidecar/internal/infra"
	"github.com/xela07ax/authz-sidecar/internal/infra/auth"
	"github.com/xela07ax/authz-sidecar/internal/policy"
	"github.com/xela07ax/authz-sidecar/internal/repository/postgres"
)

const validPolicy = `
package: envoy.authz
rules:
  - name: allow-get
    match:
      methods: [GET]
`

// MockPolicyRepository is a mock implementation of PolicyRepository
type MockPolicyRepository struct {
	mock.Mock
}

func (m *MockPolicyRepository) ListPolicies(ctx context.Context) ([]domain.PolicyRecord, error) {
	args := m.Called(ctx)
	if list := args.Get(0); list != nil {
		return list.([]domain.PolicyRecord), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockPolicyRepository) GetPolicy(ctx context.Context, id string) (*domain.PolicyRecord, error) {
	args := m.Called(ctx, id)
	if p := args.Get(0); p != nil {
		return p.(*domain.PolicyRecord), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockPolicyRepository) CreatePolicy(ctx context.Context, p *domain.PolicyRecord) error {
	return m.Called(ctx, p).Error(0)
}

func (m *MockPolicyRepository) UpdatePolicy(ctx context.Context, p *domain.PolicyRecord) error {
	return m.Called(ctx, p).Error(0)
}

func (m *MockPolicyRepository) DeletePolicy(ctx context.Context, id string) error {
	return m.Called(ctx, id).Error(0)
}

// MockSignaler подменяет Redis: Publish, SAdd, SRem.
type MockSignaler struct {
	mock.Mock
}

func (m *MockSignaler) Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd {
	return redis.NewIntResult(1, m.Called(ctx, channel, message).Error(0))
}

func (m *MockSignaler) SAdd(ctx context.Context, key string, members ...interface{}) *redis.IntCmd {
	return redis.NewIntResult(1, m.Called(ctx, key, members).Error(0))
}

func (m *MockSignaler) SRem(ctx context.Context, key string, members ...interface{}) *redis.IntCmd {
	return redis.NewIntResult(1, m.Called(ctx, key, members).Error(0))
}

func newPolicyService(t *testing.T, repo PolicyRepository, rdb Publisher) *PolicyService {
	t.Helper()
	compiler, err := policy.NewCompiler()
	require.NoError(t, err)
	return NewPolicyService(repo, compiler, rdb, zaptest.NewLogger(t))
}

func TestPolicyService_CreateCompilesAndNotifies(t *testing.T) {
	repo := new(MockPolicyRepository)
	rdb := new(MockSignaler)
	svc := newPolicyService(t, repo, rdb)

	repo.On("CreatePolicy", mock.Anything, mock.MatchedBy(func(p *domain.PolicyRecord) bool {
		return p.Package == "envoy.authz" && p.Revision != ""
	})).Return(nil)
	rdb.On("Publish", mock.Anything, infra.RedisChanPolicyUpdate, "refresh").Return(nil)

	p, err := svc.Create(context.Background(), validPolicy)
	require.NoError(t, err)
	assert.Equal(t, "envoy.authz", p.Package)

	repo.AssertExpectations(t)
	rdb.AssertExpectations(t)
}

func TestPolicyService_CreateRejectsInvalidSource(t *testing.T) {
	repo := new(MockPolicyRepository)
	svc := newPolicyService(t, repo, nil)

	tests := []struct {
		name   string
		source string
		cause  any
	}{
		{"empty", "", nil},
		{"not yaml", "package: [", new(*policy.ParseError)},
		{"unknown field", "package: a.b\nrulez: []\n", new(*policy.ValidationError)},
		{"two documents", "package: a.b\n---\npackage: c.d\n", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Create(context.Background(), tt.source)
			var invalid *InvalidPolicyError
			require.ErrorAs(t, err, &invalid)
			if tt.cause != nil {
				assert.ErrorAs(t, err, tt.cause)
			}
		})
	}
	repo.AssertNotCalled(t, "CreatePolicy", mock.Anything, mock.Anything)
}

func TestPolicyService_UpdateKeepsPackage(t *testing.T) {
	repo := new(MockPolicyRepository)
	svc := newPolicyService(t, repo, nil)

	repo.On("GetPolicy", mock.Anything, "p1").Return(&domain.PolicyRecord{ID: "p1", Package: "other.pkg"}, nil)

	_, err := svc.Update(context.Background(), "p1", validPolicy)
	var invalid *InvalidPolicyError
	assert.ErrorAs(t, err, &invalid)
	repo.AssertNotCalled(t, "UpdatePolicy", mock.Anything, mock.Anything)
}

func TestPolicyService_UpdateNotFound(t *testing.T) {
	repo := new(MockPolicyRepository)
	svc := newPolicyService(t, repo, nil)

	repo.On("GetPolicy", mock.Anything, "missing").Return(nil, postgres.ErrNotFound)

	_, err := svc.Update(context.Background(), "missing", validPolicy)
	assert.ErrorIs(t, err, postgres.ErrNotFound)
}

func TestPolicyService_PublishFailureDoesNotFailWrite(t *testing.T) {
	repo := new(MockPolicyRepository)
	rdb := new(MockSignaler)
	svc := newPolicyService(t, repo, rdb)

	repo.On("DeletePolicy", mock.Anything, "p1").Return(nil)
	rdb.On("Publish", mock.Anything, infra.RedisChanPolicyUpdate, "refresh").Return(errors.New("redis down"))

	assert.NoError(t, svc.Delete(context.Background(), "p1"))
}

func TestPolicyService_BundleRevisionMatchesStore(t *testing.T) {
	repo := new(MockPolicyRepository)
	svc := newPolicyService(t, repo, nil)

	updated := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	repo.On("ListPolicies", mock.Anything).Return([]domain.PolicyRecord{
		{ID: "p1", Package: "envoy.authz", Source: validPolicy, UpdatedAt: updated},
		{ID: "p2", Package: "admin.authz", Source: "package: admin.authz\n", UpdatedAt: updated.Add(-time.Hour)},
	}, nil)

	bundle, err := svc.Bundle(context.Background())
	require.NoError(t, err)
	assert.Len(t, bundle.Documents, 2)
	assert.Equal(t, updated, bundle.UpdatedAt)

	raws := make([]policy.RawDocument, 0, len(bundle.Documents))
	for _, d := range bundle.Documents {
		raws = append(raws, policy.RawDocument{Origin: d.Origin, Data: []byte(d.Source)})
	}
	compiler, err := policy.NewCompiler()
	require.NoError(t, err)
	rev, err := policy.NewStore(compiler, zaptest.NewLogger(t)).Load(context.Background(), staticSource(raws))
	require.NoError(t, err)
	assert.Equal(t, bundle.Revision, rev.ID)
}

type staticSource []policy.RawDocument

func (s staticSource) Name() string { return "static" }

func (s staticSource) Fetch(context.Context) ([]policy.RawDocument, error) { return s, nil }

// MockRevocationRepository is a mock implementation of RevocationRepository
type MockRevocationRepository struct {
	mock.Mock
}

func (m *MockRevocationRepository) ListRevocations(ctx context.Context) ([]domain.Revocation, error) {
	args := m.Called(ctx)
	if list := args.Get(0); list != nil {
		return list.([]domain.Revocation), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockRevocationRepository) AddRevocation(ctx context.Context, rv *domain.Revocation) error {
	return m.Called(ctx, rv).Error(0)
}

func (m *MockRevocationRepository) RemoveRevocation(ctx context.Context, id string) error {
	return m.Called(ctx, id).Error(0)
}

func TestRevocationService_RevokeAndRestore(t *testing.T) {
	repo := new(MockRevocationRepository)
	rdb := new(MockSignaler)
	svc := NewRevocationService(repo, rdb, zaptest.NewLogger(t))

	repo.On("AddRevocation", mock.Anything, mock.MatchedBy(func(rv *domain.Revocation) bool {
		return rv.ID == "mallory" && rv.Reason == "leaked"
	})).Return(nil)
	repo.On("RemoveRevocation", mock.Anything, "mallory").Return(nil)
	rdb.On("SAdd", mock.Anything, infra.RedisKeyRevokedSet, []interface{}{"mallory"}).Return(nil)
	rdb.On("SRem", mock.Anything, infra.RedisKeyRevokedSet, []interface{}{"mallory"}).Return(nil)
	rdb.On("Publish", mock.Anything, infra.RedisChanRevocation, "mallory:on").Return(nil)
	rdb.On("Publish", mock.Anything, infra.RedisChanRevocation, "mallory:off").Return(nil)

	_, err := svc.Revoke(context.Background(), "mallory", "leaked")
	require.NoError(t, err)
	require.NoError(t, svc.Restore(context.Background(), "mallory"))

	repo.AssertExpectations(t)
	rdb.AssertExpectations(t)
}

func TestRevocationService_SetFailureSkipsSignal(t *testing.T) {
	repo := new(MockRevocationRepository)
	rdb := new(MockSignaler)
	svc := NewRevocationService(repo, rdb, zaptest.NewLogger(t))

	repo.On("AddRevocation", mock.Anything, mock.Anything).Return(nil)
	rdb.On("SAdd", mock.Anything, mock.Anything, mock.Anything).Return(errors.New("redis down"))

	_, err := svc.Revoke(context.Background(), "mallory", "")
	assert.Error(t, err)
	rdb.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything, mock.Anything)
}

// MockAuthProvider is a mock implementation of AuthProvider
type MockAuthProvider struct {
	mock.Mock
}

func (m *MockAuthProvider) GetUserByUsername(ctx context.Context, username string) (*domain.User, error) {
	args := m.Called(ctx, username)
	if u := args.Get(0); u != nil {
		return u.(*domain.User), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockAuthProvider) CreateUser(ctx context.Context, u *domain.User) error {
	return m.Called(ctx, u).Error(0)
}

func TestAuthService_GenerateToken(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	require.NoError(t, err)

	repo := new(MockAuthProvider)
	repo.On("GetUserByUsername", mock.Anything, "admin").
		Return(&domain.User{ID: "u1", Username: "admin", PasswordHash: string(hash), Roles: []string{"admin"}}, nil)
	repo.On("GetUserByUsername", mock.Anything, "ghost").Return(nil, postgres.ErrNotFound)

	svc := NewAuthService(repo, key, AuthSettings{Issuer: "authz-console", TokenTTL: 10 * time.Minute})

	resp, err := svc.GenerateToken(context.Background(), "admin", "s3cret")
	require.NoError(t, err)
	assert.Equal(t, "Bearer", resp.TokenType)
	assert.EqualValues(t, 600, resp.ExpiresIn)

	// Токен консоли проверяется тем же Verifier, что и на шлюзе
	v := auth.NewVerifier(auth.Options{PublicKey: &key.PublicKey, Issuer: "authz-console", RequireExpiry: true})
	claims, err := v.Verify(context.Background(), resp.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "u1", claims.Subject())
	roles, _ := claims.Strings("roles")
	assert.Equal(t, []string{"admin"}, roles)
	assert.NotEmpty(t, claims.ID())

	_, err = svc.GenerateToken(context.Background(), "admin", "wrong")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, err = svc.GenerateToken(context.Background(), "ghost", "s3cret")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestAuthService_CreateUserHashesPassword(t *testing.T) {
	repo := new(MockAuthProvider)
	repo.On("CreateUser", mock.Anything, mock.MatchedBy(func(u *domain.User) bool {
		return bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte("s3cret")) == nil
	})).Return(nil)

	svc := NewAuthService(repo, nil, AuthSettings{BcryptCost: bcrypt.MinCost})
	u, err := svc.CreateUser(context.Background(), "admin", "a@example.com", "s3cret", []string{"admin"})
	require.NoError(t, err)
	assert.NotEqual(t, "s3cret", u.PasswordHash)
	repo.AssertExpectations(t)
}
