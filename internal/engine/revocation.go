package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xela07ax/authz-sidecar/internal/infra"
)

// RevocationManager держит в RAM отозванных субъектов и токены (jti).
// Источник: Redis set, обновления: сигналы "id:on|off" от консоли.
// Реализует auth.Revoker: проверка на Hot Path: чтение мапы под RLock.
type RevocationManager struct {
	mu      sync.RWMutex
	revoked map[string]struct{}
	rdb     *redis.Client
	logger  *zap.Logger
}

func NewRevocationManager(rdb *redis.Client, logger *zap.Logger) *RevocationManager {
	return &RevocationManager{
		revoked: make(map[string]struct{}),
		rdb:     rdb,
		logger:  logger.With(zap.String("mod", "revocation")),
	}
}

// Init загружает полный список отзыва. Вызывается при старте и после каждого
// переподключения: сигналы, пришедшие во время обрыва, потеряны, поэтому мапа заменяется целиком.
func (m *RevocationManager) Init(ctx context.Context) error {
	ids, err := m.rdb.SMembers(ctx, infra.RedisKeyRevokedSet).Result()
	if err != nil {
		return fmt.Errorf("failed to load revocation list: %w", err)
	}
	m.Replace(ids)
	m.logger.Info("revocation list loaded", zap.Int("count", len(ids)))
	return nil
}

// StartListener подписывается на сигналы и блокируется до отмены ctx.
func (m *RevocationManager) StartListener(ctx context.Context) {
	m.logger.Info("revocation listener started")
	ListenStateResilient(ctx, m.rdb, m.logger, infra.RedisChanRevocation,
		func() error { return m.Init(ctx) },
		func(id string, revoked bool) {
			m.logger.Info("revocation signal", zap.String("id", id), zap.Bool("revoked", revoked))
			m.Set(id, revoked)
		},
	)
	m.logger.Info("revocation listener stopped")
}

// Set отзывает (true) или восстанавливает (false) идентификатор.
func (m *RevocationManager) Set(id string, revoked bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if revoked {
		m.revoked[id] = struct{}{}
		return
	}
	delete(m.revoked, id)
}

// Replace подменяет список целиком.
func (m *RevocationManager) Replace(ids []string) {
	next := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		next[id] = struct{}{}
	}
	m.mu.Lock()
	m.revoked = next
	m.mu.Unlock()
}

func (m *RevocationManager) IsRevoked(id string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, revoked := m.revoked[id]
	return revoked
}

func (m *RevocationManager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.revoked)
}
