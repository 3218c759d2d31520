package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xela07ax/authz-sidecar/internal/domain"
	"github.com/xela07ax/authz-sidecar/internal/engine"
	"github.com/xela07ax/authz-sidecar/internal/infra"
)

type RevocationRepository interface {
	ListRevocations(ctx context.Context) ([]domain.Revocation, error)
	AddRevocation(ctx context.Context, rv *domain.Revocation) error
	RemoveRevocation(ctx context.Context, id string) error
}

// RevocationSignaler: команды Redis, которыми консоль меняет набор отзыва шлюзов.
type RevocationSignaler interface {
	Publisher
	SAdd(ctx context.Context, key string, members ...interface{}) *redis.IntCmd
	SRem(ctx context.Context, key string, members ...interface{}) *redis.IntCmd
}

type RevocationService struct {
	repo   RevocationRepository
	rdb    RevocationSignaler
	logger *zap.Logger
}

func NewRevocationService(repo RevocationRepository, rdb RevocationSignaler, logger *zap.Logger) *RevocationService {
	return &RevocationService{
		repo:   repo,
		rdb:    rdb,
		logger: logger.With(zap.String("mod", "revocations")),
	}
}

func (s *RevocationService) List(ctx context.Context) ([]domain.Revocation, error) {
	return s.repo.ListRevocations(ctx)
}

// Revoke отзывает субъект или jti: Postgres, затем набор в Redis, затем сигнал шлюзам.
func (s *RevocationService) Revoke(ctx context.Context, id, reason string) (*domain.Revocation, error) {
	if id == "" {
		return nil, errors.New("revocation id is required")
	}
	rv := &domain.Revocation{ID: id, Reason: reason}
	if err := s.repo.AddRevocation(ctx, rv); err != nil {
		return nil, err
	}
	if err := s.updateState(ctx, id, true); err != nil {
		return nil, err
	}
	return rv, nil
}

// Restore снимает отзыв.
func (s *RevocationService) Restore(ctx context.Context, id string) error {
	if err := s.repo.RemoveRevocation(ctx, id); err != nil {
		return err
	}
	return s.updateState(ctx, id, false)
}

// Warmup заливает в Redis набор отзыва из Postgres (холодный старт Redis).
func (s *RevocationService) Warmup(ctx context.Context, rdb *redis.Client) error {
	list, err := s.repo.ListRevocations(ctx)
	if err != nil {
		return err
	}
	ids := make([]string, 0, len(list))
	for _, rv := range list {
		ids = append(ids, rv.ID)
	}
	return engine.WarmupState(ctx, rdb, s.logger, ids, infra.RedisKeyRevokedSet, infra.RedisKeyLockRevoked, nil)
}

func (s *RevocationService) updateState(ctx context.Context, id string, revoked bool) error {
	if s.rdb == nil {
		s.logger.Warn("redis disabled, gateways will see the change after restart", zap.String("id", id))
		return nil
	}

	// 1. Набор: его читают шлюзы при старте и после переподключения
	var err error
	if revoked {
		err = s.rdb.SAdd(ctx, infra.RedisKeyRevokedSet, id).Err()
	} else {
		err = s.rdb.SRem(ctx, infra.RedisKeyRevokedSet, id).Err()
	}
	if err != nil {
		return fmt.Errorf("failed to update revoked set: %w", err)
	}

	// 2. Сигнал: живые шлюзы обновляют RAM без опроса
	if err := s.rdb.Publish(ctx, infra.RedisChanRevocation, engine.FormatStateSignal(id, revoked)).Err(); err != nil {
		return fmt.Errorf("failed to publish revocation signal: %w", err)
	}

	s.logger.Info("revocation state updated", zap.String("id", id), zap.Bool("revoked", revoked))
	return nil
}
