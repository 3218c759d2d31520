package engine

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const warmupLockTTL = 30 * time.Second

// WarmupStore: часть redis.Cmdable, нужная прогреву. *redis.Client подходит как есть.
type WarmupStore interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	SCard(ctx context.Context, key string) *redis.IntCmd
	SAdd(ctx context.Context, key string, members ...interface{}) *redis.IntCmd
}

// WarmupState переносит идентификаторы из Postgres в Redis set setKey, если set пуст.
// local (может быть nil) получает тот же список сразу, без Redis.
// Заливает только владелец lockKey: остальные инстансы консоли пропускают шаг.
func WarmupState(
	ctx context.Context,
	rdb WarmupStore,
	logger *zap.Logger,
	ids []string,
	setKey string,
	lockKey string,
	local func([]string),
) error {
	if local != nil {
		local(ids)
	}

	acquired, err := rdb.SetNX(ctx, lockKey, "warmup", warmupLockTTL).Result()
	switch {
	case err != nil:
		logger.Warn("warmup lock unavailable, skipping", zap.String("lock", lockKey), zap.Error(err))
		return nil
	case !acquired:
		logger.Debug("warmup already running elsewhere", zap.String("lock", lockKey))
		return nil
	}
	defer rdb.Del(context.WithoutCancel(ctx), lockKey)

	size, err := rdb.SCard(ctx, setKey).Result()
	if err != nil {
		// set не прочитать: считаем пустым, SAdd идемпотентен
		logger.Warn("failed to read set size, filling anyway", zap.String("key", setKey), zap.Error(err))
		size = 0
	}
	if size > 0 || len(ids) == 0 {
		return nil
	}

	members := make([]interface{}, 0, len(ids))
	for _, id := range ids {
		members = append(members, id)
	}
	logger.Info("filling empty Redis set from database", zap.String("key", setKey), zap.Int("count", len(ids)))
	return rdb.SAdd(ctx, setKey, members...).Err()
}
