package engine

import (
	"context"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xela07ax/authz-sidecar/internal/infra"
	"github.com/xela07ax/authz-sidecar/internal/policy"
)

// PolicyReloader: push-обновление политики: консоль публикует сигнал в Redis,
// сайдкар сразу перечитывает бандл, не дожидаясь reload_interval.
type PolicyReloader struct {
	store  *policy.Store
	source policy.Source
	rdb    *redis.Client
	logger *zap.Logger
}

func NewPolicyReloader(store *policy.Store, source policy.Source, rdb *redis.Client, logger *zap.Logger) *PolicyReloader {
	return &PolicyReloader{
		store:  store,
		source: source,
		rdb:    rdb,
		logger: logger.With(zap.String("mod", "policy-updates")),
	}
}

// StartListener блокируется до отмены ctx. После переподключения бандл
// перечитывается всегда: сигнал мог прийти, пока подписки не было.
func (p *PolicyReloader) StartListener(ctx context.Context) {
	ListenResilient(ctx, p.rdb, p.logger, infra.RedisChanPolicyUpdate,
		func() error { return p.reload(ctx) },
		func(revision string) {
			p.logger.Info("policy update signal", zap.String("revision", revision))
			if err := p.reload(ctx); err != nil {
				p.logger.Error("reload on signal failed, previous revision stays active", zap.Error(err))
			}
		},
	)
}

func (p *PolicyReloader) reload(ctx context.Context) error {
	if cur := p.store.Current(); cur != nil {
		p.logger.Debug("reloading policy", zap.String("current", cur.ID))
	}
	return p.store.Reload(ctx, p.source)
}
