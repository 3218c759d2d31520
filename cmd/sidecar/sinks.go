package main

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/xela07ax/authz-sidecar/internal/audit"
	"github.com/xela07ax/authz-sidecar/internal/connectors"
	"github.com/xela07ax/authz-sidecar/internal/engine"
	"github.com/xela07ax/authz-sidecar/internal/infra"
	"github.com/xela07ax/authz-sidecar/internal/repository/postgres"
	"github.com/xela07ax/authz-sidecar/internal/repository/sqlite"
)

// openSinks собирает приемники журнала решений по decision_log.sink.
// Несколько приемников оборачиваются в MultiStore; закрывать нужно результат.
func openSinks(ctx context.Context, cfg *infra.Config, metrics *engine.Metrics, logger *zap.Logger) (audit.MultiStore, error) {
	var stores audit.MultiStore
	fail := func(err error) (audit.MultiStore, error) {
		_ = stores.Close()
		return nil, err
	}

	for _, sink := range cfg.DecisionLog.SinkURIs() {
		switch sink {
		case infra.SinkStdout:
			stores = append(stores, audit.NewStdoutStore())
			continue
		case infra.SinkPostgres:
			db, err := postgres.Open(cfg.Database)
			if err != nil {
				return fail(err)
			}
			repo := postgres.New(db)
			pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err = repo.Ping(pingCtx)
			cancel()
			if err != nil {
				_ = repo.Close()
				return fail(fmt.Errorf("decision log postgres unreachable: %w", err))
			}
			stores = append(stores, repo)
			continue
		}

		u, err := url.Parse(sink)
		if err != nil {
			return fail(fmt.Errorf("decision log sink %q: %w", sink, err))
		}
		switch u.Scheme {
		case infra.SinkFile:
			store, err := audit.NewFileStore(u.Path)
			if err != nil {
				return fail(err)
			}
			stores = append(stores, store)
		case infra.SinkSQLite:
			store, err := sqlite.Open(ctx, u.Path)
			if err != nil {
				return fail(err)
			}
			stores = append(stores, store)
		case infra.SinkHTTP, infra.SinkHTTPS:
			rel := connectors.NewReliability(reliabilitySettings(cfg, "collector", metrics), logger)
			stores = append(stores, connectors.NewCollectorStore(sink, cfg.DecisionLog.CollectorToken, rel))
		default:
			return fail(fmt.Errorf("decision log sink %q: unsupported scheme", sink))
		}
		logger.Info("decision log sink opened", zap.String("sink", u.Scheme))
	}
	return stores, nil
}

// reliabilitySettings: общие параметры исходящих вызовов из секции engine.
func reliabilitySettings(cfg *infra.Config, name string, metrics *engine.Metrics) connectors.ReliabilitySettings {
	return connectors.ReliabilitySettings{
		Name:          name,
		MaxRequests:   uint32(cfg.Engine.CBMaxRequests),
		Interval:      cfg.Engine.CBInterval,
		Timeout:       cfg.Engine.CBTimeout,
		RateLimit:     cfg.Engine.RateLimit,
		OnStateChange: metrics.OnBreakerStateChange,
	}
}
