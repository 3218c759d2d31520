package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/xela07ax/authz-sidecar/internal/audit"
	"github.com/xela07ax/authz-sidecar/internal/connectors"
	"github.com/xela07ax/authz-sidecar/internal/engine"
	"github.com/xela07ax/authz-sidecar/internal/infra"
	"github.com/xela07ax/authz-sidecar/internal/infra/auth"
	"github.com/xela07ax/authz-sidecar/internal/policy"
)

// defaultBundleInterval: опрос консоли, если reload_interval не задан
const defaultBundleInterval = 30 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the authorization endpoint",
	RunE:  runServe,
}

func init() {
	f := serveCmd.Flags()
	f.String("policy", "", "Policy file, directory or console bundle URL")
	f.String("package", "", "Policy package to evaluate")
	f.Int("port", 0, "HTTP port of the authorization endpoint")
	f.String("fail-mode", "", "Decision on timeout: open or closed")
	f.Bool("dry-run", false, "Log computed decisions but always allow")

	_ = v.BindPFlag("policy.source", f.Lookup("policy"))
	_ = v.BindPFlag("policy.package", f.Lookup("package"))
	_ = v.BindPFlag("server.port", f.Lookup("port"))
	_ = v.BindPFlag("engine.fail_mode", f.Lookup("fail-mode"))
	_ = v.BindPFlag("engine.dry_run", f.Lookup("dry-run"))
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := infra.NewLogger(cfg.Logger)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := infra.InitTracing(cfg.Tracing, os.Stderr)
	if err != nil {
		return err
	}

	// 1. Метрики
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := engine.NewMetrics(reg)

	// 2. Redis опционален: без него нет отзыва и push-обновлений
	var rdb *redis.Client
	if cfg.Redis.Enabled() {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
	}

	// Фоновые слушатели живут до отмены bgCtx, а он отменяется после остановки серверов
	bgCtx, cancelBg := context.WithCancel(context.Background())
	defer cancelBg()

	// 3. Политики
	compiler, err := policy.NewCompiler()
	if err != nil {
		return err
	}
	store := policy.NewStore(compiler, logger)
	store.OnPublish(metrics.ObserveRevision)
	store.OnReload(metrics.ObserveReload)

	source, err := startPolicySource(bgCtx, cfg, store, rdb, metrics, logger)
	if err != nil {
		return err
	}
	logger.Info("policy source configured", zap.String("source", source.Name()))

	// 4. Проверка токенов и список отзыва
	var revoker auth.Revoker
	if rdb != nil {
		revocations := engine.NewRevocationManager(rdb, logger)
		if err := revocations.Init(ctx); err != nil {
			// Набор подтянется при первом успешном подключении слушателя
			logger.Warn("revocation list not loaded yet", zap.Error(err))
		}
		go revocations.StartListener(bgCtx)
		revoker = revocations
	}
	verifier, err := buildVerifier(cfg, revoker, logger)
	if err != nil {
		return err
	}

	// 5. Журнал решений
	stores, err := openSinks(ctx, cfg, metrics, logger)
	if err != nil {
		return err
	}
	dlog := audit.NewDecisionLog(stores, logger, audit.Options{
		BufferSize:    cfg.DecisionLog.BufferSize,
		Workers:       cfg.DecisionLog.Workers,
		BatchSize:     cfg.DecisionLog.BatchSize,
		FlushInterval: cfg.DecisionLog.FlushInterval,
		SendTimeout:   cfg.DecisionLog.SendTimeout,
		Overflow:      audit.Overflow(cfg.DecisionLog.Overflow),
		OnDrop:        metrics.OnDecisionLogDrop,
		OnFlush:       metrics.OnDecisionLogFlush,
	})
	metrics.RegisterBufferGauge(dlog.Pending)
	dlog.Start()

	// 6. Точка принятия решений и транспорты
	var tokenVerifier auth.TokenVerifier
	if verifier != nil {
		tokenVerifier = verifier
	}
	authz := engine.NewAuthorizer(store, policy.NewEngine(), tokenVerifier, dlog, metrics, logger, engine.SettingsFromConfig(cfg))

	gateway := engine.NewGateway(authz, cfg.Engine.PathPrefix, logger)
	srv := &http.Server{
		Addr:         net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port)),
		Handler:      gateway.Routes(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	errCh := make(chan error, 3)
	go func() {
		logger.Info("authorization endpoint started", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	// Служебный порт поднимается всегда: пробы и JSON-API не должны зависеть от метрик
	var gatherer prometheus.Gatherer
	if cfg.Metrics.Enabled {
		gatherer = reg
	}
	adminSrv := &http.Server{
		Addr:              net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Metrics.Port)),
		Handler:           engine.NewAdminRouter(gatherer, func() bool { return store.Current() != nil }, gateway.AuthorizeHandler()),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("admin endpoint started", zap.String("addr", adminSrv.Addr))
		if err := adminSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("admin server: %w", err)
		}
	}()

	var grpcSrv *grpc.Server
	if cfg.GRPC.Enabled {
		lis, err := net.Listen("tcp", net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.GRPC.Port)))
		if err != nil {
			return fmt.Errorf("failed to listen gRPC: %w", err)
		}
		grpcSrv = grpc.NewServer(grpc.UnaryInterceptor(engine.UnaryTraceInterceptor(logger)))
		engine.RegisterAuthorizationServer(grpcSrv, engine.NewGRPCGatewayServer(authz))
		go func() {
			logger.Info("grpc endpoint started", zap.String("addr", lis.Addr().String()))
			if err := grpcSrv.Serve(lis); err != nil {
				errCh <- fmt.Errorf("grpc server: %w", err)
			}
		}()
	}

	// 7. Graceful shutdown
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		logger.Error("server failed", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown failed", zap.Error(err))
	}
	if grpcSrv != nil {
		grpcSrv.GracefulStop()
	}
	_ = adminSrv.Shutdown(shutdownCtx)
	cancelBg()

	// Запросов больше нет: дописываем буфер журнала и закрываем приемники
	dlog.Stop()
	if err := stores.Close(); err != nil {
		logger.Error("failed to close decision log sinks", zap.Error(err))
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Error("failed to flush traces", zap.Error(err))
	}
	logger.Info("authz sidecar exited properly", zap.Int64("decision_log_dropped", dlog.Dropped()))
	return nil
}

// startPolicySource делает первую загрузку и запускает обновления: fsnotify, поллер, Redis.
// Локальный источник обязан загрузиться сразу; бандл консоли может появиться позже,
// до этого /readyz отвечает 503, а решения: deny.
func startPolicySource(ctx context.Context, cfg *infra.Config, store *policy.Store, rdb *redis.Client, metrics *engine.Metrics, logger *zap.Logger) (policy.Source, error) {
	var source policy.Source
	interval := cfg.Policy.ReloadInterval

	if cfg.Policy.IsRemote() {
		rel := connectors.NewReliability(connectors.BundleReliability(reliabilitySettings(cfg, "bundle", metrics)), logger)
		source = connectors.NewBundleSource(cfg.Policy.Source, cfg.Policy.BundleToken, rel, logger)
		if interval <= 0 {
			interval = defaultBundleInterval
		}
		if err := store.Reload(ctx, source); err != nil {
			logger.Warn("initial bundle load failed, waiting for the next poll", zap.Error(err))
		}
	} else {
		fileSource := policy.NewFileSource(cfg.Policy.Source)
		source = fileSource
		if err := store.Reload(ctx, source); err != nil {
			return nil, fmt.Errorf("initial policy load: %w", err)
		}
		if cfg.Policy.Watch {
			w, err := policy.NewWatcher(store, fileSource, logger)
			if err != nil {
				return nil, err
			}
			go func() {
				if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
					logger.Error("policy watcher stopped", zap.Error(err))
				}
			}()
		}
	}

	if interval > 0 {
		go policy.NewPoller(store, source, interval, logger).Run(ctx)
	}
	if rdb != nil {
		go engine.NewPolicyReloader(store, source, rdb, logger).StartListener(ctx)
	}
	return source, nil
}

// buildVerifier собирает ключевой материал. Без ключей токены не проверяются:
// политика видит только атрибуты запроса, claims всегда пусты.
func buildVerifier(cfg *infra.Config, revoker auth.Revoker, logger *zap.Logger) (*auth.Verifier, error) {
	opts := auth.Options{
		Issuer:        cfg.Auth.Issuer,
		Audience:      cfg.Auth.Audience,
		Leeway:        cfg.Auth.Leeway,
		RequireExpiry: cfg.Auth.RequireExpiry,
		Revoker:       revoker,
	}
	if cfg.Auth.JWTSigningKey != "" {
		opts.HMACKey = []byte(cfg.Auth.JWTSigningKey)
	}
	if len(cfg.Auth.PublicKey) > 0 {
		key, err := auth.ParseRSAPublicKey(cfg.Auth.PublicKey)
		if err != nil {
			return nil, err
		}
		opts.PublicKey = key
	}
	if cfg.Auth.JWKSURL != "" {
		opts.KeySet = auth.NewJWKSKeySet(cfg.Auth.JWKSURL, cfg.Auth.JWKSCacheTTL, logger)
	}

	if opts.HMACKey == nil && opts.PublicKey == nil && opts.KeySet == nil {
		logger.Warn("no token keys configured, bearer tokens are ignored")
		return nil, nil
	}
	return auth.NewVerifier(opts), nil
}
