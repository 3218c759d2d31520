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
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xela07ax/authz-sidecar/internal/console/handler"
	"github.com/xela07ax/authz-sidecar/internal/console/server"
	"github.com/xela07ax/authz-sidecar/internal/console/service"
	"github.com/xela07ax/authz-sidecar/internal/infra"
	"github.com/xela07ax/authz-sidecar/internal/infra/auth"
	"github.com/xela07ax/authz-sidecar/internal/policy"
	"github.com/xela07ax/authz-sidecar/internal/repository/postgres"
)

var configFile string

var rootCmd = &cobra.Command{
	Use:           "authz-console",
	Short:         "Control plane for authz sidecars: policies, bundles, revocations, decision log",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the Console API",
	RunE:  runServe,
}

var (
	userEmail    string
	userPassword string
	userRoles    string
)

var createUserCmd = &cobra.Command{
	Use:   "create-user <username>",
	Short: "Create a console operator",
	Args:  cobra.ExactArgs(1),
	RunE:  runCreateUser,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Path to config file")
	createUserCmd.Flags().StringVar(&userEmail, "email", "", "Operator email")
	createUserCmd.Flags().StringVar(&userPassword, "password", "", "Operator password (required)")
	createUserCmd.Flags().StringVar(&userRoles, "roles", server.RoleAdmin, "Comma-separated roles")
	_ = createUserCmd.MarkFlagRequired("password")
	rootCmd.AddCommand(serveCmd, createUserCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// deps: общие ресурсы команд консоли.
type deps struct {
	cfg    *infra.Config
	logger *zap.Logger
	repo   *postgres.Repo
}

func setup(ctx context.Context) (*deps, error) {
	var opts []infra.LoadOption
	if configFile != "" {
		opts = append(opts, infra.WithConfigFile(configFile))
	}
	cfg, err := infra.LoadConfig(opts...)
	if err != nil {
		return nil, err
	}
	if cfg.Database.URL == "" {
		return nil, errors.New("database.url is required for the console")
	}
	logger, err := infra.NewLogger(cfg.Logger)
	if err != nil {
		return nil, err
	}

	db, err := postgres.Open(cfg.Database)
	if err != nil {
		return nil, err
	}
	repo := postgres.New(db)

	// Проверяем соединение с таймаутом
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := repo.Ping(pingCtx); err != nil {
		_ = repo.Close()
		return nil, fmt.Errorf("database unreachable: %w", err)
	}
	if err := repo.Migrate(ctx); err != nil {
		_ = repo.Close()
		return nil, err
	}
	return &deps{cfg: cfg, logger: logger, repo: repo}, nil
}

func newAuthService(d *deps) (*service.AuthService, error) {
	key, err := auth.ParseRSAPrivateKey(d.cfg.Auth.PrivateKey)
	if err != nil {
		return nil, err
	}
	return service.NewAuthService(d.repo, key, service.AuthSettings{
		Issuer:     d.cfg.Auth.Issuer,
		Audience:   d.cfg.Auth.Audience,
		TokenTTL:   d.cfg.Auth.TokenTTL,
		BcryptCost: d.cfg.Auth.BcryptCost,
	}), nil
}

func runCreateUser(cmd *cobra.Command, args []string) error {
	d, err := setup(cmd.Context())
	if err != nil {
		return err
	}
	defer d.repo.Close()

	authSvc, err := newAuthService(d)
	if err != nil {
		return err
	}
	var roles []string
	for _, r := range strings.Split(userRoles, ",") {
		if r = strings.TrimSpace(r); r != "" {
			roles = append(roles, r)
		}
	}
	u, err := authSvc.CreateUser(cmd.Context(), args[0], userEmail, userPassword, roles)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "created user %s (%s) roles=%v\n", u.Username, u.ID, u.Roles)
	return nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 1. Инициализация ресурсов
	d, err := setup(ctx)
	if err != nil {
		return err
	}
	defer d.repo.Close()
	logger := d.logger
	defer func() { _ = logger.Sync() }()

	authSvc, err := newAuthService(d)
	if err != nil {
		return err
	}
	publicKey, err := auth.ParseRSAPublicKey(d.cfg.Auth.PublicKey)
	if err != nil {
		return err
	}
	verifier := auth.NewVerifier(auth.Options{
		PublicKey:     publicKey,
		Issuer:        d.cfg.Auth.Issuer,
		Audience:      d.cfg.Auth.Audience,
		Leeway:        d.cfg.Auth.Leeway,
		RequireExpiry: true,
	})

	compiler, err := policy.NewCompiler()
	if err != nil {
		return err
	}

	// 2. Сервисы. Без Redis шлюзы узнают о политиках поллингом, а об отзывах: после рестарта
	var (
		publisher service.Publisher
		signaler  service.RevocationSignaler
		rdb       *redis.Client
	)
	if d.cfg.Redis.Enabled() {
		rdb = redis.NewClient(&redis.Options{
			Addr:     d.cfg.Redis.Addr,
			Password: d.cfg.Redis.Password,
			DB:       d.cfg.Redis.DB,
		})
		defer rdb.Close()
		publisher, signaler = rdb, rdb
	}

	policies := service.NewPolicyService(d.repo, compiler, publisher, logger)
	revocations := service.NewRevocationService(d.repo, signaler, logger)
	if rdb != nil {
		if err := revocations.Warmup(ctx, rdb); err != nil {
			logger.Warn("revocation warmup failed", zap.Error(err))
		}
	}

	// 3. Роутер
	api := server.NewConsoleServer(d.cfg, logger, verifier, server.Handlers{
		Auth:        handler.NewAuthHandler(authSvc),
		Policies:    handler.NewPolicyHandler(policies),
		Bundles:     handler.NewBundleHandler(policies, d.cfg.Policy.BundleToken, logger),
		Revocations: handler.NewRevocationHandler(revocations),
		Decisions:   handler.NewDecisionHandler(service.NewDecisionService(d.repo)),
	})

	// 4. Запуск сервера
	srv := &http.Server{
		Addr:         net.JoinHostPort(d.cfg.Server.Host, strconv.Itoa(d.cfg.Server.Port)),
		Handler:      api,
		ReadTimeout:  d.cfg.Server.ReadTimeout,
		WriteTimeout: d.cfg.Server.WriteTimeout,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("console API started", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("console API: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("console shutdown: %w", err)
	}
	logger.Info("console API exited properly")
	return nil
}
