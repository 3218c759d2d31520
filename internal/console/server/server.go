package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/xela07ax/authz-sidecar/internal/console/handler"
	"github.com/xela07ax/authz-sidecar/internal/infra"
	"github.com/xela07ax/authz-sidecar/internal/infra/auth"
)

// RoleAdmin: роль, без которой консоль доступна только на чтение.
const RoleAdmin = "admin"

// Handlers: обработчики бизнес-доменов консоли.
type Handlers struct {
	Auth        *handler.AuthHandler       // /auth/token
	Policies    *handler.PolicyHandler     // /v1/policies
	Bundles     *handler.BundleHandler     // /v1/bundles
	Revocations *handler.RevocationHandler // /v1/revocations
	Decisions   *handler.DecisionHandler   // /v1/decisions
}

type ConsoleServer struct {
	router *chi.Mux
	logger *zap.Logger
	cfg    *infra.Config

	// Проверка токенов консоли (RS256 публичным ключом)
	verifier auth.TokenVerifier
	h        Handlers
}

// NewConsoleServer инициализирует сервер админки со всеми зависимостями
func NewConsoleServer(cfg *infra.Config, logger *zap.Logger, verifier auth.TokenVerifier, h Handlers) *ConsoleServer {
	s := &ConsoleServer{
		router:   chi.NewRouter(),
		logger:   logger.Named("console-api"),
		cfg:      cfg,
		verifier: verifier,
		h:        h,
	}

	s.routes()
	return s
}

func (s *ConsoleServer) routes() {
	r := s.router

	// --- 1. Глобальные middleware ---
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.cfg.Console.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type", "If-None-Match"},
		ExposedHeaders:   []string{"ETag"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// --- 2. Публичные роуты ---
	r.Group(func(r chi.Router) {
		r.Post("/auth/token", s.h.Auth.Login)

		r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		})

		// Шлюзы ходят со своим bundle_token, а не с токеном оператора
		r.Get("/v1/bundles", s.h.Bundles.Get)
	})

	// --- 3. Защищенный периметр (RS256 токен оператора) ---
	r.Group(func(r chi.Router) {
		r.Use(auth.NewMiddleware(s.verifier, s.logger))

		r.Route("/v1/policies", func(r chi.Router) {
			r.Get("/", s.h.Policies.List)
			r.Get("/{id}", s.h.Policies.Get)

			r.Group(func(r chi.Router) {
				r.Use(auth.RequireRole(RoleAdmin))
				r.Post("/", s.h.Policies.Create)
				r.Put("/{id}", s.h.Policies.Update)
				r.Delete("/{id}", s.h.Policies.Delete)
			})
		})

		r.Route("/v1/revocations", func(r chi.Router) {
			r.Get("/", s.h.Revocations.List)

			r.Group(func(r chi.Router) {
				r.Use(auth.RequireRole(RoleAdmin))
				r.Post("/", s.h.Revocations.Revoke)
				r.Delete("/{id}", s.h.Revocations.Restore)
			})
		})

		r.Get("/v1/decisions", s.h.Decisions.Query)
		r.Get("/v1/decisions/stats", s.h.Decisions.Stats)
	})
}

// ServeHTTP позволяет использовать ConsoleServer как стандартный http.Handler
func (s *ConsoleServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
