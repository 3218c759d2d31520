package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // Драйвер Postgres

	"github.com/xela07ax/authz-sidecar/internal/infra"
)

//go:embed schema.sql
var schema string

// Repo: доступ консоли к PostgreSQL: политики, пользователи, отзывы, журнал решений.
type Repo struct {
	db *sql.DB
}

// Open открывает пул соединений через pgx stdlib. Соединение проверяется отдельно (Ping).
func Open(cfg infra.DatabaseConfig) (*sql.DB, error) {
	db, err := sql.Open("pgx", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("postgres: open: %w", err)
	}
	maxConns := int(cfg.MaxConns)
	if maxConns <= 0 {
		maxConns = 25
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(max(int(cfg.MinConns), 1))
	db.SetConnMaxLifetime(5 * time.Minute)
	return db, nil
}

// New создает репозиторий поверх готового пула (в тестах: sqlmock).
func New(db *sql.DB) *Repo {
	return &Repo{db: db}
}

// Ping проверяет доступность базы при старте
func (r *Repo) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Migrate создает таблицы, если их нет. Схема идемпотентна.
func (r *Repo) Migrate(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("postgres: migrate: %w", err)
	}
	return nil
}

func (r *Repo) Close() error {
	return r.db.Close()
}
