package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/xela07ax/authz-sidecar/internal/domain"
)

func (r *Repo) GetUserByUsername(ctx context.Context, username string) (*domain.User, error) {
	query := `
		SELECT id, email, username, password_hash, roles, created_at, updated_at
		FROM users WHERE username = $1`

	u := &domain.User{}
	var roles []byte
	err := r.db.QueryRowContext(ctx, query, username).Scan(
		&u.ID, &u.Email, &u.Username, &u.PasswordHash, &roles, &u.CreatedAt, &u.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to get user: %w", err)
	}
	if err := json.Unmarshal(roles, &u.Roles); err != nil {
		return nil, fmt.Errorf("postgres: bad roles for user %s: %w", username, err)
	}
	return u, nil
}

// CreateUser: заведение оператора (CLI консоли). Хэш пароля считает сервис.
func (r *Repo) CreateUser(ctx context.Context, u *domain.User) error {
	roles, err := json.Marshal(u.Roles)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO users (email, username, password_hash, roles)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at, updated_at`

	err = r.db.QueryRowContext(ctx, query, u.Email, u.Username, u.PasswordHash, roles).
		Scan(&u.ID, &u.CreatedAt, &u.UpdatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: user %s", ErrConflict, u.Username)
	}
	if err != nil {
		return fmt.Errorf("postgres: failed to create user: %w", err)
	}
	return nil
}
