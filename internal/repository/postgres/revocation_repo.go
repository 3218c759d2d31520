package postgres

import (
	"context"
	"fmt"

	"github.com/xela07ax/authz-sidecar/internal/domain"
)

// ListRevocations: источник истины для прогрева Redis set.
func (r *Repo) ListRevocations(ctx context.Context) ([]domain.Revocation, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id, reason, created_at FROM revocations ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to query revocations: %w", err)
	}
	defer rows.Close()

	results := []domain.Revocation{}
	for rows.Next() {
		var rv domain.Revocation
		if err := rows.Scan(&rv.ID, &rv.Reason, &rv.CreatedAt); err != nil {
			return nil, err
		}
		results = append(results, rv)
	}
	return results, rows.Err()
}

// AddRevocation идемпотентна: повторный отзыв обновляет причину.
func (r *Repo) AddRevocation(ctx context.Context, rv *domain.Revocation) error {
	query := `
		INSERT INTO revocations (id, reason) VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET reason = EXCLUDED.reason
		RETURNING created_at`

	if err := r.db.QueryRowContext(ctx, query, rv.ID, rv.Reason).Scan(&rv.CreatedAt); err != nil {
		return fmt.Errorf("postgres: failed to add revocation: %w", err)
	}
	return nil
}

func (r *Repo) RemoveRevocation(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM revocations WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("postgres: failed to remove revocation: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return ErrNotFound
	}
	return nil
}
