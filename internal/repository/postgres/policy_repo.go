package postgres

/*
Файл policy_repo.go отвечает за хранение исходных текстов политик.
Шлюзы никогда не читают эту таблицу: консоль собирает из нее бандл,
а сайдкары компилируют его у себя в памяти.
*/

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/xela07ax/authz-sidecar/internal/domain"
)

const policyColumns = `id, package, source, revision, created_at, updated_at`

func scanPolicy(row interface{ Scan(...any) error }, p *domain.PolicyRecord) error {
	return row.Scan(&p.ID, &p.Package, &p.Source, &p.Revision, &p.CreatedAt, &p.UpdatedAt)
}

// ListPolicies выполняет "холодную загрузку" всего набора политик (бандл, список в UI).
func (r *Repo) ListPolicies(ctx context.Context) ([]domain.PolicyRecord, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+policyColumns+` FROM policies ORDER BY package`)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to query policies: %w", err)
	}
	defer rows.Close()

	// Пустой слайс, чтобы в JSON был [] вместо null
	results := []domain.PolicyRecord{}
	for rows.Next() {
		var p domain.PolicyRecord
		if err := scanPolicy(rows, &p); err != nil {
			return nil, err
		}
		results = append(results, p)
	}
	return results, rows.Err()
}

func (r *Repo) GetPolicy(ctx context.Context, id string) (*domain.PolicyRecord, error) {
	p := &domain.PolicyRecord{}
	err := scanPolicy(r.db.QueryRowContext(ctx, `SELECT `+policyColumns+` FROM policies WHERE id = $1`, id), p)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to get policy: %w", err)
	}
	return p, nil
}

// CreatePolicy сохраняет новый документ. Один пакет: один документ.
func (r *Repo) CreatePolicy(ctx context.Context, p *domain.PolicyRecord) error {
	query := `
		INSERT INTO policies (package, source, revision)
		VALUES ($1, $2, $3)
		RETURNING id, created_at, updated_at`

	err := r.db.QueryRowContext(ctx, query, p.Package, p.Source, p.Revision).
		Scan(&p.ID, &p.CreatedAt, &p.UpdatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: package %s", ErrConflict, p.Package)
	}
	if err != nil {
		return fmt.Errorf("postgres: failed to create policy: %w", err)
	}
	return nil
}

// UpdatePolicy заменяет текст документа.
func (r *Repo) UpdatePolicy(ctx context.Context, p *domain.PolicyRecord) error {
	query := `
		UPDATE policies
		SET package = $1, source = $2, revision = $3, updated_at = NOW()
		WHERE id = $4
		RETURNING created_at, updated_at`

	err := r.db.QueryRowContext(ctx, query, p.Package, p.Source, p.Revision, p.ID).
		Scan(&p.CreatedAt, &p.UpdatedAt)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return ErrNotFound
	case isUniqueViolation(err):
		return fmt.Errorf("%w: package %s", ErrConflict, p.Package)
	case err != nil:
		return fmt.Errorf("postgres: failed to update policy: %w", err)
	}
	return nil
}

// DeletePolicy удаляет политику по ID.
func (r *Repo) DeletePolicy(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM policies WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("postgres: failed to delete policy: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return ErrNotFound
	}
	return nil
}
