package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/xela07ax/authz-sidecar/internal/audit"
)

// Количество колонок в таблице decision_logs
const decisionFields = 12

// PostgreSQL принимает не больше 65535 параметров на запрос
const maxBindParams = 65535

// decisionRowsPerInsert: сколько записей влезает в одну вставку.
const decisionRowsPerInsert = maxBindParams / decisionFields

// WriteBatch реализует audit.Store. Большая пачка уходит несколькими вставками,
// повтор после частичной записи безопасен благодаря ON CONFLICT.
func (r *Repo) WriteBatch(ctx context.Context, records []audit.DecisionRecord) error {
	for len(records) > 0 {
		n := min(len(records), decisionRowsPerInsert)
		if err := r.insertDecisions(ctx, records[:n]); err != nil {
			return err
		}
		records = records[n:]
	}
	return nil
}

func (r *Repo) insertDecisions(ctx context.Context, records []audit.DecisionRecord) error {
	var placeholders strings.Builder
	vals := make([]interface{}, 0, len(records)*decisionFields)

	// Динамически строим запрос для пакетной вставки
	for i, rec := range records {
		if i > 0 {
			placeholders.WriteString(",")
		}
		p := i * decisionFields
		placeholders.WriteString("(")
		for j := 1; j <= decisionFields; j++ {
			if j > 1 {
				placeholders.WriteString(", ")
			}
			fmt.Fprintf(&placeholders, "$%d", p+j)
		}
		placeholders.WriteString(")")

		input, err := json.Marshal(rec.Input)
		if err != nil {
			return fmt.Errorf("postgres: encode input: %w", err)
		}
		result, err := json.Marshal(rec.Result)
		if err != nil {
			return fmt.Errorf("postgres: encode result: %w", err)
		}

		vals = append(vals,
			rec.DecisionID, rec.TraceID, rec.Timestamp, rec.Package, rec.Revision,
			rec.Result.Allowed, rec.Result.Rule, rec.DryRun, rec.Error, rec.DurationUs,
			input, result,
		)
	}

	// Повтор пачки после ретрая не должен дублировать записи
	query := `INSERT INTO decision_logs (decision_id, trace_id, ts, package, revision, allowed, rule, dry_run, error, duration_us, input, result) VALUES ` +
		placeholders.String() + ` ON CONFLICT (decision_id) DO NOTHING`

	if _, err := r.db.ExecContext(ctx, query, vals...); err != nil {
		return fmt.Errorf("postgres: failed to write decision batch: %w", err)
	}
	return nil
}

// DecisionFilter: параметры выборки журнала для консоли.
type DecisionFilter struct {
	Package string
	Allowed *bool
	Since   time.Time
	Limit   int
}

const (
	defaultDecisionLimit = 100
	maxDecisionLimit     = 1000
)

// QueryDecisions возвращает последние решения, новые первыми.
func (r *Repo) QueryDecisions(ctx context.Context, f DecisionFilter) ([]audit.DecisionRecord, error) {
	query := `SELECT decision_id, trace_id, ts, package, revision, dry_run, error, duration_us, input, result FROM decision_logs`

	var where []string
	var args []interface{}
	if f.Package != "" {
		args = append(args, f.Package)
		where = append(where, fmt.Sprintf("package = $%d", len(args)))
	}
	if f.Allowed != nil {
		args = append(args, *f.Allowed)
		where = append(where, fmt.Sprintf("allowed = $%d", len(args)))
	}
	if !f.Since.IsZero() {
		args = append(args, f.Since)
		where = append(where, fmt.Sprintf("ts >= $%d", len(args)))
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}

	limit := f.Limit
	if limit <= 0 {
		limit = defaultDecisionLimit
	}
	args = append(args, min(limit, maxDecisionLimit))
	query += fmt.Sprintf(" ORDER BY ts DESC LIMIT $%d", len(args))

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to query decisions: %w", err)
	}
	defer rows.Close()

	results := []audit.DecisionRecord{}
	for rows.Next() {
		var rec audit.DecisionRecord
		var input, result []byte
		if err := rows.Scan(&rec.DecisionID, &rec.TraceID, &rec.Timestamp, &rec.Package, &rec.Revision,
			&rec.DryRun, &rec.Error, &rec.DurationUs, &input, &result); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(input, &rec.Input); err != nil {
			return nil, fmt.Errorf("postgres: decode input of %s: %w", rec.DecisionID, err)
		}
		if err := json.Unmarshal(result, &rec.Result); err != nil {
			return nil, fmt.Errorf("postgres: decode result of %s: %w", rec.DecisionID, err)
		}
		results = append(results, rec)
	}
	return results, rows.Err()
}
