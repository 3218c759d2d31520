package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // Драйвер SQLite без cgo

	"github.com/xela07ax/authz-sidecar/internal/audit"
)

const schema = `
CREATE TABLE IF NOT EXISTS decision_logs (
    decision_id TEXT PRIMARY KEY,
    trace_id    TEXT NOT NULL DEFAULT '',
    ts          TEXT NOT NULL,
    package     TEXT NOT NULL,
    revision    TEXT NOT NULL DEFAULT '',
    allowed     INTEGER NOT NULL,
    rule        TEXT NOT NULL DEFAULT '',
    dry_run     INTEGER NOT NULL DEFAULT 0,
    error       TEXT NOT NULL DEFAULT '',
    duration_us INTEGER NOT NULL,
    input       TEXT NOT NULL,
    result      TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS decision_logs_ts_idx ON decision_logs (ts);
`

// DecisionStore: локальный журнал решений в файле SQLite (sqlite:///var/lib/authz/decisions.db).
// Для сайдкара без сети до коллектора: записи переживают рестарт и читаются любым sqlite-клиентом.
type DecisionStore struct {
	db *sql.DB
}

// Open открывает (и при необходимости создает) базу. Пишет один воркер за раз:
// у SQLite один писатель, лишние соединения только ловят SQLITE_BUSY.
func Open(ctx context.Context, path string) (*DecisionStore, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: migrate: %w", err)
	}
	return &DecisionStore{db: db}, nil
}

// WriteBatch реализует audit.Store: пачка пишется одной транзакцией.
func (s *DecisionStore) WriteBatch(ctx context.Context, records []audit.DecisionRecord) (err error) {
	if len(records) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR IGNORE INTO decision_logs
		(decision_id, trace_id, ts, package, revision, allowed, rule, dry_run, error, duration_us, input, result)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("sqlite: prepare: %w", err)
	}
	defer stmt.Close()

	for _, rec := range records {
		input, err := json.Marshal(rec.Input)
		if err != nil {
			return fmt.Errorf("sqlite: encode input: %w", err)
		}
		result, err := json.Marshal(rec.Result)
		if err != nil {
			return fmt.Errorf("sqlite: encode result: %w", err)
		}
		if _, err := stmt.ExecContext(ctx,
			rec.DecisionID, rec.TraceID, rec.Timestamp.UTC().Format(time.RFC3339Nano), rec.Package, rec.Revision,
			rec.Result.Allowed, rec.Result.Rule, rec.DryRun, rec.Error, rec.DurationUs,
			string(input), string(result),
		); err != nil {
			return fmt.Errorf("sqlite: insert %s: %w", rec.DecisionID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: commit: %w", err)
	}
	return nil
}

// Recent возвращает последние limit решений, новые первыми.
func (s *DecisionStore) Recent(ctx context.Context, limit int) ([]audit.DecisionRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT decision_id, trace_id, ts, package, revision, dry_run, error, duration_us, input, result
		FROM decision_logs ORDER BY ts DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite: query: %w", err)
	}
	defer rows.Close()

	var out []audit.DecisionRecord
	for rows.Next() {
		var rec audit.DecisionRecord
		var ts, input, result string
		if err := rows.Scan(&rec.DecisionID, &rec.TraceID, &ts, &rec.Package, &rec.Revision,
			&rec.DryRun, &rec.Error, &rec.DurationUs, &input, &result); err != nil {
			return nil, err
		}
		if rec.Timestamp, err = time.Parse(time.RFC3339Nano, ts); err != nil {
			return nil, fmt.Errorf("sqlite: bad timestamp %q: %w", ts, err)
		}
		if err := json.Unmarshal([]byte(input), &rec.Input); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(result), &rec.Result); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *DecisionStore) Close() error {
	return s.db.Close()
}
