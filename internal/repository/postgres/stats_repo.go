package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/xela07ax/authz-sidecar/internal/domain"
)

// DecisionStats собирает сводку журнала решений за окно window.
func (r *Repo) DecisionStats(ctx context.Context, window time.Duration) (*domain.DecisionStats, error) {
	since := time.Now().Add(-window)
	s := &domain.DecisionStats{TopRules: map[string]int64{}, Hourly: []domain.ActivityPoint{}}

	// 1. Итоги и P95. PERCENTILE_CONT дает честный перцентиль, а не среднее
	err := r.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE allowed),
			COUNT(*) FILTER (WHERE error <> ''),
			COALESCE(PERCENTILE_CONT(0.95) WITHIN GROUP (ORDER BY duration_us), 0) / 1000.0
		FROM decision_logs
		WHERE ts > $1`, since).Scan(&s.Total, &s.Allowed, &s.Errors, &s.P95Latency)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to aggregate decisions: %w", err)
	}
	s.Denied = s.Total - s.Allowed
	if s.Total > 0 {
		s.DenyRatio = float64(s.Denied) / float64(s.Total)
	}

	// 2. Самые частые правила
	rows, err := r.db.QueryContext(ctx, `
		SELECT rule, COUNT(*) FROM decision_logs
		WHERE ts > $1 AND rule <> ''
		GROUP BY rule ORDER BY COUNT(*) DESC LIMIT 10`, since)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to aggregate rules: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var rule string
		var count int64
		if err := rows.Scan(&rule, &count); err != nil {
			return nil, err
		}
		s.TopRules[rule] = count
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// 3. Активность по часам
	hourly, err := r.db.QueryContext(ctx, `
		SELECT to_char(date_trunc('hour', ts), 'YYYY-MM-DD"T"HH24:00'), COUNT(*)
		FROM decision_logs WHERE ts > $1
		GROUP BY 1 ORDER BY 1`, since)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to aggregate activity: %w", err)
	}
	defer hourly.Close()
	for hourly.Next() {
		var p domain.ActivityPoint
		if err := hourly.Scan(&p.Hour, &p.Count); err != nil {
			return nil, err
		}
		s.Hourly = append(s.Hourly, p)
	}
	return s, hourly.Err()
}
