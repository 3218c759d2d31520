package service

import (
	"context"
	"time"

	"github.com/xela07ax/authz-sidecar/internal/audit"
	"github.com/xela07ax/authz-sidecar/internal/domain"
	"github.com/xela07ax/authz-sidecar/internal/repository/postgres"
)

type DecisionProvider interface {
	QueryDecisions(ctx context.Context, f postgres.DecisionFilter) ([]audit.DecisionRecord, error)
	DecisionStats(ctx context.Context, window time.Duration) (*domain.DecisionStats, error)
}

// DecisionService: чтение журнала решений, который шлюзы пишут в Postgres.
type DecisionService struct {
	repo DecisionProvider
}

func NewDecisionService(repo DecisionProvider) *DecisionService {
	return &DecisionService{repo: repo}
}

func (s *DecisionService) Query(ctx context.Context, f postgres.DecisionFilter) ([]audit.DecisionRecord, error) {
	return s.repo.QueryDecisions(ctx, f)
}

// Stats агрегирует решения за окно. Окно вне (0, 7 суток] приводится к часу.
func (s *DecisionService) Stats(ctx context.Context, window time.Duration) (*domain.DecisionStats, error) {
	if window <= 0 || window > 7*24*time.Hour {
		window = time.Hour
	}
	return s.repo.DecisionStats(ctx, window)
}
