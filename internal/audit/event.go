package audit

import (
	"time"

	"github.com/xela07ax/authz-sidecar/internal/domain"
)

// DecisionRecord: одна запись журнала решений. Пишется на каждое завершенное решение,
// включая дедлайн и ошибки проверки токена; не пишется, если вызывающий ушел сам.
type DecisionRecord struct {
	DecisionID string    `json:"decision_id"`       // UUID решения
	TraceID    string    `json:"trace_id,omitempty"` // Сквозной ID запроса
	Timestamp  time.Time `json:"timestamp"`

	// Что и по какой политике вычисляли
	Package  string       `json:"package"`
	Revision string       `json:"revision,omitempty"`
	Input    domain.Input `json:"input"` // без секретов, см. Input.Redacted

	// Результат
	Result     domain.Decision `json:"result"`
	DryRun     bool            `json:"dry_run,omitempty"` // вызывающему вернули allow независимо от Result
	Error      string          `json:"error,omitempty"`
	DurationUs int64           `json:"duration_us"`
}
