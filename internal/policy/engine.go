package policy

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"

	"github.com/xela07ax/authz-sidecar/internal/domain"
)

// Engine вычисляет решение по документу. Состояния не хранит: результат зависит
// только от (Document, Input), поэтому один Engine обслуживает все запросы сразу.
type Engine struct{}

func NewEngine() *Engine {
	return &Engine{}
}

// Evaluate перебирает правила в порядке объявления, первое сработавшее определяет решение.
// Если не сработало ни одно: действует default документа (по умолчанию deny).
// Ошибка возвращается только при отмене или дедлайне ctx.
func (e *Engine) Evaluate(ctx context.Context, doc *Document, in domain.Input) (domain.Decision, error) {
	if doc == nil {
		return domain.Deny("policy not loaded"), nil
	}

	ev := newEvaluation(in)
	for _, rule := range doc.Rules {
		// Кооперативная точка отмены между правилами
		if err := ctx.Err(); err != nil {
			return domain.Decision{}, contextError(err)
		}
		ok, err := rule.matches(ctx, ev)
		if err != nil {
			return domain.Decision{}, contextError(err)
		}
		if ok {
			return rule.Outcome.decide(ev, rule.Name), nil
		}
	}
	return doc.Default.decide(ev, ""), nil
}

func contextError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrEvaluationTimeout, err)
	}
	return err
}

func sortedKeys[V any](m map[string]V) []string {
	return slices.Sorted(maps.Keys(m))
}
