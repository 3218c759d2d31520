package policy

import (
	"context"
	"fmt"
	"slices"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/google/cel-go/cel"

	"github.com/xela07ax/authz-sidecar/internal/domain"
)

// condition: один вариант предиката. Отсутствующее поле означает false, а не ошибку.
// Ошибка возвращается только при отмене контекста.
type condition interface {
	match(ctx context.Context, ev *evaluation) (bool, error)
}

// evaluation: состояние одного вычисления. Живет на стеке запроса, между горутинами не делится.
type evaluation struct {
	input      domain.Input
	activation map[string]any
}

func newEvaluation(in domain.Input) *evaluation {
	return &evaluation{input: in}
}

// vars лениво строит activation для CEL: большинство правил обходится без него.
func (ev *evaluation) vars() map[string]any {
	if ev.activation == nil {
		ev.activation = buildActivation(ev.input)
	}
	return ev.activation
}

type methodCondition struct {
	methods []string
}

func (c methodCondition) match(_ context.Context, ev *evaluation) (bool, error) {
	return slices.Contains(c.methods, ev.input.Method), nil
}

// pathCondition срабатывает, если путь подходит под любой из шаблонов.
type pathCondition struct {
	patterns []string
}

func (c pathCondition) match(_ context.Context, ev *evaluation) (bool, error) {
	for _, p := range c.patterns {
		if globMatch(p, ev.input.Path) {
			return true, nil
		}
	}
	return false, nil
}

type headerCondition struct {
	name    string
	pattern string
}

func (c headerCondition) match(_ context.Context, ev *evaluation) (bool, error) {
	v, ok := ev.input.Headers[c.name]
	if !ok {
		return false, nil
	}
	return globMatch(c.pattern, v), nil
}

type claimPresent struct {
	name string
}

func (c claimPresent) match(_ context.Context, ev *evaluation) (bool, error) {
	if ev.input.Claims == nil {
		return false, nil
	}
	v, ok := ev.input.Claims[c.name]
	return ok && v != nil, nil
}

type claimEquals struct {
	name  string
	value string
}

func (c claimEquals) match(_ context.Context, ev *evaluation) (bool, error) {
	if ev.input.Claims == nil {
		return false, nil
	}
	v, ok := ev.input.Claims[c.name]
	if !ok || v == nil {
		return false, nil
	}
	return fmt.Sprint(v) == c.value, nil
}

// claimContains: claim-список содержит значение, либо скалярный claim равен ему.
type claimContains struct {
	name  string
	value string
}

func (c claimContains) match(_ context.Context, ev *evaluation) (bool, error) {
	if ev.input.Claims == nil {
		return false, nil
	}
	values, ok := ev.input.Claims.Strings(c.name)
	if !ok {
		return false, nil
	}
	return slices.Contains(values, c.value), nil
}

// celCondition: выражение `when`. Ошибки рантайма CEL (нет ключа, не тот тип)
// означают "правило не сработало".
type celCondition struct {
	expr string
	prg  cel.Program
}

func (c celCondition) match(ctx context.Context, ev *evaluation) (bool, error) {
	out, _, err := c.prg.ContextEval(ctx, ev.vars())
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return false, ctxErr
		}
		return false, nil
	}
	b, ok := out.Value().(bool)
	return ok && b, nil
}

func globMatch(pattern, value string) bool {
	matched, err := doublestar.Match(pattern, value)
	if err != nil {
		return false
	}
	return matched
}
