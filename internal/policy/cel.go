package policy

import (
	"fmt"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/google/cel-go/ext"

	"github.com/xela07ax/authz-sidecar/internal/domain"
)

const (
	// maxExpressionLength ограничивает размер выражения `when`.
	maxExpressionLength = 2048

	// maxCostBudget: лимит стоимости CEL, защищает от выражений-бомб.
	maxCostBudget = 100_000

	// interruptCheckFreq: как часто (в итерациях comprehension) CEL смотрит на отмену контекста.
	interruptCheckFreq = 100
)

// newCELEnv объявляет переменные, доступные в выражениях `when`:
//
//	request.method, request.path, request.query, request.headers["x-..."]
//	peer.address, peer.principal
//	claims.<name>     (пустая map, если личность не подтверждена)
//	authenticated     (bool)
//	glob(pattern, value)
func newCELEnv() (*cel.Env, error) {
	return cel.NewEnv(
		ext.Strings(),

		cel.Variable("request", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("peer", cel.MapType(cel.StringType, cel.StringType)),
		cel.Variable("claims", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("authenticated", cel.BoolType),

		cel.Function("glob",
			cel.Overload("glob_string_string",
				[]*cel.Type{cel.StringType, cel.StringType},
				cel.BoolType,
				cel.BinaryBinding(func(pattern, value ref.Val) ref.Val {
					p, ok1 := pattern.Value().(string)
					v, ok2 := value.Value().(string)
					if !ok1 || !ok2 {
						return types.Bool(false)
					}
					return types.Bool(globMatch(p, v))
				}),
			),
		),
	)
}

// compileCEL проверяет типы на этапе загрузки: ссылка на необъявленную
// переменную: это ValidationError, а не сюрприз в рантайме.
func compileCEL(env *cel.Env, expr string) (cel.Program, error) {
	if len(expr) > maxExpressionLength {
		return nil, fmt.Errorf("expression too long: %d characters (max %d)", len(expr), maxExpressionLength)
	}

	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compilation failed: %w", issues.Err())
	}

	out := ast.OutputType()
	if !out.IsExactType(cel.BoolType) && !out.IsExactType(cel.DynType) {
		return nil, fmt.Errorf("expression must return bool, got %s", out)
	}

	prg, err := env.Program(ast,
		cel.EvalOptions(cel.OptOptimize),
		cel.CostLimit(maxCostBudget),
		cel.InterruptCheckFrequency(interruptCheckFreq),
	)
	if err != nil {
		return nil, fmt.Errorf("program creation failed: %w", err)
	}
	return prg, nil
}

func buildActivation(in domain.Input) map[string]any {
	headers := make(map[string]any, len(in.Headers))
	for k, v := range in.Headers {
		headers[k] = v
	}

	claims := make(map[string]any, len(in.Claims))
	for k, v := range in.Claims {
		claims[k] = v
	}

	return map[string]any{
		"request": map[string]any{
			"method":  in.Method,
			"path":    in.Path,
			"query":   in.Query,
			"headers": headers,
		},
		"peer": map[string]string{
			"address":   in.Peer.Address,
			"principal": in.Peer.Principal,
		},
		"claims":        claims,
		"authenticated": in.Claims != nil,
	}
}
