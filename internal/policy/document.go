package policy

import (
	"context"
	"net/http"

	"github.com/xela07ax/authz-sidecar/internal/domain"
)

// Effect определяет, что делает сработавшее правило.
type Effect string

const (
	EffectAllow Effect = "allow"
	EffectDeny  Effect = "deny"
)

// documentSpec: текстовое представление документа (YAML, JSON как подмножество).
type documentSpec struct {
	Package string       `yaml:"package"`
	Default *defaultSpec `yaml:"default"`
	Rules   []ruleSpec   `yaml:"rules"`
}

type defaultSpec struct {
	Allowed bool              `yaml:"allowed"`
	Status  int               `yaml:"status"`
	Reason  string            `yaml:"reason"`
	Headers map[string]string `yaml:"headers"`
}

type ruleSpec struct {
	Name    string            `yaml:"name"`
	Effect  string            `yaml:"effect"`
	Match   matchSpec         `yaml:"match"`
	When    string            `yaml:"when"`
	Headers map[string]string `yaml:"headers"`
	Status  int               `yaml:"status"`
	Reason  string            `yaml:"reason"`
}

type matchSpec struct {
	Methods []string          `yaml:"methods"`
	Paths   []string          `yaml:"paths"`
	Headers map[string]string `yaml:"headers"`
	Claims  claimsSpec        `yaml:"claims"`
}

type claimsSpec struct {
	Present  []string          `yaml:"present"`
	Equals   map[string]string `yaml:"equals"`
	Contains map[string]string `yaml:"contains"`
}

// Document: скомпилированный документ политики. Неизменяем после компиляции,
// поэтому его можно читать из любого числа горутин без блокировок.
type Document struct {
	Package string
	Origin  string
	Rules   []*Rule
	Default Outcome
}

// Rule: именованный предикат над Input. Все условия объединены через AND.
type Rule struct {
	Name       string
	Outcome    Outcome
	conditions []condition
}

// Outcome: то, во что превращается сработавшее правило (или default документа).
type Outcome struct {
	Effect  Effect
	Status  int
	Reason  string
	headers []headerTemplate
}

// matches проверяет условия правила по порядку объявления.
func (r *Rule) matches(ctx context.Context, ev *evaluation) (bool, error) {
	for _, c := range r.conditions {
		ok, err := c.match(ctx, ev)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

func (o Outcome) decide(ev *evaluation, rule string) domain.Decision {
	var headers map[string]string
	for _, h := range o.headers {
		v, ok := h.render(ev)
		if !ok {
			continue // значения нет: заголовок не добавляем
		}
		if headers == nil {
			headers = make(map[string]string, len(o.headers))
		}
		headers[h.name] = v
	}

	d := domain.Decision{
		Allowed:      o.Effect == EffectAllow,
		HeadersToAdd: headers,
		Reason:       o.Reason,
		Rule:         rule,
	}
	if !d.Allowed {
		d.Status = o.Status
		if d.Status == 0 {
			d.Status = http.StatusForbidden
		}
	}
	return d
}
