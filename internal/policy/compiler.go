package policy

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/google/cel-go/cel"
	"gopkg.in/yaml.v3"
)

var (
	packagePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)*$`)
	methodPattern  = regexp.MustCompile(`^[A-Z]+$`)
	headerPattern  = regexp.MustCompile(`^[a-z0-9!#$%&'*+.^_|~-]+$`)
)

// Compiler превращает исходный текст в неизменяемые Document.
// CEL-окружение создается один раз и безопасно для конкурентного использования.
type Compiler struct {
	env *cel.Env
}

func NewCompiler() (*Compiler, error) {
	env, err := newCELEnv()
	if err != nil {
		return nil, fmt.Errorf("failed to create policy environment: %w", err)
	}
	return &Compiler{env: env}, nil
}

// Compile разбирает один источник. Файл может содержать несколько YAML-документов,
// разделенных `---`, каждый со своим package.
func (c *Compiler) Compile(origin string, data []byte) ([]*Document, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var docs []*Document
	for i := 0; ; i++ {
		var spec documentSpec
		err := dec.Decode(&spec)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			var typeErr *yaml.TypeError
			if errors.As(err, &typeErr) {
				// Синтаксис верный, но поля/типы не те, что мы знаем
				return nil, &ValidationError{Origin: origin, Problems: typeErr.Errors}
			}
			return nil, &ParseError{Origin: origin, Err: err}
		}
		if spec.Package == "" && spec.Default == nil && len(spec.Rules) == 0 {
			continue // пустой документ между `---`
		}

		doc, err := c.compileSpec(origin, spec)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}

	if len(docs) == 0 {
		return nil, &ParseError{Origin: origin, Err: ErrNoDocuments}
	}
	return docs, nil
}

func (c *Compiler) compileSpec(origin string, spec documentSpec) (*Document, error) {
	if spec.Package == "" {
		return nil, &ParseError{Origin: origin, Err: errors.New("document has no package")}
	}

	var errs problems
	if !packagePattern.MatchString(spec.Package) {
		errs.add("invalid package name %q", spec.Package)
	}

	doc := &Document{
		Package: spec.Package,
		Origin:  origin,
		Default: Outcome{Effect: EffectDeny, Status: http.StatusForbidden},
	}

	if spec.Default != nil {
		doc.Default = Outcome{
			Effect:  EffectDeny,
			Status:  spec.Default.Status,
			Reason:  spec.Default.Reason,
			headers: c.compileHeaders("default", spec.Default.Headers, &errs),
		}
		if spec.Default.Allowed {
			doc.Default.Effect = EffectAllow
		}
		if doc.Default.Status == 0 {
			doc.Default.Status = http.StatusForbidden
		}
		checkStatus("default", doc.Default.Status, &errs)
	}

	seen := make(map[string]struct{}, len(spec.Rules))
	for i, rs := range spec.Rules {
		rule := c.compileRule(i, rs, &errs)
		if _, dup := seen[rule.Name]; dup {
			errs.add("duplicate rule name %q", rule.Name)
		}
		seen[rule.Name] = struct{}{}
		doc.Rules = append(doc.Rules, rule)
	}

	if err := errs.err(origin, spec.Package); err != nil {
		return nil, err
	}
	return doc, nil
}

func (c *Compiler) compileRule(i int, rs ruleSpec, errs *problems) *Rule {
	name := rs.Name
	if name == "" {
		name = fmt.Sprintf("rule[%d]", i)
	}
	where := fmt.Sprintf("rule %q", name)

	rule := &Rule{Name: name}

	switch Effect(strings.ToLower(rs.Effect)) {
	case "", EffectAllow:
		rule.Outcome.Effect = EffectAllow
	case EffectDeny:
		rule.Outcome.Effect = EffectDeny
	default:
		errs.add("%s: unknown effect %q", where, rs.Effect)
	}
	rule.Outcome.Status = rs.Status
	rule.Outcome.Reason = rs.Reason
	if rs.Status != 0 {
		checkStatus(where, rs.Status, errs)
	}
	rule.Outcome.headers = c.compileHeaders(where, rs.Headers, errs)

	// Порядок условий: дешевые проверки первыми, CEL последним
	if len(rs.Match.Methods) > 0 {
		methods := make([]string, 0, len(rs.Match.Methods))
		for _, m := range rs.Match.Methods {
			m = strings.ToUpper(strings.TrimSpace(m))
			if !methodPattern.MatchString(m) {
				errs.add("%s: invalid method %q", where, m)
			}
			methods = append(methods, m)
		}
		rule.conditions = append(rule.conditions, methodCondition{methods: methods})
	}

	if len(rs.Match.Paths) > 0 {
		for _, p := range rs.Match.Paths {
			if !doublestar.ValidatePattern(p) {
				errs.add("%s: invalid path pattern %q", where, p)
			}
		}
		rule.conditions = append(rule.conditions, pathCondition{patterns: rs.Match.Paths})
	}

	for _, name := range sortedKeys(rs.Match.Headers) {
		pattern := rs.Match.Headers[name]
		lname := strings.ToLower(name)
		if !headerPattern.MatchString(lname) {
			errs.add("%s: invalid header name %q", where, name)
		}
		if !doublestar.ValidatePattern(pattern) {
			errs.add("%s: invalid pattern %q for header %q", where, pattern, name)
		}
		rule.conditions = append(rule.conditions, headerCondition{name: lname, pattern: pattern})
	}

	for _, claim := range rs.Match.Claims.Present {
		if claim == "" {
			errs.add("%s: empty claim name in present", where)
		}
		rule.conditions = append(rule.conditions, claimPresent{name: claim})
	}
	for _, claim := range sortedKeys(rs.Match.Claims.Equals) {
		rule.conditions = append(rule.conditions, claimEquals{name: claim, value: rs.Match.Claims.Equals[claim]})
	}
	for _, claim := range sortedKeys(rs.Match.Claims.Contains) {
		rule.conditions = append(rule.conditions, claimContains{name: claim, value: rs.Match.Claims.Contains[claim]})
	}

	if expr := strings.TrimSpace(rs.When); expr != "" {
		prg, err := compileCEL(c.env, expr)
		if err != nil {
			errs.add("%s: when: %v", where, err)
		} else {
			rule.conditions = append(rule.conditions, celCondition{expr: expr, prg: prg})
		}
	}

	return rule
}

func (c *Compiler) compileHeaders(where string, spec map[string]string, errs *problems) []headerTemplate {
	if len(spec) == 0 {
		return nil
	}
	out := make([]headerTemplate, 0, len(spec))
	for _, name := range sortedKeys(spec) {
		if !headerPattern.MatchString(strings.ToLower(name)) {
			errs.add("%s: invalid header name %q", where, name)
			continue
		}
		t, err := parseHeaderTemplate(name, spec[name])
		if err != nil {
			errs.add("%s: %v", where, err)
			continue
		}
		out = append(out, t)
	}
	return out
}

func checkStatus(where string, status int, errs *problems) {
	if status < 100 || status > 599 {
		errs.add("%s: invalid http status %d", where, status)
	}
}
