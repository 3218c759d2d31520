package policy

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrEvaluationTimeout: вычисление не уложилось в дедлайн. Решение принудительно deny.
	ErrEvaluationTimeout = errors.New("policy evaluation timeout")

	// ErrNotModified: источник сообщил, что политика не менялась (HTTP 304).
	ErrNotModified = errors.New("policy source not modified")

	// ErrNoDocuments: источник пуст.
	ErrNoDocuments = errors.New("policy source contains no documents")
)

// ParseError: исходный текст политики не разбирается.
// Перезагрузка отклоняется, активной остается прежняя ревизия.
type ParseError struct {
	Origin string
	Err    error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse %s: %v", e.Origin, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// ValidationError: текст разобран, но ссылается на неопределенные конструкции.
type ValidationError struct {
	Origin   string
	Package  string
	Problems []string
}

func (e *ValidationError) Error() string {
	where := e.Origin
	if e.Package != "" {
		where = fmt.Sprintf("%s (package %s)", e.Origin, e.Package)
	}
	return fmt.Sprintf("validate %s: %s", where, strings.Join(e.Problems, "; "))
}

// problems копит ошибки валидации, чтобы показать автору политики все сразу.
type problems []string

func (p *problems) add(format string, args ...any) {
	*p = append(*p, fmt.Sprintf(format, args...))
}

func (p problems) err(origin, pkg string) error {
	if len(p) == 0 {
		return nil
	}
	return &ValidationError{Origin: origin, Package: pkg, Problems: p}
}
