package infra

import (
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Схемы приемников журнала решений
const (
	SinkStdout   = "stdout"
	SinkPostgres = "postgres"
	SinkFile     = "file"
	SinkSQLite   = "sqlite"
	SinkHTTP     = "http"
	SinkHTTPS    = "https"
)

// SinkURIs разбивает decision_log.sink на отдельные приемники ("stdout,postgres").
func (c DecisionLogConfig) SinkURIs() []string {
	var out []string
	for _, s := range strings.Split(c.Sink, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Validate проверяет теги структуры и перекрестные правила.
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.RegisterValidation("sink_uri", validateSinkURI); err != nil {
		return fmt.Errorf("failed to register sink_uri validator: %w", err)
	}

	if err := v.Struct(c); err != nil {
		return formatValidationErrors(err)
	}

	for _, sink := range c.DecisionLog.SinkURIs() {
		if sink == SinkPostgres && c.Database.URL == "" {
			return errors.New("decision_log.sink: postgres requires database.url")
		}
	}
	if c.Database.MinConns > c.Database.MaxConns {
		return errors.New("database: min_conns exceeds max_conns")
	}
	return nil
}

// validateSinkURI: список через запятую из stdout | postgres | file:///abs | sqlite:///abs | http(s)://host/...
func validateSinkURI(fl validator.FieldLevel) bool {
	raw := fl.Field().String()
	sinks := DecisionLogConfig{Sink: raw}.SinkURIs()
	if len(sinks) == 0 {
		return false
	}
	for _, sink := range sinks {
		if !validSink(sink) {
			return false
		}
	}
	return true
}

func validSink(sink string) bool {
	if sink == SinkStdout || sink == SinkPostgres {
		return true
	}
	u, err := url.Parse(sink)
	if err != nil {
		return false
	}
	switch u.Scheme {
	case SinkFile, SinkSQLite:
		return u.Path != "" && filepath.IsAbs(u.Path)
	case SinkHTTP, SinkHTTPS:
		return u.Host != ""
	default:
		return false
	}
}

func formatValidationErrors(err error) error {
	var validationErrors validator.ValidationErrors
	if errors.As(err, &validationErrors) {
		messages := make([]string, 0, len(validationErrors))
		for _, e := range validationErrors {
			messages = append(messages, formatFieldError(e))
		}
		return errors.New(strings.Join(messages, "; "))
	}
	return err
}

func formatFieldError(e validator.FieldError) string {
	field := e.Namespace()
	switch e.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "min", "gt":
		return fmt.Sprintf("%s must be at least %s", field, e.Param())
	case "max":
		return fmt.Sprintf("%s must be at most %s", field, e.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, e.Param())
	case "url":
		return fmt.Sprintf("%s must be a valid URL", field)
	case "sink_uri":
		return fmt.Sprintf("%s must list stdout, postgres, file:///<abs>, sqlite:///<abs> or http(s)://<host>", field)
	default:
		return fmt.Sprintf("%s failed validation: %s", field, e.Tag())
	}
}
