package infra

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig(WithConfigFile(writeConfig(t, "{}\n")))
	require.NoError(t, err)

	assert.Equal(t, "envoy.authz", cfg.Policy.Package)
	assert.Equal(t, "stdout", cfg.DecisionLog.Sink)
	assert.Equal(t, "drop_newest", cfg.DecisionLog.Overflow)
	assert.Equal(t, "closed", cfg.Engine.FailMode)
	assert.Equal(t, 100*time.Millisecond, cfg.Engine.DecisionTimeout())
	assert.False(t, cfg.Engine.DryRun)
	assert.False(t, cfg.Redis.Enabled())
}

func TestLoadConfig_FileAndEnv(t *testing.T) {
	path := writeConfig(t, `
policy:
  source: https://console.internal/v1/bundles
  package: httpapi.authz
  reload_interval: 30s
decision_log:
  sink: "stdout, sqlite:///var/lib/authz/decisions.db"
  overflow: drop_oldest
engine:
  default_decision_timeout_ms: 250
`)
	t.Setenv("ENGINE_FAIL_MODE", "open")
	t.Setenv("AUTH_JWT_SIGNING_KEY", "s3cret")
	t.Setenv("AUTH_PUBLIC_KEY_DATA", "-----BEGIN PUBLIC KEY-----")

	cfg, err := LoadConfig(WithConfigFile(path))
	require.NoError(t, err)

	assert.True(t, cfg.Policy.IsRemote())
	assert.Equal(t, "httpapi.authz", cfg.Policy.Package)
	assert.Equal(t, 30*time.Second, cfg.Policy.ReloadInterval)
	assert.Equal(t, []string{"stdout", "sqlite:///var/lib/authz/decisions.db"}, cfg.DecisionLog.SinkURIs())
	assert.Equal(t, "drop_oldest", cfg.DecisionLog.Overflow)
	assert.Equal(t, 250*time.Millisecond, cfg.Engine.DecisionTimeout())
	assert.Equal(t, "open", cfg.Engine.FailMode)
	assert.Equal(t, "s3cret", cfg.Auth.JWTSigningKey)
	assert.Equal(t, []byte("-----BEGIN PUBLIC KEY-----"), cfg.Auth.PublicKey)
}

func TestLoadConfig_MissingExplicitFile(t *testing.T) {
	_, err := LoadConfig(WithConfigFile(filepath.Join(t.TempDir(), "nope.yaml")))
	require.Error(t, err)
}

func TestLoadConfig_Invalid(t *testing.T) {
	tests := map[string]string{
		"relative file sink":   "decision_log:\n  sink: file://relative.jsonl\n",
		"unknown sink":         "decision_log:\n  sink: kafka://broker\n",
		"postgres without url": "decision_log:\n  sink: postgres\n",
		"bad fail mode":        "engine:\n  fail_mode: sometimes\n",
		"bad overflow":         "decision_log:\n  overflow: block\n",
		"zero timeout":         "engine:\n  default_decision_timeout_ms: 0\n",
		"bad jwks url":         "auth:\n  jwks_url: not a url\n",
	}

	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := LoadConfig(WithConfigFile(writeConfig(t, body)))
			require.Error(t, err)
			assert.Contains(t, err.Error(), "invalid configuration")
		})
	}
}

func TestNewLogger(t *testing.T) {
	logger, err := NewLogger(LoggerConfig{Level: "debug", Format: "console"})
	require.NoError(t, err)
	assert.True(t, logger.Core().Enabled(-1))

	_, err = NewLogger(LoggerConfig{Level: "loud", Format: "json"})
	assert.Error(t, err)
}
