package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xela07ax/authz-sidecar/internal/audit"
	"github.com/xela07ax/authz-sidecar/internal/domain"
	"github.com/xela07ax/authz-sidecar/internal/engine"
	"github.com/xela07ax/authz-sidecar/internal/infra"
)

const evalPolicyYAML = `package: envoy.authz
rules:
  - name: allow-get
    match:
      methods: [GET]
`

func TestEvalCommand(t *testing.T) {
	dir := t.TempDir()
	policyPath := filepath.Join(dir, "policy.yaml")
	require.NoError(t, os.WriteFile(policyPath, []byte(evalPolicyYAML), 0o600))

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetIn(bytes.NewBufferString(`{"method":"DELETE","path":"/orders/1"}`))
	rootCmd.SetArgs([]string{"eval", "--policy", policyPath})
	require.NoError(t, rootCmd.Execute())

	var rec audit.DecisionRecord
	require.NoError(t, json.Unmarshal(out.Bytes(), &rec))
	assert.False(t, rec.Result.Allowed)
	assert.Equal(t, "envoy.authz", rec.Package)
	assert.NotEmpty(t, rec.Revision)
	assert.Equal(t, "DELETE", rec.Input.Method)
}

func TestOpenSinks_FileAndSQLite(t *testing.T) {
	dir := t.TempDir()
	jsonl := filepath.Join(dir, "decisions.jsonl")
	db := filepath.Join(dir, "decisions.db")

	cfg := &infra.Config{DecisionLog: infra.DecisionLogConfig{Sink: "file://" + jsonl + ", sqlite://" + db}}
	stores, err := openSinks(context.Background(), cfg, engine.NewMetrics(nil), zaptest.NewLogger(t))
	require.NoError(t, err)
	require.Len(t, stores, 2)

	err = stores.WriteBatch(context.Background(), []audit.DecisionRecord{
		{DecisionID: "d1", Package: "envoy.authz", Result: domain.Deny("no")},
	})
	require.NoError(t, err)
	require.NoError(t, stores.Close())

	data, err := os.ReadFile(jsonl)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"d1"`)
}

func TestOpenSinks_UnsupportedScheme(t *testing.T) {
	cfg := &infra.Config{DecisionLog: infra.DecisionLogConfig{Sink: "stdout,kafka://broker/topic"}}
	_, err := openSinks(context.Background(), cfg, engine.NewMetrics(nil), zaptest.NewLogger(t))
	assert.Error(t, err)
}
