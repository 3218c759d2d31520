package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xela07ax/authz-sidecar/internal/audit"
	"github.com/xela07ax/authz-sidecar/internal/domain"
	"github.com/xela07ax/authz-sidecar/internal/engine"
	"github.com/xela07ax/authz-sidecar/internal/infra/auth"
	"github.com/xela07ax/authz-sidecar/internal/policy"
)

var (
	evalPolicy  string
	evalPackage string
	evalInput   string
	evalHMACKey string
)

func init() {
	evalCmd.Flags().StringVar(&evalPolicy, "policy", "", "Policy file or directory (required)")
	evalCmd.Flags().StringVar(&evalPackage, "package", "envoy.authz", "Policy package to evaluate")
	evalCmd.Flags().StringVarP(&evalInput, "input", "i", "-", "Request attributes JSON file, - for stdin")
	evalCmd.Flags().StringVar(&evalHMACKey, "hmac-key", "", "HMAC secret to verify the bearer token in the input")
	_ = evalCmd.MarkFlagRequired("policy")
}

var evalCmd = &cobra.Command{
	Use:   "eval",
	Short: "Evaluate one request against a local policy and print the decision record",
	Long: "Compiles the policy the same way serve does, runs a single request through\n" +
		"the authorizer and prints the decision log record as JSON.\n\n" +
		"Use this to check a policy change before rolling it out.",
	RunE: runEval,
}

// lastRecord запоминает запись журнала вместо отправки в приемник.
type lastRecord struct {
	rec *audit.DecisionRecord
}

func (l *lastRecord) Record(rec audit.DecisionRecord) { l.rec = &rec }

func runEval(cmd *cobra.Command, _ []string) error {
	attrs, err := readAttributes(cmd.InOrStdin(), evalInput)
	if err != nil {
		return err
	}

	compiler, err := policy.NewCompiler()
	if err != nil {
		return err
	}
	store := policy.NewStore(compiler, zap.NewNop())
	if err := store.Reload(cmd.Context(), policy.NewFileSource(evalPolicy)); err != nil {
		return err
	}
	if store.Current().Document(evalPackage) == nil {
		return fmt.Errorf("package %q not found, loaded: %v", evalPackage, store.Current().Packages())
	}

	var verifier auth.TokenVerifier
	if evalHMACKey != "" {
		verifier = auth.NewVerifier(auth.Options{HMACKey: []byte(evalHMACKey)})
	}

	rec := &lastRecord{}
	authz := engine.NewAuthorizer(store, policy.NewEngine(), verifier, rec, nil, zap.NewNop(),
		engine.Settings{Package: evalPackage, Timeout: time.Second})
	authz.Authorize(context.WithoutCancel(cmd.Context()), attrs)

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(rec.rec)
}

func readAttributes(stdin io.Reader, path string) (domain.RequestAttributes, error) {
	var attrs domain.RequestAttributes
	r := stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return attrs, err
		}
		defer f.Close()
		r = f
	}
	if err := json.NewDecoder(r).Decode(&attrs); err != nil {
		return attrs, fmt.Errorf("decode request attributes: %w", err)
	}
	return attrs, nil
}
