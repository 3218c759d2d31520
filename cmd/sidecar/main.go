package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/xela07ax/authz-sidecar/internal/infra"
)

var (
	configFile string
	v          = viper.New()
)

var rootCmd = &cobra.Command{
	Use:           "authz-sidecar",
	Short:         "External authorization sidecar",
	Long:          "Answers allow/deny for a host proxy from a declarative policy and writes every decision to a separate audit stream.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Path to config file (default ./config.yaml or ./configs/config.yaml)")
	rootCmd.AddCommand(serveCmd, evalCmd)
}

// loadConfig читает конфиг с учетом флагов, уже привязанных к viper.
func loadConfig() (*infra.Config, error) {
	opts := []infra.LoadOption{infra.WithViper(v)}
	if configFile != "" {
		opts = append(opts, infra.WithConfigFile(configFile))
	}
	return infra.LoadConfig(opts...)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
