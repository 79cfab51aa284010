package cmd

import (
	"fmt"
	"os"

	"github.com/RichardoC/pad-relay/internal/config"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	configPath string
	verbose    bool
	version    = "dev"
)

var rootCmd = &cobra.Command{
	Use:   "pad-relay",
	Short: "Stream chat turns to a choice of LLM backends",
	Long: `pad-relay relays browser chat turns to one of several configured LLM
backends, streams the reply back as it is generated and keeps a durable
per-session transcript in SQLite.

Quick Start:
  pad-relay                         # serve with the default local setup
  pad-relay serve --config relay.yaml
  pad-relay sessions                # list stored sessions
  pad-relay history <session-id>    # print a session's transcript`,
	Version: version,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		// A missing .env is normal outside development.
		_ = godotenv.Load()
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd, args)
	},
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("PAD_RELAY_CONFIG"), "Path to the YAML config file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)
}

func newLogger() (*zap.Logger, error) {
	if verbose {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}
