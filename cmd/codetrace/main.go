package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ctagard/codetrace/internal/config"
	"github.com/ctagard/codetrace/internal/logging"
)

var (
	configPath string
	mode       string
	logLevel   string

	// Set by the root PersistentPreRunE
	cfg    *config.Config
	logger zerolog.Logger

	rootCmd = &cobra.Command{
		Use:   "codetrace",
		Short: "Run, debug and profile Lua and CEL scripts",
		Long: `codetrace executes embedded scripts under a shared coordination core:
plain runs, debug runs that record every pause as DAP events, and profiled
runs with line statistics and pprof output. It also serves these operations
to MCP clients over stdio.`,
		SilenceUsage:      true,
		PersistentPreRunE: loadConfig,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to a JSON or YAML configuration file")
	rootCmd.PersistentFlags().StringVar(&mode, "mode", "", "Capability mode: 'readonly' or 'full' (default from config)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: trace, debug, info, warn, error")

	rootCmd.AddCommand(serveCmd, runCmd, debugCmd, profileCmd, launchCmd, versionCmd)
}

func loadConfig(cmd *cobra.Command, args []string) error {
	var err error
	cfg, err = config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	switch mode {
	case "":
	case string(config.ModeReadOnly), string(config.ModeFull):
		cfg.Mode = config.CapabilityMode(mode)
	default:
		return fmt.Errorf("invalid mode %q: expected 'readonly' or 'full'", mode)
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}

	// stdout carries MCP traffic and reports
	cfg.Logging.Output = os.Stderr
	logger = logging.New(cfg.Logging)
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
