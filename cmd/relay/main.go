package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/billm/baaaht/relay/internal/config"
	"github.com/billm/baaaht/relay/internal/logger"
)

const version = "0.1.0"

var (
	// CLI flags
	cfgFile   string
	logLevel  string
	logFormat string
	logOutput string

	rootLog *logger.Logger
)

var rootCmd = &cobra.Command{
	Use:   "relay",
	Short: "Relay - message broker for cooperating application instances",
	Long: `Relay routes brokered messages between the instances of an application.
A root instance accepts joining members over named Unix socket channels and
keeps every member informed of the live membership, so any instance can
address any other directly.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// loadConfig loads the configuration file and environment, then applies CLI overrides
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}

	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if logFormat != "" {
		cfg.Logging.Format = logFormat
	}
	if logOutput != "" {
		cfg.Logging.Output = logOutput
	}
	if err := cfg.Logging.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// initLogger creates the process logger from the logging configuration
func initLogger(cfg config.LoggingConfig) error {
	log, err := logger.New(cfg)
	if err != nil {
		return err
	}
	rootLog = log
	logger.SetGlobal(log)
	return nil
}

// configPath returns the path the reloader watches
func configPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	if path, err := config.GetDefaultConfigPath(); err == nil {
		return path
	}
	return ""
}

func main() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		"Config file path (default: ~/.config/relay/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "",
		"Log level: debug, info, warn, error (default: from config or env)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "",
		"Log format: json, text (default: from config or env)")
	rootCmd.PersistentFlags().StringVar(&logOutput, "log-output", "",
		"Log output: stdout, stderr, or file path (default: from config or env)")

	rootCmd.AddCommand(newServeCmd(), newSendCmd(), newPeersCmd(), newHealthCmd())

	if err := rootCmd.Execute(); err != nil {
		if rootLog != nil {
			rootLog.Error("Command execution failed", "error", err)
		}
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
