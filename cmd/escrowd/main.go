// Package main provides escrowd, the escrow transaction reconciliation daemon.
package main

import (
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/Klingon-tech/escrowd/internal/config"
	"github.com/Klingon-tech/escrowd/pkg/logging"
)

var (
	version = "0.1.0-dev"
	commit  = "unknown"
)

var (
	dataDir    string
	configFile string
	logLevel   string
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "escrowd",
		Short:         "Escrow transaction reconciliation daemon",
		Long:          `escrowd holds one leg of a peer-to-peer exchange in custody, watches chains for the incoming transfer and releases or refunds it.`,
		Version:       version + " (commit: " + commit + ")",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "~/.escrowd", "Data directory")
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Config file path (default: <data-dir>/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error), overrides config")

	rootCmd.AddCommand(
		newServeCommand(),
		newMigrateCommand(),
		newOffersCommand(),
	)

	if err := rootCmd.Execute(); err != nil {
		logging.Error("Command failed", "error", err)
		os.Exit(1)
	}
}

// loadConfig reads the environment files and the config, applies flag
// overrides and installs the configured logger as the default.
func loadConfig() (*config.Config, error) {
	if _, err := config.LoadEnv(dataDir); err != nil {
		return nil, err
	}

	var (
		cfg *config.Config
		err error
	)
	if configFile != "" {
		cfg, err = config.Load(config.ExpandPath(configFile))
	} else {
		cfg, err = config.LoadConfig(dataDir)
	}
	if err != nil {
		return nil, err
	}

	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if cfg.Storage.DataDir == "" {
		cfg.Storage.DataDir = dataDir
	}

	log := logging.New(&logging.Config{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		TimeFormat: time.TimeOnly,
	})
	logging.SetDefault(log)

	path := config.ConfigPath(dataDir)
	if configFile != "" {
		path = filepath.Clean(config.ExpandPath(configFile))
	}
	log.Debug("Config loaded", "path", path)

	return cfg, cfg.Validate()
}
