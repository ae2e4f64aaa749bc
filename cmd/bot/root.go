package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/vitos/copytrade/internal/config"
	"github.com/vitos/copytrade/internal/infrastructure/logger"
	"go.uber.org/zap"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "copytrade",
	Short: "Multi-exchange copy-trading executor",
	Long: `copytrade runs one execution loop per configured exchange account,
mirrors confirmed master fills onto follower accounts and manages exits
with fee-aware profit steps.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config/config.yaml", "path to the YAML config file")
}

func Execute() error {
	return rootCmd.Execute()
}

// loadConfig reads the config file and builds the logger it asks for.
func loadConfig() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}

	var log *zap.Logger
	if cfg.Logging.File != "" {
		log, err = logger.NewFileLogger(cfg.Logging.File, cfg.Logging.Level)
	} else {
		log, err = logger.NewLogger(cfg.Logging.Level, cfg.Logging.Encoding)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("init logger: %w", err)
	}
	return cfg, log, nil
}
