package cmd

import (
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/pixelmint/pixelmint/internal/app"
	"github.com/pixelmint/pixelmint/internal/config"
)

func newServeCmd(version string, buildTime string) *cobra.Command {
	return &cobra.Command{
		Use:          "serve [config.toml]",
		Short:        "Run the pixelmint HTTP server",
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(args[0])
			if err != nil {
				return err
			}
			return app.RunServer(cfg, version, buildTime)
		},
	}
}

func loadConfig(configFile string) (*config.Config, error) {
	tempLogger, _ := zap.NewProduction()
	defer tempLogger.Sync()

	if _, err := os.Stat(configFile); os.IsNotExist(err) {
		tempLogger.Error("config file does not exist", zap.String("path", configFile))
		return nil, err
	}

	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		tempLogger.Error("failed to load config", zap.Error(err))
		return nil, err
	}

	if err := config.ValidateConfig(cfg); err != nil {
		tempLogger.Error("config validation failed", zap.Error(err))
		return nil, err
	}

	if verbose {
		config.PrintConfig(cfg)
	}
	return cfg, nil
}
