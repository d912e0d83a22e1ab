package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pixelmint/pixelmint/internal/app"
)

func newSweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:          "sweep [config.toml]",
		Short:        "Expire due bonus credit lots once and exit",
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(args[0])
			if err != nil {
				return err
			}

			core, err := app.BuildCore(cfg)
			if err != nil {
				return err
			}
			defer core.Logger.Sync()
			defer core.Notifier.Close()

			completed, failed, err := core.Sweeper.RunOnce(context.Background())
			if err != nil {
				return fmt.Errorf("sweep failed: %w", err)
			}
			fmt.Printf("sweep finished: %d completed, %d failed\n", completed, failed)
			return nil
		},
	}
}
