package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"firestige.xyz/routed/internal/config"
	"firestige.xyz/routed/internal/daemon"
	"firestige.xyz/routed/internal/log"
	"firestige.xyz/routed/internal/metrics"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the router in the foreground",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		if err := log.Init(cfg.Log); err != nil {
			return fmt.Errorf("failed to init logging: %w", err)
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if cfg.Metrics.Enabled {
			srv := metrics.NewServer(cfg.Metrics.Listen, cfg.Metrics.Path)
			if err := srv.Start(ctx); err != nil {
				return fmt.Errorf("failed to start metrics server: %w", err)
			}
			defer srv.Stop(context.Background())
		}

		d, err := daemon.New(cfg)
		if err != nil {
			return fmt.Errorf("failed to build router: %w", err)
		}

		return d.Run(ctx)
	},
}
