package main

import (
	"os/signal"
	"syscall"

	"github.com/ManuGH/xglive/internal/daemon"
	xglog "github.com/ManuGH/xglive/internal/log"
	"github.com/ManuGH/xglive/internal/version"
	"github.com/spf13/cobra"
)

func newServeCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the live core",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			// Safe defaults until config is loaded
			xglog.Configure(xglog.Config{Level: "info", Service: "xglive", Version: version.Version})
			logger := xglog.WithComponent("main")

			cfg, err := g.load()
			if err != nil {
				logger.Error().Err(err).
					Str(xglog.FieldEvent, "config.load_failed").
					Str(xglog.FieldPath, g.configPath).
					Msg("failed to load configuration")
				return err
			}
			xglog.Configure(xglog.Config{Level: cfg.LogLevel, Service: "xglive", Version: cfg.Version})
			logger = xglog.WithComponent("main")
			logger.Info().
				Str(xglog.FieldEvent, "config.loaded").
				Str("commit", version.Commit).
				Str("built", version.Date).
				Str("role", cfg.Gateway.Role).
				Msg("configuration loaded")

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			d, err := daemon.New(ctx, cfg)
			if err != nil {
				return err
			}
			return d.Run(ctx)
		},
	}
}
