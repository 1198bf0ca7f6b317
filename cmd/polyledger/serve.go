package main

import (
	"context"
	"errors"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/alanyoungcy/polyledger/internal/app"
	"github.com/alanyoungcy/polyledger/internal/config"
)

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Recover the ledger and serve the HTTP and WebSocket API",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, closer, err := loadConfig()
		if err != nil {
			return err
		}
		defer closer.Close()

		logger.Info("polyledger starting",
			slog.String("config", configPath),
			slog.Any("settings", config.RedactedConfig(cfg)),
		)

		application := app.New(cfg, logger)
		defer application.Close()

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("application exited with error", slog.String("error", err.Error()))
			return err
		}
		logger.Info("polyledger stopped")
		return nil
	},
}
