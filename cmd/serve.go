package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"threadlane/pkg/config"
	"threadlane/pkg/gateway"
	"threadlane/pkg/logger"

	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:     "serve",
	Aliases: []string{"gateway"},
	Short:   "Run the dispatch gateway",
	Long:    "Starts the dispatch engine, the enabled channels, and the HTTP endpoints for health, readiness, metrics, and the REST API.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadConfig()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		appLogger, err := logger.Setup(cfg.Logging)
		if err != nil {
			return fmt.Errorf("initialize logger: %w", err)
		}
		log := appLogger.With("component", "cmd.serve")

		if err := validateChannels(cfg); err != nil {
			return err
		}

		runCtx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		svc, closeStore, err := gateway.Build(cfg, appLogger)
		if err != nil {
			log.Error("Failed to initialize gateway service", "error", err)
			return err
		}
		defer func() {
			if err := closeStore(); err != nil {
				log.Warn("Failed to close store", "error", err)
			}
		}()

		log.Info("Gateway started",
			"addr", cfg.Gateway.Addr(),
			"channels", enabledChannelNames(cfg),
			"responder", cfg.Responder.Kind,
			"store", storeLabel(cfg.Store),
		)
		if err := svc.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("Gateway runtime failed", "error", err)
			return err
		}
		log.Info("Gateway stopped")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func validateChannels(cfg *config.Config) error {
	if !cfg.Channels.WebSocket.Enabled && !cfg.Channels.Telegram.Enabled {
		return errors.New("no channels are enabled")
	}
	return nil
}

func enabledChannelNames(cfg *config.Config) string {
	names := make([]string, 0, 2)
	if cfg.Channels.WebSocket.Enabled {
		names = append(names, "websocket")
	}
	if cfg.Channels.Telegram.Enabled {
		names = append(names, "telegram")
	}

	return strings.Join(names, ",")
}

func storeLabel(cfg config.StoreConfig) string {
	if !cfg.Enabled {
		return "disabled"
	}
	return cfg.Path
}
