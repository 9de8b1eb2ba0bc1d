package gateway

import (
	"errors"
	"fmt"
	"log/slog"

	"threadlane/pkg/bus"
	"threadlane/pkg/channel/telegram"
	"threadlane/pkg/channel/websocket"
	"threadlane/pkg/config"
	"threadlane/pkg/dispatch"
	"threadlane/pkg/responder"
	"threadlane/pkg/session"
	"threadlane/pkg/store"
	"threadlane/pkg/store/sqlite"
)

// Build assembles a Service from cfg: store, session registry, responder, engine, and the
// enabled channels. The returned close func releases the store after Run returns.
func Build(cfg *config.Config, log *slog.Logger) (*Service, func() error, error) {
	if cfg == nil {
		return nil, nil, errors.New("config is required")
	}
	if log == nil {
		log = slog.Default()
	}

	closeFn := func() error { return nil }

	var st store.Store
	if cfg.Store.Enabled {
		sqliteStore, err := sqlite.Open(cfg.Store.Path, log)
		if err != nil {
			return nil, nil, fmt.Errorf("open store: %w", err)
		}
		st = sqliteStore
		closeFn = sqliteStore.Close
	}

	svc, err := buildWithStore(cfg, st, log)
	if err != nil {
		_ = closeFn()
		return nil, nil, err
	}
	return svc, closeFn, nil
}

func buildWithStore(cfg *config.Config, st store.Store, log *slog.Logger) (*Service, error) {
	mode, err := dispatch.ParseMode(cfg.Dispatch.HandlerMode)
	if err != nil {
		return nil, err
	}

	registry := session.NewRegistry(log)
	opts := dispatch.Options{
		Mode:               mode,
		MaxMessageWorkers:  cfg.Dispatch.MaxMessageWorkers,
		MaxOutgoingWorkers: cfg.Dispatch.MaxOutgoingWorkers,
		Sessions:           registry,
		Store:              st,
		Logger:             log,
	}
	if err := responder.Install(cfg.Responder, &opts, log); err != nil {
		return nil, err
	}

	engine, err := dispatch.NewEngine(bus.NewBridge(cfg.Dispatch.MaxPendingCommands), opts)
	if err != nil {
		return nil, fmt.Errorf("build dispatch engine: %w", err)
	}

	deps := Dependencies{
		Engine:   engine,
		Registry: registry,
		Store:    st,
	}

	if cfg.Channels.WebSocket.Enabled {
		ws := websocket.NewAdapter(registry, log)
		deps.Channels = append(deps.Channels, ws)
		deps.WebSocket = ws
	}
	if cfg.Channels.Telegram.Enabled {
		tg, err := telegram.NewAdapter(cfg.Channels.Telegram, registry, log)
		if err != nil {
			return nil, err
		}
		deps.Channels = append(deps.Channels, tg)
	}

	return NewService(cfg, deps, log)
}
