package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"threadlane/pkg/bus"
	"threadlane/pkg/channel"
	"threadlane/pkg/config"
	"threadlane/pkg/dispatch"
	"threadlane/pkg/session"
	"threadlane/pkg/store"
)

const (
	defaultHost = "127.0.0.1"
	defaultPort = 18790
)

// Service hosts the dispatch engine behind its presentation adapters and HTTP surface.
type Service struct {
	cfg      *config.Config
	log      *slog.Logger
	engine   *dispatch.Engine
	registry *session.Registry
	store    store.Store
	channels []channel.Adapter
	ws       http.Handler

	mu            sync.RWMutex
	startedAt     time.Time
	channelStates map[string]channelState
}

type channelState struct {
	Running bool   `json:"running"`
	Error   string `json:"error,omitempty"`
}

type crashStatus struct {
	Worker string `json:"worker"`
	Trace  string `json:"trace"`
}

type statusResponse struct {
	Status          string                  `json:"status"`
	UptimeSeconds   int64                   `json:"uptime_seconds"`
	EngineRunning   bool                    `json:"engine_running"`
	BridgeClosed    bool                    `json:"bridge_closed"`
	PendingCommands int                     `json:"pending_commands"`
	LiveSessions    int                     `json:"live_sessions"`
	Crash           *crashStatus            `json:"crash,omitempty"`
	Channels        map[string]channelState `json:"channels"`
}

// Dependencies are the collaborators a Service runs.
type Dependencies struct {
	Engine   *dispatch.Engine
	Registry *session.Registry
	// Store may be nil; the conversation API is then not mounted.
	Store    store.Store
	Channels []channel.Adapter
	// WebSocket, when set, is mounted at cfg.Channels.WebSocket.Path.
	WebSocket http.Handler
}

func NewService(cfg *config.Config, deps Dependencies, log *slog.Logger) (*Service, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if deps.Engine == nil {
		return nil, errors.New("dispatch engine is required")
	}
	if deps.Registry == nil {
		deps.Registry = session.NewRegistry(log)
	}
	if log == nil {
		log = slog.Default()
	}

	channelStates := make(map[string]channelState, len(deps.Channels))
	for _, adapter := range deps.Channels {
		channelStates[adapter.Name()] = channelState{}
	}

	return &Service{
		cfg:           cfg,
		log:           log.With("component", "gateway.service"),
		engine:        deps.Engine,
		registry:      deps.Registry,
		store:         deps.Store,
		channels:      deps.Channels,
		ws:            deps.WebSocket,
		channelStates: channelStates,
	}, nil
}

// Run starts the engine, the HTTP server, and every adapter, and blocks until ctx ends, an
// adapter or the server fails, or the bridge closes. It then stops the engine and returns
// the latched handler crash, if any.
func (s *Service) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	s.startedAt = time.Now().UTC()
	s.mu.Unlock()

	s.engine.SetCrashHandler(func(trace string) {
		s.log.Error("Handler crashed; shutting down", "trace", firstLine(trace))
	})
	if err := s.engine.Start(ctx); err != nil {
		return fmt.Errorf("start dispatch engine: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	events, unsubscribe := s.engine.Bridge().SubscribeEvents(context.Background(), 0)
	eventsDone := make(chan struct{})
	go func() {
		defer close(eventsDone)
		s.logEvents(events)
	}()

	serverErrors := make(chan error, 1)
	serverDone := make(chan struct{})
	go func() {
		defer close(serverDone)
		s.runHTTPServer(runCtx, serverErrors)
	}()

	errCh := make(chan error, len(s.channels))
	var adapters sync.WaitGroup
	for _, adapter := range s.channels {
		s.setChannelState(adapter.Name(), channelState{Running: true})

		adapters.Add(1)
		go func() {
			defer adapters.Done()
			err := adapter.Run(runCtx, s.engine)
			s.setChannelState(adapter.Name(), channelState{Running: false, Error: errorString(err)})
			if err != nil && !errors.Is(err, context.Canceled) {
				errCh <- fmt.Errorf("run %s channel: %w", adapter.Name(), err)
			}
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
		s.log.Info("Shutdown requested")
	case <-s.engine.Bridge().Done():
		s.log.Info("Bridge closed; shutting down")
	case runErr = <-serverErrors:
	case runErr = <-errCh:
	}

	cancel()
	adapters.Wait()
	<-serverDone

	stopErr := s.engine.Stop(s.cfg.Dispatch.StopGrace())
	unsubscribe()
	<-eventsDone
	return errors.Join(runErr, stopErr)
}

// logEvents records dispatch lifecycle events until the subscription is closed, including
// those published while the engine drains.
func (s *Service) logEvents(events <-chan bus.Event) {
	log := s.log.With("component", "gateway.events")
	for event := range events {
		attrs := []any{
			"type", string(event.Type),
			"conversation_id", event.ConversationID,
			"message_id", event.MessageID,
		}
		switch event.Type {
		case bus.EventCommandFailed, bus.EventWorkerCrashed:
			log.Warn("Dispatch event", append(attrs, "worker", event.Worker, "error", event.Error)...)
		default:
			log.Debug("Dispatch event", attrs...)
		}
	}
}

func (s *Service) runHTTPServer(ctx context.Context, errCh chan<- error) {
	host := strings.TrimSpace(s.cfg.Gateway.Host)
	if host == "" {
		host = defaultHost
	}
	port := s.cfg.Gateway.Port
	if port <= 0 {
		port = defaultPort
	}
	addr := config.GatewayConfig{Host: host, Port: port}.Addr()

	server := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	shutdownDone := make(chan struct{})
	go func() {
		defer close(shutdownDone)
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	s.log.Info("Gateway HTTP server started", "address", addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		errCh <- fmt.Errorf("start http server: %w", err)
		return
	}
	<-shutdownDone
}

func (s *Service) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.respondStatus(w, http.StatusOK, "ok")
}

func (s *Service) handleReady(w http.ResponseWriter, _ *http.Request) {
	statusCode := http.StatusOK
	status := "ready"
	if !s.isReady() {
		statusCode = http.StatusServiceUnavailable
		status = "not_ready"
	}

	s.respondStatus(w, statusCode, status)
}

func (s *Service) respondStatus(w http.ResponseWriter, statusCode int, status string) {
	payload := s.currentStatus(status)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.log.Error("Failed to write status response", "error", err)
	}
}

func (s *Service) currentStatus(status string) statusResponse {
	bridge := s.engine.Bridge()
	response := statusResponse{
		Status:          status,
		EngineRunning:   s.engine.Running(),
		BridgeClosed:    bridge.IsClosed(),
		PendingCommands: bridge.Pending(),
		LiveSessions:    s.registry.Len(),
	}
	if crash, ok := s.engine.Crash(); ok {
		response.Crash = &crashStatus{Worker: crash.Worker, Trace: firstLine(crash.Trace)}
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.startedAt.IsZero() {
		response.UptimeSeconds = int64(time.Since(s.startedAt).Seconds())
	}
	response.Channels = make(map[string]channelState, len(s.channelStates))
	for name, state := range s.channelStates {
		response.Channels[name] = state
	}
	return response
}

// isReady reports whether the engine accepts work: running, bridge open, no latched
// crash, and at least one adapter up when adapters are configured.
func (s *Service) isReady() bool {
	if !s.engine.Running() || s.engine.Bridge().IsClosed() {
		return false
	}
	if _, crashed := s.engine.Crash(); crashed {
		return false
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.channelStates) == 0 {
		return true
	}
	for _, state := range s.channelStates {
		if state.Running {
			return true
		}
	}
	return false
}

func (s *Service) setChannelState(name string, state channelState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.channelStates[name] = state
}

func errorString(err error) string {
	if err == nil {
		return ""
	}

	return err.Error()
}

func firstLine(text string) string {
	line, _, _ := strings.Cut(text, "\n")
	return line
}
