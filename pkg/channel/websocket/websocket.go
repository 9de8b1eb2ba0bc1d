// Package websocket serves browser and terminal clients over a WebSocket connection. Each
// connection is the live session of exactly one conversation.
package websocket

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	ws "github.com/gorilla/websocket"

	"threadlane/pkg/bus"
	"threadlane/pkg/channel"
	"threadlane/pkg/session"
)

const (
	channelName  = "websocket"
	writeTimeout = 10 * time.Second
	defaultUser  = "User"
)

// Frame types exchanged with clients.
const (
	FrameHello     = "hello"
	FrameMessage   = "message"
	FrameCommand   = "command"
	FrameTaskStart = "task_start"
	FrameTaskEnd   = "task_end"
	FrameError     = "error"
)

// Frame is the JSON payload of every WebSocket message in both directions.
type Frame struct {
	Type           string               `json:"type"`
	ConversationID string               `json:"conversation_id,omitempty"`
	SessionID      string               `json:"session_id,omitempty"`
	MessageID      string               `json:"message_id,omitempty"`
	Author         string               `json:"author,omitempty"`
	Content        string               `json:"content,omitempty"`
	Metadata       map[string]string    `json:"metadata,omitempty"`
	Attachments    []bus.Attachment     `json:"attachments,omitempty"`
	Command        *bus.OutgoingCommand `json:"command,omitempty"`
	Error          string               `json:"error,omitempty"`
}

var errNotRunning = errors.New("websocket channel is not running")

// Adapter upgrades HTTP requests and feeds client frames to the deliverer passed to Run.
type Adapter struct {
	registry *session.Registry
	log      *slog.Logger
	upgrader ws.Upgrader

	mu        sync.Mutex
	deliverer channel.Deliverer
	runCtx    context.Context
	conns     map[string]*liveConn
}

func NewAdapter(registry *session.Registry, log *slog.Logger) *Adapter {
	if log == nil {
		log = slog.Default()
	}
	return &Adapter{
		registry: registry,
		log:      log.With("component", "channel.websocket"),
		upgrader: ws.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		conns: make(map[string]*liveConn),
	}
}

func (a *Adapter) Name() string {
	return channelName
}

// Run accepts connections until ctx ends, then closes every open connection.
func (a *Adapter) Run(ctx context.Context, deliverer channel.Deliverer) error {
	if deliverer == nil {
		return errors.New("deliverer is required")
	}

	a.mu.Lock()
	a.deliverer = deliverer
	a.runCtx = ctx
	a.mu.Unlock()

	a.log.Info("WebSocket channel started")
	<-ctx.Done()

	a.mu.Lock()
	a.deliverer = nil
	conns := make([]*liveConn, 0, len(a.conns))
	for _, c := range a.conns {
		conns = append(conns, c)
	}
	a.mu.Unlock()

	for _, c := range conns {
		c.close()
	}
	return nil
}

// ServeHTTP handles GET /ws?conversation_id=...
func (a *Adapter) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conversationID := strings.TrimSpace(r.URL.Query().Get("conversation_id"))
	if conversationID == "" {
		http.Error(w, "conversation_id is required", http.StatusBadRequest)
		return
	}

	deliverer, runCtx := a.current()
	if deliverer == nil {
		http.Error(w, errNotRunning.Error(), http.StatusServiceUnavailable)
		return
	}

	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.log.Warn("Failed to upgrade connection", "error", err)
		return
	}

	author := strings.TrimSpace(r.URL.Query().Get("author"))
	if author == "" {
		author = defaultUser
	}

	live := &liveConn{
		conn:           conn,
		conversationID: conversationID,
		sessionID:      uuid.NewString(),
	}
	live.alive.Store(true)

	a.track(live)
	a.registry.Register(conversationID, live.sessionID, live)
	defer func() {
		live.close()
		a.registry.Unregister(live.sessionID)
		a.untrack(live)
		a.log.Info("Client disconnected", "conversation_id", conversationID, "session_id", live.sessionID)
	}()

	a.log.Info("Client connected", "conversation_id", conversationID, "session_id", live.sessionID)
	if err := live.write(Frame{Type: FrameHello, ConversationID: conversationID, SessionID: live.sessionID}); err != nil {
		return
	}

	for {
		var frame Frame
		if err := conn.ReadJSON(&frame); err != nil {
			return
		}
		if frame.Type != FrameMessage {
			_ = live.write(Frame{Type: FrameError, Error: "unsupported frame type " + frame.Type})
			continue
		}

		frameAuthor := author
		if strings.TrimSpace(frame.Author) != "" {
			frameAuthor = frame.Author
		}
		event := channel.Event{
			ConversationID: conversationID,
			SessionID:      live.sessionID,
			MessageID:      frame.MessageID,
			Author:         frameAuthor,
			Content:        frame.Content,
			Metadata:       frame.Metadata,
			Attachments:    frame.Attachments,
		}
		if err := deliverer.Deliver(runCtx, event); err != nil {
			a.log.Warn("Failed to deliver message", "conversation_id", conversationID, "error", err)
			_ = live.write(Frame{Type: FrameError, ConversationID: conversationID, Error: err.Error()})
		}
	}
}

// Connections returns the number of open client connections.
func (a *Adapter) Connections() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.conns)
}

func (a *Adapter) current() (channel.Deliverer, context.Context) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.deliverer, a.runCtx
}

func (a *Adapter) track(c *liveConn) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.conns[c.sessionID] = c
}

func (a *Adapter) untrack(c *liveConn) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.conns, c.sessionID)
}

// liveConn is the session.LiveSession backed by one client connection.
type liveConn struct {
	conn           *ws.Conn
	conversationID string
	sessionID      string

	writeMu sync.Mutex
	alive   atomic.Bool
}

func (c *liveConn) Push(_ context.Context, cmd bus.OutgoingCommand) error {
	return c.write(Frame{
		Type:           FrameCommand,
		ConversationID: cmd.ConversationID,
		MessageID:      cmd.MessageID,
		Command:        &cmd,
	})
}

func (c *liveConn) SetTaskRunning(_ context.Context, running bool) error {
	frameType := FrameTaskEnd
	if running {
		frameType = FrameTaskStart
	}
	return c.write(Frame{Type: frameType, ConversationID: c.conversationID})
}

func (c *liveConn) Alive() bool {
	return c.alive.Load()
}

func (c *liveConn) write(frame Frame) error {
	if !c.alive.Load() {
		return bus.ErrSessionNotActive
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := c.conn.WriteJSON(frame); err != nil {
		c.alive.Store(false)
		return err
	}
	return nil
}

func (c *liveConn) close() {
	if c.alive.Swap(false) {
		c.writeMu.Lock()
		_ = c.conn.WriteControl(ws.CloseMessage, ws.FormatCloseMessage(ws.CloseNormalClosure, ""), time.Now().Add(time.Second))
		c.writeMu.Unlock()
	}
	_ = c.conn.Close()
}
