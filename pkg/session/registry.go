// Package session tracks the live presentation sessions attached to conversations.
package session

import (
	"context"
	"log/slog"
	"sync"

	"threadlane/pkg/bus"
)

// LiveSession delivers commands to a connected client in real time.
type LiveSession interface {
	Push(ctx context.Context, cmd bus.OutgoingCommand) error
}

// TaskNotifier is implemented by sessions that can show a busy indicator.
type TaskNotifier interface {
	SetTaskRunning(ctx context.Context, running bool) error
}

// Liveness is implemented by sessions whose transport can go away underneath the registry.
type Liveness interface {
	Alive() bool
}

// Resolver looks up the live session attached to a conversation.
type Resolver interface {
	Resolve(conversationID string) (LiveSession, bool)
}

type entry struct {
	sessionID string
	live      LiveSession
}

// Registry maps conversation ids to live sessions. A conversation has at most one live
// session; registering again replaces the previous one.
type Registry struct {
	log *slog.Logger

	mu             sync.RWMutex
	byConversation map[string]entry
	bySession      map[string]string
}

func NewRegistry(log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		log:            log.With("component", "session.registry"),
		byConversation: make(map[string]entry),
		bySession:      make(map[string]string),
	}
}

func (r *Registry) Register(conversationID, sessionID string, live LiveSession) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.byConversation[conversationID]; ok && prev.sessionID != sessionID {
		delete(r.bySession, prev.sessionID)
		r.log.Debug("replacing live session", "conversation_id", conversationID, "previous_session_id", prev.sessionID)
	}
	if prevConversation, ok := r.bySession[sessionID]; ok && prevConversation != conversationID {
		delete(r.byConversation, prevConversation)
	}

	r.byConversation[conversationID] = entry{sessionID: sessionID, live: live}
	r.bySession[sessionID] = conversationID
}

// Unregister detaches sessionID from whichever conversation it serves.
func (r *Registry) Unregister(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unregisterLocked(sessionID)
}

func (r *Registry) unregisterLocked(sessionID string) {
	conversationID, ok := r.bySession[sessionID]
	if !ok {
		return
	}
	delete(r.bySession, sessionID)
	if current, ok := r.byConversation[conversationID]; ok && current.sessionID == sessionID {
		delete(r.byConversation, conversationID)
	}
}

// Resolve returns the live session for conversationID. Sessions that report themselves dead
// are unregistered and not returned.
func (r *Registry) Resolve(conversationID string) (LiveSession, bool) {
	r.mu.RLock()
	current, ok := r.byConversation[conversationID]
	r.mu.RUnlock()
	if !ok {
		return nil, false
	}

	if liveness, ok := current.live.(Liveness); ok && !liveness.Alive() {
		r.mu.Lock()
		if again, ok := r.byConversation[conversationID]; ok && again.sessionID == current.sessionID {
			r.unregisterLocked(current.sessionID)
		}
		r.mu.Unlock()
		r.log.Info("dropped stale live session", "conversation_id", conversationID, "session_id", current.sessionID)
		return nil, false
	}

	return current.live, true
}

// SessionID returns the session currently serving conversationID.
func (r *Registry) SessionID(conversationID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	current, ok := r.byConversation[conversationID]
	return current.sessionID, ok
}

// Len returns the number of attached sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byConversation)
}
