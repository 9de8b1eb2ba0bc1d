package dispatch

import (
	"context"
	"sync"
	"testing"
	"time"

	"threadlane/pkg/bus"
	"threadlane/pkg/session"
	"threadlane/pkg/store"
)

type recordingSession struct {
	mu      sync.Mutex
	cmds    []bus.OutgoingCommand
	running []bool
	pushErr error
}

func (s *recordingSession) Push(_ context.Context, cmd bus.OutgoingCommand) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pushErr != nil {
		return s.pushErr
	}
	s.cmds = append(s.cmds, cmd)
	return nil
}

func (s *recordingSession) SetTaskRunning(_ context.Context, running bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = append(s.running, running)
	return nil
}

func (s *recordingSession) commands() []bus.OutgoingCommand {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]bus.OutgoingCommand(nil), s.cmds...)
}

func (s *recordingSession) taskStates() []bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]bool(nil), s.running...)
}

type staticResolver map[string]*recordingSession

func (r staticResolver) Resolve(conversationID string) (session.LiveSession, bool) {
	s, ok := r[conversationID]
	if !ok {
		return nil, false
	}
	return s, true
}

type recordingStore struct {
	mu       sync.Mutex
	created  []store.Step
	updated  []store.Step
	deleted  []string
	begun    int
	released int
	scopes   []string
}

func (s *recordingStore) BeginRequest(ctx context.Context, conversationID string) (context.Context, func(), error) {
	s.mu.Lock()
	s.begun++
	s.mu.Unlock()
	return store.WithRequest(ctx, conversationID), func() {
		s.mu.Lock()
		s.released++
		s.mu.Unlock()
	}, nil
}

func (s *recordingStore) scope(ctx context.Context) {
	id, _ := store.RequestConversation(ctx)
	s.scopes = append(s.scopes, id)
}

func (s *recordingStore) CreateStep(ctx context.Context, step store.Step) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scope(ctx)
	s.created = append(s.created, step)
	return nil
}

func (s *recordingStore) UpdateStep(ctx context.Context, step store.Step) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scope(ctx)
	s.updated = append(s.updated, step)
	return nil
}

func (s *recordingStore) DeleteStep(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scope(ctx)
	s.deleted = append(s.deleted, id)
	return nil
}

func (s *recordingStore) GetConversation(context.Context, string) (store.Conversation, error) {
	return store.Conversation{}, store.ErrNotFound
}

func (s *recordingStore) ListConversations(context.Context, store.ListOptions) (store.Page, error) {
	return store.Page{}, nil
}

func (s *recordingStore) UpsertConversation(context.Context, store.Conversation) error { return nil }
func (s *recordingStore) DeleteConversation(context.Context, string) error             { return nil }

func (s *recordingStore) createdCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.created)
}

// eventually polls cond until it holds or the deadline passes.
func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met: %s", msg)
}
