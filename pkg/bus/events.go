package bus

import (
	"context"
	"sync"
	"time"
)

type EventType string

const (
	EventMessageReceived     EventType = "message_received"
	EventMessageHandled      EventType = "message_handled"
	EventCommandApplied      EventType = "command_applied"
	EventCommandFailed       EventType = "command_failed"
	EventWorkerCrashed       EventType = "worker_crashed"
	EventConversationDeleted EventType = "conversation_deleted"
)

type Event struct {
	Type           EventType   `json:"type"`
	At             time.Time   `json:"at"`
	ConversationID string      `json:"conversation_id,omitempty"`
	MessageID      string      `json:"message_id,omitempty"`
	Worker         string      `json:"worker,omitempty"`
	Kind           CommandKind `json:"kind,omitempty"`
	Path           string      `json:"path,omitempty"`
	Error          string      `json:"error,omitempty"`
}

// PublishEvent fans event out to subscribers without blocking. Events keep flowing after
// Close so the drain of queued commands stays observable.
func (b *Bridge) PublishEvent(ctx context.Context, event Event) bool {
	if ctx == nil {
		ctx = context.Background()
	}

	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}

	select {
	case <-ctx.Done():
		return false
	default:
	}

	b.eventMu.RLock()
	defer b.eventMu.RUnlock()
	for _, ch := range b.eventSubscribers {
		select {
		case ch <- event:
		default:
			// Drop instead of blocking the publisher on slow subscribers.
		}
	}

	return true
}

// SubscribeEvents returns a channel of lifecycle events that stays open until ctx ends or
// the returned unsubscribe func is called.
func (b *Bridge) SubscribeEvents(ctx context.Context, buffer int) (<-chan Event, func()) {
	if ctx == nil {
		ctx = context.Background()
	}
	if buffer <= 0 {
		buffer = defaultBufferSize
	}

	ch := make(chan Event, buffer)

	b.eventMu.Lock()
	id := b.nextEventSubscriberID
	b.nextEventSubscriberID++
	b.eventSubscribers[id] = ch
	b.eventMu.Unlock()

	var once sync.Once
	stop := make(chan struct{})
	unsubscribe := func() {
		once.Do(func() {
			close(stop)
			b.eventMu.Lock()
			if eventCh, ok := b.eventSubscribers[id]; ok {
				delete(b.eventSubscribers, id)
				close(eventCh)
			}
			b.eventMu.Unlock()
		})
	}

	go func() {
		select {
		case <-ctx.Done():
			unsubscribe()
		case <-stop:
		}
	}()

	return ch, unsubscribe
}
