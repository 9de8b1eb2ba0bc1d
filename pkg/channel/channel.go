package channel

import (
	"context"
	"time"

	"threadlane/pkg/bus"
)

// Event is a raw inbound user event as seen by a presentation adapter.
type Event struct {
	ConversationID string
	SessionID      string
	MessageID      string
	Author         string
	Content        string
	CreatedAt      time.Time
	Metadata       map[string]string
	Attachments    []bus.Attachment
}

// Deliverer accepts inbound events for dispatch.
type Deliverer interface {
	Deliver(ctx context.Context, event Event) error
}

// DelivererFunc adapts a function to Deliverer.
type DelivererFunc func(ctx context.Context, event Event) error

func (f DelivererFunc) Deliver(ctx context.Context, event Event) error {
	return f(ctx, event)
}

// Adapter is a presentation channel feeding the dispatch core.
type Adapter interface {
	Name() string
	Run(ctx context.Context, deliverer Deliverer) error
}
