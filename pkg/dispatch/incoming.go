package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"threadlane/pkg/bus"
	"threadlane/pkg/channel"
	"threadlane/pkg/metrics"
)

// IncomingDispatcher turns raw channel events into envelopes and routes them either to the
// lane scheduler or, when no message handler is configured, to the bridge receive queue.
type IncomingDispatcher struct {
	bridge    *bus.Bridge
	scheduler *LaneScheduler
	log       *slog.Logger
	now       func() time.Time
}

func NewIncomingDispatcher(bridge *bus.Bridge, scheduler *LaneScheduler, log *slog.Logger) *IncomingDispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &IncomingDispatcher{
		bridge:    bridge,
		scheduler: scheduler,
		log:       log.With("component", "dispatch.incoming"),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Deliver validates event and hands the resulting envelope to its route.
func (d *IncomingDispatcher) Deliver(ctx context.Context, event channel.Event) error {
	env, err := d.envelope(event)
	if err != nil {
		return err
	}
	return d.Dispatch(ctx, env)
}

// Dispatch routes an already-built envelope.
func (d *IncomingDispatcher) Dispatch(ctx context.Context, env bus.IncomingEnvelope) error {
	if d.bridge.IsClosed() {
		return bus.ErrClosed
	}

	mode := "receive"
	if d.scheduler != nil {
		mode = "lane"
		if err := d.scheduler.Schedule(env); err != nil {
			return err
		}
	} else if err := d.bridge.Deliver(env); err != nil {
		return err
	}

	metrics.RecordInbound(mode)
	d.bridge.PublishEvent(ctx, bus.Event{
		Type:           bus.EventMessageReceived,
		ConversationID: env.ConversationID,
		MessageID:      env.MessageID,
	})
	d.log.Debug("message dispatched", "conversation_id", env.ConversationID, "message_id", env.MessageID, "mode", mode)
	return nil
}

func (d *IncomingDispatcher) envelope(event channel.Event) (bus.IncomingEnvelope, error) {
	for field, value := range map[string]string{
		"conversation id": event.ConversationID,
		"session id":      event.SessionID,
		"author":          event.Author,
	} {
		if strings.TrimSpace(value) == "" {
			return bus.IncomingEnvelope{}, fmt.Errorf("%w: %s must be non-empty", bus.ErrInvalidArgument, field)
		}
	}

	env := bus.IncomingEnvelope{
		ConversationID: event.ConversationID,
		SessionID:      event.SessionID,
		MessageID:      event.MessageID,
		Content:        event.Content,
		Author:         event.Author,
		CreatedAt:      event.CreatedAt,
		Metadata:       bus.CloneMetadata(event.Metadata),
		Attachments:    bus.CloneAttachments(event.Attachments),
	}
	if env.MessageID == "" {
		env.MessageID = uuid.NewString()
	}
	if env.CreatedAt.IsZero() {
		env.CreatedAt = d.now()
	}
	return env, nil
}
