package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"threadlane/pkg/bus"
	"threadlane/pkg/metrics"
	"threadlane/pkg/session"
	"threadlane/pkg/store"
)

// CommandApplier delivers one outgoing command and reports the path it took.
type CommandApplier interface {
	Apply(ctx context.Context, cmd bus.OutgoingCommand) (path string, err error)
}

// Applier prefers the live session of a conversation and falls back to the store.
// Either collaborator may be nil.
type Applier struct {
	sessions session.Resolver
	store    store.Store
	log      *slog.Logger
	now      func() time.Time
}

func NewApplier(sessions session.Resolver, st store.Store, log *slog.Logger) *Applier {
	if log == nil {
		log = slog.Default()
	}
	return &Applier{
		sessions: sessions,
		store:    st,
		log:      log.With("component", "dispatch.applier"),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (a *Applier) Apply(ctx context.Context, cmd bus.OutgoingCommand) (string, error) {
	if cmd.Kind == bus.CommandClose {
		return "", nil
	}
	if err := cmd.Validate(); err != nil {
		return metrics.PathFailed, err
	}

	if a.sessions != nil {
		if live, ok := a.sessions.Resolve(cmd.ConversationID); ok {
			if err := live.Push(ctx, cmd); err != nil {
				return metrics.PathLive, fmt.Errorf("push %s to live session: %w", cmd.Kind, err)
			}
			return metrics.PathLive, nil
		}
	}

	if a.store != nil {
		if err := a.persist(ctx, cmd); err != nil {
			return metrics.PathStore, fmt.Errorf("persist %s: %w", cmd.Kind, err)
		}
		return metrics.PathStore, nil
	}

	return metrics.PathFailed, fmt.Errorf("conversation %s: %w", cmd.ConversationID, bus.ErrSessionNotActive)
}

func (a *Applier) persist(ctx context.Context, cmd bus.OutgoingCommand) error {
	reqCtx, release, err := a.store.BeginRequest(ctx, cmd.ConversationID)
	if err != nil {
		return err
	}
	defer release()

	switch cmd.Kind {
	case bus.CommandCreateMessage, bus.CommandCreateToolStep:
		return a.store.CreateStep(reqCtx, store.StepFromCommand(cmd, a.now()))
	case bus.CommandUpdateMessage, bus.CommandUpdateToolStep:
		return a.store.UpdateStep(reqCtx, store.StepFromCommand(cmd, a.now()))
	case bus.CommandDelete:
		return a.store.DeleteStep(reqCtx, cmd.MessageID)
	case bus.CommandClose:
		return nil
	default:
		return fmt.Errorf("%w: unsupported kind %s", bus.ErrInvalidCommand, cmd.Kind)
	}
}
