package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"threadlane/pkg/bus"
	"threadlane/pkg/metrics"
	"threadlane/pkg/runner"
)

// DefaultOutgoingWorkers is the lane count used when none is configured.
const DefaultOutgoingWorkers = 4

type outgoingLane struct {
	index int
	wake  chan struct{}

	mu      sync.Mutex
	queue   []bus.OutgoingCommand
	closing bool
}

func (l *outgoingLane) push(cmd bus.OutgoingCommand) {
	l.mu.Lock()
	l.queue = append(l.queue, cmd)
	l.mu.Unlock()
	l.signal()
}

func (l *outgoingLane) close() {
	l.mu.Lock()
	l.closing = true
	l.mu.Unlock()
	l.signal()
}

func (l *outgoingLane) signal() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// next returns the lane head. done is true once the lane is closing and empty.
func (l *outgoingLane) next() (cmd bus.OutgoingCommand, ok bool, done bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.queue) > 0 {
		cmd = l.queue[0]
		l.queue[0] = bus.OutgoingCommand{}
		l.queue = l.queue[1:]
		return cmd, true, false
	}
	return bus.OutgoingCommand{}, false, l.closing
}

// OutgoingDispatcher drains the bridge outbound queue into a fixed arena of lanes. A
// conversation always maps to the same lane, so its commands are applied in send order.
type OutgoingDispatcher struct {
	bridge  *bus.Bridge
	applier CommandApplier
	lanes   []*outgoingLane
	log     *slog.Logger
	wg      sync.WaitGroup
}

func NewOutgoingDispatcher(bridge *bus.Bridge, applier CommandApplier, workers int, log *slog.Logger) *OutgoingDispatcher {
	if workers <= 0 {
		workers = DefaultOutgoingWorkers
	}
	if log == nil {
		log = slog.Default()
	}
	lanes := make([]*outgoingLane, workers)
	for i := range lanes {
		lanes[i] = &outgoingLane{index: i, wake: make(chan struct{}, 1)}
	}
	return &OutgoingDispatcher{
		bridge:  bridge,
		applier: applier,
		lanes:   lanes,
		log:     log.With("component", "dispatch.outgoing"),
	}
}

// LaneIndex returns the lane a conversation is pinned to.
func (d *OutgoingDispatcher) LaneIndex(conversationID string) int {
	return runner.StickyIndex(conversationID, len(d.lanes))
}

// Start launches the router and lane goroutines. They exit after the terminal Close command
// has been routed and every lane has drained, or when ctx is cancelled.
func (d *OutgoingDispatcher) Start(ctx context.Context) {
	for _, lane := range d.lanes {
		d.wg.Add(1)
		go d.runLane(ctx, lane)
	}
	d.wg.Add(1)
	go d.route(ctx)
}

// Wait blocks until the router and every lane have exited.
func (d *OutgoingDispatcher) Wait() {
	d.wg.Wait()
}

func (d *OutgoingDispatcher) route(ctx context.Context) {
	defer d.wg.Done()
	defer d.broadcastClose()

	for {
		cmd, err := d.bridge.NextCommand(ctx)
		if err != nil {
			if !errors.Is(err, bus.ErrClosed) && !errors.Is(err, context.Canceled) {
				d.log.Error("outgoing router stopped", "error", err)
			}
			return
		}
		if cmd.Kind == bus.CommandClose {
			d.log.Debug("close command received; draining lanes")
			return
		}
		if cmd.ConversationID == "" {
			d.fail(ctx, cmd, fmt.Errorf("%w: missing conversation id", bus.ErrInvalidCommand))
			continue
		}
		d.lanes[d.LaneIndex(cmd.ConversationID)].push(cmd)
	}
}

func (d *OutgoingDispatcher) broadcastClose() {
	for _, lane := range d.lanes {
		lane.close()
	}
}

func (d *OutgoingDispatcher) runLane(ctx context.Context, lane *outgoingLane) {
	defer d.wg.Done()

	for {
		cmd, ok, done := lane.next()
		if done {
			return
		}
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-lane.wake:
			}
			continue
		}
		d.apply(ctx, lane, cmd)
	}
}

func (d *OutgoingDispatcher) apply(ctx context.Context, lane *outgoingLane, cmd bus.OutgoingCommand) {
	path, err := d.applier.Apply(ctx, cmd)
	if err != nil {
		d.fail(ctx, cmd, err)
		return
	}

	metrics.RecordCommand(cmd.Kind.String(), path)
	d.bridge.PublishEvent(ctx, bus.Event{
		Type:           bus.EventCommandApplied,
		ConversationID: cmd.ConversationID,
		MessageID:      cmd.MessageID,
		Kind:           cmd.Kind,
		Path:           path,
	})
	d.log.Debug("command applied", "lane", lane.index, "kind", cmd.Kind.String(), "conversation_id", cmd.ConversationID, "path", path)
}

func (d *OutgoingDispatcher) fail(ctx context.Context, cmd bus.OutgoingCommand, err error) {
	metrics.RecordCommand(cmd.Kind.String(), metrics.PathFailed)
	d.bridge.PublishEvent(ctx, bus.Event{
		Type:           bus.EventCommandFailed,
		ConversationID: cmd.ConversationID,
		MessageID:      cmd.MessageID,
		Kind:           cmd.Kind,
		Error:          err.Error(),
	})
	d.log.Error("apply outgoing command", "kind", cmd.Kind.String(), "conversation_id", cmd.ConversationID, "message_id", cmd.MessageID, "error", err)
}
