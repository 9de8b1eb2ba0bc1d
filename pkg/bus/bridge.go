package bus

import (
	"context"
	"sync"
	"time"
)

const defaultBufferSize = 100

// Bridge connects handler code to the dispatch core. It owns the inbound queue used by the
// single-handler receive loop, the outbound command queue drained by the outgoing dispatcher,
// and the closed flag shared by both sides.
type Bridge struct {
	mu sync.Mutex

	incoming     []IncomingEnvelope
	incomingWake chan struct{}

	outgoing     []OutgoingCommand
	outgoingWake chan struct{}
	maxPending   int

	inboundSink  func(IncomingEnvelope) error
	tasks        map[string]struct{}
	taskObserver func(conversationID string, running bool)

	eventMu               sync.RWMutex
	eventSubscribers      map[uint64]chan Event
	nextEventSubscriberID uint64

	done      chan struct{}
	closeOnce sync.Once
}

// NewBridge returns an open bridge. maxPending caps queued outbound commands; zero means
// unbounded.
func NewBridge(maxPending int) *Bridge {
	if maxPending < 0 {
		maxPending = 0
	}
	return &Bridge{
		incomingWake:     make(chan struct{}, 1),
		outgoingWake:     make(chan struct{}, 1),
		maxPending:       maxPending,
		tasks:            make(map[string]struct{}),
		eventSubscribers: make(map[uint64]chan Event),
		done:             make(chan struct{}),
	}
}

// Send enqueues a command for delivery. A Close command closes the bridge.
func (b *Bridge) Send(cmd OutgoingCommand) error {
	if cmd.Kind == CommandClose {
		b.Close()
		return nil
	}
	if err := cmd.Validate(); err != nil {
		return err
	}
	cmd.Metadata = CloneMetadata(cmd.Metadata)
	cmd.Attachments = CloneAttachments(cmd.Attachments)

	b.mu.Lock()
	if b.closedLocked() {
		b.mu.Unlock()
		return ErrClosed
	}
	if b.maxPending > 0 && len(b.outgoing) >= b.maxPending {
		b.mu.Unlock()
		return ErrBackpressure
	}
	b.outgoing = append(b.outgoing, cmd)
	b.mu.Unlock()

	notify(b.outgoingWake)
	return nil
}

// NextCommand blocks until an outbound command is available. Commands queued before Close
// are still returned, followed by the terminal Close command; after that it returns ErrClosed.
func (b *Bridge) NextCommand(ctx context.Context) (OutgoingCommand, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	for {
		b.mu.Lock()
		if len(b.outgoing) > 0 {
			cmd := b.outgoing[0]
			b.outgoing[0] = OutgoingCommand{}
			b.outgoing = b.outgoing[1:]
			more := len(b.outgoing) > 0
			b.mu.Unlock()
			if more {
				notify(b.outgoingWake)
			}
			return cmd, nil
		}
		if b.closedLocked() {
			b.mu.Unlock()
			return OutgoingCommand{}, ErrClosed
		}
		b.mu.Unlock()

		select {
		case <-ctx.Done():
			return OutgoingCommand{}, ctx.Err()
		case <-b.outgoingWake:
		}
	}
}

// Pending returns the number of queued outbound commands.
func (b *Bridge) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.outgoing)
}

// Deliver pushes an envelope onto the inbound queue read by Receive.
func (b *Bridge) Deliver(env IncomingEnvelope) error {
	b.mu.Lock()
	if b.closedLocked() {
		b.mu.Unlock()
		return ErrClosed
	}
	b.incoming = append(b.incoming, env)
	b.mu.Unlock()

	notify(b.incomingWake)
	return nil
}

// Receive blocks for the next inbound envelope. A non-positive timeout waits without deadline.
// Once the bridge is closed it returns ErrClosed immediately, even if envelopes are queued.
func (b *Bridge) Receive(ctx context.Context, timeout time.Duration) (IncomingEnvelope, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	for {
		b.mu.Lock()
		if b.closedLocked() {
			b.mu.Unlock()
			return IncomingEnvelope{}, ErrClosed
		}
		if len(b.incoming) > 0 {
			env := b.incoming[0]
			b.incoming[0] = IncomingEnvelope{}
			b.incoming = b.incoming[1:]
			more := len(b.incoming) > 0
			b.mu.Unlock()
			if more {
				notify(b.incomingWake)
			}
			return env, nil
		}
		b.mu.Unlock()

		select {
		case <-ctx.Done():
			return IncomingEnvelope{}, ctx.Err()
		case <-b.done:
			return IncomingEnvelope{}, ErrClosed
		case <-deadline:
			return IncomingEnvelope{}, ErrTimeout
		case <-b.incomingWake:
		}
	}
}

// Close marks the bridge closed, releases blocked receivers, and queues the terminal Close
// command behind every command already sent. Calling it again has no effect.
func (b *Bridge) Close() {
	b.closeOnce.Do(func() {
		b.mu.Lock()
		close(b.done)
		b.outgoing = append(b.outgoing, OutgoingCommand{Kind: CommandClose})
		b.mu.Unlock()

		notify(b.outgoingWake)
		notify(b.incomingWake)
	})
}

func (b *Bridge) IsClosed() bool {
	select {
	case <-b.done:
		return true
	default:
		return false
	}
}

// Done is closed when the bridge closes.
func (b *Bridge) Done() <-chan struct{} {
	return b.done
}

// SetInboundSink routes envelopes injected with Enqueue. Without a sink they land on the
// Receive queue.
func (b *Bridge) SetInboundSink(sink func(IncomingEnvelope) error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.inboundSink = sink
}

func (b *Bridge) closedLocked() bool {
	select {
	case <-b.done:
		return true
	default:
		return false
	}
}

func notify(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
