package dispatch

import (
	"context"
	"log/slog"
	"sync"

	"golang.org/x/sync/semaphore"

	"threadlane/pkg/bus"
	"threadlane/pkg/metrics"
)

type executeFunc func(ctx context.Context, env bus.IncomingEnvelope)

// inboundLane is the FIFO of one conversation. running is true while a drain goroutine owns it.
type inboundLane struct {
	queue   []bus.IncomingEnvelope
	running bool
}

// LaneScheduler runs envelopes of one conversation strictly in arrival order while letting
// different conversations run concurrently, up to maxWorkers at a time.
type LaneScheduler struct {
	ctx    context.Context
	bridge *bus.Bridge
	sem    *semaphore.Weighted
	exec   executeFunc
	log    *slog.Logger

	mu      sync.Mutex
	lanes   map[string]*inboundLane
	stopped bool
	wg      sync.WaitGroup
}

func NewLaneScheduler(ctx context.Context, bridge *bus.Bridge, maxWorkers int, exec executeFunc, log *slog.Logger) *LaneScheduler {
	if ctx == nil {
		ctx = context.Background()
	}
	if log == nil {
		log = slog.Default()
	}
	return &LaneScheduler{
		ctx:    ctx,
		bridge: bridge,
		sem:    semaphore.NewWeighted(int64(max(maxWorkers, 1))),
		exec:   exec,
		log:    log.With("component", "dispatch.scheduler"),
		lanes:  make(map[string]*inboundLane),
	}
}

// Schedule appends env to its conversation lane, starting a drain if the lane is idle.
func (s *LaneScheduler) Schedule(env bus.IncomingEnvelope) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return bus.ErrClosed
	}
	lane, ok := s.lanes[env.ConversationID]
	if !ok {
		lane = &inboundLane{}
		s.lanes[env.ConversationID] = lane
	}
	lane.queue = append(lane.queue, env)
	if lane.running {
		s.mu.Unlock()
		return nil
	}
	lane.running = true
	s.wg.Add(1)
	s.mu.Unlock()

	go s.drain(env.ConversationID, lane)
	return nil
}

func (s *LaneScheduler) drain(conversationID string, lane *inboundLane) {
	defer s.wg.Done()

	for {
		env, ok := s.pop(conversationID, lane)
		if !ok {
			return
		}

		if err := s.sem.Acquire(s.ctx, 1); err != nil {
			s.abandon(conversationID, lane, "scheduler stopped")
			return
		}
		if s.bridge.IsClosed() {
			s.sem.Release(1)
			s.abandon(conversationID, lane, "bridge closed")
			return
		}

		s.run(env)
		s.sem.Release(1)
	}
}

// pop takes the lane head, or retires the lane when it is empty.
func (s *LaneScheduler) pop(conversationID string, lane *inboundLane) (bus.IncomingEnvelope, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(lane.queue) == 0 {
		lane.running = false
		if s.lanes[conversationID] == lane {
			delete(s.lanes, conversationID)
		}
		return bus.IncomingEnvelope{}, false
	}

	env := lane.queue[0]
	lane.queue[0] = bus.IncomingEnvelope{}
	lane.queue = lane.queue[1:]
	return env, true
}

func (s *LaneScheduler) abandon(conversationID string, lane *inboundLane, reason string) {
	s.mu.Lock()
	dropped := len(lane.queue) + 1
	lane.queue = nil
	lane.running = false
	if s.lanes[conversationID] == lane {
		delete(s.lanes, conversationID)
	}
	s.mu.Unlock()

	s.log.Warn("dropping queued messages", "conversation_id", conversationID, "count", dropped, "reason", reason)
}

func (s *LaneScheduler) run(env bus.IncomingEnvelope) {
	metrics.IncInFlight()
	defer metrics.DecInFlight()

	if err := s.bridge.StartTask(env.ConversationID); err != nil {
		s.log.Warn("mark task running", "conversation_id", env.ConversationID, "error", err)
	}
	defer func() {
		if err := s.bridge.EndTask(env.ConversationID); err != nil {
			s.log.Warn("mark task idle", "conversation_id", env.ConversationID, "error", err)
		}
	}()

	s.exec(s.ctx, env)
}

// Lanes returns the number of conversations with queued or running work.
func (s *LaneScheduler) Lanes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.lanes)
}

// Wait stops accepting envelopes and blocks until every drain goroutine has returned.
func (s *LaneScheduler) Wait() {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()

	s.wg.Wait()
}
