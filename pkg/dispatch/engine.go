package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"threadlane/pkg/bus"
	"threadlane/pkg/channel"
	"threadlane/pkg/metrics"
	"threadlane/pkg/runner"
	"threadlane/pkg/session"
	"threadlane/pkg/store"
	"threadlane/pkg/supervisor"
)

const (
	DefaultMessageWorkers = 4
	DefaultStopGrace      = 5 * time.Second
	notifyTimeout         = 2 * time.Second
)

var ErrNotRunning = errors.New("dispatch engine is not running")

// Options configures an Engine. At most one of Handler and AsyncHandler may be set; with
// neither, inbound envelopes are left on the bridge for Receive.
type Options struct {
	Handler      Handler
	AsyncHandler AsyncHandler
	Tasks        []Task
	AsyncTasks   []AsyncTask
	Mode         Mode

	// MaxMessageWorkers bounds concurrently running message handlers; zero uses the default.
	MaxMessageWorkers int
	// MaxOutgoingWorkers is the number of outgoing lanes; zero uses the default.
	MaxOutgoingWorkers int

	Sessions session.Resolver
	Store    store.Store
	Logger   *slog.Logger
}

// Engine owns the lifecycle of the dispatch core around one bridge.
type Engine struct {
	opts       Options
	bridge     *bus.Bridge
	supervisor *supervisor.Supervisor
	log        *slog.Logger

	crashMu      sync.Mutex
	crashHandler func(trace string)

	mu        sync.Mutex
	running   bool
	cancel    context.CancelFunc
	runners   *runner.Pool
	scheduler *LaneScheduler
	incoming  *IncomingDispatcher
	outgoing  *OutgoingDispatcher
	tasks     sync.WaitGroup
}

func NewEngine(bridge *bus.Bridge, opts Options) (*Engine, error) {
	if bridge == nil {
		return nil, fmt.Errorf("%w: bridge is required", bus.ErrInvalidArgument)
	}
	if opts.Mode == "" {
		opts.Mode = ModeAuto
	}
	if err := validateMode(opts.Mode, opts); err != nil {
		return nil, err
	}
	if opts.MaxMessageWorkers < 0 || opts.MaxOutgoingWorkers < 0 {
		return nil, fmt.Errorf("%w: worker counts must be >= 1", bus.ErrInvalidArgument)
	}
	if opts.MaxMessageWorkers == 0 {
		opts.MaxMessageWorkers = DefaultMessageWorkers
	}
	if opts.MaxOutgoingWorkers == 0 {
		opts.MaxOutgoingWorkers = DefaultOutgoingWorkers
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	e := &Engine{
		opts:   opts,
		bridge: bridge,
		log:    opts.Logger.With("component", "dispatch.engine"),
	}
	e.supervisor = supervisor.New(bridge, opts.Logger)
	e.supervisor.SetCrashHandler(e.onCrash)
	return e, nil
}

func (e *Engine) Bridge() *bus.Bridge { return e.bridge }

func (e *Engine) Supervisor() *supervisor.Supervisor { return e.supervisor }

// SetCrashHandler registers a callback for the first latched crash.
func (e *Engine) SetCrashHandler(fn func(trace string)) {
	e.crashMu.Lock()
	defer e.crashMu.Unlock()
	e.crashHandler = fn
}

// Crash returns the latched crash, if any.
func (e *Engine) Crash() (supervisor.Crash, bool) {
	return e.supervisor.Peek()
}

func (e *Engine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

// Start launches the outgoing dispatcher, the runner pools, and the background tasks.
func (e *Engine) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.running {
		return bus.ErrWorkerAlreadyRunning
	}
	if e.bridge.IsClosed() {
		return bus.ErrClosed
	}

	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.runners = runner.New(len(e.opts.AsyncTasks), runner.MessagePoolSize(e.opts.MaxMessageWorkers), e.opts.Logger)

	e.scheduler = nil
	if e.opts.Handler != nil || e.opts.AsyncHandler != nil {
		e.scheduler = NewLaneScheduler(runCtx, e.bridge, e.opts.MaxMessageWorkers, e.execute, e.opts.Logger)
	}
	e.incoming = NewIncomingDispatcher(e.bridge, e.scheduler, e.opts.Logger)
	e.bridge.SetInboundSink(func(env bus.IncomingEnvelope) error {
		return e.incoming.Dispatch(runCtx, env)
	})
	e.bridge.SetTaskObserver(e.notifyTask)

	applier := NewApplier(e.opts.Sessions, e.opts.Store, e.opts.Logger)
	e.outgoing = NewOutgoingDispatcher(e.bridge, applier, e.opts.MaxOutgoingWorkers, e.opts.Logger)
	e.outgoing.Start(runCtx)

	e.startTasks(runCtx)

	e.running = true
	e.log.Info("dispatch engine started",
		"mode", string(e.opts.Mode),
		"max_message_workers", e.opts.MaxMessageWorkers,
		"max_outgoing_workers", e.opts.MaxOutgoingWorkers,
		"message_runners", e.runners.Size(runner.RoleMessage),
		"background_runners", e.runners.Size(runner.RoleBackground),
	)
	return nil
}

func (e *Engine) startTasks(ctx context.Context) {
	for i, task := range e.opts.Tasks {
		worker := fmt.Sprintf("task:%d", i)
		e.tasks.Add(1)
		go func() {
			defer e.tasks.Done()
			e.supervisor.Guard(worker, func() error { return task(ctx, e.bridge) })
		}()
	}

	for i, task := range e.opts.AsyncTasks {
		worker := fmt.Sprintf("async-task:%d", i)
		finished, err := e.runners.SubmitAt(runner.RoleBackground, i, func() {
			e.supervisor.Guard(worker, func() error {
				return await(ctx, task(ctx, e.bridge))
			})
		})
		if err != nil {
			e.supervisor.Record(worker, fmt.Sprintf("schedule background task: %v", err))
			continue
		}
		e.tasks.Add(1)
		go func() {
			defer e.tasks.Done()
			<-finished
		}()
	}
}

// Deliver accepts one inbound channel event. It implements channel.Deliverer.
func (e *Engine) Deliver(ctx context.Context, event channel.Event) error {
	if e.bridge.IsClosed() {
		return bus.ErrClosed
	}

	e.mu.Lock()
	incoming := e.incoming
	running := e.running
	e.mu.Unlock()
	if !running {
		return ErrNotRunning
	}
	return incoming.Deliver(ctx, event)
}

// Stop closes the bridge, waits up to grace for in-flight work, abandons whatever is still
// running, and returns the latched crash as a *supervisor.HandlerExecutionError.
func (e *Engine) Stop(grace time.Duration) error {
	e.bridge.Close()

	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return e.supervisor.DrainAndRaise()
	}
	e.running = false
	scheduler, outgoing, runners, cancel := e.scheduler, e.outgoing, e.runners, e.cancel
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		if scheduler != nil {
			scheduler.Wait()
		}
		e.tasks.Wait()
		outgoing.Wait()
		close(done)
	}()

	if grace <= 0 {
		grace = DefaultStopGrace
	}
	timer := time.NewTimer(grace)
	defer timer.Stop()

	select {
	case <-done:
		e.log.Info("dispatch engine stopped")
	case <-timer.C:
		e.log.Warn("stop grace elapsed; abandoning in-flight workers", "grace", grace.String())
	}

	cancel()
	runners.Stop()

	return e.supervisor.DrainAndRaise()
}

// execute runs one envelope to completion on the calling lane goroutine.
func (e *Engine) execute(ctx context.Context, env bus.IncomingEnvelope) {
	worker := "message:" + env.ConversationID

	var ok bool
	if e.opts.Handler != nil {
		ok = e.supervisor.Guard(worker, func() error {
			return e.opts.Handler(ctx, e.bridge, env)
		})
	} else {
		ok = e.executeAsync(ctx, worker, env)
	}

	metrics.RecordHandler(ok)
	e.bridge.PublishEvent(ctx, bus.Event{
		Type:           bus.EventMessageHandled,
		ConversationID: env.ConversationID,
		MessageID:      env.MessageID,
		Worker:         worker,
	})
}

func (e *Engine) executeAsync(ctx context.Context, worker string, env bus.IncomingEnvelope) bool {
	ok := false
	finished, err := e.runners.Submit(runner.RoleMessage, env.ConversationID, func() {
		ok = e.supervisor.Guard(worker, func() error {
			return await(ctx, e.opts.AsyncHandler(ctx, e.bridge, env))
		})
	})
	if err != nil {
		e.supervisor.Record(worker, fmt.Sprintf("schedule async handler: %v", err))
		return false
	}

	select {
	case <-finished:
		return ok
	case <-ctx.Done():
		return false
	}
}

func await(ctx context.Context, work Awaitable) error {
	if work == nil {
		return nil
	}
	return work(ctx)
}

func (e *Engine) onCrash(trace string) {
	metrics.RecordCrash()
	crash, _ := e.supervisor.Peek()
	e.bridge.PublishEvent(context.Background(), bus.Event{
		Type:   bus.EventWorkerCrashed,
		Worker: crash.Worker,
		Error:  firstLine(trace),
	})

	e.crashMu.Lock()
	handler := e.crashHandler
	e.crashMu.Unlock()
	if handler != nil {
		handler(trace)
	}
}

func (e *Engine) notifyTask(conversationID string, running bool) {
	if e.opts.Sessions == nil {
		return
	}
	live, ok := e.opts.Sessions.Resolve(conversationID)
	if !ok {
		return
	}
	notifier, ok := live.(session.TaskNotifier)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
	defer cancel()
	if err := notifier.SetTaskRunning(ctx, running); err != nil {
		e.log.Warn("notify task state", "conversation_id", conversationID, "running", running, "error", err)
	}
}

func firstLine(text string) string {
	line, _, _ := strings.Cut(text, "\n")
	return line
}
