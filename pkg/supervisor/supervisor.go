// Package supervisor latches the first handler failure and shuts the dispatch core down.
package supervisor

import (
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"sync"
	"time"
)

// Closer is the shutdown hook invoked on every recorded failure.
type Closer interface {
	Close()
}

// Crash is the latched first failure.
type Crash struct {
	Worker string
	Trace  string
	At     time.Time
}

// HandlerExecutionError surfaces a latched crash to the caller that stops the core.
type HandlerExecutionError struct {
	Worker string
	Trace  string
}

func (e *HandlerExecutionError) Error() string {
	if e == nil {
		return ""
	}
	if e.Worker == "" {
		return "handler execution failed:\n" + e.Trace
	}

	return fmt.Sprintf("handler execution failed in %s:\n%s", e.Worker, e.Trace)
}

type Supervisor struct {
	closer Closer
	log    *slog.Logger

	mu      sync.Mutex
	crash   *Crash
	onCrash func(trace string)
}

func New(closer Closer, log *slog.Logger) *Supervisor {
	if log == nil {
		log = slog.Default()
	}
	return &Supervisor{
		closer: closer,
		log:    log.With("component", "supervisor"),
	}
}

// SetCrashHandler registers a callback invoked once when a crash is first latched.
func (s *Supervisor) SetCrashHandler(fn func(trace string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onCrash = fn
}

// Guard runs fn, converting a returned error or a panic into a recorded crash.
// It reports whether fn completed cleanly and never propagates the failure.
func (s *Supervisor) Guard(worker string, fn func() error) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			s.Record(worker, fmt.Sprintf("panic: %v\n\n%s", r, debug.Stack()))
			ok = false
		}
	}()

	if err := fn(); err != nil {
		s.Record(worker, fmt.Sprintf("%+v\n\n%s", err, debug.Stack()))
		return false
	}
	return true
}

// Record latches trace if no crash is latched yet and closes the bridge either way.
func (s *Supervisor) Record(worker, trace string) {
	s.mu.Lock()
	first := s.crash == nil
	if first {
		s.crash = &Crash{Worker: worker, Trace: trace, At: time.Now().UTC()}
	}
	handler := s.onCrash
	s.mu.Unlock()

	if first {
		s.log.Error("handler crashed; shutting down dispatch", "worker", worker, "error", firstLine(trace))
		if handler != nil {
			s.invokeHandler(handler, trace)
		}
	} else {
		s.log.Warn("additional handler failure after crash", "worker", worker, "error", firstLine(trace))
	}

	if s.closer != nil {
		s.closer.Close()
	}
}

func (s *Supervisor) invokeHandler(handler func(string), trace string) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("crash handler panicked", "panic", fmt.Sprint(r))
		}
	}()
	handler(trace)
}

// Peek returns the latched crash without clearing it.
func (s *Supervisor) Peek() (Crash, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.crash == nil {
		return Crash{}, false
	}
	return *s.crash, true
}

// DrainAndRaise returns the latched crash as a *HandlerExecutionError, or nil.
func (s *Supervisor) DrainAndRaise() error {
	crash, ok := s.Peek()
	if !ok {
		return nil
	}
	return &HandlerExecutionError{Worker: crash.Worker, Trace: crash.Trace}
}

// Clear drops the latched crash.
func (s *Supervisor) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.crash = nil
}

func firstLine(trace string) string {
	line, _, _ := strings.Cut(trace, "\n")
	return line
}
