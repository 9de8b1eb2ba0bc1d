// Package dispatch runs user handlers against inbound events and delivers the commands they
// produce, keeping each conversation strictly ordered.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"threadlane/pkg/bus"
)

// Handler processes one inbound envelope on its own goroutine.
type Handler func(ctx context.Context, b *bus.Bridge, env bus.IncomingEnvelope) error

// Awaitable is deferred work returned by async handlers. It runs on a runner member.
type Awaitable func(ctx context.Context) error

// AsyncHandler returns the work for one envelope; a nil Awaitable completes immediately.
type AsyncHandler func(ctx context.Context, b *bus.Bridge, env bus.IncomingEnvelope) Awaitable

// Task is a long-running background body started with the engine.
type Task func(ctx context.Context, b *bus.Bridge) error

// AsyncTask is a background body scheduled on the background runner pool.
type AsyncTask func(ctx context.Context, b *bus.Bridge) Awaitable

type Mode string

const (
	ModeAuto  Mode = "auto"
	ModeSync  Mode = "sync"
	ModeAsync Mode = "async"
)

var ErrHandlerMode = errors.New("handler mode mismatch")

// ParseMode parses a configured handler mode; empty means auto.
func ParseMode(value string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(value))) {
	case "", ModeAuto:
		return ModeAuto, nil
	case ModeSync:
		return ModeSync, nil
	case ModeAsync:
		return ModeAsync, nil
	default:
		return "", fmt.Errorf("%w: unsupported mode %q", ErrHandlerMode, value)
	}
}

func validateMode(mode Mode, opts Options) error {
	if opts.Handler != nil && opts.AsyncHandler != nil {
		return fmt.Errorf("%w: both sync and async message handlers configured", ErrHandlerMode)
	}

	hasSync := opts.Handler != nil || len(opts.Tasks) > 0
	hasAsync := opts.AsyncHandler != nil || len(opts.AsyncTasks) > 0

	switch mode {
	case ModeAuto:
		return nil
	case ModeSync:
		if hasAsync {
			return fmt.Errorf("%w: mode sync requires synchronous handlers and tasks", ErrHandlerMode)
		}
	case ModeAsync:
		if hasSync {
			return fmt.Errorf("%w: mode async requires asynchronous handlers and tasks", ErrHandlerMode)
		}
	default:
		return fmt.Errorf("%w: unsupported mode %q", ErrHandlerMode, mode)
	}
	return nil
}
