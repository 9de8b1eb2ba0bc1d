package supervisor

import (
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
)

type countingCloser struct {
	calls atomic.Int32
}

func (c *countingCloser) Close() { c.calls.Add(1) }

func TestGuardCleanRunDoesNotLatch(t *testing.T) {
	closer := &countingCloser{}
	s := New(closer, nil)

	if ok := s.Guard("worker", func() error { return nil }); !ok {
		t.Fatal("expected clean run to report ok")
	}
	if _, latched := s.Peek(); latched {
		t.Fatal("expected no crash latched")
	}
	if err := s.DrainAndRaise(); err != nil {
		t.Fatalf("DrainAndRaise() error = %v, want nil", err)
	}
	if closer.calls.Load() != 0 {
		t.Fatalf("close calls = %d, want 0", closer.calls.Load())
	}
}

func TestGuardLatchesReturnedError(t *testing.T) {
	closer := &countingCloser{}
	s := New(closer, nil)

	if ok := s.Guard("message:conv-1", func() error { return errors.New("boom") }); ok {
		t.Fatal("expected failure to report not ok")
	}

	crash, latched := s.Peek()
	if !latched {
		t.Fatal("expected crash latched")
	}
	if crash.Worker != "message:conv-1" || !strings.HasPrefix(crash.Trace, "boom") {
		t.Fatalf("crash = %+v", crash)
	}
	if closer.calls.Load() != 1 {
		t.Fatalf("close calls = %d, want 1", closer.calls.Load())
	}

	var execErr *HandlerExecutionError
	if err := s.DrainAndRaise(); !errors.As(err, &execErr) {
		t.Fatalf("DrainAndRaise() error = %v, want *HandlerExecutionError", err)
	}
	if !strings.Contains(execErr.Error(), "boom") {
		t.Fatalf("error text = %q, want it to contain boom", execErr.Error())
	}
}

func TestGuardRecoversPanics(t *testing.T) {
	s := New(&countingCloser{}, nil)

	ok := s.Guard("task:0", func() error { panic("kaboom") })
	if ok {
		t.Fatal("expected panic to report not ok")
	}
	crash, _ := s.Peek()
	if !strings.Contains(crash.Trace, "panic: kaboom") {
		t.Fatalf("trace = %q, want panic text", crash.Trace)
	}
}

func TestFirstCrashWinsAndHandlerRunsOnce(t *testing.T) {
	closer := &countingCloser{}
	s := New(closer, nil)

	var payloads []string
	var mu sync.Mutex
	s.SetCrashHandler(func(trace string) {
		mu.Lock()
		defer mu.Unlock()
		payloads = append(payloads, trace)
	})

	s.Guard("first", func() error { return errors.New("first failure") })
	s.Guard("second", func() error { return errors.New("second failure") })

	crash, _ := s.Peek()
	if crash.Worker != "first" {
		t.Fatalf("latched worker = %q, want first", crash.Worker)
	}
	if len(payloads) != 1 || !strings.HasPrefix(payloads[0], "first failure") {
		t.Fatalf("crash handler payloads = %v", payloads)
	}
	if closer.calls.Load() != 2 {
		t.Fatalf("close calls = %d, want 2", closer.calls.Load())
	}
}

func TestClearResetsLatch(t *testing.T) {
	s := New(nil, nil)
	s.Guard("w", func() error { return errors.New("x") })
	s.Clear()

	if _, latched := s.Peek(); latched {
		t.Fatal("expected latch cleared")
	}
	s.Guard("w2", func() error { return errors.New("y") })
	crash, _ := s.Peek()
	if crash.Worker != "w2" {
		t.Fatalf("worker = %q, want w2", crash.Worker)
	}
}

func TestPanickingCrashHandlerIsContained(t *testing.T) {
	closer := &countingCloser{}
	s := New(closer, nil)
	s.SetCrashHandler(func(string) { panic("handler bug") })

	s.Guard("w", func() error { return errors.New("x") })
	if closer.calls.Load() != 1 {
		t.Fatalf("close calls = %d, want 1", closer.calls.Load())
	}
}
