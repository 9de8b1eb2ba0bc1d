package bus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestSendThenNextCommandPreservesOrder(t *testing.T) {
	b := NewBridge(0)
	t.Cleanup(b.Close)

	for _, content := range []string{"one", "two", "three"} {
		if _, err := b.AddMessage("conv-1", content, ""); err != nil {
			t.Fatalf("AddMessage(%q) error = %v", content, err)
		}
	}

	for _, want := range []string{"one", "two", "three"} {
		cmd, err := b.NextCommand(context.Background())
		if err != nil {
			t.Fatalf("NextCommand() error = %v", err)
		}
		if cmd.Content != want {
			t.Fatalf("content = %q, want %q", cmd.Content, want)
		}
		if cmd.Author != DefaultAssistantAuthor {
			t.Fatalf("author = %q, want %q", cmd.Author, DefaultAssistantAuthor)
		}
	}
}

func TestCloseIsIdempotentAndRejectsSends(t *testing.T) {
	b := NewBridge(0)
	b.Close()
	b.Close()

	if !b.IsClosed() {
		t.Fatal("expected bridge to report closed")
	}
	if _, err := b.AddMessage("conv-1", "late", ""); !errors.Is(err, ErrClosed) {
		t.Fatalf("AddMessage() error = %v, want ErrClosed", err)
	}
	if err := b.Send(OutgoingCommand{Kind: CommandClose}); err != nil {
		t.Fatalf("Send(Close) error = %v, want nil", err)
	}

	cmd, err := b.NextCommand(context.Background())
	if err != nil {
		t.Fatalf("NextCommand() error = %v", err)
	}
	if cmd.Kind != CommandClose {
		t.Fatalf("kind = %s, want close", cmd.Kind)
	}
	if _, err := b.NextCommand(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("second NextCommand() error = %v, want ErrClosed", err)
	}
}

func TestCloseQueuesTerminalCommandAfterPending(t *testing.T) {
	b := NewBridge(0)
	if _, err := b.AddMessage("conv-1", "before close", ""); err != nil {
		t.Fatalf("AddMessage() error = %v", err)
	}
	b.Close()

	first, err := b.NextCommand(context.Background())
	if err != nil || first.Kind != CommandCreateMessage {
		t.Fatalf("first = %+v, %v; want create message", first, err)
	}
	second, err := b.NextCommand(context.Background())
	if err != nil || second.Kind != CommandClose {
		t.Fatalf("second = %+v, %v; want close", second, err)
	}
}

func TestReceiveTimesOutWithoutInput(t *testing.T) {
	b := NewBridge(0)
	t.Cleanup(b.Close)

	const timeout = 100 * time.Millisecond
	const tolerance = 50 * time.Millisecond

	start := time.Now()
	_, err := b.Receive(context.Background(), timeout)
	elapsed := time.Since(start)
	if errors.Is(err, ErrClosed) {
		t.Fatal("Receive() reported ErrClosed on an open bridge")
	}
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("Receive() error = %v, want ErrTimeout", err)
	}
	if elapsed < timeout-tolerance || elapsed > timeout+tolerance {
		t.Fatalf("Receive() returned after %s, want %s ± %s", elapsed, timeout, tolerance)
	}
}

func TestReceiveReturnsClosedImmediatelyEvenWithQueuedInput(t *testing.T) {
	b := NewBridge(0)
	if err := b.Deliver(IncomingEnvelope{ConversationID: "conv-1"}); err != nil {
		t.Fatalf("Deliver() error = %v", err)
	}
	b.Close()

	if _, err := b.Receive(context.Background(), time.Second); !errors.Is(err, ErrClosed) {
		t.Fatalf("Receive() error = %v, want ErrClosed", err)
	}
	if err := b.Deliver(IncomingEnvelope{ConversationID: "conv-1"}); !errors.Is(err, ErrClosed) {
		t.Fatalf("Deliver() after close error = %v, want ErrClosed", err)
	}
}

func TestCloseReleasesBlockedReceiver(t *testing.T) {
	b := NewBridge(0)

	errCh := make(chan error, 1)
	go func() {
		_, err := b.Receive(context.Background(), 0)
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	b.Close()

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrClosed) {
			t.Fatalf("Receive() error = %v, want ErrClosed", err)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("timed out waiting for blocked receiver")
	}
}

func TestConcurrentReceiversEachGetOneEnvelope(t *testing.T) {
	b := NewBridge(0)
	t.Cleanup(b.Close)

	const receivers = 4
	var wg sync.WaitGroup
	got := make(chan string, receivers)
	for range receivers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			env, err := b.Receive(context.Background(), time.Second)
			if err != nil {
				t.Errorf("Receive() error = %v", err)
				return
			}
			got <- env.MessageID
		}()
	}

	for _, id := range []string{"a", "b", "c", "d"} {
		if err := b.Deliver(IncomingEnvelope{ConversationID: "conv", MessageID: id}); err != nil {
			t.Fatalf("Deliver() error = %v", err)
		}
	}
	wg.Wait()
	close(got)

	seen := map[string]bool{}
	for id := range got {
		if seen[id] {
			t.Fatalf("envelope %q delivered twice", id)
		}
		seen[id] = true
	}
	if len(seen) != receivers {
		t.Fatalf("received %d envelopes, want %d", len(seen), receivers)
	}
}

func TestSendRejectsMalformedCommands(t *testing.T) {
	b := NewBridge(0)
	t.Cleanup(b.Close)

	cases := []OutgoingCommand{
		{Kind: CommandCreateMessage, MessageID: "m1"},
		{Kind: CommandUpdateMessage, ConversationID: "conv"},
		{Kind: CommandKind(42), ConversationID: "conv", MessageID: "m1"},
	}
	for _, cmd := range cases {
		if err := b.Send(cmd); !errors.Is(err, ErrInvalidCommand) {
			t.Fatalf("Send(%+v) error = %v, want ErrInvalidCommand", cmd, err)
		}
	}
}

func TestSendAppliesBackpressureCap(t *testing.T) {
	b := NewBridge(1)
	t.Cleanup(b.Close)

	if _, err := b.AddMessage("conv", "first", ""); err != nil {
		t.Fatalf("first AddMessage() error = %v", err)
	}
	if _, err := b.AddMessage("conv", "second", ""); !errors.Is(err, ErrBackpressure) {
		t.Fatalf("second AddMessage() error = %v, want ErrBackpressure", err)
	}
}

func TestSendCopiesMetadata(t *testing.T) {
	b := NewBridge(0)
	t.Cleanup(b.Close)

	meta := map[string]string{"k": "v"}
	if err := b.Send(OutgoingCommand{Kind: CommandCreateMessage, ConversationID: "c", MessageID: "m", Metadata: meta}); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	meta["k"] = "mutated"

	cmd, err := b.NextCommand(context.Background())
	if err != nil {
		t.Fatalf("NextCommand() error = %v", err)
	}
	if cmd.Metadata["k"] != "v" {
		t.Fatalf("metadata = %v, want original value", cmd.Metadata)
	}
}

func TestEventsSurviveClose(t *testing.T) {
	b := NewBridge(0)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	events, unsubscribe := b.SubscribeEvents(ctx, 4)
	t.Cleanup(unsubscribe)

	b.Close()
	if ok := b.PublishEvent(context.Background(), Event{Type: EventCommandApplied, ConversationID: "conv"}); !ok {
		t.Fatal("expected publish to succeed")
	}

	select {
	case event := <-events:
		if event.Type != EventCommandApplied {
			t.Fatalf("event type = %q, want %q", event.Type, EventCommandApplied)
		}
		if event.At.IsZero() {
			t.Fatal("expected event timestamp")
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("timed out waiting for event")
	}

	unsubscribe()
	if _, ok := <-events; ok {
		t.Fatal("expected channel to close after unsubscribe")
	}
}
