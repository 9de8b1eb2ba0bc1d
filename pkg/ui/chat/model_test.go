package chat

import (
	"errors"
	"sync"
	"testing"

	tea "github.com/charmbracelet/bubbletea"

	"threadlane/pkg/bus"
	"threadlane/pkg/channel/websocket"
)

type fakeConn struct {
	conversationID string
	frames         chan websocket.Frame

	mu   sync.Mutex
	sent []string
	err  error
}

func newFakeConn(conversationID string) *fakeConn {
	return &fakeConn{conversationID: conversationID, frames: make(chan websocket.Frame, 8)}
}

func (c *fakeConn) ConversationID() string { return c.conversationID }

func (c *fakeConn) Frames() <-chan websocket.Frame { return c.frames }

func (c *fakeConn) Err() error { return c.err }

func (c *fakeConn) Send(content string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, content)
	return nil
}

func (c *fakeConn) sentMessages() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.sent...)
}

func runBatch(cmd tea.Cmd) []tea.Msg {
	if cmd == nil {
		return nil
	}
	msg := cmd()
	batch, ok := msg.(tea.BatchMsg)
	if !ok {
		return []tea.Msg{msg}
	}
	var out []tea.Msg
	for _, inner := range batch {
		out = append(out, runBatch(inner)...)
	}
	return out
}

func TestApplyCommandCreateUpdateDelete(t *testing.T) {
	t.Parallel()

	steps := applyCommand(nil, bus.OutgoingCommand{Kind: bus.CommandCreateMessage, MessageID: "m1", Author: "Echo", Content: "hi"})
	steps = applyCommand(steps, bus.OutgoingCommand{Kind: bus.CommandCreateToolStep, MessageID: "t1", Author: bus.ThoughtName, Content: "thinking"})
	if len(steps) != 2 || steps[0].role != roleAssistant || steps[1].role != roleTool {
		t.Fatalf("steps = %+v", steps)
	}

	steps = applyCommand(steps, bus.OutgoingCommand{Kind: bus.CommandUpdateToolStep, MessageID: "t1", Author: bus.ThoughtName, Content: "done"})
	if len(steps) != 2 || steps[1].content != "done" {
		t.Fatalf("update did not replace in place: %+v", steps)
	}

	steps = applyCommand(steps, bus.OutgoingCommand{Kind: bus.CommandDelete, MessageID: "m1"})
	if len(steps) != 1 || steps[0].id != "t1" {
		t.Fatalf("delete did not remove step: %+v", steps)
	}

	steps = applyCommand(steps, bus.OutgoingCommand{Kind: bus.CommandDelete, MessageID: "missing"})
	if len(steps) != 1 {
		t.Fatalf("delete of unknown step changed steps: %+v", steps)
	}
}

func TestApplyCommandUpdateUnknownAppends(t *testing.T) {
	t.Parallel()

	steps := applyCommand(nil, bus.OutgoingCommand{Kind: bus.CommandUpdateMessage, MessageID: "m9", Content: "late"})
	if len(steps) != 1 || steps[0].id != "m9" || steps[0].content != "late" {
		t.Fatalf("steps = %+v", steps)
	}
}

func TestApplyCommandRoles(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		cmd  bus.OutgoingCommand
		want string
	}{
		{name: "user", cmd: bus.OutgoingCommand{Kind: bus.CommandCreateMessage, StepType: bus.StepUserMessage}, want: roleUser},
		{name: "system", cmd: bus.OutgoingCommand{Kind: bus.CommandCreateMessage, StepType: bus.StepSystemMessage}, want: roleSystem},
		{name: "assistant default", cmd: bus.OutgoingCommand{Kind: bus.CommandCreateMessage}, want: roleAssistant},
		{name: "tool", cmd: bus.OutgoingCommand{Kind: bus.CommandCreateToolStep}, want: roleTool},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := roleFor(tc.cmd); got != tc.want {
				t.Fatalf("roleFor = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestEnterSendsPrompt(t *testing.T) {
	t.Parallel()

	conn := newFakeConn("conv")
	m := newModel(conn, modeInteractive, "", Info{})
	m.booting = false
	m.input.SetValue("  hello  ")

	_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyEnter})
	runBatch(cmd)

	if got := conn.sentMessages(); len(got) != 1 || got[0] != "hello" {
		t.Fatalf("sent = %#v", got)
	}
	if len(m.steps) != 1 || m.steps[0].role != roleUser || m.steps[0].content != "hello" {
		t.Fatalf("steps = %+v", m.steps)
	}
	if !m.isLoading {
		t.Fatal("expected loading after submit")
	}
	if m.input.Value() != "" {
		t.Fatalf("input not cleared: %q", m.input.Value())
	}
}

func TestExitCommandQuits(t *testing.T) {
	t.Parallel()

	conn := newFakeConn("conv")
	m := newModel(conn, modeInteractive, "", Info{})
	m.booting = false
	m.input.SetValue("/exit")

	_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyEnter})
	if cmd == nil {
		t.Fatal("expected quit command")
	}
	if _, ok := cmd().(tea.QuitMsg); !ok {
		t.Fatal("expected tea.QuitMsg")
	}
	if len(conn.sentMessages()) != 0 {
		t.Fatal("exit command must not be sent")
	}
}

func TestOneShotQuitsAfterReplyAndTaskEnd(t *testing.T) {
	t.Parallel()

	conn := newFakeConn("conv")
	m := newModel(conn, modeOneShot, "ping", Info{})
	runBatch(m.submit(m.oneShotInput))

	frames := []websocket.Frame{
		{Type: websocket.FrameHello, SessionID: "sess-1"},
		{Type: websocket.FrameTaskStart},
		{Type: websocket.FrameCommand, Command: &bus.OutgoingCommand{Kind: bus.CommandCreateMessage, MessageID: "m1", Author: "Echo", Content: "ping"}},
	}
	for _, frame := range frames {
		if quit := m.applyFrame(frame); quit {
			t.Fatalf("unexpected quit on %s", frame.Type)
		}
	}

	_, cmd := m.Update(frameMsg{frame: websocket.Frame{Type: websocket.FrameTaskEnd}})
	if _, ok := cmd().(tea.QuitMsg); !ok {
		t.Fatal("expected one-shot to quit at task end")
	}
	if m.sessionID != "sess-1" || m.isLoading {
		t.Fatalf("sessionID = %q, loading = %v", m.sessionID, m.isLoading)
	}
	if len(m.steps) != 2 {
		t.Fatalf("steps = %+v", m.steps)
	}
}

func TestTaskEndWithoutReplyKeepsWaiting(t *testing.T) {
	t.Parallel()

	m := newModel(newFakeConn("conv"), modeOneShot, "ping", Info{})
	m.applyFrame(websocket.Frame{Type: websocket.FrameTaskStart})
	if quit := m.applyFrame(websocket.Frame{Type: websocket.FrameTaskEnd}); quit {
		t.Fatal("quit before any reply arrived")
	}
}

func TestDisconnectRecordsError(t *testing.T) {
	t.Parallel()

	conn := newFakeConn("conv")
	conn.err = errors.New("eof")
	close(conn.frames)

	m := newModel(conn, modeInteractive, "", Info{})
	msg := waitForFrame(conn)()
	if _, ok := msg.(disconnectedMsg); !ok {
		t.Fatalf("msg = %T, want disconnectedMsg", msg)
	}

	m.Update(msg)
	if m.lastErr != "connection closed: eof" {
		t.Fatalf("lastErr = %q", m.lastErr)
	}
	if len(m.steps) != 1 || m.steps[0].role != roleError {
		t.Fatalf("steps = %+v", m.steps)
	}
}

func TestIsExitCommand(t *testing.T) {
	t.Parallel()

	for _, input := range []string{"exit", "/exit", " QUIT ", ":q"} {
		if !isExitCommand(input) {
			t.Fatalf("isExitCommand(%q) = false", input)
		}
	}
	if isExitCommand("exiting") {
		t.Fatal("isExitCommand(exiting) = true")
	}
}
