package chat

import (
	"fmt"
	"testing"

	tea "github.com/charmbracelet/bubbletea"
)

// scrolledConversation returns a console holding enough step cards to overflow a short
// viewport, pinned to the newest card.
func scrolledConversation(t *testing.T) *model {
	t.Helper()

	m := newModel(newFakeConn("conv"), modeInteractive, "", Info{})
	m.viewport.Width = 50
	m.viewport.Height = 6
	for i := range 12 {
		role := roleAssistant
		if i%2 == 0 {
			role = roleUser
		}
		m.steps = append(m.steps, step{id: fmt.Sprintf("s-%d", i), role: role, author: role, content: fmt.Sprintf("turn %d", i)})
	}
	m.refreshViewport(true)
	if !m.followLog || !m.viewport.AtBottom() {
		t.Fatalf("expected console to follow newest step, followLog=%v YOffset=%d", m.followLog, m.viewport.YOffset)
	}
	return m
}

func TestWheelUpStopsFollowingNewSteps(t *testing.T) {
	t.Parallel()

	m := scrolledConversation(t)
	previousOffset := m.viewport.YOffset

	if !m.handleViewportMouse(tea.MouseMsg{Action: tea.MouseActionPress, Button: tea.MouseButtonWheelUp}) {
		t.Fatal("expected wheel-up to be handled")
	}
	if m.followLog {
		t.Fatal("expected wheel-up to stop following the log")
	}
	if m.viewport.YOffset >= previousOffset {
		t.Fatalf("YOffset = %d, want < %d", m.viewport.YOffset, previousOffset)
	}

	// A new step arriving while scrolled back must not yank the view to the bottom.
	scrolledOffset := m.viewport.YOffset
	m.steps = append(m.steps, step{id: "late", role: roleAssistant, author: "Assistant", content: "late reply"})
	m.refreshViewport(false)
	if m.viewport.YOffset != scrolledOffset {
		t.Fatalf("YOffset moved to %d after new step, want %d", m.viewport.YOffset, scrolledOffset)
	}
}

func TestWheelDownToBottomResumesFollowing(t *testing.T) {
	t.Parallel()

	m := scrolledConversation(t)
	maxOffset := m.viewport.TotalLineCount() - m.viewport.Height
	m.viewport.SetYOffset(max(0, maxOffset-1))
	m.followLog = false

	if !m.handleViewportMouse(tea.MouseMsg{Action: tea.MouseActionPress, Button: tea.MouseButtonWheelDown}) {
		t.Fatal("expected wheel-down to be handled")
	}
	if !m.viewport.AtBottom() {
		t.Fatalf("expected viewport at bottom, YOffset=%d", m.viewport.YOffset)
	}
	if !m.followLog {
		t.Fatal("expected following to resume at the bottom")
	}
}

func TestClicksDoNotScrollConversation(t *testing.T) {
	t.Parallel()

	m := scrolledConversation(t)
	if m.handleViewportMouse(tea.MouseMsg{Action: tea.MouseActionPress, Button: tea.MouseButtonLeft}) {
		t.Fatal("expected left click to be ignored")
	}
	if !m.followLog {
		t.Fatal("left click must not stop following the log")
	}
}
