package bus

import (
	"fmt"
	"strings"
)

// SetTaskObserver registers a callback invoked whenever a conversation's task state changes.
func (b *Bridge) SetTaskObserver(observer func(conversationID string, running bool)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.taskObserver = observer
}

// StartTask marks the conversation as busy.
func (b *Bridge) StartTask(conversationID string) error {
	return b.setTask(conversationID, true)
}

// EndTask clears the busy mark set by StartTask.
func (b *Bridge) EndTask(conversationID string) error {
	return b.setTask(conversationID, false)
}

// TaskRunning reports whether the conversation is currently marked busy.
func (b *Bridge) TaskRunning(conversationID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.tasks[conversationID]
	return ok
}

func (b *Bridge) setTask(conversationID string, running bool) error {
	if strings.TrimSpace(conversationID) == "" {
		return fmt.Errorf("%w: conversation id is required", ErrInvalidArgument)
	}

	b.mu.Lock()
	_, was := b.tasks[conversationID]
	if running {
		b.tasks[conversationID] = struct{}{}
	} else {
		delete(b.tasks, conversationID)
	}
	observer := b.taskObserver
	b.mu.Unlock()

	if observer != nil && was != running {
		observer(conversationID, running)
	}
	return nil
}
