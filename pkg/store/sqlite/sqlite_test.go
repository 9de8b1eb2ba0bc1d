package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"threadlane/pkg/bus"
	"threadlane/pkg/store"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "data", "threadlane.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestOpenIsIdempotentAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "threadlane.db")

	first, err := Open(path, nil)
	require.NoError(t, err)
	require.NoError(t, first.Close())

	second, err := Open(path, nil)
	require.NoError(t, err)
	require.NoError(t, second.Close())
}

func TestStepLifecycleWithinRequestScope(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	reqCtx, release, err := s.BeginRequest(ctx, "conv-1")
	require.NoError(t, err)

	id, ok := store.RequestConversation(reqCtx)
	require.True(t, ok)
	require.Equal(t, "conv-1", id)

	require.NoError(t, s.CreateStep(reqCtx, store.Step{
		ID: "m1", ConversationID: "conv-1", Name: "Assistant", Type: bus.StepAssistantMessage, Output: "hello",
		Attachments: []bus.Attachment{{Name: "note.txt", Mime: "text/plain", Content: []byte("hi")}},
	}))
	require.NoError(t, s.CreateStep(reqCtx, store.Step{
		ID: "t1", ConversationID: "conv-1", Name: bus.ThoughtName, Type: bus.StepTool, Output: "thinking",
	}))
	require.NoError(t, s.UpdateStep(reqCtx, store.Step{
		ID: "m1", ConversationID: "conv-1", Name: "Assistant", Type: bus.StepAssistantMessage, Output: "hello, edited",
	}))
	require.NoError(t, s.DeleteStep(reqCtx, "t1"))
	release()

	conversation, err := s.GetConversation(ctx, "conv-1")
	require.NoError(t, err)
	require.Len(t, conversation.Steps, 1)
	require.Equal(t, "hello, edited", conversation.Steps[0].Output)
	require.False(t, conversation.Steps[0].UpdatedAt.Before(conversation.Steps[0].CreatedAt))
}

func TestUpdateStepCreatesMissingStep(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpdateStep(ctx, store.Step{
		ID: "late", ConversationID: "conv-2", Name: "Assistant", Type: bus.StepAssistantMessage, Output: "x",
	}))

	conversation, err := s.GetConversation(ctx, "conv-2")
	require.NoError(t, err)
	require.Len(t, conversation.Steps, 1)
}

func TestStepsKeepCreationOrderAndAttachments(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"c", "a", "b"} {
		require.NoError(t, s.CreateStep(ctx, store.Step{ID: id, ConversationID: "conv", Type: bus.StepUserMessage, Output: id}))
	}
	require.NoError(t, s.CreateStep(ctx, store.Step{
		ID: "d", ConversationID: "conv", Type: bus.StepAssistantMessage,
		Attachments: []bus.Attachment{{Name: "img.png", Mime: "image/png"}},
	}))

	_, messages, err := store.Messages(ctx, s, "conv")
	require.NoError(t, err)

	var ids []string
	for _, m := range messages {
		ids = append(ids, m.ID)
	}
	require.Equal(t, []string{"c", "a", "b", "d"}, ids)
	require.Len(t, messages[3].Attachments, 1)
	require.Equal(t, "img.png", messages[3].Attachments[0].Name)
}

func TestConversationCRUDAndPaging(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for _, name := range []string{"alpha", "beta", "gamma"} {
		_, err := store.NewConversation(ctx, s, store.Conversation{Name: name, Tags: []string{"demo"}}, 0)
		require.NoError(t, err)
	}

	page, err := s.ListConversations(ctx, store.ListOptions{Limit: 2})
	require.NoError(t, err)
	require.Len(t, page.Conversations, 2)
	require.NotEmpty(t, page.NextCursor)

	rest, err := s.ListConversations(ctx, store.ListOptions{Limit: 2, Cursor: page.NextCursor})
	require.NoError(t, err)
	require.Len(t, rest.Conversations, 1)
	require.Empty(t, rest.NextCursor)

	found, err := s.ListConversations(ctx, store.ListOptions{Search: "amm"})
	require.NoError(t, err)
	require.Len(t, found.Conversations, 1)
	require.Equal(t, "gamma", found.Conversations[0].Name)
	require.Equal(t, []string{"demo"}, found.Conversations[0].Tags)

	target := found.Conversations[0].ID
	require.NoError(t, s.CreateStep(ctx, store.Step{ID: "s1", ConversationID: target, Type: bus.StepUserMessage}))
	require.NoError(t, s.DeleteConversation(ctx, target))

	_, err = s.GetConversation(ctx, target)
	require.True(t, errors.Is(err, store.ErrNotFound))
	require.ErrorIs(t, s.DeleteConversation(ctx, target), store.ErrNotFound)
}

func TestListConversationsRejectsMalformedCursor(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for _, cursor := range []string{"abc", "-1"} {
		_, err := s.ListConversations(ctx, store.ListOptions{Cursor: cursor})
		require.ErrorIs(t, err, store.ErrInvalidCursor, "cursor %q", cursor)
	}
}
