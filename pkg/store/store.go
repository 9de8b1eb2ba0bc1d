// Package store defines the persisted data layer that receives commands when no live session
// is attached to a conversation.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"threadlane/pkg/bus"
)

// DefaultConversationIDAttempts bounds id allocation retries in NewConversation.
const DefaultConversationIDAttempts = 16

var (
	ErrNotFound      = errors.New("not found")
	ErrIDAllocation  = errors.New("failed to allocate unique conversation id")
	ErrInvalidCursor = errors.New("invalid cursor")
)

// Step is one persisted message or tool step.
type Step struct {
	ID             string            `json:"id"`
	ConversationID string            `json:"conversation_id"`
	Name           string            `json:"name"`
	Type           string            `json:"type"`
	Output         string            `json:"output"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	Attachments    []bus.Attachment  `json:"attachments,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

type Conversation struct {
	ID        string            `json:"id"`
	Name      string            `json:"name"`
	UserID    string            `json:"user_id,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Tags      []string          `json:"tags,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
	Steps     []Step            `json:"steps,omitempty"`
}

type ListOptions struct {
	// Limit caps the page size; zero means the implementation default.
	Limit  int
	Cursor string
	Search string
}

type Page struct {
	Conversations []Conversation `json:"conversations"`
	NextCursor    string         `json:"next_cursor,omitempty"`
}

// Store persists conversations and their steps.
type Store interface {
	// BeginRequest opens a request scope for writes to one conversation. The returned context
	// must be passed to the step operations and release must be called exactly once.
	BeginRequest(ctx context.Context, conversationID string) (scoped context.Context, release func(), err error)
	CreateStep(ctx context.Context, step Step) error
	UpdateStep(ctx context.Context, step Step) error
	DeleteStep(ctx context.Context, stepID string) error

	GetConversation(ctx context.Context, id string) (Conversation, error)
	ListConversations(ctx context.Context, opts ListOptions) (Page, error)
	UpsertConversation(ctx context.Context, conversation Conversation) error
	DeleteConversation(ctx context.Context, id string) error
}

type requestKey struct{}

// WithRequest tags ctx with the conversation a request scope belongs to.
func WithRequest(ctx context.Context, conversationID string) context.Context {
	return context.WithValue(ctx, requestKey{}, conversationID)
}

// RequestConversation returns the conversation recorded by WithRequest.
func RequestConversation(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(requestKey{}).(string)
	return id, ok
}

// StepFromCommand converts an outgoing command into the step it persists as.
func StepFromCommand(cmd bus.OutgoingCommand, now time.Time) Step {
	return Step{
		ID:             cmd.MessageID,
		ConversationID: cmd.ConversationID,
		Name:           cmd.Author,
		Type:           cmd.EffectiveStepType(),
		Output:         cmd.Content,
		Metadata:       bus.CloneMetadata(cmd.Metadata),
		Attachments:    bus.CloneAttachments(cmd.Attachments),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// NewConversation persists conversation under a freshly generated id, retrying when the id is
// already taken. attempts <= 0 uses DefaultConversationIDAttempts.
func NewConversation(ctx context.Context, s Store, conversation Conversation, attempts int) (string, error) {
	return newConversation(ctx, s, conversation, attempts, uuid.NewString)
}

func newConversation(ctx context.Context, s Store, conversation Conversation, attempts int, newID func() string) (string, error) {
	if attempts <= 0 {
		attempts = DefaultConversationIDAttempts
	}

	for range attempts {
		id := newID()
		_, err := s.GetConversation(ctx, id)
		if err == nil {
			continue
		}
		if !errors.Is(err, ErrNotFound) {
			return "", fmt.Errorf("check conversation id: %w", err)
		}

		conversation.ID = id
		if err := s.UpsertConversation(ctx, conversation); err != nil {
			return "", fmt.Errorf("create conversation: %w", err)
		}
		return id, nil
	}

	return "", fmt.Errorf("%w after %d attempts", ErrIDAllocation, attempts)
}

// Messages returns the conversation and its message-type steps in creation order.
func Messages(ctx context.Context, s Store, conversationID string) (Conversation, []Step, error) {
	conversation, err := s.GetConversation(ctx, conversationID)
	if err != nil {
		return Conversation{}, nil, err
	}

	messages := make([]Step, 0, len(conversation.Steps))
	for _, step := range conversation.Steps {
		if bus.IsMessageStep(step.Type) {
			messages = append(messages, step)
		}
	}
	return conversation, messages, nil
}
