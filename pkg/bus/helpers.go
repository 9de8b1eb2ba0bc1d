package bus

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	DefaultAssistantAuthor = "Assistant"
	DefaultExternalSession = "external"
	DefaultExternalAuthor  = "User"
)

// AddMessage sends an assistant message and returns its generated id.
func (b *Bridge) AddMessage(conversationID, content, author string, attachments ...Attachment) (string, error) {
	if author == "" {
		author = DefaultAssistantAuthor
	}
	id := uuid.NewString()
	err := b.Send(OutgoingCommand{
		Kind:           CommandCreateMessage,
		ConversationID: conversationID,
		MessageID:      id,
		Content:        content,
		Author:         author,
		StepType:       StepAssistantMessage,
		Attachments:    attachments,
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// AddTool sends a tool step named name and returns its generated id.
func (b *Bridge) AddTool(conversationID, name, content string) (string, error) {
	id := uuid.NewString()
	err := b.Send(OutgoingCommand{
		Kind:           CommandCreateToolStep,
		ConversationID: conversationID,
		MessageID:      id,
		Content:        content,
		Author:         name,
		StepType:       StepTool,
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// AddThought sends a reasoning step.
func (b *Bridge) AddThought(conversationID, content string) (string, error) {
	return b.AddTool(conversationID, ThoughtName, content)
}

func (b *Bridge) UpdateMessage(conversationID, messageID, content string) error {
	return b.Send(OutgoingCommand{
		Kind:           CommandUpdateMessage,
		ConversationID: conversationID,
		MessageID:      messageID,
		Content:        content,
		Author:         DefaultAssistantAuthor,
		StepType:       StepAssistantMessage,
	})
}

func (b *Bridge) UpdateTool(conversationID, messageID, name, content string) error {
	return b.Send(OutgoingCommand{
		Kind:           CommandUpdateToolStep,
		ConversationID: conversationID,
		MessageID:      messageID,
		Content:        content,
		Author:         name,
		StepType:       StepTool,
	})
}

func (b *Bridge) UpdateThought(conversationID, messageID, content string) error {
	return b.UpdateTool(conversationID, messageID, ThoughtName, content)
}

// DeleteMessage removes a previously sent message or step.
func (b *Bridge) DeleteMessage(conversationID, messageID string) error {
	return b.Send(OutgoingCommand{
		Kind:           CommandDelete,
		ConversationID: conversationID,
		MessageID:      messageID,
	})
}

// EnqueueRequest describes a message injected on behalf of a user.
// Empty optional fields take defaults; whitespace-only fields are rejected.
type EnqueueRequest struct {
	ConversationID string
	Content        string
	SessionID      string
	Author         string
	MessageID      string
	CreatedAt      time.Time
	Metadata       map[string]string
	Attachments    []Attachment
}

// Enqueue records the message as a user step and dispatches it to the handler as if the
// user had sent it. It returns the message id.
//
// The step is queued before dispatch so it precedes any reply on the conversation's outgoing
// lane. When dispatch fails the step is retracted with a delete command.
func (b *Bridge) Enqueue(req EnqueueRequest) (string, error) {
	if strings.TrimSpace(req.ConversationID) == "" {
		return "", fmt.Errorf("%w: conversation id must be non-empty", ErrInvalidArgument)
	}
	for field, value := range map[string]string{
		"session id": req.SessionID,
		"author":     req.Author,
		"message id": req.MessageID,
	} {
		if value != "" && strings.TrimSpace(value) == "" {
			return "", fmt.Errorf("%w: %s must be non-empty", ErrInvalidArgument, field)
		}
	}

	if req.SessionID == "" {
		req.SessionID = DefaultExternalSession
	}
	if req.Author == "" {
		req.Author = DefaultExternalAuthor
	}
	if req.MessageID == "" {
		req.MessageID = uuid.NewString()
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = time.Now().UTC()
	}

	err := b.Send(OutgoingCommand{
		Kind:           CommandCreateMessage,
		ConversationID: req.ConversationID,
		MessageID:      req.MessageID,
		Content:        req.Content,
		Author:         req.Author,
		StepType:       StepUserMessage,
		Metadata:       req.Metadata,
		Attachments:    req.Attachments,
	})
	if err != nil {
		return "", err
	}

	env := IncomingEnvelope{
		ConversationID: req.ConversationID,
		SessionID:      req.SessionID,
		MessageID:      req.MessageID,
		Content:        req.Content,
		Author:         req.Author,
		CreatedAt:      req.CreatedAt,
		Metadata:       CloneMetadata(req.Metadata),
		Attachments:    CloneAttachments(req.Attachments),
	}

	b.mu.Lock()
	sink := b.inboundSink
	b.mu.Unlock()
	if sink == nil {
		sink = b.Deliver
	}
	if err := sink(env); err != nil {
		if delErr := b.DeleteMessage(req.ConversationID, req.MessageID); delErr != nil {
			return "", errors.Join(err, fmt.Errorf("retract user step: %w", delErr))
		}
		return "", err
	}
	return req.MessageID, nil
}
