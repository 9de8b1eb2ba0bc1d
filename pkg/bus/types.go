package bus

import (
	"fmt"
	"maps"
	"slices"
	"time"
)

// Step types understood by live sessions and the store.
const (
	StepUserMessage      = "user_message"
	StepAssistantMessage = "assistant_message"
	StepSystemMessage    = "system_message"
	StepTool             = "tool"
)

// ThoughtName is the tool name used for reasoning steps.
const ThoughtName = "Reasoning"

// CommandKind tags the variant carried by an OutgoingCommand.
type CommandKind int

const (
	CommandCreateMessage CommandKind = iota + 1
	CommandCreateToolStep
	CommandUpdateMessage
	CommandUpdateToolStep
	CommandDelete
	CommandClose
)

var commandKindNames = map[CommandKind]string{
	CommandCreateMessage:  "create_message",
	CommandCreateToolStep: "create_tool_step",
	CommandUpdateMessage:  "update_message",
	CommandUpdateToolStep: "update_tool_step",
	CommandDelete:         "delete",
	CommandClose:          "close",
}

func (k CommandKind) String() string {
	if name, ok := commandKindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("command_kind(%d)", int(k))
}

// Valid reports whether k is one of the declared kinds.
func (k CommandKind) Valid() bool {
	_, ok := commandKindNames[k]
	return ok
}

func (k CommandKind) MarshalText() ([]byte, error) {
	if !k.Valid() {
		return nil, fmt.Errorf("%w: unknown command kind %d", ErrInvalidCommand, int(k))
	}
	return []byte(k.String()), nil
}

func (k *CommandKind) UnmarshalText(text []byte) error {
	for kind, name := range commandKindNames {
		if name == string(text) {
			*k = kind
			return nil
		}
	}
	return fmt.Errorf("%w: unknown command kind %q", ErrInvalidCommand, string(text))
}

// Attachment is a file or inline element carried by a message.
type Attachment struct {
	ID        string `json:"id,omitempty"`
	Name      string `json:"name,omitempty"`
	Type      string `json:"type,omitempty"`
	Mime      string `json:"mime,omitempty"`
	URL       string `json:"url,omitempty"`
	ObjectKey string `json:"object_key,omitempty"`
	Display   string `json:"display,omitempty"`
	Content   []byte `json:"content,omitempty"`
}

// IncomingEnvelope is one inbound user event, consumed by exactly one handler invocation.
type IncomingEnvelope struct {
	ConversationID string            `json:"conversation_id"`
	SessionID      string            `json:"session_id"`
	MessageID      string            `json:"message_id"`
	Content        string            `json:"content"`
	Author         string            `json:"author"`
	CreatedAt      time.Time         `json:"created_at"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	Attachments    []Attachment      `json:"attachments,omitempty"`
}

// OutgoingCommand is a presentation-layer instruction produced by handler code.
type OutgoingCommand struct {
	Kind           CommandKind       `json:"kind"`
	ConversationID string            `json:"conversation_id,omitempty"`
	MessageID      string            `json:"message_id,omitempty"`
	Content        string            `json:"content,omitempty"`
	Author         string            `json:"author,omitempty"`
	StepType       string            `json:"step_type,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	Attachments    []Attachment      `json:"attachments,omitempty"`
}

// EffectiveStepType returns StepType, or the default for the command kind when unset.
func (c OutgoingCommand) EffectiveStepType() string {
	if c.StepType != "" {
		return c.StepType
	}
	switch c.Kind {
	case CommandCreateToolStep, CommandUpdateToolStep:
		return StepTool
	default:
		return StepAssistantMessage
	}
}

// Validate checks the fields every deliverable command must carry.
func (c OutgoingCommand) Validate() error {
	if !c.Kind.Valid() {
		return fmt.Errorf("%w: unknown kind %d", ErrInvalidCommand, int(c.Kind))
	}
	if c.Kind == CommandClose {
		return nil
	}
	if c.ConversationID == "" {
		return fmt.Errorf("%w: %s without conversation id", ErrInvalidCommand, c.Kind)
	}
	if c.MessageID == "" {
		return fmt.Errorf("%w: %s without message id", ErrInvalidCommand, c.Kind)
	}
	return nil
}

// CloneMetadata returns an independent copy of metadata, or nil when empty.
func CloneMetadata(metadata map[string]string) map[string]string {
	if len(metadata) == 0 {
		return nil
	}
	return maps.Clone(metadata)
}

// CloneAttachments returns a deep copy of attachments, or nil when empty.
func CloneAttachments(attachments []Attachment) []Attachment {
	if len(attachments) == 0 {
		return nil
	}
	out := make([]Attachment, len(attachments))
	for i, a := range attachments {
		a.Content = slices.Clone(a.Content)
		out[i] = a
	}
	return out
}

// IsMessageStep reports whether a step type belongs to the visible message history.
func IsMessageStep(stepType string) bool {
	switch stepType {
	case StepUserMessage, StepAssistantMessage, StepSystemMessage, StepTool:
		return true
	default:
		return false
	}
}
