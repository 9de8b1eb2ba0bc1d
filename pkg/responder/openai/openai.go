// Package openai answers conversations with the OpenAI Responses API. Every threadlane
// conversation is mapped onto one provider-side conversation so context carries over.
package openai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"threadlane/pkg/bus"
	"threadlane/pkg/config"
	"threadlane/pkg/dispatch"

	osdk "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/conversations"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/responses"
)

const (
	defaultAPIKeyEnv = "OPENAI_API_KEY"
	assistantAuthor  = "Assistant"
	systemAuthor     = "System"
)

type Client struct {
	client         osdk.Client
	model          string
	instructions   string
	requestTimeout time.Duration
	log            *slog.Logger

	mu        sync.Mutex
	providers map[string]string
}

func New(cfg config.ResponderConfig, log *slog.Logger, extra ...option.RequestOption) (*Client, error) {
	providerCfg := cfg.OpenAI
	apiKey := resolveAPIKey(providerCfg)
	if apiKey == "" {
		return nil, errors.New("responder.openai.api_key_env is required or OPENAI_API_KEY must be set")
	}

	model, err := normalizeModel(cfg.Model)
	if err != nil {
		return nil, err
	}

	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL := strings.TrimSpace(providerCfg.BaseURL); baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	if organization := strings.TrimSpace(providerCfg.Organization); organization != "" {
		opts = append(opts, option.WithOrganization(organization))
	}
	if project := strings.TrimSpace(providerCfg.Project); project != "" {
		opts = append(opts, option.WithProject(project))
	}

	requestTimeout := time.Duration(providerCfg.RequestTimeoutSeconds) * time.Second
	if requestTimeout > 0 {
		opts = append(opts, option.WithRequestTimeout(requestTimeout))
	}
	opts = append(opts, extra...)

	if log == nil {
		log = slog.Default()
	}

	return &Client{
		client:         osdk.NewClient(opts...),
		model:          model,
		instructions:   strings.TrimSpace(cfg.Instructions),
		requestTimeout: requestTimeout,
		log:            log.With("component", "responder.openai"),
		providers:      make(map[string]string),
	}, nil
}

// Handle is a dispatch.AsyncHandler. Provider failures are reported into the conversation
// as a system message instead of failing the handler.
func (c *Client) Handle(_ context.Context, b *bus.Bridge, env bus.IncomingEnvelope) dispatch.Awaitable {
	return func(ctx context.Context) error {
		conversationID := env.ConversationID

		thoughtID, err := b.AddThought(conversationID, "Asking "+c.model)
		if err != nil {
			return err
		}

		startedAt := time.Now()
		text, err := c.reply(ctx, conversationID, env.Content)
		if err != nil {
			c.log.Warn("provider request failed", "conversation_id", conversationID, "error", err)
			if err := b.UpdateThought(conversationID, thoughtID, "Failed: "+err.Error()); err != nil {
				return err
			}
			_, err = b.AddMessage(conversationID, "The model could not answer: "+err.Error(), systemAuthor)
			return err
		}

		elapsed := time.Since(startedAt).Round(time.Millisecond)
		if err := b.UpdateThought(conversationID, thoughtID, fmt.Sprintf("Answered by %s in %s", c.model, elapsed)); err != nil {
			return err
		}
		_, err = b.AddMessage(conversationID, text, assistantAuthor)
		return err
	}
}

// reply sends prompt within the provider conversation mapped to conversationID.
func (c *Client) reply(ctx context.Context, conversationID, prompt string) (string, error) {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return "", errors.New("prompt is required")
	}

	providerID, err := c.providerConversation(ctx, conversationID)
	if err != nil {
		return "", err
	}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	log := c.log.With("operation", "prompt", "conversation_id", conversationID)
	startedAt := time.Now()
	log.Debug("provider request started", "model", c.model, "prompt_length", len(prompt))

	params := responses.ResponseNewParams{
		Model: c.model,
		Input: responses.ResponseNewParamsInputUnion{OfString: osdk.String(prompt)},
		Conversation: responses.ResponseNewParamsConversationUnion{
			OfConversationObject: &responses.ResponseConversationParam{ID: providerID},
		},
	}
	if c.instructions != "" {
		params.Instructions = osdk.String(c.instructions)
	}

	response, err := c.client.Responses.New(ctx, params)
	if err != nil {
		log.Debug("provider request failed", "duration_ms", time.Since(startedAt).Milliseconds(), "error", err)
		return "", fmt.Errorf("prompt failed: %w", err)
	}

	text := strings.TrimSpace(response.OutputText())
	if text == "" {
		return "", errors.New("prompt succeeded but returned no text")
	}
	log.Debug("provider request completed", "duration_ms", time.Since(startedAt).Milliseconds(), "response_length", len(text))

	return text, nil
}

// providerConversation returns the provider conversation id for conversationID, creating
// one on first use. Messages of one conversation never run concurrently, so the map only
// guards against different conversations racing.
func (c *Client) providerConversation(ctx context.Context, conversationID string) (string, error) {
	c.mu.Lock()
	id, ok := c.providers[conversationID]
	c.mu.Unlock()
	if ok {
		return id, nil
	}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	conversation, err := c.client.Conversations.New(ctx, conversations.ConversationNewParams{})
	if err != nil {
		return "", fmt.Errorf("create provider conversation: %w", err)
	}
	if conversation == nil || strings.TrimSpace(conversation.ID) == "" {
		return "", errors.New("create provider conversation returned empty id")
	}
	id = strings.TrimSpace(conversation.ID)

	c.mu.Lock()
	c.providers[conversationID] = id
	c.mu.Unlock()
	c.log.Debug("provider conversation created", "conversation_id", conversationID, "provider_id", id)
	return id, nil
}

// Forget drops the provider conversation mapped to conversationID.
func (c *Client) Forget(conversationID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.providers, conversationID)
}

// Watch is a background task that forgets provider conversations once their threadlane
// conversation is deleted. It returns when ctx ends or the bridge closes.
func (c *Client) Watch(ctx context.Context, b *bus.Bridge) dispatch.Awaitable {
	events, unsubscribe := b.SubscribeEvents(ctx, 0)
	return func(ctx context.Context) error {
		defer unsubscribe()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-b.Done():
				return nil
			case event, ok := <-events:
				if !ok {
					return nil
				}
				if event.Type == bus.EventConversationDeleted {
					c.Forget(event.ConversationID)
					c.log.Debug("provider conversation forgotten", "conversation_id", event.ConversationID)
				}
			}
		}
	}
}

func (c *Client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.requestTimeout <= 0 {
		return ctx, func() {}
	}

	return context.WithTimeout(ctx, c.requestTimeout)
}

func resolveAPIKey(cfg config.OpenAIConfig) string {
	if apiKeyEnv := strings.TrimSpace(cfg.APIKeyEnv); apiKeyEnv != "" {
		if apiKey := strings.TrimSpace(os.Getenv(apiKeyEnv)); apiKey != "" {
			return apiKey
		}
	}

	return strings.TrimSpace(os.Getenv(defaultAPIKeyEnv))
}

func normalizeModel(model string) (string, error) {
	model = strings.TrimSpace(model)
	if model == "" {
		return "", errors.New("model is required")
	}

	providerID, modelID, ok := strings.Cut(model, "/")
	if !ok {
		return model, nil
	}

	providerID = strings.TrimSpace(providerID)
	modelID = strings.TrimSpace(modelID)
	if providerID == "" || modelID == "" {
		return "", errors.New("model is invalid")
	}
	if providerID != "openai" {
		return "", fmt.Errorf("model provider %q is not supported by the openai responder", providerID)
	}

	return modelID, nil
}
