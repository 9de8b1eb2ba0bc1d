// Package responder provides the conversation handlers the gateway can host out of the box.
package responder

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"threadlane/pkg/bus"
	"threadlane/pkg/config"
	"threadlane/pkg/dispatch"
	"threadlane/pkg/responder/openai"
)

const (
	KindEcho   = "echo"
	KindOpenAI = "openai"
	KindNone   = "none"
)

// Echo replies to every message with its own content.
func Echo(_ context.Context, b *bus.Bridge, env bus.IncomingEnvelope) error {
	content := strings.TrimSpace(env.Content)
	if content == "" {
		content = "(empty message)"
	}
	_, err := b.AddMessage(env.ConversationID, content, "Echo")
	return err
}

// Install sets the handler selected by cfg.Kind on opts. KindNone leaves opts without a
// message handler so inbound envelopes queue for Bridge.Receive.
func Install(cfg config.ResponderConfig, opts *dispatch.Options, log *slog.Logger) error {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "responder")

	switch kind := strings.ToLower(strings.TrimSpace(cfg.Kind)); kind {
	case "", KindEcho:
		opts.Handler = Echo
	case KindOpenAI:
		client, err := openai.New(cfg, log)
		if err != nil {
			return fmt.Errorf("build openai responder: %w", err)
		}
		opts.AsyncHandler = client.Handle
		opts.AsyncTasks = append(opts.AsyncTasks, client.Watch)
	case KindNone:
	default:
		return fmt.Errorf("unsupported responder kind %q", cfg.Kind)
	}

	log.Info("Responder installed", "kind", cfg.Kind, "model", cfg.Model)
	return nil
}
