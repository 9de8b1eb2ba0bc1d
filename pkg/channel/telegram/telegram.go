package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"threadlane/pkg/channel"
	"threadlane/pkg/config"
	"threadlane/pkg/session"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"
)

const channelName = "telegram"
const messagePreviewLimit = 240
const typingRefreshInterval = 4 * time.Second

// botAPI is the slice of *telego.Bot used by chat sessions.
type botAPI interface {
	SendMessage(ctx context.Context, params *telego.SendMessageParams) (*telego.Message, error)
	EditMessageText(ctx context.Context, params *telego.EditMessageTextParams) (*telego.Message, error)
	DeleteMessage(ctx context.Context, params *telego.DeleteMessageParams) error
	SendChatAction(ctx context.Context, params *telego.SendChatActionParams) error
}

// Adapter bridges Telegram chats into conversations. Each chat is one conversation whose
// live session renders outgoing commands as Telegram messages.
type Adapter struct {
	cfg       config.TelegramConfig
	allowFrom map[string]struct{}
	registry  *session.Registry
	log       *slog.Logger
}

// NewAdapter validates Telegram configuration and constructs an adapter instance.
func NewAdapter(cfg config.TelegramConfig, registry *session.Registry, log *slog.Logger) (*Adapter, error) {
	token := strings.TrimSpace(cfg.Token)
	if token == "" {
		return nil, errors.New("channels.telegram.token is required")
	}
	if registry == nil {
		return nil, errors.New("session registry is required")
	}

	if log == nil {
		log = slog.Default()
	}

	return &Adapter{
		cfg:       cfg,
		allowFrom: allowFromSet(cfg.AllowFrom),
		registry:  registry,
		log:       log.With("component", "channel.telegram"),
	}, nil
}

// Name returns the channel identifier used in event metadata and logs.
func (a *Adapter) Name() string {
	return channelName
}

// Run starts Telegram long polling and delivers text messages until ctx ends.
func (a *Adapter) Run(ctx context.Context, deliverer channel.Deliverer) error {
	if deliverer == nil {
		return errors.New("deliverer is required")
	}

	bot, err := telego.NewBot(strings.TrimSpace(a.cfg.Token))
	if err != nil {
		return fmt.Errorf("initialize telegram bot: %w", err)
	}

	updates, err := bot.UpdatesViaLongPolling(ctx, nil)
	if err != nil {
		return fmt.Errorf("start long polling: %w", err)
	}

	a.log.Info("Telegram channel started")

	chats := make(map[int64]*chatSession)
	defer func() {
		for _, chat := range chats {
			chat.stopTyping()
			a.registry.Unregister(chat.conversationID)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				if err := ctx.Err(); err != nil {
					return nil
				}
				return errors.New("telegram updates channel closed")
			}

			event, chatID, ok := a.eventFromUpdate(update)
			if !ok {
				continue
			}

			if _, known := chats[chatID]; !known {
				chat := newChatSession(ctx, bot, chatID, a.log)
				chats[chatID] = chat
				a.registry.Register(chat.conversationID, chat.conversationID, chat)
			}

			a.log.Info("Received message", "conversation_id", event.ConversationID, "sender_id", event.Metadata["sender_id"], "content", previewText(event.Content))

			if err := deliverer.Deliver(ctx, event); err != nil {
				a.log.Error("Failed to deliver inbound message", "conversation_id", event.ConversationID, "error", err)
				if _, sendErr := bot.SendMessage(ctx, tu.Message(tu.ID(chatID), "⚠️ "+err.Error())); sendErr != nil {
					a.log.Error("Failed to send telegram message", "error", sendErr)
				}
			}
		}
	}
}

// eventFromUpdate converts a text update from an allowed sender into a channel event.
func (a *Adapter) eventFromUpdate(update telego.Update) (channel.Event, int64, bool) {
	message := update.Message
	if message == nil {
		return channel.Event{}, 0, false
	}

	content := strings.TrimSpace(message.Text)
	if content == "" {
		return channel.Event{}, 0, false
	}
	if message.From == nil {
		a.log.Debug("Ignoring message without sender")
		return channel.Event{}, 0, false
	}

	senderID := strconv.FormatInt(message.From.ID, 10)
	if !a.senderAllowed(senderID) {
		a.log.Debug("Ignoring message from unauthorized sender", "sender_id", senderID)
		return channel.Event{}, 0, false
	}

	chatID := strconv.FormatInt(message.Chat.ID, 10)
	conversationID := sessionKey(chatID)
	return channel.Event{
		ConversationID: conversationID,
		SessionID:      conversationID,
		MessageID:      "tg-" + strconv.Itoa(message.MessageID),
		Author:         authorName(message.From),
		Content:        content,
		CreatedAt:      time.Unix(message.Date, 0).UTC(),
		Metadata: map[string]string{
			"channel":   channelName,
			"update_id": strconv.Itoa(update.UpdateID),
			"sender_id": senderID,
			"chat_id":   chatID,
		},
	}, message.Chat.ID, true
}

// senderAllowed checks whether a sender is permitted by allow_from config.
//
// When no allow list is configured, all senders are accepted.
func (a *Adapter) senderAllowed(senderID string) bool {
	if len(a.allowFrom) == 0 {
		return true
	}

	_, ok := a.allowFrom[strings.TrimSpace(senderID)]
	return ok
}

// sessionKey maps one Telegram chat to one conversation id.
func sessionKey(chatID string) string {
	return "telegram:" + strings.TrimSpace(chatID)
}

func authorName(user *telego.User) string {
	if name := strings.TrimSpace(user.Username); name != "" {
		return name
	}
	if name := strings.TrimSpace(user.FirstName + " " + user.LastName); name != "" {
		return name
	}
	return strconv.FormatInt(user.ID, 10)
}

// allowFromSet normalizes allow_from values into a lookup set.
func allowFromSet(allowFrom []string) map[string]struct{} {
	if len(allowFrom) == 0 {
		return nil
	}

	allowed := make(map[string]struct{}, len(allowFrom))
	for _, value := range allowFrom {
		trimmed := strings.TrimSpace(value)
		if trimmed == "" {
			continue
		}
		allowed[trimmed] = struct{}{}
	}

	if len(allowed) == 0 {
		return nil
	}

	return allowed
}

// previewText returns a bounded log-safe preview of message text.
func previewText(text string) string {
	trimmed := strings.TrimSpace(text)
	if len(trimmed) <= messagePreviewLimit {
		return trimmed
	}

	return trimmed[:messagePreviewLimit] + "..."
}
