package telegram

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"threadlane/pkg/bus"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"
)

// chatSession is the live session of one Telegram chat. It remembers which Telegram
// message renders each step so updates and deletes land on the right message.
type chatSession struct {
	bot            botAPI
	chatID         int64
	conversationID string
	runCtx         context.Context
	log            *slog.Logger

	mu       sync.Mutex
	messages map[string]int
	typing   context.CancelFunc
}

func newChatSession(runCtx context.Context, bot botAPI, chatID int64, log *slog.Logger) *chatSession {
	return &chatSession{
		bot:            bot,
		chatID:         chatID,
		conversationID: sessionKey(strconv.FormatInt(chatID, 10)),
		runCtx:         runCtx,
		log:            log,
		messages:       make(map[string]int),
	}
}

func (s *chatSession) Push(ctx context.Context, cmd bus.OutgoingCommand) error {
	switch cmd.Kind {
	case bus.CommandCreateMessage, bus.CommandCreateToolStep:
		return s.send(ctx, cmd)
	case bus.CommandUpdateMessage, bus.CommandUpdateToolStep:
		s.mu.Lock()
		telegramID, ok := s.messages[cmd.MessageID]
		s.mu.Unlock()
		if !ok {
			return s.send(ctx, cmd)
		}
		text := renderCommand(cmd)
		if text == "" {
			return nil
		}
		_, err := s.bot.EditMessageText(ctx, &telego.EditMessageTextParams{
			ChatID:    tu.ID(s.chatID),
			MessageID: telegramID,
			Text:      text,
		})
		return err
	case bus.CommandDelete:
		s.mu.Lock()
		telegramID, ok := s.messages[cmd.MessageID]
		delete(s.messages, cmd.MessageID)
		s.mu.Unlock()
		if !ok {
			return nil
		}
		return s.bot.DeleteMessage(ctx, tu.Delete(tu.ID(s.chatID), telegramID))
	default:
		return nil
	}
}

func (s *chatSession) send(ctx context.Context, cmd bus.OutgoingCommand) error {
	text := renderCommand(cmd)
	if text == "" {
		return nil
	}
	s.log.Info("Sending message", "conversation_id", s.conversationID, "content", previewText(text))

	sent, err := s.bot.SendMessage(ctx, tu.Message(tu.ID(s.chatID), text))
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.messages[cmd.MessageID] = sent.MessageID
	s.mu.Unlock()
	return nil
}

// SetTaskRunning shows the typing indicator while a handler runs for this chat.
func (s *chatSession) SetTaskRunning(_ context.Context, running bool) error {
	if !running {
		s.stopTyping()
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.typing != nil {
		return nil
	}
	s.typing = s.startTypingIndicator(s.runCtx)
	return nil
}

func (s *chatSession) stopTyping() {
	s.mu.Lock()
	cancel := s.typing
	s.typing = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// startTypingIndicator sends an initial typing action and refreshes it periodically
// until the returned cancel function is called.
func (s *chatSession) startTypingIndicator(ctx context.Context) context.CancelFunc {
	typingCtx, cancel := context.WithCancel(ctx)

	sendTyping := func() {
		if err := s.bot.SendChatAction(typingCtx, tu.ChatAction(tu.ID(s.chatID), telego.ChatActionTyping)); err != nil && typingCtx.Err() == nil {
			s.log.Debug("Failed to send typing indicator", "chat_id", s.chatID, "error", err)
		}
	}

	go func() {
		sendTyping()

		ticker := time.NewTicker(typingRefreshInterval)
		defer ticker.Stop()

		for {
			select {
			case <-typingCtx.Done():
				return
			case <-ticker.C:
				sendTyping()
			}
		}
	}()

	return cancel
}

// renderCommand formats a step as Telegram message text. User steps echo back with the
// author's name; tool steps carry their name as a header.
func renderCommand(cmd bus.OutgoingCommand) string {
	content := strings.TrimSpace(cmd.Content)
	switch cmd.EffectiveStepType() {
	case bus.StepTool:
		if content == "" {
			return ""
		}
		icon := "🔧"
		if cmd.Author == bus.ThoughtName {
			icon = "💭"
		}
		return icon + " " + cmd.Author + "\n" + content
	case bus.StepUserMessage:
		if content == "" {
			return ""
		}
		return cmd.Author + ": " + content
	default:
		return content
	}
}
