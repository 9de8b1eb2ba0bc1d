package cmd

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"threadlane/pkg/bus"
	"threadlane/pkg/channel/websocket"
	"threadlane/pkg/config"
	"threadlane/pkg/ui/chat"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var (
	promptText     string
	gatewayURL     string
	conversationID string
	chatAuthor     string
	plainOutput    bool
)

var chatCmd = &cobra.Command{
	Use:   "chat [prompt]",
	Short: "Send a prompt or start an interactive chat against a running gateway",
	Long:  "Connects to the gateway WebSocket endpoint, joins a conversation, and sends one prompt or starts an interactive console.",
	RunE: func(cmd *cobra.Command, args []string) error {
		prompt := resolvePrompt(args)

		cfg, err := config.LoadConfig()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		url := resolveGatewayURL(gatewayURL, cfg)
		conv := resolveConversationID(conversationID)
		client, err := chat.Dial(ctx, url, conv, chatAuthor)
		if err != nil {
			return err
		}
		defer client.Close()

		info := chat.Info{Gateway: url}
		switch {
		case plainOutput && prompt != "":
			return runSinglePrompt(cmd.OutOrStdout(), client, prompt)
		case plainOutput:
			return runPlainInteractive(cmd.InOrStdin(), cmd.OutOrStdout(), client)
		case prompt != "":
			return chat.RunOneShot(ctx, client, prompt, info)
		default:
			return chat.RunInteractive(ctx, client, info)
		}
	},
}

func init() {
	rootCmd.AddCommand(chatCmd)
	chatCmd.Flags().StringVarP(&promptText, "prompt", "p", "", "prompt text to send")
	chatCmd.Flags().StringVar(&gatewayURL, "url", "", "gateway WebSocket URL (defaults to the configured gateway address)")
	chatCmd.Flags().StringVarP(&conversationID, "conversation", "c", "", "conversation id to join (a new one is generated when empty)")
	chatCmd.Flags().StringVar(&chatAuthor, "author", "", "display name for your messages")
	chatCmd.Flags().BoolVar(&plainOutput, "plain", false, "line-oriented output instead of the full-screen console")
}

func resolvePrompt(args []string) string {
	if value := strings.TrimSpace(promptText); value != "" {
		return value
	}

	if len(args) == 0 {
		return ""
	}

	return strings.TrimSpace(strings.Join(args, " "))
}

func resolveGatewayURL(flagValue string, cfg *config.Config) string {
	if value := strings.TrimSpace(flagValue); value != "" {
		return value
	}

	path := cfg.Channels.WebSocket.Path
	if path == "" {
		path = "/ws"
	}
	return "ws://" + cfg.Gateway.Addr() + path
}

func resolveConversationID(flagValue string) string {
	if value := strings.TrimSpace(flagValue); value != "" {
		return value
	}
	return "cli:" + uuid.NewString()
}

// frameSource is the subset of chat.Client the plain mode needs.
type frameSource interface {
	Send(content string) error
	Frames() <-chan websocket.Frame
	Err() error
}

func runSinglePrompt(out io.Writer, client frameSource, prompt string) error {
	if err := client.Send(prompt); err != nil {
		return fmt.Errorf("send prompt: %w", err)
	}
	return awaitReply(out, client)
}

func runPlainInteractive(in io.Reader, out io.Writer, client frameSource) error {
	scanner := bufio.NewScanner(in)

	for {
		fmt.Fprint(out, "👤 ")
		if !scanner.Scan() {
			return scanner.Err()
		}

		prompt := strings.TrimSpace(scanner.Text())
		if prompt == "" {
			continue
		}
		if isExitCommand(prompt) {
			return nil
		}

		if err := runSinglePrompt(out, client, prompt); err != nil {
			return err
		}
	}
}

// awaitReply prints reply steps until the handler's task ends with at least one reply.
func awaitReply(out io.Writer, client frameSource) error {
	replied := false
	for frame := range client.Frames() {
		switch frame.Type {
		case websocket.FrameCommand:
			if frame.Command == nil || frame.Command.EffectiveStepType() == bus.StepUserMessage {
				continue
			}
			switch frame.Command.Kind {
			case bus.CommandCreateMessage:
				printAssistantMessage(out, frame.Command.Content)
				replied = true
			case bus.CommandCreateToolStep:
				printToolStep(out, frame.Command.Author, frame.Command.Content)
			}
		case websocket.FrameTaskEnd:
			if replied {
				return nil
			}
		case websocket.FrameError:
			return errors.New(frame.Error)
		}
	}

	if err := client.Err(); err != nil {
		return fmt.Errorf("connection closed: %w", err)
	}
	return errors.New("connection closed")
}

func printAssistantMessage(out io.Writer, message string) {
	lines := assistantLines(message)
	for _, line := range lines {
		fmt.Fprintf(out, "🧵 %s\n", line)
	}
	if len(lines) > 0 {
		fmt.Fprintln(out)
	}
}

func printToolStep(out io.Writer, name, content string) {
	icon := "🔧"
	if name == bus.ThoughtName {
		icon = "💭"
	}
	fmt.Fprintf(out, "%s %s\n", icon, strings.TrimSpace(content))
}

func assistantLines(message string) []string {
	trimmed := strings.TrimSpace(message)
	if trimmed == "" {
		return nil
	}

	return strings.Split(trimmed, "\n")
}

func isExitCommand(input string) bool {
	switch strings.ToLower(strings.TrimSpace(input)) {
	case "exit", "/exit", "quit", ":q":
		return true
	default:
		return false
	}
}
