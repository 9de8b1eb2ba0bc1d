package chat

import (
	"context"
	"fmt"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// Info is shown in the console header.
type Info struct {
	Gateway string
}

// RunInteractive drives a full-screen console on conn until the user quits.
func RunInteractive(ctx context.Context, conn Conn, info Info) error {
	console := newModel(conn, modeInteractive, "", info)
	program := tea.NewProgram(console, tea.WithContext(ctx), tea.WithAltScreen(), tea.WithMouseCellMotion())
	if _, err := program.Run(); err != nil {
		return err
	}

	fmt.Println(renderGoodbyeBanner())
	return nil
}

// RunOneShot sends prompt and renders the conversation until the handler finishes its
// reply.
func RunOneShot(ctx context.Context, conn Conn, prompt string, info Info) error {
	console := newModel(conn, modeOneShot, prompt, info)
	program := tea.NewProgram(console, tea.WithContext(ctx))
	final, err := program.Run()
	if err != nil {
		return err
	}
	if m, ok := final.(*model); ok && m.lastErr != "" {
		return fmt.Errorf("chat: %s", m.lastErr)
	}
	return nil
}

func renderGoodbyeBanner() string {
	style := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("230")).
		Background(lipgloss.Color("88")).
		Padding(1, 2)

	return style.Render("🧵 threadlane console closed")
}
