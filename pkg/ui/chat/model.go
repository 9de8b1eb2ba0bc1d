package chat

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"threadlane/pkg/bus"
	"threadlane/pkg/channel/websocket"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

type mode int

const (
	modeInteractive mode = iota
	modeOneShot
)

const (
	roleUser      = "user"
	roleAssistant = "assistant"
	roleTool      = "tool"
	roleSystem    = "system"
	roleError     = "error"
)

// Conn is the gateway connection the model drives.
type Conn interface {
	ConversationID() string
	Send(content string) error
	Frames() <-chan websocket.Frame
	Err() error
}

// step is one rendered card. Steps from the gateway are keyed by message id so updates and
// deletes replace cards in place.
type step struct {
	id      string
	role    string
	author  string
	content string
}

type frameMsg struct {
	frame websocket.Frame
}

type disconnectedMsg struct {
	err error
}

type sendResultMsg struct {
	err error
}

type bootTickMsg struct{}

type model struct {
	conn         Conn
	mode         mode
	oneShotInput string

	theme     theme
	spinner   spinner.Model
	input     textinput.Model
	viewport  viewport.Model
	steps     []step
	localSeq  int
	width     int
	height    int
	isReady   bool
	isLoading bool
	gotReply  bool
	lastErr   string
	booting   bool
	bootStep  int
	followLog bool
	sessionID string
	info      Info
}

func newModel(conn Conn, runMode mode, prompt string, info Info) *model {
	spin := spinner.New()
	spin.Spinner = spinner.Points
	spin.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))

	in := textinput.New()
	in.Prompt = ""
	in.Placeholder = "Say something..."
	in.Focus()
	in.CharLimit = 0

	vp := viewport.New(80, 12)

	return &model{
		conn:         conn,
		mode:         runMode,
		oneShotInput: strings.TrimSpace(prompt),
		theme:        defaultTheme(),
		spinner:      spin,
		input:        in,
		viewport:     vp,
		width:        100,
		height:       28,
		booting:      runMode == modeInteractive,
		followLog:    true,
		info:         info,
	}
}

func (m *model) Init() tea.Cmd {
	if m.mode == modeOneShot && m.oneShotInput != "" {
		return tea.Batch(m.submit(m.oneShotInput), waitForFrame(m.conn))
	}

	return tea.Batch(bootTickCmd(), waitForFrame(m.conn))
}

func (m *model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd

	switch typed := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = typed.Width
		m.height = typed.Height
		m.resizeComponents()
		m.refreshViewport(false)
		m.isReady = true
		return m, nil
	case bootTickMsg:
		if !m.booting {
			return m, nil
		}

		m.bootStep++
		if m.bootStep < len(bootScriptLines())+1 {
			return m, bootTickCmd()
		}

		m.booting = false
		return m, textinput.Blink
	case frameMsg:
		quit := m.applyFrame(typed.frame)
		m.refreshViewport(false)
		if quit {
			return m, tea.Quit
		}
		return m, waitForFrame(m.conn)
	case disconnectedMsg:
		m.isLoading = false
		m.lastErr = "connection closed"
		if typed.err != nil {
			m.lastErr = "connection closed: " + typed.err.Error()
		}
		m.steps = append(m.steps, step{role: roleError, content: m.lastErr})
		m.refreshViewport(false)
		if m.mode == modeOneShot {
			return m, tea.Quit
		}
		return m, nil
	case sendResultMsg:
		if typed.err != nil {
			m.isLoading = false
			m.lastErr = typed.err.Error()
			m.steps = append(m.steps, step{role: roleError, content: "send failed: " + typed.err.Error()})
			m.refreshViewport(false)
			if m.mode == modeOneShot {
				return m, tea.Quit
			}
		}
		return m, nil
	case tea.MouseMsg:
		if m.mode == modeInteractive && !m.booting {
			m.handleViewportMouse(typed)
		}
		return m, nil
	case tea.KeyMsg:
		switch typed.String() {
		case "ctrl+c", "esc":
			return m, tea.Quit
		}

		if m.booting || m.mode == modeOneShot {
			return m, nil
		}

		if handled := m.handleViewportKey(typed); handled {
			return m, nil
		}

		if typed.String() == "enter" {
			prompt := strings.TrimSpace(m.input.Value())
			if prompt == "" {
				return m, nil
			}
			if isExitCommand(prompt) {
				return m, tea.Quit
			}

			m.input.SetValue("")
			return m, m.submit(prompt)
		}
	}

	if m.mode == modeInteractive {
		m.input, cmd = m.input.Update(msg)
	}

	if tick, ok := msg.(spinner.TickMsg); ok {
		if !m.isLoading {
			return m, nil
		}
		m.spinner, cmd = m.spinner.Update(tick)
		return m, cmd
	}

	return m, cmd
}

// submit records prompt locally and sends it to the gateway.
func (m *model) submit(prompt string) tea.Cmd {
	m.localSeq++
	m.lastErr = ""
	m.gotReply = false
	m.steps = append(m.steps, step{id: "local-" + strconv.Itoa(m.localSeq), role: roleUser, author: "You", content: prompt})
	m.isLoading = true
	m.followLog = true
	m.refreshViewport(true)
	return tea.Batch(m.spinner.Tick, sendCmd(m.conn, prompt))
}

// applyFrame folds one server frame into the model and reports whether a one-shot run is
// complete.
func (m *model) applyFrame(frame websocket.Frame) bool {
	switch frame.Type {
	case websocket.FrameHello:
		m.sessionID = frame.SessionID
	case websocket.FrameCommand:
		if frame.Command == nil {
			return false
		}
		m.steps = applyCommand(m.steps, *frame.Command)
		if frame.Command.Kind == bus.CommandCreateMessage && roleFor(*frame.Command) != roleUser {
			m.gotReply = true
		}
	case websocket.FrameTaskStart:
		m.isLoading = true
	case websocket.FrameTaskEnd:
		m.isLoading = false
		return m.mode == modeOneShot && m.gotReply
	case websocket.FrameError:
		m.isLoading = false
		m.lastErr = frame.Error
		m.steps = append(m.steps, step{role: roleError, content: frame.Error})
		return m.mode == modeOneShot
	}
	return false
}

// applyCommand returns steps with cmd applied: creates append, updates replace in place
// (appending when unknown), deletes remove.
func applyCommand(steps []step, cmd bus.OutgoingCommand) []step {
	index := slices.IndexFunc(steps, func(s step) bool { return s.id == cmd.MessageID })

	switch cmd.Kind {
	case bus.CommandDelete:
		if index >= 0 {
			steps = slices.Delete(steps, index, index+1)
		}
		return steps
	case bus.CommandCreateMessage, bus.CommandCreateToolStep, bus.CommandUpdateMessage, bus.CommandUpdateToolStep:
		next := step{id: cmd.MessageID, role: roleFor(cmd), author: cmd.Author, content: cmd.Content}
		if index >= 0 {
			steps[index] = next
			return steps
		}
		return append(steps, next)
	default:
		return steps
	}
}

func roleFor(cmd bus.OutgoingCommand) string {
	switch cmd.EffectiveStepType() {
	case bus.StepUserMessage:
		return roleUser
	case bus.StepTool:
		return roleTool
	case bus.StepSystemMessage:
		return roleSystem
	default:
		return roleAssistant
	}
}

func (m *model) View() string {
	if !m.isReady {
		m.resizeComponents()
		m.refreshViewport(false)
	}
	if m.mode == modeOneShot {
		return m.oneShotView()
	}
	if m.booting {
		return m.bootView()
	}

	header := m.theme.header.Width(m.width - 2).Render("🧵 threadlane console")
	meta := m.theme.headerMeta.Render(fmt.Sprintf(
		"gateway:%s · conversation:%s · session:%s · turns:%d · steps:%d",
		displayOrNA(m.info.Gateway),
		displayOrNA(m.conn.ConversationID()),
		displayOrNA(m.sessionID),
		conversationTurns(m.steps),
		len(m.steps),
	))
	line := m.theme.divider.Width(m.width - 2).Render(strings.Repeat("═", max(8, m.width-2)))

	status := m.theme.status.Render("💡 Enter send  ·  PgUp/PgDn scroll  ·  End jump latest  ·  🛑 Ctrl+C/Esc quit")
	if m.isLoading {
		status = m.theme.statusBusy.Render(fmt.Sprintf("%s ⚡ handler running...", m.spinner.View()))
	}
	if m.lastErr != "" {
		status = m.theme.statusErr.Render("🚨 " + m.lastErr)
	}

	return lipgloss.JoinVertical(lipgloss.Left,
		header,
		meta,
		line,
		m.theme.viewport.Width(m.width-2).Render(m.viewport.View()),
		status,
		m.theme.inputLabel.Render("👤 You")+" "+m.theme.hint.Render("(type /exit, quit, or :q)"),
		m.theme.input.Width(m.width-2).Render(m.input.View()),
	)
}

func (m *model) resizeComponents() {
	w := max(50, m.width-6)
	h := m.height - 10
	if m.mode == modeOneShot {
		h = m.height - 6
	}
	h = max(8, h)

	m.viewport.Width = w
	m.viewport.Height = h
	m.input.Width = w - 2
}

func (m *model) refreshViewport(forceBottom bool) {
	previousOffset := m.viewport.YOffset
	sections := make([]string, 0, len(m.steps))
	for _, item := range m.steps {
		sections = append(sections, m.renderStep(item, m.viewport.Width))
	}

	m.viewport.SetContent(strings.Join(sections, "\n\n"))
	if m.followLog || forceBottom {
		m.viewport.GotoBottom()
		m.followLog = true
		return
	}

	maxOffset := max(0, m.viewport.TotalLineCount()-m.viewport.Height)
	m.viewport.SetYOffset(min(previousOffset, maxOffset))
}

func (m *model) renderStep(item step, width int) string {
	body := strings.TrimSpace(item.content)
	switch item.role {
	case roleUser:
		return m.renderCard(
			m.theme.userTitle.Render("▛▚ [ 👤 "+displayOrNA(item.author)+" ] ▞▜"),
			m.theme.userBox.Width(width).Render(body),
		)
	case roleTool:
		icon := "🔧"
		if item.author == bus.ThoughtName {
			icon = "💭"
		}
		return m.renderCard(
			m.theme.toolTitle.Render("▛▚ [ "+icon+" "+displayOrNA(item.author)+" ] ▞▜"),
			m.theme.toolBox.Width(width).Render(body),
		)
	case roleSystem:
		return m.renderCard(
			m.theme.systemTitle.Render("▛▚ [ ⚙ "+displayOrNA(item.author)+" ] ▞▜"),
			m.theme.systemBox.Width(width).Render(body),
		)
	case roleError:
		return m.renderCard(
			m.theme.errorTitle.Render("▛▚ [ERROR] ▞▜"),
			m.theme.errorBox.Width(width).Render(body),
		)
	default:
		return m.renderCard(
			m.theme.assistantTitle.Render("▛▚ [ 🧵 "+displayOrNA(item.author)+" ] ▞▜"),
			m.theme.assistantBox.Width(width).Render(body),
		)
	}
}

func (m *model) renderCard(title string, body string) string {
	return lipgloss.JoinVertical(lipgloss.Left, title, body)
}

func (m *model) oneShotView() string {
	contentWidth := max(40, m.width-6)
	parts := make([]string, 0, len(m.steps)+1)
	for _, item := range m.steps {
		parts = append(parts, m.renderStep(item, contentWidth))
	}

	if m.isLoading {
		parts = append(parts, m.theme.statusBusy.Render(fmt.Sprintf("%s ⚡ waiting for the handler...", m.spinner.View())))
		return lipgloss.JoinVertical(lipgloss.Left, parts...) + "\n"
	}

	return lipgloss.JoinVertical(lipgloss.Left, parts...) + "\n\n"
}

func (m *model) bootView() string {
	header := m.theme.header.Width(m.width - 2).Render("🧵 threadlane console")
	meta := m.theme.headerMeta.Render("connecting")
	line := m.theme.divider.Width(m.width - 2).Render(strings.Repeat("═", max(8, m.width-2)))

	script := bootScriptLines()
	count := min(m.bootStep, len(script))
	visible := make([]string, 0, count+1)
	for i := range count {
		visible = append(visible, m.theme.bootLine.Render(script[i]))
	}
	if m.bootStep > len(script) {
		visible = append(visible, m.theme.bootDone.Render("✅ console online"))
	}

	body := m.theme.viewport.Width(m.width - 2).Render(strings.Join(visible, "\n"))
	return lipgloss.JoinVertical(lipgloss.Left, header, meta, line, body)
}

func bootTickCmd() tea.Cmd {
	return tea.Tick(80*time.Millisecond, func(_ time.Time) tea.Msg {
		return bootTickMsg{}
	})
}

func (m *model) handleViewportKey(msg tea.KeyMsg) bool {
	switch msg.String() {
	case "pgup", "ctrl+b", "alt+up", "ctrl+up":
		m.viewport.PageUp()
		m.followLog = false
		return true
	case "pgdown", "ctrl+f", "alt+down", "ctrl+down":
		m.viewport.PageDown()
		if m.viewport.AtBottom() {
			m.followLog = true
		}
		return true
	case "home":
		m.viewport.GotoTop()
		m.followLog = false
		return true
	case "end":
		m.viewport.GotoBottom()
		m.followLog = true
		return true
	default:
		return false
	}
}

func (m *model) handleViewportMouse(msg tea.MouseMsg) bool {
	if msg.Action != tea.MouseActionPress {
		return false
	}

	switch msg.Button {
	case tea.MouseButtonWheelUp:
		m.viewport.ScrollUp(3)
		m.followLog = false
		return true
	case tea.MouseButtonWheelDown:
		m.viewport.ScrollDown(3)
		if m.viewport.AtBottom() {
			m.followLog = true
		}
		return true
	default:
		return false
	}
}

func bootScriptLines() []string {
	return []string{
		"[BOOT] dialing gateway",
		"[BOOT] joining conversation lane",
		"[BOOT] registering live session",
	}
}

func waitForFrame(conn Conn) tea.Cmd {
	return func() tea.Msg {
		frame, ok := <-conn.Frames()
		if !ok {
			return disconnectedMsg{err: conn.Err()}
		}
		return frameMsg{frame: frame}
	}
}

func sendCmd(conn Conn, prompt string) tea.Cmd {
	return func() tea.Msg {
		return sendResultMsg{err: conn.Send(prompt)}
	}
}

func displayOrNA(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "n/a"
	}

	return trimmed
}

func conversationTurns(steps []step) int {
	count := 0
	for _, item := range steps {
		if item.role == roleUser {
			count++
		}
	}

	return count
}

func isExitCommand(input string) bool {
	switch strings.ToLower(strings.TrimSpace(input)) {
	case "exit", "/exit", "quit", ":q":
		return true
	default:
		return false
	}
}
