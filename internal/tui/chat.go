package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"

	"github.com/wwwzy/SiapPanen/internal/agent"
	"github.com/wwwzy/SiapPanen/internal/ui"
)

type ChatUI struct{}

func (u *ChatUI) Run(ctx context.Context, backend ui.ChatBackend, session *ui.Session, opts ui.ChatOptions) error {
	if session == nil {
		session = ui.NewSession("")
	}
	m := newChatModel(ctx, backend, session, opts)
	p := tea.NewProgram(m, tea.WithAltScreen())
	_, err := p.Run()
	return err
}

type backendResultMsg struct {
	resp agent.Response
	err  error
}

type streamTickMsg struct{}
type cancelMsg struct{}

// chatMessage 为界面上显示的一条消息；错误提示只显示不进入会话历史。
type chatMessage struct {
	role    string
	content string
}

type chatModel struct {
	ctx     context.Context
	backend ui.ChatBackend
	session *ui.Session
	opts    ui.ChatOptions

	messages []chatMessage
	lastMeta agent.Metadata

	width  int
	height int

	viewport   viewport.Model
	input      textinput.Model
	spinner    spinner.Model
	thinking   bool
	followTail bool

	streaming  bool
	streamIdx  int
	streamPos  int
	streamFull string

	renderer *glamour.TermRenderer
}

func newChatModel(ctx context.Context, backend ui.ChatBackend, session *ui.Session, opts ui.ChatOptions) chatModel {
	s := spinner.New()
	s.Spinner = spinner.MiniDot

	ti := textinput.New()
	ti.Placeholder = "Tulis pertanyaan, Enter untuk kirim"
	ti.Prompt = ""
	ti.Focus()

	vp := viewport.New(0, 0)
	vp.SetContent("")

	msgs := make([]chatMessage, 0, len(session.Messages))
	for _, msg := range session.Messages {
		msgs = append(msgs, chatMessage{role: msg.Role, content: msg.Content})
	}

	return chatModel{
		ctx:        ctx,
		backend:    backend,
		session:    session,
		opts:       opts,
		messages:   msgs,
		viewport:   vp,
		input:      ti,
		spinner:    s,
		followTail: true,
		streamIdx:  -1,
	}
}

func (m chatModel) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, m.spinner.Tick, waitCancel(m.ctx))
}

func waitCancel(ctx context.Context) tea.Cmd {
	return func() tea.Msg {
		<-ctx.Done()
		return cancelMsg{}
	}
}

func (m chatModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case cancelMsg:
		return m, tea.Quit

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

		inputHeight := 3
		footerHeight := 1
		headerHeight := 1
		m.viewport.Width = m.width
		m.viewport.Height = max(1, m.height-inputHeight-footerHeight-headerHeight)
		m.input.Width = max(10, m.width-4)

		m.resetMarkdownRenderer()
		m.updateViewportContent(m.renderChat())
		return m, nil

	case spinner.TickMsg:
		if m.thinking {
			var cmd tea.Cmd
			m.spinner, cmd = m.spinner.Update(msg)
			return m, cmd
		}
		return m, nil

	case backendResultMsg:
		m.thinking = false
		m.followTail = true
		if msg.err != nil {
			m.messages = append(m.messages, chatMessage{role: roleError, content: fmt.Sprintf("Terjadi kesalahan: %v", msg.err)})
			m.updateViewportContent(m.renderChat())
			return m, nil
		}

		m.lastMeta = msg.resp.Metadata
		m.messages = append(m.messages, chatMessage{role: agent.RoleAssistant, content: msg.resp.Response})
		m.startStreaming(len(m.messages) - 1)
		m.updateViewportContent(m.renderChat())
		if m.streaming {
			return m, streamTick()
		}
		return m, nil

	case streamTickMsg:
		if !m.streaming {
			return m, nil
		}
		m.streamPos = min(len(m.streamFull), m.streamPos+32)
		if m.streamPos >= len(m.streamFull) {
			m.streaming = false
		}
		m.updateViewportContent(m.renderChat())
		if m.streaming {
			return m, streamTick()
		}
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c":
			return m, tea.Quit
		case "pgup", "pageup":
			m.viewport.PageUp()
			m.followTail = false
			return m, nil
		case "pgdown", "pagedown":
			m.viewport.PageDown()
			if m.viewport.AtBottom() {
				m.followTail = true
			}
			return m, nil
		}

		var cmd tea.Cmd
		m.input, cmd = m.input.Update(msg)

		if msg.String() == "enter" {
			if m.thinking {
				return m, cmd
			}
			text := strings.TrimSpace(m.input.Value())
			if text == "" {
				return m, cmd
			}
			if ui.IsExit(text) {
				return m, tea.Quit
			}

			m.messages = append(m.messages, chatMessage{role: agent.RoleUser, content: text})
			m.followTail = true
			m.streaming = false
			m.updateViewportContent(m.renderChat())

			m.input.SetValue("")
			m.thinking = true
			return m, tea.Batch(cmd, m.spinner.Tick, sendToBackend(m.ctx, m.backend, m.session, text))
		}
		return m, cmd
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

// sendToBackend 在 tea 的命令协程中执行；同一时刻只会有一个在途请求，Session 不需要加锁。
func sendToBackend(ctx context.Context, backend ui.ChatBackend, session *ui.Session, text string) tea.Cmd {
	return func() tea.Msg {
		resp, err := session.Send(ctx, backend, text)
		return backendResultMsg{resp: resp, err: err}
	}
}

func streamTick() tea.Cmd {
	return tea.Tick(45*time.Millisecond, func(time.Time) tea.Msg { return streamTickMsg{} })
}

func (m *chatModel) startStreaming(idx int) {
	m.streaming = false
	m.streamIdx = -1
	m.streamFull = ""
	m.streamPos = 0

	content := m.messages[idx].content
	if strings.TrimSpace(content) == "" {
		return
	}
	m.streaming = true
	m.streamIdx = idx
	m.streamFull = content
	m.streamPos = min(len(content), 32)
}

func (m chatModel) View() string {
	title := "Siap Panen 🌱"
	if id := m.session.ConversationID; id != "" {
		title += lipgloss.NewStyle().Foreground(lipgloss.Color("240")).Render("  " + id)
	}
	header := lipgloss.NewStyle().Bold(true).Render(title)

	input := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		Padding(0, 1).
		Width(max(1, m.input.Width+2)).
		Render(m.input.View())

	return lipgloss.JoinVertical(lipgloss.Left, header, m.viewport.View(), input, m.footerView())
}

func (m chatModel) footerView() string {
	left := "Enter kirim | PgUp/PgDn gulir | Ctrl+C keluar"
	right := ""
	switch {
	case m.thinking:
		right = m.spinner.View() + " Sedang berpikir..."
	case m.opts.ShowMetadata && len(m.lastMeta.ToolsUsed) > 0:
		right = "tools: " + strings.Join(m.lastMeta.ToolsUsed, ", ")
	}
	gap := lipgloss.NewStyle().Width(max(0, m.width-lipgloss.Width(left)-lipgloss.Width(right)-2)).Render("")
	return lipgloss.NewStyle().Width(m.width).Padding(0, 1).Render(lipgloss.JoinHorizontal(lipgloss.Left, left, gap, right))
}

func (m *chatModel) updateViewportContent(content string) {
	oldYOffset := m.viewport.YOffset
	m.viewport.SetContent(content)
	if m.followTail {
		m.viewport.GotoBottom()
		return
	}
	m.viewport.SetYOffset(oldYOffset)
}

func (m *chatModel) resetMarkdownRenderer() {
	if m.width <= 0 {
		return
	}
	r, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(m.bubbleMaxContentWidth()),
	)
	if err == nil {
		m.renderer = r
	}
}

const roleError = "error"

func (m chatModel) renderChat() string {
	if m.width <= 0 {
		m.width = 80
	}

	var b strings.Builder
	for i, msg := range m.messages {
		content := msg.content
		if m.streaming && m.streamIdx == i {
			content = m.streamFull[:m.streamPos]
		}
		content = strings.TrimRight(content, "\n")
		if strings.TrimSpace(content) == "" {
			continue
		}

		var line string
		switch msg.role {
		case agent.RoleUser:
			line = m.renderUser(content)
		case agent.RoleAssistant:
			line = m.renderAssistant(content)
		default:
			line = m.renderNotice(content)
		}
		b.WriteString(line)
		b.WriteString("\n\n")
	}

	if m.opts.ShowMetadata && !m.streaming && !m.thinking && len(m.lastMeta.SuggestedFollowUps) > 0 {
		hint := lipgloss.NewStyle().Foreground(lipgloss.Color("245")).Italic(true)
		for _, s := range m.lastMeta.SuggestedFollowUps {
			b.WriteString(hint.Render("› " + s))
			b.WriteString("\n")
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func (m chatModel) bubbleMaxContentWidth() int {
	if m.width <= 0 {
		return 72
	}
	return max(20, m.width-8)
}

func (m chatModel) desiredContentWidth(s string) int {
	return min(m.bubbleMaxContentWidth(), max(10, maxLineWidth(s)))
}

func (m chatModel) wrapToWidth(s string, width int) string {
	if width <= 0 {
		return s
	}
	return lipgloss.NewStyle().Width(width).Render(s)
}

func maxLineWidth(s string) int {
	s = strings.TrimRight(s, "\n")
	if strings.TrimSpace(s) == "" {
		return 0
	}
	maxW := 0
	for _, line := range strings.Split(s, "\n") {
		if w := lipgloss.Width(strings.TrimRight(line, " ")); w > maxW {
			maxW = w
		}
	}
	return maxW
}

func (m chatModel) renderAssistant(content string) string {
	md := content
	if m.renderer != nil {
		if rendered, err := m.renderer.Render(md); err == nil {
			md = strings.TrimRight(rendered, "\n")
		}
	}
	md = m.wrapToWidth(md, m.desiredContentWidth(md))
	return lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("34")).
		Padding(0, 1).
		MaxWidth(max(20, m.width-4)).
		Render(md)
}

func (m chatModel) renderUser(content string) string {
	content = m.wrapToWidth(content, m.desiredContentWidth(content))
	bubble := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("214")).
		Padding(0, 1).
		MaxWidth(max(20, m.width-4)).
		Render(content)
	return lipgloss.NewStyle().Width(m.width).Align(lipgloss.Right).Render(bubble)
}

func (m chatModel) renderNotice(content string) string {
	content = m.wrapToWidth(content, m.desiredContentWidth(content))
	return lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("160")).
		Foreground(lipgloss.Color("245")).
		Padding(0, 1).
		MaxWidth(max(20, m.width-4)).
		Render(content)
}
