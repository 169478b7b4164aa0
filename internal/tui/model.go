// Package tui is the terminal hosting view for a ticket conversation. It
// renders the controller's timeline and status with bubbletea and turns
// key presses into controller actions.
package tui

import (
	"context"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/textarea"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/helpdesk/ticketchat/internal/chat"
	"github.com/helpdesk/ticketchat/internal/conversation"
)

const actionTimeout = 15 * time.Second

// Conversation is the part of *conversation.Controller the view drives.
type Conversation interface {
	Updates() <-chan conversation.Update
	Notices() <-chan conversation.Notice
	View(f conversation.Filter) []chat.Message
	Status() conversation.Status
	Submit(ctx context.Context, body string, atts []chat.Attachment) (string, error)
	Retry(ctx context.Context, id string) error
	Dismiss(ctx context.Context, id string) error
	SendBridged(ctx context.Context, body string) error
	NotifyTyping(isTyping bool) error
	Reconnect() error
}

var _ Conversation = (*conversation.Controller)(nil)

// Options configure the view.
type Options struct {
	TicketID string
	SelfID   string
	Filter   conversation.Filter
	Keys     KeyMap
	Now      func() time.Time
}

type (
	updateMsg struct {
		update conversation.Update
		closed bool
	}
	noticeMsg struct {
		notice conversation.Notice
		closed bool
	}
	actionMsg struct {
		action string
		err    error
	}
	tickMsg time.Time
)

// Model implements tea.Model.
type Model struct {
	conv Conversation
	opts Options
	keys KeyMap

	viewport viewport.Model
	input    textarea.Model

	filter   conversation.Filter
	status   conversation.Status
	messages []chat.Message
	notice   string
	typing   bool

	width  int
	height int
	ready  bool
}

// New returns a view over conv. The controller must already be mounted.
func New(conv Conversation, opts Options) *Model {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	keys := opts.Keys
	if len(keys.Send.Keys()) == 0 {
		keys = DefaultKeyMap
	}

	input := textarea.New()
	input.Placeholder = "Write a message… (/bridge <text>, /attach <file> [caption])"
	input.ShowLineNumbers = false
	input.CharLimit = chat.MaxTextChars
	input.SetHeight(2)
	input.KeyMap.InsertNewline.SetEnabled(false)
	input.Focus()

	m := &Model{
		conv:     conv,
		opts:     opts,
		keys:     keys,
		viewport: viewport.New(0, 0),
		input:    input,
		filter:   conversation.ParseFilter(string(opts.Filter)),
	}
	m.refresh(true)
	return m
}

// Run hosts conv until the user quits or ctx is cancelled.
func Run(ctx context.Context, conv Conversation, opts Options) error {
	p := tea.NewProgram(New(conv, opts), tea.WithAltScreen(), tea.WithContext(ctx))
	_, err := p.Run()
	return err
}

func (m *Model) Init() tea.Cmd {
	return tea.Batch(
		waitForUpdate(m.conv.Updates()),
		waitForNotice(m.conv.Notices()),
		textarea.Blink,
		tick(),
	)
}

func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		m.ready = true
		m.resize()
		m.refresh(true)
		return m, nil

	case updateMsg:
		if msg.closed {
			return m, tea.Quit
		}
		m.refresh(msg.update.ScrollToLatest)
		return m, waitForUpdate(m.conv.Updates())

	case noticeMsg:
		if msg.closed {
			return m, nil
		}
		m.notice = msg.notice.Text
		return m, waitForNotice(m.conv.Notices())

	case actionMsg:
		if msg.err != nil {
			m.notice = msg.action + ": " + msg.err.Error()
		} else {
			m.notice = ""
		}
		m.refresh(false)
		return m, nil

	case tickMsg:
		m.status = m.conv.Status()
		return m, tick()

	case tea.KeyMsg:
		return m.handleKey(msg)
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m *Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, m.keys.Quit):
		return m, tea.Quit

	case key.Matches(msg, m.keys.NextFilter):
		m.filter = m.nextFilter()
		m.refresh(true)
		return m, nil

	case key.Matches(msg, m.keys.Retry):
		id, ok := m.latestFailed()
		if !ok {
			return m, nil
		}
		return m, m.run("retry", func(ctx context.Context) error { return m.conv.Retry(ctx, id) })

	case key.Matches(msg, m.keys.Dismiss):
		id, ok := m.latestFailed()
		if !ok {
			return m, nil
		}
		return m, m.run("dismiss", func(ctx context.Context) error { return m.conv.Dismiss(ctx, id) })

	case key.Matches(msg, m.keys.Reconnect):
		return m, m.run("reconnect", func(context.Context) error { return m.conv.Reconnect() })

	case key.Matches(msg, m.keys.PageUp), key.Matches(msg, m.keys.PageDown):
		var cmd tea.Cmd
		m.viewport, cmd = m.viewport.Update(msg)
		return m, cmd

	case key.Matches(msg, m.keys.Send):
		value := strings.TrimSpace(m.input.Value())
		m.input.Reset()
		m.setTyping(false)
		if value == "" {
			return m, nil
		}
		return m, m.submit(value)
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	m.setTyping(m.input.Value() != "")
	return m, cmd
}

// submit interprets the composer text. Slash commands address the bridge
// and attachments; anything else is a chat message.
func (m *Model) submit(value string) tea.Cmd {
	switch {
	case strings.HasPrefix(value, "/bridge "):
		body := strings.TrimSpace(strings.TrimPrefix(value, "/bridge "))
		return m.run("bridge", func(ctx context.Context) error { return m.conv.SendBridged(ctx, body) })

	case strings.HasPrefix(value, "/attach "):
		path, caption, _ := strings.Cut(strings.TrimSpace(strings.TrimPrefix(value, "/attach ")), " ")
		return m.run("attach", func(ctx context.Context) error {
			att, err := LoadAttachment(path)
			if err != nil {
				return err
			}
			_, err = m.conv.Submit(ctx, strings.TrimSpace(caption), []chat.Attachment{att})
			return err
		})

	default:
		return m.run("send", func(ctx context.Context) error {
			_, err := m.conv.Submit(ctx, value, nil)
			return err
		})
	}
}

// run executes a controller call off the bubbletea loop.
func (m *Model) run(action string, fn func(ctx context.Context) error) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), actionTimeout)
		defer cancel()
		return actionMsg{action: action, err: fn(ctx)}
	}
}

func (m *Model) setTyping(typing bool) {
	if typing == m.typing && !typing {
		return
	}
	m.typing = typing
	_ = m.conv.NotifyTyping(typing)
}

func (m *Model) nextFilter() conversation.Filter {
	order := []conversation.Filter{
		conversation.FilterAll,
		conversation.FilterChat,
		conversation.FilterInterventions,
	}
	if m.status.BridgeEnabled {
		order = append(order, conversation.FilterBridged)
	}
	for i, f := range order {
		if f == m.filter {
			return order[(i+1)%len(order)]
		}
	}
	return conversation.FilterAll
}

func (m *Model) latestFailed() (string, bool) {
	for i := len(m.status.Pending) - 1; i >= 0; i-- {
		if p := m.status.Pending[i]; p.Status == chat.StatusFailed {
			return p.ProvisionalID, true
		}
	}
	return "", false
}

func (m *Model) refresh(scroll bool) {
	m.status = m.conv.Status()
	m.messages = m.conv.View(m.filter)
	if !m.ready {
		return
	}
	m.viewport.SetContent(renderTimeline(m.messages, m.opts.SelfID, m.viewport.Width))
	if scroll {
		m.viewport.GotoBottom()
	}
}

func (m *Model) resize() {
	m.input.SetWidth(m.width)
	// header (2) + typing (1) + input + footer (1)
	h := m.height - 4 - m.input.Height()
	if h < 1 {
		h = 1
	}
	m.viewport.Width = m.width
	m.viewport.Height = h
}

func (m *Model) View() string {
	if !m.ready {
		return "loading…"
	}
	return lipgloss.JoinVertical(lipgloss.Left,
		renderHeader(m.opts.TicketID, m.status, m.filter, m.opts.Now(), m.width),
		m.viewport.View(),
		typingLine(m.status),
		m.input.View(),
		renderFooter(m.status, m.notice, m.keys),
	)
}

func waitForUpdate(ch <-chan conversation.Update) tea.Cmd {
	return func() tea.Msg {
		u, ok := <-ch
		return updateMsg{update: u, closed: !ok}
	}
}

func waitForNotice(ch <-chan conversation.Notice) tea.Cmd {
	return func() tea.Msg {
		n, ok := <-ch
		return noticeMsg{notice: n, closed: !ok}
	}
}

func tick() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })
}

// LoadAttachment reads a local file into an attachment. The MIME type
// comes from the extension; size limits are enforced on submit.
func LoadAttachment(path string) (chat.Attachment, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return chat.Attachment{}, fmt.Errorf("read attachment: %w", err)
	}
	name := filepath.Base(path)
	return chat.Attachment{
		Name:     name,
		Size:     int64(len(data)),
		MimeType: mime.TypeByExtension(strings.ToLower(filepath.Ext(name))),
		Data:     data,
	}, nil
}
