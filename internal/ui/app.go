// Package ui is the terminal surface of the chat session: an inbox list and
// a conversation pane, or a single conversation in widget mode.
package ui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/list"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textarea"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"

	"renddirect/internal/session"
	"renddirect/internal/transport"
)

// Chat is the part of a session the UI drives.
type Chat interface {
	Snapshot() session.View
	Updates() <-chan struct{}
	Refresh()
	Select(id string)
	Deselect()
	Keystroke()
	Send(content string) (string, error)
	Retry(clientID string) (string, error)
	Discard(clientID string)
	LoadOlder()
	RevealPhone() error
	ClearError()
}

type Options struct {
	// Widget renders the compact surface of the floating chat widget.
	Widget bool
	// ConversationID opens straight into a conversation.
	ConversationID string
	Now            func() time.Time
}

type screen int

const (
	screenInbox screen = iota
	screenConversation
)

type updateMsg struct{}

type Model struct {
	chat   Chat
	opts   Options
	view   session.View
	screen screen

	list     list.Model
	viewport viewport.Model
	textarea textarea.Model
	spinner  spinner.Model

	windowWidth  int
	windowHeight int
	lastFirstID  string
	lastCount    int
	notice       string
}

func New(chat Chat, opts Options) Model {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = statusStyle

	vp := viewport.New(80, 20)

	ta := textarea.New()
	ta.Placeholder = "Type a message..."
	ta.CharLimit = 2000
	ta.SetHeight(2)
	ta.ShowLineNumbers = false
	ta.KeyMap.InsertNewline.SetEnabled(false)

	l := newConversationList()
	if opts.Widget {
		l.SetShowTitle(false)
	}
	m := Model{
		chat:         chat,
		opts:         opts,
		list:         l,
		viewport:     vp,
		textarea:     ta,
		spinner:      s,
		windowWidth:  80,
		windowHeight: 30,
	}
	if opts.ConversationID != "" {
		chat.Select(opts.ConversationID)
		m.screen = screenConversation
		m.textarea.Focus()
	}
	return m
}

func (m Model) widget() bool { return m.opts.Widget }

func (m Model) Init() tea.Cmd {
	return tea.Batch(
		m.spinner.Tick,
		textarea.Blink,
		func() tea.Msg { return updateMsg{} },
		waitForUpdate(m.chat),
	)
}

// waitForUpdate blocks until the session publishes a new view.
func waitForUpdate(chat Chat) tea.Cmd {
	return func() tea.Msg {
		<-chat.Updates()
		return updateMsg{}
	}
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.windowWidth = msg.Width
		m.windowHeight = msg.Height
		m.list.SetWidth(msg.Width)
		if m.widget() {
			m.list.SetHeight(msg.Height - 3)
		} else {
			m.list.SetHeight(msg.Height - 2)
		}
		m.layout()
		m.refreshViewport(true)
		return m, nil

	case updateMsg:
		m.view = m.chat.Snapshot()
		m.refreshList()
		m.refreshViewport(false)
		return m, waitForUpdate(m.chat)

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case tea.KeyMsg:
		if msg.String() == "ctrl+c" {
			return m, tea.Quit
		}
		if m.screen == screenInbox {
			return m.updateInbox(msg)
		}
		return m.updateConversation(msg)
	}

	if m.screen == screenConversation {
		var cmd tea.Cmd
		m.textarea, cmd = m.textarea.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m Model) updateInbox(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if m.list.FilterState() == list.Filtering {
		var cmd tea.Cmd
		m.list, cmd = m.list.Update(msg)
		return m, cmd
	}

	switch msg.String() {
	case "q":
		return m, tea.Quit
	case "esc":
		if m.widget() {
			return m, tea.Quit
		}
	case "r":
		m.chat.Refresh()
		return m, nil
	case "enter":
		item, ok := m.list.SelectedItem().(conversationItem)
		if !ok {
			return m, nil
		}
		m.chat.Select(item.conv.ID)
		m.chat.ClearError()
		m.screen = screenConversation
		m.lastFirstID, m.lastCount = "", 0
		m.notice = ""
		m.layout()
		return m, m.textarea.Focus()
	}

	var cmd tea.Cmd
	m.list, cmd = m.list.Update(msg)
	return m, cmd
}

func (m Model) updateConversation(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "esc":
		m.chat.Deselect()
		m.textarea.Reset()
		m.textarea.Blur()
		m.screen = screenInbox
		m.notice = ""
		return m, nil

	case "enter":
		text := strings.TrimSpace(m.textarea.Value())
		if text == "" {
			return m, nil
		}
		if _, err := m.chat.Send(text); err != nil {
			m.notice = err.Error()
			return m, nil
		}
		m.textarea.Reset()
		m.notice = ""
		m.viewport.GotoBottom()
		return m, nil

	case "ctrl+r":
		if f, ok := m.latestFailed(); ok {
			if _, err := m.chat.Retry(f.ClientID); err != nil {
				m.notice = err.Error()
			}
		}
		return m, nil

	case "ctrl+d":
		if f, ok := m.latestFailed(); ok {
			m.chat.Discard(f.ClientID)
		}
		return m, nil

	case "ctrl+p":
		if err := m.chat.RevealPhone(); err != nil {
			m.notice = err.Error()
		}
		return m, nil

	case "pgup", "up":
		if m.viewport.AtTop() {
			m.chat.LoadOlder()
		}
		var cmd tea.Cmd
		m.viewport, cmd = m.viewport.Update(msg)
		return m, cmd

	case "pgdown", "down":
		var cmd tea.Cmd
		m.viewport, cmd = m.viewport.Update(msg)
		return m, cmd
	}

	before := m.textarea.Value()
	var cmd tea.Cmd
	m.textarea, cmd = m.textarea.Update(msg)
	if v := m.textarea.Value(); v != before && strings.TrimSpace(v) != "" {
		m.chat.Keystroke()
	}
	return m, cmd
}

func (m Model) latestFailed() (session.FailedSend, bool) {
	if m.view.Active == nil || len(m.view.Active.Failed) == 0 {
		return session.FailedSend{}, false
	}
	return m.view.Active.Failed[len(m.view.Active.Failed)-1], true
}

func (m *Model) layout() {
	headerHeight := 2
	textareaHeight := 4
	footerHeight := 2
	m.viewport.Width = m.windowWidth - 2
	m.viewport.Height = m.windowHeight - headerHeight - textareaHeight - footerHeight
	if m.viewport.Height < 3 {
		m.viewport.Height = 3
	}
	m.textarea.SetWidth(m.windowWidth - 2)
}

func (m *Model) refreshList() {
	idx := m.list.Index()
	m.list.SetItems(conversationItems(m.view))
	m.list.Title = inboxTitle(m.view)
	if idx < len(m.view.Conversations) {
		m.list.Select(idx)
	}
}

// refreshViewport re-renders the history. It follows the bottom while the
// user is there and keeps the visible lines steady when older pages arrive.
func (m *Model) refreshViewport(force bool) {
	av := m.view.Active
	if av == nil {
		return
	}
	atBottom := m.viewport.AtBottom()
	oldLines := m.viewport.TotalLineCount()

	m.viewport.SetContent(renderMessages(av, m.viewport.Width, m.opts.Now()))

	firstID := ""
	if len(av.Messages) > 0 {
		firstID = av.Messages[0].ClientID
	}
	switch {
	case force || m.lastCount == 0 || atBottom:
		m.viewport.GotoBottom()
	case firstID != m.lastFirstID:
		m.viewport.SetYOffset(m.viewport.YOffset + m.viewport.TotalLineCount() - oldLines)
	}
	m.lastFirstID = firstID
	m.lastCount = len(av.Messages)
}

func (m Model) View() string {
	if m.screen == screenInbox {
		return m.inboxView()
	}
	return m.conversationView()
}

func (m Model) inboxView() string {
	s := ""
	if m.widget() {
		s = titleStyle.Render("💬 Messages")
		if b := session.Badge(m.view.Unread); b != "" {
			s += " " + badgeStyle.Render(b)
		}
		s += "\n"
	}
	s += m.list.View() + "\n"
	if line := m.statusLine(); line != "" {
		s += line + "\n"
	}
	if m.widget() {
		s += helpStyle.Render("enter: open • esc: minimize")
	} else {
		s += helpStyle.Render("↑↓/jk: navigate • enter: open • /: search • r: refresh • q: quit")
	}
	return s
}

func (m Model) conversationView() string {
	av := m.view.Active
	if av == nil {
		return fmt.Sprintf("\n  %s Opening conversation...\n", m.spinner.View())
	}

	s := conversationHeader(av)
	if m.widget() {
		if b := session.Badge(m.unreadElsewhere()); b != "" {
			s += "  " + badgeStyle.Render(b)
		}
	}
	s += "\n"
	if line := m.statusLine(); line != "" {
		s += line
	}
	s += "\n"

	switch {
	case av.Loading && len(av.Messages) == 0:
		s += fmt.Sprintf("  %s Loading messages...\n", m.spinner.View())
	case av.HistoryErr != nil && len(av.Messages) == 0:
		s += errorStyle.Render("Could not load messages: "+av.HistoryErr.Error()) + "\n"
	case len(av.Messages) == 0 && len(av.Failed) == 0:
		s += normalStyle.Render("  Say hello 👋") + "\n"
	default:
		s += m.viewport.View() + "\n"
	}

	s += typingLine(av) + "\n"
	s += m.textarea.View() + "\n"

	help := "enter: send • pgup: older • ctrl+p: reveal phone • esc: back"
	if m.widget() {
		help = "enter: send • ctrl+p: phone • esc: back"
	}
	if len(av.Failed) > 0 {
		help = "ctrl+r: retry • ctrl+d: discard • " + help
	}
	s += helpStyle.Render(help)
	return s
}

// unreadElsewhere is the badge shown on the minimized widget.
func (m Model) unreadElsewhere() int {
	n := m.view.Unread
	if m.view.Active != nil {
		if c, ok := m.view.Conversation(m.view.Active.Conversation.ID); ok {
			n -= c.Unread
		}
	}
	return n
}

func (m Model) statusLine() string {
	var parts []string
	switch m.view.State {
	case transport.StateConnected, "":
	case transport.StateReconnecting, transport.StateConnecting:
		parts = append(parts, statusStyle.Render(m.spinner.View()+" "+string(m.view.State)+"..."))
	default:
		parts = append(parts, errorStyle.Render("offline"))
	}
	if m.notice != "" {
		parts = append(parts, errorStyle.Render(m.notice))
	} else if m.view.Err != nil {
		parts = append(parts, errorStyle.Render("Error: "+m.view.Err.Error()))
	}
	return strings.Join(parts, " • ")
}
