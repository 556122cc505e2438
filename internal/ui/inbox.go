package ui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/list"
	"github.com/charmbracelet/lipgloss"

	"renddirect/internal/session"
)

type conversationItem struct {
	conv session.ConversationView
}

func (i conversationItem) Title() string {
	name := i.conv.Peer.Name()
	if b := session.Badge(i.conv.Unread); b != "" {
		return name + " " + badgeStyle.Render(b)
	}
	return name
}

func (i conversationItem) Description() string {
	parts := []string{}
	if i.conv.Title != "" {
		parts = append(parts, i.conv.Title)
	}
	if i.conv.When != "" {
		parts = append(parts, i.conv.When)
	}
	if i.conv.Preview != "" {
		parts = append(parts, truncate(i.conv.Preview, 50))
	} else {
		parts = append(parts, "No messages yet")
	}
	return strings.Join(parts, " • ")
}

func (i conversationItem) FilterValue() string {
	return i.conv.Peer.Name() + " " + i.conv.Title
}

func newConversationList() list.Model {
	delegate := list.NewDefaultDelegate()
	delegate.Styles.SelectedTitle = delegate.Styles.SelectedTitle.
		Foreground(lipgloss.Color("5")).
		Bold(true)
	delegate.Styles.SelectedDesc = delegate.Styles.SelectedDesc.
		Foreground(lipgloss.Color("8"))

	l := list.New([]list.Item{}, delegate, 80, 20)
	l.Title = "Messages"
	l.SetShowStatusBar(false)
	l.SetFilteringEnabled(true)
	l.SetShowHelp(false)
	return l
}

// conversationItems keeps the list in the session's order.
func conversationItems(v session.View) []list.Item {
	items := make([]list.Item, len(v.Conversations))
	for i, c := range v.Conversations {
		items[i] = conversationItem{conv: c}
	}
	return items
}

func inboxTitle(v session.View) string {
	title := fmt.Sprintf("Messages - %d conversations", len(v.Conversations))
	if b := session.Badge(v.Unread); b != "" {
		title += " • " + b + " unread"
	}
	return title
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
