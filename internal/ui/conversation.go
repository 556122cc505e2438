package ui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/reflow/wordwrap"

	"renddirect/internal/models"
	"renddirect/internal/session"
)

// tick renders the delivery state of one of the user's own messages.
func tick(m session.MessageView) string {
	if m.Pending {
		return pendingStyle.Render("◷")
	}
	switch m.Status {
	case models.StatusRead:
		return readTickStyle.Render("✓✓")
	case models.StatusDelivered:
		return "✓✓"
	}
	return "✓"
}

// renderMessages lays out the history of the open conversation, grouping
// messages under a separator per day.
func renderMessages(av *session.ActiveView, width int, now time.Time) string {
	if width <= 0 {
		width = 80
	}
	wrapWidth := width - 10
	if wrapWidth < 10 {
		wrapWidth = 10
	}
	right := lipgloss.NewStyle().Align(lipgloss.Right).Width(width)

	var content strings.Builder
	if av.HasMore {
		content.WriteString(separatorStyle.Width(width).Render("↑ older messages (pgup)") + "\n")
	}

	lastDay := ""
	for _, message := range av.Messages {
		local := message.CreatedAt.In(now.Location())
		if day := session.DateLabel(local, now); day != lastDay {
			if lastDay != "" || av.HasMore {
				content.WriteString("\n")
			}
			content.WriteString(separatorStyle.Width(width).Render("── "+day+" ──") + "\n")
			lastDay = day
		}

		timestamp := session.ClockTime(local)
		wrapped := wordwrap.String(message.Content, wrapWidth)
		if message.Mine {
			header := messageHeaderStyle.Render(fmt.Sprintf("You • %s", timestamp)) + " " + tick(message)
			style := messageFromMeStyle
			if message.Pending {
				style = pendingStyle
			}
			content.WriteString(right.Render(header) + "\n")
			content.WriteString(right.Render(style.Render(wrapped)) + "\n")
		} else {
			header := messageHeaderStyle.Render(fmt.Sprintf("%s • %s", av.Peer.Name(), timestamp))
			content.WriteString(header + "\n")
			content.WriteString(messageFromOtherStyle.Render(wrapped) + "\n")
		}
	}

	for _, f := range av.Failed {
		line := errorStyle.Render("✗ not sent: ") + truncate(f.Content, wrapWidth-12)
		content.WriteString(right.Render(line) + "\n")
	}
	return content.String()
}

func conversationHeader(av *session.ActiveView) string {
	name := av.Peer.Name()
	if !av.Known {
		name = "Loading conversation..."
	}
	s := titleStyle.Render("💬 " + name)
	if t := av.Conversation.Property.Title; t != "" {
		s += "  " + subtitleStyle.Render(t)
	}
	if av.Conversation.PhoneRevealed && av.Peer.Phone != "" {
		s += "  " + phoneStyle.Render("📞 "+av.Peer.Phone)
	}
	if st := av.Conversation.DealStatus; st != "" {
		s += "  " + statusStyle.Render("["+st+"]")
	}
	return s
}

func typingLine(av *session.ActiveView) string {
	if !av.PeerTyping {
		return ""
	}
	return typingStyle.Render(av.Peer.Name() + " is typing…")
}
