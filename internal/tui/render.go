package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"github.com/helpdesk/ticketchat/internal/chat"
	"github.com/helpdesk/ticketchat/internal/conversation"
	"github.com/helpdesk/ticketchat/internal/reconnect"
)

var (
	dimColor     = lipgloss.Color("242")
	textColor    = lipgloss.Color("252")
	selfColor    = lipgloss.Color("39")
	techColor    = lipgloss.Color("114")
	bridgeColor  = lipgloss.Color("177")
	recordColor  = lipgloss.Color("180")
	warnColor    = lipgloss.Color("214")
	errorColor   = lipgloss.Color("203")
	okColor      = lipgloss.Color("78")
	headerBorder = lipgloss.Color("238")
)

var (
	metaStyle   = lipgloss.NewStyle().Foreground(dimColor)
	bodyStyle   = lipgloss.NewStyle().Foreground(textColor)
	failedStyle = lipgloss.NewStyle().Foreground(errorColor)
	noticeStyle = lipgloss.NewStyle().Foreground(warnColor).Bold(true)
	headerStyle = lipgloss.NewStyle().
			BorderStyle(lipgloss.NormalBorder()).
			BorderBottom(true).
			BorderForeground(headerBorder)
)

func authorColor(m chat.Message, selfID string) lipgloss.Color {
	switch {
	case m.AuthorID == selfID:
		return selfColor
	case m.Origin == chat.OriginBridged:
		return bridgeColor
	case m.Origin == chat.OriginDescription || m.Origin == chat.OriginIntervention:
		return recordColor
	case m.AuthorRole == chat.RoleTechnician || m.AuthorRole == chat.RoleAdmin:
		return techColor
	default:
		return textColor
	}
}

func originTag(o chat.Origin) string {
	switch o {
	case chat.OriginDescription:
		return "[ticket]"
	case chat.OriginIntervention:
		return "[intervention]"
	case chat.OriginBridged:
		return "[whatsapp]"
	default:
		return ""
	}
}

func statusGlyph(s chat.Status) string {
	switch s {
	case chat.StatusSending:
		return "…"
	case chat.StatusSent:
		return "✓"
	case chat.StatusDelivered:
		return "✓✓"
	case chat.StatusFailed:
		return failedStyle.Render("✗ failed")
	default:
		return ""
	}
}

// renderMessage renders one timeline entry wrapped to width.
func renderMessage(m chat.Message, selfID string, width int) string {
	name := m.AuthorName
	if name == "" {
		name = m.AuthorID
	}
	head := []string{
		lipgloss.NewStyle().Foreground(authorColor(m, selfID)).Bold(true).Render(name),
		metaStyle.Render(m.Timestamp.Local().Format("Jan 2 15:04")),
	}
	if tag := originTag(m.Origin); tag != "" {
		head = append(head, metaStyle.Render(tag))
	}
	if g := statusGlyph(m.Status); g != "" {
		head = append(head, g)
	}

	lines := []string{strings.Join(head, " ")}
	if m.Body != "" {
		style := bodyStyle
		if width > 2 {
			style = style.Width(width - 2)
		}
		lines = append(lines, style.PaddingLeft(2).Render(m.Body))
	}
	for _, a := range m.Attachments {
		lines = append(lines, metaStyle.Render(fmt.Sprintf("  [file] %s (%s)", a.Name, humanize.Bytes(uint64(a.Size)))))
	}
	return strings.Join(lines, "\n")
}

func renderTimeline(msgs []chat.Message, selfID string, width int) string {
	if len(msgs) == 0 {
		return metaStyle.Render("No messages yet.")
	}
	parts := make([]string, len(msgs))
	for i, m := range msgs {
		parts[i] = renderMessage(m, selfID, width)
	}
	return strings.Join(parts, "\n\n")
}

func renderHeader(ticketID string, st conversation.Status, filter conversation.Filter, now time.Time, width int) string {
	left := fmt.Sprintf("Ticket #%s  %s", ticketID, metaStyle.Render("view: "+string(filter)))
	right := connectionLabel(st.Connection, now)
	if n := len(st.Online); n > 0 {
		names := make([]string, 0, n)
		for _, e := range st.Online {
			names = append(names, e.DisplayName)
		}
		right = metaStyle.Render(strings.Join(names, ", ")+" online") + "  " + right
	}
	gap := width - lipgloss.Width(left) - lipgloss.Width(right)
	if gap < 1 {
		gap = 1
	}
	return headerStyle.Width(width).Render(left + strings.Repeat(" ", gap) + right)
}

func connectionLabel(s reconnect.Snapshot, now time.Time) string {
	switch s.State {
	case reconnect.StateConnected:
		return lipgloss.NewStyle().Foreground(okColor).Render("● connected")
	case reconnect.StateConnecting:
		return lipgloss.NewStyle().Foreground(warnColor).Render("○ connecting")
	case reconnect.StateDisconnected:
		label := fmt.Sprintf("○ reconnecting (attempt %d)", s.Attempt)
		if !s.NextRetry.IsZero() {
			if d := s.NextRetry.Sub(now).Round(time.Second); d > 0 {
				label = fmt.Sprintf("○ reconnecting in %s (attempt %d)", d, s.Attempt)
			}
		}
		return lipgloss.NewStyle().Foreground(warnColor).Render(label)
	case reconnect.StateFailed:
		return lipgloss.NewStyle().Foreground(errorColor).Render("✗ offline")
	default:
		return metaStyle.Render("○ idle")
	}
}

func typingLine(st conversation.Status) string {
	switch len(st.Typing) {
	case 0:
		return ""
	case 1:
		return metaStyle.Render(st.Typing[0].DisplayName + " is typing…")
	default:
		names := make([]string, len(st.Typing))
		for i, e := range st.Typing {
			names[i] = e.DisplayName
		}
		return metaStyle.Render(strings.Join(names, ", ") + " are typing…")
	}
}

func renderFooter(st conversation.Status, notice string, keys KeyMap) string {
	var parts []string
	if st.Notice != nil {
		parts = append(parts, noticeStyle.Render(st.Notice.Text))
	} else if notice != "" {
		parts = append(parts, noticeStyle.Render(notice))
	}
	failed := 0
	for _, p := range st.Pending {
		if p.Status == chat.StatusFailed {
			failed++
		}
	}
	if failed > 0 {
		parts = append(parts, failedStyle.Render(fmt.Sprintf("%d failed", failed)))
	}
	help := make([]string, 0, len(keys.ShortHelp()))
	for _, b := range keys.ShortHelp() {
		help = append(help, helpEntry(b))
	}
	parts = append(parts, metaStyle.Render(strings.Join(help, " · ")))
	return strings.Join(parts, "  ")
}

func helpEntry(b key.Binding) string {
	h := b.Help()
	return h.Key + " " + h.Desc
}
