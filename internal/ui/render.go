package ui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/pders01/quill/internal/notify"
	"github.com/pders01/quill/internal/queue"
	"github.com/pders01/quill/internal/search"
)

const listWidth = 72

// StatusView is the snapshot shown by `quill status`.
type StatusView struct {
	State        string
	User         string
	Online       bool
	Pending      int
	Failed       int
	CacheEntries int
	CacheBytes   int64
	Unread       int
	IndexedDocs  int // -1 when the index is disabled
}

func RenderStatus(v StatusView) string {
	user := v.User
	if user == "" {
		user = "-"
	}
	connectivity := StatusSuccessStyle.Render("online")
	if !v.Online {
		connectivity = StatusWarnStyle.Render("offline")
	}
	queued := fmt.Sprintf("%d pending", v.Pending)
	if v.Failed > 0 {
		queued += ", " + StatusErrorStyle.Render(fmt.Sprintf("%d failed", v.Failed))
	}
	unread := fmt.Sprintf("%d", v.Unread)
	if v.Unread > 0 {
		unread = UnreadItemStyle.Render(unread)
	}
	index := "disabled"
	if v.IndexedDocs >= 0 {
		index = fmt.Sprintf("%d docs", v.IndexedDocs)
	}

	rows := []string{
		HeaderStyle.Render(AppName + " status"),
		row("session", v.State),
		row("user", user),
		row("network", connectivity),
		row("queue", queued),
		row("cache", fmt.Sprintf("%d entries, %s", v.CacheEntries, formatBytes(v.CacheBytes))),
		row("search", index),
		row("unread", unread),
	}
	return PanelStyle.Render(lipgloss.JoinVertical(lipgloss.Left, rows...))
}

func row(label, value string) string {
	return lipgloss.JoinHorizontal(lipgloss.Top, LabelStyle.Render(label), ValueStyle.Render(value))
}

func formatBytes(n int64) string {
	switch {
	case n >= 1<<20:
		return fmt.Sprintf("%.1f MiB", float64(n)/(1<<20))
	case n >= 1<<10:
		return fmt.Sprintf("%.1f KiB", float64(n)/(1<<10))
	default:
		return fmt.Sprintf("%d B", n)
	}
}

// RenderActions lists queued actions oldest first.
func RenderActions(actions []queue.Action) string {
	if len(actions) == 0 {
		return HelpStyle.Render(MsgQueueEmpty)
	}
	var b strings.Builder
	for _, a := range actions {
		status := string(a.Status)
		switch a.Status {
		case queue.StatusFailed:
			status = StatusErrorStyle.Render(status)
		case queue.StatusInFlight:
			status = StatusWarnStyle.Render(status)
		}
		line := fmt.Sprintf("%s  %-15s %-20s %s", a.ID, a.Kind, truncateMiddle(a.Resource, 20), status)
		b.WriteString(line)
		if a.Attempts > 0 {
			b.WriteString(TimeStyle.Render(fmt.Sprintf("  attempts=%d", a.Attempts)))
		}
		if a.LastError != "" {
			b.WriteString("\n    " + HelpStyle.Render(truncateEnd(a.LastError, listWidth-4)))
		}
		b.WriteByte('\n')
	}
	return strings.TrimRight(b.String(), "\n")
}

// RenderNotifications lists the inbox newest first; unread items stand out.
func RenderNotifications(items []notify.Notification) string {
	if len(items) == 0 {
		return HelpStyle.Render(MsgInboxEmpty)
	}
	var b strings.Builder
	for _, n := range items {
		title := truncateEnd(n.Title, 40)
		style := ReadItemStyle
		marker := " "
		if !n.Read {
			style = UnreadItemStyle
			marker = "•"
		}
		fmt.Fprintf(&b, "%s %s  %s  %s\n",
			marker,
			TimeStyle.Render(n.Timestamp.Local().Format("2006-01-02 15:04")),
			style.Render(title),
			HelpStyle.Render(n.ID))
		if n.Body != "" {
			b.WriteString("    " + truncateEnd(n.Body, listWidth-4) + "\n")
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func RenderResults(results []*search.Result) string {
	if len(results) == 0 {
		return HelpStyle.Render(MsgNoResults)
	}
	var b strings.Builder
	b.WriteString(HeaderStyle.Render(MsgResultsCount(len(results))) + "\n")
	for _, r := range results {
		fmt.Fprintf(&b, "%-10s %s", r.Type, truncateEnd(r.Title, 48))
		if r.URL != "" {
			b.WriteString("  " + TimeStyle.Render(truncateMiddle(r.URL, 40)))
		}
		b.WriteByte('\n')
	}
	return strings.TrimRight(b.String(), "\n")
}
