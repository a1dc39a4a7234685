package ui

import (
	"fmt"

	"github.com/pders01/quill/internal/feed"
	"github.com/pders01/quill/internal/queue"
)

const (
	MsgNoResults     = "No results"
	MsgQueueEmpty    = "Offline queue is empty"
	MsgInboxEmpty    = "No notifications"
	MsgLoggedOut     = "Logged out; queued actions discarded"
	MsgSyncCoalesced = "A sync is already running"
	MsgFeedUnchanged = "Feed unchanged since last warm-up"
	MsgNotLoggedIn   = "Not logged in"
	MsgIndexDisabled = "Search index is disabled (cache.search_index)"
)

func MsgResultsCount(n int) string {
	if n == 1 {
		return "1 result"
	}
	return fmt.Sprintf("%d results", n)
}

func MsgLoggedIn(email string) string {
	return fmt.Sprintf("Logged in as %s", email)
}

func MsgSubmitted(id string, queued bool) string {
	if queued {
		return fmt.Sprintf("Queued %s; it will be sent on the next sync", id)
	}
	return fmt.Sprintf("Sent %s", id)
}

// MsgSyncSummary condenses a drain report to one line.
func MsgSyncSummary(report queue.Report, invalidated int) string {
	base := fmt.Sprintf("Synced: %d sent • %d rejected • %d failed",
		len(report.Actions(queue.ResultDone)),
		len(report.Actions(queue.ResultRejected)),
		len(report.Actions(queue.ResultFailed)))
	if n := len(report.Actions(queue.ResultDeferred)); n > 0 {
		base += fmt.Sprintf(" • %d deferred", n)
	}
	if invalidated > 0 {
		base += fmt.Sprintf(" • %d cache entries dropped", invalidated)
	}
	if report.Discarded {
		base += " • discarded by logout"
	}
	return base
}

func MsgWarmSummary(r feed.Report) string {
	if r.Unchanged {
		return MsgFeedUnchanged
	}
	return fmt.Sprintf("Cached %d blogs and %d categories from %d feed items", r.Blogs, r.Categories, r.Items)
}

func MsgPurged(n int) string {
	if n == 1 {
		return "Dropped 1 cache entry"
	}
	return fmt.Sprintf("Dropped %d cache entries", n)
}
