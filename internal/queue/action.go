package queue

import (
	"encoding/json"
	"time"
)

// Kind names a user action that can be replayed against the backend.
type Kind string

const (
	KindCreateBlog     Kind = "create_blog"
	KindUpdateBlog     Kind = "update_blog"
	KindDeleteBlog     Kind = "delete_blog"
	KindLikeBlog       Kind = "like_blog"
	KindUnlikeBlog     Kind = "unlike_blog"
	KindCommentBlog    Kind = "comment_blog"
	KindBookmarkBlog   Kind = "bookmark_blog"
	KindFollowAuthor   Kind = "follow_author"
	KindUnfollowAuthor Kind = "unfollow_author"
)

var knownKinds = map[Kind]bool{
	KindCreateBlog:     true,
	KindUpdateBlog:     true,
	KindDeleteBlog:     true,
	KindLikeBlog:       true,
	KindUnlikeBlog:     true,
	KindCommentBlog:    true,
	KindBookmarkBlog:   true,
	KindFollowAuthor:   true,
	KindUnfollowAuthor: true,
}

// Valid reports whether k is a known action kind.
func (k Kind) Valid() bool { return knownKinds[k] }

type Status string

const (
	StatusPending  Status = "pending"
	StatusInFlight Status = "in_flight"
	StatusDone     Status = "done"
	StatusFailed   Status = "failed"
)

// Action is one logical user intent. ID doubles as the idempotency key and
// stays the same across every retry.
type Action struct {
	ID          string          `json:"id"`
	Seq         uint64          `json:"seq"`
	Kind        Kind            `json:"kind"`
	Resource    string          `json:"resource"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
	Status      Status          `json:"status"`
	Attempts    int             `json:"attempts"`
	LastError   string          `json:"lastError,omitempty"`
	SessionUser string          `json:"sessionUser,omitempty"`
}

// Result is what a drain did with one action.
type Result string

const (
	ResultDone     Result = "done"
	ResultRejected Result = "rejected"
	ResultFailed   Result = "failed"
	ResultDeferred Result = "deferred"
	ResultHalted   Result = "halted"
)

type Outcome struct {
	Action Action
	Result Result
	Err    error
}

// Report lists the outcomes of one drain in processing order.
type Report struct {
	Outcomes []Outcome
	// HaltErr is set when the drain stopped before reaching every action.
	HaltErr error
	// Discarded is set when the queue was discarded mid-drain.
	Discarded bool
}

// Actions returns the actions that ended with result r.
func (r Report) Actions(result Result) []Action {
	var out []Action
	for _, o := range r.Outcomes {
		if o.Result == result {
			out = append(out, o.Action)
		}
	}
	return out
}

func (r *Report) add(a Action, result Result, err error) {
	r.Outcomes = append(r.Outcomes, Outcome{Action: a, Result: result, Err: err})
}
