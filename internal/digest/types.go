// Package digest implements the channel digest pipeline: fetch recent posts
// from a source channel, summarize them with a language model, sanitize the
// result into Telegram's restricted HTML subset and deliver it to a
// subscriber, recording one log entry per attempt.
package digest

import (
	"context"
	"time"
)

// Post is a single qualifying channel message inside the lookback window.
type Post struct {
	ID   int       `json:"id"`
	Text string    `json:"text"`
	Link string    `json:"link"`
	Date time.Time `json:"-"`
}

// Result is the produced summary plus the model's reported token usage.
type Result struct {
	Text       string
	TokensUsed int
}

// Outcome reports whether a message reached the recipient. Err holds the
// final transport error when both the formatted and the plain attempt failed.
type Outcome struct {
	Delivered bool
	Err       error
}

type Status string

const (
	StatusSuccess   Status = "success"
	StatusError     Status = "error"
	StatusNoContent Status = "no_content"
)

// LogEntry is the persisted record of one digest attempt.
type LogEntry struct {
	ChatID       int64
	Channel      string
	ItemsCount   int
	TokensUsed   int
	Status       Status
	ErrorMessage string
	CreatedAt    time.Time
}

// Subscriber is a bot user with delivery preferences.
type Subscriber struct {
	ChatID       int64
	Username     string
	Channel      string
	ScheduleTime string // "HH:MM" in the scheduler's timezone
	Active       bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Store is the persistence surface the orchestrator needs. The full
// subscriber CRUD lives in internal/storage; the pipeline only reads the
// active set and appends log entries.
type Store interface {
	ActiveSubscribers(ctx context.Context) ([]Subscriber, error)
	AppendLog(ctx context.Context, e LogEntry) error
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
