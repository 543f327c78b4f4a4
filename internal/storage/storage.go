// Package storage persists subscribers and the digest delivery log in
// SQLite. The schema is embedded and applied idempotently on open.
package storage

import (
	"context"
	"time"

	"digestbot/internal/digest"
)

type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means default
}

// Store is the persistence API used by the bot front-end, the scheduler and
// the digest pipeline. Implementations must be safe for concurrent use.
type Store interface {
	// Subscriber CRUD (bot front-end).
	UpsertSubscriber(ctx context.Context, chatID int64, username string) error
	Subscriber(ctx context.Context, chatID int64) (digest.Subscriber, bool, error)
	SetChannel(ctx context.Context, chatID int64, channel string) error
	SetSchedule(ctx context.Context, chatID int64, hhmm string) error
	SetActive(ctx context.Context, chatID int64, active bool) error

	// Pipeline + scheduler reads/writes.
	ActiveSubscribers(ctx context.Context) ([]digest.Subscriber, error)
	SubscribersDueAt(ctx context.Context, hhmm string) ([]digest.Subscriber, error)
	AppendLog(ctx context.Context, e digest.LogEntry) error
	RecentLogs(ctx context.Context, chatID int64, limit int) ([]digest.LogEntry, error)

	Close() error
}
