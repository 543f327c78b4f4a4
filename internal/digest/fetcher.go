package digest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"digestbot/pkg/logx"
)

// ErrSourceUnavailable marks a channel that does not exist or cannot be read.
var ErrSourceUnavailable = errors.New("source channel unavailable")

// SourceMessage is one raw history entry as returned by the source client,
// before window and content filtering.
type SourceMessage struct {
	ID      int
	Text    string
	Service bool // join/leave/pin and similar administrative events
	Date    time.Time
}

// SourceClient pages a channel's history newest-first and resolves a channel
// name to confirm it exists. Implemented by internal/source/telegram; tests
// use fakes.
type SourceClient interface {
	History(ctx context.Context, channel string, limit int) ([]SourceMessage, error)
	Resolve(ctx context.Context, channel string) error
}

type FetcherConfig struct {
	Window   time.Duration // lookback window, default 24h
	MaxItems int           // history page cap, default 100
}

// Fetcher collects qualifying posts from a channel within the lookback window.
type Fetcher struct {
	src SourceClient
	cfg FetcherConfig
	log logx.Logger

	now func() time.Time
}

func NewFetcher(src SourceClient, cfg FetcherConfig, log logx.Logger) *Fetcher {
	if cfg.Window <= 0 {
		cfg.Window = 24 * time.Hour
	}
	if cfg.MaxItems <= 0 {
		cfg.MaxItems = 100
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Fetcher{src: src, cfg: cfg, log: log, now: time.Now}
}

// NormalizeChannel strips the leading @ and surrounding whitespace from a
// channel username.
func NormalizeChannel(channel string) string {
	return strings.TrimPrefix(strings.TrimSpace(channel), "@")
}

// Fetch returns the channel's posts newer than now-window, newest-first.
// History is assumed monotonically non-increasing in time, so the walk stops
// at the first message older than the cutoff. Service messages and messages
// without usable text are dropped.
func (f *Fetcher) Fetch(ctx context.Context, channel string) ([]Post, error) {
	channel = NormalizeChannel(channel)
	cutoff := f.now().UTC().Add(-f.cfg.Window)

	history, err := f.src.History(ctx, channel, f.cfg.MaxItems)
	if err != nil {
		// A canceled or timed-out run is not a statement about the channel.
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("history of @%s: %w", channel, err)
		}
		return nil, fmt.Errorf("%w: @%s: %v", ErrSourceUnavailable, channel, err)
	}

	posts := make([]Post, 0, len(history))
	for _, m := range history {
		if m.Date.Before(cutoff) {
			break
		}
		if m.Service {
			continue
		}
		if strings.TrimSpace(m.Text) == "" {
			continue
		}
		posts = append(posts, Post{
			ID:   m.ID,
			Text: m.Text,
			Link: fmt.Sprintf("https://t.me/%s/%d", channel, m.ID),
			Date: m.Date,
		})
		if len(posts) >= f.cfg.MaxItems {
			break
		}
	}

	f.log.Debug("channel history fetched",
		logx.String("channel", channel),
		logx.Int("raw", len(history)),
		logx.Int("qualifying", len(posts)))
	return posts, nil
}

// CanAccess probes whether the channel resolves at all. Used by the
// registration flow before storing a channel; it swallows every error and
// reports plain false instead.
func (f *Fetcher) CanAccess(ctx context.Context, channel string) bool {
	channel = NormalizeChannel(channel)
	if channel == "" {
		return false
	}
	if err := f.src.Resolve(ctx, channel); err != nil {
		f.log.Debug("channel not accessible", logx.String("channel", channel), logx.Err(err))
		return false
	}
	return true
}
