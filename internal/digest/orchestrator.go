package digest

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"digestbot/pkg/logx"
)

const (
	// maxLoggedErrorRunes caps the error detail stored in a log entry.
	maxLoggedErrorRunes = 1000

	deliveryFailedMessage = "failed to send message"
)

type OrchestratorConfig struct {
	// TaskTimeout bounds one recipient's whole pipeline; default 5m.
	TaskTimeout time.Duration
	// Workers caps concurrent recipient pipelines in batch runs; default 1
	// (strictly sequential).
	Workers int
	// ModelCallsPerMinute rate-limits summarization calls across concurrent
	// pipelines; 0 means unlimited.
	ModelCallsPerMinute int

	Breaker BreakerConfig
}

func (c OrchestratorConfig) withDefaults() OrchestratorConfig {
	if c.TaskTimeout <= 0 {
		c.TaskTimeout = 5 * time.Minute
	}
	if c.Workers <= 0 {
		c.Workers = 1
	}
	return c
}

// Orchestrator runs the fetch -> summarize -> deliver chain for one
// recipient, or for every active subscriber with per-recipient isolation.
// Failures never escape its boundary; every attempt ends in exactly one log
// entry.
type Orchestrator struct {
	fetcher    *Fetcher
	summarizer *Summarizer
	deliverer  *Deliverer
	store      Store
	cfg        OrchestratorConfig
	log        logx.Logger

	limiter *rate.Limiter
	breaker *Breaker
}

func NewOrchestrator(f *Fetcher, s *Summarizer, d *Deliverer, store Store, cfg OrchestratorConfig, log logx.Logger) *Orchestrator {
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	var limiter *rate.Limiter
	if n := cfg.ModelCallsPerMinute; n > 0 {
		limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(n)), 1)
	}
	return &Orchestrator{
		fetcher:    f,
		summarizer: s,
		deliverer:  d,
		store:      store,
		cfg:        cfg,
		log:        log,
		limiter:    limiter,
		breaker:    NewBreaker(cfg.Breaker),
	}
}

// RunForOne generates and delivers one digest. Fetch and summarize errors
// are converted into an error log entry plus a best-effort notice to the
// recipient; a failed delivery is logged without a second notice (the
// channel to the recipient is presumed degraded).
func (o *Orchestrator) RunForOne(ctx context.Context, chatID int64, channel string) {
	channel = NormalizeChannel(channel)
	log := o.log.With(logx.Int64("chat_id", chatID), logx.String("channel", channel))
	log.Info("generating digest")

	ctx, cancel := context.WithTimeout(ctx, o.cfg.TaskTimeout)
	defer cancel()

	posts, err := o.fetcher.Fetch(ctx, channel)
	if err != nil {
		log.Error("fetch failed", logx.Err(err))
		o.failRun(ctx, chatID, channel, err)
		return
	}
	log.Info("posts fetched", logx.Int("count", len(posts)))

	if o.limiter != nil && len(posts) > 0 {
		if err := o.limiter.Wait(ctx); err != nil {
			log.Error("model rate limiter wait aborted", logx.Err(err))
			o.failRun(ctx, chatID, channel, err)
			return
		}
	}

	res, err := o.summarizer.Summarize(ctx, posts)
	if err != nil {
		log.Error("summarization failed", logx.Err(err))
		o.failRun(ctx, chatID, channel, err)
		return
	}

	out := o.deliver(ctx, chatID, res.Text)

	entry := LogEntry{
		ChatID:     chatID,
		Channel:    channel,
		ItemsCount: len(posts),
		TokensUsed: res.TokensUsed,
		Status:     StatusSuccess,
	}
	switch {
	case !out.Delivered:
		entry.Status = StatusError
		entry.ErrorMessage = deliveryFailedMessage
		log.Error("digest not delivered", logx.Err(out.Err))
	case len(posts) == 0:
		entry.Status = StatusNoContent
		log.Info("no qualifying posts, no-news digest delivered")
	default:
		log.Info("digest delivered", logx.Int("items", len(posts)), logx.Int("tokens", res.TokensUsed))
	}
	o.appendLog(ctx, entry)
}

// RunForAll processes every active subscriber with a configured channel and
// returns the number attempted. One recipient's failure (including a panic)
// never aborts the rest.
func (o *Orchestrator) RunForAll(ctx context.Context) int {
	subs, err := o.store.ActiveSubscribers(ctx)
	if err != nil {
		o.log.Error("load active subscribers", logx.Err(err))
		return 0
	}
	o.log.Info("batch digest run", logx.Int("subscribers", len(subs)))

	sem := make(chan struct{}, o.cfg.Workers)
	var wg sync.WaitGroup
	processed := 0

	for _, sub := range subs {
		if sub.Channel == "" {
			continue
		}
		processed++

		sem <- struct{}{}
		wg.Add(1)
		go func(sub Subscriber) {
			defer wg.Done()
			defer func() { <-sem }()
			defer func() {
				if r := recover(); r != nil {
					o.log.Error("panic in digest pipeline",
						logx.Int64("chat_id", sub.ChatID),
						logx.Any("panic", r),
						logx.String("stack", string(debug.Stack())))
					o.appendLog(ctx, LogEntry{
						ChatID:       sub.ChatID,
						Channel:      NormalizeChannel(sub.Channel),
						Status:       StatusError,
						ErrorMessage: truncateRunes(fmt.Sprint(r), maxLoggedErrorRunes),
					})
				}
			}()
			o.RunForOne(ctx, sub.ChatID, sub.Channel)
		}(sub)
	}

	wg.Wait()
	return processed
}

func (o *Orchestrator) deliver(ctx context.Context, chatID int64, text string) Outcome {
	if open, until := o.breaker.Open(); open {
		return Outcome{Err: fmt.Errorf("delivery circuit open until %s", until.Format(time.RFC3339))}
	}
	out := o.deliverer.Deliver(ctx, chatID, text)
	o.breaker.Record(out.Delivered)
	return out
}

// failRun writes the error log entry and sends one best-effort notice to the
// recipient explaining the failure.
func (o *Orchestrator) failRun(ctx context.Context, chatID int64, channel string, cause error) {
	o.appendLog(ctx, LogEntry{
		ChatID:       chatID,
		Channel:      channel,
		Status:       StatusError,
		ErrorMessage: truncateRunes(cause.Error(), maxLoggedErrorRunes),
	})

	nctx := ctx
	if nctx.Err() != nil {
		var cancel context.CancelFunc
		nctx, cancel = context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
	}
	_ = o.deliver(nctx, chatID, failureNotice(channel, cause))
}

func failureNotice(channel string, cause error) string {
	if errors.Is(cause, ErrSourceUnavailable) {
		return fmt.Sprintf("Could not read the channel @%s.\n\nPlease verify that the channel exists, is public and its username is spelled correctly.", channel)
	}
	return fmt.Sprintf("Something went wrong while generating the digest for @%s.\n\nTry again later or check that the channel is accessible.", channel)
}

// appendLog writes the attempt record. A run that hit its deadline still gets
// logged: a fresh short-lived context replaces the expired one.
func (o *Orchestrator) appendLog(ctx context.Context, e LogEntry) {
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
	}
	if err := o.store.AppendLog(ctx, e); err != nil {
		o.log.Error("append digest log",
			logx.Int64("chat_id", e.ChatID),
			logx.String("status", string(e.Status)),
			logx.Err(err))
	}
}
