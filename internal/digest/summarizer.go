package digest

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"digestbot/pkg/logx"
)

const (
	// maxPostRunes bounds the per-post text sent to the model so a handful of
	// long-form posts cannot blow up the request payload.
	maxPostRunes = 2000

	noNewsText             = "No important news from the channel in the last 24 hours."
	emptyModelFallbackText = "Could not generate a digest. Please try again later."

	systemPrompt = `You are a news editor writing a short digest of Telegram channel posts.
Group related posts, keep only what matters and order items by importance.
For every item give a one or two sentence summary followed by a link to the
original post formatted as <a href="LINK">source</a>. You may use <b> for
item titles and <i> for asides; no other markup is allowed. Reply in the
language the posts are written in.`
)

// Completion is a single model response.
type Completion struct {
	Content    string
	TokensUsed int
}

// ModelClient performs one chat-completion request. Implemented by
// internal/adapters/openrouter; tests use fakes.
type ModelClient interface {
	Complete(ctx context.Context, system, user string) (Completion, error)
}

// FailureClass buckets transient model-call failures for backoff purposes.
type FailureClass int

const (
	ClassUpstream FailureClass = iota
	ClassRateLimit
	ClassTimeout
)

func (c FailureClass) String() string {
	switch c {
	case ClassRateLimit:
		return "rate_limit"
	case ClassTimeout:
		return "timeout"
	default:
		return "upstream"
	}
}

// RetryPolicy decides how many attempts to make and how long to wait between
// them. Rate limits back off linearly with the attempt number; timeouts and
// generic upstream errors wait a flat base delay.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = 2 * time.Second
	}
	return p
}

func (p RetryPolicy) Delay(class FailureClass, attempt int) time.Duration {
	if class == ClassRateLimit {
		return p.BaseDelay * time.Duration(attempt)
	}
	return p.BaseDelay
}

// SummarizationError is raised after the retry budget is exhausted.
type SummarizationError struct {
	Attempts int
	Last     error
}

func (e *SummarizationError) Error() string {
	return fmt.Sprintf("failed to generate digest after %d attempts: %v", e.Attempts, e.Last)
}

func (e *SummarizationError) Unwrap() error { return e.Last }

// Summarizer turns a batch of posts into a digest via the model client.
type Summarizer struct {
	client   ModelClient
	policy   RetryPolicy
	classify func(error) FailureClass
	log      logx.Logger

	// sleep is a seam so tests can observe backoff without waiting.
	sleep func(ctx context.Context, d time.Duration) error
}

func NewSummarizer(client ModelClient, policy RetryPolicy, classify func(error) FailureClass, log logx.Logger) *Summarizer {
	if classify == nil {
		classify = func(error) FailureClass { return ClassUpstream }
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Summarizer{
		client:   client,
		policy:   policy.withDefaults(),
		classify: classify,
		log:      log,
		sleep:    sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Summarize produces a digest for the posts. An empty input short-circuits to
// the fixed no-news result without touching the network. A model response
// with only whitespace is treated as a soft failure: the fixed fallback text
// is returned with the real token count and a nil error.
func (s *Summarizer) Summarize(ctx context.Context, posts []Post) (Result, error) {
	if len(posts) == 0 {
		return Result{Text: noNewsText}, nil
	}

	user, err := buildUserPrompt(posts)
	if err != nil {
		return Result{}, fmt.Errorf("encode posts payload: %w", err)
	}

	var last error
	for attempt := 1; attempt <= s.policy.MaxAttempts; attempt++ {
		c, err := s.client.Complete(ctx, systemPrompt, user)
		if err == nil {
			s.log.Info("model response received",
				logx.Int("chars", len(c.Content)),
				logx.Int("tokens", c.TokensUsed))
			if strings.TrimSpace(c.Content) == "" {
				s.log.Warn("model returned empty content, using fallback")
				return Result{Text: emptyModelFallbackText, TokensUsed: c.TokensUsed}, nil
			}
			return Result{Text: c.Content, TokensUsed: c.TokensUsed}, nil
		}

		last = err
		class := s.classify(err)
		s.log.Warn("model call failed",
			logx.String("class", class.String()),
			logx.Int("attempt", attempt),
			logx.Int("max_attempts", s.policy.MaxAttempts),
			logx.Err(err))

		if attempt == s.policy.MaxAttempts {
			break
		}
		if err := s.sleep(ctx, s.policy.Delay(class, attempt)); err != nil {
			return Result{}, &SummarizationError{Attempts: attempt, Last: last}
		}
	}

	return Result{}, &SummarizationError{Attempts: s.policy.MaxAttempts, Last: last}
}

func buildUserPrompt(posts []Post) (string, error) {
	trimmed := make([]Post, len(posts))
	for i, p := range posts {
		p.Text = truncateRunes(p.Text, maxPostRunes)
		trimmed[i] = p
	}
	b, err := json.MarshalIndent(trimmed, "", "  ")
	if err != nil {
		return "", err
	}
	return "Channel posts from the lookback window:\n\n" + string(b), nil
}
