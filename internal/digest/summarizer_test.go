package digest

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"digestbot/pkg/logx"
)

type fakeModel struct {
	mu        sync.Mutex
	responses []func() (Completion, error)
	calls     int
	prompts   []string
}

func (f *fakeModel) Complete(_ context.Context, _ string, user string) (Completion, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prompts = append(f.prompts, user)
	i := f.calls
	f.calls++
	if i >= len(f.responses) {
		i = len(f.responses) - 1
	}
	return f.responses[i]()
}

func ok(text string, tokens int) func() (Completion, error) {
	return func() (Completion, error) { return Completion{Content: text, TokensUsed: tokens}, nil }
}

func fail(err error) func() (Completion, error) {
	return func() (Completion, error) { return Completion{}, err }
}

func TestSummarizeEmptyPosts(t *testing.T) {
	t.Parallel()
	m := &fakeModel{responses: []func() (Completion, error){ok("unused", 99)}}
	s := NewSummarizer(m, RetryPolicy{}, nil, logx.Nop())

	res, err := s.Summarize(context.Background(), nil)
	if err != nil {
		t.Fatalf("Summarize error: %v", err)
	}
	if res.Text != noNewsText {
		t.Fatalf("Text = %q, want no-news text", res.Text)
	}
	if res.TokensUsed != 0 {
		t.Fatalf("TokensUsed = %d, want 0", res.TokensUsed)
	}
	if m.calls != 0 {
		t.Fatalf("model called %d times for empty posts", m.calls)
	}
}

func TestSummarizeSuccessFirstTry(t *testing.T) {
	t.Parallel()
	m := &fakeModel{responses: []func() (Completion, error){ok("digest text", 123)}}
	s := NewSummarizer(m, RetryPolicy{}, nil, logx.Nop())

	posts := []Post{{ID: 1, Text: "hello", Link: "https://t.me/c/1"}}
	res, err := s.Summarize(context.Background(), posts)
	if err != nil {
		t.Fatalf("Summarize error: %v", err)
	}
	if res.Text != "digest text" || res.TokensUsed != 123 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if len(m.prompts) != 1 || !strings.Contains(m.prompts[0], "https://t.me/c/1") {
		t.Fatalf("post link missing from prompt")
	}
}

func TestSummarizeRetriesThenSucceeds(t *testing.T) {
	t.Parallel()
	boom := errors.New("upstream boom")
	m := &fakeModel{responses: []func() (Completion, error){
		fail(boom),
		fail(boom),
		ok("third time lucky", 7),
	}}
	s := NewSummarizer(m, RetryPolicy{MaxAttempts: 3, BaseDelay: 2 * time.Second}, nil, logx.Nop())
	var slept []time.Duration
	s.sleep = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}

	res, err := s.Summarize(context.Background(), []Post{{ID: 1, Text: "x"}})
	if err != nil {
		t.Fatalf("Summarize error: %v", err)
	}
	if res.Text != "third time lucky" {
		t.Fatalf("Text = %q", res.Text)
	}
	if m.calls != 3 {
		t.Fatalf("calls = %d, want 3", m.calls)
	}
	// Upstream errors wait a flat base delay between attempts.
	if len(slept) != 2 || slept[0] != 2*time.Second || slept[1] != 2*time.Second {
		t.Fatalf("slept = %v", slept)
	}
}

func TestSummarizeExhaustsRetries(t *testing.T) {
	t.Parallel()
	boom := errors.New("still down")
	m := &fakeModel{responses: []func() (Completion, error){fail(boom)}}
	s := NewSummarizer(m, RetryPolicy{MaxAttempts: 3}, nil, logx.Nop())
	s.sleep = func(context.Context, time.Duration) error { return nil }

	_, err := s.Summarize(context.Background(), []Post{{ID: 1, Text: "x"}})
	var serr *SummarizationError
	if !errors.As(err, &serr) {
		t.Fatalf("error = %v, want SummarizationError", err)
	}
	if serr.Attempts != 3 {
		t.Fatalf("Attempts = %d, want 3", serr.Attempts)
	}
	if !errors.Is(err, boom) {
		t.Fatal("SummarizationError should wrap the last cause")
	}
	if m.calls != 3 {
		t.Fatalf("calls = %d, want 3", m.calls)
	}
}

func TestSummarizeRateLimitBackoffGrows(t *testing.T) {
	t.Parallel()
	limited := errors.New("429")
	m := &fakeModel{responses: []func() (Completion, error){fail(limited)}}
	classify := func(error) FailureClass { return ClassRateLimit }
	s := NewSummarizer(m, RetryPolicy{MaxAttempts: 3, BaseDelay: time.Second}, classify, logx.Nop())
	var slept []time.Duration
	s.sleep = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}

	_, err := s.Summarize(context.Background(), []Post{{ID: 1, Text: "x"}})
	if err == nil {
		t.Fatal("expected error")
	}
	// Rate-limit delay scales with the attempt number.
	if len(slept) != 2 || slept[0] != time.Second || slept[1] != 2*time.Second {
		t.Fatalf("slept = %v", slept)
	}
}

func TestSummarizeEmptyContentFallback(t *testing.T) {
	t.Parallel()
	m := &fakeModel{responses: []func() (Completion, error){ok("   \n\t ", 55)}}
	s := NewSummarizer(m, RetryPolicy{}, nil, logx.Nop())

	res, err := s.Summarize(context.Background(), []Post{{ID: 1, Text: "x"}})
	if err != nil {
		t.Fatalf("Summarize error: %v", err)
	}
	if res.Text != emptyModelFallbackText {
		t.Fatalf("Text = %q, want fallback", res.Text)
	}
	if res.TokensUsed != 55 {
		t.Fatalf("TokensUsed = %d, want the real count", res.TokensUsed)
	}
	if m.calls != 1 {
		t.Fatalf("calls = %d, want 1 (no retry on empty content)", m.calls)
	}
}

func TestSummarizeCanceledDuringBackoff(t *testing.T) {
	t.Parallel()
	m := &fakeModel{responses: []func() (Completion, error){fail(errors.New("down"))}}
	s := NewSummarizer(m, RetryPolicy{MaxAttempts: 3}, nil, logx.Nop())
	s.sleep = func(context.Context, time.Duration) error { return context.Canceled }

	_, err := s.Summarize(context.Background(), []Post{{ID: 1, Text: "x"}})
	var serr *SummarizationError
	if !errors.As(err, &serr) {
		t.Fatalf("error = %v, want SummarizationError", err)
	}
	if serr.Attempts != 1 {
		t.Fatalf("Attempts = %d, want 1 (aborted during first backoff)", serr.Attempts)
	}
}

func TestBuildUserPromptTruncatesLongPosts(t *testing.T) {
	t.Parallel()
	long := strings.Repeat("a", maxPostRunes+500)
	got, err := buildUserPrompt([]Post{{ID: 1, Text: long, Link: "https://t.me/c/1"}})
	if err != nil {
		t.Fatalf("buildUserPrompt error: %v", err)
	}
	if strings.Contains(got, long) {
		t.Fatal("long post not truncated")
	}
	if !strings.Contains(got, strings.Repeat("a", maxPostRunes)) {
		t.Fatal("truncated post missing from prompt")
	}
}
