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

type memStore struct {
	mu      sync.Mutex
	subs    []Subscriber
	subsErr error
	entries []LogEntry
}

func (m *memStore) ActiveSubscribers(context.Context) ([]Subscriber, error) {
	return m.subs, m.subsErr
}

func (m *memStore) AppendLog(_ context.Context, e LogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, e)
	return nil
}

func (m *memStore) logs() []LogEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]LogEntry(nil), m.entries...)
}

type pipelineFakes struct {
	source *fakeSource
	model  *fakeModel
	sender *fakeSender
	store  *memStore
}

func newTestOrchestrator(t *testing.T, f pipelineFakes, cfg OrchestratorConfig) *Orchestrator {
	t.Helper()
	if f.source == nil {
		f.source = &fakeSource{history: []SourceMessage{
			{ID: 1, Text: "a post", Date: time.Now().UTC()},
		}}
	}
	if f.model == nil {
		f.model = &fakeModel{responses: []func() (Completion, error){ok("digest", 10)}}
	}
	if f.sender == nil {
		f.sender = &fakeSender{}
	}
	if f.store == nil {
		f.store = &memStore{}
	}
	fetcher := NewFetcher(f.source, FetcherConfig{}, logx.Nop())
	summarizer := NewSummarizer(f.model, RetryPolicy{}, nil, logx.Nop())
	summarizer.sleep = func(context.Context, time.Duration) error { return nil }
	deliverer := NewDeliverer(f.sender, logx.Nop())
	return NewOrchestrator(fetcher, summarizer, deliverer, f.store, cfg, logx.Nop())
}

func TestRunForOneSuccess(t *testing.T) {
	t.Parallel()
	store := &memStore{}
	o := newTestOrchestrator(t, pipelineFakes{store: store}, OrchestratorConfig{})

	o.RunForOne(context.Background(), 42, "@chan")

	logs := store.logs()
	if len(logs) != 1 {
		t.Fatalf("got %d log entries, want 1", len(logs))
	}
	e := logs[0]
	if e.Status != StatusSuccess || e.ChatID != 42 || e.Channel != "chan" {
		t.Fatalf("entry = %+v", e)
	}
	if e.ItemsCount != 1 || e.TokensUsed != 10 {
		t.Fatalf("entry counters = %+v", e)
	}
}

func TestRunForOneNoContent(t *testing.T) {
	t.Parallel()
	store := &memStore{}
	sender := &fakeSender{}
	o := newTestOrchestrator(t, pipelineFakes{
		source: &fakeSource{}, // empty history
		store:  store,
		sender: sender,
	}, OrchestratorConfig{})

	o.RunForOne(context.Background(), 1, "quiet")

	logs := store.logs()
	if len(logs) != 1 || logs[0].Status != StatusNoContent {
		t.Fatalf("logs = %+v", logs)
	}
	if logs[0].TokensUsed != 0 {
		t.Fatalf("TokensUsed = %d, want 0 for no-news", logs[0].TokensUsed)
	}
	if len(sender.sent) != 1 || !strings.Contains(sender.sent[0].text, "No important news") {
		t.Fatalf("no-news message not delivered: %+v", sender.sent)
	}
}

func TestRunForOneFetchFailure(t *testing.T) {
	t.Parallel()
	store := &memStore{}
	sender := &fakeSender{}
	o := newTestOrchestrator(t, pipelineFakes{
		source: &fakeSource{historyErr: errors.New("CHANNEL_PRIVATE")},
		store:  store,
		sender: sender,
	}, OrchestratorConfig{})

	o.RunForOne(context.Background(), 1, "locked")

	logs := store.logs()
	if len(logs) != 1 || logs[0].Status != StatusError {
		t.Fatalf("logs = %+v", logs)
	}
	if !strings.Contains(logs[0].ErrorMessage, "CHANNEL_PRIVATE") {
		t.Fatalf("ErrorMessage = %q", logs[0].ErrorMessage)
	}
	// The recipient gets the source-specific notice.
	if len(sender.sent) == 0 || !strings.Contains(sender.sent[0].text, "Could not read the channel @locked") {
		t.Fatalf("notice = %+v", sender.sent)
	}
}

func TestRunForOneSummarizeFailureNotice(t *testing.T) {
	t.Parallel()
	store := &memStore{}
	sender := &fakeSender{}
	o := newTestOrchestrator(t, pipelineFakes{
		model:  &fakeModel{responses: []func() (Completion, error){fail(errors.New("model down"))}},
		store:  store,
		sender: sender,
	}, OrchestratorConfig{})

	o.RunForOne(context.Background(), 1, "chan")

	logs := store.logs()
	if len(logs) != 1 || logs[0].Status != StatusError {
		t.Fatalf("logs = %+v", logs)
	}
	if len(sender.sent) == 0 || !strings.Contains(sender.sent[0].text, "Something went wrong") {
		t.Fatalf("notice = %+v", sender.sent)
	}
}

func TestRunForOneDeliveryFailure(t *testing.T) {
	t.Parallel()
	store := &memStore{}
	sender := &fakeSender{failers: []error{errors.New("bad html"), errors.New("blocked")}}
	o := newTestOrchestrator(t, pipelineFakes{store: store, sender: sender}, OrchestratorConfig{})

	o.RunForOne(context.Background(), 1, "chan")

	logs := store.logs()
	if len(logs) != 1 || logs[0].Status != StatusError {
		t.Fatalf("logs = %+v", logs)
	}
	if logs[0].ErrorMessage != deliveryFailedMessage {
		t.Fatalf("ErrorMessage = %q", logs[0].ErrorMessage)
	}
}

func TestErrorMessageCapped(t *testing.T) {
	t.Parallel()
	store := &memStore{}
	longErr := strings.Repeat("e", maxLoggedErrorRunes+500)
	o := newTestOrchestrator(t, pipelineFakes{
		source: &fakeSource{historyErr: errors.New(longErr)},
		store:  store,
	}, OrchestratorConfig{})

	o.RunForOne(context.Background(), 1, "chan")

	logs := store.logs()
	if len(logs) != 1 {
		t.Fatalf("got %d logs", len(logs))
	}
	if n := len([]rune(logs[0].ErrorMessage)); n != maxLoggedErrorRunes {
		t.Fatalf("error message length = %d, want cap %d", n, maxLoggedErrorRunes)
	}
}

func TestRunForAllIsolation(t *testing.T) {
	t.Parallel()
	store := &memStore{subs: []Subscriber{
		{ChatID: 1, Channel: "good", Active: true},
		{ChatID: 2, Channel: "bad", Active: true},
		{ChatID: 3, Channel: "", Active: true}, // skipped: no channel
		{ChatID: 4, Channel: "good2", Active: true},
	}}
	// The source fails only for the "bad" channel.
	src := &perChannelSource{
		histories: map[string][]SourceMessage{
			"good":  {{ID: 1, Text: "x", Date: time.Now().UTC()}},
			"good2": {{ID: 2, Text: "y", Date: time.Now().UTC()}},
		},
		errs: map[string]error{"bad": errors.New("CHANNEL_PRIVATE")},
	}
	o := newTestOrchestrator(t, pipelineFakes{store: store}, OrchestratorConfig{Workers: 2})
	o.fetcher = NewFetcher(src, FetcherConfig{}, logx.Nop())

	n := o.RunForAll(context.Background())
	if n != 3 {
		t.Fatalf("processed = %d, want 3", n)
	}

	byChat := map[int64]LogEntry{}
	for _, e := range store.logs() {
		byChat[e.ChatID] = e
	}
	if len(byChat) != 3 {
		t.Fatalf("entries for %d chats, want 3: %+v", len(byChat), byChat)
	}
	if byChat[1].Status != StatusSuccess || byChat[4].Status != StatusSuccess {
		t.Fatalf("good chats: %+v", byChat)
	}
	if byChat[2].Status != StatusError {
		t.Fatalf("bad chat: %+v", byChat[2])
	}
	if _, ok := byChat[3]; ok {
		t.Fatal("channel-less subscriber should be skipped")
	}
}

func TestRunForOneExpiredContextStillLogs(t *testing.T) {
	t.Parallel()
	store := &memStore{}
	sender := &fakeSender{}
	o := newTestOrchestrator(t, pipelineFakes{store: store, sender: sender}, OrchestratorConfig{})
	o.fetcher = NewFetcher(ctxBoundSource{}, FetcherConfig{}, logx.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	o.RunForOne(ctx, 7, "chan")

	logs := store.logs()
	if len(logs) != 1 {
		t.Fatalf("got %d log entries, want exactly 1: %+v", len(logs), logs)
	}
	e := logs[0]
	if e.Status != StatusError || e.ChatID != 7 {
		t.Fatalf("entry = %+v", e)
	}
	if !strings.Contains(e.ErrorMessage, "context canceled") {
		t.Fatalf("ErrorMessage = %q", e.ErrorMessage)
	}
	// A context error is not a channel problem: the generic notice goes out,
	// carried by a fresh short-lived context.
	if len(sender.sent) != 1 || !strings.Contains(sender.sent[0].text, "Something went wrong") {
		t.Fatalf("notice = %+v", sender.sent)
	}
}

func TestRunForOneOpenBreakerSkipsTransport(t *testing.T) {
	t.Parallel()
	store := &memStore{}
	sender := &fakeSender{failers: []error{errors.New("bad html"), errors.New("blocked")}}
	o := newTestOrchestrator(t, pipelineFakes{store: store, sender: sender}, OrchestratorConfig{
		Breaker: BreakerConfig{TripFailures: 1, BaseDelay: time.Minute},
	})

	// First run fails both send attempts and trips the breaker.
	o.RunForOne(context.Background(), 1, "chan")
	sends := len(sender.sent)
	if sends != 2 {
		t.Fatalf("sent %d messages on the tripping run, want 2", sends)
	}

	// While open, the next run must not touch the transport at all, yet
	// still record the failed delivery.
	o.RunForOne(context.Background(), 2, "chan")
	if len(sender.sent) != sends {
		t.Fatalf("transport hit while breaker open: %d sends", len(sender.sent))
	}

	logs := store.logs()
	if len(logs) != 2 {
		t.Fatalf("got %d log entries, want 2: %+v", len(logs), logs)
	}
	for _, e := range logs {
		if e.Status != StatusError || e.ErrorMessage != deliveryFailedMessage {
			t.Fatalf("entry = %+v", e)
		}
	}
}

func TestRunForAllStoreFailure(t *testing.T) {
	t.Parallel()
	store := &memStore{subsErr: errors.New("db locked")}
	o := newTestOrchestrator(t, pipelineFakes{store: store}, OrchestratorConfig{})
	if n := o.RunForAll(context.Background()); n != 0 {
		t.Fatalf("processed = %d, want 0", n)
	}
}

// ctxBoundSource surfaces the context's own error, like a real client
// aborting an in-flight request.
type ctxBoundSource struct{}

func (ctxBoundSource) History(ctx context.Context, _ string, _ int) ([]SourceMessage, error) {
	return nil, ctx.Err()
}

func (ctxBoundSource) Resolve(ctx context.Context, _ string) error { return ctx.Err() }

type perChannelSource struct {
	histories map[string][]SourceMessage
	errs      map[string]error
}

func (p *perChannelSource) History(_ context.Context, channel string, _ int) ([]SourceMessage, error) {
	if err := p.errs[channel]; err != nil {
		return nil, err
	}
	return p.histories[channel], nil
}

func (p *perChannelSource) Resolve(_ context.Context, channel string) error {
	return p.errs[channel]
}
