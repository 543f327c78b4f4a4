package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"digestbot/internal/digest"
	"digestbot/pkg/logx"
)

type recordingRunner struct {
	mu   sync.Mutex
	runs []int64
}

func (r *recordingRunner) RunForOne(_ context.Context, chatID int64, _ string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs = append(r.runs, chatID)
}

type fakeDueStore struct {
	due map[string][]digest.Subscriber
	err error
}

func (f *fakeDueStore) SubscribersDueAt(_ context.Context, hhmm string) ([]digest.Subscriber, error) {
	return f.due[hhmm], f.err
}

func TestLoadLocation(t *testing.T) {
	t.Parallel()
	if loc, err := loadLocation(""); err != nil || loc != time.UTC {
		t.Fatalf("empty: %v %v", loc, err)
	}
	if loc, err := loadLocation(" UTC "); err != nil || loc != time.UTC {
		t.Fatalf("padded: %v %v", loc, err)
	}
	if _, err := loadLocation("Nowhere/Void"); err == nil {
		t.Fatal("expected error for bogus zone")
	}
}

func TestTickEnqueuesDueSubscribers(t *testing.T) {
	t.Parallel()
	hhmm := time.Now().UTC().Format("15:04")
	store := &fakeDueStore{due: map[string][]digest.Subscriber{
		hhmm: {
			{ChatID: 1, Channel: "a"},
			{ChatID: 2, Channel: ""}, // no channel, skipped
			{ChatID: 3, Channel: "c"},
		},
	}}
	s := New(Config{Enabled: true}, &recordingRunner{}, store, logx.Nop())
	s.loc = time.UTC
	s.runCtx = context.Background()
	s.queue = make(chan job, 8)
	s.running = true

	s.tick()

	close(s.queue)
	var got []int64
	for j := range s.queue {
		got = append(got, j.chatID)
	}
	if len(got) != 2 || got[0] != 1 || got[1] != 3 {
		t.Fatalf("queued = %v", got)
	}
}

func TestTickStoreErrorDoesNotPanic(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: true}, &recordingRunner{}, &fakeDueStore{err: errors.New("db gone")}, logx.Nop())
	s.loc = time.UTC
	s.runCtx = context.Background()
	s.queue = make(chan job, 1)
	s.running = true

	s.tick()
	if len(s.queue) != 0 {
		t.Fatal("queue should stay empty on store error")
	}
}

func TestWorkerRecoversPanic(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: true}, panicRunner{}, &fakeDueStore{}, logx.Nop())

	queue := make(chan job, 2)
	queue <- job{chatID: 1, channel: "a"}
	queue <- job{chatID: 2, channel: "b"}
	close(queue)

	// Must drain both jobs despite the first one panicking.
	s.worker(context.Background(), queue, 0)
}

type panicRunner struct{}

func (panicRunner) RunForOne(_ context.Context, chatID int64, _ string) {
	if chatID == 1 {
		panic("boom")
	}
}

func TestStartDisabled(t *testing.T) {
	t.Parallel()
	runner := &recordingRunner{}
	s := New(Config{Enabled: false}, runner, &fakeDueStore{}, logx.Nop())
	s.Start(context.Background())
	if s.running {
		t.Fatal("disabled scheduler should not start")
	}
	s.Stop() // no-op, must not hang
}

func TestStartStop(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: true, Timezone: "UTC", Workers: 1}, &recordingRunner{}, &fakeDueStore{}, logx.Nop())
	s.Start(context.Background())
	if !s.running {
		t.Fatal("scheduler did not start")
	}
	s.Stop()
	if s.running {
		t.Fatal("scheduler did not stop")
	}
}

func TestApplyRestartsOnWorkerChange(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: true, Timezone: "UTC", Workers: 1}, &recordingRunner{}, &fakeDueStore{}, logx.Nop())
	s.Start(context.Background())
	defer s.Stop()

	s.mu.Lock()
	oldQueue := s.queue
	s.mu.Unlock()

	s.Apply(Config{Enabled: true, Timezone: "UTC", Workers: 3})

	s.mu.Lock()
	running := s.running
	workers := s.cfg.Workers
	rebuilt := s.queue != oldQueue
	s.mu.Unlock()

	if !running {
		t.Fatal("scheduler not running after worker-count change")
	}
	if workers != 3 {
		t.Fatalf("workers = %d, want 3", workers)
	}
	if !rebuilt {
		t.Fatal("worker pool was not rebuilt for the new count")
	}
}

func TestApplyStartsWhenEnabledLater(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: false, Timezone: "UTC"}, &recordingRunner{}, &fakeDueStore{}, logx.Nop())
	s.Start(context.Background()) // records the context, stays stopped
	if s.running {
		t.Fatal("disabled scheduler should not start")
	}

	s.Apply(Config{Enabled: true, Timezone: "UTC"})
	defer s.Stop()

	s.mu.Lock()
	running := s.running
	s.mu.Unlock()
	if !running {
		t.Fatal("scheduler did not start after being enabled")
	}
}
