// Package scheduler fires digest runs at each subscriber's local delivery time.
//
// A single cron entry ticks once a minute. On every tick the service asks
// the store which subscribers are due at the current wall-clock minute
// (formatted HH:MM in the configured timezone) and hands each of them to
// the runner on a worker pool.
package scheduler

import (
	"context"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"digestbot/internal/digest"
	"digestbot/pkg/logx"
)

type Config struct {
	Enabled  bool
	Timezone string // IANA name, default UTC
	Workers  int    // concurrent digest runs, default 2
}

// Runner executes one digest run. Satisfied by digest.Orchestrator.
type Runner interface {
	RunForOne(ctx context.Context, chatID int64, channel string)
}

// DueStore lists subscribers scheduled for a given wall-clock minute.
type DueStore interface {
	SubscribersDueAt(ctx context.Context, hhmm string) ([]digest.Subscriber, error)
}

type job struct {
	chatID  int64
	channel string
}

type Service struct {
	runner Runner
	store  DueStore
	log    logx.Logger

	mu        sync.Mutex
	cfg       Config
	loc       *time.Location
	c         *cron.Cron
	queue     chan job
	parentCtx context.Context
	runCtx    context.Context
	cancel    context.CancelFunc
	running   bool
	wg        sync.WaitGroup
}

func New(cfg Config, runner Runner, store DueStore, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{cfg: cfg, runner: runner, store: store, log: log}
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Apply swaps the config. A timezone, worker-count or enabled-flag change
// restarts the cron loop so the next tick uses the new settings.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	changed := strings.TrimSpace(s.cfg.Timezone) != strings.TrimSpace(cfg.Timezone) ||
		s.cfg.Enabled != cfg.Enabled ||
		s.cfg.Workers != cfg.Workers
	restart := s.running && changed
	start := !s.running && cfg.Enabled && changed
	s.cfg = cfg
	ctx := s.parentCtx
	s.mu.Unlock()

	if ctx == nil {
		return
	}
	if restart {
		s.Stop()
		s.Start(ctx)
	} else if start {
		s.Start(ctx)
	}
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.parentCtx = ctx
	if s.running || !s.cfg.Enabled {
		return
	}

	loc, err := loadLocation(s.cfg.Timezone)
	if err != nil {
		s.log.Warn("bad timezone, falling back to UTC", logx.String("tz", s.cfg.Timezone), logx.Err(err))
		loc = time.UTC
	}
	workers := s.cfg.Workers
	if workers <= 0 {
		workers = 2
	}

	s.loc = loc
	s.runCtx, s.cancel = context.WithCancel(ctx)
	s.queue = make(chan job, 64)
	s.c = cron.New(cron.WithLocation(loc))
	// Entry spec is fixed. Per-subscriber times live in the store, so the
	// cron table never has to change when a subscriber edits their schedule.
	if _, err := s.c.AddFunc("* * * * *", s.tick); err != nil {
		s.log.Error("register cron entry", logx.Err(err))
		s.cancel()
		return
	}

	runCtx := s.runCtx
	queue := s.queue
	s.wg.Add(workers)
	for i := 0; i < workers; i++ {
		idx := i
		go func() {
			defer s.wg.Done()
			s.worker(runCtx, queue, idx)
		}()
	}

	s.c.Start()
	s.running = true
	s.log.Info("scheduler started",
		logx.String("tz", loc.String()),
		logx.Int("workers", workers))
}

func (s *Service) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	c := s.c
	cancel := s.cancel
	queue := s.queue
	s.running = false
	s.c = nil
	s.queue = nil
	s.mu.Unlock()

	stopCtx := c.Stop() // waits for the in-flight tick
	<-stopCtx.Done()
	close(queue)
	cancel()
	s.wg.Wait()
	s.log.Info("scheduler stopped")
}

func (s *Service) tick() {
	s.mu.Lock()
	ctx := s.runCtx
	loc := s.loc
	queue := s.queue
	running := s.running
	s.mu.Unlock()
	if !running {
		return
	}

	hhmm := time.Now().In(loc).Format("15:04")
	due, err := s.store.SubscribersDueAt(ctx, hhmm)
	if err != nil {
		s.log.Error("list due subscribers", logx.String("at", hhmm), logx.Err(err))
		return
	}
	for _, sub := range due {
		if sub.Channel == "" {
			continue
		}
		select {
		case queue <- job{chatID: sub.ChatID, channel: sub.Channel}:
		default:
			s.log.Warn("scheduler queue full, dropping run",
				logx.Int64("chat_id", sub.ChatID),
				logx.String("channel", sub.Channel))
		}
	}
	if len(due) > 0 {
		s.log.Info("scheduled digest runs", logx.String("at", hhmm), logx.Int("count", len(due)))
	}
}

func (s *Service) worker(ctx context.Context, queue <-chan job, idx int) {
	for j := range queue {
		if ctx.Err() != nil {
			return
		}
		s.runOne(ctx, j, idx)
	}
}

func (s *Service) runOne(ctx context.Context, j job, idx int) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("panic in scheduled run",
				logx.Int("worker", idx),
				logx.Int64("chat_id", j.chatID),
				logx.Any("panic", r),
				logx.String("stack", string(debug.Stack())))
		}
	}()
	s.runner.RunForOne(ctx, j.chatID, j.channel)
}

func loadLocation(name string) (*time.Location, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(name)
}
