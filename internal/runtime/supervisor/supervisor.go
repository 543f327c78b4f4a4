// Package supervisor runs named goroutines with panic recovery and an
// optional restart-with-backoff policy.
package supervisor

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"digestbot/pkg/logx"
)

type Supervisor struct {
	ctx    context.Context
	cancel context.CancelFunc
	log    logx.Logger
	wg     sync.WaitGroup
}

func New(ctx context.Context, log logx.Logger) *Supervisor {
	if log.IsZero() {
		log = logx.Nop()
	}
	sctx, cancel := context.WithCancel(ctx)
	return &Supervisor{ctx: sctx, cancel: cancel, log: log}
}

// Context is the supervisor's lifetime context, canceled by Stop.
func (s *Supervisor) Context() context.Context { return s.ctx }

// Go runs fn once. A panic is logged, not propagated.
func (s *Supervisor) Go(name string, fn func(ctx context.Context) error) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.run(name, fn); err != nil && s.ctx.Err() == nil {
			s.log.Warn("goroutine failed", logx.String("name", name), logx.Err(err))
		}
	}()
}

// GoRestart reruns fn until the supervisor stops, backing off between
// failures. A run that lasts past resetAfter resets the backoff.
func (s *Supervisor) GoRestart(name string, base, max, resetAfter time.Duration, fn func(ctx context.Context) error) {
	if base <= 0 {
		base = time.Second
	}
	if max < base {
		max = base
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		backoff := base
		for {
			started := time.Now()
			err := s.run(name, fn)
			if s.ctx.Err() != nil {
				return
			}
			if time.Since(started) >= resetAfter {
				backoff = base
			}
			s.log.Warn("goroutine exited, restarting",
				logx.String("name", name),
				logx.Duration("backoff", backoff),
				logx.Err(err))
			select {
			case <-s.ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > max {
				backoff = max
			}
		}
	}()
}

func (s *Supervisor) run(name string, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("panic in goroutine",
				logx.String("name", name),
				logx.Any("panic", r),
				logx.String("stack", string(debug.Stack())))
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(s.ctx)
}

// Stop cancels all goroutines and waits up to the ctx deadline.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.cancel()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
