package digest

import (
	"sync"
	"time"
)

// BreakerConfig tunes the delivery circuit breaker. TripFailures < 0
// disables it entirely.
type BreakerConfig struct {
	TripFailures int
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	ResetAfter   time.Duration
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	if c.TripFailures == 0 {
		c.TripFailures = 5
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = 5 * time.Second
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 2 * time.Minute
	}
	if c.ResetAfter <= 0 {
		c.ResetAfter = 5 * time.Minute
	}
	return c
}

// Breaker is a consecutive-failure circuit breaker with cooldown, guarding
// the messaging transport during batch runs:
//   - On success: resets failures and closes the circuit.
//   - On failure: increments failures and, once failures >= trip,
//     opens the circuit for an exponentially increasing cooldown.
type Breaker struct {
	mu  sync.Mutex
	cfg BreakerConfig
	now func() time.Time

	fails       int
	openUntil   time.Time
	lastFailure time.Time
}

func NewBreaker(cfg BreakerConfig) *Breaker {
	enabled := cfg.TripFailures >= 0
	cfg = cfg.withDefaults()
	if !enabled {
		cfg.TripFailures = -1
	}
	return &Breaker{cfg: cfg, now: time.Now}
}

// Open reports whether the circuit is currently open and, if so, until when.
func (b *Breaker) Open() (bool, time.Time) {
	if b == nil || b.cfg.TripFailures < 0 {
		return false, time.Time{}
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	b.maybeResetLocked(now)
	if !b.openUntil.IsZero() && now.Before(b.openUntil) {
		return true, b.openUntil
	}
	return false, time.Time{}
}

// Record feeds one delivery outcome into the breaker.
func (b *Breaker) Record(ok bool) {
	if b == nil || b.cfg.TripFailures < 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	b.maybeResetLocked(now)

	if ok {
		b.fails = 0
		b.openUntil = time.Time{}
		b.lastFailure = time.Time{}
		return
	}

	b.fails++
	b.lastFailure = now
	if b.fails < b.cfg.TripFailures {
		return
	}

	// Exponential cooldown after tripping.
	pow := b.fails - b.cfg.TripFailures
	d := b.cfg.BaseDelay
	for i := 0; i < pow; i++ {
		d *= 2
		if d >= b.cfg.MaxDelay {
			d = b.cfg.MaxDelay
			break
		}
	}
	if d > b.cfg.MaxDelay {
		d = b.cfg.MaxDelay
	}
	b.openUntil = now.Add(d)
}

// Opportunistic reset if the last failure was long ago.
func (b *Breaker) maybeResetLocked(now time.Time) {
	if !b.lastFailure.IsZero() && now.Sub(b.lastFailure) > b.cfg.ResetAfter {
		b.fails = 0
		b.openUntil = time.Time{}
	}
}
