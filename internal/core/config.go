package core

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"digestbot/pkg/logx"
)

// Config is the full file-backed configuration. Accepted as YAML or JSON;
// unknown keys are rejected. All durations are Go duration strings
// (e.g. "30s", "5m").
type Config struct {
	Telegram  TelegramConfig  `json:"telegram"`
	Source    SourceConfig    `json:"source"`
	Model     ModelConfig     `json:"model"`
	Digest    DigestConfig    `json:"digest,omitempty"`
	Storage   StorageConfig   `json:"storage"`
	Scheduler SchedulerConfig `json:"scheduler,omitempty"`
	Logging   LoggingConfig   `json:"logging,omitempty"`
	Pprof     PprofConfig     `json:"pprof,omitempty"`
}

// PprofConfig controls the optional profiling listener.
type PprofConfig struct {
	Enabled bool   `json:"enabled,omitempty"`
	Addr    string `json:"addr,omitempty"` // default 127.0.0.1:6060
}

// TelegramConfig configures the bot front-end (Bot API).
type TelegramConfig struct {
	Token string `json:"token"`
	// OwnerID may use admin-only commands like /run_all.
	OwnerID     int64  `json:"owner_id,omitempty"`
	PollTimeout string `json:"poll_timeout,omitempty"` // default 10s
}

// SourceConfig configures the MTProto user session used to read channels.
type SourceConfig struct {
	AppID      int    `json:"app_id"`
	AppHash    string `json:"app_hash"`
	Phone      string `json:"phone,omitempty"`
	SessionDir string `json:"session_dir"`
}

// ModelConfig configures the summarization backend.
type ModelConfig struct {
	APIKey      string  `json:"api_key"`
	BaseURL     string  `json:"base_url,omitempty"`
	Name        string  `json:"name"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
	Timeout     string  `json:"timeout,omitempty"`
}

// DigestConfig tunes the digest pipeline. Zero values fall back to
// package defaults.
type DigestConfig struct {
	Window              string        `json:"window,omitempty"`    // default 24h
	MaxPosts            int           `json:"max_posts,omitempty"` // default 100
	MaxAttempts         int           `json:"max_attempts,omitempty"`
	RetryBaseDelay      string        `json:"retry_base_delay,omitempty"`
	TaskTimeout         string        `json:"task_timeout,omitempty"`
	Workers             int           `json:"workers,omitempty"`
	ModelCallsPerMinute int           `json:"model_calls_per_minute,omitempty"`
	Breaker             BreakerConfig `json:"breaker,omitempty"`
}

// BreakerConfig tunes the delivery circuit breaker.
// TripFailures < 0 disables the breaker entirely.
type BreakerConfig struct {
	TripFailures int    `json:"trip_failures,omitempty"`
	BaseDelay    string `json:"base_delay,omitempty"`
	MaxDelay     string `json:"max_delay,omitempty"`
	ResetAfter   string `json:"reset_after,omitempty"`
}

type StorageConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// SchedulerConfig controls timed delivery. Enabled is a pointer so an
// omitted field defaults to true while an explicit false is honored.
type SchedulerConfig struct {
	Enabled  *bool  `json:"enabled,omitempty"`
	Timezone string `json:"timezone,omitempty"`
	Workers  int    `json:"workers,omitempty"`
}

func (c SchedulerConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

type LoggingConfig struct {
	Level   string `json:"level,omitempty"`
	Console *bool  `json:"console,omitempty"`
	File    string `json:"file,omitempty"`
}

func (c LoggingConfig) ConsoleEnabled() bool {
	return c.Console == nil || *c.Console
}

// Validate rejects configs the app cannot start with. Called on initial
// load and before committing a hot reload.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Telegram.Token) == "" {
		errs = append(errs, errors.New("telegram.token is required"))
	}
	if c.Source.AppID == 0 {
		errs = append(errs, errors.New("source.app_id is required"))
	}
	if strings.TrimSpace(c.Source.AppHash) == "" {
		errs = append(errs, errors.New("source.app_hash is required"))
	}
	if strings.TrimSpace(c.Source.SessionDir) == "" {
		errs = append(errs, errors.New("source.session_dir is required"))
	}
	if strings.TrimSpace(c.Model.APIKey) == "" {
		errs = append(errs, errors.New("model.api_key is required"))
	}
	if strings.TrimSpace(c.Model.Name) == "" {
		errs = append(errs, errors.New("model.name is required"))
	}
	if strings.TrimSpace(c.Storage.Path) == "" {
		errs = append(errs, errors.New("storage.path is required"))
	}
	if tz := strings.TrimSpace(c.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			errs = append(errs, fmt.Errorf("scheduler.timezone: %w", err))
		}
	}
	for _, f := range []struct{ path, raw string }{
		{"telegram.poll_timeout", c.Telegram.PollTimeout},
		{"model.timeout", c.Model.Timeout},
		{"digest.window", c.Digest.Window},
		{"digest.retry_base_delay", c.Digest.RetryBaseDelay},
		{"digest.task_timeout", c.Digest.TaskTimeout},
		{"digest.breaker.base_delay", c.Digest.Breaker.BaseDelay},
		{"digest.breaker.max_delay", c.Digest.Breaker.MaxDelay},
		{"digest.breaker.reset_after", c.Digest.Breaker.ResetAfter},
		{"storage.busy_timeout", c.Storage.BusyTimeout},
	} {
		if _, err := parseDurationField(f.path, f.raw); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogxConfig maps the logging section onto the logx service config.
func (c LoggingConfig) LogxConfig() logx.Config {
	return logx.Config{
		Level:   c.Level,
		Console: c.ConsoleEnabled(),
		File: logx.FileConfig{
			Enabled: strings.TrimSpace(c.File) != "",
			Path:    c.File,
		},
	}
}
