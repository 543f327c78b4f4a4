package core

import (
	"context"
	"fmt"
	"time"

	"digestbot/internal/adapters/openrouter"
	tgadapter "digestbot/internal/adapters/telegram"
	"digestbot/internal/digest"
	"digestbot/internal/kit"
	"digestbot/internal/runtime/supervisor"
	"digestbot/internal/services/pprof"
	"digestbot/internal/services/scheduler"
	tgsource "digestbot/internal/source/telegram"
	"digestbot/internal/storage"
	"digestbot/pkg/logx"
)

// App owns every long-lived component and their start/stop order.
type App struct {
	cfgm *ConfigManager
	logs *logx.Service
	log  logx.Logger

	store   storage.Store
	source  *tgsource.Client
	adapter *tgadapter.Adapter
	orch    *digest.Orchestrator
	sched   *scheduler.Service
	cmds    *CommandManager
	pprof   *pprof.Service

	updates chan kit.Update
	sup     *supervisor.Supervisor
}

// NewApp builds the full component graph from the config file at path.
func NewApp(configPath string) (*App, error) {
	boot := logx.NewConsole("info")
	cfgm := NewConfigManager(configPath, boot)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", configPath, err)
	}

	logs, log := logx.New(cfg.Logging.LogxConfig())

	store, err := storage.Open(storage.Config{
		Path:        cfg.Storage.Path,
		BusyTimeout: durationOr(cfg.Storage.BusyTimeout, 0),
	}, log.With(logx.String("component", "storage")))
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}

	source, err := tgsource.New(tgsource.Config{
		AppID:      cfg.Source.AppID,
		AppHash:    cfg.Source.AppHash,
		Phone:      cfg.Source.Phone,
		SessionDir: cfg.Source.SessionDir,
	}, log.With(logx.String("component", "source")))
	if err != nil {
		return nil, fmt.Errorf("build source client: %w", err)
	}

	model, err := openrouter.New(openrouter.Config{
		APIKey:      cfg.Model.APIKey,
		BaseURL:     cfg.Model.BaseURL,
		Model:       cfg.Model.Name,
		MaxTokens:   cfg.Model.MaxTokens,
		Temperature: cfg.Model.Temperature,
		Timeout:     durationOr(cfg.Model.Timeout, 0),
	}, log.With(logx.String("component", "model")))
	if err != nil {
		return nil, fmt.Errorf("build model client: %w", err)
	}

	adapter, err := tgadapter.New(tgadapter.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: durationOr(cfg.Telegram.PollTimeout, 0),
	}, log.With(logx.String("component", "telegram")))
	if err != nil {
		return nil, fmt.Errorf("build telegram adapter: %w", err)
	}

	plog := log.With(logx.String("component", "digest"))
	fetcher := digest.NewFetcher(source, digest.FetcherConfig{
		Window:   durationOr(cfg.Digest.Window, 0),
		MaxItems: cfg.Digest.MaxPosts,
	}, plog)
	summarizer := digest.NewSummarizer(model, digest.RetryPolicy{
		MaxAttempts: cfg.Digest.MaxAttempts,
		BaseDelay:   durationOr(cfg.Digest.RetryBaseDelay, 0),
	}, openrouter.Classify, plog)
	deliverer := digest.NewDeliverer(adapter, plog)
	orch := digest.NewOrchestrator(fetcher, summarizer, deliverer, store, digest.OrchestratorConfig{
		TaskTimeout:         durationOr(cfg.Digest.TaskTimeout, 0),
		Workers:             cfg.Digest.Workers,
		ModelCallsPerMinute: cfg.Digest.ModelCallsPerMinute,
		Breaker: digest.BreakerConfig{
			TripFailures: cfg.Digest.Breaker.TripFailures,
			BaseDelay:    durationOr(cfg.Digest.Breaker.BaseDelay, 0),
			MaxDelay:     durationOr(cfg.Digest.Breaker.MaxDelay, 0),
			ResetAfter:   durationOr(cfg.Digest.Breaker.ResetAfter, 0),
		},
	}, plog)

	sched := scheduler.New(scheduler.Config{
		Enabled:  cfg.Scheduler.IsEnabled(),
		Timezone: cfg.Scheduler.Timezone,
		Workers:  cfg.Scheduler.Workers,
	}, orch, store, log.With(logx.String("component", "scheduler")))

	prof := pprof.New(pprof.Config{
		Enabled: cfg.Pprof.Enabled,
		Addr:    cfg.Pprof.Addr,
	}, log.With(logx.String("component", "pprof")))

	cfgm.log = log
	cmds := NewCommandManager(log.With(logx.String("component", "commands")), adapter, cfgm, cfg.Telegram.OwnerID)
	handlers := NewHandlers(store, orch, fetcher, log.With(logx.String("component", "handlers")))
	cmds.Register(handlers.Commands(), handlers.Callbacks())

	return &App{
		cfgm:    cfgm,
		logs:    logs,
		log:     log,
		store:   store,
		source:  source,
		adapter: adapter,
		orch:    orch,
		sched:   sched,
		cmds:    cmds,
		pprof:   prof,
		updates: make(chan kit.Update, 128),
	}, nil
}

// Source exposes the MTProto client for the interactive login mode.
func (a *App) Source() *tgsource.Client { return a.source }

func (a *App) Logger() logx.Logger { return a.log }

// Start brings all components up. Blocks until the source session and the
// bot transport are running, then returns with background loops active.
func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, a.log.With(logx.String("component", "supervisor")))
	runCtx := a.sup.Context()

	startCtx, startCancel := context.WithTimeout(runCtx, time.Minute)
	err := a.source.Start(startCtx)
	startCancel()
	if err != nil {
		_ = a.sup.Stop(context.Background())
		return fmt.Errorf("start source: %w", err)
	}

	if err := a.adapter.Start(runCtx, a.updates); err != nil {
		a.source.Stop()
		_ = a.sup.Stop(context.Background())
		return fmt.Errorf("start telegram adapter: %w", err)
	}
	if err := a.adapter.UpdateMenuCommands(runCtx, a.cmds.MenuCommands()); err != nil {
		a.log.Warn("update command menu", logx.Err(err))
	}

	a.sup.Go("dispatch", func(ctx context.Context) error {
		a.cmds.DispatchLoop(ctx, a.updates)
		return nil
	})

	a.sched.Start(runCtx)
	a.pprof.Reconfigure(runCtx, pprof.Config{
		Enabled: a.cfgm.Get().Pprof.Enabled,
		Addr:    a.cfgm.Get().Pprof.Addr,
	})

	// The watcher survives transient fsnotify failures via restart.
	a.sup.GoRestart("config-watch", time.Second, 30*time.Second, time.Minute, a.cfgm.Watch)
	a.sup.Go("config-apply", func(ctx context.Context) error {
		a.reloadLoop(ctx)
		return nil
	})

	a.log.Info("digestbot started")
	return nil
}

// reloadLoop applies the hot-reloadable subset of the config: logging,
// scheduler and owner. Components that would need a reconnect (telegram
// token, source credentials, model backend, storage path) keep their
// boot-time settings until restart.
func (a *App) reloadLoop(ctx context.Context) {
	sub := a.cfgm.Subscribe(1)
	defer a.cfgm.Unsubscribe(sub)
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-sub:
			if !ok || cfg == nil {
				return
			}
			a.logs.Apply(cfg.Logging.LogxConfig())
			a.cmds.SetOwner(cfg.Telegram.OwnerID)
			a.sched.Apply(scheduler.Config{
				Enabled:  cfg.Scheduler.IsEnabled(),
				Timezone: cfg.Scheduler.Timezone,
				Workers:  cfg.Scheduler.Workers,
			})
			a.pprof.Reconfigure(ctx, pprof.Config{
				Enabled: cfg.Pprof.Enabled,
				Addr:    cfg.Pprof.Addr,
			})
			a.log.Info("config applied")
		}
	}
}

// Stop shuts components down in reverse start order.
func (a *App) Stop(ctx context.Context) {
	a.sched.Stop()
	a.pprof.Stop(ctx)
	if err := a.adapter.Stop(ctx); err != nil {
		a.log.Warn("stop telegram adapter", logx.Err(err))
	}
	if a.sup != nil {
		if err := a.sup.Stop(ctx); err != nil {
			a.log.Warn("background loops did not stop in time", logx.Err(err))
		}
	}
	a.source.Stop()
	if err := a.store.Close(); err != nil {
		a.log.Warn("close storage", logx.Err(err))
	}
	a.log.Info("digestbot stopped")
	_ = a.logs.Close()
}
