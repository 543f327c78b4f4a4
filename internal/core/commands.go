package core

import (
	"context"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"digestbot/internal/kit"
	"digestbot/pkg/logx"
	"digestbot/pkg/tgui"
)

type Access int

const (
	AccessEveryone Access = iota
	AccessOwnerOnly
)

type HandlerFunc func(ctx context.Context, req *Request) error

type CallbackHandlerFunc func(ctx context.Context, req *Request, payload string) error

type Command struct {
	Name        string
	Description string
	Usage       string
	Access      Access
	Timeout     time.Duration // optional per-command override
	Handle      HandlerFunc
}

type CallbackRoute struct {
	Scope   string
	Action  string
	Timeout time.Duration
	Handle  CallbackHandlerFunc
}

// Request carries one inbound command or callback through a handler.
type Request struct {
	Update   kit.Update
	Chat     kit.ChatTarget
	FromID   int64
	Username string
	Command  string
	Args     []string
	Payload  string

	Adapter kit.Adapter
	Config  *Config
	Log     logx.Logger
}

// Reply sends plain text back to the requesting chat.
func (r *Request) Reply(ctx context.Context, text string) error {
	_, err := r.Adapter.SendText(ctx, r.Chat, text, &kit.SendOptions{DisablePreview: true})
	return err
}

// ReplyHTML sends pre-escaped HTML back to the requesting chat.
func (r *Request) ReplyHTML(ctx context.Context, html tgui.H, opt *kit.SendOptions) error {
	if opt == nil {
		opt = &kit.SendOptions{}
	}
	opt.ParseMode = "HTML"
	opt.DisablePreview = true
	_, err := r.Adapter.SendText(ctx, r.Chat, html.String(), opt)
	return err
}

const defaultHandlerTimeout = 30 * time.Second

// CommandManager routes inbound updates to registered handlers on a
// bounded worker pool.
type CommandManager struct {
	mu        sync.RWMutex
	commands  map[string]Command
	callbacks map[string]CallbackRoute // "scope:action"
	owner     int64

	log     logx.Logger
	adapter kit.Adapter
	cfgm    *ConfigManager

	jobs chan func()
}

func NewCommandManager(log logx.Logger, adapter kit.Adapter, cfgm *ConfigManager, owner int64) *CommandManager {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &CommandManager{
		commands:  map[string]Command{},
		callbacks: map[string]CallbackRoute{},
		owner:     owner,
		log:       log,
		adapter:   adapter,
		cfgm:      cfgm,
		jobs:      make(chan func(), 128),
	}
}

// SetOwner updates the owner used for AccessOwnerOnly checks. Safe to
// call during hot reload.
func (m *CommandManager) SetOwner(owner int64) {
	m.mu.Lock()
	m.owner = owner
	m.mu.Unlock()
}

func (m *CommandManager) Register(cmds []Command, cbs []CallbackRoute) {
	commands := make(map[string]Command, len(cmds))
	for _, c := range cmds {
		name := strings.TrimPrefix(strings.TrimSpace(c.Name), "/")
		if name == "" || c.Handle == nil {
			continue
		}
		c.Name = name
		commands[name] = c
	}
	callbacks := make(map[string]CallbackRoute, len(cbs))
	for _, r := range cbs {
		if r.Scope == "" || r.Action == "" || r.Handle == nil {
			continue
		}
		callbacks[r.Scope+":"+r.Action] = r
	}
	m.mu.Lock()
	m.commands = commands
	m.callbacks = callbacks
	m.mu.Unlock()
}

// MenuCommands lists registered non-owner commands for the bot menu,
// in registration-independent sorted-by-name order.
func (m *CommandManager) MenuCommands() []kit.BotCommand {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]kit.BotCommand, 0, len(m.commands))
	for _, c := range m.commands {
		if c.Access == AccessOwnerOnly {
			continue
		}
		out = append(out, kit.BotCommand{Command: c.Name, Description: c.Description})
	}
	sortBotCommands(out)
	return out
}

func sortBotCommands(cmds []kit.BotCommand) {
	for i := 1; i < len(cmds); i++ {
		for j := i; j > 0 && cmds[j].Command < cmds[j-1].Command; j-- {
			cmds[j], cmds[j-1] = cmds[j-1], cmds[j]
		}
	}
}

// DispatchLoop consumes updates until ctx is done or the channel closes.
func (m *CommandManager) DispatchLoop(ctx context.Context, updates <-chan kit.Update) {
	const workers = 4

	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		idx := i
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case job, ok := <-m.jobs:
					if !ok {
						return
					}
					m.runJob(job, idx)
				}
			}
		}()
	}
	m.log.Info("command dispatcher started", logx.Int("workers", workers))

	for {
		select {
		case <-ctx.Done():
			close(m.jobs)
			wg.Wait()
			m.log.Info("command dispatcher stopped")
			return
		case up, ok := <-updates:
			if !ok {
				close(m.jobs)
				wg.Wait()
				m.log.Info("command dispatcher stopped")
				return
			}
			m.route(ctx, up)
		}
	}
}

func (m *CommandManager) runJob(job func(), worker int) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("panic in command handler",
				logx.Int("worker", worker),
				logx.Any("panic", r),
				logx.String("stack", string(debug.Stack())))
		}
	}()
	job()
}

func (m *CommandManager) route(ctx context.Context, up kit.Update) {
	switch up.Kind {
	case kit.UpdateMessage:
		m.routeMessage(ctx, up)
	case kit.UpdateCallback:
		m.routeCallback(ctx, up)
	}
}

func (m *CommandManager) routeMessage(ctx context.Context, up kit.Update) {
	msg := up.Message
	if msg == nil {
		return
	}
	text := strings.TrimSpace(msg.Text)
	if !strings.HasPrefix(text, "/") {
		return
	}
	parts := strings.Fields(text)
	name := strings.TrimPrefix(parts[0], "/")
	if i := strings.IndexByte(name, '@'); i >= 0 {
		name = name[:i]
	}

	m.mu.RLock()
	cmd, ok := m.commands[name]
	owner := m.owner
	m.mu.RUnlock()
	if !ok {
		return
	}
	if cmd.Access == AccessOwnerOnly && msg.FromID != owner {
		m.log.Debug("owner-only command denied",
			logx.String("command", name),
			logx.Int64("from", msg.FromID))
		return
	}

	req := &Request{
		Update:   up,
		Chat:     kit.ChatTarget{ChatID: msg.ChatID},
		FromID:   msg.FromID,
		Username: msg.FromUsername,
		Command:  name,
		Args:     parts[1:],
		Adapter:  m.adapter,
		Config:   m.cfgm.Get(),
		Log:      m.log.With(logx.String("command", name), logx.Int64("chat_id", msg.ChatID)),
	}
	m.enqueue(ctx, cmd.Timeout, func(hctx context.Context) error {
		return cmd.Handle(hctx, req)
	}, req.Log)
}

func (m *CommandManager) routeCallback(ctx context.Context, up kit.Update) {
	cb := up.Callback
	if cb == nil {
		return
	}
	scope, action, payload := tgui.Split(cb.Data)

	m.mu.RLock()
	route, ok := m.callbacks[scope+":"+action]
	m.mu.RUnlock()
	if !ok {
		// Stale keyboard from an older build; dismiss silently.
		_ = m.adapter.AnswerCallback(ctx, cb.ID, "")
		return
	}

	req := &Request{
		Update:  up,
		Chat:    kit.ChatTarget{ChatID: cb.ChatID},
		FromID:  cb.FromID,
		Command: scope + ":" + action,
		Payload: payload,
		Adapter: m.adapter,
		Config:  m.cfgm.Get(),
		Log:     m.log.With(logx.String("callback", scope+":"+action), logx.Int64("chat_id", cb.ChatID)),
	}
	m.enqueue(ctx, route.Timeout, func(hctx context.Context) error {
		return route.Handle(hctx, req, payload)
	}, req.Log)
}

func (m *CommandManager) enqueue(ctx context.Context, timeout time.Duration, fn func(context.Context) error, log logx.Logger) {
	if timeout <= 0 {
		timeout = defaultHandlerTimeout
	}
	job := func() {
		hctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		if err := fn(hctx); err != nil {
			log.Warn("handler failed", logx.Err(err))
		}
	}
	select {
	case m.jobs <- job:
	default:
		log.Warn("command queue full, dropping update")
	}
}
