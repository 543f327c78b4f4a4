package core

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"digestbot/internal/digest"
	"digestbot/internal/kit"
	"digestbot/internal/storage"
	"digestbot/pkg/logx"
	"digestbot/pkg/tgui"
)

var hhmmRe = regexp.MustCompile(`^([01]\d|2[0-3]):[0-5]\d$`)

var channelRe = regexp.MustCompile(`^@?[A-Za-z]\w{3,31}$`)

// Handlers implements the bot command surface.
type Handlers struct {
	store   storage.Store
	orch    *digest.Orchestrator
	fetcher *digest.Fetcher
	log     logx.Logger
}

func NewHandlers(store storage.Store, orch *digest.Orchestrator, fetcher *digest.Fetcher, log logx.Logger) *Handlers {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Handlers{store: store, orch: orch, fetcher: fetcher, log: log}
}

func (h *Handlers) Commands() []Command {
	return []Command{
		{
			Name:        "start",
			Description: "register and show a short intro",
			Usage:       "/start",
			Handle:      h.handleStart,
		},
		{
			Name:        "help",
			Description: "show available commands",
			Usage:       "/help",
			Handle:      h.handleHelp,
		},
		{
			Name:        "set_channel",
			Description: "choose the channel to digest",
			Usage:       "/set_channel <@channel>",
			Handle:      h.handleSetChannel,
		},
		{
			Name:        "set_time",
			Description: "set daily delivery time",
			Usage:       "/set_time <HH:MM>",
			Handle:      h.handleSetTime,
		},
		{
			Name:        "digest",
			Description: "build and send a digest now",
			Usage:       "/digest",
			// Covers the whole pipeline: history read, model call with
			// retries, delivery.
			Timeout: 6 * time.Minute,
			Handle:  h.handleDigest,
		},
		{
			Name:        "settings",
			Description: "show and change your settings",
			Usage:       "/settings",
			Handle:      h.handleSettings,
		},
		{
			Name:        "history",
			Description: "show your recent digest runs",
			Usage:       "/history",
			Handle:      h.handleHistory,
		},
		{
			Name:        "run_all",
			Description: "run digests for all active subscribers",
			Usage:       "/run_all",
			Access:      AccessOwnerOnly,
			Timeout:     30 * time.Minute,
			Handle:      h.handleRunAll,
		},
	}
}

func (h *Handlers) Callbacks() []CallbackRoute {
	return []CallbackRoute{
		{Scope: "settings", Action: "toggle", Handle: h.callbackToggle},
		{Scope: "settings", Action: "time", Handle: h.callbackTime},
	}
}

func (h *Handlers) handleStart(ctx context.Context, req *Request) error {
	if err := h.store.UpsertSubscriber(ctx, req.Chat.ChatID, req.Username); err != nil {
		return fmt.Errorf("register subscriber: %w", err)
	}
	text := tgui.JoinH("\n",
		tgui.B("Channel digest bot"),
		tgui.Esc("I read a public Telegram channel once a day and send you a short digest of the last 24 hours."),
		"",
		tgui.Esc("Set your channel with /set_channel, then try /digest."),
	)
	return req.ReplyHTML(ctx, text, nil)
}

func (h *Handlers) handleHelp(ctx context.Context, req *Request) error {
	var b strings.Builder
	b.WriteString("Commands:\n")
	for _, c := range h.Commands() {
		if c.Access == AccessOwnerOnly && req.FromID != req.Config.Telegram.OwnerID {
			continue
		}
		fmt.Fprintf(&b, "%s - %s\n", c.Usage, c.Description)
	}
	return req.Reply(ctx, b.String())
}

func (h *Handlers) handleSetChannel(ctx context.Context, req *Request) error {
	if len(req.Args) != 1 {
		return req.Reply(ctx, "Usage: /set_channel <@channel>")
	}
	channel := digest.NormalizeChannel(req.Args[0])
	if !channelRe.MatchString(channel) {
		return req.Reply(ctx, "That does not look like a channel username. Example: /set_channel @golang_news")
	}
	if !h.fetcher.CanAccess(ctx, channel) {
		return req.Reply(ctx, fmt.Sprintf("I cannot read @%s. Check that it is a public channel and try again.", channel))
	}
	if err := h.store.SetChannel(ctx, req.Chat.ChatID, channel); err != nil {
		return fmt.Errorf("save channel: %w", err)
	}
	return req.Reply(ctx, fmt.Sprintf("Channel set to @%s. Use /digest to get one now, or wait for the daily delivery.", channel))
}

func (h *Handlers) handleSetTime(ctx context.Context, req *Request) error {
	if len(req.Args) != 1 || !hhmmRe.MatchString(req.Args[0]) {
		return req.Reply(ctx, "Usage: /set_time <HH:MM>, for example /set_time 09:30")
	}
	if err := h.store.SetSchedule(ctx, req.Chat.ChatID, req.Args[0]); err != nil {
		return fmt.Errorf("save schedule: %w", err)
	}
	return req.Reply(ctx, fmt.Sprintf("Daily digest scheduled at %s.", req.Args[0]))
}

func (h *Handlers) handleDigest(ctx context.Context, req *Request) error {
	sub, found, err := h.store.Subscriber(ctx, req.Chat.ChatID)
	if err != nil {
		return fmt.Errorf("load subscriber: %w", err)
	}
	if !found || sub.Channel == "" {
		return req.Reply(ctx, "No channel configured yet. Use /set_channel first.")
	}
	if err := req.Reply(ctx, fmt.Sprintf("Building a digest of @%s, this can take a minute...", sub.Channel)); err != nil {
		return err
	}
	h.orch.RunForOne(ctx, sub.ChatID, sub.Channel)
	return nil
}

func (h *Handlers) handleSettings(ctx context.Context, req *Request) error {
	sub, found, err := h.store.Subscriber(ctx, req.Chat.ChatID)
	if err != nil {
		return fmt.Errorf("load subscriber: %w", err)
	}
	if !found {
		return req.Reply(ctx, "Use /start first.")
	}
	text, markup := settingsView(sub)
	return req.ReplyHTML(ctx, text, &kit.SendOptions{ReplyMarkupAdapter: markup.Markup()})
}

func (h *Handlers) handleHistory(ctx context.Context, req *Request) error {
	logs, err := h.store.RecentLogs(ctx, req.Chat.ChatID, 10)
	if err != nil {
		return fmt.Errorf("load history: %w", err)
	}
	if len(logs) == 0 {
		return req.Reply(ctx, "No digest runs yet.")
	}
	var b strings.Builder
	b.WriteString("Recent digest runs:\n")
	for _, e := range logs {
		line := fmt.Sprintf("%s  @%s  %s  %d posts, %d tokens",
			e.CreatedAt.Format("Jan 02 15:04"), e.Channel, e.Status, e.ItemsCount, e.TokensUsed)
		if e.Status == digest.StatusError && e.ErrorMessage != "" {
			line += "\n    " + tgui.TruncRunes(e.ErrorMessage, 120)
		}
		b.WriteString(line + "\n")
	}
	return req.Reply(ctx, b.String())
}

func (h *Handlers) handleRunAll(ctx context.Context, req *Request) error {
	n := h.orch.RunForAll(ctx)
	return req.Reply(ctx, fmt.Sprintf("Processed %d subscribers.", n))
}

func (h *Handlers) callbackToggle(ctx context.Context, req *Request, _ string) error {
	sub, found, err := h.store.Subscriber(ctx, req.Chat.ChatID)
	if err != nil || !found {
		_ = req.Adapter.AnswerCallback(ctx, req.Update.Callback.ID, "Use /start first.")
		return err
	}
	if err := h.store.SetActive(ctx, sub.ChatID, !sub.Active); err != nil {
		return fmt.Errorf("toggle active: %w", err)
	}
	sub.Active = !sub.Active

	note := "Daily digest enabled."
	if !sub.Active {
		note = "Daily digest paused."
	}
	_ = req.Adapter.AnswerCallback(ctx, req.Update.Callback.ID, note)
	return h.refreshSettings(ctx, req, sub)
}

func (h *Handlers) callbackTime(ctx context.Context, req *Request, payload string) error {
	if !hhmmRe.MatchString(payload) {
		_ = req.Adapter.AnswerCallback(ctx, req.Update.Callback.ID, "")
		return nil
	}
	if err := h.store.SetSchedule(ctx, req.Chat.ChatID, payload); err != nil {
		return fmt.Errorf("save schedule: %w", err)
	}
	sub, found, err := h.store.Subscriber(ctx, req.Chat.ChatID)
	if err != nil || !found {
		return err
	}
	_ = req.Adapter.AnswerCallback(ctx, req.Update.Callback.ID, "Delivery time set to "+payload)
	return h.refreshSettings(ctx, req, sub)
}

func (h *Handlers) refreshSettings(ctx context.Context, req *Request, sub digest.Subscriber) error {
	text, markup := settingsView(sub)
	ref := kit.MessageRef{ChatID: req.Chat.ChatID, MessageID: req.Update.Callback.MessageID}
	return req.Adapter.EditText(ctx, ref, text.String(), &kit.SendOptions{
		ParseMode:          "HTML",
		DisablePreview:     true,
		ReplyMarkupAdapter: markup.Markup(),
	})
}

func settingsView(sub digest.Subscriber) (tgui.H, *tgui.Inline) {
	channel := "not set"
	if sub.Channel != "" {
		channel = "@" + sub.Channel
	}
	state := "paused"
	toggleLabel := "Resume daily digest"
	if sub.Active {
		state = "active"
		toggleLabel = "Pause daily digest"
	}
	text := tgui.JoinH("\n",
		tgui.B("Your settings"),
		tgui.Esc("Channel: "+channel),
		tgui.Esc("Delivery time: "+sub.ScheduleTime),
		tgui.Esc("Daily digest: "+state),
	)

	kb := tgui.NewInline().
		Row(tgui.Btn(toggleLabel, tgui.Data("settings", "toggle", ""))).
		Row(
			tgui.Btn("07:00", tgui.Data("settings", "time", "07:00")),
			tgui.Btn("09:00", tgui.Data("settings", "time", "09:00")),
			tgui.Btn("12:00", tgui.Data("settings", "time", "12:00")),
		).
		Row(
			tgui.Btn("18:00", tgui.Data("settings", "time", "18:00")),
			tgui.Btn("21:00", tgui.Data("settings", "time", "21:00")),
		)
	return text, kb
}
