package digest

import (
	"context"
	"strings"

	"digestbot/internal/kit"
	"digestbot/pkg/logx"
)

const (
	// maxMessageRunes is Telegram's hard message length ceiling.
	maxMessageRunes = 4096

	// truncationMarker is exactly 50 runes so a truncated message lands on
	// the ceiling precisely.
	truncationMarker = "\n\n... (message truncated to fit Telegram's limits)"
)

// Sender is the outbound slice of the transport adapter.
type Sender interface {
	SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error)
}

// Deliverer sends a digest to one recipient: formatted HTML first, plain text
// as the single fallback when the transport rejects the formatted attempt.
type Deliverer struct {
	sender Sender
	log    logx.Logger
}

func NewDeliverer(sender Sender, log logx.Logger) *Deliverer {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Deliverer{sender: sender, log: log}
}

func (d *Deliverer) Deliver(ctx context.Context, chatID int64, text string) Outcome {
	if r := []rune(text); len(r) > maxMessageRunes {
		text = string(r[:maxMessageRunes-len([]rune(truncationMarker))]) + truncationMarker
		d.log.Warn("message truncated", logx.Int64("chat_id", chatID), logx.Int("limit", maxMessageRunes))
	}

	sanitized := Sanitize(text)
	if strings.TrimSpace(sanitized) == "" {
		// Pathological input; better to send something than nothing.
		d.log.Error("message empty after sanitizing, sending raw text",
			logx.Int64("chat_id", chatID),
			logx.String("head", truncateRunes(text, 500)))
		sanitized = text
	}

	to := kit.ChatTarget{ChatID: chatID}
	_, err := d.sender.SendText(ctx, to, sanitized, &kit.SendOptions{ParseMode: "HTML", DisablePreview: true})
	if err == nil {
		return Outcome{Delivered: true}
	}
	d.log.Warn("formatted send rejected, falling back to plain text",
		logx.Int64("chat_id", chatID), logx.Err(err))

	_, err = d.sender.SendText(ctx, to, text, &kit.SendOptions{DisablePreview: true})
	if err == nil {
		d.log.Info("plain text fallback delivered", logx.Int64("chat_id", chatID))
		return Outcome{Delivered: true}
	}
	d.log.Error("plain send rejected", logx.Int64("chat_id", chatID), logx.Err(err))
	return Outcome{Delivered: false, Err: err}
}
