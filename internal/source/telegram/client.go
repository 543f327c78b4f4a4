// Package telegram reads channel history over MTProto using a user session.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gotd/contrib/middleware/floodwait"
	"github.com/gotd/td/session"
	tdclient "github.com/gotd/td/telegram"
	"github.com/gotd/td/tg"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"digestbot/internal/digest"
	"digestbot/pkg/logx"
)

// ErrNotAuthorized means the stored session is missing or stale. The
// operator has to run the interactive login once (see Authenticate).
var ErrNotAuthorized = errors.New("telegram session is not authorized; run the bot with -auth to log in")

type Config struct {
	AppID      int
	AppHash    string
	Phone      string
	SessionDir string
}

// Client keeps a single MTProto connection for the lifetime of the
// process and serves history reads from it. Implements digest.SourceClient.
type Client struct {
	cfg Config
	log logx.Logger

	api    *tg.Client
	cancel context.CancelFunc
	ready  chan struct{}
	done   chan error
}

func New(cfg Config, log logx.Logger) (*Client, error) {
	if cfg.AppID == 0 || cfg.AppHash == "" {
		return nil, errors.New("telegram app credentials are empty")
	}
	if cfg.SessionDir == "" {
		return nil, errors.New("telegram session dir is empty")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Client{
		cfg:   cfg,
		log:   log,
		ready: make(chan struct{}),
		done:  make(chan error, 1),
	}, nil
}

func (c *Client) sessionStorage() (*session.FileStorage, error) {
	if err := os.MkdirAll(c.cfg.SessionDir, 0o700); err != nil {
		return nil, fmt.Errorf("create session dir: %w", err)
	}
	return &session.FileStorage{Path: filepath.Join(c.cfg.SessionDir, "session.json")}, nil
}

func (c *Client) newClient(storage *session.FileStorage, waiter *floodwait.Waiter) *tdclient.Client {
	zcfg := zap.NewProductionConfig()
	zcfg.Level = zap.NewAtomicLevelAt(zapcore.ErrorLevel)
	zlog, err := zcfg.Build()
	if err != nil {
		zlog = zap.NewNop()
	}
	return tdclient.NewClient(c.cfg.AppID, c.cfg.AppHash, tdclient.Options{
		SessionStorage: storage,
		Logger:         zlog,
		Middlewares:    []tdclient.Middleware{waiter},
	})
}

func (c *Client) newWaiter() *floodwait.Waiter {
	return floodwait.NewWaiter().WithCallback(func(ctx context.Context, wait floodwait.FloodWait) {
		c.log.Warn("telegram flood wait", logx.Duration("retry_after", wait.Duration))
	})
}

// Start connects and blocks until the connection is usable or fails.
// Returns ErrNotAuthorized when no valid session is stored.
func (c *Client) Start(ctx context.Context) error {
	storage, err := c.sessionStorage()
	if err != nil {
		return err
	}
	waiter := c.newWaiter()
	client := c.newClient(storage, waiter)

	runCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel

	go func() {
		c.done <- waiter.Run(runCtx, func(ctx context.Context) error {
			return client.Run(ctx, func(ctx context.Context) error {
				status, err := client.Auth().Status(ctx)
				if err != nil {
					return fmt.Errorf("auth status: %w", err)
				}
				if !status.Authorized {
					return ErrNotAuthorized
				}
				self, err := client.Self(ctx)
				if err != nil {
					return fmt.Errorf("get self: %w", err)
				}
				c.log.Info("telegram source connected",
					logx.String("user", self.Username),
					logx.Int64("id", self.ID))
				c.api = client.API()
				close(c.ready)
				<-ctx.Done()
				return ctx.Err()
			})
		})
	}()

	select {
	case <-c.ready:
		return nil
	case err := <-c.done:
		cancel()
		if err == nil {
			err = errors.New("telegram client stopped before becoming ready")
		}
		return err
	case <-ctx.Done():
		cancel()
		return ctx.Err()
	}
}

// Stop tears the connection down and waits for the run loop to exit.
func (c *Client) Stop() {
	if c.cancel == nil {
		return
	}
	c.cancel()
	select {
	case <-c.done:
	case <-time.After(10 * time.Second):
		c.log.Warn("telegram source did not stop in time")
	}
}

// Resolve checks that the channel username points at a broadcast channel
// the session can see.
func (c *Client) Resolve(ctx context.Context, channel string) error {
	_, err := c.resolveChannel(ctx, channel)
	return err
}

// History returns up to limit newest messages of the channel, newest first.
func (c *Client) History(ctx context.Context, channel string, limit int) ([]digest.SourceMessage, error) {
	ch, err := c.resolveChannel(ctx, channel)
	if err != nil {
		return nil, err
	}

	hist, err := c.api.MessagesGetHistory(ctx, &tg.MessagesGetHistoryRequest{
		Peer: &tg.InputPeerChannel{
			ChannelID:  ch.ID,
			AccessHash: ch.AccessHash,
		},
		Limit: limit,
	})
	if err != nil {
		return nil, fmt.Errorf("get history of @%s: %w", channel, err)
	}

	var raw []tg.MessageClass
	switch m := hist.(type) {
	case *tg.MessagesMessages:
		raw = m.Messages
	case *tg.MessagesMessagesSlice:
		raw = m.Messages
	case *tg.MessagesChannelMessages:
		raw = m.Messages
	case *tg.MessagesMessagesNotModified:
		return nil, nil
	default:
		return nil, fmt.Errorf("unexpected history response %T for @%s", hist, channel)
	}

	out := make([]digest.SourceMessage, 0, len(raw))
	for _, mc := range raw {
		switch msg := mc.(type) {
		case *tg.Message:
			out = append(out, digest.SourceMessage{
				ID:   msg.ID,
				Text: msg.Message,
				Date: time.Unix(int64(msg.Date), 0),
			})
		case *tg.MessageService:
			out = append(out, digest.SourceMessage{
				ID:      msg.ID,
				Service: true,
				Date:    time.Unix(int64(msg.Date), 0),
			})
		case *tg.MessageEmpty:
			// Deleted message stub, carries no date. Dropping it keeps the
			// history timestamps monotonic for the window walk.
			continue
		}
	}
	return out, nil
}

func (c *Client) resolveChannel(ctx context.Context, channel string) (*tg.Channel, error) {
	if c.api == nil {
		return nil, ErrNotAuthorized
	}
	resolved, err := c.api.ContactsResolveUsername(ctx, &tg.ContactsResolveUsernameRequest{
		Username: channel,
	})
	if err != nil {
		return nil, fmt.Errorf("resolve @%s: %w", channel, err)
	}
	for _, chat := range resolved.Chats {
		if ch, ok := chat.(*tg.Channel); ok {
			if !ch.Broadcast {
				return nil, fmt.Errorf("@%s is a group, not a channel", channel)
			}
			return ch, nil
		}
	}
	return nil, fmt.Errorf("@%s did not resolve to a channel", channel)
}
