package telegram

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/gotd/td/telegram/auth"
	"github.com/gotd/td/tg"
	"golang.org/x/term"
)

// Authenticate runs an interactive terminal login and stores the session
// on disk. Meant to be invoked once by the operator, not by the daemon.
func (c *Client) Authenticate(ctx context.Context) error {
	storage, err := c.sessionStorage()
	if err != nil {
		return err
	}
	waiter := c.newWaiter()
	client := c.newClient(storage, waiter)

	flow := auth.NewFlow(terminalAuth{phone: c.cfg.Phone}, auth.SendCodeOptions{})

	return waiter.Run(ctx, func(ctx context.Context) error {
		return client.Run(ctx, func(ctx context.Context) error {
			if err := client.Auth().IfNecessary(ctx, flow); err != nil {
				return fmt.Errorf("login: %w", err)
			}
			self, err := client.Self(ctx)
			if err != nil {
				return fmt.Errorf("get self: %w", err)
			}
			fmt.Printf("Logged in as %s (@%s), session saved.\n", self.FirstName, self.Username)
			return nil
		})
	})
}

// terminalAuth prompts on stdin/stderr for the login flow.
type terminalAuth struct {
	phone string
}

func (a terminalAuth) Phone(_ context.Context) (string, error) {
	if a.phone != "" {
		return a.phone, nil
	}
	return prompt("Phone number (international format): ")
}

func (terminalAuth) Code(_ context.Context, _ *tg.AuthSentCode) (string, error) {
	return prompt("Code from Telegram: ")
}

func (terminalAuth) Password(_ context.Context) (string, error) {
	fmt.Fprint(os.Stderr, "Two-factor password: ")
	pw, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("read password: %w", err)
	}
	return string(pw), nil
}

func (terminalAuth) SignUp(_ context.Context) (auth.UserInfo, error) {
	return auth.UserInfo{}, errors.New("sign up through an official Telegram app first")
}

func (terminalAuth) AcceptTermsOfService(_ context.Context, tos tg.HelpTermsOfService) error {
	return &auth.SignUpRequired{TermsOfService: tos}
}

func prompt(label string) (string, error) {
	fmt.Fprint(os.Stderr, label)
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(line), nil
}
