// Package openrouter implements the digest.ModelClient over OpenRouter's
// chat-completion API (OpenAI wire format).
package openrouter

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"

	"digestbot/internal/digest"
	"digestbot/pkg/logx"
)

const defaultBaseURL = "https://openrouter.ai/api/v1"

type Config struct {
	APIKey      string
	BaseURL     string
	Model       string
	MaxTokens   int           // completion cap, default 2000
	Temperature float64       // default 0.3
	Timeout     time.Duration // per-request, default 2m
}

type Client struct {
	cfg Config
	api openai.Client
	log logx.Logger
}

func New(cfg Config, log logx.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("model api key is empty")
	}
	if strings.TrimSpace(cfg.Model) == "" {
		return nil, errors.New("model name is empty")
	}
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 2000
	}
	if cfg.Temperature <= 0 {
		cfg.Temperature = 0.3
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Minute
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	api := openai.NewClient(
		option.WithAPIKey(cfg.APIKey),
		option.WithBaseURL(cfg.BaseURL),
	)
	return &Client{cfg: cfg, api: api, log: log}, nil
}

func (c *Client) Complete(ctx context.Context, system, user string) (digest.Completion, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	resp, err := c.api.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: c.cfg.Model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(system),
			openai.UserMessage(user),
		},
		MaxTokens:   openai.Int(int64(c.cfg.MaxTokens)),
		Temperature: openai.Float(c.cfg.Temperature),
	})
	if err != nil {
		return digest.Completion{}, err
	}
	if len(resp.Choices) == 0 {
		return digest.Completion{}, errors.New("model returned no choices")
	}
	return digest.Completion{
		Content:    resp.Choices[0].Message.Content,
		TokensUsed: int(resp.Usage.TotalTokens),
	}, nil
}

// Classify buckets a completion error for the summarizer's retry policy.
func Classify(err error) digest.FailureClass {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case http.StatusTooManyRequests:
			return digest.ClassRateLimit
		case http.StatusRequestTimeout, http.StatusGatewayTimeout:
			return digest.ClassTimeout
		}
		return digest.ClassUpstream
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return digest.ClassTimeout
	}
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return digest.ClassTimeout
	}
	return digest.ClassUpstream
}
