// Package generate is the text-generation backend boundary. The rest of the
// pipeline talks to the Generator interface; the one concrete implementation
// speaks the OpenAI-compatible chat completions protocol.
package generate

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"golang.org/x/time/rate"

	"github.com/Ledgerline-Labs/keel/pkg/config"
)

// ErrTransport marks generator failures that must abort the session. They
// are never swallowed or degraded.
var ErrTransport = errors.New("generator transport error")

// Generator produces text for composed instructions. The call is synchronous;
// cancellation and deadline come from ctx.
type Generator interface {
	Generate(ctx context.Context, system, user string, temperature float64) (string, error)
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []message `json:"messages"`
	Temperature float64   `json:"temperature"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// Client calls an OpenAI-compatible chat completions endpoint. Requests are
// rate limited per process and retried exactly once on transport failure.
type Client struct {
	cfg     config.Generator
	http    *http.Client
	limiter *rate.Limiter
	logger  *slog.Logger
}

// NewClient builds a client from generator settings.
func NewClient(cfg config.Generator, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	perMin := cfg.RatePerMin
	if perMin <= 0 {
		perMin = 60
	}
	return &Client{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(rate.Limit(perMin/60.0), int(perMin)),
		logger:  logger,
	}
}

// Generate performs one chat completion. One bounded retry on failure, then
// the error propagates wrapped in ErrTransport.
func (c *Client) Generate(ctx context.Context, system, user string, temperature float64) (string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("%w: %v", ErrTransport, err)
	}

	text, firstErr := c.call(ctx, system, user, temperature)
	if firstErr == nil {
		return text, nil
	}
	if ctx.Err() != nil {
		return "", fmt.Errorf("%w: %v", ErrTransport, firstErr)
	}

	c.logger.Warn("generator call failed; retrying once", "err", firstErr)
	text, retryErr := c.call(ctx, system, user, temperature)
	if retryErr != nil {
		return "", fmt.Errorf("%w: %v (first attempt: %v)", ErrTransport, retryErr, firstErr)
	}
	return text, nil
}

func (c *Client) call(ctx context.Context, system, user string, temperature float64) (string, error) {
	body, err := json.Marshal(chatRequest{
		Model: c.cfg.Model,
		Messages: []message{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		Temperature: temperature,
		MaxTokens:   c.cfg.MaxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	url := strings.TrimRight(c.cfg.BaseURL, "/") + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var parsed chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("empty choices in response")
	}
	return parsed.Choices[0].Message.Content, nil
}
