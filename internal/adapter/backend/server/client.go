package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/sony/gobreaker/v2"

	"omniclaw/internal/domain"
)

const maxResponseBody = 10 * 1024 * 1024

// Default breaker settings.
const (
	defaultBreakerFailures uint32 = 5
	defaultBreakerTimeout         = 60 * time.Second
)

// BreakerConfig configures the client circuit breaker.
type BreakerConfig struct {
	Failures uint32
	Timeout  time.Duration
}

// StatusError is a non-2xx response from an agent server.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("agent server returned %d: %s", e.Code, e.Body)
}

// Client talks to one agent server. Session and prompt calls go through a
// circuit breaker; Abort does not.
type Client struct {
	baseURL string
	http    *http.Client
	breaker *gobreaker.CircuitBreaker[[]byte]
}

// NewClient creates a client for the server at baseURL.
func NewClient(name, baseURL string, httpClient *http.Client, cfg BreakerConfig, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	failures := cfg.Failures
	if failures == 0 {
		failures = defaultBreakerFailures
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultBreakerTimeout
	}
	cb := gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:        "agent-server:" + name,
		MaxRequests: 1,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
	})
	return &Client{baseURL: baseURL, http: httpClient, breaker: cb}
}

// State returns the breaker state.
func (c *Client) State() gobreaker.State { return c.breaker.State() }

// Ping checks that the server answers HTTP at all.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/", nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	return resp.Body.Close()
}

type sessionResponse struct {
	ID string `json:"id"`
}

// CreateSession opens a conversation on the server and returns its id.
func (c *Client) CreateSession(ctx context.Context, title string) (string, error) {
	body, err := json.Marshal(map[string]string{"title": title})
	if err != nil {
		return "", err
	}
	resp, err := c.call(ctx, http.MethodPost, "/session", body)
	if err != nil {
		return "", domain.WrapOp("create session", err)
	}
	var out sessionResponse
	if err := json.Unmarshal(resp, &out); err != nil {
		return "", fmt.Errorf("decode session: %w", err)
	}
	if out.ID == "" {
		return "", fmt.Errorf("create session: empty session id")
	}
	return out.ID, nil
}

type textPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type promptRequest struct {
	Parts []textPart `json:"parts"`
}

// Prompt sends text to the session and returns the raw response body once
// the agent has answered.
func (c *Client) Prompt(ctx context.Context, sessionID, text string) ([]byte, error) {
	body, err := json.Marshal(promptRequest{Parts: []textPart{{Type: "text", Text: text}}})
	if err != nil {
		return nil, err
	}
	resp, err := c.call(ctx, http.MethodPost, "/session/"+sessionID+"/message", body)
	if err != nil {
		return nil, domain.WrapOp("prompt", err)
	}
	return resp, nil
}

// Abort stops the session's in-flight prompt. It bypasses the breaker.
func (c *Client) Abort(ctx context.Context, sessionID string) error {
	_, err := c.do(ctx, http.MethodPost, "/session/"+sessionID+"/abort", nil)
	return err
}

func (c *Client) call(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	resp, err := c.breaker.Execute(func() ([]byte, error) {
		return c.do(ctx, method, path, body)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("agent server circuit open: %w", err)
	}
	return resp, err
}

func (c *Client) do(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet := string(data)
		if len(snippet) > 200 {
			snippet = snippet[:200]
		}
		return nil, &StatusError{Code: resp.StatusCode, Body: snippet}
	}
	return data, nil
}
