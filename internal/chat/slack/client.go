// Package slack implements the chat transport, notifier and attachment byte
// source over the Slack Web API.
package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"golang.org/x/time/rate"

	"threadlink/api/internal/chat"
)

const (
	defaultBaseURL        = "https://slack.com/api"
	defaultRequestsPerSec = 20
	maxResponseBytes      = 8 << 20
)

// Config holds configuration for a Slack Client.
type Config struct {
	// BaseURL defaults to "https://slack.com/api".
	BaseURL string
	// Token is the bot token (xoxb-...).
	Token string
	// WorkspaceURL, e.g. "https://acme.slack.com", is used to build message
	// permalinks. When empty it is learned from chat.getPermalink.
	WorkspaceURL string
	// RequestsPerSecond paces all calls. Defaults to 20.
	RequestsPerSecond float64
	// HTTPClient defaults to http.DefaultClient.
	HTTPClient *http.Client
	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *slog.Logger

	mu           sync.Mutex
	workspaceURL string
}

var (
	_ chat.Transport  = (*Client)(nil)
	_ chat.Notifier   = (*Client)(nil)
	_ chat.ByteSource = (*Client)(nil)
)

func NewClient(config Config) (*Client, error) {
	if config.Token == "" {
		return nil, fmt.Errorf("slack: Token is required")
	}
	baseURL := strings.TrimRight(config.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	rps := config.RequestsPerSecond
	if rps <= 0 {
		rps = defaultRequestsPerSec
	}
	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL:      baseURL,
		token:        config.Token,
		httpClient:   httpClient,
		limiter:      rate.NewLimiter(rate.Limit(rps), 1),
		logger:       logger,
		workspaceURL: strings.TrimRight(config.WorkspaceURL, "/"),
	}, nil
}

// APIError is a Slack response with ok=false.
type APIError struct {
	Method string
	Code   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("slack: %s: %s", e.Method, e.Code)
}

type envelope struct {
	OK    bool   `json:"ok"`
	Error string `json:"error"`
}

// get calls a read method with query parameters.
func (c *Client) get(ctx context.Context, method string, params url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/"+method+"?"+params.Encode(), nil)
	if err != nil {
		return fmt.Errorf("slack: build %s request: %w", method, err)
	}
	return c.call(ctx, method, req, out)
}

// post calls a write method with a JSON body.
func (c *Client) post(ctx context.Context, method string, body any, out any) error {
	encoded, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("slack: encode %s request: %w", method, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/"+method, bytes.NewReader(encoded))
	if err != nil {
		return fmt.Errorf("slack: build %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	return c.call(ctx, method, req, out)
}

// call sends req and decodes the body into out. Transport failures, 5xx and
// rate limiting wrap chat.ErrTransportUnavailable; ok=false is an *APIError.
func (c *Client) call(ctx context.Context, method string, req *http.Request, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("slack: %s: %w", method, err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("slack: %s: %w", method, ctxErr)
		}
		return fmt.Errorf("slack: %s: %w: %v", method, chat.ErrTransportUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return fmt.Errorf("slack: %s: %w: HTTP %d (retry after %q)", method, chat.ErrTransportUnavailable,
			resp.StatusCode, resp.Header.Get("Retry-After"))
	}
	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("slack: %s: read response: %w: %v", method, chat.ErrTransportUnavailable, err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("slack: %s: HTTP %d", method, resp.StatusCode)
	}

	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return fmt.Errorf("slack: %s: decode response: %w", method, err)
	}
	if !env.OK {
		return &APIError{Method: method, Code: env.Error}
	}
	if out != nil {
		if err := json.Unmarshal(payload, out); err != nil {
			return fmt.Errorf("slack: %s: decode response: %w", method, err)
		}
	}
	return nil
}
