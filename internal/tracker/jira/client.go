// Package jira is a tracker.Adapter for the Jira REST API v2.
package jira

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

	"threadlink/api/internal/metrics"
	"threadlink/api/internal/tracker"
)

const (
	apiPrefix             = "/rest/api/2"
	defaultIssueType      = "Task"
	defaultLabel          = "slack-driven-development"
	defaultRequestsPerSec = 5
	maxResponseBytes      = 4 << 20
)

// Config holds configuration for a Jira Client.
type Config struct {
	// BaseURL is the Jira root, e.g. "https://jira.example.com".
	BaseURL string
	User    string
	// Password is a password or API token for basic auth.
	Password string

	// Project is the key new issues are created in.
	Project   string
	IssueType string
	// Label is attached to every created issue. Defaults to
	// "slack-driven-development".
	Label string

	// RequestsPerSecond paces all calls. Defaults to 5.
	RequestsPerSecond float64

	// Attachments opens attachment bytes for upload. Attachments are skipped
	// when nil.
	Attachments tracker.AttachmentSource

	// HTTPClient defaults to http.DefaultClient.
	HTTPClient *http.Client
	// Logger defaults to slog.Default().
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

type Client struct {
	baseURL     string
	user        string
	password    string
	project     string
	issueType   string
	label       string
	attachments tracker.AttachmentSource
	httpClient  *http.Client
	limiter     *rate.Limiter
	logger      *slog.Logger
	metrics     *metrics.Metrics
}

var (
	_ tracker.Adapter       = (*Client)(nil)
	_ tracker.IssueSearcher = (*Client)(nil)
)

func NewClient(config Config) (*Client, error) {
	baseURL := strings.TrimRight(config.BaseURL, "/")
	if baseURL == "" {
		return nil, fmt.Errorf("jira: BaseURL is required")
	}
	if config.Project == "" {
		return nil, fmt.Errorf("jira: Project is required")
	}

	issueType := config.IssueType
	if issueType == "" {
		issueType = defaultIssueType
	}
	label := config.Label
	if label == "" {
		label = defaultLabel
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
		baseURL:     baseURL,
		user:        config.User,
		password:    config.Password,
		project:     config.Project,
		issueType:   issueType,
		label:       label,
		attachments: config.Attachments,
		httpClient:  httpClient,
		limiter:     rate.NewLimiter(rate.Limit(rps), 1),
		logger:      logger,
		metrics:     config.Metrics,
	}, nil
}

// BrowseURL returns the human-facing URL of an issue.
func (c *Client) BrowseURL(issueKey string) string {
	return c.baseURL + "/browse/" + issueKey
}

// doJSON sends requestBody as JSON (nil for none) and decodes a 2xx response
// into out (nil to discard).
func (c *Client) doJSON(ctx context.Context, call, method, path string, requestBody, out any) error {
	var body io.Reader
	if requestBody != nil {
		encoded, err := json.Marshal(requestBody)
		if err != nil {
			return fmt.Errorf("jira: encode %s request: %w", call, err)
		}
		body = bytes.NewReader(encoded)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+apiPrefix+path, body)
	if err != nil {
		return fmt.Errorf("jira: build %s request: %w", call, err)
	}
	if requestBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.send(ctx, call, req, out)
}

func (c *Client) send(ctx context.Context, call string, req *http.Request, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("jira: %s: %w", call, err)
	}
	req.Header.Set("Accept", "application/json")
	if c.user != "" {
		req.SetBasicAuth(c.user, c.password)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.metrics.TrackerCall(call, "unavailable")
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("jira: %s: %w", call, ctxErr)
		}
		return fmt.Errorf("jira: %s: %w: %v", call, tracker.ErrUnavailable, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		c.metrics.TrackerCall(call, "unavailable")
		return fmt.Errorf("jira: %s: read response: %w: %v", call, tracker.ErrUnavailable, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := parseError(resp.StatusCode, payload)
		if apiErr.retryable() {
			c.metrics.TrackerCall(call, "unavailable")
			c.logger.Warn("jira: transient failure", "call", call, "status", resp.StatusCode, "error", apiErr.message())
			return fmt.Errorf("jira: %s: %w: %s", call, tracker.ErrUnavailable, apiErr)
		}
		c.metrics.TrackerCall(call, "rejected")
		return &tracker.RejectedError{StatusCode: resp.StatusCode, Message: apiErr.message()}
	}
	c.metrics.TrackerCall(call, "ok")

	if out == nil || len(bytes.TrimSpace(payload)) == 0 {
		return nil
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("jira: %s: decode response: %w", call, err)
	}
	return nil
}

// IsNotFound reports whether err is a Jira 404.
func IsNotFound(err error) bool {
	var rejected *tracker.RejectedError
	return errors.As(err, &rejected) && rejected.StatusCode == http.StatusNotFound
}
