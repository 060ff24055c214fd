// Package httpjson is the JSON-over-HTTP client shared by the semantic-layer
// and REST API engines.
package httpjson

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"time"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-analyst/pkg/adapters/datasource"
)

// maxResponseBytes bounds how much of a response body is read.
const maxResponseBytes = 64 << 20

// Request describes one call.
type Request struct {
	Method  string
	BaseURL string
	Path    []string // joined onto the base URL path
	Query   url.Values
	Headers map[string]string
	Body    any // JSON-encoded when non-nil
}

// StatusError is a non-2xx response the server answered deliberately (4xx).
type StatusError struct {
	StatusCode int
	Body       []byte
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream returned status %d: %s", e.StatusCode, truncate(e.Body, 300))
}

// Client sends JSON requests and classifies failures: transport errors, 5xx
// and 429 become *datasource.ConnectionError, other non-2xx a *StatusError.
type Client struct {
	httpClient *http.Client
	logger     *zap.Logger
}

// NewClient creates a client with the given per-request timeout.
func NewClient(timeout time.Duration, logger *zap.Logger) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger.Named("httpjson"),
	}
}

// Do sends req and returns the response body of a 2xx answer.
func (c *Client) Do(ctx context.Context, req Request) ([]byte, error) {
	endpoint, err := BuildURL(req.BaseURL, req.Path...)
	if err != nil {
		return nil, fmt.Errorf("failed to build URL: %w", err)
	}
	if len(req.Query) > 0 {
		endpoint += "?" + req.Query.Encode()
	}

	var body io.Reader
	if req.Body != nil {
		data, err := json.Marshal(req.Body)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Accept", "application/json")
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	c.logger.Debug("Calling upstream", zap.String("method", method), zap.String("url", endpoint))

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return nil, &datasource.ConnectionError{Op: method + " " + endpoint, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, &datasource.ConnectionError{Op: "read response", Err: err}
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return data, nil
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		c.logger.Warn("Upstream unavailable",
			zap.Int("status", resp.StatusCode),
			zap.String("url", endpoint))
		return nil, &datasource.ConnectionError{Op: method + " " + endpoint, Err: &StatusError{StatusCode: resp.StatusCode, Body: data}}
	default:
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: data}
	}
}

// BuildURL constructs a URL by parsing the base and joining path segments.
func BuildURL(baseURL string, pathSegments ...string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("invalid base URL: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("invalid base URL %q: scheme and host are required", baseURL)
	}

	segments := append([]string{u.Path}, pathSegments...)
	u.Path = path.Join(segments...)

	return u.String(), nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
