package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/lyzr/branchsync/common/apperr"
)

// Logger interface for HTTP client logging
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// maxErrorBody caps how much of an error response is read
const maxErrorBody = 4096

// HTTPClient wraps http.Client with context-aware helpers
// It automatically extracts metadata from context and adds appropriate headers
type HTTPClient struct {
	client *http.Client
	logger Logger
}

// NewHTTPClient creates a new HTTP client wrapper
func NewHTTPClient(client *http.Client, logger Logger) *HTTPClient {
	return &HTTPClient{
		client: client,
		logger: logger,
	}
}

// DoRequest creates and executes an HTTP request, extracting metadata from context
func (c *HTTPClient) DoRequest(ctx context.Context, method, url string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, err
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	if branchID, ok := GetBranchID(ctx); ok {
		req.Header.Set("X-Branch-ID", branchID)
	}
	if requestID, ok := GetRequestID(ctx); ok {
		req.Header.Set("X-Request-ID", requestID)
	}

	return c.client.Do(req)
}

// DoJSON sends in (if non-nil) as JSON and decodes a 2xx response into out
// (if non-nil). Failures are classified: transport errors and 5xx become
// RemoteUnavailable, other statuses map through the peer's error body.
func (c *HTTPClient) DoJSON(ctx context.Context, op, method, url string, in, out any) error {
	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode %s request: %w", op, err)
		}
		body = bytes.NewReader(payload)
	}

	resp, err := c.DoRequest(ctx, method, url, body)
	if err != nil {
		c.logger.Warn("request failed", "op", op, "url", url, "error", err)
		return apperr.Unavailable(op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return c.decodeError(op, resp)
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return apperr.Wrap(apperr.KindInternal, op, fmt.Errorf("failed to decode response: %w", err))
	}
	return nil
}

func (c *HTTPClient) decodeError(op string, resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

	kind := apperr.FromStatus(resp.StatusCode)
	msg := fmt.Sprintf("status=%d", resp.StatusCode)

	var body struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if json.Unmarshal(raw, &body) == nil && body.Message != "" {
		msg = body.Message
	}

	c.logger.Debug("peer returned error", "op", op, "status", resp.StatusCode, "message", msg)

	if kind == apperr.KindRemoteUnavailable {
		return apperr.Unavailable(op, errors.New(msg))
	}
	return &apperr.Error{Kind: kind, Op: op, Message: msg}
}
