// Package upstream forwards admitted requests to the downstream
// text-generation service and extracts token usage from its responses.
package upstream

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"time"

	log "github.com/sirupsen/logrus"
)

// Downstream failure modes, reported distinctly to the caller.
var (
	// ErrTimeout marks a downstream call that exceeded the client timeout.
	ErrTimeout = errors.New("upstream: request timed out")
	// ErrUnavailable marks a downstream connection failure.
	ErrUnavailable = errors.New("upstream: service unavailable")
)

// StatusError carries a non-200 downstream response through to the caller.
type StatusError struct {
	StatusCode int
	Body       []byte
}

// Error names the downstream status.
func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream: downstream returned status %d", e.StatusCode)
}

// Client posts JSON bodies to the downstream generation endpoint.
type Client struct {
	url        string
	httpClient *http.Client
}

// NewClient constructs a Client with a bounded per-request timeout.
func NewClient(url string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		url:        url,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Forward posts body downstream and returns the response body. Timeouts and
// connection failures map to ErrTimeout and ErrUnavailable; any non-200
// status comes back as a StatusError carrying the downstream body.
func (c *Client) Forward(ctx context.Context, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("upstream: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, classifyTransportError(err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("upstream: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		log.WithField("status", resp.StatusCode).Error("upstream: downstream error response")
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: respBody}
	}
	return respBody, nil
}

// classifyTransportError separates timeouts from connection failures.
func classifyTransportError(err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		log.WithError(err).Error("upstream: downstream timeout")
		return ErrTimeout
	}
	if errors.Is(err, os.ErrDeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		log.WithError(err).Error("upstream: downstream timeout")
		return ErrTimeout
	}
	log.WithError(err).Error("upstream: downstream unreachable")
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}
