// Package openedx is a thin client for the learning platform's enrollment
// API. Calls are best-effort: the commerce side treats platform outages as
// transient and retries or records the failure.
package openedx

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Modes the platform understands.
const (
	ModeAudit    = "audit"
	ModeVerified = "verified"
)

// ErrEnrollmentFailed is returned when the platform rejects the request
// outright (not a transient condition).
var ErrEnrollmentFailed = errors.New("openedx: enrollment request rejected")

// TransientError marks a platform failure worth retrying: timeouts,
// connection errors, 5xx responses.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return "openedx: transient failure: " + e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether the error is a retryable platform failure.
func IsTransient(err error) bool {
	var t *TransientError
	return errors.As(err, &t)
}

// Client talks to the platform's enrollment API with a service account token.
type Client struct {
	http    *http.Client
	baseURL string
	token   string
}

// Config configures the platform client.
type Config struct {
	BaseURL string
	Token   string
	Timeout time.Duration
}

// NewClient creates a platform client with traced transport.
func NewClient(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 20 * time.Second
	}
	return &Client{
		http: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
			Timeout:   timeout,
		},
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.Token,
	}
}

type enrollRequest struct {
	User     string `json:"user"`
	CourseID string `json:"course_details_course_id"`
	Mode     string `json:"mode"`
	IsActive bool   `json:"is_active"`
}

// Enroll enrolls the user into the course run in the given mode.
// Idempotent on the platform side.
func (c *Client) Enroll(ctx context.Context, username, coursewareID, mode string) error {
	return c.post(ctx, enrollRequest{
		User:     username,
		CourseID: coursewareID,
		Mode:     mode,
		IsActive: true,
	})
}

// Unenroll deactivates the user's enrollment in the course run. The mode is
// preserved; only the active flag flips.
func (c *Client) Unenroll(ctx context.Context, username, coursewareID, mode string) error {
	return c.post(ctx, enrollRequest{
		User:     username,
		CourseID: coursewareID,
		Mode:     mode,
		IsActive: false,
	})
}

func (c *Client) post(ctx context.Context, body enrollRequest) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return errors.Wrap(err, "encode enrollment request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/api/enrollment/v1/enrollment", bytes.NewReader(raw))
	if err != nil {
		return errors.Wrap(err, "build enrollment request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return classifyTransportError(err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return &TransientError{Err: errors.Errorf("platform returned %d", resp.StatusCode)}
	default:
		return errors.Wrapf(ErrEnrollmentFailed, "platform returned %d", resp.StatusCode)
	}
}

func classifyTransportError(err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &TransientError{Err: err}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &TransientError{Err: err}
	}
	// Connection refused, DNS failures and friends all arrive as *url.Error
	// wrapping an *net.OpError.
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return &TransientError{Err: err}
	}
	return errors.Wrap(err, "call platform")
}
