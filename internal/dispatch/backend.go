// Package dispatch implements the execution engine: it gates matched
// commands on permissions and rate limits, invokes the resolved backend,
// retries transient failures with backoff, and appends one Execution
// record per attempted dispatch.
//
// This file defines the backend abstraction. Each Command.Type maps to one
// Backend implementation, so backend selection is a single map lookup
// instead of branching scattered through the engine.
package dispatch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Request is the payload handed to a backend for one dispatch attempt.
type Request struct {
	SessionID   string            `json:"session_id"`
	ExecutionID string            `json:"execution_id"`
	Command     string            `json:"command"`
	Invocation  string            `json:"invocation"`
	EntityKey   string            `json:"entity_key"`
	UserID      string            `json:"user_id"`
	MessageType string            `json:"message_type"`
	Text        string            `json:"text,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	Config      string            `json:"config,omitempty"` // per-entity override
}

// Backend invokes one kind of handler. Invoke returns the raw response body
// on success. Errors are classified by the engine via Retryable.
type Backend interface {
	Invoke(ctx context.Context, method string, req Request, body []byte) (string, error)
}

// rejectedError marks a non-retryable backend rejection (4xx-equivalent).
type rejectedError struct {
	status int
	body   string
}

func (e *rejectedError) Error() string {
	return fmt.Sprintf("backend rejected call: status %d", e.status)
}

// Retryable reports whether a dispatch error is worth another attempt.
// Explicit rejections are terminal; network errors, timeouts, and
// 5xx-equivalent failures are transient.
func Retryable(err error) bool {
	var rej *rejectedError
	return err != nil && !errors.As(err, &rej)
}

// httpInvoke performs one HTTP call and normalizes its outcome: 2xx returns
// the body, 4xx is a terminal rejection, anything else is transient.
func httpInvoke(ctx context.Context, client *http.Client, method, url string, headers map[string]string, body []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return "", &rejectedError{status: 0, body: err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return "", err // transport errors (incl. context deadline) retry
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", err
	}
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return string(b), nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return "", &rejectedError{status: resp.StatusCode, body: string(b)}
	default:
		return "", fmt.Errorf("backend returned status %d", resp.StatusCode)
	}
}

// newClient builds the shared outbound HTTP client. Per-dispatch deadlines
// ride on the request context, so the client timeout is only a backstop.
func newClient() *http.Client {
	return &http.Client{Timeout: 2 * time.Minute}
}
