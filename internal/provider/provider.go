// Package provider implements the outbound half of each integration:
// posting comments and messages, updating statuses, and reacting to
// artifacts. Every client wraps its HTTP calls in a circuit breaker so
// a dead provider API fails fast instead of tying up workers.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/sony/gobreaker"
)

// ErrUnsupported marks a verb a provider has no counterpart for, such
// as reactions on Jira. Callers treat it as a silent no-op.
var ErrUnsupported = errors.New("operation not supported by provider")

// Target names where a delivery lands. Providers read the fields they
// understand and ignore the rest. Token is the per-call credential.
type Target struct {
	Org  string
	Repo string

	PRNumber  int
	CommentID string
	SHA       string

	Channel  string
	ThreadTS string

	IssueKey string
	IssueID  string

	TaskID string
	Token  string
}

// Client is one provider's outbound surface. PostComment and
// PostMessage return the provider-assigned artifact id so the caller
// can suppress the webhook echo.
type Client interface {
	PostComment(ctx context.Context, t Target, body string) (string, error)
	PostMessage(ctx context.Context, t Target, body string) (string, error)
	UpdateStatus(ctx context.Context, t Target, status string) error
	AddReaction(ctx context.Context, t Target, reaction string) error
}

// StatusError is a non-2xx provider response. RetryAfter is populated
// from the Retry-After header when the provider sent one.
type StatusError struct {
	Code       int
	Body       string
	RetryAfter time.Duration
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("provider returned status %d: %s", e.Code, e.Body)
}

// Temporary reports whether a retry could plausibly succeed.
func (e *StatusError) Temporary() bool {
	return e.Code == http.StatusTooManyRequests || e.Code >= 500
}

// newBreaker builds the shared breaker shape: five consecutive
// failures open it, half-open after 30s. Client-side 4xx responses are
// the caller's fault and do not trip it.
func newBreaker(name string) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= 5
		},
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			var se *StatusError
			if errors.As(err, &se) {
				return !se.Temporary()
			}
			return false
		},
	})
}

// doJSON runs one JSON request through the breaker. A nil out discards
// the response body.
func doJSON(ctx context.Context, hc *http.Client, cb *gobreaker.CircuitBreaker, method, url string, headers map[string]string, payload, out any) error {
	_, err := cb.Execute(func() (any, error) {
		var body io.Reader
		if payload != nil {
			data, err := json.Marshal(payload)
			if err != nil {
				return nil, fmt.Errorf("failed to encode payload: %w", err)
			}
			body = bytes.NewReader(data)
		}
		req, err := http.NewRequestWithContext(ctx, method, url, body)
		if err != nil {
			return nil, fmt.Errorf("failed to build request: %w", err)
		}
		req.Header.Set("Accept", "application/json")
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		for k, v := range headers {
			req.Header.Set(k, v)
		}

		resp, err := hc.Do(req)
		if err != nil {
			return nil, fmt.Errorf("request failed: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return nil, statusError(resp)
		}
		if out != nil {
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				return nil, fmt.Errorf("failed to decode response: %w", err)
			}
		}
		return nil, nil
	})
	return err
}

func statusError(resp *http.Response) *StatusError {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	se := &StatusError{Code: resp.StatusCode, Body: string(bytes.TrimSpace(data))}
	if ra := resp.Header.Get("Retry-After"); ra != "" {
		se.RetryAfter = parseRetryAfter(ra)
	}
	return se
}

// parseRetryAfter accepts both delay-seconds and HTTP-date forms.
func parseRetryAfter(value string) time.Duration {
	if secs, err := strconv.Atoi(value); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}
