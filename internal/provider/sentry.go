package provider

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/sony/gobreaker"
)

const defaultSentryAPI = "https://sentry.io"

// Sentry writes issue notes and resolves issues through the REST API.
type Sentry struct {
	base string
	http *http.Client
	cb   *gobreaker.CircuitBreaker
}

func NewSentry(baseURL string, hc *http.Client) *Sentry {
	if baseURL == "" {
		baseURL = defaultSentryAPI
	}
	if hc == nil {
		hc = http.DefaultClient
	}
	return &Sentry{base: strings.TrimSuffix(baseURL, "/"), http: hc, cb: newBreaker("sentry")}
}

func (s *Sentry) headers(t Target) map[string]string {
	return map[string]string{"Authorization": "Bearer " + t.Token}
}

func (s *Sentry) PostComment(ctx context.Context, t Target, body string) (string, error) {
	url := fmt.Sprintf("%s/api/0/issues/%s/comments/", s.base, t.IssueID)
	var resp struct {
		ID string `json:"id"`
	}
	payload := map[string]string{"text": body}
	if err := doJSON(ctx, s.http, s.cb, http.MethodPost, url, s.headers(t), payload, &resp); err != nil {
		return "", fmt.Errorf("failed to post comment: %w", err)
	}
	return "note-" + resp.ID, nil
}

func (s *Sentry) PostMessage(ctx context.Context, t Target, body string) (string, error) {
	return s.PostComment(ctx, t, body)
}

// UpdateStatus maps directly onto the issue status field; "resolved"
// and "ignored" are the states the analyze flow sets.
func (s *Sentry) UpdateStatus(ctx context.Context, t Target, status string) error {
	url := fmt.Sprintf("%s/api/0/issues/%s/", s.base, t.IssueID)
	payload := map[string]string{"status": status}
	if err := doJSON(ctx, s.http, s.cb, http.MethodPut, url, s.headers(t), payload, nil); err != nil {
		return fmt.Errorf("failed to update status: %w", err)
	}
	return nil
}

func (s *Sentry) AddReaction(ctx context.Context, t Target, reaction string) error {
	return ErrUnsupported
}
