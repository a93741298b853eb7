package provider

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/sony/gobreaker"
)

// Jira posts through the cloud REST v3 API. Comment bodies are Atlassian
// Document Format; the formatter hands us plain text and we wrap it.
type Jira struct {
	base string
	http *http.Client
	cb   *gobreaker.CircuitBreaker
}

func NewJira(baseURL string, hc *http.Client) *Jira {
	if hc == nil {
		hc = http.DefaultClient
	}
	return &Jira{base: strings.TrimSuffix(baseURL, "/"), http: hc, cb: newBreaker("jira")}
}

func (j *Jira) headers(t Target) map[string]string {
	return map[string]string{"Authorization": "Basic " + t.Token}
}

// adfDocument wraps plain text paragraphs into a minimal ADF body.
func adfDocument(body string) map[string]any {
	var content []map[string]any
	for _, para := range strings.Split(body, "\n\n") {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}
		content = append(content, map[string]any{
			"type":    "paragraph",
			"content": []map[string]any{{"type": "text", "text": para}},
		})
	}
	if len(content) == 0 {
		content = append(content, map[string]any{"type": "paragraph"})
	}
	return map[string]any{
		"type":    "doc",
		"version": 1,
		"content": content,
	}
}

func (j *Jira) PostComment(ctx context.Context, t Target, body string) (string, error) {
	url := fmt.Sprintf("%s/rest/api/3/issue/%s/comment", j.base, t.IssueKey)
	var resp struct {
		ID string `json:"id"`
	}
	payload := map[string]any{"body": adfDocument(body)}
	if err := doJSON(ctx, j.http, j.cb, http.MethodPost, url, j.headers(t), payload, &resp); err != nil {
		return "", fmt.Errorf("failed to post comment: %w", err)
	}
	return "comment-" + resp.ID, nil
}

func (j *Jira) PostMessage(ctx context.Context, t Target, body string) (string, error) {
	return j.PostComment(ctx, t, body)
}

// UpdateStatus resolves the transition whose target status matches by
// name, then executes it. Two calls; Jira has no direct status write.
func (j *Jira) UpdateStatus(ctx context.Context, t Target, status string) error {
	url := fmt.Sprintf("%s/rest/api/3/issue/%s/transitions", j.base, t.IssueKey)

	var list struct {
		Transitions []struct {
			ID string `json:"id"`
			To struct {
				Name string `json:"name"`
			} `json:"to"`
		} `json:"transitions"`
	}
	if err := doJSON(ctx, j.http, j.cb, http.MethodGet, url, j.headers(t), nil, &list); err != nil {
		return fmt.Errorf("failed to list transitions: %w", err)
	}

	var transitionID string
	for _, tr := range list.Transitions {
		if strings.EqualFold(tr.To.Name, status) {
			transitionID = tr.ID
			break
		}
	}
	if transitionID == "" {
		return fmt.Errorf("no transition to status %q on %s", status, t.IssueKey)
	}

	payload := map[string]any{"transition": map[string]string{"id": transitionID}}
	if err := doJSON(ctx, j.http, j.cb, http.MethodPost, url, j.headers(t), payload, nil); err != nil {
		return fmt.Errorf("failed to transition issue: %w", err)
	}
	return nil
}

func (j *Jira) AddReaction(ctx context.Context, t Target, reaction string) error {
	return ErrUnsupported
}
