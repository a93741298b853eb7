package provider

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"github.com/sony/gobreaker"
)

const defaultGitHubAPI = "https://api.github.com"

// GitHub posts through the REST v3 API with an installation token.
type GitHub struct {
	base string
	http *http.Client
	cb   *gobreaker.CircuitBreaker
}

func NewGitHub(baseURL string, hc *http.Client) *GitHub {
	if baseURL == "" {
		baseURL = defaultGitHubAPI
	}
	if hc == nil {
		hc = http.DefaultClient
	}
	return &GitHub{base: baseURL, http: hc, cb: newBreaker("github")}
}

func (g *GitHub) headers(t Target) map[string]string {
	return map[string]string{
		"Authorization":        "Bearer " + t.Token,
		"X-GitHub-Api-Version": "2022-11-28",
	}
}

// PostComment writes an issue comment on the PR or issue. The returned
// artifact id matches the form webhook normalization produces.
func (g *GitHub) PostComment(ctx context.Context, t Target, body string) (string, error) {
	url := fmt.Sprintf("%s/repos/%s/%s/issues/%d/comments", g.base, t.Org, t.Repo, t.PRNumber)
	var resp struct {
		ID int64 `json:"id"`
	}
	err := doJSON(ctx, g.http, g.cb, http.MethodPost, url, g.headers(t), map[string]string{"body": body}, &resp)
	if err != nil {
		return "", fmt.Errorf("failed to post comment: %w", err)
	}
	return "c-" + strconv.FormatInt(resp.ID, 10), nil
}

// PostMessage has no separate channel concept on GitHub.
func (g *GitHub) PostMessage(ctx context.Context, t Target, body string) (string, error) {
	return g.PostComment(ctx, t, body)
}

// UpdateStatus sets a commit status in the agentd context.
func (g *GitHub) UpdateStatus(ctx context.Context, t Target, status string) error {
	if t.SHA == "" {
		return ErrUnsupported
	}
	url := fmt.Sprintf("%s/repos/%s/%s/statuses/%s", g.base, t.Org, t.Repo, t.SHA)
	payload := map[string]string{
		"state":   status,
		"context": "agentd",
	}
	if err := doJSON(ctx, g.http, g.cb, http.MethodPost, url, g.headers(t), payload, nil); err != nil {
		return fmt.Errorf("failed to update status: %w", err)
	}
	return nil
}

// AddReaction reacts to the comment that triggered the task, an ack
// that the command was seen before any work happens.
func (g *GitHub) AddReaction(ctx context.Context, t Target, reaction string) error {
	if t.CommentID == "" {
		return ErrUnsupported
	}
	url := fmt.Sprintf("%s/repos/%s/%s/issues/comments/%s/reactions", g.base, t.Org, t.Repo, t.CommentID)
	payload := map[string]string{"content": reaction}
	if err := doJSON(ctx, g.http, g.cb, http.MethodPost, url, g.headers(t), payload, nil); err != nil {
		return fmt.Errorf("failed to add reaction: %w", err)
	}
	return nil
}
