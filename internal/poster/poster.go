// Package poster delivers terminal task results back to the provider
// that asked for them. Delivery is at-most-once per task: a marker
// claimed before the HTTP call keeps restarts from double-posting, at
// the cost of a small crash window where nothing is posted.
package poster

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/agentdhq/agentd/internal/config"
	"github.com/agentdhq/agentd/internal/metrics"
	"github.com/agentdhq/agentd/internal/provider"
	"github.com/agentdhq/agentd/internal/task"
	"github.com/agentdhq/agentd/internal/token"
	"github.com/agentdhq/agentd/internal/webhook"
)

const (
	markerTTL    = time.Hour
	postAttempts = 3
)

// TokenSource issues the per-org credential used to post; satisfied by
// the token service.
type TokenSource interface {
	GetToken(ctx context.Context, provider, org string) (token.Token, error)
}

type Poster struct {
	clients map[string]provider.Client
	store   *task.Store
	tokens  TokenSource
	cfg     config.ProvidersConfig
	logger  *zap.Logger
	backoff time.Duration
}

func New(cfg config.ProvidersConfig, store *task.Store, tokens TokenSource, logger *zap.Logger) *Poster {
	hc := &http.Client{Timeout: 30 * time.Second}
	return &Poster{
		clients: map[string]provider.Client{
			"github": provider.NewGitHub(cfg.GitHub.APIBaseURL, hc),
			"jira":   provider.NewJira(cfg.Jira.APIBaseURL, hc),
			"slack":  provider.NewSlack(cfg.Slack.APIBaseURL, hc),
			"sentry": provider.NewSentry(cfg.Sentry.APIBaseURL, hc),
		},
		store:   store,
		tokens:  tokens,
		cfg:     cfg,
		logger:  logger,
		backoff: time.Second,
	}
}

// RegisterClient swaps in a provider client; the serve path uses it for
// nothing, tests for everything.
func (p *Poster) RegisterClient(name string, c provider.Client) {
	p.clients[name] = c
}

// Post formats and delivers the terminal result for t. A delivery
// failure leaves the task terminal with posted=false; the error is
// logged and counted, never retried across calls.
func (p *Poster) Post(ctx context.Context, t *task.Task) error {
	client, ok := p.clients[t.Provider]
	if !ok {
		return fmt.Errorf("no client for provider %q", t.Provider)
	}

	// The footer lets the ingress recognize this message's webhook echo
	// by task id, independent of the artifact-id marker below.
	body := FormatResult(t) + "\n\n" + webhook.EchoTag(t.ID)
	target := p.targetFor(t)
	target.Token = p.credential(ctx, t)

	// Claimed before the call: a worker that crashes mid-post must not
	// post again on redelivery.
	claimed, err := p.store.ClaimMarker(ctx, "posted", t.Provider+":task:"+t.ID, markerTTL)
	if err != nil {
		return fmt.Errorf("failed to claim post marker: %w", err)
	}
	if !claimed {
		return nil
	}

	artifactID, err := p.deliver(ctx, client, target, body)
	if err != nil {
		metrics.ResultPosted(t.Provider, false)
		p.logger.Error("failed to post result",
			zap.String("task_id", t.ID),
			zap.String("provider", t.Provider),
			zap.Error(err))
		return err
	}

	// Suppress the webhook echo of our own artifact.
	if artifactID != "" {
		if _, err := p.store.ClaimMarker(ctx, "posted", t.Provider+":"+artifactID, markerTTL); err != nil {
			p.logger.Warn("failed to mark posted artifact", zap.Error(err))
		}
	}
	if err := p.store.SetPosted(ctx, t.ID, true); err != nil {
		p.logger.Warn("failed to set posted flag", zap.String("task_id", t.ID), zap.Error(err))
	}
	metrics.ResultPosted(t.Provider, true)
	return nil
}

// deliver retries transient failures with exponential backoff; a 429
// with Retry-After waits exactly that long instead.
func (p *Poster) deliver(ctx context.Context, client provider.Client, target provider.Target, body string) (string, error) {
	var lastErr error
	for attempt := 0; attempt < postAttempts; attempt++ {
		if attempt > 0 {
			wait := p.backoff << (attempt - 1)
			var se *provider.StatusError
			if errors.As(lastErr, &se) && se.RetryAfter > 0 {
				wait = se.RetryAfter
			}
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}

		var id string
		var err error
		if target.Channel != "" {
			id, err = client.PostMessage(ctx, target, body)
		} else {
			id, err = client.PostComment(ctx, target, body)
		}
		if err == nil {
			return id, nil
		}
		lastErr = err

		var se *provider.StatusError
		if errors.As(err, &se) && !se.Temporary() {
			return "", err
		}
	}
	return "", lastErr
}

// targetFor reconstructs the delivery anchor from the task row. The
// tracker providers keep their anchor in the source key.
func (p *Poster) targetFor(t *task.Task) provider.Target {
	target := provider.Target{
		Org:    t.OrgID,
		Repo:   t.Repo,
		TaskID: t.ID,
	}
	switch t.Provider {
	case "github":
		// GitHub's comments API addresses PRs and issues uniformly.
		target.PRNumber = t.PRNumber
		if target.PRNumber == 0 {
			target.PRNumber = t.IssueNumber
		}
		target.CommentID = strings.TrimPrefix(t.ArtifactID, "c-")
	case "slack":
		if channel, ts, ok := strings.Cut(t.ArtifactID, ":"); ok {
			target.Channel = channel
			target.ThreadTS = ts
		}
	case "jira":
		target.IssueKey = sourceAnchor(t.SourceKey)
	case "sentry":
		target.IssueID = sourceAnchor(t.SourceKey)
	}
	return target
}

// sourceAnchor extracts the middle segment of provider:anchor:command.
func sourceAnchor(sourceKey string) string {
	parts := strings.SplitN(sourceKey, ":", 3)
	if len(parts) < 3 {
		return ""
	}
	return parts[1]
}

// credential prefers the org's installation token; the static provider
// token is the fallback for unregistered orgs.
func (p *Poster) credential(ctx context.Context, t *task.Task) string {
	if p.tokens != nil {
		if tok, err := p.tokens.GetToken(ctx, t.Provider, t.OrgID); err == nil && tok.Value != "" {
			return tok.Value
		}
	}
	pcfg := providerConfig(p.cfg, t.Provider)
	if pcfg.Token != "" {
		return pcfg.Token
	}
	if pcfg.TokenEnv != "" {
		return os.Getenv(pcfg.TokenEnv)
	}
	return ""
}

func providerConfig(cfg config.ProvidersConfig, name string) config.ProviderConfig {
	switch name {
	case "github":
		return cfg.GitHub
	case "jira":
		return cfg.Jira
	case "slack":
		return cfg.Slack
	case "sentry":
		return cfg.Sentry
	default:
		return config.ProviderConfig{}
	}
}
