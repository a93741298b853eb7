// Package ingress turns verified webhook deliveries into queued tasks.
// It is deliberately boring: every drop path answers 2xx so providers
// stop retrying, and only signature failures earn a 401.
package ingress

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/agentdhq/agentd/internal/config"
	"github.com/agentdhq/agentd/internal/metrics"
	"github.com/agentdhq/agentd/internal/queue"
	"github.com/agentdhq/agentd/internal/task"
	"github.com/agentdhq/agentd/internal/webhook"
)

const (
	// markerTTL bounds both idempotency and posted-artifact suppression.
	markerTTL = time.Hour

	maxBodyBytes = 1 << 20
)

// SecretSource resolves per-installation webhook secrets; satisfied by
// the token service. The static config secret is the fallback.
type SecretSource interface {
	WebhookSecret(ctx context.Context, provider, org string) (string, error)
}

type Handler struct {
	cfg     *config.Config
	store   *task.Store
	queue   *queue.Queue
	secrets SecretSource
	rules   *webhook.Rules
	logger  *zap.Logger
}

func NewHandler(cfg *config.Config, store *task.Store, q *queue.Queue, secrets SecretSource, logger *zap.Logger) *Handler {
	return &Handler{
		cfg:     cfg,
		store:   store,
		queue:   q,
		secrets: secrets,
		rules:   webhook.NewRules(cfg.Providers),
		logger:  logger,
	}
}

type webhookResponse struct {
	TaskID  string `json:"task_id,omitempty"`
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// ServeWebhook handles POST /webhooks/{provider}.
func (h *Handler) ServeWebhook(w http.ResponseWriter, r *http.Request) {
	provider := strings.ToLower(chi.URLParam(r, "provider"))
	pcfg := h.cfg.Provider(provider)
	if pcfg == nil {
		http.Error(w, "unknown provider", http.StatusBadRequest)
		return
	}
	if !pcfg.Enabled {
		http.Error(w, "provider not enabled", http.StatusNotFound)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	event, err := h.verifyAndParse(r, provider, pcfg, body)
	if err != nil {
		metrics.WebhookDropped(provider, "bad_signature")
		if errors.Is(err, webhook.ErrBadSignature) {
			http.Error(w, "invalid signature", http.StatusUnauthorized)
		} else {
			http.Error(w, "invalid payload", http.StatusBadRequest)
		}
		return
	}
	metrics.WebhookReceived(provider)

	// Slack echoes the challenge before any dedup bookkeeping.
	if event.Kind == "url_verification" {
		writeJSON(w, http.StatusOK, map[string]string{"challenge": event.Text})
		return
	}

	h.ingest(w, r.Context(), provider, event)
}

// verifyAndParse checks the HMAC against the installation secret for the
// event's org when one exists, else the static provider secret. Parsing
// before verification is fine: nothing is trusted until a secret matches.
func (h *Handler) verifyAndParse(r *http.Request, provider string, pcfg *config.ProviderConfig, body []byte) (*webhook.Event, error) {
	event, parseErr := webhook.Normalize(provider, r.Header, body)

	var secrets []string
	if parseErr == nil && event.OrgID != "" && h.secrets != nil {
		if s, err := h.secrets.WebhookSecret(r.Context(), provider, event.OrgID); err == nil && s != "" {
			secrets = append(secrets, s)
		}
	}
	if pcfg.WebhookSecret != "" {
		secrets = append(secrets, pcfg.WebhookSecret)
	}
	if len(secrets) == 0 {
		return nil, webhook.ErrBadSignature
	}

	var lastErr error
	for _, secret := range secrets {
		if err := webhook.VerifySignature(provider, secret, r.Header, body); err == nil {
			lastErr = nil
			break
		} else {
			lastErr = err
		}
	}
	if lastErr != nil {
		return nil, lastErr
	}
	if parseErr != nil {
		return nil, parseErr
	}
	return event, nil
}

func (h *Handler) ingest(w http.ResponseWriter, ctx context.Context, provider string, event *webhook.Event) {
	// Loop prevention: the event echoes an artifact we just posted.
	if event.ArtifactID != "" {
		posted, err := h.store.MarkerExists(ctx, "posted", provider+":"+event.ArtifactID)
		if err != nil {
			h.logger.Error("failed to check posted marker", zap.Error(err))
		} else if posted {
			metrics.WebhookDropped(provider, "self_post")
			writeJSON(w, http.StatusAccepted, webhookResponse{Status: "dropped", Message: "own artifact"})
			return
		}
	}

	// The provenance footer covers the crash window between sending a
	// message and learning its artifact id: the task-keyed marker is
	// claimed before the send, so it exists even if the artifact-id
	// marker never got written.
	if id, ok := webhook.EchoTaskID(event.Text); ok {
		posted, err := h.store.MarkerExists(ctx, "posted", provider+":task:"+id)
		if err != nil {
			h.logger.Error("failed to check task post marker", zap.Error(err))
		} else if posted {
			metrics.WebhookDropped(provider, "self_post")
			writeJSON(w, http.StatusAccepted, webhookResponse{Status: "dropped", Message: "own artifact"})
			return
		}
	}

	// Idempotency: at-least-once providers redeliver; first claim wins.
	if event.DeliveryID != "" {
		claimed, err := h.store.ClaimMarker(ctx, "dedup", provider+":"+event.DeliveryID, markerTTL)
		if err != nil {
			h.logger.Error("failed to claim dedup marker", zap.Error(err))
			http.Error(w, "store unavailable", http.StatusServiceUnavailable)
			return
		}
		if !claimed {
			metrics.WebhookDropped(provider, "duplicate")
			writeJSON(w, http.StatusAccepted, webhookResponse{Status: "duplicate"})
			return
		}
	}

	activation, ok := h.rules.Activate(event)
	if !ok {
		metrics.WebhookDropped(provider, "no_activation")
		w.WriteHeader(http.StatusNoContent)
		return
	}

	t := taskFromEvent(event, activation)

	// One active task per source: losers point at the incumbent.
	existing, claimed, err := h.store.ClaimSource(ctx, provider, t.SourceKey, t.ID)
	if err != nil {
		h.logger.Error("failed to claim source", zap.Error(err))
		http.Error(w, "store unavailable", http.StatusServiceUnavailable)
		return
	}
	if !claimed {
		metrics.WebhookDropped(provider, "source_busy")
		writeJSON(w, http.StatusAccepted, webhookResponse{TaskID: existing, Status: "already-active"})
		return
	}

	if _, err := h.store.Create(ctx, t); err != nil {
		_ = h.store.ReleaseSource(ctx, provider, t.SourceKey, t.ID)
		h.logger.Error("failed to create task", zap.Error(err))
		http.Error(w, "store unavailable", http.StatusServiceUnavailable)
		return
	}
	if _, err := h.queue.Enqueue(ctx, t); err != nil {
		_ = h.store.ReleaseSource(ctx, provider, t.SourceKey, t.ID)
		if errors.Is(err, queue.ErrTooBusy) {
			// Keep the row for audit; mark it out of the running.
			_ = h.store.Transition(ctx, t.ID, []task.Status{task.StatusQueued}, task.StatusCancelled,
				map[string]any{"diagnostic": "rejected: queue over capacity"})
			metrics.WebhookDropped(provider, "too_busy")
			w.Header().Set("Retry-After", "30")
			http.Error(w, "queue over capacity", http.StatusTooManyRequests)
			return
		}
		h.logger.Error("failed to enqueue task", zap.Error(err))
		http.Error(w, "queue unavailable", http.StatusServiceUnavailable)
		return
	}

	h.logger.Info("task created",
		zap.String("task_id", t.ID),
		zap.String("provider", provider),
		zap.String("org", t.OrgID),
		zap.String("command", t.Command),
		zap.String("priority", string(t.Priority)))
	writeJSON(w, http.StatusAccepted, webhookResponse{TaskID: t.ID, Status: "queued"})
}

func taskFromEvent(e *webhook.Event, act webhook.Activation) *task.Task {
	now := time.Now()
	return &task.Task{
		ID:           task.NewID(),
		Provider:     e.Provider,
		OrgID:        e.OrgID,
		Repo:         e.Repo,
		CloneURL:     e.CloneURL,
		PRNumber:     e.PRNumber,
		IssueNumber:  e.IssueNumber,
		Command:      act.Command,
		Prompt:       e.Text,
		Priority:     act.Priority,
		Status:       task.StatusQueued,
		MaxAttempts:  4,
		ScheduledFor: now,
		EnqueuedAt:   now,
		SourceKey:    e.SourceKey(act.Command),
		DeliveryID:   e.DeliveryID,
		ArtifactID:   e.ArtifactID,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
