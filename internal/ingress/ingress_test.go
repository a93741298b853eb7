package ingress

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/agentdhq/agentd/internal/config"
	"github.com/agentdhq/agentd/internal/queue"
	"github.com/agentdhq/agentd/internal/task"
	"github.com/agentdhq/agentd/internal/webhook"
)

func newTestHandler(t *testing.T, qopts queue.Options) (*Handler, *task.Store, *queue.Queue) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	store := task.NewStoreWithClient(client)
	q := queue.NewWithClient(client, qopts)

	cfg := &config.Config{}
	cfg.Providers.GitHub = config.ProviderConfig{Enabled: true, WebhookSecret: "gh-secret"}
	cfg.Providers.Slack = config.ProviderConfig{Enabled: true, WebhookSecret: "slack-secret"}

	return NewHandler(cfg, store, q, nil, zap.NewNop()), store, q
}

func newTestRouter(h *Handler) http.Handler {
	r := chi.NewRouter()
	r.Post("/webhooks/{provider}", h.ServeWebhook)
	return r
}

func signGitHub(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func githubComment(delivery, comment string, commentID int64) *http.Request {
	body := []byte(fmt.Sprintf(`{
		"action": "created",
		"comment": {"id": %d, "body": %q, "user": {"login": "octocat"}},
		"issue": {"number": 42, "pull_request": {"url": "x"}},
		"repository": {
			"name": "widgets", "full_name": "acme/widgets",
			"clone_url": "https://github.com/acme/widgets.git",
			"owner": {"login": "acme"}
		}
	}`, commentID, comment))
	req := httptest.NewRequest(http.MethodPost, "/webhooks/github", bytes.NewReader(body))
	req.Header.Set("X-GitHub-Event", "issue_comment")
	req.Header.Set("X-GitHub-Delivery", delivery)
	req.Header.Set("X-Hub-Signature-256", signGitHub(body, "gh-secret"))
	return req
}

func decodeResponse(t *testing.T, rec *httptest.ResponseRecorder) webhookResponse {
	t.Helper()
	var resp webhookResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp
}

func TestWebhookCreatesTask(t *testing.T) {
	h, store, q := newTestHandler(t, queue.Options{})
	router := newTestRouter(h)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, githubComment("d-1", "@agent analyze", 9001))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	resp := decodeResponse(t, rec)
	if resp.TaskID == "" || resp.Status != "queued" {
		t.Fatalf("response = %+v", resp)
	}

	created, err := store.Get(context.Background(), resp.TaskID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if created.Command != "analyze" || created.Priority != task.PriorityNormal {
		t.Fatalf("task = %+v", created)
	}
	if created.PRNumber != 42 || created.OrgID != "acme" || created.Repo != "widgets" {
		t.Fatalf("task source = %+v", created)
	}
	if created.SourceKey != "github:acme/widgets#42:analyze" {
		t.Fatalf("source key = %q", created.SourceKey)
	}

	depth, err := q.TotalDepth(context.Background())
	if err != nil {
		t.Fatalf("depth: %v", err)
	}
	if depth != 1 {
		t.Fatalf("queue depth = %d, want 1", depth)
	}
}

// githubIssueComment is a comment on a plain issue: no pull_request
// stub on the issue object.
func githubIssueComment(delivery, comment string, commentID int64) *http.Request {
	body := []byte(fmt.Sprintf(`{
		"action": "created",
		"comment": {"id": %d, "body": %q, "user": {"login": "octocat"}},
		"issue": {"number": 42},
		"repository": {
			"name": "widgets", "full_name": "acme/widgets",
			"clone_url": "https://github.com/acme/widgets.git",
			"owner": {"login": "acme"}
		}
	}`, commentID, comment))
	req := httptest.NewRequest(http.MethodPost, "/webhooks/github", bytes.NewReader(body))
	req.Header.Set("X-GitHub-Event", "issue_comment")
	req.Header.Set("X-GitHub-Delivery", delivery)
	req.Header.Set("X-Hub-Signature-256", signGitHub(body, "gh-secret"))
	return req
}

func TestWebhookPlainIssueComment(t *testing.T) {
	h, store, _ := newTestHandler(t, queue.Options{})
	router := newTestRouter(h)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, githubIssueComment("d-1", "@agent analyze", 9001))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	resp := decodeResponse(t, rec)

	created, err := store.Get(context.Background(), resp.TaskID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if created.PRNumber != 0 || created.IssueNumber != 42 {
		t.Fatalf("pr = %d issue = %d, want the issue number only", created.PRNumber, created.IssueNumber)
	}
	if created.SourceKey != "github:acme/widgets#42:analyze" {
		t.Fatalf("source key = %q", created.SourceKey)
	}
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	h, _, _ := newTestHandler(t, queue.Options{})
	router := newTestRouter(h)

	req := githubComment("d-1", "@agent analyze", 9001)
	req.Header.Set("X-Hub-Signature-256", "sha256=deadbeef")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestWebhookUnknownProvider(t *testing.T) {
	h, _, _ := newTestHandler(t, queue.Options{})
	router := newTestRouter(h)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/webhooks/bitbucket", bytes.NewReader(nil)))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestWebhookDuplicateDelivery(t *testing.T) {
	h, _, q := newTestHandler(t, queue.Options{})
	router := newTestRouter(h)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, githubComment("d-1", "@agent analyze", 9001))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("first delivery status = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, githubComment("d-1", "@agent analyze", 9001))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("duplicate status = %d", rec.Code)
	}
	if resp := decodeResponse(t, rec); resp.Status != "duplicate" {
		t.Fatalf("response = %+v", resp)
	}

	depth, _ := q.TotalDepth(context.Background())
	if depth != 1 {
		t.Fatalf("queue depth = %d after duplicate, want 1", depth)
	}
}

func TestWebhookNoActivation(t *testing.T) {
	h, _, q := newTestHandler(t, queue.Options{})
	router := newTestRouter(h)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, githubComment("d-1", "nice work!", 9001))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rec.Code)
	}
	depth, _ := q.TotalDepth(context.Background())
	if depth != 0 {
		t.Fatalf("queue depth = %d, want 0", depth)
	}
}

func TestWebhookSourceAlreadyActive(t *testing.T) {
	h, _, _ := newTestHandler(t, queue.Options{})
	router := newTestRouter(h)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, githubComment("d-1", "@agent analyze", 9001))
	first := decodeResponse(t, rec)

	// A new comment on the same PR asking for the same command.
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, githubComment("d-2", "@agent analyze please", 9002))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d", rec.Code)
	}
	resp := decodeResponse(t, rec)
	if resp.Status != "already-active" || resp.TaskID != first.TaskID {
		t.Fatalf("response = %+v, want incumbent %s", resp, first.TaskID)
	}

	// A different command on the same PR is its own source.
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, githubComment("d-3", "@agent review", 9003))
	if resp := decodeResponse(t, rec); resp.Status != "queued" {
		t.Fatalf("different command response = %+v", resp)
	}
}

func TestWebhookDropsOwnArtifact(t *testing.T) {
	h, store, q := newTestHandler(t, queue.Options{})
	router := newTestRouter(h)

	// The poster wrote this marker just before commenting.
	if _, err := store.ClaimMarker(context.Background(), "posted", "github:c-9001", time.Hour); err != nil {
		t.Fatalf("claim marker: %v", err)
	}

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, githubComment("d-1", "@agent analyze", 9001))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d", rec.Code)
	}
	if resp := decodeResponse(t, rec); resp.Status != "dropped" {
		t.Fatalf("response = %+v", resp)
	}
	depth, _ := q.TotalDepth(context.Background())
	if depth != 0 {
		t.Fatalf("queue depth = %d, want 0", depth)
	}
}

// A crash between sending the comment and writing the artifact marker
// leaves only the task-keyed marker; the footer in the comment body is
// enough to recognize the echo.
func TestWebhookDropsOwnArtifactByFooter(t *testing.T) {
	h, store, q := newTestHandler(t, queue.Options{})
	router := newTestRouter(h)

	taskID := task.NewID()
	if _, err := store.ClaimMarker(context.Background(), "posted", "github:task:"+taskID, time.Hour); err != nil {
		t.Fatalf("claim marker: %v", err)
	}

	body := "@agent analyze\n\n" + webhook.EchoTag(taskID)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, githubComment("d-1", body, 9100))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d", rec.Code)
	}
	if resp := decodeResponse(t, rec); resp.Status != "dropped" {
		t.Fatalf("response = %+v", resp)
	}
	depth, _ := q.TotalDepth(context.Background())
	if depth != 0 {
		t.Fatalf("queue depth = %d, want 0", depth)
	}
}

func TestWebhookTooBusy(t *testing.T) {
	h, store, q := newTestHandler(t, queue.Options{SoftLimit: 1})
	router := newTestRouter(h)

	// Fill the queue to the soft limit.
	filler := &task.Task{
		ID: task.NewID(), Provider: "github", OrgID: "other", Command: "fix",
		Priority: task.PriorityNormal, Status: task.StatusQueued,
		ScheduledFor: time.Now(), EnqueuedAt: time.Now(),
	}
	if _, err := q.Enqueue(context.Background(), filler); err != nil {
		t.Fatalf("enqueue filler: %v", err)
	}

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, githubComment("d-1", "@agent analyze", 9001))
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatal("missing Retry-After")
	}

	// The source claim must be released so a later retry can win it.
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, githubComment("d-2", "@agent fix", 9002))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("high-priority retry status = %d, body %s", rec.Code, rec.Body)
	}

	tasks, _, err := store.List(context.Background(), task.Filter{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	var cancelled int
	for _, tk := range tasks {
		if tk.Status == task.StatusCancelled {
			cancelled++
		}
	}
	if cancelled != 1 {
		t.Fatalf("cancelled rows = %d, want the rejected enqueue", cancelled)
	}
}

func TestWebhookSlackChallenge(t *testing.T) {
	h, _, _ := newTestHandler(t, queue.Options{})
	router := newTestRouter(h)

	body := []byte(`{"type":"url_verification","challenge":"ch-42"}`)
	ts := fmt.Sprintf("%d", time.Now().Unix())
	mac := hmac.New(sha256.New, []byte("slack-secret"))
	mac.Write([]byte("v0:" + ts + ":" + string(body)))

	req := httptest.NewRequest(http.MethodPost, "/webhooks/slack", bytes.NewReader(body))
	req.Header.Set("X-Slack-Request-Timestamp", ts)
	req.Header.Set("X-Slack-Signature", "v0="+hex.EncodeToString(mac.Sum(nil)))

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	var resp map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp["challenge"] != "ch-42" {
		t.Fatalf("challenge = %q", resp["challenge"])
	}
}
