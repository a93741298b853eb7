package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/agentdhq/agentd/internal/config"
	"github.com/agentdhq/agentd/internal/queue"
	"github.com/agentdhq/agentd/internal/secrets"
	"github.com/agentdhq/agentd/internal/storage"
	"github.com/agentdhq/agentd/internal/task"
	"github.com/agentdhq/agentd/internal/token"
)

type fixture struct {
	server  *Server
	store   *task.Store
	queue   *queue.Queue
	archive *storage.Archive
	mr      *miniredis.Miniredis
}

func newFixture(t *testing.T, mutate func(cfg *config.Config)) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	cfg := &config.Config{}
	cfg.API.AdminToken = "admin-secret"
	cfg.API.AdminTokenHeader = "Authorization"
	cfg.API.OrgRatePerHour = 3600
	cfg.API.EndpointRatePerMinute = 6000
	cfg.API.Burst = 100
	cfg.Queue.MaxAttempts = 4
	cfg.Providers.GitHub.Enabled = true
	if mutate != nil {
		mutate(cfg)
	}

	store := task.NewStoreWithClient(client)
	q := queue.NewWithClient(client, queue.Options{})
	archive := storage.New(t.TempDir())

	key, err := secrets.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	enc, err := secrets.NewEncryptor(key)
	if err != nil {
		t.Fatalf("new encryptor: %v", err)
	}
	tokens := token.NewService(token.NewStore(client), enc, zap.NewNop())

	srv := New(cfg, store, q, zap.NewNop(),
		WithTokens(tokens), WithArchive(archive))
	return &fixture{server: srv, store: store, queue: q, archive: archive, mr: mr}
}

func (f *fixture) request(t *testing.T, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	return rec
}

func adminHeaders() map[string]string {
	return map[string]string{"Authorization": "Bearer admin-secret"}
}

func seedTask(t *testing.T, f *fixture, tk *task.Task) *task.Task {
	t.Helper()
	if tk.ID == "" {
		tk.ID = task.NewID()
	}
	if tk.Status == "" {
		tk.Status = task.StatusQueued
	}
	if tk.Priority == "" {
		tk.Priority = task.PriorityNormal
	}
	if tk.MaxAttempts == 0 {
		tk.MaxAttempts = 4
	}
	now := time.Now()
	if tk.ScheduledFor.IsZero() {
		tk.ScheduledFor = now
	}
	if tk.EnqueuedAt.IsZero() {
		tk.EnqueuedAt = now
	}
	if _, err := f.store.Create(context.Background(), tk); err != nil {
		t.Fatalf("create task: %v", err)
	}
	return tk
}

func TestHealthOK(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.request(t, http.MethodGet, "/healthz", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "ok" {
		t.Fatalf("body = %v", body)
	}
}

func TestHealthUnavailable(t *testing.T) {
	f := newFixture(t, nil)
	f.mr.Close()

	rec := f.request(t, http.MethodGet, "/healthz", nil, nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
}

func TestListTasksFilters(t *testing.T) {
	f := newFixture(t, nil)
	seedTask(t, f, &task.Task{Provider: "github", OrgID: "acme", Command: "fix"})
	seedTask(t, f, &task.Task{Provider: "github", OrgID: "acme", Command: "review"})
	seedTask(t, f, &task.Task{Provider: "github", OrgID: "umbrella", Command: "fix"})

	rec := f.request(t, http.MethodGet, "/api/v1/tasks?org=acme", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body taskListResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Tasks) != 2 {
		t.Fatalf("tasks = %d, want 2", len(body.Tasks))
	}
	for _, tk := range body.Tasks {
		if tk.OrgID != "acme" {
			t.Fatalf("unexpected org %q", tk.OrgID)
		}
	}

	rec = f.request(t, http.MethodGet, "/api/v1/tasks?status=bogus", nil, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bogus status filter: %d, want 400", rec.Code)
	}
}

func TestGetTask(t *testing.T) {
	f := newFixture(t, nil)
	tk := seedTask(t, f, &task.Task{Provider: "github", OrgID: "acme", Command: "fix"})

	rec := f.request(t, http.MethodGet, "/api/v1/tasks/"+tk.ID, nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var got task.Task
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.ID != tk.ID || got.Command != "fix" {
		t.Fatalf("got = %+v", got)
	}

	rec = f.request(t, http.MethodGet, "/api/v1/tasks/"+task.NewID(), nil, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("missing task: %d, want 404", rec.Code)
	}
}

func TestCancelQueuedTask(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	tk := seedTask(t, f, &task.Task{Provider: "github", OrgID: "acme", Command: "fix", SourceKey: "github:acme/widgets#7:fix"})
	if _, _, err := f.store.ClaimSource(ctx, "github", tk.SourceKey, tk.ID); err != nil {
		t.Fatalf("claim source: %v", err)
	}
	if _, err := f.queue.Enqueue(ctx, tk); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	rec := f.request(t, http.MethodPost, "/api/v1/tasks/"+tk.ID+"/cancel", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body %s", rec.Code, rec.Body.String())
	}

	stored, err := f.store.Get(ctx, tk.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.Status != task.StatusCancelled {
		t.Fatalf("status = %s, want cancelled", stored.Status)
	}
	depth, _ := f.queue.TotalDepth(ctx)
	if depth != 0 {
		t.Fatalf("queue depth = %d after cancel", depth)
	}
	// The source slot is free for a new task.
	_, claimed, err := f.store.ClaimSource(ctx, "github", tk.SourceKey, task.NewID())
	if err != nil || !claimed {
		t.Fatalf("source not released: %v %v", claimed, err)
	}
}

func TestCancelRunningTaskSetsFlag(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	tk := seedTask(t, f, &task.Task{Provider: "github", OrgID: "acme", Command: "fix"})
	if err := f.store.Transition(ctx, tk.ID, []task.Status{task.StatusQueued}, task.StatusLeased, nil); err != nil {
		t.Fatalf("to leased: %v", err)
	}
	if err := f.store.Transition(ctx, tk.ID, []task.Status{task.StatusLeased}, task.StatusRunning, nil); err != nil {
		t.Fatalf("to running: %v", err)
	}

	rec := f.request(t, http.MethodPost, "/api/v1/tasks/"+tk.ID+"/cancel", nil, nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", rec.Code)
	}

	requested, err := f.store.CancelRequested(ctx, tk.ID)
	if err != nil || !requested {
		t.Fatalf("cancel flag: %v %v", requested, err)
	}
	stored, _ := f.store.Get(ctx, tk.ID)
	if stored.Status != task.StatusRunning {
		t.Fatalf("status = %s, cooperative cancel must not change it", stored.Status)
	}
}

func TestCancelTerminalTaskConflicts(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	tk := seedTask(t, f, &task.Task{Provider: "github", OrgID: "acme", Command: "fix"})
	if err := f.store.Transition(ctx, tk.ID, []task.Status{task.StatusQueued}, task.StatusCancelled, nil); err != nil {
		t.Fatalf("to cancelled: %v", err)
	}

	rec := f.request(t, http.MethodPost, "/api/v1/tasks/"+tk.ID+"/cancel", nil, nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rec.Code)
	}
}

func TestCreateTaskRequiresAdminToken(t *testing.T) {
	f := newFixture(t, nil)
	body := createTaskRequest{Provider: "github", OrgID: "acme", Command: "fix"}

	rec := f.request(t, http.MethodPost, "/api/v1/tasks", body, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("no token: %d, want 401", rec.Code)
	}

	rec = f.request(t, http.MethodPost, "/api/v1/tasks", body,
		map[string]string{"Authorization": "Bearer wrong"})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("bad token: %d, want 401", rec.Code)
	}
}

func TestCreateTaskAdminDisabled(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) { cfg.API.AdminToken = "" })
	body := createTaskRequest{Provider: "github", OrgID: "acme", Command: "fix"}

	rec := f.request(t, http.MethodPost, "/api/v1/tasks", body, adminHeaders())
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
}

func TestCreateTaskEnqueues(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	body := createTaskRequest{
		Provider: "github", OrgID: "acme", Repo: "widgets",
		PRNumber: 42, Command: "fix", Prompt: "fix the flaky test",
	}

	rec := f.request(t, http.MethodPost, "/api/v1/tasks", body, adminHeaders())
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d body %s", rec.Code, rec.Body.String())
	}
	var resp map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}

	stored, err := f.store.Get(ctx, resp["task_id"])
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.Priority != task.PriorityHigh {
		t.Fatalf("priority = %s, want high for fix", stored.Priority)
	}
	if stored.SourceKey != "github:acme/widgets#42:fix" {
		t.Fatalf("source key = %q", stored.SourceKey)
	}
	depth, _ := f.queue.TotalDepth(ctx)
	if depth != 1 {
		t.Fatalf("queue depth = %d", depth)
	}

	// Same PR and command again: the incumbent wins.
	rec = f.request(t, http.MethodPost, "/api/v1/tasks", body, adminHeaders())
	if rec.Code != http.StatusConflict {
		t.Fatalf("duplicate: %d, want 409", rec.Code)
	}
}

func TestCreateTaskValidation(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.request(t, http.MethodPost, "/api/v1/tasks",
		createTaskRequest{Provider: "gitea", OrgID: "acme", Command: "fix"}, adminHeaders())
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("unknown provider: %d, want 400", rec.Code)
	}

	rec = f.request(t, http.MethodPost, "/api/v1/tasks",
		createTaskRequest{Provider: "github", Command: "fix"}, adminHeaders())
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("missing org: %d, want 400", rec.Code)
	}

	rec = f.request(t, http.MethodPost, "/api/v1/tasks",
		createTaskRequest{Provider: "github", OrgID: "acme", Command: "fix", Priority: "urgent"}, adminHeaders())
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad priority: %d, want 400", rec.Code)
	}
}

func TestTaskTranscript(t *testing.T) {
	f := newFixture(t, nil)
	tk := seedTask(t, f, &task.Task{Provider: "github", OrgID: "acme", Command: "fix"})

	rec := f.request(t, http.MethodGet, "/api/v1/tasks/"+tk.ID+"/transcript", nil, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("before archive: %d, want 404", rec.Code)
	}

	err := f.archive.SaveRun(&storage.RunRecord{
		TaskID: tk.ID, Provider: "github", Org: "acme", Command: "fix",
		Status: "succeeded", Transcript: "explore: reading handler.go\ndone: fixed\n",
	})
	if err != nil {
		t.Fatalf("save run: %v", err)
	}

	rec = f.request(t, http.MethodGet, "/api/v1/tasks/"+tk.ID+"/transcript", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := rec.Body.String(); got != "explore: reading handler.go\ndone: fixed\n" {
		t.Fatalf("transcript = %q", got)
	}
}

func TestInstallationLifecycle(t *testing.T) {
	f := newFixture(t, nil)

	create := createInstallationRequest{
		Provider: "github", OrgID: "acme", AccessToken: "ghs_secret", WebhookSecret: "whsec",
	}
	rec := f.request(t, http.MethodPost, "/api/v1/installations", create, adminHeaders())
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: %d body %s", rec.Code, rec.Body.String())
	}
	var inst token.Installation
	if err := json.Unmarshal(rec.Body.Bytes(), &inst); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if inst.ID == "" || !inst.Active {
		t.Fatalf("installation = %+v", inst)
	}
	if bytes.Contains(rec.Body.Bytes(), []byte("ghs_secret")) {
		t.Fatal("plaintext credential leaked in response")
	}

	// Second registration for the same org conflicts without replace.
	rec = f.request(t, http.MethodPost, "/api/v1/installations", create, adminHeaders())
	if rec.Code != http.StatusConflict {
		t.Fatalf("duplicate: %d, want 409", rec.Code)
	}

	rec = f.request(t, http.MethodGet, "/api/v1/installations", nil, adminHeaders())
	if rec.Code != http.StatusOK {
		t.Fatalf("list: %d", rec.Code)
	}
	var listed struct {
		Installations []*token.Installation `json:"installations"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &listed); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(listed.Installations) != 1 {
		t.Fatalf("installations = %d", len(listed.Installations))
	}

	rec = f.request(t, http.MethodDelete, "/api/v1/installations/"+inst.ID, nil, adminHeaders())
	if rec.Code != http.StatusOK {
		t.Fatalf("revoke: %d", rec.Code)
	}

	rec = f.request(t, http.MethodDelete, "/api/v1/installations/inst-missing", nil, adminHeaders())
	if rec.Code != http.StatusNotFound {
		t.Fatalf("revoke missing: %d, want 404", rec.Code)
	}
}

func TestEndpointRateLimit(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) {
		cfg.API.EndpointRatePerMinute = 1
		cfg.API.Burst = 2
	})

	var last int
	for i := 0; i < 3; i++ {
		rec := f.request(t, http.MethodGet, "/api/v1/tasks", nil, nil)
		last = rec.Code
	}
	if last != http.StatusTooManyRequests {
		t.Fatalf("third request: %d, want 429", last)
	}

	rec := f.request(t, http.MethodGet, "/api/v1/tasks", nil, nil)
	if rec.Header().Get("Retry-After") == "" {
		t.Fatal("429 without Retry-After")
	}
}

func TestLimiterMapPrune(t *testing.T) {
	m := newLimiterMap("test", 1, 1)
	m.allow("a")
	m.allow("b")
	m.entries["a"].lastSeen = time.Now().Add(-2 * time.Hour)

	m.Prune()

	if _, ok := m.entries["a"]; ok {
		t.Fatal("idle entry survived prune")
	}
	if _, ok := m.entries["b"]; !ok {
		t.Fatal("fresh entry pruned")
	}
}
