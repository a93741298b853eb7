package task

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := NewStoreWithClient(client)
	t.Cleanup(func() {
		_ = store.Close()
		mr.Close()
	})
	return store, mr
}

func newQueuedTask(id, org string) *Task {
	now := time.Now()
	return &Task{
		ID:           id,
		Provider:     "github",
		OrgID:        org,
		Repo:         "acme/widgets",
		CloneURL:     "https://github.com/acme/widgets.git",
		PRNumber:     42,
		Command:      "review",
		Prompt:       "review this PR",
		Priority:     PriorityNormal,
		Status:       StatusQueued,
		MaxAttempts:  4,
		ScheduledFor: now,
		EnqueuedAt:   now,
		SourceKey:    "pr-42:review",
		ArtifactID:   "acme/widgets#42",
	}
}

func TestCreateAndGet(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	want := newQueuedTask(NewID(), "acme")
	if _, err := store.Create(ctx, want); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := store.Get(ctx, want.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.ID != want.ID || got.OrgID != "acme" || got.Command != "review" {
		t.Fatalf("unexpected task: %+v", got)
	}
	if got.Status != StatusQueued {
		t.Fatalf("expected queued, got %s", got.Status)
	}
	if got.PRNumber != 42 {
		t.Fatalf("expected pr 42, got %d", got.PRNumber)
	}
	if got.EnqueuedAt.UnixMilli() != want.EnqueuedAt.UnixMilli() {
		t.Fatalf("enqueued_at mismatch: %v vs %v", got.EnqueuedAt, want.EnqueuedAt)
	}
}

func TestGetNotFound(t *testing.T) {
	store, _ := newTestStore(t)
	if _, err := store.Get(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCreateIdempotent(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	original := newQueuedTask(NewID(), "acme")
	if _, err := store.Create(ctx, original); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.Transition(ctx, original.ID, []Status{StatusQueued}, StatusLeased, nil); err != nil {
		t.Fatalf("transition: %v", err)
	}

	replay := newQueuedTask(original.ID, "acme")
	got, err := store.Create(ctx, replay)
	if err != nil {
		t.Fatalf("replayed create: %v", err)
	}
	if got.Status != StatusLeased {
		t.Fatalf("replayed create should return stored task, got status %s", got.Status)
	}
}

func TestTransitionLifecycle(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	tk := newQueuedTask(NewID(), "acme")
	if _, err := store.Create(ctx, tk); err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := store.Transition(ctx, tk.ID, []Status{StatusQueued}, StatusLeased, map[string]any{
		"worker_id": "w-1",
		"attempt":   1,
	}); err != nil {
		t.Fatalf("queued->leased: %v", err)
	}
	if err := store.Transition(ctx, tk.ID, []Status{StatusLeased}, StatusRunning, map[string]any{
		"started_at": time.Now().UnixMilli(),
	}); err != nil {
		t.Fatalf("leased->running: %v", err)
	}
	if err := store.Transition(ctx, tk.ID, []Status{StatusRunning}, StatusSucceeded, map[string]any{
		"ended_at":       time.Now().UnixMilli(),
		"result_summary": "done",
	}); err != nil {
		t.Fatalf("running->succeeded: %v", err)
	}

	got, err := store.Get(ctx, tk.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != StatusSucceeded || got.WorkerID != "w-1" || got.Attempt != 1 {
		t.Fatalf("unexpected task after lifecycle: %+v", got)
	}
	if got.ResultSummary != "done" {
		t.Fatalf("expected result summary, got %q", got.ResultSummary)
	}
}

func TestTransitionConflict(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	tk := newQueuedTask(NewID(), "acme")
	if _, err := store.Create(ctx, tk); err != nil {
		t.Fatalf("create: %v", err)
	}

	// Task is queued; a running->succeeded CAS must fail.
	err := store.Transition(ctx, tk.ID, []Status{StatusRunning}, StatusSucceeded, nil)
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func TestTransitionNotFound(t *testing.T) {
	store, _ := newTestStore(t)
	err := store.Transition(context.Background(), "missing", []Status{StatusQueued}, StatusLeased, nil)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestTerminalStatesAbsorbing(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	tk := newQueuedTask(NewID(), "acme")
	if _, err := store.Create(ctx, tk); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.Transition(ctx, tk.ID, []Status{StatusQueued}, StatusCancelled, nil); err != nil {
		t.Fatalf("queued->cancelled: %v", err)
	}

	for _, to := range []Status{StatusLeased, StatusRunning, StatusSucceeded, StatusQueued} {
		err := store.Transition(ctx, tk.ID, []Status{StatusCancelled}, to, nil)
		if !errors.Is(err, ErrConflict) {
			t.Fatalf("cancelled->%s should conflict, got %v", to, err)
		}
	}
}

func TestListOrdering(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	base := time.Now().Add(-time.Hour)
	var ids []string
	for i := 0; i < 5; i++ {
		tk := newQueuedTask(NewID(), "acme")
		tk.EnqueuedAt = base.Add(time.Duration(i) * time.Minute)
		tk.ScheduledFor = tk.EnqueuedAt
		if _, err := store.Create(ctx, tk); err != nil {
			t.Fatalf("create %d: %v", i, err)
		}
		ids = append(ids, tk.ID)
	}

	page, hasMore, err := store.List(ctx, Filter{Limit: 3})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(page) != 3 || !hasMore {
		t.Fatalf("expected full first page, got %d hasMore=%v", len(page), hasMore)
	}
	if page[0].ID != ids[4] || page[1].ID != ids[3] {
		t.Fatalf("expected newest first, got %s then %s", page[0].ID, page[1].ID)
	}

	rest, hasMore, err := store.List(ctx, Filter{Limit: 3, Offset: 3})
	if err != nil {
		t.Fatalf("list offset: %v", err)
	}
	if len(rest) != 2 || hasMore {
		t.Fatalf("expected short last page, got %d hasMore=%v", len(rest), hasMore)
	}
}

func TestListFilters(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	a := newQueuedTask(NewID(), "acme")
	b := newQueuedTask(NewID(), "globex")
	c := newQueuedTask(NewID(), "acme")
	for _, tk := range []*Task{a, b, c} {
		if _, err := store.Create(ctx, tk); err != nil {
			t.Fatalf("create: %v", err)
		}
	}
	if err := store.Transition(ctx, c.ID, []Status{StatusQueued}, StatusCancelled, nil); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	byOrg, _, err := store.List(ctx, Filter{OrgID: "acme"})
	if err != nil {
		t.Fatalf("list org: %v", err)
	}
	if len(byOrg) != 2 {
		t.Fatalf("expected 2 acme tasks, got %d", len(byOrg))
	}

	byStatus, _, err := store.List(ctx, Filter{Status: StatusCancelled})
	if err != nil {
		t.Fatalf("list status: %v", err)
	}
	if len(byStatus) != 1 || byStatus[0].ID != c.ID {
		t.Fatalf("expected only cancelled task, got %+v", byStatus)
	}

	both, _, err := store.List(ctx, Filter{OrgID: "acme", Status: StatusQueued})
	if err != nil {
		t.Fatalf("list org+status: %v", err)
	}
	if len(both) != 1 || both[0].ID != a.ID {
		t.Fatalf("expected one queued acme task, got %+v", both)
	}
}

func TestSetPosted(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	tk := newQueuedTask(NewID(), "acme")
	if _, err := store.Create(ctx, tk); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.SetPosted(ctx, tk.ID, true); err != nil {
		t.Fatalf("set posted: %v", err)
	}
	got, err := store.Get(ctx, tk.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.Posted {
		t.Fatalf("expected posted=true")
	}

	if err := store.SetPosted(ctx, "missing", true); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMarkers(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	ok, err := store.ClaimMarker(ctx, "dedup", "github:delivery-1", time.Hour)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if !ok {
		t.Fatalf("first claim should succeed")
	}

	ok, err = store.ClaimMarker(ctx, "dedup", "github:delivery-1", time.Hour)
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if ok {
		t.Fatalf("second claim should be rejected")
	}

	exists, err := store.MarkerExists(ctx, "dedup", "github:delivery-1")
	if err != nil || !exists {
		t.Fatalf("expected marker to exist: %v", err)
	}

	mr.FastForward(2 * time.Hour)

	ok, err = store.ClaimMarker(ctx, "dedup", "github:delivery-1", time.Hour)
	if err != nil {
		t.Fatalf("claim after expiry: %v", err)
	}
	if !ok {
		t.Fatalf("claim should succeed after TTL expiry")
	}
}

func TestSourceClaims(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	owner, claimed, err := store.ClaimSource(ctx, "github", "pr-42:review", "task-a")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if !claimed || owner != "task-a" {
		t.Fatalf("expected task-a to own claim, got %s claimed=%v", owner, claimed)
	}

	owner, claimed, err = store.ClaimSource(ctx, "github", "pr-42:review", "task-b")
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if claimed || owner != "task-a" {
		t.Fatalf("expected existing owner task-a, got %s claimed=%v", owner, claimed)
	}

	// Release by a non-owner is a no-op.
	if err := store.ReleaseSource(ctx, "github", "pr-42:review", "task-b"); err != nil {
		t.Fatalf("release non-owner: %v", err)
	}
	owner, claimed, _ = store.ClaimSource(ctx, "github", "pr-42:review", "task-c")
	if claimed || owner != "task-a" {
		t.Fatalf("claim should survive non-owner release")
	}

	if err := store.ReleaseSource(ctx, "github", "pr-42:review", "task-a"); err != nil {
		t.Fatalf("release owner: %v", err)
	}
	_, claimed, err = store.ClaimSource(ctx, "github", "pr-42:review", "task-c")
	if err != nil {
		t.Fatalf("claim after release: %v", err)
	}
	if !claimed {
		t.Fatalf("claim should succeed after owner release")
	}
}

func TestCancelFlag(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	requested, err := store.CancelRequested(ctx, "t-1")
	if err != nil || requested {
		t.Fatalf("expected no cancel flag, got %v err=%v", requested, err)
	}
	if err := store.RequestCancel(ctx, "t-1"); err != nil {
		t.Fatalf("request cancel: %v", err)
	}
	requested, err = store.CancelRequested(ctx, "t-1")
	if err != nil || !requested {
		t.Fatalf("expected cancel flag, got %v err=%v", requested, err)
	}
	if err := store.ClearCancel(ctx, "t-1"); err != nil {
		t.Fatalf("clear cancel: %v", err)
	}
	requested, _ = store.CancelRequested(ctx, "t-1")
	if requested {
		t.Fatalf("expected cancel flag cleared")
	}
}

func TestNewIDSortable(t *testing.T) {
	prev := NewID()
	for i := 0; i < 100; i++ {
		next := NewID()
		if next <= prev {
			t.Fatalf("ids must be strictly increasing: %s then %s", prev, next)
		}
		prev = next
	}

	ts, err := IDTime(prev)
	if err != nil {
		t.Fatalf("id time: %v", err)
	}
	if d := time.Since(ts); d < 0 || d > time.Minute {
		t.Fatalf("embedded time looks wrong: %v", ts)
	}
}
