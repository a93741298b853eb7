package workspace

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/agentdhq/agentd/internal/config"
	"github.com/agentdhq/agentd/internal/queue"
)

func newTestManager(t *testing.T, owner string, mutate func(*config.WorkspaceConfig)) (*Manager, *queue.Queue) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	q := queue.NewWithClient(client, queue.Options{})

	cfg := config.WorkspaceConfig{
		Root:         t.TempDir(),
		AllowedHosts: []string{"file"},
		IdleTTL:      24 * time.Hour,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	return NewManager(cfg, q, owner, zap.NewNop()), q
}

func initOriginRepo(t *testing.T) (string, *git.Repository) {
	t.Helper()
	dir := t.TempDir()
	repo, err := git.PlainInit(dir, false)
	if err != nil {
		t.Fatalf("init origin: %v", err)
	}
	commitFile(t, repo, dir, "README.md", "hello")
	return dir, repo
}

func commitFile(t *testing.T, repo *git.Repository, dir, name, content string) plumbing.Hash {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		t.Fatalf("worktree: %v", err)
	}
	if _, err := wt.Add(name); err != nil {
		t.Fatalf("add: %v", err)
	}
	hash, err := wt.Commit("add "+name, &git.CommitOptions{
		Author: &object.Signature{Name: "tester", Email: "tester@example.com", When: time.Now()},
	})
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	return hash
}

func testSpec(originDir string) CheckoutSpec {
	return CheckoutSpec{
		Provider: "github",
		Org:      "acme",
		Repo:     "payments",
		CloneURL: "file://" + originDir,
	}
}

func TestAcquireRejectsDisallowedHost(t *testing.T) {
	m, _ := newTestManager(t, "worker-a", nil)

	_, err := m.Acquire(context.Background(), CheckoutSpec{
		Provider: "github", Org: "acme", Repo: "payments",
		CloneURL: "https://evil.example.com/acme/payments.git",
	})
	if !errors.Is(err, ErrHostNotAllowed) {
		t.Fatalf("expected ErrHostNotAllowed, got %v", err)
	}
}

func TestAcquireClonesAndUpdates(t *testing.T) {
	originDir, origin := initOriginRepo(t)
	m, _ := newTestManager(t, "worker-a", nil)
	ctx := context.Background()

	ws, err := m.Acquire(ctx, testSpec(originDir))
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if ws.CommitSHA == "" {
		t.Fatal("expected commit sha")
	}
	want := filepath.Join(m.cfg.Root, "github", "acme", "payments")
	if ws.Path != want {
		t.Fatalf("path = %s, want %s", ws.Path, want)
	}
	if _, err := os.Stat(filepath.Join(ws.Path, "README.md")); err != nil {
		t.Fatalf("clone missing file: %v", err)
	}
	ws.Release()

	// Push a new commit upstream; a second acquire must fetch and reset.
	commitFile(t, origin, originDir, "second.md", "more")
	ws2, err := m.Acquire(ctx, testSpec(originDir))
	if err != nil {
		t.Fatalf("second acquire: %v", err)
	}
	defer ws2.Release()
	if ws2.CommitSHA == ws.CommitSHA {
		t.Fatal("expected new commit after upstream change")
	}
	if _, err := os.Stat(filepath.Join(ws2.Path, "second.md")); err != nil {
		t.Fatalf("updated file missing: %v", err)
	}
}

func TestAcquireResetsLocalModifications(t *testing.T) {
	originDir, _ := initOriginRepo(t)
	m, _ := newTestManager(t, "worker-a", nil)
	ctx := context.Background()

	ws, err := m.Acquire(ctx, testSpec(originDir))
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	// Simulate agent leftovers from a previous task.
	if err := os.WriteFile(filepath.Join(ws.Path, "README.md"), []byte("tampered"), 0644); err != nil {
		t.Fatalf("tamper: %v", err)
	}
	ws.Release()

	ws2, err := m.Acquire(ctx, testSpec(originDir))
	if err != nil {
		t.Fatalf("re-acquire: %v", err)
	}
	defer ws2.Release()
	data, err := os.ReadFile(filepath.Join(ws2.Path, "README.md"))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(data) != "hello" {
		t.Fatalf("expected hard reset to discard local edits, got %q", data)
	}
}

func TestAcquireReclonesPoisonedWorkspace(t *testing.T) {
	originDir, _ := initOriginRepo(t)
	m, _ := newTestManager(t, "worker-a", nil)

	// A directory that exists but is not a git repository.
	poisoned := filepath.Join(m.cfg.Root, "github", "acme", "payments")
	if err := os.MkdirAll(poisoned, 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(poisoned, "junk"), []byte("junk"), 0644); err != nil {
		t.Fatalf("write junk: %v", err)
	}

	ws, err := m.Acquire(context.Background(), testSpec(originDir))
	if err != nil {
		t.Fatalf("acquire over poisoned dir: %v", err)
	}
	defer ws.Release()
	if _, err := os.Stat(filepath.Join(ws.Path, "README.md")); err != nil {
		t.Fatalf("re-clone missing file: %v", err)
	}
	if _, err := os.Stat(filepath.Join(ws.Path, "junk")); err == nil {
		t.Fatal("expected poisoned contents to be removed")
	}
}

func TestAcquireCheckoutsPRMergeRef(t *testing.T) {
	originDir, origin := initOriginRepo(t)
	mergeHash := commitFile(t, origin, originDir, "merged.md", "pr result")
	if err := origin.Storer.SetReference(plumbing.NewHashReference("refs/pull/7/merge", mergeHash)); err != nil {
		t.Fatalf("set merge ref: %v", err)
	}
	// Move the branch past the merge ref so head != merge result.
	commitFile(t, origin, originDir, "later.md", "after")

	m, _ := newTestManager(t, "worker-a", nil)
	spec := testSpec(originDir)
	spec.PRNumber = 7

	ws, err := m.Acquire(context.Background(), spec)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer ws.Release()
	if ws.CommitSHA != mergeHash.String() {
		t.Fatalf("commit = %s, want merge ref %s", ws.CommitSHA, mergeHash)
	}
	if _, err := os.Stat(filepath.Join(ws.Path, "later.md")); err == nil {
		t.Fatal("checked out branch head instead of merge ref")
	}
}

func TestAcquireWorkspaceBusy(t *testing.T) {
	originDir, _ := initOriginRepo(t)
	mA, q := newTestManager(t, "worker-a", nil)
	// Second worker sharing the same lock space and root.
	mB := NewManager(mA.cfg, q, "worker-b", zap.NewNop())
	ctx := context.Background()

	ws, err := mA.Acquire(ctx, testSpec(originDir))
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	if _, err := mB.Acquire(ctx, testSpec(originDir)); !errors.Is(err, ErrWorkspaceBusy) {
		t.Fatalf("expected ErrWorkspaceBusy, got %v", err)
	}

	ws.Release()
	ws2, err := mB.Acquire(ctx, testSpec(originDir))
	if err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
	ws2.Release()
}

func TestAcquireQuotaExceeded(t *testing.T) {
	originDir, _ := initOriginRepo(t)
	m, _ := newTestManager(t, "worker-a", func(cfg *config.WorkspaceConfig) {
		cfg.MaxWorkspaceBytes = 1 // any checkout exceeds this
	})

	_, err := m.Acquire(context.Background(), testSpec(originDir))
	if !errors.Is(err, ErrQuotaExceeded) {
		t.Fatalf("expected ErrQuotaExceeded, got %v", err)
	}

	// The lock must not leak after a quota failure.
	held, err := m.locks.IsLocked(context.Background(), "ws:github/acme/payments")
	if err != nil {
		t.Fatalf("is locked: %v", err)
	}
	if held {
		t.Fatal("lock leaked after quota failure")
	}
}

func TestCheckPath(t *testing.T) {
	m, _ := newTestManager(t, "worker-a", func(cfg *config.WorkspaceConfig) {
		cfg.DenyPaths = []string{"**/*.env", "**/.git/**"}
	})
	root := t.TempDir()
	ws := &Workspace{Path: root}

	if _, err := m.CheckPath(ws, "report.md"); err != nil {
		t.Fatalf("plain path rejected: %v", err)
	}
	if _, err := m.CheckPath(ws, "../outside"); !errors.Is(err, ErrPathDenied) {
		t.Fatalf("expected ErrPathDenied for traversal, got %v", err)
	}
	if _, err := m.CheckPath(ws, "config/prod.env"); !errors.Is(err, ErrPathDenied) {
		t.Fatalf("expected ErrPathDenied for deny glob, got %v", err)
	}
	if _, err := m.CheckPath(ws, ".git/config"); !errors.Is(err, ErrPathDenied) {
		t.Fatalf("expected ErrPathDenied for .git, got %v", err)
	}
}

func TestEvictIdle(t *testing.T) {
	originDir, _ := initOriginRepo(t)
	m, _ := newTestManager(t, "worker-a", nil)
	ctx := context.Background()

	ws, err := m.Acquire(ctx, testSpec(originDir))
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	ws.Release()

	// Fresh workspace survives.
	evicted, err := m.EvictIdle(ctx)
	if err != nil {
		t.Fatalf("evict: %v", err)
	}
	if evicted != 0 {
		t.Fatalf("evicted %d fresh workspaces", evicted)
	}

	// Age the stamp past the idle TTL.
	old := time.Now().Add(-48 * time.Hour)
	if err := os.Chtimes(filepath.Join(ws.Path, stampName), old, old); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
	evicted, err = m.EvictIdle(ctx)
	if err != nil {
		t.Fatalf("evict: %v", err)
	}
	if evicted != 1 {
		t.Fatalf("evicted = %d, want 1", evicted)
	}
	if _, err := os.Stat(ws.Path); !errors.Is(err, os.ErrNotExist) {
		t.Fatal("workspace still on disk after eviction")
	}
}

func TestEvictIdleSkipsLocked(t *testing.T) {
	originDir, _ := initOriginRepo(t)
	m, _ := newTestManager(t, "worker-a", nil)
	ctx := context.Background()

	ws, err := m.Acquire(ctx, testSpec(originDir))
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer ws.Release()

	old := time.Now().Add(-48 * time.Hour)
	if err := os.Chtimes(filepath.Join(ws.Path, stampName), old, old); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
	evicted, err := m.EvictIdle(ctx)
	if err != nil {
		t.Fatalf("evict: %v", err)
	}
	if evicted != 0 {
		t.Fatal("evicted a locked workspace")
	}
}

func TestCloneHost(t *testing.T) {
	cases := []struct {
		raw  string
		host string
		ok   bool
	}{
		{"https://github.com/acme/payments.git", "github.com", true},
		{"https://GitHub.com:443/acme/payments", "github.com", true},
		{"git@gitlab.com:acme/payments.git", "gitlab.com", true},
		{"ssh://git@git.internal.example/acme/payments", "git.internal.example", true},
		{"file:///tmp/origin", "file", true},
		{"/tmp/origin", "file", true},
		{"", "", false},
	}
	for _, tc := range cases {
		host, err := CloneHost(tc.raw)
		if tc.ok && err != nil {
			t.Errorf("CloneHost(%q): %v", tc.raw, err)
			continue
		}
		if !tc.ok {
			if err == nil {
				t.Errorf("CloneHost(%q): expected error", tc.raw)
			}
			continue
		}
		if host != tc.host {
			t.Errorf("CloneHost(%q) = %q, want %q", tc.raw, host, tc.host)
		}
	}
}
