// Package workspace checks provider repositories out onto local disk and
// hands exclusive, quota-bounded working copies to the agent runner. One
// directory per (provider, org, repo) is reused across tasks; every
// acquire resets it to a clean state.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentdhq/agentd/internal/config"
	"github.com/agentdhq/agentd/internal/pathutil"
)

// ErrWorkspaceBusy means another worker holds the workspace lock; the
// task is retried after a short delay.
var ErrWorkspaceBusy = errors.New("workspace locked by another worker")

const (
	// lockTTL bounds how long a crashed worker can pin a workspace. Longer
	// than the longest task timeout so live tasks never lose the lock.
	lockTTL = 45 * time.Minute

	stampName = ".agentd-last-access"
)

// Locker is the cross-process lock surface, satisfied by *queue.Queue.
type Locker interface {
	AcquireLock(ctx context.Context, name, owner string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, name, owner string) error
	IsLocked(ctx context.Context, name string) (bool, error)
}

// CheckoutSpec names what Acquire must materialize on disk.
type CheckoutSpec struct {
	Provider string
	Org      string
	Repo     string
	CloneURL string
	// Ref is a branch name or commit SHA; empty means the remote default.
	Ref string
	// PRNumber, when set, checks out the provider's merge ref instead of Ref.
	PRNumber int
	// Token authenticates the clone in memory; it is never written to disk.
	Token string
}

// Workspace is a held working copy. Callers must Release it.
type Workspace struct {
	Path      string
	Provider  string
	Org       string
	Repo      string
	CommitSHA string

	release func()
	once    sync.Once
}

// Release unlocks the workspace and stamps last access for eviction.
func (w *Workspace) Release() {
	if w == nil {
		return
	}
	w.once.Do(func() {
		if w.release != nil {
			w.release()
		}
	})
}

// Manager owns the workspace tree under cfg.Root.
type Manager struct {
	cfg    config.WorkspaceConfig
	locks  Locker
	logger *zap.Logger
	owner  string

	mu    sync.Mutex
	local map[string]*sync.Mutex
}

// NewManager builds a manager whose cross-process locks are fenced by
// owner, normally the worker id.
func NewManager(cfg config.WorkspaceConfig, locks Locker, owner string, logger *zap.Logger) *Manager {
	return &Manager{
		cfg:    cfg,
		locks:  locks,
		logger: logger,
		owner:  owner,
		local:  make(map[string]*sync.Mutex),
	}
}

// Acquire locks the workspace for spec, brings it to a clean checkout of
// the requested ref, and enforces disk quotas. Host and quota failures
// are permanent; everything else is worth a retry.
func (m *Manager) Acquire(ctx context.Context, spec CheckoutSpec) (*Workspace, error) {
	host, err := CloneHost(spec.CloneURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHostNotAllowed, err)
	}
	if !hostAllowed(host, m.cfg.AllowedHosts) {
		return nil, fmt.Errorf("%w: %s", ErrHostNotAllowed, host)
	}

	provider, err := pathutil.SanitizeComponent(spec.Provider)
	if err != nil {
		return nil, fmt.Errorf("invalid provider: %w", err)
	}
	org, err := pathutil.SanitizeComponent(spec.Org)
	if err != nil {
		return nil, fmt.Errorf("invalid org: %w", err)
	}
	repo, err := pathutil.SanitizeComponent(spec.Repo)
	if err != nil {
		return nil, fmt.Errorf("invalid repo: %w", err)
	}

	name := provider + "/" + org + "/" + repo
	path := filepath.Join(m.cfg.Root, provider, org, repo)

	local := m.localMutex(name)
	local.Lock()

	acquired, err := m.locks.AcquireLock(ctx, "ws:"+name, m.owner, lockTTL)
	if err != nil {
		local.Unlock()
		return nil, fmt.Errorf("failed to lock workspace: %w", err)
	}
	if !acquired {
		local.Unlock()
		return nil, ErrWorkspaceBusy
	}

	unlock := func() {
		if err := m.locks.ReleaseLock(context.Background(), "ws:"+name, m.owner); err != nil {
			m.logger.Warn("failed to release workspace lock",
				zap.String("workspace", name), zap.Error(err))
		}
		local.Unlock()
	}

	sha, err := m.checkout(ctx, path, spec)
	if err != nil {
		unlock()
		return nil, err
	}

	if err := m.checkQuota(path, filepath.Join(m.cfg.Root, provider, org)); err != nil {
		unlock()
		return nil, err
	}

	touchStamp(path)
	ws := &Workspace{
		Path:      path,
		Provider:  provider,
		Org:       org,
		Repo:      repo,
		CommitSHA: sha,
	}
	ws.release = func() {
		touchStamp(path)
		unlock()
	}
	m.logger.Debug("workspace acquired",
		zap.String("workspace", name), zap.String("commit", sha))
	return ws, nil
}

func (m *Manager) localMutex(name string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	mu, ok := m.local[name]
	if !ok {
		mu = &sync.Mutex{}
		m.local[name] = mu
	}
	return mu
}

func (m *Manager) checkQuota(wsPath, orgPath string) error {
	wsBytes, err := dirSize(wsPath)
	if err != nil {
		return fmt.Errorf("failed to size workspace: %w", err)
	}
	if m.cfg.MaxWorkspaceBytes > 0 && wsBytes > m.cfg.MaxWorkspaceBytes {
		return fmt.Errorf("%w: workspace %d bytes over %d limit",
			ErrQuotaExceeded, wsBytes, m.cfg.MaxWorkspaceBytes)
	}
	orgBytes, err := dirSize(orgPath)
	if err != nil {
		return fmt.Errorf("failed to size org tree: %w", err)
	}
	if m.cfg.MaxOrgBytes > 0 && orgBytes > m.cfg.MaxOrgBytes {
		return fmt.Errorf("%w: org %d bytes over %d limit",
			ErrQuotaExceeded, orgBytes, m.cfg.MaxOrgBytes)
	}
	return nil
}

// EvictIdle removes workspaces whose last-access stamp is older than the
// idle TTL, skipping any that are currently locked. Run from the
// maintenance scheduler.
func (m *Manager) EvictIdle(ctx context.Context) (int, error) {
	cutoff := time.Now().Add(-m.cfg.IdleTTL)
	evicted := 0

	providers, err := os.ReadDir(m.cfg.Root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read workspace root: %w", err)
	}
	for _, p := range providers {
		if !p.IsDir() {
			continue
		}
		orgs, err := os.ReadDir(filepath.Join(m.cfg.Root, p.Name()))
		if err != nil {
			continue
		}
		for _, o := range orgs {
			if !o.IsDir() {
				continue
			}
			repos, err := os.ReadDir(filepath.Join(m.cfg.Root, p.Name(), o.Name()))
			if err != nil {
				continue
			}
			for _, r := range repos {
				if !r.IsDir() {
					continue
				}
				name := p.Name() + "/" + o.Name() + "/" + r.Name()
				path := filepath.Join(m.cfg.Root, p.Name(), o.Name(), r.Name())
				if lastAccess(path).After(cutoff) {
					continue
				}
				if held, err := m.locks.IsLocked(ctx, "ws:"+name); err != nil || held {
					continue
				}
				local := m.localMutex(name)
				if !local.TryLock() {
					continue
				}
				if err := os.RemoveAll(path); err != nil {
					m.logger.Warn("failed to evict workspace",
						zap.String("workspace", name), zap.Error(err))
				} else {
					evicted++
					m.logger.Info("evicted idle workspace", zap.String("workspace", name))
				}
				local.Unlock()
			}
		}
	}
	return evicted, nil
}

func touchStamp(path string) {
	stamp := filepath.Join(path, stampName)
	now := time.Now()
	if err := os.Chtimes(stamp, now, now); err != nil {
		_ = os.WriteFile(stamp, nil, 0644)
	}
}

func lastAccess(path string) time.Time {
	if info, err := os.Stat(filepath.Join(path, stampName)); err == nil {
		return info.ModTime()
	}
	if info, err := os.Stat(path); err == nil {
		return info.ModTime()
	}
	return time.Time{}
}

func dirSize(path string) (int64, error) {
	var total int64
	err := filepath.WalkDir(path, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		total += info.Size()
		return nil
	})
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	return total, err
}
