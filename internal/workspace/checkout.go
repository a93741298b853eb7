package workspace

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-git/go-git/v5"
	gitcfg "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/transport"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
	gitssh "github.com/go-git/go-git/v5/plumbing/transport/ssh"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/agentdhq/agentd/internal/config"
)

const gitTimeout = 5 * time.Minute

// checkout brings path to a clean working copy of spec's target ref and
// returns the checked-out commit. A pre-existing directory that fails to
// open or fetch is treated as poisoned: removed and re-cloned once.
func (m *Manager) checkout(ctx context.Context, path string, spec CheckoutSpec) (string, error) {
	auth, err := m.authFor(spec)
	if err != nil {
		return "", err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("failed to create workspace dir: %w", err)
	}

	repo, err := git.PlainOpen(path)
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return m.cloneFresh(ctx, path, spec, auth)
	}
	if err == nil {
		sha, updateErr := m.update(ctx, repo, spec, auth)
		if updateErr == nil {
			return sha, nil
		}
		err = updateErr
	}

	// Poisoned working copy: drop it and clone once from scratch.
	m.logger.Warn("re-cloning poisoned workspace", zap.String("path", path), zap.Error(err))
	if rmErr := os.RemoveAll(path); rmErr != nil {
		return "", fmt.Errorf("failed to remove poisoned workspace: %w", rmErr)
	}
	return m.cloneFresh(ctx, path, spec, auth)
}

func (m *Manager) cloneFresh(ctx context.Context, path string, spec CheckoutSpec, auth transport.AuthMethod) (string, error) {
	opts := &git.CloneOptions{
		URL:   spec.CloneURL,
		Depth: 1,
		Auth:  auth,
		Tags:  git.NoTags,
	}
	if spec.Ref != "" && spec.PRNumber == 0 && !looksLikeSHA(spec.Ref) {
		opts.ReferenceName = plumbing.NewBranchReferenceName(spec.Ref)
		opts.SingleBranch = true
	}

	cloneCtx, cancel := context.WithTimeout(ctx, gitTimeout)
	defer cancel()
	repo, err := git.PlainCloneContext(cloneCtx, path, false, opts)
	if err != nil {
		return "", fmt.Errorf("failed to clone %s: %w", spec.Repo, err)
	}

	if spec.PRNumber > 0 || looksLikeSHA(spec.Ref) {
		return m.update(ctx, repo, spec, auth)
	}
	head, err := repo.Head()
	if err != nil {
		return "", fmt.Errorf("failed to resolve HEAD: %w", err)
	}
	return head.Hash().String(), nil
}

// update fetches the target ref and hard-resets the worktree onto it.
// Never an incremental merge: agent-modified state from a previous task
// must not leak into this one.
func (m *Manager) update(ctx context.Context, repo *git.Repository, spec CheckoutSpec, auth transport.AuthMethod) (string, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, gitTimeout)
	defer cancel()
	err := repo.FetchContext(fetchCtx, &git.FetchOptions{
		RemoteName: "origin",
		Auth:       auth,
		Tags:       git.NoTags,
		Force:      true,
		RefSpecs:   fetchRefSpecs(spec),
	})
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return "", fmt.Errorf("failed to fetch: %w", err)
	}

	hash, err := resolveTargetRef(repo, spec)
	if err != nil {
		return "", err
	}

	wt, err := repo.Worktree()
	if err != nil {
		return "", fmt.Errorf("failed to open worktree: %w", err)
	}
	if err := wt.Reset(&git.ResetOptions{Mode: git.HardReset, Commit: hash}); err != nil {
		return "", fmt.Errorf("failed to reset worktree: %w", err)
	}
	_ = wt.Clean(&git.CleanOptions{Dir: true})
	return hash.String(), nil
}

func fetchRefSpecs(spec CheckoutSpec) []gitcfg.RefSpec {
	specs := []gitcfg.RefSpec{"+refs/heads/*:refs/remotes/origin/*"}
	if spec.PRNumber > 0 {
		specs = append(specs, gitcfg.RefSpec(fmt.Sprintf(
			"+%s:refs/remotes/origin/pr/%d/merge", mergeRef(spec.Provider, spec.PRNumber), spec.PRNumber)))
	}
	return specs
}

// mergeRef is the provider's pre-merged ref for a pull/merge request.
// Checking this out tests the merge result, not the branch head.
func mergeRef(provider string, n int) string {
	switch provider {
	case "gitlab":
		return fmt.Sprintf("refs/merge-requests/%d/merge", n)
	default:
		return fmt.Sprintf("refs/pull/%d/merge", n)
	}
}

func resolveTargetRef(repo *git.Repository, spec CheckoutSpec) (plumbing.Hash, error) {
	if spec.PRNumber > 0 {
		name := plumbing.ReferenceName(fmt.Sprintf("refs/remotes/origin/pr/%d/merge", spec.PRNumber))
		ref, err := repo.Reference(name, true)
		if err != nil {
			return plumbing.ZeroHash, fmt.Errorf("merge ref for PR %d not found: %w", spec.PRNumber, err)
		}
		return ref.Hash(), nil
	}

	if looksLikeSHA(spec.Ref) {
		return plumbing.NewHash(spec.Ref), nil
	}
	if spec.Ref != "" {
		name := plumbing.NewRemoteReferenceName("origin", spec.Ref)
		if ref, err := repo.Reference(name, true); err == nil {
			return ref.Hash(), nil
		}
	}

	for _, name := range []plumbing.ReferenceName{
		plumbing.NewRemoteReferenceName("origin", "HEAD"),
		plumbing.NewRemoteReferenceName("origin", "main"),
		plumbing.NewRemoteReferenceName("origin", "master"),
	} {
		if ref, err := repo.Reference(name, true); err == nil {
			return ref.Hash(), nil
		}
	}

	head, err := repo.Head()
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("no target ref resolvable: %w", err)
	}
	return head.Hash(), nil
}

func looksLikeSHA(ref string) bool {
	if len(ref) != 40 {
		return false
	}
	for _, c := range ref {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') && (c < 'A' || c > 'F') {
			return false
		}
	}
	return true
}

// authFor prefers the installation token, injected in memory only; the
// remote URL and on-disk config never see credentials. SSH deploy keys
// are the fallback for self-hosted remotes.
func (m *Manager) authFor(spec CheckoutSpec) (transport.AuthMethod, error) {
	if spec.Token != "" {
		return &githttp.BasicAuth{Username: "x-access-token", Password: spec.Token}, nil
	}
	if m.cfg.SSH != nil {
		return sshAuth(m.cfg.SSH)
	}
	return nil, nil
}

func sshAuth(cfg *config.GitSSHConfig) (transport.AuthMethod, error) {
	if cfg.KeyPath == "" {
		return nil, fmt.Errorf("workspace.ssh.key_path required")
	}
	passphrase := ""
	if cfg.KeyPassphraseEnv != "" {
		passphrase = os.Getenv(cfg.KeyPassphraseEnv)
	}
	auth, err := gitssh.NewPublicKeysFromFile("git", cfg.KeyPath, passphrase)
	if err != nil {
		return nil, fmt.Errorf("failed to load ssh key from %s: %w", cfg.KeyPath, err)
	}

	if cfg.InsecureIgnoreHostKey {
		auth.HostKeyCallback = ssh.InsecureIgnoreHostKey()
		return auth, nil
	}
	if cfg.KnownHostsPath != "" {
		cb, err := knownhosts.New(cfg.KnownHostsPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load known_hosts from %s: %w", cfg.KnownHostsPath, err)
		}
		auth.HostKeyCallback = cb
		return auth, nil
	}
	return nil, fmt.Errorf("workspace.ssh.known_hosts_path required unless insecure_ignore_host_key is set")
}
