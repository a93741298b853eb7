package workspace

import (
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/agentdhq/agentd/internal/pathutil"
)

var (
	// ErrHostNotAllowed rejects clone URLs outside the configured allowlist.
	// Permanent: a retry cannot change the remote host.
	ErrHostNotAllowed = errors.New("clone host not allowed")
	// ErrQuotaExceeded fails the task without retry when a checkout blows
	// the per-workspace or per-org disk budget.
	ErrQuotaExceeded = errors.New("workspace disk quota exceeded")
	// ErrPathDenied rejects artifact paths that escape the workspace or
	// match a deny glob.
	ErrPathDenied = errors.New("path denied by workspace policy")
)

// CloneHost extracts the remote host from an https, ssh, scp-style or
// file URL for allowlist matching. Local paths report host "file".
func CloneHost(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", fmt.Errorf("empty clone URL")
	}

	if host, ok := scpHost(trimmed); ok {
		return host, nil
	}

	parsed, err := url.Parse(trimmed)
	if err == nil && parsed.Scheme == "file" {
		return "file", nil
	}
	if err == nil && parsed.Host != "" {
		host := strings.ToLower(parsed.Host)
		if h, _, found := strings.Cut(host, ":"); found {
			host = h
		}
		return host, nil
	}

	if filepath.IsAbs(trimmed) {
		return "file", nil
	}
	return "", fmt.Errorf("cannot determine host of %q", trimmed)
}

// scpHost handles git@github.com:org/repo.git forms, which url.Parse
// does not.
func scpHost(raw string) (string, bool) {
	if strings.Contains(raw, "://") || !strings.Contains(raw, ":") {
		return "", false
	}
	hostPart, repoPath, _ := strings.Cut(raw, ":")
	if hostPart == "" || repoPath == "" || strings.Contains(hostPart, "/") {
		return "", false
	}
	if at := strings.LastIndex(hostPart, "@"); at >= 0 {
		hostPart = hostPart[at+1:]
	}
	hostPart = strings.ToLower(strings.TrimSpace(hostPart))
	if hostPart == "" {
		return "", false
	}
	return hostPart, true
}

func hostAllowed(host string, allowed []string) bool {
	for _, a := range allowed {
		if strings.EqualFold(host, a) {
			return true
		}
	}
	return false
}

// CheckPath resolves a workspace-relative artifact path, rejecting
// traversal, symlink escapes, and anything matching a deny glob. Deny
// globs use doublestar syntax ("**/*.env", "**/.git/**") and match the
// slash-normalized relative path.
func (m *Manager) CheckPath(ws *Workspace, rel string) (string, error) {
	abs, err := pathutil.Under(ws.Path, rel)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrPathDenied, err)
	}
	slashRel := filepath.ToSlash(filepath.Clean(rel))
	for _, pattern := range m.cfg.DenyPaths {
		ok, err := doublestar.Match(pattern, slashRel)
		if err != nil {
			return "", fmt.Errorf("invalid deny pattern %q: %w", pattern, err)
		}
		if ok {
			return "", fmt.Errorf("%w: %s matches %s", ErrPathDenied, slashRel, pattern)
		}
	}
	return abs, nil
}
