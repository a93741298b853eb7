// Package pathutil confines file paths to a root directory. The workspace
// manager uses it to keep agent-visible paths inside the checkout and to
// reject symlinks that escape it.
package pathutil

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// IsSafeRelPath reports whether rel can be joined under a root without
// escaping it. The empty path means the root itself and is safe.
func IsSafeRelPath(rel string) bool {
	if rel == "" {
		return true
	}
	if filepath.IsAbs(rel) {
		return false
	}
	clean := filepath.Clean(rel)
	return clean != ".." && !strings.HasPrefix(clean, ".."+string(os.PathSeparator))
}

// Under joins rel beneath root and verifies the result stays inside root
// after resolving symlinks in every existing ancestor. A symlink pointing
// outside the root is an error even when the final component does not exist
// yet.
func Under(root, rel string) (string, error) {
	if !IsSafeRelPath(rel) {
		return "", fmt.Errorf("path %q escapes root", rel)
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("failed to resolve root: %w", err)
	}
	resolvedRoot, err := filepath.EvalSymlinks(absRoot)
	if err != nil {
		return "", fmt.Errorf("failed to resolve root: %w", err)
	}

	joined := filepath.Join(absRoot, rel)
	resolved, err := resolveExisting(joined)
	if err != nil {
		return "", err
	}
	if resolved != resolvedRoot && !strings.HasPrefix(resolved, resolvedRoot+string(os.PathSeparator)) {
		return "", fmt.Errorf("path %q escapes root", rel)
	}
	return joined, nil
}

// resolveExisting resolves symlinks for the longest existing prefix of path
// and re-joins the missing suffix, so not-yet-created files can still be
// checked.
func resolveExisting(path string) (string, error) {
	var missing []string
	current := path
	for {
		resolved, err := filepath.EvalSymlinks(current)
		if err == nil {
			for i := len(missing) - 1; i >= 0; i-- {
				resolved = filepath.Join(resolved, missing[i])
			}
			return resolved, nil
		}
		if !os.IsNotExist(err) {
			return "", fmt.Errorf("failed to resolve %s: %w", path, err)
		}
		parent := filepath.Dir(current)
		if parent == current {
			return "", fmt.Errorf("failed to resolve %s: no existing ancestor", path)
		}
		missing = append(missing, filepath.Base(current))
		current = parent
	}
}

// SanitizeComponent restricts a single path component (org, repo name) to a
// conservative character set so provider-supplied names cannot traverse or
// hide files.
func SanitizeComponent(name string) (string, error) {
	if name == "" || len(name) > 255 {
		return "", fmt.Errorf("invalid path component %q", name)
	}
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '-' || r == '_' || r == '.':
		default:
			return "", fmt.Errorf("invalid path component %q", name)
		}
	}
	if name == "." || name == ".." || strings.HasPrefix(name, ".") {
		return "", fmt.Errorf("invalid path component %q", name)
	}
	return name, nil
}
