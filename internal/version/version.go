// Package version carries the build identity stamped in at link time via
// -ldflags "-X github.com/agentdhq/agentd/internal/version.Version=...".
package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
)

var (
	// Version is the release tag, "dev" for unstamped builds.
	Version = "dev"
	// Commit is the short git revision.
	Commit = ""
)

// String renders the full build identity for `agentd version` and the
// startup log line.
func String() string {
	commit := Commit
	if commit == "" {
		commit = vcsRevision()
	}
	if commit == "" {
		commit = "unknown"
	}
	return fmt.Sprintf("agentd %s (%s, %s, %s/%s)",
		Version, commit, runtime.Version(), runtime.GOOS, runtime.GOARCH)
}

// vcsRevision recovers the commit from module build info when ldflags
// were not set (plain `go build`).
func vcsRevision() string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, setting := range info.Settings {
		if setting.Key == "vcs.revision" {
			if len(setting.Value) > 12 {
				return setting.Value[:12]
			}
			return setting.Value
		}
	}
	return ""
}
