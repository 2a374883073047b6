// Package hostenv inspects the host for conditions that stop downloaded
// binaries from running, such as cache directories on noexec mounts.
package hostenv

import (
	"fmt"
	"path/filepath"
)

// ExecBlocked reports whether binaries under path cannot be executed because
// the covering mount is noexec. Detection is best effort and only implemented
// on Linux; elsewhere it reports false.
func ExecBlocked(path string) bool {
	_, blocked := blockingMount(absPath(path))
	return blocked
}

// CheckExecutable returns an error naming the noexec mount covering dir.
func CheckExecutable(dir string) error {
	abs := absPath(dir)
	if mount, blocked := blockingMount(abs); blocked {
		return fmt.Errorf("%s is on a noexec mount (%s); choose another cache directory", abs, mount)
	}
	return nil
}

func absPath(path string) string {
	if path == "" {
		return ""
	}
	if abs, err := filepath.Abs(path); err == nil {
		return abs
	}
	return path
}
