// Package guard validates paths and secret files before anything sensitive
// touches them. All checks here run in pre-flight and are fatal on failure;
// nothing in this package mutates the filesystem.
package guard

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"syscall"
)

// ValidatePath rejects empty and, when required, relative paths.
func ValidatePath(path string, mustBeAbsolute bool) error {
	if path == "" {
		return fmt.Errorf("path is empty")
	}
	if mustBeAbsolute && !filepath.IsAbs(path) {
		return fmt.Errorf("path must be absolute: %s", path)
	}
	return nil
}

// ValidateSecretsFile requires the secrets file to exist, be a regular file
// owned by root, and carry owner-only permissions. Any group or other access
// bit is a hard failure: the file holds database credentials and the borg
// passphrase.
func ValidateSecretsFile(path string) error {
	if err := ValidatePath(path, true); err != nil {
		return fmt.Errorf("secrets file: %w", err)
	}
	info, err := os.Lstat(path)
	if err != nil {
		return fmt.Errorf("secrets file: %w", err)
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("secrets file %s is not a regular file (mode %s)", path, info.Mode())
	}
	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		return fmt.Errorf("secrets file %s has permissions %04o, want 0600 (no group/other access)", path, perm)
	}
	stat, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return fmt.Errorf("secrets file %s: cannot determine owner", path)
	}
	if stat.Uid != 0 {
		return fmt.Errorf("secrets file %s is owned by uid %d, want root", path, stat.Uid)
	}
	return nil
}

// ValidateContainment resolves candidate and base through symlinks and
// relative components and requires the resolved candidate to be equal to or a
// descendant of the resolved base. It returns the canonical candidate path.
//
// The candidate itself may not exist yet (dump files are created after this
// check), so resolution walks up to the deepest existing ancestor and
// re-attaches the remaining lexical components.
func ValidateContainment(candidate, base string) (string, error) {
	if err := ValidatePath(candidate, true); err != nil {
		return "", err
	}
	if err := ValidatePath(base, true); err != nil {
		return "", err
	}
	resolvedBase, err := filepath.EvalSymlinks(base)
	if err != nil {
		return "", fmt.Errorf("resolve base %s: %w", base, err)
	}
	resolved, err := resolveLenient(filepath.Clean(candidate))
	if err != nil {
		return "", fmt.Errorf("resolve candidate %s: %w", candidate, err)
	}
	if resolved != resolvedBase && !strings.HasPrefix(resolved, resolvedBase+string(filepath.Separator)) {
		return "", fmt.Errorf("path %s escapes %s", candidate, base)
	}
	return resolved, nil
}

// resolveLenient is EvalSymlinks that tolerates a non-existent suffix.
func resolveLenient(path string) (string, error) {
	remainder := ""
	current := path
	for {
		resolved, err := filepath.EvalSymlinks(current)
		if err == nil {
			return filepath.Join(resolved, remainder), nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return "", err
		}
		parent := filepath.Dir(current)
		if parent == current {
			return "", fmt.Errorf("no existing ancestor for %s", path)
		}
		remainder = filepath.Join(filepath.Base(current), remainder)
		current = parent
	}
}
