// Package lock bounds the whole system to one live run per host. The lock
// couples an advisory flock with a pid record in the file body so a crashed
// owner can be detected and taken over.
package lock

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strconv"
	"sync"
	"syscall"

	"github.com/gofrs/flock"
	"github.com/rs/zerolog"
)

// ErrHeld reports that another live process owns the lock.
var ErrHeld = errors.New("another instance is already running")

type Lock struct {
	path string
	file *flock.Flock
	log  zerolog.Logger

	mu       sync.Mutex
	released bool
}

// Acquire obtains the run lock. If the lock file is held by a live process it
// fails with ErrHeld; if the recorded owner is dead the stale file is removed
// and acquisition retried exactly once.
func Acquire(path string, log zerolog.Logger) (*Lock, error) {
	l, err := tryAcquire(path, log)
	if err == nil {
		return l, nil
	}
	if !errors.Is(err, ErrHeld) {
		return nil, err
	}

	pid, readErr := readOwner(path)
	if readErr == nil && processAlive(pid) {
		return nil, fmt.Errorf("%w (pid %d, lock %s)", ErrHeld, pid, path)
	}
	log.Warn().Str("lock", path).Int("stale_pid", pid).Msg("removing stale lock file")
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("remove stale lock: %w", err)
	}
	l, err = tryAcquire(path, log)
	if err != nil {
		return nil, fmt.Errorf("lock takeover failed: %w", err)
	}
	return l, nil
}

func tryAcquire(path string, log zerolog.Logger) (*Lock, error) {
	fl := flock.New(path)
	ok, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire lock %s: %w", path, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w (lock %s)", ErrHeld, path)
	}
	if err := writeOwner(path); err != nil {
		_ = fl.Unlock()
		return nil, err
	}
	return &Lock{path: path, file: fl, log: log}, nil
}

// Release frees the lock. It is idempotent and safe to call from multiple
// exit paths. The lock file is only unlinked when the recorded owner still
// matches this process, so a takeover that happened in between is left alone.
func (l *Lock) Release() {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.released {
		return
	}
	l.released = true

	pid, err := readOwner(l.path)
	switch {
	case err != nil:
		l.log.Warn().Err(err).Str("lock", l.path).Msg("cannot read lock owner on release")
	case pid != os.Getpid():
		l.log.Warn().Int("owner", pid).Str("lock", l.path).Msg("lock file owned by another process, leaving it in place")
	default:
		if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
			l.log.Warn().Err(err).Str("lock", l.path).Msg("failed to remove lock file")
		}
	}
	if err := l.file.Unlock(); err != nil {
		l.log.Warn().Err(err).Str("lock", l.path).Msg("failed to release flock")
	}
}

func writeOwner(path string) error {
	pid := strconv.Itoa(os.Getpid())
	if err := os.WriteFile(path, []byte(pid+"\n"), 0o600); err != nil {
		return fmt.Errorf("record lock owner: %w", err)
	}
	// WriteFile does not chmod an existing file.
	if err := os.Chmod(path, 0o600); err != nil {
		return fmt.Errorf("restrict lock permissions: %w", err)
	}
	return nil
}

func readOwner(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(string(bytes.TrimSpace(data)))
	if err != nil {
		return 0, fmt.Errorf("lock file %s holds no pid: %w", path, err)
	}
	return pid, nil
}

func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	if err == nil {
		return true
	}
	// EPERM means the process exists but belongs to someone else.
	return errors.Is(err, syscall.EPERM)
}
