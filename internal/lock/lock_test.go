package lock

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/rs/zerolog"
)

func testLogger() zerolog.Logger {
	return zerolog.New(os.Stderr).Level(zerolog.Disabled)
}

func TestAcquireWritesOwnerPid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.lock")
	l, err := Acquire(path, testLogger())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer l.Release()

	pid, err := readOwner(path)
	if err != nil {
		t.Fatalf("read owner: %v", err)
	}
	if pid != os.Getpid() {
		t.Fatalf("owner pid = %d, want %d", pid, os.Getpid())
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Fatalf("lock permissions = %04o, want 0600", perm)
	}
}

func TestReleaseRemovesFileOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.lock")
	l, err := Acquire(path, testLogger())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	l.Release()
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("lock file still present after release: %v", err)
	}
	// Second release must be a no-op.
	l.Release()
}

func TestStaleLockTakeover(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.lock")
	// A pid that cannot be running: beyond the default pid_max.
	if err := os.WriteFile(path, []byte("4194999\n"), 0o600); err != nil {
		t.Fatalf("seed stale lock: %v", err)
	}
	l, err := Acquire(path, testLogger())
	if err != nil {
		t.Fatalf("expected stale takeover, got %v", err)
	}
	defer l.Release()
	pid, _ := readOwner(path)
	if pid != os.Getpid() {
		t.Fatalf("owner after takeover = %d, want %d", pid, os.Getpid())
	}
}

func TestLiveOwnerDenied(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.lock")
	// Our own pid is provably alive; an unlocked file with a live pid is the
	// takeover-race shape: flock succeeds, so acquisition proceeds. Simulate
	// the held case instead by holding the flock from this process through a
	// first Acquire.
	l, err := Acquire(path, testLogger())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer l.Release()

	if _, err := Acquire(path, testLogger()); !errors.Is(err, ErrHeld) {
		t.Fatalf("second acquire = %v, want ErrHeld", err)
	}
}

func TestReleaseLeavesForeignOwner(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.lock")
	l, err := Acquire(path, testLogger())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	// Another process claims the file between our acquire and release.
	foreign := strconv.Itoa(os.Getpid() + 1)
	if err := os.WriteFile(path, []byte(foreign+"\n"), 0o600); err != nil {
		t.Fatalf("overwrite owner: %v", err)
	}
	l.Release()
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("lock file should survive foreign-owner release: %v", err)
	}
}
