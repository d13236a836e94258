package arbiter

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"syscall"
)

// ErrSupervisorRunning means another process already holds the
// supervisor lock for this data dir; the caller must stay a read-only
// client.
var ErrSupervisorRunning = errors.New("another supervisor owns this data dir")

// Lock is an exclusive advisory lock on the data dir's lock file. The
// kernel releases it automatically when the owning process dies, so a
// crashed supervisor never leaves the dir stuck.
type Lock struct {
	f *os.File
}

// Acquire takes the supervisor lock at path without blocking. On
// success the holder's pid is written into the file for diagnostics;
// the pid is informational only, the flock is the source of truth.
func Acquire(path string) (*Lock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o640) // #nosec G304
	if err != nil {
		return nil, fmt.Errorf("open lock file %s: %w", path, err)
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		_ = f.Close()
		if errors.Is(err, syscall.EWOULDBLOCK) || errors.Is(err, syscall.EAGAIN) {
			return nil, ErrSupervisorRunning
		}
		return nil, fmt.Errorf("flock %s: %w", path, err)
	}
	_ = f.Truncate(0)
	_, _ = f.WriteAt([]byte(strconv.Itoa(os.Getpid())+"\n"), 0)
	_ = f.Sync()
	return &Lock{f: f}, nil
}

// Release drops the lock. Safe to call more than once.
func (l *Lock) Release() error {
	if l == nil || l.f == nil {
		return nil
	}
	f := l.f
	l.f = nil
	_ = syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
	return f.Close()
}

// HolderPID reads the pid recorded in the lock file, or 0.
func HolderPID(path string) int {
	data, err := os.ReadFile(path) // #nosec G304
	if err != nil {
		return 0
	}
	pid, err := strconv.Atoi(trimNL(string(data)))
	if err != nil {
		return 0
	}
	return pid
}

func trimNL(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r' || s[len(s)-1] == ' ') {
		s = s[:len(s)-1]
	}
	return s
}
