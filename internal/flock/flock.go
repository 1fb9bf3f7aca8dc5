//go:build unix

package flock

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sys/unix"
)

// Lock is an advisory exclusive lock backed by flock(2) on a lock file.
// It serializes writers across goroutines of this process and across
// processes sharing the same lock file.
type Lock struct {
	path string
	mu   sync.Mutex
	f    *os.File
}

func New(path string) *Lock { return &Lock{path: path} }

func (l *Lock) Path() string { return l.path }

// Lock blocks until the lock is held.
func (l *Lock) Lock() error {
	l.mu.Lock()
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		l.mu.Unlock()
		return fmt.Errorf("create lock dir: %w", err)
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		l.mu.Unlock()
		return fmt.Errorf("open lock file: %w", err)
	}
	for {
		err = unix.Flock(int(f.Fd()), unix.LOCK_EX)
		if err != unix.EINTR {
			break
		}
	}
	if err != nil {
		_ = f.Close()
		l.mu.Unlock()
		return fmt.Errorf("flock %s: %w", l.path, err)
	}
	l.f = f
	return nil
}

// Unlock releases the lock. Calling it without holding the lock is a no-op.
func (l *Lock) Unlock() error {
	if l.f == nil {
		return nil
	}
	err := unix.Flock(int(l.f.Fd()), unix.LOCK_UN)
	cerr := l.f.Close()
	l.f = nil
	l.mu.Unlock()
	if err != nil {
		return err
	}
	return cerr
}

// With runs fn while holding the lock.
func (l *Lock) With(fn func() error) error {
	if err := l.Lock(); err != nil {
		return err
	}
	defer func() { _ = l.Unlock() }()
	return fn()
}
