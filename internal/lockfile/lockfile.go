// Package lockfile guards a file against writers in other processes.
package lockfile

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// DefaultStaleAfter is the age after which a lock is considered abandoned.
const DefaultStaleAfter = 30 * time.Second

const pollInterval = 20 * time.Millisecond

var ErrLocked = errors.New("file is locked by another writer")

// Lockfile is an exclusive lock represented by a file holding the owner's pid.
// Locks of crashed owners and locks older than StaleAfter are taken over.
type Lockfile struct {
	path       string
	StaleAfter time.Duration

	file   *os.File
	pid    int
	locked bool
}

// New creates an unlocked lock at path.
func New(path string) *Lockfile {
	return &Lockfile{path: path, StaleAfter: DefaultStaleAfter}
}

// For returns the lock guarding target, stored next to it.
func For(target string) *Lockfile {
	return New(target + ".lock")
}

// TryAcquire takes the lock or returns ErrLocked.
func (l *Lockfile) TryAcquire() error {
	if l.locked {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(l.path), 0700); err != nil {
		return fmt.Errorf("create lock directory: %w", err)
	}

	file, err := l.create()
	if os.IsExist(err) {
		stale, reason := l.checkStale()
		if !stale {
			return fmt.Errorf("%w: %s", ErrLocked, reason)
		}
		if rmErr := os.Remove(l.path); rmErr != nil && !os.IsNotExist(rmErr) {
			return fmt.Errorf("remove stale lock (%s): %w", reason, rmErr)
		}
		file, err = l.create()
		if os.IsExist(err) {
			return fmt.Errorf("%w: taken over concurrently", ErrLocked)
		}
	}
	if err != nil {
		return fmt.Errorf("create lock: %w", err)
	}

	l.file = file
	l.pid = os.Getpid()
	l.locked = true

	content := fmt.Sprintf("%d\n%s\n", l.pid, time.Now().Format(time.RFC3339Nano))
	if _, err := l.file.WriteString(content); err != nil {
		_ = l.Release()
		return fmt.Errorf("write lock: %w", err)
	}
	return nil
}

func (l *Lockfile) create() (*os.File, error) {
	return os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0600)
}

// Acquire waits for the lock until ctx is done.
func (l *Lockfile) Acquire(ctx context.Context) error {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		err := l.TryAcquire()
		if err == nil || !errors.Is(err, ErrLocked) {
			return err
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %w", err, ctx.Err())
		case <-ticker.C:
		}
	}
}

// checkStale reports whether the existing lock may be taken over.
func (l *Lockfile) checkStale() (bool, string) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return true, "lock released"
		}
		return true, "cannot read lock"
	}

	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	pid, err := strconv.Atoi(strings.TrimSpace(lines[0]))
	if err != nil {
		// Owner has not written its pid yet.
		return false, "lock being created"
	}
	if running, reason := ownerAlive(pid); !running {
		return true, reason
	}
	if len(lines) >= 2 && l.StaleAfter > 0 {
		created, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(lines[1]))
		if err == nil && time.Since(created) > l.StaleAfter {
			return true, "lock older than " + l.StaleAfter.String()
		}
	}
	return false, fmt.Sprintf("held by pid %d", pid)
}

// Release removes the lock. Releasing an unlocked lock is a no-op.
func (l *Lockfile) Release() error {
	if !l.locked {
		return nil
	}
	var err error
	if l.file != nil {
		err = l.file.Close()
		l.file = nil
	}
	if rmErr := os.Remove(l.path); rmErr != nil && !os.IsNotExist(rmErr) {
		err = errors.Join(err, fmt.Errorf("remove lock: %w", rmErr))
	}
	l.locked = false
	return err
}

// PID returns the pid that acquired the lock.
func (l *Lockfile) PID() int {
	return l.pid
}

// Locked reports whether the lock is held.
func (l *Lockfile) Locked() bool {
	return l.locked
}

// Path returns the lock's path.
func (l *Lockfile) Path() string {
	return l.path
}
