// Package lock provides cross-process mutual exclusion over a storage root.
//
// A Locker guards the persistent record for the duration of a load or save.
// The flock strategy takes a non-blocking exclusive advisory lock on a file
// under the root's manager directory; the none strategy never blocks and is
// meant for roots that are not shared between processes.
package lock

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Strategies.
const (
	StrategyFlock = "flock"
	StrategyNone  = "none"
)

var (
	// ErrLocked means another process holds the lock.
	ErrLocked = errors.New("lock held by another process")

	// ErrUnsupported means the platform has no flock.
	ErrUnsupported = errors.New("flock not available on this platform")

	// ErrNotHeld is returned by Unlock when the lock is not held.
	ErrNotHeld = errors.New("lock not held")
)

// Locker acquires and releases an exclusive lock. Lock never blocks: it
// fails with ErrLocked when the lock is held elsewhere.
type Locker interface {
	Lock() error
	Unlock() error
}

// New returns a Locker for the given strategy. path names the lock file and
// is ignored by the none strategy.
func New(strategy, path string) (Locker, error) {
	switch strategy {
	case StrategyNone:
		return noopLocker{}, nil
	case StrategyFlock, "":
		return &FileLocker{path: path}, nil
	default:
		return nil, fmt.Errorf("unknown locking strategy %q", strategy)
	}
}

// FileLocker holds an exclusive flock on a file. The file is created on
// first use and left in place; the kernel drops the lock when the
// descriptor closes, including on crash.
type FileLocker struct {
	path string

	mu   sync.Mutex
	file *os.File
}

// Path returns the lock file path.
func (l *FileLocker) Path() string {
	return l.path
}

// Lock acquires the lock without blocking.
func (l *FileLocker) Lock() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file != nil {
		return ErrLocked
	}
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("create lock dir: %w", err)
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("open lock file %s: %w", l.path, err)
	}
	if err := flock(f); err != nil {
		f.Close()
		return err
	}
	l.file = f
	return nil
}

// Unlock releases the lock.
func (l *FileLocker) Unlock() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return ErrNotHeld
	}
	uerr := funlock(l.file)
	cerr := l.file.Close()
	l.file = nil
	if uerr != nil {
		return uerr
	}
	return cerr
}

type noopLocker struct{}

func (noopLocker) Lock() error   { return nil }
func (noopLocker) Unlock() error { return nil }
