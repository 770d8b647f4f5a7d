// Package lockfile provides the advisory lock that keeps two migrator
// processes on one host from changing the device at the same time.
package lockfile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/pandeptwidyaop/mdm-migrate/internal/models"
)

// Lock is an flock(2) lock on a file. The kernel drops it when the holding
// process exits, so a crashed run never leaves a stale lock behind.
type Lock struct {
	path string

	mu   sync.Mutex
	file *os.File
}

func New(path string) *Lock {
	return &Lock{path: path}
}

// Path returns the lock file location.
func (l *Lock) Path() string {
	return l.path
}

// TryAcquire takes the lock without waiting. It returns
// models.ErrMigrationInProgress when another holder has it.
func (l *Lock) TryAcquire() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file != nil {
		return models.ErrMigrationInProgress
	}

	if err := os.MkdirAll(filepath.Dir(l.path), 0755); err != nil {
		return fmt.Errorf("failed to create lock directory: %w", err)
	}
	// Read-only is enough for flock and works on a file another user created.
	f, err := os.OpenFile(l.path, os.O_RDONLY|os.O_CREATE, 0644) // #nosec G304 - configured lock path
	if err != nil {
		return fmt.Errorf("failed to open lock file: %w", err)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil { // #nosec G115
		_ = f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return models.ErrMigrationInProgress
		}
		return fmt.Errorf("failed to lock %s: %w", l.path, err)
	}

	l.file = f
	return nil
}

// Release drops the lock. Releasing a lock that is not held is a no-op.
func (l *Lock) Release() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return nil
	}
	f := l.file
	l.file = nil

	if err := unix.Flock(int(f.Fd()), unix.LOCK_UN); err != nil { // #nosec G115
		_ = f.Close()
		return err
	}
	return f.Close()
}

// Held reports whether this Lock currently holds the file.
func (l *Lock) Held() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file != nil
}
