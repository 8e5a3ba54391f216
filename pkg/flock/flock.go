//go:build unix

// Package flock provides exclusive, non-blocking locks on files, which are
// visible across processes as well as between goroutines of the same process.
package flock

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// ErrLocked is returned when somebody else holds the lock
var ErrLocked = errors.New("Lock is held by another operation")

// Lock is a held lock. Call Unlock when finished.
type Lock struct {
	file *os.File
}

// TryLock acquires an exclusive lock on filename, creating the file if necessary.
// It never blocks: if the lock is already held, it returns ErrLocked.
// Each call opens its own file description, so two TryLock calls inside one
// process exclude each other too.
func TryLock(filename string) (*Lock, error) {
	f, err := os.OpenFile(filename, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("Failed to open lock file %v: %w", filename, err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, ErrLocked
		}
		return nil, fmt.Errorf("Failed to lock %v: %w", filename, err)
	}
	return &Lock{file: f}, nil
}

// Unlock releases the lock. It is safe to call Unlock more than once.
func (l *Lock) Unlock() error {
	if l == nil || l.file == nil {
		return nil
	}
	unix.Flock(int(l.file.Fd()), unix.LOCK_UN)
	err := l.file.Close()
	l.file = nil
	return err
}
