//go:build linux

package runtime

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// slotLock is an exclusive flock on <slot>.lock. It serializes the first use
// of a venv slot across goroutines and processes sharing the runtime root.
type slotLock struct {
	file *os.File
}

// acquireSlotLock blocks until the lock for slot is held
func acquireSlotLock(slot string) (*slotLock, error) {
	lockPath := slot + ".lock"

	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open lock file %s: %w", lockPath, err)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		f.Close()
		return nil, fmt.Errorf("flock %s: %w", lockPath, err)
	}

	return &slotLock{file: f}, nil
}

// Release unlocks and closes the lock file. Subsequent calls are no-ops.
func (l *slotLock) Release() {
	if l == nil || l.file == nil {
		return
	}
	_ = unix.Flock(int(l.file.Fd()), unix.LOCK_UN)
	_ = l.file.Close()
	l.file = nil
}
