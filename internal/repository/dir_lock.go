package repository

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/gofrs/flock"
)

const dirLockName = ".store.lock"

// DirLock marks a directory as owned by one process. The OS drops the lock
// when its holder exits, so a crashed process never leaves it behind.
type DirLock struct {
	fl *flock.Flock
}

// AcquireDirLock takes the lock on dir without waiting
func AcquireDirLock(dir string) (*DirLock, error) {
	target := strings.TrimSpace(dir)
	if target == "" {
		return nil, fmt.Errorf("lock directory is required")
	}

	fl := flock.New(filepath.Join(target, dirLockName))
	locked, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire lock for %s: %w", target, err)
	}
	if !locked {
		return nil, fmt.Errorf("checkpoint directory is locked: %s", target)
	}
	return &DirLock{fl: fl}, nil
}

// Release unlocks the directory. The lock file itself stays.
func (l *DirLock) Release() error {
	if l == nil || l.fl == nil {
		return nil
	}
	if err := l.fl.Unlock(); err != nil {
		return fmt.Errorf("release lock %s: %w", l.fl.Path(), err)
	}
	return nil
}
