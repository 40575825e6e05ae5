package kb

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"

	"github.com/localkb/localkb/internal/kberr"
)

// Lock is the cross-process single-owner lock on a knowledge base root.
// The engine assumes one worker owns a knowledge base at a time; the lock
// makes that assumption explicit instead of silently corrupting state.
type Lock struct {
	path   string
	flock  *flock.Flock
	locked bool
}

// AcquireLock takes the owner lock without blocking. A held lock means
// another worker owns this knowledge base and yields a conflict error.
func AcquireLock(p Paths) (*Lock, error) {
	lockPath := p.LockPath()
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}

	l := &Lock{path: lockPath, flock: flock.New(lockPath)}
	acquired, err := l.flock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire kb lock: %w", err)
	}
	if !acquired {
		return nil, kberr.Conflict(kberr.ErrCodeLockHeld,
			fmt.Sprintf("knowledge base at %s is owned by another worker", p.Root))
	}
	l.locked = true
	return l, nil
}

// Release drops the lock. Safe to call more than once.
func (l *Lock) Release() error {
	if !l.locked {
		return nil
	}
	if err := l.flock.Unlock(); err != nil {
		return fmt.Errorf("release kb lock: %w", err)
	}
	l.locked = false
	return nil
}
