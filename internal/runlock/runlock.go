// Package runlock prevents two runs from interleaving their writes. The
// external scheduler is expected to space runs out, the lock is the
// fail-fast guard for when it does not.
package runlock

import (
	"errors"
	"fmt"
	"os"
	"time"
)

// ErrLocked means another run currently holds the lock.
var ErrLocked = errors.New("another run is active")

type Lock struct {
	path string
}

// Acquire creates the lock file exclusively. An existing file fails with
// ErrLocked and reports the holder's age, the lock does not expire on its
// own so crash leftovers need the operator.
func Acquire(path string) (*Lock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644) // nolint: gosec
	if err != nil {
		if os.IsExist(err) {
			age := "unknown age"
			if info, statErr := os.Stat(path); statErr == nil {
				age = time.Since(info.ModTime()).Round(time.Second).String()
			}
			return nil, fmt.Errorf("%w: lock file %s exists (held for %s), remove it manually if the previous run crashed", ErrLocked, path, age)
		}
		return nil, fmt.Errorf("could not create lock file %s: %w", path, err)
	}

	fmt.Fprintf(f, "pid %d started %s\n", os.Getpid(), time.Now().UTC().Format(time.RFC3339))
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("could not write lock file %s: %w", path, err)
	}

	return &Lock{path: path}, nil
}

func (l *Lock) Release() error {
	if err := os.Remove(l.path); err != nil {
		return fmt.Errorf("could not remove lock file %s: %w", l.path, err)
	}
	return nil
}
