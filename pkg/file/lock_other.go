//go:build !unix

package file

import (
	"errors"
	"fmt"
)

// ErrLockUnsupported is returned on platforms without flock(2).
var ErrLockUnsupported = errors.New("advisory file locks are not supported on this platform")

// Lock is never held on this platform.
type Lock struct{}

// AcquireLock always fails with ErrLockUnsupported. The job store relies on
// cross-process exclusion and must not run without it.
func AcquireLock(path string) (*Lock, error) {
	return nil, fmt.Errorf("lock %s: %w", path, ErrLockUnsupported)
}

func (l *Lock) Release() error {
	return nil
}

// WithLock always fails with ErrLockUnsupported without calling fn.
func WithLock(path string, fn func() error) error {
	_, err := AcquireLock(path)
	return err
}
