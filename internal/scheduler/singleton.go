package scheduler

import (
	"errors"
	"fmt"

	"ctbb/internal/lockdir"
)

// ErrAlreadyRunning reports that another daemon holds the library's daemon
// lock. Callers treat it as a normal exit.
var ErrAlreadyRunning = errors.New("daemon already running for library")

// Claim takes the daemon singleton lock. The returned func releases it.
func Claim(locks *lockdir.Dir) (func() error, error) {
	lock := locks.MustLock(lockdir.NameDaemon)
	if err := lock.TryAcquire(); err != nil {
		if errors.Is(err, lockdir.ErrBusy) {
			return nil, ErrAlreadyRunning
		}
		return nil, fmt.Errorf("claim daemon lock: %w", err)
	}
	return lock.Release, nil
}
