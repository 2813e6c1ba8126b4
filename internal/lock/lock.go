// Package lock provides the run lease that keeps two anchoring runs from
// overlapping, whether they are two cron invocations on one host or
// schedulers on several hosts sharing one database.
package lock

import (
	"context"
	"errors"
	"time"
)

// ErrLockHeld is returned by Acquire when another owner holds the lease.
var ErrLockHeld = errors.New("lock held by another owner")

// Release gives up a lease. Releasing a lease that already expired, or
// that was taken over after expiry, is a no-op.
type Release func(ctx context.Context) error

// Locker hands out named, expiring leases.
//
// A lease expires after ttl even if it is never released, so a crashed
// holder blocks other runs for at most ttl.
type Locker interface {
	Acquire(ctx context.Context, name string, ttl time.Duration) (Release, error)
}

// Noop is a Locker that always succeeds.
type Noop struct{}

// Acquire implements Locker.
func (Noop) Acquire(context.Context, string, time.Duration) (Release, error) {
	return func(context.Context) error { return nil }, nil
}
