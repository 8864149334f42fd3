// distributed_locker.go
package locking

import (
	"context"
	"errors"
)

var (
	// ErrLockHeld is returned by AcquireLock when another owner holds the lock.
	ErrLockHeld = errors.New("lock is held by another owner")

	// ErrLockTimeout is returned when the lock could not be acquired within the timeout.
	ErrLockTimeout = errors.New("timed out acquiring lock")

	// ErrLockLost is reported when a held lock could not be renewed in time.
	ErrLockLost = errors.New("lock lost")
)

// DistributedLocker defines an interface for a distributed locking mechanism.
type DistributedLocker interface {
	// AcquireLock tries to acquire a lock for the given lockName and returns a lease ID if successful.
	// It returns ErrLockHeld when the lock is owned by someone else.
	AcquireLock(ctx context.Context, lockName string) (string, error)

	// ReleaseLock releases the lock associated with the provided lease ID for the given lockName.
	ReleaseLock(ctx context.Context, lockName string, leaseID string) error

	// RenewLock extends the lease on a held lock.
	RenewLock(ctx context.Context, lockName string) error

	// StartLockRenewal starts a background process to renew the lock periodically.
	// lost is called once if the lease can no longer be kept; renewal stops then.
	StartLockRenewal(ctx context.Context, lockName string, lost func(error))
}
