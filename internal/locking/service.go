package locking

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/katasec/dstream-ingester-mysql/internal/utils"
	"github.com/katasec/dstream-ingester-mysql/pkg/cdc"
)

// Factory is the part of LockerFactory the Service needs.
type Factory interface {
	CreateLocker(ctx context.Context, lockName string) (DistributedLocker, error)
	GetLockName(path, sourceID string) string
}

const (
	sessionRetryInitial = 500 * time.Millisecond
	sessionRetryMax     = 5 * time.Second
	pollInitial         = 250 * time.Millisecond
	pollMax             = 2 * time.Second
)

// Service gates replication behind an exclusive lock per source.
type Service struct {
	factory        Factory
	sessionRetries int
	log            hclog.Logger
}

// NewService returns a Service. sessionRetries below 1 means a single attempt.
func NewService(factory Factory, sessionRetries int, log hclog.Logger) *Service {
	if sessionRetries < 1 {
		sessionRetries = 1
	}
	return &Service{factory: factory, sessionRetries: sessionRetries, log: log.Named("lock")}
}

// Acquire establishes a session with the lock provider and waits up to timeout
// for the lock at path/sourceID. The returned handle keeps the lock renewed
// until Release is called.
func (s *Service) Acquire(ctx context.Context, path, sourceID string, timeout time.Duration) (cdc.LockHandle, error) {
	lockName := s.factory.GetLockName(path, sourceID)

	locker, err := s.createSession(ctx, lockName)
	if err != nil {
		return nil, err
	}

	s.log.Info("Waiting for lock", "lock", lockName, "timeout", timeout)
	acquireCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	backoff := utils.NewBackoffManager(pollInitial, pollMax)
	for {
		leaseID, err := locker.AcquireLock(acquireCtx, lockName)
		if err == nil {
			renewCtx, stop := context.WithCancel(context.Background())
			handle := &Handle{
				locker:   locker,
				lockName: lockName,
				leaseID:  leaseID,
				stop:     stop,
				lost:     make(chan error, 1),
				log:      s.log,
			}
			locker.StartLockRenewal(renewCtx, lockName, handle.markLost)
			return handle, nil
		}

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if acquireCtx.Err() != nil {
			return nil, fmt.Errorf("%w: %s after %s", ErrLockTimeout, lockName, timeout)
		}
		if !errors.Is(err, ErrLockHeld) {
			return nil, fmt.Errorf("failed to acquire lock %s: %w", lockName, err)
		}

		s.log.Debug("Lock held by another instance, retrying", "lock", lockName, "wait", backoff.GetInterval())
		if err := backoff.Wait(acquireCtx); err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("%w: %s after %s", ErrLockTimeout, lockName, timeout)
		}
	}
}

func (s *Service) createSession(ctx context.Context, lockName string) (DistributedLocker, error) {
	backoff := utils.NewBackoffManager(sessionRetryInitial, sessionRetryMax)
	var lastErr error
	for attempt := 1; attempt <= s.sessionRetries; attempt++ {
		locker, err := s.factory.CreateLocker(ctx, lockName)
		if err == nil {
			return locker, nil
		}
		lastErr = err
		s.log.Warn("Failed to create lock session", "attempt", attempt, "of", s.sessionRetries, "error", err)
		if attempt == s.sessionRetries {
			break
		}
		if err := backoff.Wait(ctx); err != nil {
			return nil, err
		}
	}
	return nil, fmt.Errorf("failed to create lock session after %d attempts: %w", s.sessionRetries, lastErr)
}

// Handle is a held lock.
type Handle struct {
	locker   DistributedLocker
	lockName string
	leaseID  string
	stop     context.CancelFunc
	lost     chan error
	log      hclog.Logger
	once     sync.Once
	lostOnce sync.Once
	err      error
}

// Lost delivers the renewal failure once the lock can no longer be relied on.
func (h *Handle) Lost() <-chan error {
	return h.lost
}

func (h *Handle) markLost(err error) {
	h.lostOnce.Do(func() {
		h.log.Error("Lock lost", "lock", h.lockName, "error", err)
		h.lost <- err
	})
}

// Release stops renewal and releases the lock. Calling it more than once is a no-op.
func (h *Handle) Release(ctx context.Context) error {
	h.once.Do(func() {
		h.stop()
		h.err = h.locker.ReleaseLock(ctx, h.lockName, h.leaseID)
		if h.err != nil {
			h.log.Warn("Failed to release lock", "lock", h.lockName, "error", h.err)
		}
	})
	return h.err
}
