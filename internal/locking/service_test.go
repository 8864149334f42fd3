package locking

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memoryLocks is a shared lock table standing in for the lock provider.
type memoryLocks struct {
	mu      sync.Mutex
	holders map[string]string
	renewed int
}

type memoryLocker struct {
	locks *memoryLocks
	owner string
}

func (m *memoryLocker) AcquireLock(ctx context.Context, lockName string) (string, error) {
	m.locks.mu.Lock()
	defer m.locks.mu.Unlock()
	if holder, ok := m.locks.holders[lockName]; ok && holder != m.owner {
		return "", ErrLockHeld
	}
	m.locks.holders[lockName] = m.owner
	return m.owner, nil
}

func (m *memoryLocker) ReleaseLock(ctx context.Context, lockName, leaseID string) error {
	m.locks.mu.Lock()
	defer m.locks.mu.Unlock()
	if m.locks.holders[lockName] == leaseID {
		delete(m.locks.holders, lockName)
	}
	return nil
}

func (m *memoryLocker) RenewLock(ctx context.Context, lockName string) error {
	m.locks.mu.Lock()
	defer m.locks.mu.Unlock()
	if m.locks.holders[lockName] != m.owner {
		return ErrLockHeld
	}
	m.locks.renewed++
	return nil
}

func (m *memoryLocker) StartLockRenewal(ctx context.Context, lockName string, lost func(error)) {
	go renewLoop(ctx, hclog.NewNullLogger(), 200*time.Millisecond, 20*time.Millisecond, lockName, m.RenewLock, lost)
}

type fakeFactory struct {
	locks    *memoryLocks
	owner    string
	failures int
	calls    int
}

func (f *fakeFactory) CreateLocker(ctx context.Context, lockName string) (DistributedLocker, error) {
	f.calls++
	if f.calls <= f.failures {
		return nil, errors.New("provider unreachable")
	}
	return &memoryLocker{locks: f.locks, owner: f.owner}, nil
}

func (f *fakeFactory) GetLockName(path, sourceID string) string {
	return path + "/" + sourceID
}

func newLocks() *memoryLocks {
	return &memoryLocks{holders: map[string]string{}}
}

func TestAcquireAndRelease(t *testing.T) {
	locks := newLocks()
	svc := NewService(&fakeFactory{locks: locks, owner: "a"}, 3, hclog.NewNullLogger())

	handle, err := svc.Acquire(context.Background(), "replication_handler", "orders", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "a", locks.holders["replication_handler/orders"])

	require.NoError(t, handle.Release(context.Background()))
	assert.Empty(t, locks.holders)

	// second release is a no-op
	assert.NoError(t, handle.Release(context.Background()))
}

func TestAcquireTimesOutWhileHeld(t *testing.T) {
	locks := newLocks()
	locks.holders["replication_handler/orders"] = "other"
	svc := NewService(&fakeFactory{locks: locks, owner: "a"}, 3, hclog.NewNullLogger())

	start := time.Now()
	_, err := svc.Acquire(context.Background(), "replication_handler", "orders", 300*time.Millisecond)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrLockTimeout)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, "other", locks.holders["replication_handler/orders"])
}

func TestAcquireSucceedsOnceReleased(t *testing.T) {
	locks := newLocks()
	locks.holders["p/s"] = "other"
	svc := NewService(&fakeFactory{locks: locks, owner: "a"}, 1, hclog.NewNullLogger())

	go func() {
		time.Sleep(100 * time.Millisecond)
		locks.mu.Lock()
		delete(locks.holders, "p/s")
		locks.mu.Unlock()
	}()

	handle, err := svc.Acquire(context.Background(), "p", "s", 3*time.Second)
	require.NoError(t, err)
	require.NoError(t, handle.Release(context.Background()))
}

func TestSessionRetriesAreBounded(t *testing.T) {
	factory := &fakeFactory{locks: newLocks(), owner: "a", failures: 10}
	svc := NewService(factory, 2, hclog.NewNullLogger())

	_, err := svc.Acquire(context.Background(), "p", "s", time.Second)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrLockTimeout)
	assert.Equal(t, 2, factory.calls)
}

func TestSessionRetryRecovers(t *testing.T) {
	factory := &fakeFactory{locks: newLocks(), owner: "a", failures: 1}
	svc := NewService(factory, 3, hclog.NewNullLogger())

	handle, err := svc.Acquire(context.Background(), "p", "s", time.Second)
	require.NoError(t, err)
	assert.Equal(t, 2, factory.calls)
	require.NoError(t, handle.Release(context.Background()))
}

func TestLockNames(t *testing.T) {
	assert.Equal(t, "replication_handler/orders.lock", GetBlobLockName("/replication_handler/", "orders"))
	assert.Equal(t, "replication_handler:orders", GetRedisLockName("replication_handler", "orders"))

	f := NewLockerFactory("redis", "", "", time.Minute, hclog.NewNullLogger())
	assert.Equal(t, "a:b:orders", f.GetLockName("a/b", "orders"))
}

func TestClampLeaseTTL(t *testing.T) {
	assert.Equal(t, 15*time.Second, clampLeaseTTL(time.Second))
	assert.Equal(t, 60*time.Second, clampLeaseTTL(10*time.Minute))
	assert.Equal(t, 30*time.Second, clampLeaseTTL(30*time.Second))
}

func TestHandleReportsLostOwnership(t *testing.T) {
	locks := newLocks()
	svc := NewService(&fakeFactory{locks: locks, owner: "a"}, 1, hclog.NewNullLogger())

	handle, err := svc.Acquire(context.Background(), "p", "s", time.Second)
	require.NoError(t, err)
	defer handle.Release(context.Background())

	// the lease expired and another instance took over
	locks.mu.Lock()
	locks.holders["p/s"] = "b"
	locks.mu.Unlock()

	select {
	case err := <-handle.Lost():
		assert.ErrorIs(t, err, ErrLockLost)
		assert.ErrorIs(t, err, ErrLockHeld)
	case <-time.After(2 * time.Second):
		t.Fatal("lock loss was not reported")
	}
}

func TestHandleNotLostWhileRenewing(t *testing.T) {
	locks := newLocks()
	svc := NewService(&fakeFactory{locks: locks, owner: "a"}, 1, hclog.NewNullLogger())

	handle, err := svc.Acquire(context.Background(), "p", "s", time.Second)
	require.NoError(t, err)

	select {
	case err := <-handle.Lost():
		t.Fatalf("unexpected loss: %v", err)
	case <-time.After(150 * time.Millisecond):
	}
	require.NoError(t, handle.Release(context.Background()))

	locks.mu.Lock()
	renewed := locks.renewed
	locks.mu.Unlock()
	assert.Positive(t, renewed)
}

func TestRenewLoopGivesUpBeforeLeaseExpires(t *testing.T) {
	var calls atomic.Int32
	renew := func(ctx context.Context, lockName string) error {
		calls.Add(1)
		return errors.New("connection reset")
	}
	lost := make(chan error, 1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go renewLoop(ctx, hclog.NewNullLogger(), 300*time.Millisecond, 100*time.Millisecond, "p/s", renew, func(err error) { lost <- err })

	select {
	case err := <-lost:
		assert.ErrorIs(t, err, ErrLockLost)
		assert.ErrorContains(t, err, "connection reset")
		assert.LessOrEqual(t, calls.Load(), int32(2))
	case <-time.After(2 * time.Second):
		t.Fatal("renewal failures were not reported")
	}
}

func TestRenewLoopToleratesSingleFailure(t *testing.T) {
	var calls atomic.Int32
	renew := func(ctx context.Context, lockName string) error {
		if calls.Add(1) == 1 {
			return errors.New("timeout")
		}
		return nil
	}
	lost := make(chan error, 1)

	ctx, cancel := context.WithCancel(context.Background())
	go renewLoop(ctx, hclog.NewNullLogger(), 300*time.Millisecond, 100*time.Millisecond, "p/s", renew, func(err error) { lost <- err })

	time.Sleep(450 * time.Millisecond)
	cancel()
	assert.Empty(t, lost)
	assert.GreaterOrEqual(t, calls.Load(), int32(2))
}

func TestRenewLoopRejectsZeroLease(t *testing.T) {
	lost := make(chan error, 1)
	renewLoop(context.Background(), hclog.NewNullLogger(), 0, 0, "p/s", func(context.Context, string) error { return nil }, func(err error) { lost <- err })

	require.Len(t, lost, 1)
	assert.ErrorIs(t, <-lost, ErrLockLost)
}
