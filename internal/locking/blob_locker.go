package locking

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blockblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/lease"
	"github.com/hashicorp/go-hclog"
)

// Azure only accepts finite leases between 15 and 60 seconds.
const (
	minBlobLeaseTTL = 15 * time.Second
	maxBlobLeaseTTL = 60 * time.Second
)

// BlobLocker holds a lease on an (empty) blob as the lock.
type BlobLocker struct {
	containerName string
	lockTTL       time.Duration
	lockName      string
	log           hclog.Logger

	blobLeaseClient *lease.BlobClient
}

// NewBlobLocker ensures the container and the lock blob exist and prepares a lease client.
func NewBlobLocker(ctx context.Context, connectionString, containerName, lockName string, lockTTL time.Duration, log hclog.Logger) (*BlobLocker, error) {
	azblobClient, err := azblob.NewClientFromConnectionString(connectionString, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create Azure Blob client: %w", err)
	}
	_, err = azblobClient.CreateContainer(ctx, containerName, nil)
	if err != nil && !bloberror.HasCode(err, bloberror.ContainerAlreadyExists) {
		return nil, fmt.Errorf("failed to create or check container: %w", err)
	}

	blockblobClient, err := blockblob.NewClientFromConnectionString(connectionString, containerName, lockName, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create block blob client: %w", err)
	}

	// Create the blob only if missing; an existing blob may carry someone else's lease.
	_, err = blockblobClient.UploadBuffer(ctx, []byte{}, &blockblob.UploadBufferOptions{
		AccessConditions: &blob.AccessConditions{
			ModifiedAccessConditions: &blob.ModifiedAccessConditions{IfNoneMatch: to.Ptr(azcore.ETagAny)},
		},
	})
	if err != nil && !bloberror.HasCode(err, bloberror.BlobAlreadyExists, bloberror.ConditionNotMet, bloberror.LeaseIDMissing) {
		return nil, fmt.Errorf("failed to ensure blob exists: %w", err)
	}

	blobLeaseClient, err := lease.NewBlobClient(blockblobClient, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create blob lease client: %w", err)
	}

	return &BlobLocker{
		containerName:   containerName,
		lockTTL:         clampLeaseTTL(lockTTL),
		lockName:        lockName,
		log:             log,
		blobLeaseClient: blobLeaseClient,
	}, nil
}

// AcquireLock tries to acquire a lease on the blob and returns the lease ID
func (bl *BlobLocker) AcquireLock(ctx context.Context, lockName string) (string, error) {
	bl.log.Debug("Attempting to acquire lock", "blob", bl.lockName)

	resp, err := bl.blobLeaseClient.AcquireLease(ctx, int32(bl.lockTTL.Seconds()), nil)
	if err != nil {
		if bloberror.HasCode(err, bloberror.LeaseAlreadyPresent) {
			return "", ErrLockHeld
		}
		return "", fmt.Errorf("failed to acquire lock for blob %s: %w", bl.lockName, err)
	}

	bl.log.Info("Lock acquired", "blob", bl.lockName, "leaseID", *resp.LeaseID)
	return *resp.LeaseID, nil
}

func (bl *BlobLocker) RenewLock(ctx context.Context, lockName string) error {
	if _, err := bl.blobLeaseClient.RenewLease(ctx, nil); err != nil {
		if bloberror.HasCode(err, bloberror.LeaseIDMismatchWithLeaseOperation, bloberror.LeaseNotPresentWithLeaseOperation, bloberror.LeaseLost) {
			return fmt.Errorf("failed to renew lock for blob %s: %w", lockName, ErrLockHeld)
		}
		return fmt.Errorf("failed to renew lock for blob %s: %w", lockName, err)
	}
	bl.log.Trace("Lock renewed", "blob", lockName)
	return nil
}

// ReleaseLock releases the lease held on the blob (lockName)
func (bl *BlobLocker) ReleaseLock(ctx context.Context, lockName string, leaseID string) error {
	if _, err := bl.blobLeaseClient.ReleaseLease(ctx, nil); err != nil {
		return fmt.Errorf("failed to release lock for blob %s: %w", bl.lockName, err)
	}
	bl.log.Info("Lock released", "blob", bl.lockName, "leaseID", leaseID)
	return nil
}

func (bl *BlobLocker) StartLockRenewal(ctx context.Context, lockName string, lost func(error)) {
	go renewLoop(ctx, bl.log, bl.lockTTL, bl.lockTTL/2, lockName, bl.RenewLock, lost)
}

// GetBlobLockName returns the blob name used as the lock for a source.
func GetBlobLockName(path, sourceID string) string {
	return strings.Trim(path, "/") + "/" + sourceID + ".lock"
}

func clampLeaseTTL(ttl time.Duration) time.Duration {
	switch {
	case ttl < minBlobLeaseTTL:
		return minBlobLeaseTTL
	case ttl > maxBlobLeaseTTL:
		return maxBlobLeaseTTL
	default:
		return ttl
	}
}

// renewLoop calls renew every interval until ctx is done. The lease is given
// up through lost when the holder is no longer the owner, or when the next
// attempt would come after the lease has already expired.
func renewLoop(ctx context.Context, log hclog.Logger, ttl, interval time.Duration, lockName string, renew func(context.Context, string) error, lost func(error)) {
	if interval <= 0 || ttl <= 0 {
		lost(fmt.Errorf("%w: %s: invalid lease %s renewed every %s", ErrLockLost, lockName, ttl, interval))
		return
	}

	log.Debug("Starting lock renewal", "lock", lockName, "interval", interval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	lastRenewed := time.Now()
	for {
		select {
		case <-ticker.C:
			err := renew(ctx, lockName)
			if err == nil {
				lastRenewed = time.Now()
				continue
			}
			if ctx.Err() != nil {
				return
			}
			log.Error("Failed to renew lock", "lock", lockName, "error", err)
			if errors.Is(err, ErrLockHeld) || time.Since(lastRenewed)+interval >= ttl {
				lost(fmt.Errorf("%w: %s: %w", ErrLockLost, lockName, err))
				return
			}
		case <-ctx.Done():
			log.Debug("Stopping lock renewal", "lock", lockName)
			return
		}
	}
}
