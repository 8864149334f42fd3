package locking

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/go-hclog"
)

// LockerFactory creates instances of DistributedLocker based on the configuration
type LockerFactory struct {
	configType       string
	connectionString string
	containerName    string
	lockTTL          time.Duration
	log              hclog.Logger
}

// NewLockerFactory initializes a new LockerFactory
func NewLockerFactory(configType, connectionString, containerName string, lockTTL time.Duration, log hclog.Logger) *LockerFactory {
	return &LockerFactory{
		configType:       configType,
		connectionString: connectionString,
		containerName:    containerName,
		lockTTL:          lockTTL,
		log:              log,
	}
}

// CreateLocker creates a DistributedLocker for the given lock name. Creating a
// locker establishes the session with the lock provider.
func (f *LockerFactory) CreateLocker(ctx context.Context, lockName string) (DistributedLocker, error) {
	switch f.configType {
	case "azure_blob":
		return NewBlobLocker(ctx, f.connectionString, f.containerName, lockName, f.lockTTL, f.log)
	case "redis":
		return NewRedisLocker(ctx, f.connectionString, f.lockTTL, f.log)
	default:
		return nil, fmt.Errorf("unsupported lock type: %s", f.configType)
	}
}

// GetLockName returns the lock name for a source based on the locker type
func (f *LockerFactory) GetLockName(path, sourceID string) string {
	switch f.configType {
	case "azure_blob":
		return GetBlobLockName(path, sourceID)
	case "redis":
		return GetRedisLockName(path, sourceID)
	default:
		return path + "/" + sourceID
	}
}
