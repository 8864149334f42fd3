package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hashicorp/go-hclog"
	bolt "go.etcd.io/bbolt"

	"github.com/katasec/dstream-ingester-mysql/pkg/cdc"
)

var checkpointsBucket = []byte("checkpoints")

// BoltStore keeps checkpoints as JSON documents in a local bbolt file.
type BoltStore struct {
	db  *bolt.DB
	log hclog.Logger
}

// OpenBoltStore opens (or creates) the bbolt file at path.
func OpenBoltStore(path string, log hclog.Logger) (*BoltStore, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint file %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(checkpointsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create checkpoints bucket: %w", err)
	}
	return &BoltStore{db: db, log: log}, nil
}

func (s *BoltStore) Load(ctx context.Context, sourceID string) (*cdc.Checkpoint, error) {
	var cp *cdc.Checkpoint
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		cp, err = readCheckpoint(tx, sourceID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint for %s: %w", sourceID, err)
	}
	if cp == nil {
		s.log.Info("No previous checkpoint", "source", sourceID)
	}
	return cp, nil
}

// Save writes the checkpoint in a single transaction that also checks it does not regress.
func (s *BoltStore) Save(ctx context.Context, sourceID string, cp cdc.Checkpoint) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		existing, err := readCheckpoint(tx, sourceID)
		if err != nil {
			return err
		}
		if err := checkMonotonic(sourceID, existing, cp); err != nil {
			return err
		}
		raw, err := json.Marshal(cp)
		if err != nil {
			return err
		}
		return tx.Bucket(checkpointsBucket).Put([]byte(sourceID), raw)
	})
	if err != nil {
		return fmt.Errorf("failed to save checkpoint for %s: %w", sourceID, err)
	}
	s.log.Info("Saved checkpoint", "source", sourceID, "position", cp.Position, "clean_shutdown", cp.CleanShutdown)
	return nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

func readCheckpoint(tx *bolt.Tx, sourceID string) (*cdc.Checkpoint, error) {
	raw := tx.Bucket(checkpointsBucket).Get([]byte(sourceID))
	if raw == nil {
		return nil, nil
	}
	var cp cdc.Checkpoint
	if err := json.Unmarshal(raw, &cp); err != nil {
		return nil, err
	}
	return &cp, nil
}
