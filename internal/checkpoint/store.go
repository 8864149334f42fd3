// Package checkpoint persists the resume position of a replication source.
package checkpoint

import (
	"context"
	"errors"
	"fmt"

	"github.com/hashicorp/go-hclog"

	"github.com/katasec/dstream-ingester-mysql/internal/config"
	"github.com/katasec/dstream-ingester-mysql/internal/db"
	"github.com/katasec/dstream-ingester-mysql/pkg/cdc"
)

// ErrPositionRegressed is returned when a save would move a source's checkpoint backwards.
var ErrPositionRegressed = errors.New("checkpoint position regressed")

// New builds the store selected by the checkpoint config block.
func New(ctx context.Context, cfg config.CheckpointConfig, log hclog.Logger) (cdc.CheckpointStore, error) {
	log = log.Named("checkpoint")
	switch cfg.Type {
	case "bolt":
		return OpenBoltStore(cfg.Path, log)
	case "sqlserver", "mysql", "sqlite":
		conn, err := db.Connect(ctx, cfg.Type, cfg.DSN, log)
		if err != nil {
			return nil, err
		}
		store, err := NewSQLStore(ctx, conn, cfg.Type, cfg.Table, log)
		if err != nil {
			conn.Close()
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unsupported checkpoint type: %s", cfg.Type)
	}
}

// checkMonotonic rejects a checkpoint that lies before the one already stored.
func checkMonotonic(sourceID string, existing *cdc.Checkpoint, next cdc.Checkpoint) error {
	if existing == nil {
		return nil
	}
	if existing.Position.After(next.Position) {
		return fmt.Errorf("%w: %s has %s, refusing %s", ErrPositionRegressed, sourceID, existing.Position, next.Position)
	}
	return nil
}
