package replication

import (
	"context"
	"fmt"

	"github.com/hashicorp/go-hclog"

	"github.com/katasec/dstream-ingester-mysql/pkg/cdc"
)

// Resumer opens the stream where the last clean shutdown left off.
type Resumer struct {
	store  cdc.CheckpointStore
	source cdc.StreamSource
	log    hclog.Logger
}

func NewResumer(store cdc.CheckpointStore, source cdc.StreamSource, log hclog.Logger) *Resumer {
	return &Resumer{store: store, source: source, log: log.Named("resumer")}
}

// Resume loads the checkpoint of sourceID and opens the stream after it, or at
// the source's default start when there is none.
func (r *Resumer) Resume(ctx context.Context, sourceID string) (cdc.Stream, error) {
	cp, err := r.store.Load(ctx, sourceID)
	if err != nil {
		return nil, err
	}

	var from *cdc.Position
	if cp != nil {
		pos := cp.Position
		from = &pos
		if !cp.CleanShutdown {
			r.log.Warn("Last checkpoint was not written by a clean shutdown", "position", pos, "saved_at", cp.SavedAt)
		}
		r.log.Info("Resuming from checkpoint", "source", sourceID, "position", pos, "saved_at", cp.SavedAt)
	} else {
		r.log.Info("No checkpoint found, starting at the head of the log", "source", sourceID)
	}

	stream, err := r.source.Open(ctx, from)
	if err != nil {
		return nil, fmt.Errorf("failed to open stream for %s: %w", sourceID, err)
	}
	return stream, nil
}
