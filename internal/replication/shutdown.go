package replication

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/katasec/dstream-ingester-mysql/internal/metrics"
	"github.com/katasec/dstream-ingester-mysql/pkg/cdc"
)

// ShutdownController decides at shutdown whether the publisher's position is
// safe to persist. Only a stop during data events leaves the bus holding
// messages that a checkpoint must account for.
type ShutdownController struct {
	sourceID  string
	publisher cdc.Publisher
	store     cdc.CheckpointStore
	category  func() cdc.EventCategory
	metrics   *metrics.Metrics
	log       hclog.Logger
	now       func() time.Time

	inProgress atomic.Bool
}

func NewShutdownController(sourceID string, publisher cdc.Publisher, store cdc.CheckpointStore, category func() cdc.EventCategory, m *metrics.Metrics, log hclog.Logger) *ShutdownController {
	return &ShutdownController{
		sourceID:  sourceID,
		publisher: publisher,
		store:     store,
		category:  category,
		metrics:   m,
		log:       log.Named("shutdown"),
		now:       time.Now,
	}
}

// Begin marks the shutdown as started. Only the first call returns true.
func (c *ShutdownController) Begin(trigger string) bool {
	if !c.inProgress.CompareAndSwap(false, true) {
		c.log.Warn("Shutdown already in progress, ignoring", "trigger", trigger)
		return false
	}
	c.log.Info("Shutdown requested", "trigger", trigger)
	c.metrics.RecordShutdown(trigger)
	return true
}

// Finish flushes and checkpoints when the last event was a data event. It
// reports whether a clean checkpoint was saved. Failures are logged only.
func (c *ShutdownController) Finish(ctx context.Context) bool {
	category := c.category()
	if category != cdc.CategoryDataEvent {
		c.log.Info("Gracefully shutting down without checkpoint", "category", category)
		return false
	}

	if err := c.publisher.Flush(ctx); err != nil {
		c.log.Error("Failed to flush publisher, checkpoint not saved", "error", err)
		c.metrics.RecordCheckpoint(false)
		return false
	}
	pos, ok := c.publisher.CheckpointPosition()
	if !ok {
		c.log.Warn("Publisher has no acknowledged position, checkpoint not saved")
		return false
	}

	cp := cdc.Checkpoint{Position: pos, CleanShutdown: true, SavedAt: c.now().UTC()}
	if err := c.store.Save(ctx, c.sourceID, cp); err != nil {
		c.log.Error("Failed to save checkpoint", "position", pos, "error", err)
		c.metrics.RecordCheckpoint(false)
		return false
	}
	c.metrics.RecordCheckpoint(true)
	c.log.Info("Gracefully shutting down", "checkpoint", pos)
	return true
}
