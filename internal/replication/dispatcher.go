// Package replication runs the replication loop of one source.
package replication

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/katasec/dstream-ingester-mysql/internal/metrics"
	"github.com/katasec/dstream-ingester-mysql/pkg/cdc"
)

// ErrUnsupportedEvent is returned for stream events that have no handler.
var ErrUnsupportedEvent = errors.New("unsupported event")

type SchemaEventHandler interface {
	Handle(ctx context.Context, ev *cdc.SchemaChange) error
}

type DataEventHandler interface {
	Handle(ctx context.Context, ev *cdc.DataChange) error
}

// Dispatcher reads events one at a time and hands each to its handler.
type Dispatcher struct {
	schema   SchemaEventHandler
	data     DataEventHandler
	category atomic.Int32
	metrics  *metrics.Metrics
	log      hclog.Logger
}

func NewDispatcher(schema SchemaEventHandler, data DataEventHandler, m *metrics.Metrics, log hclog.Logger) *Dispatcher {
	return &Dispatcher{schema: schema, data: data, metrics: m, log: log.Named("dispatcher")}
}

// CurrentCategory is the category of the event most recently handed to a handler.
func (d *Dispatcher) CurrentCategory() cdc.EventCategory {
	return cdc.EventCategory(d.category.Load())
}

// Run dispatches events until ctx is cancelled, the stream ends (io.EOF) or a
// handler fails. Cancellation only takes effect between events.
func (d *Dispatcher) Run(ctx context.Context, stream cdc.Stream) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		ev, err := stream.Next(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return io.EOF
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("failed to read stream: %w", err)
		}

		// In-flight handlers finish even if shutdown is requested meanwhile.
		if err := d.Dispatch(context.WithoutCancel(ctx), ev); err != nil {
			return err
		}
	}
}

// Dispatch classifies ev, records its category and runs its handler.
func (d *Dispatcher) Dispatch(ctx context.Context, ev cdc.StreamEvent) error {
	start := time.Now()

	switch e := ev.(type) {
	case *cdc.SchemaChange:
		d.category.Store(int32(cdc.CategorySchemaEvent))
		err := d.schema.Handle(ctx, e)
		d.metrics.RecordEvent(cdc.CategorySchemaEvent.String(), e.Timestamp, time.Since(start), err)
		return err

	case *cdc.DataChange:
		d.category.Store(int32(cdc.CategoryDataEvent))
		err := d.data.Handle(ctx, e)
		d.metrics.RecordEvent(cdc.CategoryDataEvent.String(), e.Timestamp, time.Since(start), err)
		return err

	case *cdc.Unsupported:
		d.metrics.RecordEvent("unsupported", time.Time{}, 0, ErrUnsupportedEvent)
		d.log.Error("Unsupported event", "type", e.TypeName, "position", e.Position)
		return fmt.Errorf("%w: %s at %s", ErrUnsupportedEvent, e.TypeName, e.Position)

	default:
		d.metrics.RecordEvent("unsupported", time.Time{}, 0, ErrUnsupportedEvent)
		d.log.Error("Unsupported event", "type", fmt.Sprintf("%T", ev), "position", ev.EventPosition())
		return fmt.Errorf("%w: %T at %s", ErrUnsupportedEvent, ev, ev.EventPosition())
	}
}
