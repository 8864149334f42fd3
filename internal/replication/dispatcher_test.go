package replication

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/hashicorp/go-hclog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/katasec/dstream-ingester-mysql/internal/metrics"
	"github.com/katasec/dstream-ingester-mysql/pkg/cdc"
)

type failingStream struct{ err error }

func (f failingStream) Next(context.Context) (cdc.StreamEvent, error) { return nil, f.err }
func (f failingStream) Close() error                                 { return nil }

func TestDispatcherTracksCategory(t *testing.T) {
	rec := newRecorder(&fakePublisher{})
	m := metrics.NewMetrics(prometheus.NewRegistry())
	d := NewDispatcher(schemaRecorder{rec}, dataRecorder{rec}, m, hclog.NewNullLogger())
	ctx := context.Background()

	assert.Equal(t, cdc.CategoryNone, d.CurrentCategory())

	require.NoError(t, d.Dispatch(ctx, dataEvent(1)))
	assert.Equal(t, cdc.CategoryDataEvent, d.CurrentCategory())

	require.NoError(t, d.Dispatch(ctx, schemaEvent(2)))
	assert.Equal(t, cdc.CategorySchemaEvent, d.CurrentCategory())

	err := d.Dispatch(ctx, &cdc.Unsupported{TypeName: "RandEvent", Position: pos(3)})
	assert.ErrorIs(t, err, ErrUnsupportedEvent)
	assert.Equal(t, cdc.CategorySchemaEvent, d.CurrentCategory())

	assert.Equal(t, 1.0, testutil.ToFloat64(m.EventsTotal.WithLabelValues("data_event")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.HandlerErrors.WithLabelValues("unsupported")))
}

func TestDispatcherRunStopsBetweenEvents(t *testing.T) {
	rec := newRecorder(&fakePublisher{})
	d := NewDispatcher(schemaRecorder{rec}, dataRecorder{rec}, nil, hclog.NewNullLogger())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := d.Run(ctx, &scriptedStream{events: []cdc.StreamEvent{dataEvent(1)}})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, rec.positions())
}

func TestDispatcherRunErrors(t *testing.T) {
	d := NewDispatcher(nil, nil, nil, hclog.NewNullLogger())

	assert.Equal(t, io.EOF, d.Run(context.Background(), failingStream{err: io.EOF}))

	err := d.Run(context.Background(), failingStream{err: errors.New("connection reset")})
	assert.ErrorContains(t, err, "failed to read stream")
}
