package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azservicebus"
	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/katasec/dstream-ingester-mysql/internal/config"
	"github.com/katasec/dstream-ingester-mysql/pkg/cdc"
)

func at(eventPos uint32) cdc.Position {
	return cdc.Position{LogFile: "mysql-bin.000001", TxnPos: 4, EventPos: eventPos}
}

func message(eventPos uint32) *cdc.ChangeMessage {
	return &cdc.ChangeMessage{
		MessageType: "create",
		Topic:       "orders.shop.users",
		SchemaID:    42,
		Keys:        []string{"id"},
		PayloadData: map[string]any{"id": float64(eventPos)},
		UpstreamPositionInfo: cdc.UpstreamPositionInfo{
			Position: at(eventPos),
		},
	}
}

// mockProducer holds promises until the test acknowledges them.
type mockProducer struct {
	mu       sync.Mutex
	records  []*kgo.Record
	promises []func(*kgo.Record, error)
	flushes  int
	closed   bool
}

func (m *mockProducer) Produce(_ context.Context, r *kgo.Record, promise func(*kgo.Record, error)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, r)
	m.promises = append(m.promises, promise)
}

func (m *mockProducer) ack(i int, err error) {
	m.promises[i](m.records[i], err)
}

func (m *mockProducer) Flush(context.Context) error {
	m.flushes++
	for i := range m.promises {
		if m.promises[i] != nil {
			m.ack(i, nil)
			m.promises[i] = nil
		}
	}
	return nil
}

func (m *mockProducer) Close() { m.closed = true }

func TestKafkaPublishRecord(t *testing.T) {
	mp := &mockProducer{}
	pub := &KafkaPublisher{client: mp, log: hclog.NewNullLogger()}

	require.NoError(t, pub.Publish(context.Background(), message(100)))
	require.Len(t, mp.records, 1)

	r := mp.records[0]
	assert.Equal(t, "orders.shop.users", r.Topic)
	assert.Equal(t, "[100]", string(r.Key))

	var decoded cdc.ChangeMessage
	require.NoError(t, json.Unmarshal(r.Value, &decoded))
	assert.Equal(t, "create", decoded.MessageType)
	assert.Equal(t, at(100), decoded.UpstreamPositionInfo.Position)

	hdrs := map[string]string{}
	for _, h := range r.Headers {
		hdrs[h.Key] = string(h.Value)
	}
	assert.Equal(t, "create", hdrs["message_type"])
	assert.Equal(t, "42", hdrs["schema_id"])

	require.NoError(t, pub.Close())
	assert.True(t, mp.closed)
}

func TestKafkaCheckpointFollowsContiguousAcks(t *testing.T) {
	mp := &mockProducer{}
	pub := &KafkaPublisher{client: mp, log: hclog.NewNullLogger()}
	ctx := context.Background()

	for _, p := range []uint32{100, 200, 300} {
		require.NoError(t, pub.Publish(ctx, message(p)))
	}
	_, ok := pub.CheckpointPosition()
	assert.False(t, ok)

	mp.ack(1, nil)
	mp.promises[1] = nil
	_, ok = pub.CheckpointPosition()
	assert.False(t, ok, "a later ack must not move the checkpoint past an unacknowledged message")

	mp.ack(0, nil)
	mp.promises[0] = nil
	pos, ok := pub.CheckpointPosition()
	require.True(t, ok)
	assert.Equal(t, at(200), pos)

	require.NoError(t, pub.Flush(ctx))
	pos, _ = pub.CheckpointPosition()
	assert.Equal(t, at(300), pos)
	assert.Equal(t, 1, mp.flushes)
}

func TestKafkaDeliveryFailureSurfaces(t *testing.T) {
	mp := &mockProducer{}
	pub := &KafkaPublisher{client: mp, log: hclog.NewNullLogger()}
	ctx := context.Background()

	require.NoError(t, pub.Publish(ctx, message(100)))
	mp.ack(0, errors.New("broker unavailable"))
	mp.promises[0] = nil

	err := pub.Publish(ctx, message(200))
	assert.ErrorContains(t, err, "broker unavailable")
	assert.Len(t, mp.records, 1)

	assert.ErrorContains(t, pub.Flush(ctx), "broker unavailable")
	_, ok := pub.CheckpointPosition()
	assert.False(t, ok)
}

func TestKafkaClientOptions(t *testing.T) {
	_, err := clientOptions(config.PublisherConfig{})
	assert.Error(t, err)

	_, err = clientOptions(config.PublisherConfig{Brokers: []string{"k:9092"}, SASLMechanism: "GSSAPI"})
	assert.ErrorContains(t, err, "unsupported SASL mechanism")

	opts, err := clientOptions(config.PublisherConfig{Brokers: []string{"k:9092"}, SASLMechanism: "SCRAM-SHA-512", TLS: true})
	require.NoError(t, err)
	assert.Len(t, opts, 4)
}

type fakeSender struct {
	batches [][]*azservicebus.Message
	err     error
	closed  bool
}

func (f *fakeSender) SendMessages(_ context.Context, msgs []*azservicebus.Message) error {
	if f.err != nil {
		return f.err
	}
	f.batches = append(f.batches, append([]*azservicebus.Message(nil), msgs...))
	return nil
}

func (f *fakeSender) Close(context.Context) error {
	f.closed = true
	return nil
}

func TestServiceBusBatching(t *testing.T) {
	fs := &fakeSender{}
	pub := newServiceBusPublisher(fs, 2, hclog.NewNullLogger())
	ctx := context.Background()

	require.NoError(t, pub.Publish(ctx, message(100)))
	assert.Empty(t, fs.batches)
	_, ok := pub.CheckpointPosition()
	assert.False(t, ok)

	require.NoError(t, pub.Publish(ctx, message(200)))
	require.Len(t, fs.batches, 1)
	assert.Len(t, fs.batches[0], 2)
	pos, ok := pub.CheckpointPosition()
	require.True(t, ok)
	assert.Equal(t, at(200), pos)

	require.NoError(t, pub.Publish(ctx, message(300)))
	require.NoError(t, pub.Flush(ctx))
	require.Len(t, fs.batches, 2)
	pos, _ = pub.CheckpointPosition()
	assert.Equal(t, at(300), pos)

	m := fs.batches[1][0]
	assert.Equal(t, "orders.shop.users", *m.Subject)
	assert.Equal(t, "create", m.ApplicationProperties["message_type"])

	require.NoError(t, pub.Close())
	assert.True(t, fs.closed)
}

func TestServiceBusFailure(t *testing.T) {
	fs := &fakeSender{err: errors.New("quota exceeded")}
	pub := newServiceBusPublisher(fs, 10, hclog.NewNullLogger())
	ctx := context.Background()

	require.NoError(t, pub.Publish(ctx, message(100)))
	assert.ErrorContains(t, pub.Flush(ctx), "quota exceeded")
	assert.Error(t, pub.Publish(ctx, message(200)))
	_, ok := pub.CheckpointPosition()
	assert.False(t, ok)
}

func TestDryRunPublisher(t *testing.T) {
	pub := NewDryRunPublisher(hclog.NewNullLogger())
	ctx := context.Background()

	_, ok := pub.CheckpointPosition()
	assert.False(t, ok)

	require.NoError(t, pub.Publish(ctx, message(100)))
	require.NoError(t, pub.Publish(ctx, message(200)))
	require.NoError(t, pub.Flush(ctx))

	pos, ok := pub.CheckpointPosition()
	require.True(t, ok)
	assert.Equal(t, at(200), pos)
}

func TestNewSelectsDryRun(t *testing.T) {
	pub, err := New(context.Background(), &config.Config{PublishDryRun: true, Publisher: config.PublisherConfig{Type: "kafka"}}, hclog.NewNullLogger())
	require.NoError(t, err)
	assert.IsType(t, &DryRunPublisher{}, pub)

	_, err = New(context.Background(), &config.Config{Publisher: config.PublisherConfig{Type: "nats"}}, hclog.NewNullLogger())
	assert.ErrorContains(t, err, "unsupported publisher type")
}

func TestTrackerIgnoresUnknownSequence(t *testing.T) {
	var tr positionTracker
	seq := tr.add(at(1))
	tr.done(seq+5, nil)
	assert.Equal(t, 1, tr.outstanding())
	tr.done(seq, nil)
	assert.Equal(t, 0, tr.outstanding())
	tr.done(seq, nil)
	pos, ok := tr.position()
	require.True(t, ok)
	assert.Equal(t, at(1), pos)
}
