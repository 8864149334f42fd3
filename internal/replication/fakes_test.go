package replication

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/katasec/dstream-ingester-mysql/pkg/cdc"
)

type fakeLocks struct {
	mu       sync.Mutex
	err      error
	block    bool
	waiting  chan struct{}
	lost     chan error
	acquired int
	released int
}

func (f *fakeLocks) Acquire(ctx context.Context, path, sourceID string, timeout time.Duration) (cdc.LockHandle, error) {
	if f.block {
		close(f.waiting)
		<-ctx.Done()
		return nil, ctx.Err()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.acquired++
	return f, nil
}

func (f *fakeLocks) Lost() <-chan error {
	return f.lost
}

func (f *fakeLocks) releases() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.released
}

func (f *fakeLocks) Release(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released++
	return nil
}

// scriptedStream emits its events, then ends with io.EOF or blocks until cancelled.
type scriptedStream struct {
	mu     sync.Mutex
	events []cdc.StreamEvent
	eof    bool
	closed bool
}

func (s *scriptedStream) Next(ctx context.Context) (cdc.StreamEvent, error) {
	s.mu.Lock()
	if len(s.events) > 0 {
		ev := s.events[0]
		s.events = s.events[1:]
		s.mu.Unlock()
		return ev, nil
	}
	eof := s.eof
	s.mu.Unlock()
	if eof {
		return nil, io.EOF
	}
	<-ctx.Done()
	return nil, ctx.Err()
}

func (s *scriptedStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

type fakeSource struct {
	mu     sync.Mutex
	stream *scriptedStream
	opened int
	from   *cdc.Position
}

func (f *fakeSource) Open(ctx context.Context, from *cdc.Position) (cdc.Stream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opened++
	f.from = from
	return f.stream, nil
}

type memStore struct {
	mu      sync.Mutex
	current *cdc.Checkpoint
	saves   []cdc.Checkpoint
	loads   int
	saveErr error
}

func (m *memStore) Load(ctx context.Context, sourceID string) (*cdc.Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loads++
	return m.current, nil
}

func (m *memStore) Save(ctx context.Context, sourceID string, cp cdc.Checkpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	m.saves = append(m.saves, cp)
	m.current = &cp
	return nil
}

func (m *memStore) Close() error { return nil }

func (m *memStore) savedCheckpoints() []cdc.Checkpoint {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]cdc.Checkpoint(nil), m.saves...)
}

// fakePublisher acknowledges on Flush.
type fakePublisher struct {
	mu            sync.Mutex
	published     []*cdc.ChangeMessage
	unacked       []cdc.Position
	acked         *cdc.Position
	flushes       int
	positionCalls int
}

func (p *fakePublisher) Publish(ctx context.Context, msg *cdc.ChangeMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.published = append(p.published, msg)
	p.unacked = append(p.unacked, msg.UpstreamPositionInfo.Position)
	return nil
}

func (p *fakePublisher) Flush(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.flushes++
	if n := len(p.unacked); n > 0 {
		last := p.unacked[n-1]
		p.acked = &last
		p.unacked = nil
	}
	return nil
}

func (p *fakePublisher) CheckpointPosition() (cdc.Position, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.positionCalls++
	if p.acked == nil {
		return cdc.Position{}, false
	}
	return *p.acked, true
}

func (p *fakePublisher) Close() error { return nil }

func (p *fakePublisher) counts() (flushes, positionCalls int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.flushes, p.positionCalls
}

// recorder logs handled positions in order and publishes data events as-is.
type recorder struct {
	mu        sync.Mutex
	order     []cdc.Position
	handled   chan cdc.StreamEvent
	entered   chan struct{}
	publisher *fakePublisher
	gate      chan struct{}
}

func newRecorder(p *fakePublisher) *recorder {
	return &recorder{
		handled:   make(chan cdc.StreamEvent, 64),
		entered:   make(chan struct{}, 64),
		publisher: p,
	}
}

func (r *recorder) record(ev cdc.StreamEvent) {
	r.mu.Lock()
	r.order = append(r.order, ev.EventPosition())
	r.mu.Unlock()
	r.handled <- ev
}

func (r *recorder) positions() []cdc.Position {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]cdc.Position(nil), r.order...)
}

type schemaRecorder struct{ *recorder }

func (s schemaRecorder) Handle(ctx context.Context, ev *cdc.SchemaChange) error {
	s.record(ev)
	return nil
}

type dataRecorder struct{ *recorder }

func (d dataRecorder) Handle(ctx context.Context, ev *cdc.DataChange) error {
	d.entered <- struct{}{}
	if d.gate != nil {
		<-d.gate
	}
	err := d.publisher.Publish(ctx, &cdc.ChangeMessage{UpstreamPositionInfo: cdc.UpstreamPositionInfo{Position: ev.Position}})
	d.record(ev)
	return err
}
