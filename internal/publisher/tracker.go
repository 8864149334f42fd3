package publisher

import (
	"sync"

	"github.com/katasec/dstream-ingester-mysql/pkg/cdc"
)

// positionTracker follows in-flight messages in publish order. The watermark is
// the position of the newest message such that it and every earlier message
// has been acknowledged. The first delivery failure is kept.
type positionTracker struct {
	mu        sync.Mutex
	base      uint64
	inflight  []trackedPosition
	watermark cdc.Position
	hasMark   bool
	err       error
}

type trackedPosition struct {
	pos  cdc.Position
	done bool
}

func (t *positionTracker) add(pos cdc.Position) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.inflight = append(t.inflight, trackedPosition{pos: pos})
	return t.base + uint64(len(t.inflight)) - 1
}

func (t *positionTracker) done(seq uint64, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err != nil {
		if t.err == nil {
			t.err = err
		}
		return
	}
	if seq < t.base || seq-t.base >= uint64(len(t.inflight)) {
		return
	}
	t.inflight[seq-t.base].done = true
	for len(t.inflight) > 0 && t.inflight[0].done {
		t.watermark = t.inflight[0].pos
		t.hasMark = true
		t.inflight = t.inflight[1:]
		t.base++
	}
}

func (t *positionTracker) position() (cdc.Position, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.watermark, t.hasMark
}

func (t *positionTracker) failure() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

func (t *positionTracker) outstanding() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.inflight)
}
