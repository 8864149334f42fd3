package publisher

import (
	"context"
	"sync/atomic"

	"github.com/hashicorp/go-hclog"

	"github.com/katasec/dstream-ingester-mysql/pkg/cdc"
)

// DryRunPublisher acknowledges every message immediately without sending it.
type DryRunPublisher struct {
	tracker   positionTracker
	published atomic.Int64
	log       hclog.Logger
}

func NewDryRunPublisher(log hclog.Logger) *DryRunPublisher {
	return &DryRunPublisher{log: log}
}

func (p *DryRunPublisher) Publish(ctx context.Context, msg *cdc.ChangeMessage) error {
	p.tracker.done(p.tracker.add(msg.UpstreamPositionInfo.Position), nil)
	p.published.Add(1)
	p.log.Trace("Dry run publish", "topic", msg.Topic, "type", msg.MessageType, "position", msg.UpstreamPositionInfo.Position)
	return nil
}

func (p *DryRunPublisher) Flush(ctx context.Context) error {
	p.log.Debug("Dry run flush", "published", p.published.Load())
	return nil
}

func (p *DryRunPublisher) CheckpointPosition() (cdc.Position, bool) {
	return p.tracker.position()
}

func (p *DryRunPublisher) Close() error { return nil }
