package publisher

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azservicebus"
	"github.com/hashicorp/go-hclog"

	"github.com/katasec/dstream-ingester-mysql/internal/config"
	"github.com/katasec/dstream-ingester-mysql/pkg/cdc"
)

const defaultMaxBatch = 100

// messageSender sends a group of messages in order.
type messageSender interface {
	SendMessages(ctx context.Context, msgs []*azservicebus.Message) error
	Close(ctx context.Context) error
}

// ServiceBusPublisher buffers messages and sends them in batches to one queue or topic.
type ServiceBusPublisher struct {
	sender   messageSender
	maxBatch int
	log      hclog.Logger

	mu      sync.Mutex
	pending []*azservicebus.Message
	seqs    []uint64
	tracker positionTracker
}

func NewServiceBusPublisher(cfg config.PublisherConfig, log hclog.Logger) (*ServiceBusPublisher, error) {
	client, err := azservicebus.NewClientFromConnectionString(cfg.ConnectionString, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create Service Bus client: %w", err)
	}
	sender, err := client.NewSender(cfg.QueueName, nil)
	if err != nil {
		client.Close(context.Background())
		return nil, fmt.Errorf("failed to create Service Bus sender for %s: %w", cfg.QueueName, err)
	}
	log.Info("Service Bus publisher created", "queue", cfg.QueueName)
	return newServiceBusPublisher(&batchSender{client: client, sender: sender}, cfg.MaxBatch, log), nil
}

func newServiceBusPublisher(sender messageSender, maxBatch int, log hclog.Logger) *ServiceBusPublisher {
	if maxBatch <= 0 {
		maxBatch = defaultMaxBatch
	}
	return &ServiceBusPublisher{sender: sender, maxBatch: maxBatch, log: log}
}

// Publish buffers msg and sends the buffer once it holds maxBatch messages.
func (p *ServiceBusPublisher) Publish(ctx context.Context, msg *cdc.ChangeMessage) error {
	if err := p.tracker.failure(); err != nil {
		return fmt.Errorf("service bus publish: %w", err)
	}

	_, body, err := encode(msg)
	if err != nil {
		return err
	}
	props := make(map[string]any)
	for k, v := range headers(msg) {
		props[k] = v
	}
	props["topic"] = msg.Topic

	p.mu.Lock()
	defer p.mu.Unlock()
	p.pending = append(p.pending, &azservicebus.Message{
		Body:                  body,
		ContentType:           to.Ptr("application/json"),
		Subject:               to.Ptr(msg.Topic),
		ApplicationProperties: props,
	})
	p.seqs = append(p.seqs, p.tracker.add(msg.UpstreamPositionInfo.Position))

	if len(p.pending) >= p.maxBatch {
		return p.sendLocked(ctx)
	}
	return nil
}

// Flush sends everything buffered.
func (p *ServiceBusPublisher) Flush(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sendLocked(ctx)
}

func (p *ServiceBusPublisher) sendLocked(ctx context.Context) error {
	if len(p.pending) == 0 {
		return p.tracker.failure()
	}
	err := p.sender.SendMessages(ctx, p.pending)
	for _, seq := range p.seqs {
		p.tracker.done(seq, err)
	}
	if err != nil {
		return fmt.Errorf("service bus publish: %w", err)
	}
	p.log.Debug("Sent batch", "messages", len(p.pending))
	p.pending = p.pending[:0]
	p.seqs = p.seqs[:0]
	return nil
}

func (p *ServiceBusPublisher) CheckpointPosition() (cdc.Position, bool) {
	return p.tracker.position()
}

func (p *ServiceBusPublisher) Close() error {
	return p.sender.Close(context.Background())
}

// batchSender packs messages into as few Service Bus batches as their size allows.
type batchSender struct {
	client *azservicebus.Client
	sender *azservicebus.Sender
}

func (s *batchSender) SendMessages(ctx context.Context, msgs []*azservicebus.Message) error {
	batch, err := s.sender.NewMessageBatch(ctx, nil)
	if err != nil {
		return err
	}
	for i := 0; i < len(msgs); {
		err := batch.AddMessage(msgs[i], nil)
		if errors.Is(err, azservicebus.ErrMessageTooLarge) {
			if batch.NumMessages() == 0 {
				return fmt.Errorf("message %d does not fit in a batch: %w", i, err)
			}
			if err := s.sender.SendMessageBatch(ctx, batch, nil); err != nil {
				return err
			}
			if batch, err = s.sender.NewMessageBatch(ctx, nil); err != nil {
				return err
			}
			continue
		}
		if err != nil {
			return err
		}
		i++
	}
	if batch.NumMessages() > 0 {
		return s.sender.SendMessageBatch(ctx, batch, nil)
	}
	return nil
}

func (s *batchSender) Close(ctx context.Context) error {
	return errors.Join(s.sender.Close(ctx), s.client.Close(ctx))
}
