package publisher

import (
	"context"
	"crypto/tls"
	"fmt"

	"github.com/hashicorp/go-hclog"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/sasl"
	"github.com/twmb/franz-go/pkg/sasl/plain"
	"github.com/twmb/franz-go/pkg/sasl/scram"

	"github.com/katasec/dstream-ingester-mysql/internal/config"
	"github.com/katasec/dstream-ingester-mysql/pkg/cdc"
)

// producer abstracts the kafka client methods used by KafkaPublisher for testing.
type producer interface {
	Produce(ctx context.Context, r *kgo.Record, promise func(*kgo.Record, error))
	Flush(ctx context.Context) error
	Close()
}

// KafkaPublisher produces messages asynchronously, one topic per table.
type KafkaPublisher struct {
	client  producer
	tracker positionTracker
	log     hclog.Logger
}

// NewKafkaPublisher creates a new Kafka publisher. This supports SASL authentication and TLS.
func NewKafkaPublisher(cfg config.PublisherConfig, log hclog.Logger) (*KafkaPublisher, error) {
	opts, err := clientOptions(cfg)
	if err != nil {
		return nil, err
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("kafka publisher client: %w", err)
	}
	log.Info("Kafka publisher created", "brokers", cfg.Brokers)
	return &KafkaPublisher{client: client, log: log}, nil
}

func clientOptions(cfg config.PublisherConfig) ([]kgo.Opt, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("missing required config: publisher.brokers")
	}
	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.AllowAutoTopicCreation(),
	}

	if cfg.SASLMechanism != "" {
		var mechanism sasl.Mechanism
		switch cfg.SASLMechanism {
		case "PLAIN":
			mechanism = plain.Auth{User: cfg.SASLUsername, Pass: cfg.SASLPassword}.AsMechanism()
		case "SCRAM-SHA-256":
			mechanism = scram.Auth{User: cfg.SASLUsername, Pass: cfg.SASLPassword}.AsSha256Mechanism()
		case "SCRAM-SHA-512":
			mechanism = scram.Auth{User: cfg.SASLUsername, Pass: cfg.SASLPassword}.AsSha512Mechanism()
		default:
			return nil, fmt.Errorf("unsupported SASL mechanism: %s", cfg.SASLMechanism)
		}
		opts = append(opts, kgo.SASL(mechanism))
	}

	if cfg.TLS {
		opts = append(opts, kgo.DialTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12}))
	}
	return opts, nil
}

// Publish queues msg for delivery. A failed earlier delivery is returned instead.
func (p *KafkaPublisher) Publish(ctx context.Context, msg *cdc.ChangeMessage) error {
	if err := p.tracker.failure(); err != nil {
		return fmt.Errorf("kafka publish: %w", err)
	}

	key, value, err := encode(msg)
	if err != nil {
		return err
	}
	record := &kgo.Record{Topic: msg.Topic, Key: key, Value: value}
	for k, v := range headers(msg) {
		record.Headers = append(record.Headers, kgo.RecordHeader{Key: k, Value: []byte(v)})
	}

	seq := p.tracker.add(msg.UpstreamPositionInfo.Position)
	// Buffered records must survive cancellation of the caller so they can be flushed at shutdown.
	p.client.Produce(context.WithoutCancel(ctx), record, func(r *kgo.Record, err error) {
		if err != nil {
			p.log.Error("Kafka delivery failed", "topic", r.Topic, "error", err)
		}
		p.tracker.done(seq, err)
	})
	return nil
}

// Flush waits for every queued record to be acknowledged.
func (p *KafkaPublisher) Flush(ctx context.Context) error {
	if err := p.client.Flush(ctx); err != nil {
		return fmt.Errorf("kafka flush: %w", err)
	}
	if err := p.tracker.failure(); err != nil {
		return fmt.Errorf("kafka publish: %w", err)
	}
	return nil
}

func (p *KafkaPublisher) CheckpointPosition() (cdc.Position, bool) {
	return p.tracker.position()
}

// Close shuts down the publisher.
func (p *KafkaPublisher) Close() error {
	p.client.Close()
	return nil
}
