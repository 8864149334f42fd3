// Package publisher delivers change messages to a message bus.
package publisher

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/hashicorp/go-hclog"

	"github.com/katasec/dstream-ingester-mysql/internal/config"
	"github.com/katasec/dstream-ingester-mysql/pkg/cdc"
)

// New builds the publisher selected by the configuration. With publish_dry_run
// set, messages are acknowledged without being sent.
func New(ctx context.Context, cfg *config.Config, log hclog.Logger) (cdc.Publisher, error) {
	log = log.Named("publisher")
	if cfg.PublishDryRun {
		log.Info("Publish dry run enabled, messages will not be sent")
		return NewDryRunPublisher(log), nil
	}

	switch cfg.Publisher.Type {
	case "kafka":
		return NewKafkaPublisher(cfg.Publisher, log)
	case "servicebus":
		return NewServiceBusPublisher(cfg.Publisher, log)
	default:
		return nil, fmt.Errorf("unsupported publisher type: %s", cfg.Publisher.Type)
	}
}

func encode(msg *cdc.ChangeMessage) (key, value []byte, err error) {
	value, err = json.Marshal(msg)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to encode message for %s: %w", msg.Topic, err)
	}
	key, err = json.Marshal(msg.KeyValues())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to encode key for %s: %w", msg.Topic, err)
	}
	return key, value, nil
}

// headers are attached to every message alongside the JSON body.
func headers(msg *cdc.ChangeMessage) map[string]string {
	return map[string]string{
		"message_type": msg.MessageType,
		"schema_id":    strconv.FormatInt(msg.SchemaID, 10),
		"contains_pii": strconv.FormatBool(msg.ContainsPII),
		"dry_run":      strconv.FormatBool(msg.DryRun),
	}
}
