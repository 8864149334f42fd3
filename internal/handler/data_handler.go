package handler

import (
	"context"
	"fmt"

	"github.com/hashicorp/go-hclog"

	"github.com/katasec/dstream-ingester-mysql/pkg/cdc"
)

// MessageBuilder builds the outbound message of a row change.
type MessageBuilder interface {
	Build(info cdc.SchemaInfo, ev *cdc.DataChange, pos cdc.Position, registerDryRun bool) (*cdc.ChangeMessage, error)
}

// DataHandler registers the table schema, builds the message and publishes it.
type DataHandler struct {
	registry       cdc.SchemaRegistry
	builder        MessageBuilder
	publisher      cdc.Publisher
	registerDryRun bool
	log            hclog.Logger
}

func NewDataHandler(registry cdc.SchemaRegistry, builder MessageBuilder, publisher cdc.Publisher, registerDryRun bool, log hclog.Logger) *DataHandler {
	return &DataHandler{
		registry:       registry,
		builder:        builder,
		publisher:      publisher,
		registerDryRun: registerDryRun,
		log:            log.Named("data_handler"),
	}
}

func (h *DataHandler) Handle(ctx context.Context, ev *cdc.DataChange) error {
	table := cdc.TableRef{Database: ev.Database, Table: ev.Table}
	info, err := h.registry.RegisterOrFetch(ctx, table, h.registerDryRun)
	if err != nil {
		return fmt.Errorf("data event at %s: %w", ev.Position, err)
	}

	msg, err := h.builder.Build(info, ev, ev.Position, h.registerDryRun)
	if err != nil {
		return fmt.Errorf("data event at %s: %w", ev.Position, err)
	}

	if err := h.publisher.Publish(ctx, msg); err != nil {
		return fmt.Errorf("data event at %s: %w", ev.Position, err)
	}
	h.log.Trace("Published", "topic", msg.Topic, "type", msg.MessageType, "position", ev.Position)
	return nil
}
