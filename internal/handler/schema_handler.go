// Package handler processes classified stream events.
package handler

import (
	"context"
	"errors"
	"fmt"

	"github.com/hashicorp/go-hclog"

	"github.com/katasec/dstream-ingester-mysql/internal/schema"
	"github.com/katasec/dstream-ingester-mysql/pkg/cdc"
)

// SchemaHandler keeps registered schemas in step with DDL. It never checkpoints:
// after a restart the statement is simply read and applied again.
type SchemaHandler struct {
	registry       cdc.SchemaRegistry
	registerDryRun bool
	log            hclog.Logger
}

func NewSchemaHandler(registry cdc.SchemaRegistry, registerDryRun bool, log hclog.Logger) *SchemaHandler {
	return &SchemaHandler{registry: registry, registerDryRun: registerDryRun, log: log.Named("schema_handler")}
}

func (h *SchemaHandler) Handle(ctx context.Context, ev *cdc.SchemaChange) error {
	ddl, ok := schema.ParseDDL(ev.Statement, ev.Database)
	if !ok {
		h.log.Debug("Skipping statement without table changes", "database", ev.Database, "position", ev.Position)
		return nil
	}

	for _, table := range ddl.Dropped {
		h.registry.Invalidate(table)
		h.log.Info("Table dropped or renamed", "table", table)
	}
	for _, table := range ddl.Changed {
		h.registry.Invalidate(table)
		info, err := h.registry.RegisterOrFetch(ctx, table, h.registerDryRun)
		if errors.Is(err, schema.ErrTableNotFound) {
			// replaying history for a table dropped since
			h.log.Warn("Table no longer exists, skipping registration", "table", table)
			continue
		}
		if err != nil {
			return fmt.Errorf("schema event at %s: %w", ev.Position, err)
		}
		h.log.Info("Schema updated", "table", table, "topic", info.Topic, "schema_id", info.SchemaID, "dry_run", h.registerDryRun)
	}
	return nil
}
