// Package message turns data changes into outbound change messages.
package message

import (
	"errors"
	"fmt"

	"github.com/katasec/dstream-ingester-mysql/pkg/cdc"
)

// ErrMissingKey is returned when a primary key column is absent from a row.
var ErrMissingKey = errors.New("primary key missing from row")

const (
	fieldTableSchema = "table_schema"
	fieldTableName   = "table_name"
)

// Projection selects the row fields carried in payload_data. Primary key
// columns are always included.
type Projection struct {
	IncludeIdentifiers bool
	Fields             []string
	FullRow            bool
}

// Builder assembles ChangeMessages.
type Builder struct {
	clusterName string
	projection  Projection
	pii         cdc.PIIClassifier
}

func NewBuilder(clusterName string, projection Projection, pii cdc.PIIClassifier) *Builder {
	return &Builder{clusterName: clusterName, projection: projection, pii: pii}
}

// Build creates the message for one row change at pos.
func (b *Builder) Build(info cdc.SchemaInfo, ev *cdc.DataChange, pos cdc.Position, registerDryRun bool) (*cdc.ChangeMessage, error) {
	payload, err := b.payload(info, ev, ev.Row)
	if err != nil {
		return nil, err
	}

	containsPII, err := b.pii.TableHasPII(ev.Database, ev.Table)
	if err != nil {
		return nil, fmt.Errorf("failed to classify %s.%s: %w", ev.Database, ev.Table, err)
	}

	msg := &cdc.ChangeMessage{
		MessageType: ev.Operation.MessageType(),
		Topic:       info.Topic,
		SchemaID:    info.SchemaID,
		Keys:        append([]string(nil), info.PrimaryKeys...),
		PayloadData: payload,
		UpstreamPositionInfo: cdc.UpstreamPositionInfo{
			Position:     pos,
			ClusterName:  b.clusterName,
			DatabaseName: ev.Database,
			TableName:    ev.Table,
		},
		ContainsPII: containsPII,
		Timestamp:   ev.Timestamp,
		Meta:        []string{pos.TransactionID},
		DryRun:      registerDryRun,
	}

	if ev.Operation == cdc.Update {
		if msg.PreviousPayloadData, err = b.payload(info, ev, ev.Before); err != nil {
			return nil, fmt.Errorf("before image: %w", err)
		}
	}
	return msg, nil
}

func (b *Builder) payload(info cdc.SchemaInfo, ev *cdc.DataChange, row map[string]any) (map[string]any, error) {
	out := make(map[string]any)
	if b.projection.FullRow {
		for k, v := range row {
			out[k] = v
		}
	} else {
		for _, f := range b.projection.Fields {
			if v, ok := row[f]; ok {
				out[f] = v
			}
		}
	}

	for _, key := range info.PrimaryKeys {
		v, ok := row[key]
		if !ok {
			return nil, fmt.Errorf("%w: %s.%s.%s", ErrMissingKey, ev.Database, ev.Table, key)
		}
		out[key] = v
	}

	if b.projection.IncludeIdentifiers {
		if _, ok := out[fieldTableSchema]; !ok {
			out[fieldTableSchema] = ev.Database
		}
		if _, ok := out[fieldTableName]; !ok {
			out[fieldTableName] = ev.Table
		}
	}
	return out, nil
}
