package cdc

import (
	"time"
)

// ChangeType represents the type of change detected in a table
type ChangeType string

const (
	// Insert represents a new row being added
	Insert ChangeType = "insert"
	// Update represents a row being modified
	Update ChangeType = "update"
	// Delete represents a row being removed
	Delete ChangeType = "delete"
)

// MessageType returns the outbound message type name for a change type.
func (c ChangeType) MessageType() string {
	switch c {
	case Insert:
		return "create"
	case Update:
		return "update"
	case Delete:
		return "delete"
	default:
		return "unknown"
	}
}

// EventCategory is the coarse kind of the event the dispatcher is working on.
type EventCategory int32

const (
	CategoryNone EventCategory = iota
	CategorySchemaEvent
	CategoryDataEvent
)

func (c EventCategory) String() string {
	switch c {
	case CategorySchemaEvent:
		return "schema_event"
	case CategoryDataEvent:
		return "data_event"
	default:
		return "none"
	}
}

// Checkpoint is the persisted resume point of a source.
type Checkpoint struct {
	Position      Position  `json:"position"`
	CleanShutdown bool      `json:"clean_shutdown"`
	SavedAt       time.Time `json:"saved_at"`
}

// StreamEvent is a decoded change-log entry. The set of implementations is closed:
// *SchemaChange, *DataChange and *Unsupported.
type StreamEvent interface {
	EventPosition() Position
	streamEvent()
}

// SchemaChange is a schema-altering statement read from the change log.
type SchemaChange struct {
	Database  string
	Statement string
	Timestamp time.Time
	Position  Position
}

// DataChange is a single row mutation. Row holds the after-image for inserts and
// updates and the deleted row for deletes. Before is only set for updates.
type DataChange struct {
	Database  string
	Table     string
	Operation ChangeType
	Row       map[string]any
	Before    map[string]any
	Timestamp time.Time
	Position  Position
}

// Unsupported wraps a change-log entry the handler has no classification for.
type Unsupported struct {
	TypeName string
	Position Position
}

func (e *SchemaChange) EventPosition() Position { return e.Position }
func (e *DataChange) EventPosition() Position   { return e.Position }
func (e *Unsupported) EventPosition() Position  { return e.Position }

func (*SchemaChange) streamEvent() {}
func (*DataChange) streamEvent()   {}
func (*Unsupported) streamEvent()  {}

// TableRef identifies a table within the source cluster.
type TableRef struct {
	Database string
	Table    string
}

func (t TableRef) String() string {
	return t.Database + "." + t.Table
}

// SchemaInfo is what the schema registry returns for a table.
type SchemaInfo struct {
	Topic       string   `json:"topic"`
	SchemaID    int64    `json:"schema_id"`
	PrimaryKeys []string `json:"primary_keys"`
}

// UpstreamPositionInfo ties a message back to where it came from.
type UpstreamPositionInfo struct {
	Position     Position `json:"position"`
	ClusterName  string   `json:"cluster_name"`
	DatabaseName string   `json:"database_name"`
	TableName    string   `json:"table_name"`
}

// ChangeMessage is the enriched message handed to the publisher.
type ChangeMessage struct {
	MessageType          string               `json:"message_type"`
	Topic                string               `json:"topic"`
	SchemaID             int64                `json:"schema_id"`
	Keys                 []string             `json:"keys"`
	PayloadData          map[string]any       `json:"payload_data"`
	PreviousPayloadData  map[string]any       `json:"previous_payload_data,omitempty"`
	UpstreamPositionInfo UpstreamPositionInfo `json:"upstream_position_info"`
	ContainsPII          bool                 `json:"contains_pii"`
	Timestamp            time.Time            `json:"timestamp"`
	Meta                 []string             `json:"meta"`
	DryRun               bool                 `json:"dry_run"`
}

// KeyValues returns the primary key values of the message in key order.
func (m *ChangeMessage) KeyValues() []any {
	values := make([]any, 0, len(m.Keys))
	for _, k := range m.Keys {
		values = append(values, m.PayloadData[k])
	}
	return values
}
