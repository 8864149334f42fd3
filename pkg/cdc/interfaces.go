package cdc

import (
	"context"
	"time"
)

// Stream is an open, ordered change-log reader. Next blocks until an event is
// available and returns io.EOF once the stream is exhausted.
type Stream interface {
	Next(ctx context.Context) (StreamEvent, error)
	Close() error
}

// StreamSource opens streams. A nil position means the source's default start,
// which for a binlog is the current head of the log.
type StreamSource interface {
	Open(ctx context.Context, from *Position) (Stream, error)
}

// CheckpointStore persists checkpoints per source. Load returns nil, nil when no
// checkpoint has been saved yet.
type CheckpointStore interface {
	Load(ctx context.Context, sourceID string) (*Checkpoint, error)
	Save(ctx context.Context, sourceID string, cp Checkpoint) error
	Close() error
}

// LockHandle is ownership of the source lock. It is released once, at teardown.
type LockHandle interface {
	Release(ctx context.Context) error

	// Lost delivers at most one error, when ownership can no longer be
	// guaranteed. The holder must stop working on the source.
	Lost() <-chan error
}

// LockService grants the source-scoped exclusive lock.
type LockService interface {
	Acquire(ctx context.Context, path, sourceID string, timeout time.Duration) (LockHandle, error)
}

// SchemaRegistry registers or fetches table schemas. With dryRun set the
// registration logic runs but nothing is persisted.
type SchemaRegistry interface {
	RegisterOrFetch(ctx context.Context, table TableRef, dryRun bool) (SchemaInfo, error)
	Invalidate(table TableRef)
}

// PIIClassifier reports whether a table holds personally identifiable information.
type PIIClassifier interface {
	TableHasPII(database, table string) (bool, error)
}

// Publisher is a message bus producer.
type Publisher interface {
	// Publish hands a message to the bus. Delivery may complete asynchronously; a
	// failed delivery surfaces on a later Publish or Flush.
	Publish(ctx context.Context, msg *ChangeMessage) error

	// Flush blocks until every message handed to Publish is delivered or failed.
	Flush(ctx context.Context) error

	// CheckpointPosition returns the latest position up to which every published
	// message has been durably accepted.
	CheckpointPosition() (Position, bool)

	// Close releases any resources used by the publisher
	Close() error
}
