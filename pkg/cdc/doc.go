// Package cdc provides the public interfaces and types for the MySQL replication handler.
//
// The package defines the values that flow through the handler, like Position for
// binlog coordinates, StreamEvent for decoded change-log entries and ChangeMessage for
// the enriched messages handed to the message bus. It also defines the contracts of
// the collaborators the handler drives, so they can be swapped or faked in tests.
//
// Key Components:
//   - StreamSource / Stream: ordered, resumable change-log reader
//   - CheckpointStore: persistence for clean-shutdown positions
//   - LockService / LockHandle: single-instance guard per source
//   - SchemaRegistry, PIIClassifier: enrichment lookups
//   - Publisher: message bus producer with flush and checkpoint reporting
package cdc
