// Package schema registers table schemas and maps them to topics.
package schema

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/hashicorp/go-hclog"

	"github.com/katasec/dstream-ingester-mysql/pkg/cdc"
)

// ErrTableNotFound is returned when the source has no columns for a table.
var ErrTableNotFound = errors.New("table not found")

// Introspector reads table definitions from the source database.
type Introspector interface {
	GetColumnNames(ctx context.Context, schema, tableName string) ([]string, error)
	GetPrimaryKeys(ctx context.Context, schema, tableName string) ([]string, error)
}

// Registry derives SchemaInfo from the live table definition. Registered schemas
// are kept until invalidated by a schema change.
type Registry struct {
	meta        Introspector
	clusterName string
	log         hclog.Logger

	mu         sync.Mutex
	registered map[cdc.TableRef]cdc.SchemaInfo
}

func NewRegistry(meta Introspector, clusterName string, log hclog.Logger) *Registry {
	return &Registry{
		meta:        meta,
		clusterName: clusterName,
		log:         log.Named("schema"),
		registered:  make(map[cdc.TableRef]cdc.SchemaInfo),
	}
}

// RegisterOrFetch returns the registered schema of table, registering it first if
// needed. In dry run the schema is computed but not recorded.
func (r *Registry) RegisterOrFetch(ctx context.Context, table cdc.TableRef, dryRun bool) (cdc.SchemaInfo, error) {
	r.mu.Lock()
	info, ok := r.registered[table]
	r.mu.Unlock()
	if ok {
		return info, nil
	}

	columns, err := r.meta.GetColumnNames(ctx, table.Database, table.Table)
	if err != nil {
		return cdc.SchemaInfo{}, fmt.Errorf("failed to register schema for %s: %w", table, err)
	}
	if len(columns) == 0 {
		return cdc.SchemaInfo{}, fmt.Errorf("failed to register schema for %s: %w", table, ErrTableNotFound)
	}
	keys, err := r.meta.GetPrimaryKeys(ctx, table.Database, table.Table)
	if err != nil {
		return cdc.SchemaInfo{}, fmt.Errorf("failed to register schema for %s: %w", table, err)
	}

	info = cdc.SchemaInfo{
		Topic:       TopicName(r.clusterName, table),
		SchemaID:    SchemaID(table, columns),
		PrimaryKeys: keys,
	}

	if dryRun {
		r.log.Debug("Dry run schema registration", "table", table, "topic", info.Topic, "schema_id", info.SchemaID)
		return info, nil
	}

	r.mu.Lock()
	r.registered[table] = info
	r.mu.Unlock()
	r.log.Info("Registered schema", "table", table, "topic", info.Topic, "schema_id", info.SchemaID, "keys", keys)
	return info, nil
}

// Invalidate forgets the registered schema of table.
func (r *Registry) Invalidate(table cdc.TableRef) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.registered[table]; ok {
		delete(r.registered, table)
		r.log.Debug("Invalidated schema", "table", table)
	}
}

// TopicName is "<cluster>.<database>.<table>".
func TopicName(clusterName string, table cdc.TableRef) string {
	return strings.Join([]string{clusterName, table.Database, table.Table}, ".")
}

// SchemaID is a stable id for a table definition; it changes whenever the column list does.
func SchemaID(table cdc.TableRef, columns []string) int64 {
	d := xxhash.New()
	d.WriteString(table.Database)
	d.WriteString(".")
	d.WriteString(table.Table)
	for _, c := range columns {
		d.WriteString("\x00")
		d.WriteString(c)
	}
	return int64(d.Sum64() & 0x7fffffff)
}
