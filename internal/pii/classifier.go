// Package pii decides whether a table holds personally identifiable information.
package pii

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/hashicorp/go-hclog"
	"gopkg.in/yaml.v3"

	"github.com/katasec/dstream-ingester-mysql/pkg/cdc"
)

// File is the layout of the PII yaml file:
//
//	pii_tables:
//	  - database: shop
//	    table: users
//	  - database: hr
//	    table: "*"
type File struct {
	Tables []TableEntry `yaml:"pii_tables"`
}

type TableEntry struct {
	Database string `yaml:"database"`
	Table    string `yaml:"table"`
}

// Classifier answers TableHasPII from a yaml file and remembers each answer.
type Classifier struct {
	tables    map[cdc.TableRef]bool
	databases map[string]bool
	log       hclog.Logger

	mu    sync.RWMutex
	cache map[cdc.TableRef]bool
}

// Load reads the PII definition at path. An empty path yields a classifier
// that reports no PII for every table.
func Load(path string, log hclog.Logger) (*Classifier, error) {
	log = log.Named("pii")
	var f File
	if path == "" {
		log.Warn("No pii_yaml_path configured, all tables are treated as free of PII")
	} else {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read PII definitions %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &f); err != nil {
			return nil, fmt.Errorf("failed to parse PII definitions %s: %w", path, err)
		}
	}
	return New(f, log), nil
}

func New(f File, log hclog.Logger) *Classifier {
	c := &Classifier{
		tables:    make(map[cdc.TableRef]bool),
		databases: make(map[string]bool),
		cache:     make(map[cdc.TableRef]bool),
		log:       log,
	}
	for _, t := range f.Tables {
		db := strings.ToLower(t.Database)
		if t.Table == "*" {
			c.databases[db] = true
			continue
		}
		c.tables[cdc.TableRef{Database: db, Table: strings.ToLower(t.Table)}] = true
	}
	log.Debug("Loaded PII definitions", "tables", len(c.tables), "databases", len(c.databases))
	return c
}

// TableHasPII reports whether database.table is listed, directly or through its database.
func (c *Classifier) TableHasPII(database, table string) (bool, error) {
	ref := cdc.TableRef{Database: strings.ToLower(database), Table: strings.ToLower(table)}

	c.mu.RLock()
	hasPII, ok := c.cache[ref]
	c.mu.RUnlock()
	if ok {
		return hasPII, nil
	}

	hasPII = c.databases[ref.Database] || c.tables[ref]
	c.mu.Lock()
	c.cache[ref] = hasPII
	c.mu.Unlock()
	return hasPII, nil
}
