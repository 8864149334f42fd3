// Package binlog adapts the MySQL binlog replication protocol to cdc.Stream.
package binlog

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"time"

	"github.com/go-mysql-org/go-mysql/mysql"
	"github.com/go-mysql-org/go-mysql/replication"
	"github.com/hashicorp/go-hclog"

	"github.com/katasec/dstream-ingester-mysql/internal/config"
	"github.com/katasec/dstream-ingester-mysql/internal/db"
	"github.com/katasec/dstream-ingester-mysql/pkg/cdc"
)

const (
	// The first event of every binlog file starts after the 4 byte magic header.
	binlogHeaderSize = 4
	heartbeatPeriod  = 30 * time.Second
)

// ColumnResolver looks up column names when the binlog does not carry them
// (binlog_row_metadata=MINIMAL).
type ColumnResolver interface {
	GetColumnNames(ctx context.Context, schema, tableName string) ([]string, error)
}

// Source opens binlog streams against one MySQL server.
type Source struct {
	cfg     config.MySQLConfig
	conn    *sql.DB
	columns ColumnResolver
	log     hclog.Logger
}

// NewSource returns a Source. conn is used for metadata queries only.
func NewSource(cfg config.MySQLConfig, conn *sql.DB, log hclog.Logger) *Source {
	return &Source{
		cfg:     cfg,
		conn:    conn,
		columns: db.NewTableMetadata(conn),
		log:     log.Named("binlog"),
	}
}

// Open starts replication. With a position, reading restarts at the beginning of
// its transaction and everything up to and including the position is skipped.
// Without one, reading starts at the current head of the binlog.
func (s *Source) Open(ctx context.Context, from *cdc.Position) (cdc.Stream, error) {
	var start mysql.Position
	if from != nil && !from.IsZero() {
		start = mysql.Position{Name: from.LogFile, Pos: from.TxnPos}
	} else {
		head, err := currentHead(ctx, s.conn)
		if err != nil {
			return nil, err
		}
		start = head
		from = nil
	}
	if start.Pos < binlogHeaderSize {
		start.Pos = binlogHeaderSize
	}

	syncer := replication.NewBinlogSyncer(replication.BinlogSyncerConfig{
		ServerID:        uint32(s.cfg.ServerID),
		Flavor:          s.cfg.Flavor,
		Host:            s.cfg.Host,
		Port:            uint16(s.cfg.Port),
		User:            s.cfg.User,
		Password:        s.cfg.Password,
		HeartbeatPeriod: heartbeatPeriod,
	})
	streamer, err := syncer.StartSync(start)
	if err != nil {
		syncer.Close()
		return nil, fmt.Errorf("failed to start binlog sync at %s: %w", start, err)
	}

	s.log.Info("Binlog stream opened", "file", start.Name, "pos", start.Pos, "resume_after", from)
	return newStream(streamer, syncer.Close, start.Name, from, s.columns, s.log), nil
}

// currentHead returns the binlog coordinates the server is currently writing at.
// SHOW MASTER STATUS was renamed in MySQL 8.4.
func currentHead(ctx context.Context, conn *sql.DB) (mysql.Position, error) {
	var lastErr error
	for _, query := range []string{"SHOW MASTER STATUS", "SHOW BINARY LOG STATUS"} {
		pos, err := queryHead(ctx, conn, query)
		if err == nil {
			return pos, nil
		}
		lastErr = err
	}
	return mysql.Position{}, fmt.Errorf("failed to read current binlog position: %w", lastErr)
}

func queryHead(ctx context.Context, conn *sql.DB, query string) (mysql.Position, error) {
	rows, err := conn.QueryContext(ctx, query)
	if err != nil {
		return mysql.Position{}, err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return mysql.Position{}, err
	}
	if len(cols) < 2 {
		return mysql.Position{}, fmt.Errorf("unexpected %s result with %d columns", query, len(cols))
	}
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return mysql.Position{}, err
		}
		return mysql.Position{}, fmt.Errorf("binary logging is not enabled")
	}

	values := make([]sql.RawBytes, len(cols))
	dest := make([]any, len(cols))
	for i := range values {
		dest[i] = &values[i]
	}
	if err := rows.Scan(dest...); err != nil {
		return mysql.Position{}, err
	}

	pos, err := strconv.ParseUint(string(values[1]), 10, 32)
	if err != nil {
		return mysql.Position{}, fmt.Errorf("invalid binlog position %q: %w", values[1], err)
	}
	return mysql.Position{Name: string(values[0]), Pos: uint32(pos)}, nil
}
