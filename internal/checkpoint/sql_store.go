package checkpoint

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/katasec/dstream-ingester-mysql/pkg/cdc"
)

// Default checkpoint table name
const defaultCheckpointTableName = "replication_checkpoints"

// dialect holds the statements that differ between database engines.
type dialect struct {
	create string
	load   string
	upsert string
}

func dialectFor(driver, table string) (dialect, error) {
	switch driver {
	case "sqlserver":
		return dialect{
			create: fmt.Sprintf(`
	IF NOT EXISTS (SELECT * FROM sys.tables WHERE name = '%s')
	BEGIN
		CREATE TABLE %s (
			source_id NVARCHAR(255) PRIMARY KEY,
			position NVARCHAR(MAX) NOT NULL,
			clean_shutdown BIT NOT NULL,
			saved_at BIGINT NOT NULL
		);
	END`, table, table),
			load: fmt.Sprintf("SELECT position, clean_shutdown, saved_at FROM %s WITH (NOLOCK) WHERE source_id = @p1", table),
			upsert: fmt.Sprintf(`
	MERGE INTO %s AS target
	USING (VALUES (@p1, @p2, @p3, @p4)) AS source (source_id, position, clean_shutdown, saved_at)
	ON target.source_id = source.source_id
	WHEN MATCHED THEN
		UPDATE SET position = source.position, clean_shutdown = source.clean_shutdown, saved_at = source.saved_at
	WHEN NOT MATCHED THEN
		INSERT (source_id, position, clean_shutdown, saved_at)
		VALUES (source.source_id, source.position, source.clean_shutdown, source.saved_at);`, table),
		}, nil
	case "mysql":
		return dialect{
			create: fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			source_id VARCHAR(255) PRIMARY KEY,
			position TEXT NOT NULL,
			clean_shutdown TINYINT(1) NOT NULL,
			saved_at BIGINT NOT NULL
		)`, table),
			load: fmt.Sprintf("SELECT position, clean_shutdown, saved_at FROM %s WHERE source_id = ?", table),
			upsert: fmt.Sprintf(`INSERT INTO %s (source_id, position, clean_shutdown, saved_at) VALUES (?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE position = VALUES(position), clean_shutdown = VALUES(clean_shutdown), saved_at = VALUES(saved_at)`, table),
		}, nil
	case "sqlite":
		return dialect{
			create: fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			source_id TEXT PRIMARY KEY,
			position TEXT NOT NULL,
			clean_shutdown INTEGER NOT NULL,
			saved_at INTEGER NOT NULL
		)`, table),
			load: fmt.Sprintf("SELECT position, clean_shutdown, saved_at FROM %s WHERE source_id = ?", table),
			upsert: fmt.Sprintf(`INSERT INTO %s (source_id, position, clean_shutdown, saved_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(source_id) DO UPDATE SET position = excluded.position, clean_shutdown = excluded.clean_shutdown, saved_at = excluded.saved_at`, table),
		}, nil
	default:
		return dialect{}, fmt.Errorf("unsupported checkpoint dialect: %s", driver)
	}
}

// SQLStore keeps checkpoints in a table keyed by source id. saved_at is stored
// as unix milliseconds.
type SQLStore struct {
	dbConn  *sql.DB
	table   string
	dialect dialect
	log     hclog.Logger
}

// NewSQLStore creates the checkpoint table if it does not exist. The store owns dbConn.
func NewSQLStore(ctx context.Context, dbConn *sql.DB, driver, table string, log hclog.Logger) (*SQLStore, error) {
	if table == "" {
		table = defaultCheckpointTableName
	}
	d, err := dialectFor(driver, table)
	if err != nil {
		return nil, err
	}

	if _, err := dbConn.ExecContext(ctx, d.create); err != nil {
		return nil, fmt.Errorf("failed to create %s table: %w", table, err)
	}
	log.Info("Initialized checkpoints table", "table", table, "dialect", driver)

	return &SQLStore{dbConn: dbConn, table: table, dialect: d, log: log}, nil
}

// Load retrieves the checkpoint of sourceID, or nil if none was saved.
func (s *SQLStore) Load(ctx context.Context, sourceID string) (*cdc.Checkpoint, error) {
	var (
		rawPosition string
		clean       bool
		savedAtMs   int64
	)
	err := s.dbConn.QueryRowContext(ctx, s.dialect.load, sourceID).Scan(&rawPosition, &clean, &savedAtMs)
	if errors.Is(err, sql.ErrNoRows) {
		s.log.Info("No previous checkpoint", "source", sourceID)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint for %s: %w", sourceID, err)
	}

	pos, err := cdc.UnmarshalPosition([]byte(rawPosition))
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint for %s: %w", sourceID, err)
	}
	return &cdc.Checkpoint{
		Position:      pos,
		CleanShutdown: clean,
		SavedAt:       time.UnixMilli(savedAtMs).UTC(),
	}, nil
}

// Save upserts the checkpoint of sourceID. A position before the stored one is rejected.
func (s *SQLStore) Save(ctx context.Context, sourceID string, cp cdc.Checkpoint) error {
	existing, err := s.Load(ctx, sourceID)
	if err != nil {
		return err
	}
	if err := checkMonotonic(sourceID, existing, cp); err != nil {
		return err
	}

	raw, err := cp.Position.Marshal()
	if err != nil {
		return fmt.Errorf("failed to encode checkpoint for %s: %w", sourceID, err)
	}
	if _, err := s.dbConn.ExecContext(ctx, s.dialect.upsert, sourceID, string(raw), cp.CleanShutdown, cp.SavedAt.UnixMilli()); err != nil {
		return fmt.Errorf("failed to save checkpoint for %s: %w", sourceID, err)
	}

	s.log.Info("Saved checkpoint", "source", sourceID, "position", cp.Position, "clean_shutdown", cp.CleanShutdown)
	return nil
}

func (s *SQLStore) Close() error {
	return s.dbConn.Close()
}
