package db

import (
	"context"
	"database/sql"
	"fmt"
)

// TableMetadata reads column and key definitions from information_schema.
type TableMetadata struct {
	db *sql.DB
}

func NewTableMetadata(db *sql.DB) *TableMetadata {
	return &TableMetadata{db: db}
}

// GetColumnNames returns the columns of a table in ordinal order.
func (m *TableMetadata) GetColumnNames(ctx context.Context, schema, tableName string) ([]string, error) {
	query := `SELECT COLUMN_NAME FROM information_schema.COLUMNS
		WHERE TABLE_SCHEMA = ? AND TABLE_NAME = ?
		ORDER BY ORDINAL_POSITION`
	columns, err := queryStrings(ctx, m.db, query, schema, tableName)
	if err != nil {
		return nil, fmt.Errorf("failed to read columns of %s.%s: %w", schema, tableName, err)
	}
	return columns, nil
}

// GetPrimaryKeys returns the primary key columns of a table in key order.
func (m *TableMetadata) GetPrimaryKeys(ctx context.Context, schema, tableName string) ([]string, error) {
	query := `SELECT COLUMN_NAME FROM information_schema.KEY_COLUMN_USAGE
		WHERE TABLE_SCHEMA = ? AND TABLE_NAME = ? AND CONSTRAINT_NAME = 'PRIMARY'
		ORDER BY ORDINAL_POSITION`
	keys, err := queryStrings(ctx, m.db, query, schema, tableName)
	if err != nil {
		return nil, fmt.Errorf("failed to read primary key of %s.%s: %w", schema, tableName, err)
	}
	return keys, nil
}

func queryStrings(ctx context.Context, db *sql.DB, query string, args ...any) ([]string, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
