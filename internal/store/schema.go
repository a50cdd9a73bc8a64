package store

import (
	"context"
	"fmt"
	"strings"
)

// fixedSchema covers the non-entity tables. Entity tables are generated
// from EntityTables in initSchema.
const fixedSchema = `
	CREATE TABLE IF NOT EXISTS write_buffer (
		id TEXT PRIMARY KEY,
		tbl TEXT NOT NULL,
		op TEXT NOT NULL,
		payload TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		applied_at INTEGER,
		server_response TEXT,
		error TEXT,
		retry_count INTEGER NOT NULL DEFAULT 0,
		last_attempt_at INTEGER,
		shadow_seq INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_write_buffer_status
	    ON write_buffer(status, created_at);

	CREATE TABLE IF NOT EXISTS blobs_meta (
		hash TEXT PRIMARY KEY,
		size INTEGER NOT NULL,
		mime TEXT NOT NULL,
		filename TEXT,
		meta TEXT,
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS device_blobs (
		device_id TEXT NOT NULL,
		hash TEXT NOT NULL,
		present INTEGER NOT NULL DEFAULT 1,
		local_path TEXT,
		health TEXT NOT NULL DEFAULT 'healthy',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (device_id, hash)
	);

	CREATE INDEX IF NOT EXISTS idx_device_blobs_hash ON device_blobs(hash);

	CREATE TABLE IF NOT EXISTS assets (
		id TEXT PRIMARY KEY,
		hash TEXT NOT NULL UNIQUE,
		entity_id TEXT,
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS sync_state (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS store_owner (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		token TEXT NOT NULL,
		heartbeat_ms INTEGER NOT NULL
	);`

// initSchema creates all tables and indexes. Idempotent.
func (s *Store) initSchema(ctx context.Context) error {
	if _, err := s.conn.ExecContext(ctx, fixedSchema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}

	// Catalogs created before shadow_seq existed get the column in place.
	if _, err := s.conn.ExecContext(ctx,
		`ALTER TABLE write_buffer ADD COLUMN shadow_seq INTEGER NOT NULL DEFAULT 0`); err != nil {
		if !strings.Contains(err.Error(), "duplicate column") {
			return fmt.Errorf("failed to upgrade write_buffer schema: %w", err)
		}
	}

	for _, table := range EntityTables {
		stmt := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			payload TEXT NOT NULL,
			updated_at INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS %s_local (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			entity_id TEXT NOT NULL,
			op TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			payload TEXT,
			ts INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_%s_local_entity
		    ON %s_local(entity_id, ts);`,
			table, table, table, table)

		if _, err := s.conn.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create tables for %s: %w", table, err)
		}
	}

	return nil
}
