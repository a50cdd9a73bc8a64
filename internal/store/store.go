// Package store provides the local durable catalog for the sync engine.
//
// Each identity gets its own SQLite database, named deterministically from
// the (userID, deviceID) pair, so guest data and per-user data live in
// disjoint namespaces on the same device. The catalog holds the synced
// entity tables, their append-only shadow logs, the write buffer, the blob
// coordination tables, and a small KV area for engine-internal state.
//
// The database runs in embedded mode with WAL for concurrent reads.
// Only one live handle is considered safe at a time: a competing open
// claims ownership and the previous handle is evicted (see ownership.go).
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	"go.uber.org/zap"
)

// EntityTables lists every synchronizable entity collection. Each gets a
// synced table "<name>" and a shadow table "<name>_local".
var EntityTables = []string{
	"works",
	"collections",
	"authors",
	"annotations",
	"strokes",
	"boards",
	"edges",
	"cards",
	"review_logs",
	"activities",
	"presets",
}

// IsEntityTable reports whether name is a known synchronizable collection.
func IsEntityTable(name string) bool {
	for _, t := range EntityTables {
		if t == name {
			return true
		}
	}
	return false
}

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("store: closed")

// ErrStoreLocked is returned once another handle has claimed ownership of
// the catalog. The holder must close and reload.
var ErrStoreLocked = errors.New("store: ownership lost to a competing open")

// Store is one open catalog handle.
type Store struct {
	conn *sql.DB
	path string
	name string
	log  *zap.Logger

	owner *ownership
}

// CatalogName derives the database name for an identity.
//
// Guests map to "recall_guest_<dev8>", signed-in users to
// "recall_user_<uid>_<dev8>". Both components are sanitized to [a-z0-9_]
// so the result is always a safe file and identifier name, and the
// mapping is deterministic: same identity, same name.
func CatalogName(userID, deviceShortID string) string {
	dev := sanitizeIdent(deviceShortID)
	if userID == "" {
		return "recall_guest_" + dev
	}
	return "recall_user_" + sanitizeIdent(userID) + "_" + dev
}

func sanitizeIdent(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}

// OpenCatalog opens (creating if needed) the catalog for an identity under
// dir, initializes the schema, and claims single-writer ownership.
func OpenCatalog(dir, userID, deviceShortID string, log *zap.Logger) (*Store, error) {
	name := CatalogName(userID, deviceShortID)
	return Open(filepath.Join(dir, name+".db"), name, log)
}

// Open opens the database at path. Most callers want OpenCatalog.
func Open(path, name string, log *zap.Logger) (*Store, error) {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("store")

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	s := &Store{conn: conn, path: path, name: name, log: log}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := conn.Exec(pragma); err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	if err := s.initSchema(context.Background()); err != nil {
		_ = s.Close()
		return nil, err
	}

	if err := s.claimOwnership(); err != nil {
		_ = s.Close()
		return nil, err
	}

	log.Debug("catalog opened", zap.String("catalog", name))
	return s, nil
}

// Name returns the catalog name this handle is bound to.
func (s *Store) Name() string { return s.name }

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

// ExecContext runs a statement through the ownership guard. Collaborating
// packages that issue their own statements (the write buffer) must go
// through these wrappers, never a raw connection: an evicted handle has
// to refuse writes to a catalog another handle now owns.
func (s *Store) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	return s.conn.ExecContext(ctx, query, args...)
}

// QueryContext runs a query through the ownership guard.
func (s *Store) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	return s.conn.QueryContext(ctx, query, args...)
}

// QueryRowContext runs a single-row query through the ownership guard.
func (s *Store) QueryRowContext(ctx context.Context, query string, args ...any) (*sql.Row, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	return s.conn.QueryRowContext(ctx, query, args...), nil
}

// BeginTx opens a transaction through the ownership guard.
func (s *Store) BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	return s.conn.BeginTx(ctx, opts)
}

// Close releases ownership and closes the connection after a WAL
// checkpoint. Safe to call more than once.
func (s *Store) Close() error {
	if s.conn == nil {
		return nil
	}
	if s.owner != nil {
		s.owner.release()
	}

	if _, err := s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		s.log.Warn("failed to checkpoint WAL on close", zap.Error(err))
	}

	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	s.conn = nil
	return nil
}

// guard returns ErrClosed / ErrStoreLocked before any statement runs, so
// an evicted handle fails fast instead of corrupting a catalog another
// handle now owns.
func (s *Store) guard() error {
	if s.conn == nil {
		return ErrClosed
	}
	if s.owner != nil && s.owner.evicted() {
		return ErrStoreLocked
	}
	return nil
}
