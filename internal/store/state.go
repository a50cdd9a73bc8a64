package store

import (
	"context"
	"database/sql"
	"fmt"
)

// Engine-internal persisted state (sync cursors, feed positions) lives in
// the sync_state KV table. It is tied to the identity that owns the
// catalog and is deleted wholesale on sign-out.

// GetState returns the value for a key, or "" and false if unset.
func (s *Store) GetState(ctx context.Context, key string) (string, bool, error) {
	if err := s.guard(); err != nil {
		return "", false, err
	}

	var value string
	err := s.conn.QueryRowContext(ctx,
		`SELECT value FROM sync_state WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to get state %q: %w", key, err)
	}
	return value, true, nil
}

// SetState writes a key.
func (s *Store) SetState(ctx context.Context, key, value string) error {
	if err := s.guard(); err != nil {
		return err
	}

	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO sync_state (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("failed to set state %q: %w", key, err)
	}
	return nil
}

// ClearState deletes all engine-internal persisted state.
func (s *Store) ClearState(ctx context.Context) error {
	if err := s.guard(); err != nil {
		return err
	}

	if _, err := s.conn.ExecContext(ctx, `DELETE FROM sync_state`); err != nil {
		return fmt.Errorf("failed to clear state: %w", err)
	}
	return nil
}
