package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// SyncedRow is one server-confirmed entity row.
type SyncedRow struct {
	ID        string
	Payload   json.RawMessage
	UpdatedAt int64
}

// ShadowStatus tracks an optimistic local change through confirmation.
type ShadowStatus string

const (
	ShadowPending ShadowStatus = "pending"
	ShadowSyncing ShadowStatus = "syncing"
	ShadowSynced  ShadowStatus = "synced"
	ShadowError   ShadowStatus = "error"
)

// ShadowRecord is one entry in a table's append-only local log. The log
// is keyed by Seq, not entity id: one entity accumulates many records
// until the server confirms them.
type ShadowRecord struct {
	Seq      int64
	EntityID string
	Op       string // insert, update, delete
	Status   ShadowStatus
	Payload  json.RawMessage // nil for deletes
	TS       int64
}

func checkEntityTable(table string) error {
	if !IsEntityTable(table) {
		return fmt.Errorf("store: unknown entity table %q", table)
	}
	return nil
}

// UpsertSynced writes one server-confirmed row. Used by the realtime feed
// and by flush confirmation; local optimistic writes go to the shadow log
// instead.
func (s *Store) UpsertSynced(ctx context.Context, table, id string, payload json.RawMessage) error {
	if err := s.guard(); err != nil {
		return err
	}
	if err := checkEntityTable(table); err != nil {
		return err
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (id, payload, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET payload = excluded.payload, updated_at = excluded.updated_at`,
		table)
	if _, err := s.conn.ExecContext(ctx, query, id, string(payload), nowMillis()); err != nil {
		return fmt.Errorf("failed to upsert %s/%s: %w", table, id, err)
	}
	return nil
}

// DeleteSynced removes a server-confirmed row. Missing rows are not an
// error so deletes replay idempotently.
func (s *Store) DeleteSynced(ctx context.Context, table, id string) error {
	if err := s.guard(); err != nil {
		return err
	}
	if err := checkEntityTable(table); err != nil {
		return err
	}

	query := fmt.Sprintf(`DELETE FROM %s WHERE id = ?`, table)
	if _, err := s.conn.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("failed to delete %s/%s: %w", table, id, err)
	}
	return nil
}

// GetSynced fetches one confirmed row, or nil if absent.
func (s *Store) GetSynced(ctx context.Context, table, id string) (*SyncedRow, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	if err := checkEntityTable(table); err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`SELECT id, payload, updated_at FROM %s WHERE id = ?`, table)
	row := s.conn.QueryRowContext(ctx, query, id)

	var r SyncedRow
	var payload string
	if err := row.Scan(&r.ID, &payload, &r.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get %s/%s: %w", table, id, err)
	}
	r.Payload = json.RawMessage(payload)
	return &r, nil
}

// ListSynced returns all confirmed rows of a table ordered by id.
func (s *Store) ListSynced(ctx context.Context, table string) ([]SyncedRow, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	if err := checkEntityTable(table); err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`SELECT id, payload, updated_at FROM %s ORDER BY id`, table)
	rows, err := s.conn.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", table, err)
	}
	defer rows.Close()

	var out []SyncedRow
	for rows.Next() {
		var r SyncedRow
		var payload string
		if err := rows.Scan(&r.ID, &payload, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan %s row: %w", table, err)
		}
		r.Payload = json.RawMessage(payload)
		out = append(out, r)
	}
	return out, rows.Err()
}

// AppendShadow appends one record to a table's local log and returns its
// sequence number. The log is never mutated in place; confirmation later
// prunes it (see PruneShadowThrough).
func (s *Store) AppendShadow(ctx context.Context, table string, rec ShadowRecord) (int64, error) {
	if err := s.guard(); err != nil {
		return 0, err
	}
	if err := checkEntityTable(table); err != nil {
		return 0, err
	}

	status := rec.Status
	if status == "" {
		status = ShadowPending
	}
	var payload any
	if rec.Payload != nil {
		payload = string(rec.Payload)
	}

	query := fmt.Sprintf(
		`INSERT INTO %s_local (entity_id, op, status, payload, ts) VALUES (?, ?, ?, ?, ?)`, table)
	res, err := s.conn.ExecContext(ctx, query, rec.EntityID, rec.Op, string(status), payload, rec.TS)
	if err != nil {
		return 0, fmt.Errorf("failed to append shadow for %s/%s: %w", table, rec.EntityID, err)
	}
	return res.LastInsertId()
}

// ListShadow returns a table's full local log in sequence order.
func (s *Store) ListShadow(ctx context.Context, table string) ([]ShadowRecord, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	if err := checkEntityTable(table); err != nil {
		return nil, err
	}

	query := fmt.Sprintf(
		`SELECT seq, entity_id, op, status, payload, ts FROM %s_local ORDER BY seq`, table)
	rows, err := s.conn.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list shadow log for %s: %w", table, err)
	}
	defer rows.Close()

	var out []ShadowRecord
	for rows.Next() {
		var r ShadowRecord
		var status string
		var payload sql.NullString
		if err := rows.Scan(&r.Seq, &r.EntityID, &r.Op, &status, &payload, &r.TS); err != nil {
			return nil, fmt.Errorf("failed to scan shadow row: %w", err)
		}
		r.Status = ShadowStatus(status)
		if payload.Valid {
			r.Payload = json.RawMessage(payload.String)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// SetShadowStatus updates the status of every log record for one entity.
func (s *Store) SetShadowStatus(ctx context.Context, table, entityID string, status ShadowStatus) error {
	if err := s.guard(); err != nil {
		return err
	}
	if err := checkEntityTable(table); err != nil {
		return err
	}

	query := fmt.Sprintf(`UPDATE %s_local SET status = ? WHERE entity_id = ?`, table)
	if _, err := s.conn.ExecContext(ctx, query, string(status), entityID); err != nil {
		return fmt.Errorf("failed to set shadow status for %s/%s: %w", table, entityID, err)
	}
	return nil
}

// PruneShadowUpTo deletes an entity's log records up to and including
// the given sequence number. Called when the server confirms a change
// whose shadow seq was captured at write time; records appended after it
// stay pending even when their timestamps collide at millisecond
// resolution.
func (s *Store) PruneShadowUpTo(ctx context.Context, table, entityID string, seq int64) error {
	if err := s.guard(); err != nil {
		return err
	}
	if err := checkEntityTable(table); err != nil {
		return err
	}

	query := fmt.Sprintf(`DELETE FROM %s_local WHERE entity_id = ? AND seq <= ?`, table)
	if _, err := s.conn.ExecContext(ctx, query, entityID, seq); err != nil {
		return fmt.Errorf("failed to prune shadow log for %s/%s: %w", table, entityID, err)
	}
	return nil
}

// PruneShadowThrough deletes an entity's log records up to and including
// the given timestamp. Fallback for changes with no captured shadow seq;
// prefer PruneShadowUpTo.
func (s *Store) PruneShadowThrough(ctx context.Context, table, entityID string, ts int64) error {
	if err := s.guard(); err != nil {
		return err
	}
	if err := checkEntityTable(table); err != nil {
		return err
	}

	query := fmt.Sprintf(`DELETE FROM %s_local WHERE entity_id = ? AND ts <= ?`, table)
	if _, err := s.conn.ExecContext(ctx, query, entityID, ts); err != nil {
		return fmt.Errorf("failed to prune shadow log for %s/%s: %w", table, entityID, err)
	}
	return nil
}

// ClearShadow empties one table's local log.
func (s *Store) ClearShadow(ctx context.Context, table string) error {
	if err := s.guard(); err != nil {
		return err
	}
	if err := checkEntityTable(table); err != nil {
		return err
	}

	if _, err := s.conn.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s_local`, table)); err != nil {
		return fmt.Errorf("failed to clear shadow log for %s: %w", table, err)
	}
	return nil
}

// ClearEntityTables empties every synced table and shadow log. Used by
// identity transitions; the write buffer and blob tables are cleared
// separately.
func (s *Store) ClearEntityTables(ctx context.Context) error {
	if err := s.guard(); err != nil {
		return err
	}

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin clear transaction: %w", err)
	}
	defer tx.Rollback()

	for _, table := range EntityTables {
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s`, table)); err != nil {
			return fmt.Errorf("failed to clear %s: %w", table, err)
		}
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s_local`, table)); err != nil {
			return fmt.Errorf("failed to clear %s_local: %w", table, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit clear transaction: %w", err)
	}
	return nil
}

// CountRows returns the row count of any table in the catalog.
func (s *Store) CountRows(ctx context.Context, table string) (int, error) {
	if err := s.guard(); err != nil {
		return 0, err
	}

	var n int
	query := fmt.Sprintf(`SELECT COUNT(*) FROM %s`, table)
	if err := s.conn.QueryRowContext(ctx, query).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", table, err)
	}
	return n, nil
}

// HasLocalData reports whether any shadow log holds records. Identity
// transitions use this to decide between direct sign-in and migration.
func (s *Store) HasLocalData(ctx context.Context) (bool, error) {
	for _, table := range EntityTables {
		n, err := s.CountRows(ctx, table+"_local")
		if err != nil {
			return false, err
		}
		if n > 0 {
			return true, nil
		}
	}
	return false, nil
}
