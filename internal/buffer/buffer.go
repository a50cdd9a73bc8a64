// Package buffer implements the durable write queue.
//
// Every mutation the application issues lands here first, so writes
// succeed instantly whether or not the device is online. The flush worker
// drains the queue to the server in the background; a failed flush never
// deletes a record, which gives at-least-once delivery.
package buffer

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/deeprecall/recall-sync/internal/store"
)

// Operation is the kind of mutation a change carries.
type Operation string

const (
	OpInsert Operation = "insert"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// Status tracks a change through submission.
//
// Legal movement is pending -> syncing -> applied or error. An error
// record becomes retry-eligible again by selection (Peek includes it),
// not by rewriting its status back to pending. Applied records are
// immutable. A syncing record whose flush never concluded (crash, stop)
// is reset to pending by ResetSyncing before the next cycle.
type Status string

const (
	StatusPending Status = "pending"
	StatusSyncing Status = "syncing"
	StatusApplied Status = "applied"
	StatusError   Status = "error"
)

// Change is one queued mutation.
type Change struct {
	ID             string          `json:"id"`
	Table          string          `json:"table"`
	Op             Operation       `json:"op"`
	Payload        json.RawMessage `json:"payload"`
	CreatedAt      int64           `json:"created_at"`
	Status         Status          `json:"status"`
	AppliedAt      int64           `json:"applied_at,omitempty"`
	ServerResponse string          `json:"server_response,omitempty"`
	Error          string          `json:"error,omitempty"`
	RetryCount     int             `json:"retry_count"`
	LastAttemptAt  int64           `json:"last_attempt_at,omitempty"`

	// ShadowSeq is the shadow log record this change mirrors, captured
	// at write time so confirmation can prune by sequence. Zero for
	// changes with no shadow record (blob tables, migrations). Local
	// bookkeeping only, never sent to the server.
	ShadowSeq int64 `json:"-"`
}

// EntityID extracts the target entity id from the payload. Every payload
// carries its entity id (deletes as a bare {"id": ...}); a payload
// without one yields "".
func (c Change) EntityID() string {
	var probe struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(c.Payload, &probe); err != nil {
		return ""
	}
	return probe.ID
}

// Buffer is the durable queue over one catalog's write_buffer table.
// All statements go through the store's guarded accessors, so a closed
// or evicted catalog handle refuses queue operations too.
type Buffer struct {
	st  *store.Store
	log *zap.Logger
}

// New binds a buffer to a catalog.
func New(st *store.Store, log *zap.Logger) *Buffer {
	if log == nil {
		log = zap.NewNop()
	}
	return &Buffer{st: st, log: log.Named("buffer")}
}

// Enqueue appends a new pending change. It touches only the local store,
// so it succeeds while offline.
func (b *Buffer) Enqueue(ctx context.Context, table string, op Operation, payload json.RawMessage) (Change, error) {
	return b.EnqueueLinked(ctx, table, op, payload, 0)
}

// EnqueueLinked appends a new pending change tied to the shadow log
// record it mirrors.
func (b *Buffer) EnqueueLinked(ctx context.Context, table string, op Operation, payload json.RawMessage, shadowSeq int64) (Change, error) {
	c := Change{
		ID:        uuid.NewString(),
		Table:     table,
		Op:        op,
		Payload:   payload,
		CreatedAt: time.Now().UnixMilli(),
		Status:    StatusPending,
		ShadowSeq: shadowSeq,
	}

	_, err := b.st.ExecContext(ctx, `
		INSERT INTO write_buffer (id, tbl, op, payload, created_at, status, retry_count, shadow_seq)
		VALUES (?, ?, ?, ?, ?, ?, 0, ?)`,
		c.ID, c.Table, string(c.Op), string(c.Payload), c.CreatedAt, string(c.Status), c.ShadowSeq)
	if err != nil {
		return Change{}, fmt.Errorf("failed to enqueue %s %s: %w", op, table, err)
	}

	b.log.Debug("change enqueued",
		zap.String("table", table),
		zap.String("op", string(op)),
		zap.String("entity", c.EntityID()))
	return c, nil
}

const changeColumns = `id, tbl, op, payload, created_at, status, applied_at, server_response, error, retry_count, last_attempt_at, shadow_seq`

// Peek returns up to limit retry-eligible changes in FIFO order by
// created_at. Eligible means status pending or error with retry_count
// below maxRetries; records at or above the ceiling never surface here.
func (b *Buffer) Peek(ctx context.Context, limit, maxRetries int) ([]Change, error) {
	rows, err := b.st.QueryContext(ctx, `
		SELECT `+changeColumns+`
		FROM write_buffer
		WHERE status IN ('pending', 'error') AND retry_count < ?
		ORDER BY created_at ASC, rowid ASC
		LIMIT ?`, maxRetries, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to peek write buffer: %w", err)
	}
	defer rows.Close()
	return scanChanges(rows)
}

// Exhausted returns records stuck at or above the retry ceiling. The
// flush worker removes and reports them so they never retry forever and
// never block younger records.
func (b *Buffer) Exhausted(ctx context.Context, maxRetries int) ([]Change, error) {
	rows, err := b.st.QueryContext(ctx, `
		SELECT `+changeColumns+`
		FROM write_buffer
		WHERE status IN ('pending', 'error') AND retry_count >= ?
		ORDER BY created_at ASC, rowid ASC`, maxRetries)
	if err != nil {
		return nil, fmt.Errorf("failed to query exhausted records: %w", err)
	}
	defer rows.Close()
	return scanChanges(rows)
}

// All returns the entire queue in FIFO order. Identity migration uses
// this to collect every guest-local pending change.
func (b *Buffer) All(ctx context.Context) ([]Change, error) {
	rows, err := b.st.QueryContext(ctx, `
		SELECT `+changeColumns+`
		FROM write_buffer
		ORDER BY created_at ASC, rowid ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list write buffer: %w", err)
	}
	defer rows.Close()
	return scanChanges(rows)
}

// MarkSyncing flags a batch as in flight.
func (b *Buffer) MarkSyncing(ctx context.Context, ids []string) error {
	return b.updateStatus(ctx, ids, `
		UPDATE write_buffer SET status = 'syncing' WHERE id = ? AND status != 'applied'`)
}

// ResetSyncing returns every in-flight record to pending. A record stays
// syncing only for the duration of one submit; any syncing row found
// outside a flush cycle belongs to a flush that died before reconciling,
// and must become eligible again rather than be stranded invisible.
func (b *Buffer) ResetSyncing(ctx context.Context) (int, error) {
	res, err := b.st.ExecContext(ctx,
		`UPDATE write_buffer SET status = 'pending' WHERE status = 'syncing'`)
	if err != nil {
		return 0, fmt.Errorf("failed to reset in-flight records: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n > 0 {
		b.log.Warn("requeued interrupted in-flight records", zap.Int64("count", n))
	}
	return int(n), nil
}

// MarkApplied stamps changes as confirmed by the server. Idempotent:
// an already-applied record is never rewritten.
func (b *Buffer) MarkApplied(ctx context.Context, ids []string, responses map[string]string) error {
	if len(ids) == 0 {
		return nil
	}

	tx, err := b.st.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin mark-applied: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UnixMilli()
	for _, id := range ids {
		var resp any
		if r, ok := responses[id]; ok {
			resp = r
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE write_buffer
			SET status = 'applied', applied_at = ?, server_response = ?, error = NULL
			WHERE id = ? AND status != 'applied'`, now, resp, id); err != nil {
			return fmt.Errorf("failed to mark %s applied: %w", id, err)
		}
	}
	return tx.Commit()
}

// MarkFailed records one failed attempt per id: status becomes error,
// retry_count increments, the attempt and message are stamped. The
// record itself is never deleted here.
func (b *Buffer) MarkFailed(ctx context.Context, errs map[string]string) error {
	if len(errs) == 0 {
		return nil
	}

	tx, err := b.st.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin mark-failed: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UnixMilli()
	for id, msg := range errs {
		if _, err := tx.ExecContext(ctx, `
			UPDATE write_buffer
			SET status = 'error', retry_count = retry_count + 1, last_attempt_at = ?, error = ?
			WHERE id = ? AND status != 'applied'`, now, msg, id); err != nil {
			return fmt.Errorf("failed to mark %s failed: %w", id, err)
		}
	}
	return tx.Commit()
}

// Size counts records with status exactly pending.
func (b *Buffer) Size(ctx context.Context) (int, error) {
	row, err := b.st.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM write_buffer WHERE status = 'pending'`)
	if err != nil {
		return 0, err
	}

	var n int
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to size write buffer: %w", err)
	}
	return n, nil
}

// Clear deletes every record. Identity transitions call this before any
// enqueue may happen under the new identity.
func (b *Buffer) Clear(ctx context.Context) error {
	if _, err := b.st.ExecContext(ctx, `DELETE FROM write_buffer`); err != nil {
		return fmt.Errorf("failed to clear write buffer: %w", err)
	}
	return nil
}

// Remove drops a single record. Used for permanently abandoned entries.
func (b *Buffer) Remove(ctx context.Context, id string) error {
	if _, err := b.st.ExecContext(ctx, `DELETE FROM write_buffer WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to remove %s: %w", id, err)
	}
	return nil
}

func (b *Buffer) updateStatus(ctx context.Context, ids []string, query string) error {
	if len(ids) == 0 {
		return nil
	}

	tx, err := b.st.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin status update: %w", err)
	}
	defer tx.Rollback()

	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, query, id); err != nil {
			return fmt.Errorf("failed to update status of %s: %w", id, err)
		}
	}
	return tx.Commit()
}

func scanChanges(rows *sql.Rows) ([]Change, error) {
	var out []Change
	for rows.Next() {
		var c Change
		var op, status, payload string
		var appliedAt, lastAttempt sql.NullInt64
		var resp, errMsg sql.NullString
		if err := rows.Scan(&c.ID, &c.Table, &op, &payload, &c.CreatedAt, &status,
			&appliedAt, &resp, &errMsg, &c.RetryCount, &lastAttempt, &c.ShadowSeq); err != nil {
			return nil, fmt.Errorf("failed to scan change: %w", err)
		}
		c.Op = Operation(op)
		c.Status = Status(status)
		c.Payload = json.RawMessage(payload)
		c.AppliedAt = appliedAt.Int64
		c.LastAttemptAt = lastAttempt.Int64
		c.ServerResponse = resp.String
		c.Error = errMsg.String
		out = append(out, c)
	}
	return out, rows.Err()
}
