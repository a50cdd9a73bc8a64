package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// BlobHealth describes how healthily a device holds a blob.
type BlobHealth string

const (
	BlobHealthy   BlobHealth = "healthy"
	BlobMissing   BlobHealth = "missing"
	BlobModified  BlobHealth = "modified"
	BlobRelocated BlobHealth = "relocated"
)

// BlobMeta is the per-hash metadata record. One physical file maps to
// exactly one of these.
type BlobMeta struct {
	Hash      string          `json:"hash"`
	Size      int64           `json:"size"`
	MIME      string          `json:"mime"`
	Filename  string          `json:"filename,omitempty"`
	Meta      json.RawMessage `json:"meta,omitempty"`
	CreatedAt int64           `json:"created_at"`
}

// DevicePresence records whether (and how healthily) one device holds
// one blob.
type DevicePresence struct {
	DeviceID  string     `json:"device_id"`
	Hash      string     `json:"hash"`
	Present   bool       `json:"present"`
	LocalPath string     `json:"local_path,omitempty"`
	Health    BlobHealth `json:"health"`
	CreatedAt int64      `json:"created_at"`
	UpdatedAt int64      `json:"updated_at"`
}

// Asset is the 1:1 semantic wrapper over a content hash.
type Asset struct {
	ID        string `json:"id"`
	Hash      string `json:"hash"`
	EntityID  string `json:"entity_id,omitempty"`
	CreatedAt int64  `json:"created_at"`
}

// InsertBlobMeta creates a metadata record if the hash is unknown.
// Returns true when a record was created. Existing records are left
// untouched: metadata is immutable except filename corrections.
func (s *Store) InsertBlobMeta(ctx context.Context, m BlobMeta) (bool, error) {
	if err := s.guard(); err != nil {
		return false, err
	}

	var meta any
	if m.Meta != nil {
		meta = string(m.Meta)
	}
	res, err := s.conn.ExecContext(ctx, `
		INSERT OR IGNORE INTO blobs_meta (hash, size, mime, filename, meta, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		m.Hash, m.Size, m.MIME, nullable(m.Filename), meta, m.CreatedAt)
	if err != nil {
		return false, fmt.Errorf("failed to insert blob meta %s: %w", hashPrefix(m.Hash), err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// GetBlobMeta returns the metadata for a hash, or nil if unknown.
func (s *Store) GetBlobMeta(ctx context.Context, hash string) (*BlobMeta, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}

	row := s.conn.QueryRowContext(ctx,
		`SELECT hash, size, mime, filename, meta, created_at FROM blobs_meta WHERE hash = ?`, hash)

	var m BlobMeta
	var filename, meta sql.NullString
	if err := row.Scan(&m.Hash, &m.Size, &m.MIME, &filename, &meta, &m.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get blob meta %s: %w", hashPrefix(hash), err)
	}
	m.Filename = filename.String
	if meta.Valid {
		m.Meta = json.RawMessage(meta.String)
	}
	return &m, nil
}

// ListBlobMeta returns every metadata record ordered by hash.
func (s *Store) ListBlobMeta(ctx context.Context) ([]BlobMeta, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}

	rows, err := s.conn.QueryContext(ctx,
		`SELECT hash, size, mime, filename, meta, created_at FROM blobs_meta ORDER BY hash`)
	if err != nil {
		return nil, fmt.Errorf("failed to list blob meta: %w", err)
	}
	defer rows.Close()

	var out []BlobMeta
	for rows.Next() {
		var m BlobMeta
		var filename, meta sql.NullString
		if err := rows.Scan(&m.Hash, &m.Size, &m.MIME, &filename, &meta, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan blob meta: %w", err)
		}
		m.Filename = filename.String
		if meta.Valid {
			m.Meta = json.RawMessage(meta.String)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// UpdateBlobFilename corrects the display filename for a hash.
func (s *Store) UpdateBlobFilename(ctx context.Context, hash, filename string) error {
	if err := s.guard(); err != nil {
		return err
	}

	_, err := s.conn.ExecContext(ctx,
		`UPDATE blobs_meta SET filename = ? WHERE hash = ?`, filename, hash)
	if err != nil {
		return fmt.Errorf("failed to update filename for %s: %w", hashPrefix(hash), err)
	}
	return nil
}

// UpsertPresence writes a device presence record, creating or replacing
// health/path/present in one statement. Returns true when the record was
// newly created.
func (s *Store) UpsertPresence(ctx context.Context, p DevicePresence) (bool, error) {
	if err := s.guard(); err != nil {
		return false, err
	}

	existing, err := s.GetPresence(ctx, p.DeviceID, p.Hash)
	if err != nil {
		return false, err
	}

	now := nowMillis()
	present := 0
	if p.Present {
		present = 1
	}
	_, err = s.conn.ExecContext(ctx, `
		INSERT INTO device_blobs (device_id, hash, present, local_path, health, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(device_id, hash) DO UPDATE SET
			present = excluded.present,
			local_path = excluded.local_path,
			health = excluded.health,
			updated_at = excluded.updated_at`,
		p.DeviceID, p.Hash, present, nullable(p.LocalPath), string(p.Health), now, now)
	if err != nil {
		return false, fmt.Errorf("failed to upsert presence for %s: %w", hashPrefix(p.Hash), err)
	}
	return existing == nil, nil
}

// GetPresence returns one presence record, or nil if absent.
func (s *Store) GetPresence(ctx context.Context, deviceID, hash string) (*DevicePresence, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}

	row := s.conn.QueryRowContext(ctx, `
		SELECT device_id, hash, present, local_path, health, created_at, updated_at
		FROM device_blobs WHERE device_id = ? AND hash = ?`, deviceID, hash)

	p, err := scanPresence(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get presence for %s: %w", hashPrefix(hash), err)
	}
	return p, nil
}

// ListPresence returns every presence record for one device.
func (s *Store) ListPresence(ctx context.Context, deviceID string) ([]DevicePresence, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}

	rows, err := s.conn.QueryContext(ctx, `
		SELECT device_id, hash, present, local_path, health, created_at, updated_at
		FROM device_blobs WHERE device_id = ? ORDER BY hash`, deviceID)
	if err != nil {
		return nil, fmt.Errorf("failed to list presence: %w", err)
	}
	defer rows.Close()

	var out []DevicePresence
	for rows.Next() {
		p, err := scanPresence(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan presence: %w", err)
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

// SetPresenceHealth updates health and the present flag for one record.
// Used by the explicit repair pass, never by the read-only integrity check.
func (s *Store) SetPresenceHealth(ctx context.Context, deviceID, hash string, health BlobHealth, present bool) error {
	if err := s.guard(); err != nil {
		return err
	}

	pr := 0
	if present {
		pr = 1
	}
	_, err := s.conn.ExecContext(ctx, `
		UPDATE device_blobs SET health = ?, present = ?, updated_at = ?
		WHERE device_id = ? AND hash = ?`,
		string(health), pr, nowMillis(), deviceID, hash)
	if err != nil {
		return fmt.Errorf("failed to set health for %s: %w", hashPrefix(hash), err)
	}
	return nil
}

// EnsureAsset guarantees exactly one asset exists for a hash. Calling it
// any number of times yields the same single asset.
func (s *Store) EnsureAsset(ctx context.Context, hash string) (Asset, bool, error) {
	if err := s.guard(); err != nil {
		return Asset{}, false, err
	}

	if existing, err := s.AssetForHash(ctx, hash); err != nil {
		return Asset{}, false, err
	} else if existing != nil {
		return *existing, false, nil
	}

	a := Asset{ID: uuid.NewString(), Hash: hash, CreatedAt: nowMillis()}
	res, err := s.conn.ExecContext(ctx,
		`INSERT OR IGNORE INTO assets (id, hash, entity_id, created_at) VALUES (?, ?, NULL, ?)`,
		a.ID, a.Hash, a.CreatedAt)
	if err != nil {
		return Asset{}, false, fmt.Errorf("failed to ensure asset for %s: %w", hashPrefix(hash), err)
	}

	// A concurrent scan may have won the INSERT OR IGNORE race; re-read
	// so both callers see the same asset.
	if n, _ := res.RowsAffected(); n == 0 {
		existing, err := s.AssetForHash(ctx, hash)
		if err != nil {
			return Asset{}, false, err
		}
		return *existing, false, nil
	}
	return a, true, nil
}

// AssetForHash returns the asset wrapping a hash, or nil.
func (s *Store) AssetForHash(ctx context.Context, hash string) (*Asset, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}

	row := s.conn.QueryRowContext(ctx,
		`SELECT id, hash, entity_id, created_at FROM assets WHERE hash = ?`, hash)

	var a Asset
	var entity sql.NullString
	if err := row.Scan(&a.ID, &a.Hash, &entity, &a.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get asset for %s: %w", hashPrefix(hash), err)
	}
	a.EntityID = entity.String
	return &a, nil
}

// ClearBlobTables empties blobs_meta, device_blobs, and assets. Used by
// identity transitions.
func (s *Store) ClearBlobTables(ctx context.Context) error {
	if err := s.guard(); err != nil {
		return err
	}

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin clear transaction: %w", err)
	}
	defer tx.Rollback()

	for _, table := range []string{"assets", "device_blobs", "blobs_meta"} {
		if _, err := tx.ExecContext(ctx, `DELETE FROM `+table); err != nil {
			return fmt.Errorf("failed to clear %s: %w", table, err)
		}
	}
	return tx.Commit()
}

func scanPresence(scan func(...any) error) (*DevicePresence, error) {
	var p DevicePresence
	var present int
	var path sql.NullString
	var health string
	if err := scan(&p.DeviceID, &p.Hash, &present, &path, &health, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	p.Present = present != 0
	p.LocalPath = path.String
	p.Health = BlobHealth(health)
	return &p, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// hashPrefix truncates a content hash for log and error messages, keeping
// errors attributable without quoting whole identifiers.
func hashPrefix(hash string) string {
	if len(hash) > 8 {
		return hash[:8]
	}
	return hash
}
