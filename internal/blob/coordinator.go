package blob

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/deeprecall/recall-sync/internal/buffer"
	"github.com/deeprecall/recall-sync/internal/store"
)

// Coordinator reconciles physical storage with the catalog's blob tables.
type Coordinator struct {
	deviceID string
	storage  Storage
	log      *zap.Logger
}

// ScanStats summarizes one coordination pass.
type ScanStats struct {
	Discovered int // physical files seen
	NewMeta    int // metadata records created
	NewAssets  int // assets created
	Restored   int // presence records brought back to healthy
}

// IntegrityReport lists presence claims this device cannot back with a
// physical file. Producing it never mutates state; repair is explicit.
type IntegrityReport struct {
	Checked int
	Missing []string // hashes claimed present but not found
}

// NewCoordinator builds a coordinator for one device over one physical
// store.
func NewCoordinator(deviceID string, storage Storage, log *zap.Logger) *Coordinator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Coordinator{deviceID: deviceID, storage: storage, log: log.Named("blob")}
}

// Sync scans physical storage and coordinates every discovered file into
// cat: metadata record, healthy device presence, and exactly one asset
// per hash, all idempotent. With buf non-nil (authenticated mode) newly
// created metadata and presence records are also enqueued for the server;
// the owner field is omitted so the server assigns it.
func (c *Coordinator) Sync(ctx context.Context, cat *store.Store, buf *buffer.Buffer) (ScanStats, error) {
	files, err := c.storage.List(ctx)
	if err != nil {
		return ScanStats{}, fmt.Errorf("failed to scan physical storage: %w", err)
	}

	stats := ScanStats{Discovered: len(files)}
	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		if err := c.coordinate(ctx, cat, buf, f, &stats); err != nil {
			// One bad file must not abort the whole scan.
			c.log.Warn("failed to coordinate blob",
				zap.String("hash", shortHash(f.Hash)), zap.Error(err))
		}
	}

	c.log.Info("blob scan complete",
		zap.Int("discovered", stats.Discovered),
		zap.Int("new_meta", stats.NewMeta),
		zap.Int("new_assets", stats.NewAssets),
		zap.Int("restored", stats.Restored))
	return stats, nil
}

func (c *Coordinator) coordinate(ctx context.Context, cat *store.Store, buf *buffer.Buffer, f FileInfo, stats *ScanStats) error {
	meta := store.BlobMeta{
		Hash:      f.Hash,
		Size:      f.Size,
		MIME:      f.MIME,
		CreatedAt: time.Now().UnixMilli(),
	}
	createdMeta, err := cat.InsertBlobMeta(ctx, meta)
	if err != nil {
		return err
	}
	if createdMeta {
		stats.NewMeta++
		if buf != nil {
			if err := c.enqueueMetaInsert(ctx, buf, meta); err != nil {
				return err
			}
		}
	}

	prev, err := cat.GetPresence(ctx, c.deviceID, f.Hash)
	if err != nil {
		return err
	}
	wasUnhealthy := prev != nil && (!prev.Present || prev.Health != store.BlobHealthy)

	createdPresence, err := cat.UpsertPresence(ctx, store.DevicePresence{
		DeviceID:  c.deviceID,
		Hash:      f.Hash,
		Present:   true,
		LocalPath: f.Path,
		Health:    store.BlobHealthy,
	})
	if err != nil {
		return err
	}
	if wasUnhealthy {
		stats.Restored++
		c.log.Info("blob restored to healthy", zap.String("hash", shortHash(f.Hash)))
	}
	if createdPresence && buf != nil {
		if err := c.enqueuePresenceInsert(ctx, buf, f); err != nil {
			return err
		}
	}

	_, createdAsset, err := cat.EnsureAsset(ctx, f.Hash)
	if err != nil {
		return err
	}
	if createdAsset {
		stats.NewAssets++
	}
	return nil
}

// Integrity verifies every presence record claiming this device holds a
// file. Read-only: missing files are reported, not recorded, so the
// check can never race inbound server sync. Mutation belongs to Repair.
func (c *Coordinator) Integrity(ctx context.Context, cat *store.Store) (IntegrityReport, error) {
	presences, err := cat.ListPresence(ctx, c.deviceID)
	if err != nil {
		return IntegrityReport{}, err
	}

	report := IntegrityReport{}
	for _, p := range presences {
		if !p.Present {
			continue
		}
		report.Checked++

		ok, err := c.storage.Has(ctx, p.Hash)
		if err != nil {
			return report, fmt.Errorf("failed to probe blob %s: %w", shortHash(p.Hash), err)
		}
		if !ok {
			report.Missing = append(report.Missing, p.Hash)
		}
	}
	return report, nil
}

// Repair runs an integrity check and records the result: presence rows
// whose files are gone are marked missing/not-present.
func (c *Coordinator) Repair(ctx context.Context, cat *store.Store) (IntegrityReport, error) {
	report, err := c.Integrity(ctx, cat)
	if err != nil {
		return report, err
	}

	for _, hash := range report.Missing {
		if err := cat.SetPresenceHealth(ctx, c.deviceID, hash, store.BlobMissing, false); err != nil {
			return report, err
		}
		c.log.Warn("blob marked missing", zap.String("hash", shortHash(hash)))
	}
	return report, nil
}

// StoreBlob writes new content into a DirStore-backed storage and
// coordinates it immediately.
func (c *Coordinator) StoreBlob(ctx context.Context, cat *store.Store, buf *buffer.Buffer, filename, mime string, data []byte) (string, error) {
	ds, ok := c.storage.(*DirStore)
	if !ok {
		return "", fmt.Errorf("physical storage does not accept writes")
	}

	hash, err := ds.Write(data)
	if err != nil {
		return "", err
	}

	created, err := cat.InsertBlobMeta(ctx, store.BlobMeta{
		Hash:      hash,
		Size:      int64(len(data)),
		MIME:      mime,
		Filename:  filename,
		CreatedAt: time.Now().UnixMilli(),
	})
	if err != nil {
		return "", err
	}
	if !created && filename != "" {
		// Same content re-stored under a fresh name: keep the newest.
		if err := cat.UpdateBlobFilename(ctx, hash, filename); err != nil {
			return "", err
		}
	}

	stats := ScanStats{}
	if err := c.coordinate(ctx, cat, buf, FileInfo{
		Hash: hash,
		Size: int64(len(data)),
		MIME: mime,
		Path: ds.Path(hash),
	}, &stats); err != nil {
		return "", err
	}
	return hash, nil
}

func (c *Coordinator) enqueueMetaInsert(ctx context.Context, buf *buffer.Buffer, m store.BlobMeta) error {
	// The id doubles as the entity id server-side; owner is omitted so
	// the server assigns it on apply.
	payload, err := json.Marshal(map[string]any{
		"id":         m.Hash,
		"hash":       m.Hash,
		"size":       m.Size,
		"mime":       m.MIME,
		"filename":   m.Filename,
		"created_at": m.CreatedAt,
	})
	if err != nil {
		return err
	}
	_, err = buf.Enqueue(ctx, "blobs_meta", buffer.OpInsert, payload)
	return err
}

func (c *Coordinator) enqueuePresenceInsert(ctx context.Context, buf *buffer.Buffer, f FileInfo) error {
	payload, err := json.Marshal(map[string]any{
		"id":        c.deviceID + ":" + f.Hash,
		"device_id": c.deviceID,
		"hash":      f.Hash,
		"present":   true,
		"health":    string(store.BlobHealthy),
	})
	if err != nil {
		return err
	}
	_, err = buf.Enqueue(ctx, "device_blobs", buffer.OpInsert, payload)
	return err
}
