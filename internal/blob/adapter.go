// Package blob coordinates content-addressed files with the catalog.
//
// The invariant: one physical file (by sha256) maps to exactly one
// metadata record and exactly one Asset, with this device's presence and
// health tracked accurately. Physical storage itself is behind the
// Storage adapter; the default implementation is a local directory with
// a 2-character fan-out layout.
package blob

import (
	"context"
	"time"
)

// FileInfo describes one discovered physical file.
type FileInfo struct {
	Hash    string
	Size    int64
	MIME    string
	Path    string
	ModTime time.Time
}

// Storage is the physical content-addressed store. Implementations are
// external to the engine; the engine only lists, probes, and deletes.
type Storage interface {
	// List enumerates every stored file.
	List(ctx context.Context) ([]FileInfo, error)

	// Has reports whether the file for hash exists.
	Has(ctx context.Context, hash string) (bool, error)

	// Delete removes the file for hash. Deleting an absent hash is
	// not an error.
	Delete(ctx context.Context, hash string) error

	// Path returns where the file for hash lives (or would live).
	Path(hash string) string
}
