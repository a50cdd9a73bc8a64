package blob

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
)

// DirStore is a content-addressed blob directory. Files are named by
// their sha256 hex digest under a 2-character fan-out subdirectory
// (ab/abcdef...), which keeps directory listings small.
type DirStore struct {
	root string
}

// NewDirStore opens (creating if needed) a blob directory at root.
func NewDirStore(root string) (*DirStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create blob directory: %w", err)
	}
	return &DirStore{root: root}, nil
}

// Root returns the directory this store manages.
func (d *DirStore) Root() string { return d.root }

// Path implements Storage.
func (d *DirStore) Path(hash string) string {
	if len(hash) < 2 {
		return filepath.Join(d.root, hash)
	}
	return filepath.Join(d.root, hash[:2], hash)
}

// List implements Storage. Entries whose names are not 64 hex characters
// are skipped: they are not content-addressed files.
func (d *DirStore) List(ctx context.Context) ([]FileInfo, error) {
	var out []FileInfo

	err := filepath.WalkDir(d.root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if entry.IsDir() {
			return nil
		}

		name := entry.Name()
		if !isContentHash(name) {
			return nil
		}

		info, err := entry.Info()
		if err != nil {
			return err
		}

		out = append(out, FileInfo{
			Hash:    name,
			Size:    info.Size(),
			MIME:    sniffMIME(path),
			Path:    path,
			ModTime: info.ModTime(),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list blob directory: %w", err)
	}
	return out, nil
}

// Has implements Storage.
func (d *DirStore) Has(ctx context.Context, hash string) (bool, error) {
	_, err := os.Stat(d.Path(hash))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, fmt.Errorf("failed to stat blob %s: %w", shortHash(hash), err)
}

// Delete implements Storage.
func (d *DirStore) Delete(ctx context.Context, hash string) error {
	err := os.Remove(d.Path(hash))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete blob %s: %w", shortHash(hash), err)
	}
	return nil
}

// Write stores data under its own content hash and returns the hash.
// Writing the same content twice is a no-op with the same result.
func (d *DirStore) Write(data []byte) (string, error) {
	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])

	path := d.Path(hash)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("failed to create fan-out directory: %w", err)
	}
	if _, err := os.Stat(path); err == nil {
		return hash, nil
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write blob %s: %w", shortHash(hash), err)
	}
	return hash, nil
}

func isContentHash(name string) bool {
	if len(name) != 64 {
		return false
	}
	for _, r := range name {
		switch {
		case r >= '0' && r <= '9', r >= 'a' && r <= 'f':
		default:
			return false
		}
	}
	return true
}

// sniffMIME detects content type from the file's leading bytes. Content-
// addressed names carry no extension to guess from.
func sniffMIME(path string) string {
	f, err := os.Open(path)
	if err != nil {
		return "application/octet-stream"
	}
	defer f.Close()

	head := make([]byte, 512)
	n, _ := f.Read(head)
	return http.DetectContentType(head[:n])
}

func shortHash(hash string) string {
	if len(hash) > 8 {
		return hash[:8]
	}
	return hash
}
