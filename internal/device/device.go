// Package device manages the stable per-installation identity.
//
// Every installation gets a persistent UUID on first use. The id scopes
// local catalog names and device presence records, so it must survive
// restarts and never change for the lifetime of the installation.
package device

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// Type classifies the kind of installation a device record describes.
type Type string

const (
	TypeWeb     Type = "web"
	TypeDesktop Type = "desktop"
	TypeMobile  Type = "mobile"
	TypeServer  Type = "server"
)

// Record identifies one installation.
type Record struct {
	// ID is a persistent UUID, generated on first load.
	ID string `json:"id"`

	// Name is a human-readable label, defaulting to the hostname.
	Name string `json:"name"`

	// Type is the installation kind. The desktop engine always writes
	// "desktop"; other values appear when a record round-trips through
	// the server.
	Type Type `json:"type"`
}

const identityFile = "device.json"

// Load reads the device identity from dir, creating it on first use.
//
// Load is idempotent: repeated calls return the same record. The file is
// written atomically so a crash mid-write never leaves a half-formed
// identity behind.
func Load(dir string) (Record, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Record{}, fmt.Errorf("failed to create data directory: %w", err)
	}

	path := filepath.Join(dir, identityFile)

	data, err := os.ReadFile(path)
	if err == nil {
		var rec Record
		if err := json.Unmarshal(data, &rec); err != nil {
			return Record{}, fmt.Errorf("failed to parse device identity: %w", err)
		}
		if rec.ID == "" {
			return Record{}, fmt.Errorf("device identity at %s has empty id", path)
		}
		return rec, nil
	}
	if !os.IsNotExist(err) {
		return Record{}, fmt.Errorf("failed to read device identity: %w", err)
	}

	rec := Record{
		ID:   uuid.NewString(),
		Name: defaultName(),
		Type: TypeDesktop,
	}

	if err := writeAtomic(path, rec); err != nil {
		return Record{}, err
	}
	return rec, nil
}

// ShortID returns a compact identifier suitable for catalog names and
// log fields: the first 8 hex characters of the UUID with dashes removed.
func (r Record) ShortID() string {
	s := strings.ReplaceAll(r.ID, "-", "")
	if len(s) > 8 {
		s = s[:8]
	}
	return s
}

func defaultName() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "unknown"
	}
	return host
}

func writeAtomic(path string, rec Record) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode device identity: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write device identity: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to persist device identity: %w", err)
	}
	return nil
}
