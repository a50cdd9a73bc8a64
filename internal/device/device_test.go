package device

import (
	"os"
	"path/filepath"
	"testing"
)

// TestLoad_CreatesIdentity tests that a fresh directory gets a new identity.
func TestLoad_CreatesIdentity(t *testing.T) {
	dir := t.TempDir()

	rec, err := Load(dir)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if rec.ID == "" {
		t.Fatal("Load() returned empty id")
	}
	if rec.Type != TypeDesktop {
		t.Errorf("Type = %q, want %q", rec.Type, TypeDesktop)
	}
	if _, err := os.Stat(filepath.Join(dir, identityFile)); err != nil {
		t.Errorf("identity file not written: %v", err)
	}
}

// TestLoad_Idempotent tests that repeated loads return the same identity.
func TestLoad_Idempotent(t *testing.T) {
	dir := t.TempDir()

	first, err := Load(dir)
	if err != nil {
		t.Fatalf("first Load() failed: %v", err)
	}

	second, err := Load(dir)
	if err != nil {
		t.Fatalf("second Load() failed: %v", err)
	}

	if first.ID != second.ID {
		t.Errorf("ID changed between loads: %q vs %q", first.ID, second.ID)
	}
	if first.Name != second.Name {
		t.Errorf("Name changed between loads: %q vs %q", first.Name, second.Name)
	}
}

// TestShortID tests compaction of the UUID for catalog names.
func TestShortID(t *testing.T) {
	rec := Record{ID: "5f2b1c3d-4e5f-6071-8293-a4b5c6d7e8f9"}
	if got := rec.ShortID(); got != "5f2b1c3d" {
		t.Errorf("ShortID() = %q, want %q", got, "5f2b1c3d")
	}
}

// TestLoad_RejectsCorruptFile tests that a mangled identity file is an error,
// not a silent regeneration (regenerating would orphan presence records).
func TestLoad_RejectsCorruptFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, identityFile)
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatalf("failed to write corrupt file: %v", err)
	}

	if _, err := Load(dir); err == nil {
		t.Fatal("Load() succeeded on corrupt identity file, want error")
	}
}
