package blob

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func testWatcher(t *testing.T, debounce time.Duration, onChange func()) (*DirStore, *Watcher) {
	t.Helper()
	dir, err := NewDirStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewDirStore() failed: %v", err)
	}
	w, err := NewWatcher(dir, WatcherConfig{Debounce: debounce}, nil, onChange)
	if err != nil {
		t.Fatalf("NewWatcher() failed: %v", err)
	}
	return dir, w
}

// TestWatcher_CloseWithoutCancel tests that Close alone shuts the watcher
// down; it must not depend on the Start context being cancelled first.
func TestWatcher_CloseWithoutCancel(t *testing.T) {
	_, w := testWatcher(t, 10*time.Millisecond, func() {})

	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- w.Close() }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Close() returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Close() did not return; goroutines still waiting")
	}

	// A second Close is a no-op.
	if err := w.Close(); err != nil {
		t.Errorf("second Close() returned error: %v", err)
	}
}

// TestWatcher_FiresOnBlobWrite tests the debounced change trigger.
func TestWatcher_FiresOnBlobWrite(t *testing.T) {
	fired := make(chan struct{}, 1)
	dir, w := testWatcher(t, 20*time.Millisecond, func() {
		select {
		case fired <- struct{}{}:
		default:
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	defer w.Close()

	sum := sha256.Sum256([]byte("payload"))
	hash := hex.EncodeToString(sum[:])
	sub := filepath.Join(dir.Root(), hash[:2])
	if err := os.MkdirAll(sub, 0o755); err != nil {
		t.Fatalf("MkdirAll() failed: %v", err)
	}
	if err := os.WriteFile(filepath.Join(sub, hash), []byte("payload"), 0o644); err != nil {
		t.Fatalf("WriteFile() failed: %v", err)
	}

	select {
	case <-fired:
	case <-time.After(5 * time.Second):
		t.Fatal("watcher never fired after a blob write")
	}
}
