package store

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := OpenCatalog(dir, "", "deadbeef", nil)
	if err != nil {
		t.Fatalf("OpenCatalog() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// TestCatalogName tests the deterministic identity-to-name mapping.
func TestCatalogName(t *testing.T) {
	tests := []struct {
		userID string
		device string
		want   string
	}{
		{"", "deadbeef", "recall_guest_deadbeef"},
		{"user-123", "deadbeef", "recall_user_user_123_deadbeef"},
		{"User@Example", "DEADBEEF", "recall_user_user_example_deadbeef"},
	}
	for _, tt := range tests {
		if got := CatalogName(tt.userID, tt.device); got != tt.want {
			t.Errorf("CatalogName(%q, %q) = %q, want %q", tt.userID, tt.device, got, tt.want)
		}
	}
}

// TestCatalogName_Deterministic tests that the mapping is stable.
func TestCatalogName_Deterministic(t *testing.T) {
	a := CatalogName("u1", "deadbeef")
	b := CatalogName("u1", "deadbeef")
	if a != b {
		t.Errorf("CatalogName not deterministic: %q vs %q", a, b)
	}
	if a == CatalogName("", "deadbeef") {
		t.Error("guest and user catalogs share a name")
	}
}

// TestOpen_SchemaIdempotent tests that reopening a catalog keeps data.
func TestOpen_SchemaIdempotent(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s, err := OpenCatalog(dir, "u1", "deadbeef", nil)
	if err != nil {
		t.Fatalf("OpenCatalog() failed: %v", err)
	}
	if err := s.UpsertSynced(ctx, "works", "w1", json.RawMessage(`{"id":"w1"}`)); err != nil {
		t.Fatalf("UpsertSynced() failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}

	s2, err := OpenCatalog(dir, "u1", "deadbeef", nil)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer s2.Close()

	row, err := s2.GetSynced(ctx, "works", "w1")
	if err != nil {
		t.Fatalf("GetSynced() failed: %v", err)
	}
	if row == nil {
		t.Fatal("row lost across reopen")
	}
}

// TestShadow_AppendOnlyMonotonic tests that the shadow log assigns
// strictly increasing sequence numbers.
func TestShadow_AppendOnlyMonotonic(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	var last int64
	for i := 0; i < 5; i++ {
		seq, err := s.AppendShadow(ctx, "annotations", ShadowRecord{
			EntityID: "a1",
			Op:       "update",
			Payload:  json.RawMessage(`{"v":1}`),
			TS:       int64(i),
		})
		if err != nil {
			t.Fatalf("AppendShadow() failed: %v", err)
		}
		if seq <= last {
			t.Errorf("seq %d not greater than previous %d", seq, last)
		}
		last = seq
	}

	recs, err := s.ListShadow(ctx, "annotations")
	if err != nil {
		t.Fatalf("ListShadow() failed: %v", err)
	}
	if len(recs) != 5 {
		t.Fatalf("got %d shadow records, want 5", len(recs))
	}
}

// TestPruneShadowThrough tests confirmation pruning keeps later records.
func TestPruneShadowThrough(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	for _, ts := range []int64{10, 20, 30} {
		if _, err := s.AppendShadow(ctx, "works", ShadowRecord{
			EntityID: "w1", Op: "update", TS: ts,
		}); err != nil {
			t.Fatalf("AppendShadow() failed: %v", err)
		}
	}

	if err := s.PruneShadowThrough(ctx, "works", "w1", 20); err != nil {
		t.Fatalf("PruneShadowThrough() failed: %v", err)
	}

	recs, err := s.ListShadow(ctx, "works")
	if err != nil {
		t.Fatalf("ListShadow() failed: %v", err)
	}
	if len(recs) != 1 || recs[0].TS != 30 {
		t.Errorf("after prune got %+v, want single record at ts=30", recs)
	}
}

// TestPruneShadowUpTo tests seq-based pruning with colliding timestamps:
// a record appended later in the same millisecond must survive.
func TestPruneShadowUpTo(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	const ts = int64(1000)
	first, err := s.AppendShadow(ctx, "works", ShadowRecord{EntityID: "w1", Op: "update", TS: ts})
	if err != nil {
		t.Fatalf("AppendShadow() failed: %v", err)
	}
	second, err := s.AppendShadow(ctx, "works", ShadowRecord{EntityID: "w1", Op: "update", TS: ts})
	if err != nil {
		t.Fatalf("AppendShadow() failed: %v", err)
	}

	if err := s.PruneShadowUpTo(ctx, "works", "w1", first); err != nil {
		t.Fatalf("PruneShadowUpTo() failed: %v", err)
	}

	recs, err := s.ListShadow(ctx, "works")
	if err != nil {
		t.Fatalf("ListShadow() failed: %v", err)
	}
	if len(recs) != 1 || recs[0].Seq != second {
		t.Errorf("after seq prune got %+v, want only seq %d", recs, second)
	}
}

// TestEntityTables_IncludeStrokes tests that stroke data has synced and
// shadow tables like every other collection.
func TestEntityTables_IncludeStrokes(t *testing.T) {
	if !IsEntityTable("strokes") {
		t.Fatal(`IsEntityTable("strokes") = false, want true`)
	}

	s := testStore(t)
	ctx := context.Background()
	if err := s.UpsertSynced(ctx, "strokes", "s1", json.RawMessage(`{"id":"s1"}`)); err != nil {
		t.Fatalf("UpsertSynced(strokes) failed: %v", err)
	}
	if _, err := s.AppendShadow(ctx, "strokes", ShadowRecord{EntityID: "s1", Op: "insert", TS: 1}); err != nil {
		t.Fatalf("AppendShadow(strokes) failed: %v", err)
	}
}

// TestClearEntityTables tests that both synced and shadow rows go.
func TestClearEntityTables(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if err := s.UpsertSynced(ctx, "cards", "c1", json.RawMessage(`{}`)); err != nil {
		t.Fatalf("UpsertSynced() failed: %v", err)
	}
	if _, err := s.AppendShadow(ctx, "cards", ShadowRecord{EntityID: "c1", Op: "update", TS: 1}); err != nil {
		t.Fatalf("AppendShadow() failed: %v", err)
	}

	if err := s.ClearEntityTables(ctx); err != nil {
		t.Fatalf("ClearEntityTables() failed: %v", err)
	}

	for _, table := range []string{"cards", "cards_local"} {
		n, err := s.CountRows(ctx, table)
		if err != nil {
			t.Fatalf("CountRows(%s) failed: %v", table, err)
		}
		if n != 0 {
			t.Errorf("%s has %d rows after clear, want 0", table, n)
		}
	}
}

// TestEnsureAsset_Idempotent tests the 1 hash => 1 asset invariant.
func TestEnsureAsset_Idempotent(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	first, created, err := s.EnsureAsset(ctx, "abc123")
	if err != nil {
		t.Fatalf("first EnsureAsset() failed: %v", err)
	}
	if !created {
		t.Error("first EnsureAsset() did not report creation")
	}

	second, created, err := s.EnsureAsset(ctx, "abc123")
	if err != nil {
		t.Fatalf("second EnsureAsset() failed: %v", err)
	}
	if created {
		t.Error("second EnsureAsset() created a duplicate")
	}
	if first.ID != second.ID {
		t.Errorf("asset id changed: %q vs %q", first.ID, second.ID)
	}

	n, err := s.CountRows(ctx, "assets")
	if err != nil {
		t.Fatalf("CountRows(assets) failed: %v", err)
	}
	if n != 1 {
		t.Errorf("assets has %d rows, want 1", n)
	}
}

// TestPresence_RestoreUnhealthy tests that an upsert flips a missing
// record back to healthy.
func TestPresence_RestoreUnhealthy(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if _, err := s.UpsertPresence(ctx, DevicePresence{
		DeviceID: "dev", Hash: "h1", Present: false, Health: BlobMissing,
	}); err != nil {
		t.Fatalf("UpsertPresence() failed: %v", err)
	}

	created, err := s.UpsertPresence(ctx, DevicePresence{
		DeviceID: "dev", Hash: "h1", Present: true, Health: BlobHealthy, LocalPath: "/x/h1",
	})
	if err != nil {
		t.Fatalf("restore UpsertPresence() failed: %v", err)
	}
	if created {
		t.Error("restore reported creation of a new record")
	}

	p, err := s.GetPresence(ctx, "dev", "h1")
	if err != nil {
		t.Fatalf("GetPresence() failed: %v", err)
	}
	if !p.Present || p.Health != BlobHealthy || p.LocalPath != "/x/h1" {
		t.Errorf("presence not restored: %+v", p)
	}
}

// TestOwnership_CompetingOpenEvicts tests the single-writer policy: a
// second open of the same catalog forces the first handle out.
func TestOwnership_CompetingOpenEvicts(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "shared.db")
	ctx := context.Background()

	first, err := Open(path, "shared", nil)
	if err != nil {
		t.Fatalf("first Open() failed: %v", err)
	}
	defer first.Close()

	second, err := Open(path, "shared", nil)
	if err != nil {
		t.Fatalf("second Open() failed: %v", err)
	}
	defer second.Close()

	// Force the first handle to re-check its claim now rather than
	// waiting for the heartbeat ticker.
	if first.owner.beat() {
		t.Fatal("first handle still owns the catalog after competing open")
	}

	if err := first.UpsertSynced(ctx, "works", "w1", json.RawMessage(`{}`)); err != ErrStoreLocked {
		t.Errorf("evicted handle write error = %v, want ErrStoreLocked", err)
	}

	// The new handle keeps working.
	if err := second.UpsertSynced(ctx, "works", "w1", json.RawMessage(`{}`)); err != nil {
		t.Errorf("second handle write failed: %v", err)
	}
}

// TestState_KV tests the engine-internal state area.
func TestState_KV(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if _, ok, err := s.GetState(ctx, "cursor"); err != nil || ok {
		t.Fatalf("GetState on empty = ok=%v err=%v, want unset", ok, err)
	}

	if err := s.SetState(ctx, "cursor", "42"); err != nil {
		t.Fatalf("SetState() failed: %v", err)
	}
	v, ok, err := s.GetState(ctx, "cursor")
	if err != nil || !ok || v != "42" {
		t.Fatalf("GetState = (%q, %v, %v), want (42, true, nil)", v, ok, err)
	}

	if err := s.ClearState(ctx); err != nil {
		t.Fatalf("ClearState() failed: %v", err)
	}
	if _, ok, _ := s.GetState(ctx, "cursor"); ok {
		t.Error("state survived ClearState")
	}
}
