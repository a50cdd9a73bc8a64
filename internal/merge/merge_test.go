package merge

import "testing"

func entity(id string, kv ...any) Entity {
	e := Entity{"id": id}
	for i := 0; i+1 < len(kv); i += 2 {
		e[kv[i].(string)] = kv[i+1]
	}
	return e
}

func findByID(t *testing.T, out []Entity, id string) Entity {
	t.Helper()
	for _, e := range out {
		if e["id"] == id {
			return e
		}
	}
	t.Fatalf("entity %q not in merged output", id)
	return nil
}

// TestMerge_FoldOrder tests that updates fold ascending by timestamp no
// matter how the input slice is ordered.
func TestMerge_FoldOrder(t *testing.T) {
	synced := []Entity{entity("a", "v", 1)}

	forward := []Shadow{
		{Seq: 1, EntityID: "a", Op: "update", TS: 1, Snapshot: Entity{"v": 2}},
		{Seq: 2, EntityID: "a", Op: "update", TS: 2, Snapshot: Entity{"v": 3}},
	}
	reversed := []Shadow{forward[1], forward[0]}

	for name, local := range map[string][]Shadow{"forward": forward, "reversed": reversed} {
		out := Merge(synced, local)
		a := findByID(t, out, "a")
		if a["v"] != 3 {
			t.Errorf("%s order: v = %v, want 3", name, a["v"])
		}
	}
}

// TestMerge_PartialPatchesAccumulate tests that every update folds, not
// just the latest: each may patch different fields.
func TestMerge_PartialPatchesAccumulate(t *testing.T) {
	synced := []Entity{entity("a", "title", "old", "status", "open")}
	local := []Shadow{
		{Seq: 1, EntityID: "a", Op: "update", TS: 1, Snapshot: Entity{"title": "new"}},
		{Seq: 2, EntityID: "a", Op: "update", TS: 2, Snapshot: Entity{"status": "done"}},
	}

	a := findByID(t, Merge(synced, local), "a")
	if a["title"] != "new" || a["status"] != "done" {
		t.Errorf("partial patches lost: %+v", a)
	}
}

// TestMerge_TombstonePrecedence tests that a delete hides the entity
// regardless of other records.
func TestMerge_TombstonePrecedence(t *testing.T) {
	synced := []Entity{entity("a")}
	local := []Shadow{
		{Seq: 1, EntityID: "a", Op: "update", TS: 1, Snapshot: Entity{"v": 9}},
		{Seq: 2, EntityID: "a", Op: "delete", TS: 5},
	}

	for _, e := range Merge(synced, local) {
		if e["id"] == "a" {
			t.Fatal("tombstoned entity present in merged output")
		}
	}
}

// TestMerge_PendingInsert tests overlay of an entity the server has
// never seen.
func TestMerge_PendingInsert(t *testing.T) {
	local := []Shadow{
		{Seq: 1, EntityID: "n", Op: "insert", TS: 1, Snapshot: entity("n", "v", 1)},
		{Seq: 2, EntityID: "n", Op: "update", TS: 2, Snapshot: Entity{"v": 2}},
	}

	out := Merge(nil, local)
	if len(out) != 1 {
		t.Fatalf("got %d entities, want 1", len(out))
	}
	n := out[0]
	if n["v"] != 2 {
		t.Errorf("v = %v, want 2", n["v"])
	}

	meta, ok := n[LocalKey].(map[string]any)
	if !ok {
		t.Fatalf("merged entity missing %s tag", LocalKey)
	}
	if meta["op"] != "update" || meta["timestamp"] != int64(2) {
		t.Errorf("%s tag = %+v, want latest record's op/ts", LocalKey, meta)
	}
}

// TestMerge_OneLiveInsertPerID tests that only the latest insert counts.
func TestMerge_OneLiveInsertPerID(t *testing.T) {
	local := []Shadow{
		{Seq: 1, EntityID: "n", Op: "insert", TS: 1, Snapshot: entity("n", "v", "first")},
		{Seq: 2, EntityID: "n", Op: "insert", TS: 5, Snapshot: entity("n", "v", "second")},
	}

	out := Merge(nil, local)
	if len(out) != 1 {
		t.Fatalf("got %d entities, want 1", len(out))
	}
	if out[0]["v"] != "second" {
		t.Errorf("v = %v, want the latest insert snapshot", out[0]["v"])
	}
}

// TestMerge_InsertedTombstoned tests that an insert followed by a delete
// produces nothing.
func TestMerge_InsertedTombstoned(t *testing.T) {
	local := []Shadow{
		{Seq: 1, EntityID: "n", Op: "insert", TS: 1, Snapshot: entity("n")},
		{Seq: 2, EntityID: "n", Op: "delete", TS: 2},
	}
	if out := Merge(nil, local); len(out) != 0 {
		t.Errorf("got %d entities, want 0", len(out))
	}
}

// TestMerge_PassThrough tests that untouched synced entities survive
// unchanged and untagged.
func TestMerge_PassThrough(t *testing.T) {
	synced := []Entity{entity("a", "v", 1), entity("b", "v", 2)}
	local := []Shadow{
		{Seq: 1, EntityID: "a", Op: "update", TS: 1, Snapshot: Entity{"v": 10}},
	}

	out := Merge(synced, local)
	b := findByID(t, out, "b")
	if b["v"] != 2 {
		t.Errorf("pass-through entity mutated: %+v", b)
	}
	if _, tagged := b[LocalKey]; tagged {
		t.Errorf("pass-through entity carries %s tag", LocalKey)
	}

	// The original synced input must not be mutated by the overlay.
	if synced[0]["v"] != 1 {
		t.Errorf("merge mutated its input: %+v", synced[0])
	}
}

// TestMerge_UpdatesWithoutBaseDropped tests that orphan updates (no
// synced row, no pending insert) produce nothing.
func TestMerge_UpdatesWithoutBaseDropped(t *testing.T) {
	local := []Shadow{
		{Seq: 1, EntityID: "ghost", Op: "update", TS: 1, Snapshot: Entity{"v": 1}},
	}
	if out := Merge(nil, local); len(out) != 0 {
		t.Errorf("orphan update produced %d entities, want 0", len(out))
	}
}

// TestMerge_TimestampTieBrokenBySeq tests deterministic folding when two
// updates share a timestamp.
func TestMerge_TimestampTieBrokenBySeq(t *testing.T) {
	synced := []Entity{entity("a", "v", 0)}
	local := []Shadow{
		{Seq: 2, EntityID: "a", Op: "update", TS: 7, Snapshot: Entity{"v": "later"}},
		{Seq: 1, EntityID: "a", Op: "update", TS: 7, Snapshot: Entity{"v": "earlier"}},
	}

	a := findByID(t, Merge(synced, local), "a")
	if a["v"] != "later" {
		t.Errorf("v = %v, want the higher-seq record to win the tie", a["v"])
	}
}
