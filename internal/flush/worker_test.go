package flush

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/deeprecall/recall-sync/internal/buffer"
	"github.com/deeprecall/recall-sync/internal/store"
)

// fakeTransport scripts batch outcomes per call.
type fakeTransport struct {
	mu      sync.Mutex
	calls   int
	batches [][]buffer.Change
	respond func(call int, changes []buffer.Change) (*BatchResult, error)
}

func (f *fakeTransport) Submit(ctx context.Context, changes []buffer.Change) (*BatchResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.batches = append(f.batches, changes)
	return f.respond(f.calls, changes)
}

func allApplied(changes []buffer.Change) *BatchResult {
	r := &BatchResult{}
	for _, c := range changes {
		r.Applied = append(r.Applied, c.ID)
	}
	return r
}

func testHarness(t *testing.T, respond func(call int, changes []buffer.Change) (*BatchResult, error)) (*buffer.Buffer, *store.Store, *Worker, *fakeTransport) {
	t.Helper()
	st, err := store.OpenCatalog(t.TempDir(), "", "deadbeef", nil)
	if err != nil {
		t.Fatalf("OpenCatalog() failed: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	buf := buffer.New(st, nil)
	ft := &fakeTransport{respond: respond}
	w := New(buf, st, ft, Config{
		BatchSize:  10,
		MaxRetries: 3,
		RetryDelay: time.Millisecond,
	}, nil, nil)
	return buf, st, w, ft
}

// TestWorker_OfflineThenRecover tests that three queued
// changes survive a failing transport with retry counts bumped, then
// drain fully once the transport recovers.
func TestWorker_OfflineThenRecover(t *testing.T) {
	ctx := context.Background()
	fail := true
	buf, _, w, ft := testHarness(t, func(call int, changes []buffer.Change) (*BatchResult, error) {
		if fail {
			return nil, errors.New("network unreachable")
		}
		return allApplied(changes), nil
	})

	for i := 0; i < 3; i++ {
		payload := json.RawMessage(fmt.Sprintf(`{"id":"e%d","v":1}`, i))
		if _, err := buf.Enqueue(ctx, "works", buffer.OpInsert, payload); err != nil {
			t.Fatalf("Enqueue() failed: %v", err)
		}
	}

	if err := w.FlushNow(ctx); err != nil {
		t.Fatalf("failing FlushNow() returned error: %v", err)
	}

	// A failed flush deletes nothing; pending count is unchanged at the
	// size level once records return to eligibility.
	all, err := buf.All(ctx)
	if err != nil {
		t.Fatalf("All() failed: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("buffer has %d records after failed flush, want 3", len(all))
	}
	for _, c := range all {
		if c.RetryCount != 1 {
			t.Errorf("record %s retry_count = %d, want 1", c.ID, c.RetryCount)
		}
		if c.Status != buffer.StatusError {
			t.Errorf("record %s status = %q, want error", c.ID, c.Status)
		}
	}

	// Recover. The worker holds off by backoff; wait it out.
	fail = false
	time.Sleep(5 * time.Millisecond)
	if err := w.FlushNow(ctx); err != nil {
		t.Fatalf("recovering FlushNow() returned error: %v", err)
	}

	if n, _ := buf.Size(ctx); n != 0 {
		t.Errorf("Size() = %d after successful flush, want 0", n)
	}
	if ft.calls != 2 {
		t.Errorf("transport called %d times, want 2", ft.calls)
	}
}

// TestWorker_MixedResponse tests per-record reconciliation of a mixed
// server verdict.
func TestWorker_MixedResponse(t *testing.T) {
	ctx := context.Background()
	buf, _, w, _ := testHarness(t, func(call int, changes []buffer.Change) (*BatchResult, error) {
		return &BatchResult{
			Applied: []string{changes[0].ID},
			Errors:  []BatchError{{ID: changes[1].ID, Error: "validation failed"}},
		}, nil
	})

	a, _ := buf.Enqueue(ctx, "works", buffer.OpInsert, json.RawMessage(`{"id":"a"}`))
	bRec, _ := buf.Enqueue(ctx, "works", buffer.OpInsert, json.RawMessage(`{"id":"b"}`))

	if err := w.FlushNow(ctx); err != nil {
		t.Fatalf("FlushNow() failed: %v", err)
	}

	all, _ := buf.All(ctx)
	byID := map[string]buffer.Change{}
	for _, c := range all {
		byID[c.ID] = c
	}

	if byID[a.ID].Status != buffer.StatusApplied {
		t.Errorf("applied record status = %q", byID[a.ID].Status)
	}
	if byID[bRec.ID].Status != buffer.StatusError || byID[bRec.ID].RetryCount != 1 {
		t.Errorf("rejected record = %+v, want error with one attempt", byID[bRec.ID])
	}
	if byID[bRec.ID].Error != "validation failed" {
		t.Errorf("rejected record error = %q", byID[bRec.ID].Error)
	}
}

// TestWorker_AppliedPromotesShadow tests that confirmation moves the
// entity into the synced table and prunes its shadow log.
func TestWorker_AppliedPromotesShadow(t *testing.T) {
	ctx := context.Background()
	buf, st, w, _ := testHarness(t, func(call int, changes []buffer.Change) (*BatchResult, error) {
		return allApplied(changes), nil
	})

	payload := json.RawMessage(`{"id":"w1","title":"t"}`)
	c, _ := buf.Enqueue(ctx, "works", buffer.OpInsert, payload)
	if _, err := st.AppendShadow(ctx, "works", store.ShadowRecord{
		EntityID: "w1", Op: "insert", Payload: payload, TS: c.CreatedAt,
	}); err != nil {
		t.Fatalf("AppendShadow() failed: %v", err)
	}

	if err := w.FlushNow(ctx); err != nil {
		t.Fatalf("FlushNow() failed: %v", err)
	}

	row, err := st.GetSynced(ctx, "works", "w1")
	if err != nil {
		t.Fatalf("GetSynced() failed: %v", err)
	}
	if row == nil {
		t.Fatal("confirmed entity missing from synced table")
	}

	shadows, _ := st.ListShadow(ctx, "works")
	if len(shadows) != 0 {
		t.Errorf("shadow log has %d records after confirmation, want 0", len(shadows))
	}
}

// TestWorker_RequeuesInterruptedBatch tests that records stuck syncing by
// a flush that never reconciled (crash, stop) are resubmitted on the next
// cycle instead of being stranded.
func TestWorker_RequeuesInterruptedBatch(t *testing.T) {
	ctx := context.Background()
	buf, _, w, ft := testHarness(t, func(call int, changes []buffer.Change) (*BatchResult, error) {
		return allApplied(changes), nil
	})

	a, _ := buf.Enqueue(ctx, "works", buffer.OpInsert, json.RawMessage(`{"id":"a"}`))
	bRec, _ := buf.Enqueue(ctx, "works", buffer.OpInsert, json.RawMessage(`{"id":"b"}`))

	// Simulate a flush that died between submit and reconcile.
	if err := buf.MarkSyncing(ctx, []string{a.ID, bRec.ID}); err != nil {
		t.Fatalf("MarkSyncing() failed: %v", err)
	}

	if err := w.FlushNow(ctx); err != nil {
		t.Fatalf("FlushNow() failed: %v", err)
	}

	if ft.calls != 1 {
		t.Fatalf("transport called %d times, want 1 (interrupted records resubmitted)", ft.calls)
	}
	if len(ft.batches[0]) != 2 {
		t.Errorf("resubmitted batch has %d records, want 2", len(ft.batches[0]))
	}
	if n, _ := buf.Size(ctx); n != 0 {
		t.Errorf("Size() = %d after recovery flush, want 0", n)
	}
}

// TestWorker_UnacknowledgedMarkedFailed tests that a submitted record the
// server named in neither the applied nor the error list counts as a
// failed attempt rather than staying in flight forever.
func TestWorker_UnacknowledgedMarkedFailed(t *testing.T) {
	ctx := context.Background()
	buf, _, w, _ := testHarness(t, func(call int, changes []buffer.Change) (*BatchResult, error) {
		return &BatchResult{}, nil
	})

	c, _ := buf.Enqueue(ctx, "works", buffer.OpInsert, json.RawMessage(`{"id":"a"}`))

	if err := w.FlushNow(ctx); err != nil {
		t.Fatalf("FlushNow() failed: %v", err)
	}

	all, _ := buf.All(ctx)
	if len(all) != 1 {
		t.Fatalf("buffer has %d records, want 1", len(all))
	}
	if all[0].Status != buffer.StatusError || all[0].RetryCount != 1 {
		t.Errorf("unacknowledged record = %+v, want error with one attempt", all[0])
	}

	// Still retry-eligible on a later cycle.
	got, err := buf.Peek(ctx, 10, 3)
	if err != nil {
		t.Fatalf("Peek() failed: %v", err)
	}
	if len(got) != 1 || got[0].ID != c.ID {
		t.Errorf("Peek() = %+v, want the unacknowledged record back", got)
	}
}

// TestWorker_SameMillisecondShadowKept tests that confirming one change
// prunes only up to its own shadow record: a later write to the same
// entity in the same millisecond keeps its overlay while its change is
// still unconfirmed.
func TestWorker_SameMillisecondShadowKept(t *testing.T) {
	ctx := context.Background()
	var firstID string
	buf, st, w, _ := testHarness(t, func(call int, changes []buffer.Change) (*BatchResult, error) {
		r := &BatchResult{}
		for _, c := range changes {
			if c.ID == firstID {
				r.Applied = append(r.Applied, c.ID)
			} else {
				r.Errors = append(r.Errors, BatchError{ID: c.ID, Error: "conflict"})
			}
		}
		return r, nil
	})

	const ts = int64(1000)
	v1 := json.RawMessage(`{"id":"w1","v":1}`)
	v2 := json.RawMessage(`{"id":"w1","v":2}`)

	seq1, err := st.AppendShadow(ctx, "works", store.ShadowRecord{EntityID: "w1", Op: "update", Payload: v1, TS: ts})
	if err != nil {
		t.Fatalf("AppendShadow() failed: %v", err)
	}
	seq2, err := st.AppendShadow(ctx, "works", store.ShadowRecord{EntityID: "w1", Op: "update", Payload: v2, TS: ts})
	if err != nil {
		t.Fatalf("AppendShadow() failed: %v", err)
	}

	first, err := buf.EnqueueLinked(ctx, "works", buffer.OpUpdate, v1, seq1)
	if err != nil {
		t.Fatalf("EnqueueLinked() failed: %v", err)
	}
	firstID = first.ID
	if _, err := buf.EnqueueLinked(ctx, "works", buffer.OpUpdate, v2, seq2); err != nil {
		t.Fatalf("EnqueueLinked() failed: %v", err)
	}

	if err := w.FlushNow(ctx); err != nil {
		t.Fatalf("FlushNow() failed: %v", err)
	}

	shadows, err := st.ListShadow(ctx, "works")
	if err != nil {
		t.Fatalf("ListShadow() failed: %v", err)
	}
	if len(shadows) != 1 || shadows[0].Seq != seq2 {
		t.Fatalf("shadow log = %+v, want only the unconfirmed record at seq %d", shadows, seq2)
	}
}

// TestWorker_AbandonsExhausted tests removal and reporting at the retry
// ceiling.
func TestWorker_AbandonsExhausted(t *testing.T) {
	ctx := context.Background()
	buf, st, _, _ := testHarness(t, nil)

	c, _ := buf.Enqueue(ctx, "works", buffer.OpUpdate, json.RawMessage(`{"id":"w1"}`))
	for i := 0; i < 3; i++ {
		if err := buf.MarkFailed(ctx, map[string]string{c.ID: "persistent failure"}); err != nil {
			t.Fatalf("MarkFailed() failed: %v", err)
		}
	}

	var abandoned []buffer.Change
	ft := &fakeTransport{respond: func(call int, changes []buffer.Change) (*BatchResult, error) {
		return allApplied(changes), nil
	}}
	w := New(buf, st, ft, Config{BatchSize: 10, MaxRetries: 3}, nil,
		func(c buffer.Change, reason string) { abandoned = append(abandoned, c) })

	if err := w.FlushNow(ctx); err != nil {
		t.Fatalf("FlushNow() failed: %v", err)
	}

	if len(abandoned) != 1 || abandoned[0].ID != c.ID {
		t.Fatalf("abandoned = %+v, want the exhausted record", abandoned)
	}
	all, _ := buf.All(ctx)
	if len(all) != 0 {
		t.Errorf("buffer has %d records after abandonment, want 0", len(all))
	}
	if ft.calls != 0 {
		t.Errorf("transport called %d times for an empty eligible queue, want 0", ft.calls)
	}
}

// TestWorker_SingleFlight tests that concurrent FlushNow calls coalesce.
func TestWorker_SingleFlight(t *testing.T) {
	ctx := context.Background()
	release := make(chan struct{})
	buf, _, w, ft := testHarness(t, func(call int, changes []buffer.Change) (*BatchResult, error) {
		<-release
		return allApplied(changes), nil
	})

	if _, err := buf.Enqueue(ctx, "works", buffer.OpInsert, json.RawMessage(`{"id":"a"}`)); err != nil {
		t.Fatalf("Enqueue() failed: %v", err)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = w.FlushNow(ctx)
	}()

	// Give the first flush time to reach the transport, then pile on.
	time.Sleep(20 * time.Millisecond)
	for i := 0; i < 5; i++ {
		if err := w.FlushNow(ctx); err != nil {
			t.Errorf("coalesced FlushNow() returned error: %v", err)
		}
	}
	close(release)
	wg.Wait()

	if ft.calls != 1 {
		t.Errorf("transport called %d times, want 1 (single flight)", ft.calls)
	}
}

// TestWorker_EmptyQueueNoSubmit tests that an empty queue skips the
// transport entirely.
func TestWorker_EmptyQueueNoSubmit(t *testing.T) {
	_, _, w, ft := testHarness(t, func(call int, changes []buffer.Change) (*BatchResult, error) {
		return allApplied(changes), nil
	})

	if err := w.FlushNow(context.Background()); err != nil {
		t.Fatalf("FlushNow() failed: %v", err)
	}
	if ft.calls != 0 {
		t.Errorf("transport called %d times on empty queue, want 0", ft.calls)
	}
}
