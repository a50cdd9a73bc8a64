// Package flush drains the write buffer to the server in the background.
//
// One worker runs per device. Each cycle peeks a batch, submits it in a
// single transport call, and reconciles the outcome: confirmed records
// are marked applied (never speculatively, only after the server says
// so), rejected records are marked failed and retried on a later cycle,
// and records that exhaust their retries are removed and reported rather
// than retried forever.
package flush

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/deeprecall/recall-sync/internal/buffer"
	"github.com/deeprecall/recall-sync/internal/store"
)

// Config tunes the worker. Zero values fall back to defaults.
type Config struct {
	// BatchSize is the maximum records submitted per cycle.
	BatchSize int

	// MaxRetries is the per-record attempt ceiling; beyond it a record
	// is abandoned and reported.
	MaxRetries int

	// Interval is the periodic flush cadence.
	Interval time.Duration

	// RetryDelay and MaxRetryDelay bound the backoff applied after a
	// transport failure before the next attempt.
	RetryDelay    time.Duration
	MaxRetryDelay time.Duration
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 5
	}
	if c.Interval <= 0 {
		c.Interval = 30 * time.Second
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 2 * time.Second
	}
	if c.MaxRetryDelay <= 0 {
		c.MaxRetryDelay = 5 * time.Minute
	}
	return c
}

// AbandonFunc is invoked once per record removed at the retry ceiling.
type AbandonFunc func(change buffer.Change, reason string)

// Worker is the flush state machine: Idle -> Flushing -> Idle, re-entered
// on a timer and on demand. Only one flush runs at a time.
type Worker struct {
	buf       *buffer.Buffer
	st        *store.Store
	transport Transport
	cfg       Config
	log       *zap.Logger
	onAbandon AbandonFunc

	mu       sync.Mutex // serializes flush cycles
	flushing bool

	backoffMu sync.Mutex
	policy    backoff.BackOff
	holdUntil time.Time

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New builds a worker over one catalog's buffer. onAbandon may be nil.
func New(buf *buffer.Buffer, st *store.Store, transport Transport, cfg Config, log *zap.Logger, onAbandon AbandonFunc) *Worker {
	if log == nil {
		log = zap.NewNop()
	}
	cfg = cfg.withDefaults()

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = cfg.RetryDelay
	policy.MaxInterval = cfg.MaxRetryDelay
	policy.MaxElapsedTime = 0 // per-record abandonment caps retries, not wall time

	w := &Worker{
		buf:       buf,
		st:        st,
		transport: transport,
		cfg:       cfg,
		log:       log.Named("flush"),
		onAbandon: onAbandon,
		policy:    policy,
	}
	if w.onAbandon == nil {
		w.onAbandon = w.logAbandoned
	}
	return w
}

// Start performs one immediate flush, then flushes on the configured
// cadence until Stop or context cancellation.
func (w *Worker) Start(ctx context.Context) {
	w.runMu.Lock()
	defer w.runMu.Unlock()
	if w.cancel != nil {
		return // already running
	}

	ctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.done = make(chan struct{})

	go func() {
		defer close(w.done)

		if err := w.FlushNow(ctx); err != nil && !errors.Is(err, context.Canceled) {
			w.log.Warn("initial flush failed", zap.Error(err))
		}

		ticker := time.NewTicker(w.cfg.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := w.FlushNow(ctx); err != nil && !errors.Is(err, context.Canceled) {
					w.log.Warn("periodic flush failed", zap.Error(err))
				}
			}
		}
	}()
}

// Stop halts the periodic cadence and waits for an in-flight cycle.
func (w *Worker) Stop() {
	w.runMu.Lock()
	defer w.runMu.Unlock()
	if w.cancel == nil {
		return
	}
	w.cancel()
	<-w.done
	w.cancel = nil
	w.done = nil
}

// FlushNow runs one flush cycle. Concurrent calls coalesce: if a cycle
// is already running the call returns immediately.
func (w *Worker) FlushNow(ctx context.Context) error {
	w.mu.Lock()
	if w.flushing {
		w.mu.Unlock()
		return nil
	}
	w.flushing = true
	w.mu.Unlock()

	defer func() {
		w.mu.Lock()
		w.flushing = false
		w.mu.Unlock()
	}()

	return w.flushCycle(ctx)
}

func (w *Worker) flushCycle(ctx context.Context) error {
	// Honor the backoff hold from a previous transport failure.
	w.backoffMu.Lock()
	hold := w.holdUntil
	w.backoffMu.Unlock()
	if now := time.Now(); now.Before(hold) {
		w.log.Debug("flush deferred by backoff", zap.Duration("remaining", hold.Sub(now)))
		return nil
	}

	// A syncing record outside a running cycle belongs to a flush that
	// died between submit and reconcile. Requeue before selecting, or
	// it stays invisible to Peek forever.
	if _, err := w.buf.ResetSyncing(ctx); err != nil {
		return err
	}

	// Records stuck at the retry ceiling are removed and reported so
	// they never block fairness for younger records.
	if err := w.collectExhausted(ctx); err != nil {
		return err
	}

	batch, err := w.buf.Peek(ctx, w.cfg.BatchSize, w.cfg.MaxRetries)
	if err != nil {
		return fmt.Errorf("failed to peek batch: %w", err)
	}
	if len(batch) == 0 {
		// Empty queue: garbage-collection pass already ran above.
		return nil
	}

	ids := make([]string, len(batch))
	for i, c := range batch {
		ids[i] = c.ID
	}
	if err := w.buf.MarkSyncing(ctx, ids); err != nil {
		return fmt.Errorf("failed to mark batch syncing: %w", err)
	}

	result, err := w.transport.Submit(ctx, batch)
	if err != nil {
		// Transport-level failure: the whole batch failed with one error.
		errs := make(map[string]string, len(ids))
		for _, id := range ids {
			errs[id] = err.Error()
		}
		if markErr := w.buf.MarkFailed(ctx, errs); markErr != nil {
			return fmt.Errorf("failed to record batch failure: %w", markErr)
		}

		w.backoffMu.Lock()
		delay := w.policy.NextBackOff()
		w.holdUntil = time.Now().Add(delay)
		w.backoffMu.Unlock()

		w.log.Warn("batch submission failed",
			zap.Int("records", len(batch)),
			zap.Duration("retry_in", delay),
			zap.Error(err))
		return nil
	}

	w.backoffMu.Lock()
	w.policy.Reset()
	w.holdUntil = time.Time{}
	w.backoffMu.Unlock()

	return w.reconcile(ctx, batch, result)
}

// reconcile applies the server's mixed verdict. Applied ids are marked
// strictly after confirmation; rejected ids are failed and retried on a
// later cycle, not resubmitted immediately.
func (w *Worker) reconcile(ctx context.Context, batch []buffer.Change, result *BatchResult) error {
	byID := make(map[string]buffer.Change, len(batch))
	for _, c := range batch {
		byID[c.ID] = c
	}

	if len(result.Applied) > 0 {
		if err := w.buf.MarkApplied(ctx, result.Applied, nil); err != nil {
			return fmt.Errorf("failed to mark applied: %w", err)
		}
		for _, id := range result.Applied {
			w.confirmShadow(ctx, byID[id])
		}
	}

	errs := make(map[string]string, len(result.Errors))
	for _, e := range result.Errors {
		errs[e.ID] = e.Error
		c := byID[e.ID]
		w.log.Warn("server rejected change",
			zap.String("table", c.Table),
			zap.String("op", string(c.Op)),
			zap.String("entity", c.EntityID()),
			zap.String("error", e.Error))
	}

	// A submitted id the server named in neither list would otherwise
	// stay syncing forever. Treat silence as a failed attempt.
	for _, id := range result.Applied {
		delete(byID, id)
	}
	for _, e := range result.Errors {
		delete(byID, e.ID)
	}
	for id, c := range byID {
		errs[id] = "server did not acknowledge change"
		w.log.Warn("server response omitted change",
			zap.String("table", c.Table),
			zap.String("entity", c.EntityID()))
	}

	if len(errs) > 0 {
		if err := w.buf.MarkFailed(ctx, errs); err != nil {
			return fmt.Errorf("failed to mark rejected records: %w", err)
		}
	}

	w.log.Debug("batch reconciled",
		zap.Int("applied", len(result.Applied)),
		zap.Int("rejected", len(result.Errors)))
	return nil
}

// confirmShadow promotes and prunes the shadow log once the server has
// confirmed a change. Shadow records written after the confirmed change
// stay pending.
func (w *Worker) confirmShadow(ctx context.Context, c buffer.Change) {
	if w.st == nil || !store.IsEntityTable(c.Table) {
		return
	}
	entityID := c.EntityID()
	if entityID == "" {
		return
	}

	if c.Op != buffer.OpDelete {
		if err := w.st.UpsertSynced(ctx, c.Table, entityID, c.Payload); err != nil {
			w.log.Warn("failed to promote confirmed change",
				zap.String("table", c.Table), zap.String("entity", entityID), zap.Error(err))
			return
		}
	} else {
		if err := w.st.DeleteSynced(ctx, c.Table, entityID); err != nil {
			w.log.Warn("failed to apply confirmed delete",
				zap.String("table", c.Table), zap.String("entity", entityID), zap.Error(err))
			return
		}
	}

	// Prune by the shadow seq captured at write time: timestamps tie at
	// millisecond resolution, and a later same-millisecond record whose
	// change is still pending must keep its overlay.
	var err error
	if c.ShadowSeq > 0 {
		err = w.st.PruneShadowUpTo(ctx, c.Table, entityID, c.ShadowSeq)
	} else {
		err = w.st.PruneShadowThrough(ctx, c.Table, entityID, c.CreatedAt)
	}
	if err != nil {
		w.log.Warn("failed to prune shadow log",
			zap.String("table", c.Table), zap.String("entity", entityID), zap.Error(err))
	}
}

// collectExhausted removes records at the retry ceiling and reports each
// as a terminal failure.
func (w *Worker) collectExhausted(ctx context.Context) error {
	exhausted, err := w.buf.Exhausted(ctx, w.cfg.MaxRetries)
	if err != nil {
		return fmt.Errorf("failed to collect exhausted records: %w", err)
	}

	for _, c := range exhausted {
		if err := w.buf.Remove(ctx, c.ID); err != nil {
			return fmt.Errorf("failed to remove abandoned record: %w", err)
		}
		w.onAbandon(c, fmt.Sprintf("abandoned after %d attempts: %s", c.RetryCount, c.Error))
	}
	return nil
}

func (w *Worker) logAbandoned(c buffer.Change, reason string) {
	w.log.Error("change abandoned",
		zap.String("table", c.Table),
		zap.String("op", string(c.Op)),
		zap.String("entity", c.EntityID()),
		zap.String("reason", reason))
}
