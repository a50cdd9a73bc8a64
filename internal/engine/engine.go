// Package engine assembles the sync engine and owns its lifecycle.
//
// The engine binds one device to one catalog at a time: the guest
// catalog, or the signed-in account's catalog after an identity
// transition. All writes go through the engine so every mutation lands
// in the shadow log and the write buffer together; reads come from the
// merge of server state and the shadow overlay.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/deeprecall/recall-sync/internal/api"
	"github.com/deeprecall/recall-sync/internal/blob"
	"github.com/deeprecall/recall-sync/internal/buffer"
	"github.com/deeprecall/recall-sync/internal/device"
	"github.com/deeprecall/recall-sync/internal/flush"
	"github.com/deeprecall/recall-sync/internal/identity"
	"github.com/deeprecall/recall-sync/internal/merge"
	"github.com/deeprecall/recall-sync/internal/realtime"
	"github.com/deeprecall/recall-sync/internal/session"
	"github.com/deeprecall/recall-sync/internal/store"
)

// Config assembles an engine.
type Config struct {
	// DataDir holds catalogs, the device record, and the session file.
	DataDir string

	// BlobDir is the content-addressed blob directory.
	BlobDir string

	// ServerURL is the sync server base URL.
	ServerURL string

	// FeedURL is the realtime feed endpoint. Empty disables the feed.
	FeedURL string

	// Flush tunes the background flush worker.
	Flush flush.Config

	// WipeWait bounds the post-wipe wait for server blob metadata.
	WipeWait time.Duration

	// WatchDebounce batches blob directory events into one rescan.
	WatchDebounce time.Duration
}

// Engine is one running sync engine instance.
type Engine struct {
	cfg  Config
	log  *zap.Logger
	dev  device.Record
	sess *session.State

	client   *api.Client
	ids      *identity.Manager
	dirStore *blob.DirStore
	coord    *blob.Coordinator

	mu      sync.Mutex
	cat     *store.Store
	buf     *buffer.Buffer
	worker  *flush.Worker
	started bool

	// token has its own lock: the flush worker and the feed read it
	// from goroutines the engine may be waiting on under mu.
	tokenMu sync.Mutex
	token   string

	watcher  *blob.Watcher
	watchCtx context.CancelFunc

	stopFeed func()

	onLocked func()
}

const sessionFile = "session.json"

type persistedSession struct {
	UserID string `json:"user_id"`
	Token  string `json:"token"`
}

// New assembles an engine. A session persisted by a previous process is
// resumed; otherwise the engine starts as a guest.
func New(cfg Config, log *zap.Logger) (*Engine, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.BlobDir == "" {
		cfg.BlobDir = filepath.Join(cfg.DataDir, "blobs")
	}

	dev, err := device.Load(cfg.DataDir)
	if err != nil {
		return nil, err
	}

	dirStore, err := blob.NewDirStore(cfg.BlobDir)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:      cfg,
		log:      log.Named("engine"),
		dev:      dev,
		sess:     session.New(dev.ID),
		dirStore: dirStore,
		coord:    blob.NewCoordinator(dev.ID, dirStore, log),
	}
	e.client = api.New(cfg.ServerURL, e.currentToken, log)

	e.ids = identity.New(identity.Config{
		Session:   e.sess,
		Transport: e.client,
		Status:    e.client.Status,
		Open: func(userID string) (*store.Store, error) {
			return store.OpenCatalog(cfg.DataDir, userID, dev.ShortID(), log)
		},
		SeedPresets: e.seedPresets,
		Rescan:      e.rescan,
		StartFeed: func(ctx context.Context, st *store.Store) func() {
			return e.launchFeed(st)
		},
		WipeWait: cfg.WipeWait,
		Log:      log,
	})

	userID := ""
	if saved, ok := e.loadSession(); ok {
		if err := e.ids.Restore(saved.UserID); err != nil {
			return nil, err
		}
		e.setToken(saved.Token)
		userID = saved.UserID
		e.log.Info("resumed persisted session", zap.String("user", saved.UserID))
	}

	cat, err := store.OpenCatalog(cfg.DataDir, userID, dev.ShortID(), log)
	if err != nil {
		return nil, err
	}
	e.adoptCatalog(cat)

	if userID == "" {
		if err := e.seedPresets(context.Background(), cat); err != nil {
			e.log.Warn("failed to seed presets", zap.Error(err))
		}
	}
	return e, nil
}

// Device returns this installation's identity record.
func (e *Engine) Device() device.Record { return e.dev }

// Session returns the live session state.
func (e *Engine) Session() *session.State { return e.sess }

// Catalog returns the currently bound catalog.
func (e *Engine) Catalog() *store.Store {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cat
}

// OnStoreLocked registers a callback fired when another process claims
// the catalog. The callback should schedule Reload or a shutdown.
func (e *Engine) OnStoreLocked(fn func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onLocked = fn
}

// Start begins background work: the blob directory watcher always, and
// the flush worker plus realtime feed when signed in.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return nil
	}

	watchCtx, cancel := context.WithCancel(context.Background())
	watcher, err := blob.NewWatcher(e.dirStore, blob.WatcherConfig{Debounce: e.cfg.WatchDebounce}, e.log, func() {
		if _, err := e.ScanBlobs(context.Background()); err != nil {
			e.log.Warn("triggered blob scan failed", zap.Error(err))
		}
	})
	if err != nil {
		cancel()
		return err
	}
	if err := watcher.Start(watchCtx); err != nil {
		cancel()
		return err
	}
	e.watcher = watcher
	e.watchCtx = cancel
	e.started = true

	if e.sess.Snapshot().Authenticated {
		e.startSyncLocked(ctx)
	}
	return nil
}

// Stop halts background work and closes the catalog.
func (e *Engine) Stop() error {
	// Detach the watcher before taking mu for the rest: its callback
	// takes mu, so closing it under the lock would deadlock.
	e.mu.Lock()
	e.started = false
	watcher, cancel := e.watcher, e.watchCtx
	e.watcher, e.watchCtx = nil, nil
	e.mu.Unlock()

	if watcher != nil {
		cancel()
		_ = watcher.Close()
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.stopSyncLocked()

	if e.cat != nil {
		return e.cat.Close()
	}
	return nil
}

// Write records one mutation: an append to the table's shadow log plus a
// durable entry in the write buffer. It touches only local state, so it
// succeeds whether or not the device is online.
func (e *Engine) Write(ctx context.Context, table string, op buffer.Operation, payload json.RawMessage) error {
	if !store.IsEntityTable(table) {
		return fmt.Errorf("engine: unknown table %q", table)
	}

	var probe struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(payload, &probe); err != nil || probe.ID == "" {
		return fmt.Errorf("engine: payload for %s must carry an id", table)
	}

	e.mu.Lock()
	cat, buf, worker := e.cat, e.buf, e.worker
	authenticated := e.sess.Snapshot().Authenticated && e.started
	e.mu.Unlock()

	shadow := store.ShadowRecord{
		EntityID: probe.ID,
		Op:       string(op),
		Payload:  payload,
		TS:       time.Now().UnixMilli(),
	}
	if op == buffer.OpDelete {
		shadow.Payload = nil
	}
	seq, err := cat.AppendShadow(ctx, table, shadow)
	if err != nil {
		return err
	}

	queued := payload
	if op == buffer.OpDelete {
		queued = json.RawMessage(fmt.Sprintf(`{"id":%q}`, probe.ID))
	}
	if _, err := buf.EnqueueLinked(ctx, table, op, queued, seq); err != nil {
		return err
	}

	if authenticated && worker != nil {
		go func() {
			if err := worker.FlushNow(context.Background()); err != nil {
				e.log.Warn("post-write flush failed", zap.Error(err))
			}
		}()
	}
	return nil
}

// Delete is shorthand for a delete write.
func (e *Engine) Delete(ctx context.Context, table, id string) error {
	return e.Write(ctx, table, buffer.OpDelete, json.RawMessage(fmt.Sprintf(`{"id":%q}`, id)))
}

// MergedView returns a table as the application should see it: the last
// known server state overlaid with unconfirmed local changes.
func (e *Engine) MergedView(ctx context.Context, table string) ([]merge.Entity, error) {
	e.mu.Lock()
	cat := e.cat
	e.mu.Unlock()

	rows, err := cat.ListSynced(ctx, table)
	if err != nil {
		return nil, err
	}
	synced := make([]merge.Entity, 0, len(rows))
	for _, r := range rows {
		ent := merge.Entity{}
		if err := json.Unmarshal(r.Payload, &ent); err != nil {
			return nil, fmt.Errorf("engine: corrupt payload for %s/%s: %w", table, r.ID, err)
		}
		ent["id"] = r.ID
		synced = append(synced, ent)
	}

	recs, err := cat.ListShadow(ctx, table)
	if err != nil {
		return nil, err
	}
	local := make([]merge.Shadow, 0, len(recs))
	for _, r := range recs {
		s := merge.Shadow{
			Seq:      r.Seq,
			EntityID: r.EntityID,
			Op:       r.Op,
			Status:   string(r.Status),
			TS:       r.TS,
		}
		if r.Payload != nil {
			snap := merge.Entity{}
			if err := json.Unmarshal(r.Payload, &snap); err != nil {
				return nil, fmt.Errorf("engine: corrupt shadow payload for %s/%s: %w", table, r.EntityID, err)
			}
			s.Snapshot = snap
		}
		local = append(local, s)
	}

	return merge.Merge(synced, local), nil
}

// SignIn transitions to the given account. token authenticates all
// server calls from this point, including the migration batch itself.
func (e *Engine) SignIn(ctx context.Context, userID, token string) error {
	if snap := e.sess.Snapshot(); snap.Authenticated {
		return fmt.Errorf("engine: already signed in as %s", snap.UserID)
	}
	e.setToken(token)

	e.mu.Lock()
	cat := e.cat
	e.stopSyncLocked()
	e.mu.Unlock()

	next, err := e.ids.SignIn(ctx, userID, cat)
	if err != nil {
		e.setToken("")
		return err
	}

	e.mu.Lock()
	e.adoptCatalog(next)
	if err := e.saveSession(persistedSession{UserID: userID, Token: token}); err != nil {
		e.log.Warn("failed to persist session", zap.Error(err))
	}
	if e.started {
		e.startSyncLocked(ctx)
	}
	e.mu.Unlock()

	e.log.Info("signed in", zap.String("user", userID))
	return nil
}

// SignOut wipes the account's local state and returns to guest mode.
func (e *Engine) SignOut(ctx context.Context) error {
	e.mu.Lock()
	cat := e.cat
	e.stopSyncLocked()
	e.mu.Unlock()

	guest, err := e.ids.SignOut(ctx, cat)
	if err != nil {
		return err
	}

	e.setToken("")
	e.mu.Lock()
	e.adoptCatalog(guest)
	e.clearSession()
	e.mu.Unlock()

	e.log.Info("signed out")
	return nil
}

// Reload reopens the catalog for the current identity. The application
// shell calls this after an eviction (another process took ownership and
// has since released it, or the user chose this instance).
func (e *Engine) Reload(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	snap := e.sess.Snapshot()
	cat, err := store.OpenCatalog(e.cfg.DataDir, snap.UserID, e.dev.ShortID(), e.log)
	if err != nil {
		return err
	}

	e.stopSyncLocked()
	if e.cat != nil {
		_ = e.cat.Close()
	}
	e.adoptCatalog(cat)
	if e.started && snap.Authenticated {
		e.startSyncLocked(ctx)
	}
	return nil
}

// ScanBlobs runs one blob coordination pass against the current catalog.
func (e *Engine) ScanBlobs(ctx context.Context) (blob.ScanStats, error) {
	e.mu.Lock()
	cat, buf := e.cat, (*buffer.Buffer)(nil)
	if e.sess.Snapshot().Authenticated {
		buf = e.buf
	}
	e.mu.Unlock()
	return e.coord.Sync(ctx, cat, buf)
}

// CheckIntegrity verifies blob presence claims without mutating them.
func (e *Engine) CheckIntegrity(ctx context.Context) (blob.IntegrityReport, error) {
	return e.coord.Integrity(ctx, e.Catalog())
}

// RepairIntegrity verifies claims and records missing files.
func (e *Engine) RepairIntegrity(ctx context.Context) (blob.IntegrityReport, error) {
	return e.coord.Repair(ctx, e.Catalog())
}

// Status summarizes the engine for diagnostics.
type Status struct {
	Device        device.Record    `json:"device"`
	Session       session.Snapshot `json:"session"`
	State         string           `json:"state"`
	Catalog       string           `json:"catalog"`
	PendingWrites int              `json:"pending_writes"`
	Blobs         int              `json:"blobs"`
}

// Status reports the current engine state.
func (e *Engine) Status(ctx context.Context) (Status, error) {
	e.mu.Lock()
	cat, buf := e.cat, e.buf
	e.mu.Unlock()

	pending, err := buf.Size(ctx)
	if err != nil {
		return Status{}, err
	}
	blobs, err := cat.CountRows(ctx, "blobs_meta")
	if err != nil {
		return Status{}, err
	}

	return Status{
		Device:        e.dev,
		Session:       e.sess.Snapshot(),
		State:         e.ids.Current(),
		Catalog:       cat.Name(),
		PendingWrites: pending,
		Blobs:         blobs,
	}, nil
}

// FlushNow forces one flush cycle.
func (e *Engine) FlushNow(ctx context.Context) error {
	e.mu.Lock()
	worker := e.worker
	e.mu.Unlock()
	if worker == nil {
		return nil
	}
	return worker.FlushNow(ctx)
}

// adoptCatalog rebinds the engine to a catalog. Caller holds e.mu or is
// single-threaded construction.
func (e *Engine) adoptCatalog(cat *store.Store) {
	e.cat = cat
	e.buf = buffer.New(cat, e.log)
	e.worker = flush.New(e.buf, cat, e.client, e.cfg.Flush, e.log, nil)
	cat.OnEvicted(func() {
		e.log.Warn("catalog taken over by another instance")
		e.mu.Lock()
		fn := e.onLocked
		e.mu.Unlock()
		if fn != nil {
			fn()
		}
	})
}

// launchFeed starts a realtime feed against a catalog and returns its
// stop function. Used for the long-lived feed and for the transient one
// the wipe transition runs while waiting for server blob metadata.
func (e *Engine) launchFeed(cat *store.Store) func() {
	if e.cfg.FeedURL == "" {
		return func() {}
	}

	rt := realtime.New(
		realtime.Config{URL: e.cfg.FeedURL},
		realtime.NewCatalogApplier(cat),
		e.log,
	)
	rt.TokenFunc = e.currentToken

	rtCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = rt.Run(rtCtx)
	}()
	return func() {
		cancel()
		<-done
	}
}

// startSyncLocked starts the flush worker and the realtime feed. Caller
// holds e.mu.
func (e *Engine) startSyncLocked(ctx context.Context) {
	e.worker.Start(ctx)
	e.stopFeed = e.launchFeed(e.cat)
}

// stopSyncLocked stops the flush worker and the realtime feed. Caller
// holds e.mu.
func (e *Engine) stopSyncLocked() {
	if e.worker != nil {
		e.worker.Stop()
	}
	if e.stopFeed != nil {
		e.stopFeed()
		e.stopFeed = nil
	}
}

func (e *Engine) currentToken() string {
	e.tokenMu.Lock()
	defer e.tokenMu.Unlock()
	return e.token
}

func (e *Engine) setToken(token string) {
	e.tokenMu.Lock()
	e.token = token
	e.tokenMu.Unlock()
}

// rescan is the identity manager's post-transition hook.
func (e *Engine) rescan(ctx context.Context, st *store.Store) error {
	var buf *buffer.Buffer
	if e.sess.Snapshot().Authenticated {
		buf = buffer.New(st, e.log)
	}
	_, err := e.coord.Sync(ctx, st, buf)
	return err
}

func (e *Engine) sessionPath() string {
	return filepath.Join(e.cfg.DataDir, sessionFile)
}

func (e *Engine) loadSession() (persistedSession, bool) {
	data, err := os.ReadFile(e.sessionPath())
	if err != nil {
		return persistedSession{}, false
	}
	var s persistedSession
	if err := json.Unmarshal(data, &s); err != nil || s.UserID == "" {
		return persistedSession{}, false
	}
	return s, true
}

func (e *Engine) saveSession(s persistedSession) error {
	data, err := json.Marshal(s)
	if err != nil {
		return err
	}
	return os.WriteFile(e.sessionPath(), data, 0o600)
}

func (e *Engine) clearSession() {
	if err := os.Remove(e.sessionPath()); err != nil && !os.IsNotExist(err) {
		e.log.Warn("failed to remove session file", zap.Error(err))
	}
}
