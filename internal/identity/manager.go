// Package identity drives the guest/authenticated transitions.
//
// A device starts as a guest with a fully local catalog. Signing in picks
// one of three paths: a direct switch when no guest data exists, a
// one-time upgrade that migrates guest data to a first-ever account, or a
// wipe that discards guest data in favor of the account's server state.
// Signing out always wipes, back to a fresh guest catalog.
//
// The transitions form a small state machine; operations are legal only
// from the states the machine allows, so a second sign-in cannot start
// while a migration is mid-flight.
package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/looplab/fsm"
	"go.uber.org/zap"

	"github.com/deeprecall/recall-sync/internal/api"
	"github.com/deeprecall/recall-sync/internal/buffer"
	"github.com/deeprecall/recall-sync/internal/flush"
	"github.com/deeprecall/recall-sync/internal/session"
	"github.com/deeprecall/recall-sync/internal/store"
)

// Transition states.
const (
	StateGuest          = "guest"
	StateAuthenticating = "authenticating"
	StateUpgrading      = "upgrading"
	StateWiping         = "wiping"
	StateAuthenticated  = "authenticated"
	StateSigningOut     = "signing_out"
)

const (
	eventSignIn   = "sign_in"
	eventUpgrade  = "upgrade"
	eventWipe     = "wipe"
	eventDirect   = "direct"
	eventComplete = "complete"
	eventSignOut  = "sign_out"
	eventDone     = "done"
)

// StatusFunc fetches the account's linkage status from the server.
type StatusFunc func(ctx context.Context) (api.AccountStatus, error)

// OpenCatalogFunc opens the catalog for an identity. userID is empty for
// the guest catalog.
type OpenCatalogFunc func(userID string) (*store.Store, error)

// HookFunc runs against a freshly opened catalog. Used for preset
// seeding and blob rescans after a transition.
type HookFunc func(ctx context.Context, st *store.Store) error

// Config wires a manager's collaborators.
type Config struct {
	Session   *session.State
	Transport flush.Transport
	Status    StatusFunc
	Open      OpenCatalogFunc

	// SeedPresets runs after every transition to make sure the default
	// presets exist. Failures are logged, never fatal.
	SeedPresets HookFunc

	// Rescan re-coordinates physical blob storage with the new catalog.
	// Failures are logged, never fatal.
	Rescan HookFunc

	// StartFeed begins inbound sync against a freshly opened catalog
	// and returns a stop function. The wipe path starts it before
	// waiting for server blob metadata, so the wait has a writer to
	// observe. Nil skips the feed and the wait always times out.
	StartFeed func(ctx context.Context, st *store.Store) (stop func())

	// WipeWait bounds how long the wipe path waits for the server's
	// blob metadata to arrive before rescanning anyway.
	WipeWait time.Duration

	Log *zap.Logger
}

// Manager owns the identity state machine. One manager per engine.
type Manager struct {
	mu  sync.Mutex
	sm  *fsm.FSM
	cfg Config
	log *zap.Logger
}

// New builds a manager in the guest state.
func New(cfg Config) *Manager {
	if cfg.WipeWait <= 0 {
		cfg.WipeWait = 10 * time.Second
	}
	log := cfg.Log
	if log == nil {
		log = zap.NewNop()
	}

	sm := fsm.NewFSM(
		StateGuest,
		fsm.Events{
			{Name: eventSignIn, Src: []string{StateGuest}, Dst: StateAuthenticating},
			{Name: eventUpgrade, Src: []string{StateAuthenticating}, Dst: StateUpgrading},
			{Name: eventWipe, Src: []string{StateAuthenticating}, Dst: StateWiping},
			{Name: eventDirect, Src: []string{StateAuthenticating}, Dst: StateAuthenticated},
			{Name: eventComplete, Src: []string{StateUpgrading, StateWiping}, Dst: StateAuthenticated},
			{Name: eventSignOut, Src: []string{StateAuthenticated}, Dst: StateSigningOut},
			{Name: eventDone, Src: []string{StateSigningOut}, Dst: StateGuest},
		},
		fsm.Callbacks{},
	)

	return &Manager{sm: sm, cfg: cfg, log: log.Named("identity")}
}

// Current returns the transition state.
func (m *Manager) Current() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sm.Current()
}

// Restore resumes a persisted authenticated session without running a
// transition. The sign-in already completed in an earlier process; only
// the machine and the session need to reflect it.
func (m *Manager) Restore(userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.sm.Current() != StateGuest {
		return fmt.Errorf("identity: cannot restore session from %s", m.sm.Current())
	}
	m.sm.SetState(StateAuthenticated)
	m.cfg.Session.SetAuthenticated(userID)
	return nil
}

// SignIn transitions from guest to the given account and returns the
// account's catalog. The passed guest catalog is cleared and closed on
// every successful path; on failure it is left open and untouched enough
// to keep operating as a guest.
func (m *Manager) SignIn(ctx context.Context, userID string, guest *store.Store) (*store.Store, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if userID == "" {
		return nil, fmt.Errorf("identity: sign-in requires a user id")
	}
	if err := m.sm.Event(ctx, eventSignIn); err != nil {
		return nil, fmt.Errorf("identity: sign-in not allowed from %s: %w", m.sm.Current(), err)
	}

	cat, err := m.signIn(ctx, userID, guest)
	if err != nil {
		// Roll the machine and the session back so the caller keeps a
		// working guest.
		m.sm.SetState(StateGuest)
		m.cfg.Session.SetGuest()
		return nil, err
	}
	return cat, nil
}

func (m *Manager) signIn(ctx context.Context, userID string, guest *store.Store) (*store.Store, error) {
	hasData, err := m.guestHasData(ctx, guest)
	if err != nil {
		return nil, err
	}

	if !hasData {
		m.log.Info("sign-in with empty guest catalog, switching directly",
			zap.String("user", userID))
		if err := m.sm.Event(ctx, eventDirect); err != nil {
			return nil, err
		}
		m.cfg.Session.SetAuthenticated(userID)
		return m.openAndPrepare(ctx, userID, guest)
	}

	status, err := m.cfg.Status(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch account status: %w", err)
	}

	if status.FirstSignIn {
		if err := m.sm.Event(ctx, eventUpgrade); err != nil {
			return nil, err
		}
		cat, err := m.upgrade(ctx, userID, guest)
		if err != nil {
			return nil, err
		}
		return cat, m.sm.Event(ctx, eventComplete)
	}

	if err := m.sm.Event(ctx, eventWipe); err != nil {
		return nil, err
	}
	cat, err := m.wipe(ctx, userID, guest)
	if err != nil {
		return nil, err
	}
	return cat, m.sm.Event(ctx, eventComplete)
}

// upgrade migrates guest data to a first-ever account. The session is
// authenticated before submission so the batch carries credentials; the
// guest catalog is cleared only after the server accepted every record.
func (m *Manager) upgrade(ctx context.Context, userID string, guest *store.Store) (*store.Store, error) {
	m.log.Info("upgrading guest data to account", zap.String("user", userID))
	m.cfg.Session.SetAuthenticated(userID)

	changes, err := m.collectGuestChanges(ctx, guest)
	if err != nil {
		return nil, err
	}

	if len(changes) > 0 {
		result, err := m.cfg.Transport.Submit(ctx, changes)
		if err != nil {
			return nil, fmt.Errorf("failed to submit guest data: %w", err)
		}
		if len(result.Errors) > 0 {
			// Guest data stays local and retriable; a partial migration
			// must never destroy the only copy.
			return nil, fmt.Errorf("server rejected %d of %d migrated records (first: %s)",
				len(result.Errors), len(changes), result.Errors[0].Error)
		}
		m.log.Info("guest data migrated", zap.Int("records", len(changes)))
	}

	if err := m.clearGuest(ctx, guest); err != nil {
		return nil, err
	}
	return m.openAndPrepare(ctx, userID, guest)
}

// wipe discards guest data for an account that already has server state.
func (m *Manager) wipe(ctx context.Context, userID string, guest *store.Store) (*store.Store, error) {
	m.log.Info("wiping guest data for returning account", zap.String("user", userID))

	if err := m.clearGuest(ctx, guest); err != nil {
		return nil, err
	}
	m.cfg.Session.SetAuthenticated(userID)

	cat, err := m.open(userID)
	if err != nil {
		return nil, err
	}
	_ = guest.Close()

	// Inbound sync is the writer the wait below observes, so it must be
	// running against the new catalog before the wait begins. The
	// caller owns the long-lived feed; this one lives only through the
	// transition.
	var stopFeed func()
	if m.cfg.StartFeed != nil {
		stopFeed = m.cfg.StartFeed(ctx, cat)
	}

	// Give inbound sync a bounded window to deliver the account's blob
	// metadata, so the rescan below can attach presence to it. Timing
	// out is survivable; a later rescan reconciles the rest.
	if !m.waitForBlobMeta(ctx, cat) {
		m.log.Warn("blob metadata did not arrive before deadline, rescanning anyway",
			zap.Duration("waited", m.cfg.WipeWait))
	}
	if stopFeed != nil {
		stopFeed()
	}

	m.runHooks(ctx, cat)
	return cat, nil
}

// SignOut transitions back to guest. The account catalog's local state is
// wiped (the server remains the source of truth) and a guest catalog is
// returned.
func (m *Manager) SignOut(ctx context.Context, cat *store.Store) (*store.Store, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.sm.Event(ctx, eventSignOut); err != nil {
		return nil, fmt.Errorf("identity: sign-out not allowed from %s: %w", m.sm.Current(), err)
	}

	// Buffer first: nothing may flush for the old identity once the
	// wipe has begun.
	buf := buffer.New(cat, m.log)
	if err := buf.Clear(ctx); err != nil {
		m.sm.SetState(StateAuthenticated)
		return nil, err
	}
	if err := cat.ClearEntityTables(ctx); err != nil {
		m.sm.SetState(StateAuthenticated)
		return nil, err
	}
	if err := cat.ClearState(ctx); err != nil {
		m.sm.SetState(StateAuthenticated)
		return nil, err
	}

	m.cfg.Session.SetGuest()

	guest, err := m.open("")
	if err != nil {
		m.sm.SetState(StateAuthenticated)
		return nil, err
	}
	_ = cat.Close()

	m.runHooks(ctx, guest)

	if err := m.sm.Event(ctx, eventDone); err != nil {
		return guest, err
	}
	m.log.Info("signed out, guest catalog ready")
	return guest, nil
}

// guestHasData reports whether the guest catalog holds anything worth
// migrating: unconfirmed entity changes or queued writes.
func (m *Manager) guestHasData(ctx context.Context, guest *store.Store) (bool, error) {
	has, err := guest.HasLocalData(ctx)
	if err != nil {
		return false, err
	}
	if has {
		return true, nil
	}

	n, err := guest.CountRows(ctx, "write_buffer")
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// collectGuestChanges assembles the migration batch: every queued write
// plus insert records for the guest's blob metadata and this device's
// presence. Blob payloads omit the owner; the server assigns it on apply.
func (m *Manager) collectGuestChanges(ctx context.Context, guest *store.Store) ([]buffer.Change, error) {
	buf := buffer.New(guest, m.log)
	changes, err := buf.All(ctx)
	if err != nil {
		return nil, err
	}

	metas, err := guest.ListBlobMeta(ctx)
	if err != nil {
		return nil, err
	}
	for _, meta := range metas {
		payload, err := json.Marshal(map[string]any{
			"id":         meta.Hash,
			"hash":       meta.Hash,
			"size":       meta.Size,
			"mime":       meta.MIME,
			"filename":   meta.Filename,
			"created_at": meta.CreatedAt,
		})
		if err != nil {
			return nil, err
		}
		changes = append(changes, migrationChange("blobs_meta", payload))
	}

	deviceID := m.cfg.Session.Snapshot().DeviceID
	presences, err := guest.ListPresence(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	for _, p := range presences {
		payload, err := json.Marshal(map[string]any{
			"id":        p.DeviceID + ":" + p.Hash,
			"device_id": p.DeviceID,
			"hash":      p.Hash,
			"present":   p.Present,
			"health":    string(p.Health),
		})
		if err != nil {
			return nil, err
		}
		changes = append(changes, migrationChange("device_blobs", payload))
	}
	return changes, nil
}

func migrationChange(table string, payload json.RawMessage) buffer.Change {
	return buffer.Change{
		ID:        uuid.NewString(),
		Table:     table,
		Op:        buffer.OpInsert,
		Payload:   payload,
		CreatedAt: time.Now().UnixMilli(),
		Status:    buffer.StatusPending,
	}
}

// clearGuest empties every guest table so no guest record can leak into
// the authenticated session.
func (m *Manager) clearGuest(ctx context.Context, guest *store.Store) error {
	buf := buffer.New(guest, m.log)
	if err := buf.Clear(ctx); err != nil {
		return err
	}
	if err := guest.ClearEntityTables(ctx); err != nil {
		return err
	}
	if err := guest.ClearBlobTables(ctx); err != nil {
		return err
	}
	return guest.ClearState(ctx)
}

// openAndPrepare opens the account catalog, closes the guest handle, and
// runs the post-transition hooks.
func (m *Manager) openAndPrepare(ctx context.Context, userID string, guest *store.Store) (*store.Store, error) {
	cat, err := m.open(userID)
	if err != nil {
		return nil, err
	}
	_ = guest.Close()
	m.runHooks(ctx, cat)
	return cat, nil
}

func (m *Manager) open(userID string) (*store.Store, error) {
	cat, err := m.cfg.Open(userID)
	if err != nil {
		return nil, fmt.Errorf("failed to open catalog: %w", err)
	}
	return cat, nil
}

// runHooks seeds presets and rescans blobs. Neither failure aborts a
// transition that already committed.
func (m *Manager) runHooks(ctx context.Context, cat *store.Store) {
	if m.cfg.SeedPresets != nil {
		if err := m.cfg.SeedPresets(ctx, cat); err != nil {
			m.log.Warn("failed to seed presets", zap.Error(err))
		}
	}
	if m.cfg.Rescan != nil {
		if err := m.cfg.Rescan(ctx, cat); err != nil {
			m.log.Warn("failed to rescan blobs", zap.Error(err))
		}
	}
}

// waitForBlobMeta polls the fresh catalog until blob metadata appears or
// the deadline passes. Returns false on timeout.
func (m *Manager) waitForBlobMeta(ctx context.Context, cat *store.Store) bool {
	deadline := time.Now().Add(m.cfg.WipeWait)
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	for {
		n, err := cat.CountRows(ctx, "blobs_meta")
		if err == nil && n > 0 {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}
