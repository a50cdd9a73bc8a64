package store

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ownerHeartbeat is how often a live handle reasserts its claim. A handle
// that misses its own token in the owner row has been superseded.
const ownerHeartbeat = 2 * time.Second

// ownership implements the single-writer policy. The newest open always
// wins: claiming overwrites the owner row unconditionally, and the prior
// holder notices on its next heartbeat, flips to evicted, and refuses all
// further statements with ErrStoreLocked. Another tab or process taking
// over therefore forces this handle to close and reload instead of
// risking two concurrent writers.
type ownership struct {
	store *Store
	token string

	lost      atomic.Bool
	onEvicted atomic.Pointer[func()]

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// OnEvicted registers a callback invoked once if this handle loses
// ownership. The callback runs on the heartbeat goroutine; it should
// signal the application shell to close and reopen, not do the reopening
// inline.
func (s *Store) OnEvicted(fn func()) {
	if s.owner != nil {
		s.owner.onEvicted.Store(&fn)
	}
}

func (s *Store) claimOwnership() error {
	o := &ownership{
		store: s,
		token: uuid.NewString(),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}

	_, err := s.conn.Exec(`
		INSERT INTO store_owner (id, token, heartbeat_ms) VALUES (1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET token = excluded.token, heartbeat_ms = excluded.heartbeat_ms`,
		o.token, nowMillis())
	if err != nil {
		return err
	}

	s.owner = o
	go o.run()
	return nil
}

func (o *ownership) run() {
	defer close(o.done)

	ticker := time.NewTicker(ownerHeartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-o.stop:
			return
		case <-ticker.C:
			if !o.beat() {
				return
			}
		}
	}
}

// beat reasserts the claim. Returns false once ownership is lost.
func (o *ownership) beat() bool {
	res, err := o.store.conn.Exec(
		`UPDATE store_owner SET heartbeat_ms = ? WHERE id = 1 AND token = ?`,
		nowMillis(), o.token)
	if err != nil {
		// Transient I/O trouble is not an eviction; try again next tick.
		o.store.log.Warn("owner heartbeat failed", zap.Error(err))
		return true
	}

	n, err := res.RowsAffected()
	if err != nil || n > 0 {
		return true
	}

	o.lost.Store(true)
	o.store.log.Warn("catalog ownership lost to a competing open",
		zap.String("catalog", o.store.name))
	if fn := o.onEvicted.Load(); fn != nil {
		(*fn)()
	}
	return false
}

func (o *ownership) evicted() bool { return o.lost.Load() }

func (o *ownership) release() {
	o.stopOnce.Do(func() {
		close(o.stop)
		<-o.done
		if !o.lost.Load() {
			_, _ = o.store.conn.Exec(
				`DELETE FROM store_owner WHERE id = 1 AND token = ?`, o.token)
		}
	})
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}
