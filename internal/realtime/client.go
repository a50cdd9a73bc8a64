// Package realtime maintains the inbound server feed.
//
// While a device is signed in and online, the server pushes confirmed
// changes made elsewhere over a websocket. Each frame is applied to the
// synced tables idempotently, so replays after a reconnect are harmless.
// Outbound traffic never travels this path; the flush worker owns it.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.uber.org/zap"

	"github.com/deeprecall/recall-sync/internal/store"
)

// Frame is one pushed change from the server.
type Frame struct {
	Table   string          `json:"table"`
	Op      string          `json:"op"` // insert, update, delete
	ID      string          `json:"id"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Applier consumes inbound frames. The catalog-backed implementation is
// NewCatalogApplier; tests substitute their own.
type Applier interface {
	Apply(ctx context.Context, f Frame) error
}

// CatalogApplier writes frames into a catalog's synced tables.
type CatalogApplier struct {
	st *store.Store
}

// NewCatalogApplier binds an applier to a catalog.
func NewCatalogApplier(st *store.Store) *CatalogApplier {
	return &CatalogApplier{st: st}
}

// Apply implements Applier. Unknown tables are rejected; deletes of
// absent rows and repeated upserts are no-ops.
func (a *CatalogApplier) Apply(ctx context.Context, f Frame) error {
	if !store.IsEntityTable(f.Table) {
		return fmt.Errorf("realtime: frame for unknown table %q", f.Table)
	}
	if f.ID == "" {
		return errors.New("realtime: frame without entity id")
	}

	switch f.Op {
	case "insert", "update":
		return a.st.UpsertSynced(ctx, f.Table, f.ID, f.Payload)
	case "delete":
		return a.st.DeleteSynced(ctx, f.Table, f.ID)
	default:
		return fmt.Errorf("realtime: frame with unknown op %q", f.Op)
	}
}

// Config tunes the feed client.
type Config struct {
	// URL is the websocket endpoint, e.g. wss://host/api/feed.
	URL string

	// DialTimeout bounds one connection attempt.
	DialTimeout time.Duration

	// MaxReconnectDelay caps the backoff between attempts.
	MaxReconnectDelay time.Duration
}

func (c Config) withDefaults() Config {
	if c.DialTimeout <= 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.MaxReconnectDelay <= 0 {
		c.MaxReconnectDelay = time.Minute
	}
	return c
}

// Client owns the websocket connection and its reconnect loop.
type Client struct {
	cfg     Config
	applier Applier
	log     *zap.Logger

	// TokenFunc supplies the bearer token for the connection handshake.
	// Nil means connect unauthenticated.
	TokenFunc func() string
}

// New builds a feed client. Run starts it.
func New(cfg Config, applier Applier, log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{cfg: cfg.withDefaults(), applier: applier, log: log.Named("realtime")}
}

// Run connects and consumes frames until ctx is cancelled. Connection
// loss triggers reconnection with exponential backoff; a successful
// session resets the backoff.
func (c *Client) Run(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.MaxInterval = c.cfg.MaxReconnectDelay
	bo.MaxElapsedTime = 0

	for {
		err := c.session(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		delay := bo.NextBackOff()
		c.log.Warn("feed disconnected, reconnecting",
			zap.Error(err), zap.Duration("delay", delay))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

// session runs one connection lifetime: dial, then read frames until the
// connection breaks or ctx ends.
func (c *Client) session(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
	defer cancel()

	opts := &websocket.DialOptions{}
	if c.TokenFunc != nil {
		if token := c.TokenFunc(); token != "" {
			opts.HTTPHeader = map[string][]string{
				"Authorization": {"Bearer " + token},
			}
		}
	}

	conn, _, err := websocket.Dial(dialCtx, c.cfg.URL, opts)
	if err != nil {
		return fmt.Errorf("failed to dial feed: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	c.log.Info("feed connected", zap.String("url", c.cfg.URL))

	for {
		var f Frame
		if err := wsjson.Read(ctx, conn, &f); err != nil {
			return fmt.Errorf("failed to read frame: %w", err)
		}

		if err := c.applier.Apply(ctx, f); err != nil {
			// A single malformed frame must not drop the connection.
			c.log.Warn("failed to apply frame",
				zap.String("table", f.Table),
				zap.String("op", f.Op),
				zap.String("entity", f.ID),
				zap.Error(err))
		} else {
			c.log.Debug("frame applied",
				zap.String("table", f.Table),
				zap.String("op", f.Op),
				zap.String("entity", f.ID))
		}
	}
}
