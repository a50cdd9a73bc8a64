// Package api is the HTTP client for the sync server.
//
// Two endpoints matter to the engine: the batch write endpoint that
// accepts queued changes and returns a mixed per-record verdict, and the
// account-status endpoint that distinguishes a first-ever sign-in from a
// returning one. Authentication is a bearer token (or session cookie,
// which the http.Client's jar carries transparently).
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/deeprecall/recall-sync/internal/buffer"
	"github.com/deeprecall/recall-sync/internal/flush"
)

// TokenFunc supplies the current bearer token; empty means none.
type TokenFunc func() string

// Client talks to the sync server.
type Client struct {
	base  string
	httpc *http.Client
	token TokenFunc
	log   *zap.Logger
}

// AccountStatus is the server's view of an account's device linkage.
type AccountStatus struct {
	// LinkedDevices counts identities already linked to this account.
	LinkedDevices int `json:"linkedDevices"`

	// FirstSignIn reports that the account has never completed a
	// sign-in before, which selects the upgrade path over the wipe.
	FirstSignIn bool `json:"firstSignIn"`
}

// New builds a client for the given base URL.
func New(base string, token TokenFunc, log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	if token == nil {
		token = func() string { return "" }
	}
	return &Client{
		base:  strings.TrimRight(base, "/"),
		httpc: &http.Client{Timeout: 30 * time.Second},
		token: token,
		log:   log.Named("api"),
	}
}

// Submit implements flush.Transport against POST /api/writes/batch.
func (c *Client) Submit(ctx context.Context, changes []buffer.Change) (*flush.BatchResult, error) {
	body, err := json.Marshal(struct {
		Changes []buffer.Change `json:"changes"`
	}{Changes: changes})
	if err != nil {
		return nil, fmt.Errorf("failed to encode batch: %w", err)
	}

	var result flush.BatchResult
	if err := c.do(ctx, http.MethodPost, "/api/writes/batch", body, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Status fetches the account linkage from GET /api/account/status.
func (c *Client) Status(ctx context.Context) (AccountStatus, error) {
	var status AccountStatus
	if err := c.do(ctx, http.MethodGet, "/api/account/status", nil, &status); err != nil {
		return AccountStatus{}, err
	}
	return status, nil
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return fmt.Errorf("failed to build request for %s: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if tok := c.token(); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("request to %s failed: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		// Cap the quoted body; error pages can be arbitrarily large.
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s %s returned %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", path, err)
	}
	return nil
}
