package flush

import (
	"context"

	"github.com/deeprecall/recall-sync/internal/buffer"
)

// BatchError reports one record the server rejected.
type BatchError struct {
	ID    string `json:"id"`
	Error string `json:"error"`
}

// BatchResult is the server's verdict on one submitted batch. A single
// response may mix successes and failures.
type BatchResult struct {
	Applied []string     `json:"applied"`
	Errors  []BatchError `json:"errors"`
}

// Transport submits one batch of changes. The HTTP client implements it
// against the batch write endpoint; tests and non-HTTP handlers plug in
// directly.
//
// A returned error means the whole batch failed at the transport level
// and nothing can be assumed applied. A nil error with per-record Errors
// means the server processed the batch and rejected those records.
type Transport interface {
	Submit(ctx context.Context, changes []buffer.Change) (*BatchResult, error)
}

// TransportFunc adapts a function to the Transport interface.
type TransportFunc func(ctx context.Context, changes []buffer.Change) (*BatchResult, error)

func (f TransportFunc) Submit(ctx context.Context, changes []buffer.Change) (*BatchResult, error) {
	return f(ctx, changes)
}
