// Package draft provides durable storage for in-flight edit buffers, keyed
// by record id. A draft survives reloads and connectivity loss; it is the
// offline half of the sync engine.
package draft

import (
	"context"
	"errors"
)

var ErrNotFound = errors.New("draft not found")

// Store is a durable key/value surface for serialized edit buffers.
type Store interface {
	Get(ctx context.Context, recordID string) (string, error)
	Set(ctx context.Context, recordID, body string) error
	Delete(ctx context.Context, recordID string) error
	Close() error
}
