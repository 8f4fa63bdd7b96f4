// Package blob stores record attachments (note images, voice memo audio)
// and hands back durable URLs the record can reference.
package blob

import "context"

type Store interface {
	// Upload stores one attachment and returns its durable URL.
	Upload(ctx context.Context, name, contentType string, data []byte) (string, error)
	// Delete removes an attachment by URL. Best effort; callers log
	// failures and move on.
	Delete(ctx context.Context, url string) error
}
