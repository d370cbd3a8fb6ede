// Package media archives inbound media (report photos, voice notes) to
// durable object storage. The provider's media URLs expire within minutes;
// archiving keeps the evidence attached to a report retrievable later.
package media

import "context"

// Object is one archived media item.
type Object struct {
	Key      string
	MimeType string
	Size     int64
}

// ArchiveStore persists media bytes under identity-scoped keys.
type ArchiveStore interface {
	// Put stores data and returns the generated object key.
	Put(ctx context.Context, identity, mediaID, mimeType string, data []byte) (string, error)

	// Get retrieves an archived object by key.
	Get(ctx context.Context, key string) ([]byte, error)

	// List returns the objects archived for one identity.
	List(ctx context.Context, identity string) ([]Object, error)

	// Delete removes an archived object.
	Delete(ctx context.Context, key string) error

	// Healthcheck verifies the backing store is reachable.
	Healthcheck(ctx context.Context) error
}
