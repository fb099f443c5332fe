package reconcile

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"lifecycle_backend/internal/adapters/storage"
)

// Archiver keeps a copy of every accepted raw payload for audit.
type Archiver interface {
	Archive(ctx context.Context, provider, externalID string, receivedAt time.Time, body []byte) error
}

// ObjectArchiver writes payloads to an object store bucket.
type ObjectArchiver struct {
	store  storage.ObjectStore
	bucket string
}

// NewObjectArchiver creates an archiver for bucket.
func NewObjectArchiver(store storage.ObjectStore, bucket string) *ObjectArchiver {
	return &ObjectArchiver{store: store, bucket: bucket}
}

func (a *ObjectArchiver) Archive(ctx context.Context, provider, externalID string, receivedAt time.Time, body []byte) error {
	key := ArchiveKey(provider, externalID, receivedAt)
	if err := a.store.PutObject(ctx, a.bucket, key, "application/json", body); err != nil {
		return fmt.Errorf("archive %s: %w", key, err)
	}
	return nil
}

// ArchiveKey is <provider>/<yyyy>/<mm>/<dd>/<external id>.json.
func ArchiveKey(provider, externalID string, receivedAt time.Time) string {
	return fmt.Sprintf("%s/%s/%s.json", provider, receivedAt.UTC().Format("2006/01/02"), url.PathEscape(externalID))
}

type noopArchiver struct{}

func (noopArchiver) Archive(context.Context, string, string, time.Time, []byte) error { return nil }
