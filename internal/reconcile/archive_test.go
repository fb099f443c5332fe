package reconcile

import (
	"context"
	"errors"
	"testing"
	"time"
)

type fakeObjectStore struct {
	bucket      string
	key         string
	contentType string
	body        []byte
	err         error
}

func (s *fakeObjectStore) EnsureBucketExists(context.Context, string) error { return nil }

func (s *fakeObjectStore) PutObject(_ context.Context, bucket, key, contentType string, body []byte) error {
	if s.err != nil {
		return s.err
	}
	s.bucket, s.key, s.contentType, s.body = bucket, key, contentType, body
	return nil
}

func TestObjectArchiverWritesDatedKey(t *testing.T) {
	store := &fakeObjectStore{}
	archiver := NewObjectArchiver(store, "webhooks")
	receivedAt := time.Date(2026, 3, 1, 23, 30, 0, 0, time.FixedZone("CET", 3600))

	if err := archiver.Archive(context.Background(), ProviderPayments, "evt/1", receivedAt, []byte(`{"id":"evt/1"}`)); err != nil {
		t.Fatalf("archive: %v", err)
	}
	if store.bucket != "webhooks" || store.contentType != "application/json" {
		t.Fatalf("unexpected put bucket=%s type=%s", store.bucket, store.contentType)
	}
	want := ProviderPayments + "/2026/03/01/evt%2F1.json"
	if store.key != want {
		t.Fatalf("expected key %s, got %s", want, store.key)
	}
	if string(store.body) != `{"id":"evt/1"}` {
		t.Fatalf("unexpected body %s", store.body)
	}
}

func TestObjectArchiverWrapsStoreErrors(t *testing.T) {
	cause := errors.New("bucket offline")
	archiver := NewObjectArchiver(&fakeObjectStore{err: cause}, "webhooks")
	err := archiver.Archive(context.Background(), ProviderEmail, "e1", time.Now(), nil)
	if !errors.Is(err, cause) {
		t.Fatalf("expected wrapped store error, got %v", err)
	}
}
