// Package storage provides a domain-agnostic interface for S3-compatible object storage.
package storage

import "context"

// ObjectStore defines the object storage operations the application needs.
type ObjectStore interface {
	// EnsureBucketExists creates the bucket if it doesn't exist.
	EnsureBucketExists(ctx context.Context, bucket string) error

	// PutObject writes body under key, replacing any existing object.
	PutObject(ctx context.Context, bucket, key, contentType string, body []byte) error
}

// Config defines the configuration interface for storage.
type Config interface {
	GetMinIOEndpoint() string
	GetMinIOAccessKey() string
	GetMinIOSecretKey() string
	GetMinIOUseSSL() bool
	IsMinIOEnabled() bool
}
