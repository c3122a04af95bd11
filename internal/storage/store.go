// Package storage abstracts where warehouse data files live: a local
// directory for development, or an object store bucket (S3, GCS) in
// production.
package storage

import (
	"context"
	"fmt"
)

// ObjectStore writes immutable data files for the shared table.
type ObjectStore interface {
	// Write stores data under key. Keys are slash-separated paths relative
	// to the store root.
	Write(ctx context.Context, key string, data []byte) error

	// Read returns the object stored under key.
	Read(ctx context.Context, key string) ([]byte, error)

	// URI returns the canonical URI for a key
	// (file:///path, s3://bucket/path, gs://bucket/path).
	URI(key string) string

	// Close releases any resources.
	Close() error
}

// Config selects and parameterizes a backend.
type Config struct {
	Backend  string // "local" | "s3" | "gcs"
	LocalDir string
	Bucket   string
	Prefix   string
}

// NewObjectStore creates a storage backend based on configuration.
func NewObjectStore(cfg Config) (ObjectStore, error) {
	switch cfg.Backend {
	case "local":
		if cfg.LocalDir == "" {
			return nil, fmt.Errorf("LocalDir required for local backend")
		}
		return NewLocalStore(cfg.LocalDir, cfg.Prefix)
	case "s3":
		if cfg.Bucket == "" {
			return nil, fmt.Errorf("Bucket required for s3 backend")
		}
		return NewBlobStore("s3://"+cfg.Bucket, cfg.Prefix)
	case "gcs":
		if cfg.Bucket == "" {
			return nil, fmt.Errorf("Bucket required for gcs backend")
		}
		return NewBlobStore("gs://"+cfg.Bucket, cfg.Prefix)
	default:
		return nil, fmt.Errorf("unknown storage backend: %s", cfg.Backend)
	}
}
