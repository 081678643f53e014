// Package objectstore provides a path-addressed object store over gocloud.dev/blob.
package objectstore

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when an object does not exist.
	ErrNotFound = errors.New("object not found")

	// ErrAlreadyExists is returned by CreateIfAbsent when the object is already present.
	ErrAlreadyExists = errors.New("object already exists")
)

// Store abstracts the object storage the catalog and data files live in.
type Store interface {
	// Put writes data, replacing any existing object.
	Put(ctx context.Context, p Path, data []byte) error

	// Get reads an object. Missing objects yield ErrNotFound.
	Get(ctx context.Context, p Path) ([]byte, error)

	// List returns every object under the directory prefix, sorted by key.
	List(ctx context.Context, prefix Path) ([]Path, error)

	// Delete removes an object. Deleting a missing object is not an error.
	Delete(ctx context.Context, p Path) error

	// CreateIfAbsent writes data only if no object exists at p.
	// It returns ErrAlreadyExists when another writer got there first.
	CreateIfAbsent(ctx context.Context, p Path, data []byte) error

	// Exists checks if an object exists.
	Exists(ctx context.Context, p Path) (bool, error)

	// URI returns the canonical URI for the given path.
	// For local: file:///path, GCS: gs://bucket/path, S3: s3://bucket/path
	URI(p Path) string

	// Close releases any resources.
	Close() error
}

// Config configures the storage backend.
type Config struct {
	Backend string `yaml:"backend"` // "mem" | "file" | "gcs" | "s3"

	// Local filesystem
	LocalDir string `yaml:"local_dir"`

	// GCS or S3 bucket name
	Bucket string `yaml:"bucket"`

	// S3 (also works for B2, R2, MinIO)
	S3Endpoint string `yaml:"s3_endpoint"`
	S3Region   string `yaml:"s3_region"`

	// Common
	Prefix string `yaml:"prefix"`
}

// New creates a storage backend based on configuration.
func New(ctx context.Context, cfg Config) (*BlobStore, error) {
	switch cfg.Backend {
	case "mem", "":
		return NewMemStore(cfg.Prefix), nil
	case "file", "local":
		if cfg.LocalDir == "" {
			return nil, fmt.Errorf("local_dir required for file backend")
		}
		return NewLocalStore(cfg.LocalDir, cfg.Prefix)
	case "gcs":
		if cfg.Bucket == "" {
			return nil, fmt.Errorf("bucket required for gcs backend")
		}
		return NewGCSStore(ctx, cfg.Bucket, cfg.Prefix)
	case "s3":
		if cfg.Bucket == "" {
			return nil, fmt.Errorf("bucket required for s3 backend")
		}
		return NewS3Store(ctx, cfg.Bucket, cfg.Prefix, cfg.S3Endpoint, cfg.S3Region)
	default:
		return nil, fmt.Errorf("unknown storage backend: %s", cfg.Backend)
	}
}
