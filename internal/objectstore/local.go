package objectstore

import (
	"fmt"
	"os"
	"path/filepath"

	"gocloud.dev/blob/fileblob"
	"gocloud.dev/blob/memblob"
)

// NewLocalStore creates a store rooted at a local directory.
// fileblob writes through a temp file and rename, so readers never see partial objects.
func NewLocalStore(baseDir, prefix string) (*BlobStore, error) {
	// Ensure base directory exists
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("create base directory %s: %w", baseDir, err)
	}

	abs, err := filepath.Abs(baseDir)
	if err != nil {
		return nil, fmt.Errorf("resolve base directory %s: %w", baseDir, err)
	}

	bucket, err := fileblob.OpenBucket(abs, nil)
	if err != nil {
		return nil, fmt.Errorf("open local bucket %s: %w", abs, err)
	}

	s := newBlobStore(bucket, "file://"+filepath.ToSlash(abs), prefix)
	s.condition = conditionLocalLink
	s.localDir = abs
	return s, nil
}

// NewMemStore creates an in-memory store. Used by tests and the "mem" backend.
func NewMemStore(prefix string) *BlobStore {
	return newBlobStore(memblob.OpenBucket(nil), "mem://", prefix)
}
