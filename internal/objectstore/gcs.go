package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"gocloud.dev/blob"
	_ "gocloud.dev/blob/gcsblob" // GCS driver
	"gocloud.dev/gcerrors"
)

// BlobStore implements Store on top of a gocloud.dev bucket.
// The same type serves every backend; only the bucket URL differs.
type BlobStore struct {
	bucket *blob.Bucket
	base   string
	prefix string

	condition conditionMode
	// localDir is the fileblob root for conditionLocalLink.
	localDir string

	// createMu serializes conditional creates for conditionInProcess.
	createMu sync.Mutex
}

// NewGCSStore opens a Google Cloud Storage bucket.
func NewGCSStore(ctx context.Context, bucketName, prefix string) (*BlobStore, error) {
	bucket, err := blob.OpenBucket(ctx, fmt.Sprintf("gs://%s", bucketName))
	if err != nil {
		return nil, fmt.Errorf("open GCS bucket %s: %w", bucketName, err)
	}
	s := newBlobStore(bucket, "gs://"+bucketName, prefix)
	s.condition = conditionService
	return s, nil
}

func newBlobStore(bucket *blob.Bucket, base, prefix string) *BlobStore {
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	if prefix != "" {
		bucket = blob.PrefixedBucket(bucket, prefix)
	}
	return &BlobStore{bucket: bucket, base: base, prefix: prefix}
}

// Put writes data to the bucket.
func (s *BlobStore) Put(ctx context.Context, p Path, data []byte) error {
	return s.write(ctx, p, data, nil)
}

func (s *BlobStore) write(ctx context.Context, p Path, data []byte, opts *blob.WriterOptions) error {
	if err := p.Validate(); err != nil {
		return err
	}
	key := p.String()

	w, err := s.bucket.NewWriter(ctx, key, opts)
	if err != nil {
		return fmt.Errorf("create writer for %s: %w", key, translate(err))
	}

	if _, err := w.Write(data); err != nil {
		w.Close()
		return fmt.Errorf("write data to %s: %w", key, translate(err))
	}

	if err := w.Close(); err != nil {
		return fmt.Errorf("close writer for %s: %w", key, translate(err))
	}

	return nil
}

// Get reads an object.
func (s *BlobStore) Get(ctx context.Context, p Path) ([]byte, error) {
	key := p.String()
	data, err := s.bucket.ReadAll(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", key, translate(err))
	}
	return data, nil
}

// List returns all objects under the directory prefix.
func (s *BlobStore) List(ctx context.Context, prefix Path) ([]Path, error) {
	var paths []Path

	iter := s.bucket.List(&blob.ListOptions{
		Prefix: prefix.Dir().String(),
	})

	for {
		obj, err := iter.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", prefix, translate(err))
		}
		if obj.IsDir {
			continue
		}
		p, err := ParsePath(obj.Key)
		if err != nil {
			continue
		}
		paths = append(paths, p)
	}

	return paths, nil
}

// Delete removes an object if present.
func (s *BlobStore) Delete(ctx context.Context, p Path) error {
	key := p.String()
	if err := s.bucket.Delete(ctx, key); err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			return nil
		}
		return fmt.Errorf("delete %s: %w", key, translate(err))
	}
	return nil
}

// Exists checks if an object exists.
func (s *BlobStore) Exists(ctx context.Context, p Path) (bool, error) {
	ok, err := s.bucket.Exists(ctx, p.String())
	if err != nil {
		return false, fmt.Errorf("stat %s: %w", p, translate(err))
	}
	return ok, nil
}

// URI returns the canonical URI for the given path.
func (s *BlobStore) URI(p Path) string {
	return fmt.Sprintf("%s/%s%s", strings.TrimSuffix(s.base, "/"), s.prefix, p)
}

// Close releases the bucket connection.
func (s *BlobStore) Close() error {
	if s.bucket != nil {
		return s.bucket.Close()
	}
	return nil
}

// translate maps gocloud error codes onto the package sentinels.
func translate(err error) error {
	switch gcerrors.Code(err) {
	case gcerrors.NotFound:
		return errors.Join(ErrNotFound, err)
	case gcerrors.FailedPrecondition, gcerrors.AlreadyExists:
		return errors.Join(ErrAlreadyExists, err)
	default:
		return err
	}
}

// Verify BlobStore implements Store.
var _ Store = (*BlobStore)(nil)
