package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"cloud.google.com/go/storage"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"gocloud.dev/blob"
)

// ErrConditionalWriteUnsupported is returned by CreateIfAbsent when the
// bucket driver exposes no create-if-absent precondition.
var ErrConditionalWriteUnsupported = errors.New("conditional write not supported by backend")

// conditionMode selects how CreateIfAbsent enforces its precondition.
type conditionMode int

const (
	// conditionInProcess: the bucket is private to this handle (memblob), so
	// the handle mutex is exact.
	conditionInProcess conditionMode = iota
	// conditionLocalLink: fileblob directory; objects are published with an
	// exclusive hard link.
	conditionLocalLink
	// conditionService: the service evaluates the precondition (GCS, S3).
	conditionService
)

// CreateIfAbsent writes data only when p does not exist yet. Exactly one of
// any number of concurrent callers, across handles and processes, succeeds;
// the others get ErrAlreadyExists.
func (s *BlobStore) CreateIfAbsent(ctx context.Context, p Path, data []byte) error {
	if err := p.Validate(); err != nil {
		return err
	}

	switch s.condition {
	case conditionLocalLink:
		return s.createLocal(p, data)
	case conditionService:
		err := s.write(ctx, p, data, &blob.WriterOptions{BeforeWrite: ifNotExist})
		if preconditionFailed(err) {
			return fmt.Errorf("create %s: %w", p, ErrAlreadyExists)
		}
		return err
	default:
		s.createMu.Lock()
		defer s.createMu.Unlock()

		exists, err := s.Exists(ctx, p)
		if err != nil {
			return err
		}
		if exists {
			return fmt.Errorf("create %s: %w", p, ErrAlreadyExists)
		}
		return s.write(ctx, p, data, nil)
	}
}

// ifNotExist attaches the driver-native "object must not exist" condition.
func ifNotExist(as func(any) bool) error {
	var obj **storage.ObjectHandle
	if as(&obj) {
		*obj = (*obj).If(storage.Conditions{DoesNotExist: true})
		return nil
	}
	var put *s3.PutObjectInput
	if as(&put) {
		put.IfNoneMatch = aws.String("*")
		return nil
	}
	return ErrConditionalWriteUnsupported
}

// preconditionFailed reports whether err is a lost create-if-absent race.
// GCS maps to FailedPrecondition; S3 codes are not mapped by s3blob.
func preconditionFailed(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrAlreadyExists) {
		return true
	}
	var ae smithy.APIError
	if errors.As(err, &ae) {
		switch ae.ErrorCode() {
		case "PreconditionFailed", "ConditionalRequestConflict":
			return true
		}
	}
	return false
}

// createLocal writes data to a temp file outside the key space and links it
// into place. link(2) fails when the target exists, which makes the publish
// exclusive across processes sharing the directory.
func (s *BlobStore) createLocal(p Path, data []byte) error {
	target, err := s.localPath(p)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return fmt.Errorf("create directory for %s: %w", p, err)
	}

	tmp, err := os.CreateTemp(s.localDir, ".create-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp for %s: %w", p, err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp for %s: %w", p, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp for %s: %w", p, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp for %s: %w", p, err)
	}

	if err := os.Link(tmp.Name(), target); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return fmt.Errorf("create %s: %w", p, ErrAlreadyExists)
		}
		return fmt.Errorf("publish %s: %w", p, err)
	}
	return nil
}

// localPath maps a key to the file fileblob reads it from. Keys that
// fileblob would escape are rejected rather than guessed.
func (s *BlobStore) localPath(p Path) (string, error) {
	key := s.prefix + p.String()
	for _, seg := range strings.Split(key, "/") {
		if seg == "." || seg == ".." {
			return "", fmt.Errorf("%w: relative segment in %q", ErrInvalidPath, key)
		}
	}
	for _, r := range key {
		if r < 32 || r == '\\' {
			return "", fmt.Errorf("%w: unsupported character in %q", ErrInvalidPath, key)
		}
	}
	return filepath.Join(s.localDir, filepath.FromSlash(key)), nil
}
