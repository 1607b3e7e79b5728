package lease

import (
	"context"
	"fmt"
	"io"

	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/memblob"
	"gocloud.dev/gcerrors"
)

// BlobStore keeps leases as objects in a gocloud.dev/blob bucket.
type BlobStore struct {
	bucket *blob.Bucket
	owned  bool
}

// NewBlobStore wraps an open bucket. The caller keeps ownership of bucket.
func NewBlobStore(bucket *blob.Bucket) *BlobStore {
	return &BlobStore{bucket: bucket}
}

// OpenBlobStore opens the bucket at url (mem://, file://, s3://, gs://, ...).
func OpenBlobStore(ctx context.Context, url string) (*BlobStore, error) {
	bucket, err := blob.OpenBucket(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("lease: open bucket: %w", err)
	}
	return &BlobStore{bucket: bucket, owned: true}, nil
}

// Create writes the lease unless it already exists.
func (s *BlobStore) Create(ctx context.Context, h Handle, payload []byte) error {
	if err := h.validate(); err != nil {
		return err
	}
	key := h.Key()

	exists, err := s.bucket.Exists(ctx, key)
	if err != nil {
		return fmt.Errorf("lease: check %s: %w", key, err)
	}
	if exists {
		return ErrExists
	}

	err = s.bucket.WriteAll(ctx, key, payload, &blob.WriterOptions{
		ContentType: "application/json",
		IfNotExist:  true,
	})
	if err != nil {
		if gcerrors.Code(err) == gcerrors.FailedPrecondition {
			return ErrExists
		}
		return fmt.Errorf("lease: write %s: %w", key, err)
	}
	return nil
}

// List returns the leases of kind, skipping keys that are not leases.
func (s *BlobStore) List(ctx context.Context, kind Kind, login string) ([]Handle, error) {
	iter := s.bucket.List(&blob.ListOptions{Prefix: prefix(kind, login)})

	var handles []Handle
	for {
		obj, err := iter.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("lease: list %s: %w", kind, err)
		}
		if obj.IsDir {
			continue
		}
		h, err := ParseKey(obj.Key)
		if err != nil {
			continue
		}
		handles = append(handles, h)
	}
	return handles, nil
}

// Exists reports whether the lease is present.
func (s *BlobStore) Exists(ctx context.Context, h Handle) (bool, error) {
	ok, err := s.bucket.Exists(ctx, h.Key())
	if err != nil {
		return false, fmt.Errorf("lease: check %s: %w", h.Key(), err)
	}
	return ok, nil
}

// Read returns the payload of the lease.
func (s *BlobStore) Read(ctx context.Context, h Handle) ([]byte, error) {
	data, err := s.bucket.ReadAll(ctx, h.Key())
	if err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("lease: read %s: %w", h.Key(), err)
	}
	return data, nil
}

// Delete removes the lease. Missing leases are ignored.
func (s *BlobStore) Delete(ctx context.Context, h Handle) error {
	err := s.bucket.Delete(ctx, h.Key())
	if err != nil && gcerrors.Code(err) != gcerrors.NotFound {
		return fmt.Errorf("lease: delete %s: %w", h.Key(), err)
	}
	return nil
}

// Close closes the bucket when the store opened it.
func (s *BlobStore) Close() error {
	if !s.owned {
		return nil
	}
	return s.bucket.Close()
}

var _ Store = (*BlobStore)(nil)
