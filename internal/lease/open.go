package lease

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"gocloud.dev/blob/fileblob"
)

// Open returns the Store for location. A location without a scheme is a
// local directory, created on demand.
func Open(ctx context.Context, location string) (Store, error) {
	location = strings.TrimSpace(location)
	if location == "" {
		return nil, fmt.Errorf("lease: store location is required")
	}

	u, err := url.Parse(location)
	if err != nil || u.Scheme == "" || len(u.Scheme) == 1 {
		// A one-letter scheme is a Windows drive letter.
		return OpenDir(location)
	}

	switch u.Scheme {
	case "redis", "rediss":
		q := u.Query()
		keyPrefix := q.Get("prefix")
		q.Del("prefix")
		u.RawQuery = q.Encode()
		return OpenRedisStore(ctx, u.String(), keyPrefix)
	case "file":
		return OpenDir(u.Path)
	default:
		return OpenBlobStore(ctx, location)
	}
}

// OpenDir opens a file-backed store rooted at dir.
func OpenDir(dir string) (*BlobStore, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("lease: resolve %s: %w", dir, err)
	}
	if err := os.MkdirAll(abs, 0o775); err != nil {
		return nil, fmt.Errorf("lease: create %s: %w", abs, err)
	}
	bucket, err := fileblob.OpenBucket(abs, nil)
	if err != nil {
		return nil, fmt.Errorf("lease: open %s: %w", abs, err)
	}
	return &BlobStore{bucket: bucket, owned: true}, nil
}
