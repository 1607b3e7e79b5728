package lease

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps leases as plain keys in Redis. Keys never expire on their
// own; the token manager and the scheduler remove them.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	owned  bool
}

// NewRedisStore wraps a client. Keys are namespaced under prefix.
func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	normalized := strings.TrimSpace(prefix)
	if normalized == "" {
		normalized = "cdsdl:lease"
	}
	return &RedisStore{client: client, prefix: strings.TrimSuffix(normalized, ":")}
}

// OpenRedisStore connects to the server at url (redis://host:port/db) and
// verifies the connection.
func OpenRedisStore(ctx context.Context, url, prefix string) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("lease: parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("lease: ping redis: %w", err)
	}
	s := NewRedisStore(client, prefix)
	s.owned = true
	return s, nil
}

func (s *RedisStore) key(h Handle) string {
	return s.prefix + ":" + h.Key()
}

// Create sets the key only if it does not exist.
func (s *RedisStore) Create(ctx context.Context, h Handle, payload []byte) error {
	if err := h.validate(); err != nil {
		return err
	}
	ok, err := s.client.SetNX(ctx, s.key(h), payload, 0).Result()
	if err != nil {
		return fmt.Errorf("lease: setnx %s: %w", h.Key(), err)
	}
	if !ok {
		return ErrExists
	}
	return nil
}

// List scans the namespace for leases of kind.
func (s *RedisStore) List(ctx context.Context, kind Kind, login string) ([]Handle, error) {
	match := s.prefix + ":" + prefix(kind, login) + "*"

	var handles []Handle
	iter := s.client.Scan(ctx, 0, match, 256).Iterator()
	for iter.Next(ctx) {
		h, err := ParseKey(strings.TrimPrefix(iter.Val(), s.prefix+":"))
		if err != nil {
			continue
		}
		handles = append(handles, h)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("lease: scan %s: %w", kind, err)
	}
	return handles, nil
}

// Exists reports whether the key is set.
func (s *RedisStore) Exists(ctx context.Context, h Handle) (bool, error) {
	n, err := s.client.Exists(ctx, s.key(h)).Result()
	if err != nil {
		return false, fmt.Errorf("lease: exists %s: %w", h.Key(), err)
	}
	return n > 0, nil
}

// Read returns the stored payload.
func (s *RedisStore) Read(ctx context.Context, h Handle) ([]byte, error) {
	data, err := s.client.Get(ctx, s.key(h)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("lease: get %s: %w", h.Key(), err)
	}
	return data, nil
}

// Delete removes the key. DEL on a missing key is a no-op.
func (s *RedisStore) Delete(ctx context.Context, h Handle) error {
	if err := s.client.Del(ctx, s.key(h)).Err(); err != nil {
		return fmt.Errorf("lease: del %s: %w", h.Key(), err)
	}
	return nil
}

// Close closes the client when the store opened it.
func (s *RedisStore) Close() error {
	if !s.owned {
		return nil
	}
	return s.client.Close()
}

var _ Store = (*RedisStore)(nil)
