package lease

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Kind distinguishes token leases from session leases.
type Kind string

const (
	KindToken   Kind = "token"
	KindSession Kind = "session"
)

// StampLayout formats token issuance times in lease keys.
const StampLayout = "20060102t150405"

var (
	// ErrExists is returned by Store.Create when the lease is already held.
	ErrExists = errors.New("lease: already exists")
	// ErrNotFound is returned by Store.Read for a missing lease.
	ErrNotFound = errors.New("lease: not found")
	// ErrInvalidKey is returned when a key cannot be parsed back into a Handle.
	ErrInvalidKey = errors.New("lease: invalid key")
)

// Handle identifies a lease. Name is the issuance stamp for token leases and
// the product name for session leases.
type Handle struct {
	Kind  Kind
	Login string
	Name  string
}

// TokenHandle returns the handle of a token issued to login at t.
func TokenHandle(login string, issuedAt time.Time) Handle {
	return Handle{Kind: KindToken, Login: login, Name: issuedAt.UTC().Format(StampLayout)}
}

// SessionHandle returns the handle of the download slot for product.
func SessionHandle(login, product string) Handle {
	return Handle{Kind: KindSession, Login: login, Name: product}
}

// Key returns the storage key of h.
func (h Handle) Key() string {
	return string(h.Kind) + "/" + h.Login + "/" + h.Name
}

func (h Handle) String() string {
	return h.Key()
}

// IssuedAt parses the issuance time encoded in a token handle.
func (h Handle) IssuedAt() (time.Time, error) {
	if h.Kind != KindToken {
		return time.Time{}, fmt.Errorf("%w: %s is not a token lease", ErrInvalidKey, h.Key())
	}
	t, err := time.ParseInLocation(StampLayout, h.Name, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %s: %v", ErrInvalidKey, h.Key(), err)
	}
	return t, nil
}

func (h Handle) validate() error {
	switch h.Kind {
	case KindToken, KindSession:
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidKey, h.Kind)
	}
	if h.Login == "" || h.Name == "" {
		return fmt.Errorf("%w: login and name are required", ErrInvalidKey)
	}
	if strings.Contains(h.Login, "/") || strings.Contains(h.Name, "/") {
		return fmt.Errorf("%w: %q contains a path separator", ErrInvalidKey, h.Key())
	}
	return nil
}

// ParseKey reverses Handle.Key.
func ParseKey(key string) (Handle, error) {
	parts := strings.Split(key, "/")
	if len(parts) != 3 {
		return Handle{}, fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	h := Handle{Kind: Kind(parts[0]), Login: parts[1], Name: parts[2]}
	if err := h.validate(); err != nil {
		return Handle{}, err
	}
	return h, nil
}

// prefix returns the key prefix listing leases of kind, optionally for one login.
func prefix(kind Kind, login string) string {
	if login == "" {
		return string(kind) + "/"
	}
	return string(kind) + "/" + login + "/"
}

// Store persists leases. Implementations must tolerate concurrent use from
// multiple goroutines and multiple processes.
type Store interface {
	// Create writes the lease if absent and returns ErrExists otherwise.
	Create(ctx context.Context, h Handle, payload []byte) error
	// List returns the leases of kind. An empty login lists every account.
	List(ctx context.Context, kind Kind, login string) ([]Handle, error)
	Exists(ctx context.Context, h Handle) (bool, error)
	// Read returns the payload of the lease or ErrNotFound.
	Read(ctx context.Context, h Handle) ([]byte, error)
	// Delete removes the lease. Deleting a missing lease is not an error.
	Delete(ctx context.Context, h Handle) error
	Close() error
}

// TokenRecord is the payload of a token lease.
type TokenRecord struct {
	Login    string    `json:"login"`
	IssuedAt time.Time `json:"issued_at"`
	Token    string    `json:"token"`
}

// SessionRecord is the payload of a session lease.
type SessionRecord struct {
	Login     string    `json:"login"`
	Product   string    `json:"product"`
	CreatedAt time.Time `json:"created_at"`
	// Holder identifies the run that created the lease.
	Holder string `json:"holder,omitempty"`
}

// Encode marshals a lease record.
func Encode(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("lease: encode: %w", err)
	}
	return data, nil
}

// Decode unmarshals a lease record.
func Decode(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("lease: decode: %w", err)
	}
	return nil
}

// Count returns the number of leases of kind held by login.
func Count(ctx context.Context, s Store, kind Kind, login string) (int, error) {
	handles, err := s.List(ctx, kind, login)
	if err != nil {
		return 0, err
	}
	return len(handles), nil
}

// Sweep deletes every lease of kind. When logins is non-empty only those
// accounts are swept. It returns the number of leases removed.
func Sweep(ctx context.Context, s Store, kind Kind, logins ...string) (int, error) {
	handles, err := listAll(ctx, s, kind, logins)
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, h := range handles {
		if err := s.Delete(ctx, h); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

// SweepSessions deletes the session leases of logins whose record names
// holder. Leases of other holders are left alone. It returns the number of
// leases removed.
func SweepSessions(ctx context.Context, s Store, holder string, logins ...string) (int, error) {
	handles, err := listAll(ctx, s, KindSession, logins)
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, h := range handles {
		data, err := s.Read(ctx, h)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return removed, err
		}
		var rec SessionRecord
		if err := Decode(data, &rec); err != nil || rec.Holder != holder {
			continue
		}
		if err := s.Delete(ctx, h); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

func listAll(ctx context.Context, s Store, kind Kind, logins []string) ([]Handle, error) {
	if len(logins) == 0 {
		return s.List(ctx, kind, "")
	}
	var handles []Handle
	for _, login := range logins {
		hs, err := s.List(ctx, kind, login)
		if err != nil {
			return nil, err
		}
		handles = append(handles, hs...)
	}
	return handles, nil
}
