package token

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/url"
	"sort"
	"sync"
	"time"

	cdhttp "github.com/ligustah/cdsdl/internal/http"
	"github.com/ligustah/cdsdl/internal/lease"
	"github.com/rs/zerolog"
)

// DefaultValidity is the lifetime of a token issued by the identity endpoint.
const DefaultValidity = 600 * time.Second

// Token is a bearer token backed by a token lease.
type Token struct {
	Value    string
	IssuedAt time.Time
	Login    string
	Lease    lease.Handle
	Validity time.Duration
}

// Expired reports whether the token has reached the end of its validity
// window at now.
func (t Token) Expired(now time.Time) bool {
	return now.Sub(t.IssuedAt) >= t.Validity
}

// Authorization returns the Authorization header value for t.
func (t Token) Authorization() string {
	return "Bearer " + t.Value
}

// Options configures a Manager.
type Options struct {
	Store  lease.Store
	Client *cdhttp.Client

	IdentityURL string
	// ClientID is sent as client_id.
	// Default: cdse-public
	ClientID string

	// Accounts maps group name to login to password.
	Accounts map[string]map[string]string

	// Validity is the token lifetime.
	// Default: 600s
	Validity time.Duration

	// Now returns the current time. Default: time.Now
	Now func() time.Time
	// Rand picks among reusable tokens and logins. Default: randomly seeded.
	Rand *rand.Rand

	Logger zerolog.Logger
}

// Manager hands out bearer tokens for account groups.
type Manager struct {
	opts Options

	mu  sync.Mutex // guards rnd
	rnd *rand.Rand
}

// NewManager creates a token manager.
func NewManager(opts Options) (*Manager, error) {
	if opts.Store == nil {
		return nil, errors.New("token: store is required")
	}
	if opts.IdentityURL == "" {
		return nil, errors.New("token: identity URL is required")
	}
	if opts.Client == nil {
		opts.Client = cdhttp.NewClient(cdhttp.DefaultOptions())
	}
	if opts.ClientID == "" {
		opts.ClientID = "cdse-public"
	}
	if opts.Validity <= 0 {
		opts.Validity = DefaultValidity
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	rnd := opts.Rand
	if rnd == nil {
		rnd = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return &Manager{opts: opts, rnd: rnd}, nil
}

// Validity returns the configured token lifetime.
func (m *Manager) Validity() time.Duration {
	return m.opts.Validity
}

// Acquire returns a valid token for group. When login is not empty only
// that account is considered. An unexpired token lease is reused when one
// exists; otherwise a new token is requested and persisted.
func (m *Manager) Acquire(ctx context.Context, group, login string) (Token, error) {
	logins, err := m.logins(group, login)
	if err != nil {
		return Token{}, err
	}

	tok, ok, err := m.reuse(ctx, logins)
	if err != nil {
		return Token{}, err
	}
	if ok {
		return tok, nil
	}

	if login == "" {
		login = logins[m.intn(len(logins))]
	}
	return m.issue(ctx, group, login)
}

// Release deletes the token lease once it is past its validity window.
// Younger leases stay available for reuse.
func (m *Manager) Release(ctx context.Context, t Token) error {
	if t.Lease.Login == "" || !t.Expired(m.opts.Now()) {
		return nil
	}
	if err := m.opts.Store.Delete(ctx, t.Lease); err != nil {
		return fmt.Errorf("token: release %s: %w", t.Lease, err)
	}
	m.opts.Logger.Debug().Str("login", t.Login).Str("lease", t.Lease.Key()).Msg("token lease removed")
	return nil
}

// Valid returns the unexpired token leases held by the given logins.
func (m *Manager) Valid(ctx context.Context, logins ...string) ([]lease.Handle, error) {
	now := m.opts.Now()
	var valid []lease.Handle
	for _, login := range logins {
		handles, err := m.opts.Store.List(ctx, lease.KindToken, login)
		if err != nil {
			return nil, fmt.Errorf("token: list leases for %s: %w", login, err)
		}
		for _, h := range handles {
			issued, err := h.IssuedAt()
			if err != nil {
				m.opts.Logger.Warn().Str("lease", h.Key()).Err(err).Msg("skipping malformed token lease")
				continue
			}
			if now.Sub(issued) < m.opts.Validity {
				valid = append(valid, h)
			}
		}
	}
	return valid, nil
}

func (m *Manager) logins(group, login string) ([]string, error) {
	creds, ok := m.opts.Accounts[group]
	if !ok {
		return nil, &ConfigError{Group: group, Msg: "unknown account group"}
	}
	if len(creds) == 0 {
		return nil, &ConfigError{Group: group, Msg: "no accounts configured"}
	}
	if login != "" {
		if _, ok := creds[login]; !ok {
			return nil, &ConfigError{Group: group, Login: login, Msg: "password not configured"}
		}
		return []string{login}, nil
	}
	logins := make([]string, 0, len(creds))
	for l := range creds {
		logins = append(logins, l)
	}
	sort.Strings(logins)
	return logins, nil
}

// reuse picks a random unexpired token lease among logins.
func (m *Manager) reuse(ctx context.Context, logins []string) (Token, bool, error) {
	valid, err := m.Valid(ctx, logins...)
	if err != nil {
		return Token{}, false, err
	}

	for len(valid) > 0 {
		i := m.intn(len(valid))
		h := valid[i]
		tok, err := m.load(ctx, h)
		if err == nil {
			m.opts.Logger.Debug().Str("login", h.Login).Str("lease", h.Key()).Msg("reusing token")
			return tok, true, nil
		}
		if !errors.Is(err, lease.ErrNotFound) {
			m.opts.Logger.Warn().Str("lease", h.Key()).Err(err).Msg("skipping unreadable token lease")
		}
		valid = append(valid[:i], valid[i+1:]...)
	}
	return Token{}, false, nil
}

func (m *Manager) load(ctx context.Context, h lease.Handle) (Token, error) {
	data, err := m.opts.Store.Read(ctx, h)
	if err != nil {
		return Token{}, err
	}
	var rec lease.TokenRecord
	if err := lease.Decode(data, &rec); err != nil {
		return Token{}, err
	}
	if rec.Token == "" {
		return Token{}, fmt.Errorf("token: lease %s has no token", h)
	}
	issued, err := h.IssuedAt()
	if err != nil {
		return Token{}, err
	}
	return Token{
		Value:    rec.Token,
		IssuedAt: issued,
		Login:    h.Login,
		Lease:    h,
		Validity: m.opts.Validity,
	}, nil
}

// identityResponse is the subset of the OpenID Connect token response used.
type identityResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
}

func (m *Manager) issue(ctx context.Context, group, login string) (Token, error) {
	form := url.Values{
		"client_id":  {m.opts.ClientID},
		"username":   {login},
		"password":   {m.opts.Accounts[group][login]},
		"grant_type": {"password"},
	}

	// Lease keys have second resolution.
	issued := m.opts.Now().UTC().Truncate(time.Second)
	m.opts.Logger.Debug().Str("login", login).Msg("requesting token")

	resp, err := m.opts.Client.PostForm(ctx, m.opts.IdentityURL, form)
	if err != nil {
		ae := &AuthError{Login: login, Err: err}
		if resp != nil {
			ae.StatusCode = resp.StatusCode
			ae.Response = string(resp.Body)
			var se *cdhttp.StatusError
			if errors.As(err, &se) {
				ae.Response = se.Body
			}
		}
		return Token{}, ae
	}

	var body identityResponse
	if err := json.Unmarshal(resp.Body, &body); err != nil {
		return Token{}, &AuthError{
			Login:      login,
			StatusCode: resp.StatusCode,
			Response:   truncate(resp.Body),
			Err:        fmt.Errorf("decode identity response: %w", err),
		}
	}
	if body.AccessToken == "" {
		return Token{}, &AuthError{
			Login:      login,
			StatusCode: resp.StatusCode,
			Response:   truncate(resp.Body),
			Err:        ErrNoToken,
		}
	}

	h := lease.TokenHandle(login, issued)
	payload, err := lease.Encode(lease.TokenRecord{Login: login, IssuedAt: issued, Token: body.AccessToken})
	if err != nil {
		return Token{}, err
	}
	if err := m.opts.Store.Create(ctx, h, payload); err != nil {
		if errors.Is(err, lease.ErrExists) {
			// Another process minted a token for login in the same second.
			if tok, lerr := m.load(ctx, h); lerr == nil {
				return tok, nil
			}
		}
		return Token{}, fmt.Errorf("token: store lease %s: %w", h, err)
	}

	m.opts.Logger.Info().Str("login", login).Str("lease", h.Key()).Msg("token issued")
	return Token{
		Value:    body.AccessToken,
		IssuedAt: issued,
		Login:    login,
		Lease:    h,
		Validity: m.opts.Validity,
	}, nil
}

func (m *Manager) intn(n int) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rnd.IntN(n)
}

func truncate(body []byte) string {
	const limit = 1024
	if len(body) > limit {
		body = body[:limit]
	}
	return string(body)
}
