package admission

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/ligustah/cdsdl/internal/lease"
	"github.com/ligustah/cdsdl/internal/product"
	"github.com/ligustah/cdsdl/internal/token"
	"github.com/rs/zerolog"
)

// DefaultMaxSessions is the per-account download cap of the archive.
const DefaultMaxSessions = 4

// TokenSource hands out bearer tokens for an account.
type TokenSource interface {
	Acquire(ctx context.Context, group, login string) (token.Token, error)
}

// Grant is the permission to download one product with one account.
type Grant struct {
	Item       *product.Item
	Login      string
	Token      token.Token
	Session    lease.Handle
	URL        string
	OutputPath string
}

// Options configures a Controller.
type Options struct {
	Store  lease.Store
	Tokens TokenSource

	// Accounts maps group name to login to password.
	Accounts map[string]map[string]string

	// MaxSessionsPerAccount caps concurrent downloads per login.
	// Default: 4
	MaxSessionsPerAccount int

	// DownloadURL is the product URL template with a %s placeholder.
	DownloadURL string
	// OutputDir receives published products.
	OutputDir string

	// Holder is recorded in session leases to identify this run.
	// Default: a random UUID
	Holder string

	// Now returns the current time. Default: time.Now
	Now func() time.Time

	Logger zerolog.Logger
}

// Controller grants download slots.
type Controller struct {
	opts Options
}

// New creates an admission controller.
func New(opts Options) (*Controller, error) {
	if opts.Store == nil {
		return nil, errors.New("admission: store is required")
	}
	if opts.Tokens == nil {
		return nil, errors.New("admission: token source is required")
	}
	if opts.DownloadURL == "" {
		return nil, errors.New("admission: download URL is required")
	}
	if opts.MaxSessionsPerAccount <= 0 {
		opts.MaxSessionsPerAccount = DefaultMaxSessions
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Holder == "" {
		opts.Holder = uuid.NewString()
	}
	return &Controller{opts: opts}, nil
}

// Holder returns the identity written into the session leases it creates.
func (c *Controller) Holder() string {
	return c.opts.Holder
}

// Logins returns the sorted logins of group.
func (c *Controller) Logins(group string) []string {
	creds := c.opts.Accounts[group]
	logins := make([]string, 0, len(creds))
	for login := range creds {
		logins = append(logins, login)
	}
	sort.Strings(logins)
	return logins
}

// MaxSessions returns the per-account cap.
func (c *Controller) MaxSessions() int {
	return c.opts.MaxSessionsPerAccount
}

// Admit assigns pending items to the free session slots of the accounts in
// group that are not blacklisted. Accounts are visited in login order and
// items in the order given.
//
// Accounts whose token cannot be obtained are skipped for this round. Any
// other lease store failure releases the sessions created so far and is
// returned.
func (c *Controller) Admit(ctx context.Context, group string, pending []*product.Item, blacklist map[string]bool) ([]Grant, error) {
	var grants []Grant
	assigned := make(map[*product.Item]bool, len(pending))
	remaining := 0
	for _, item := range pending {
		if item.Status == product.StatusPending {
			remaining++
		}
	}

	fail := func(err error) ([]Grant, error) {
		c.rollback(grants)
		return nil, err
	}

	for _, login := range c.Logins(group) {
		if remaining == 0 {
			break
		}
		log := c.opts.Logger.With().Str("login", login).Logger()
		if blacklist[login] {
			log.Debug().Msg("account blacklisted, skipping")
			continue
		}

		active, err := lease.Count(ctx, c.opts.Store, lease.KindSession, login)
		if err != nil {
			return fail(fmt.Errorf("admission: count sessions for %s: %w", login, err))
		}
		capacity := c.opts.MaxSessionsPerAccount - active
		if capacity <= 0 {
			log.Debug().Int("active", active).Msg("account at capacity")
			continue
		}

		tok, err := c.opts.Tokens.Acquire(ctx, group, login)
		if err != nil {
			if token.IsAccountError(err) {
				log.Warn().Err(err).Msg("no token for account, skipping this round")
				continue
			}
			return fail(fmt.Errorf("admission: token for %s: %w", login, err))
		}

		for _, item := range pending {
			if capacity == 0 {
				break
			}
			if assigned[item] || item.Status != product.StatusPending {
				continue
			}

			h := lease.SessionHandle(login, item.Name)
			payload, err := lease.Encode(lease.SessionRecord{
				Login:     login,
				Product:   item.Name,
				CreatedAt: c.opts.Now().UTC(),
				Holder:    c.opts.Holder,
			})
			if err != nil {
				return fail(err)
			}
			if err := c.opts.Store.Create(ctx, h, payload); err != nil {
				if errors.Is(err, lease.ErrExists) {
					log.Debug().Str("product", item.Name).Msg("session already held, skipping item")
					continue
				}
				return fail(fmt.Errorf("admission: create session %s: %w", h, err))
			}

			// Another process may have filled the account since it was counted.
			held, err := lease.Count(ctx, c.opts.Store, lease.KindSession, login)
			if err != nil {
				c.release(h)
				return fail(fmt.Errorf("admission: count sessions for %s: %w", login, err))
			}
			if held > c.opts.MaxSessionsPerAccount {
				c.release(h)
				log.Debug().Int("active", held).Msg("account filled concurrently, backing off")
				break
			}

			assigned[item] = true
			remaining--
			capacity--
			grants = append(grants, Grant{
				Item:       item,
				Login:      login,
				Token:      tok,
				Session:    h,
				URL:        item.URL(c.opts.DownloadURL),
				OutputPath: item.OutputPath(c.opts.OutputDir),
			})
		}
	}

	return grants, nil
}

// rollback deletes the session leases of grants. Failures are logged; the
// end-of-run sweep removes anything left behind.
func (c *Controller) rollback(grants []Grant) {
	for _, g := range grants {
		c.release(g.Session)
	}
}

func (c *Controller) release(h lease.Handle) {
	if err := c.opts.Store.Delete(context.Background(), h); err != nil {
		c.opts.Logger.Error().Err(err).Str("lease", h.Key()).Msg("release session lease")
	}
}
