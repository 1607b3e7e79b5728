package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/ligustah/cdsdl/internal/admission"
	"github.com/ligustah/cdsdl/internal/downloader"
	"github.com/ligustah/cdsdl/internal/lease"
	"github.com/ligustah/cdsdl/internal/presence"
	"github.com/ligustah/cdsdl/internal/product"
	"github.com/ligustah/cdsdl/internal/report"
	"github.com/ligustah/cdsdl/internal/token"
)

// Failure reasons for items that never got a conclusive download.
const (
	ReasonCancelled   = "cancelled"
	ReasonBlacklisted = "all accounts blacklisted"
	ReasonNoCapacity  = "no session capacity"
	ReasonStore       = "lease store failure"
	ReasonDuplicate   = "duplicate product"
)

// DefaultMaxWaits is the number of empty rounds tolerated when
// BackoffOptions.MaxWaits is unset.
const DefaultMaxWaits = 30

// ErrNoAccounts is returned when the account group is empty.
var ErrNoAccounts = errors.New("scheduler: account group has no accounts")

// Admitter grants download slots.
type Admitter interface {
	Admit(ctx context.Context, group string, pending []*product.Item, blacklist map[string]bool) ([]admission.Grant, error)
	Logins(group string) []string
	MaxSessions() int
	// Holder identifies the session leases created for this run.
	Holder() string
}

// Executor performs one download.
type Executor interface {
	Execute(ctx context.Context, req downloader.Request) downloader.Result
}

// TokenReleaser gives back tokens after use.
type TokenReleaser interface {
	Release(ctx context.Context, t token.Token) error
}

// BackoffOptions bounds the wait when a round admits nothing.
type BackoffOptions struct {
	// Initial is the first wait. Default: 10s
	Initial time.Duration
	// Max caps a single wait. Default: 2m
	Max time.Duration
	// MaxWaits is the number of consecutive empty rounds tolerated before
	// the remaining items fail.
	// Default: 30
	MaxWaits int
}

// Options configures a Scheduler.
type Options struct {
	Group     string
	Admission Admitter
	Executor  Executor
	Tokens    TokenReleaser
	Store     lease.Store

	// Resolver, when set, marks products already on local disks as
	// successful before the first round.
	Resolver  *presence.Resolver
	OutputDir string
	// Force downloads products even when found locally.
	Force bool

	Backoff BackoffOptions

	// SweepOnStart removes every session lease of the group's accounts
	// before the first round, whoever holds it.
	SweepOnStart bool

	Logger zerolog.Logger
}

// Scheduler runs downloads for one account group.
type Scheduler struct {
	opts Options
}

// New creates a scheduler.
func New(opts Options) (*Scheduler, error) {
	if opts.Admission == nil {
		return nil, errors.New("scheduler: admission controller is required")
	}
	if opts.Executor == nil {
		return nil, errors.New("scheduler: executor is required")
	}
	if opts.Tokens == nil {
		return nil, errors.New("scheduler: token releaser is required")
	}
	if opts.Store == nil {
		return nil, errors.New("scheduler: lease store is required")
	}
	if opts.Backoff.Initial <= 0 {
		opts.Backoff.Initial = 10 * time.Second
	}
	if opts.Backoff.Max <= 0 {
		opts.Backoff.Max = 2 * time.Minute
	}
	if opts.Backoff.MaxWaits <= 0 {
		opts.Backoff.MaxWaits = DefaultMaxWaits
	}
	return &Scheduler{opts: opts}, nil
}

// run is the mutable state of one Run, owned by the loop goroutine.
type run struct {
	logins    []string
	blacklist map[string]bool
	rep       *report.Report
	log       zerolog.Logger
}

// Run downloads every pending item. On return no item is pending. The
// error is non-nil only when the lease store failed.
func (s *Scheduler) Run(ctx context.Context, items []*product.Item) (*report.Report, error) {
	r := &run{
		logins:    s.opts.Admission.Logins(s.opts.Group),
		blacklist: make(map[string]bool),
		rep:       report.New(s.opts.Group, items),
		log:       s.opts.Logger.With().Str("group", s.opts.Group).Logger(),
	}
	defer r.rep.Finish()

	if len(r.logins) == 0 {
		failPending(items, "no accounts")
		return r.rep, ErrNoAccounts
	}
	if n := failDuplicates(items); n > 0 {
		r.log.Warn().Int("duplicates", n).Msg("duplicate product names in listing")
	}

	// Lease cleanup must happen even after cancellation.
	cleanupCtx := context.WithoutCancel(ctx)
	defer s.sweep(cleanupCtx, r)

	if s.opts.SweepOnStart {
		n, err := lease.Sweep(ctx, s.opts.Store, lease.KindSession, r.logins...)
		if err != nil {
			failPending(items, ReasonStore)
			return r.rep, fmt.Errorf("scheduler: sweep on start: %w", err)
		}
		if n > 0 {
			r.log.Info().Int("removed", n).Msg("removed orphaned session leases")
		}
	}

	if s.opts.Resolver != nil {
		sum := s.opts.Resolver.Apply(items, s.opts.OutputDir, s.opts.Force)
		r.rep.Presence(sum.Archive, sum.Spool, sum.Output, sum.Absent)
		r.log.Info().
			Int("archived", sum.Archive).
			Int("spool", sum.Spool).
			Int("output", sum.Output).
			Int("absent", sum.Absent).
			Msg("local presence checked")
	}

	bo := s.newBackoff()
	round := 0
	for {
		pending := pendingItems(items)
		if len(pending) == 0 {
			break
		}
		if ctx.Err() != nil {
			r.log.Warn().Int("pending", len(pending)).Msg("run cancelled")
			failPending(pending, ReasonCancelled)
			break
		}

		grants, err := s.opts.Admission.Admit(ctx, s.opts.Group, pending, r.blacklist)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			failPending(pending, ReasonStore)
			return r.rep, fmt.Errorf("scheduler: admit: %w", err)
		}

		if len(grants) == 0 {
			if r.allBlacklisted() {
				r.log.Error().Msg("all accounts blacklisted, stopping")
				failPending(pending, ReasonBlacklisted)
				break
			}
			wait := bo.NextBackOff()
			if wait == backoff.Stop {
				r.log.Error().Int("max_waits", s.opts.Backoff.MaxWaits).Msg("no session became available, giving up")
				failPending(pending, ReasonNoCapacity)
				break
			}
			r.log.Info().Dur("wait", wait).Int("pending", len(pending)).Msg("no session available, waiting")
			sleep(ctx, wait)
			continue
		}
		bo.Reset()

		round++
		r.rep.Round(len(grants))
		r.log.Info().
			Int("round", round).
			Int("pending", len(pending)).
			Int("admitted", len(grants)).
			Msg("starting round")

		s.runRound(ctx, r, grants)
	}

	return r.rep, nil
}

// runRound downloads grants concurrently and applies the results.
func (s *Scheduler) runRound(ctx context.Context, r *run, grants []admission.Grant) {
	detached := context.WithoutCancel(ctx)
	results := make(chan downloader.Result, len(grants))
	for _, g := range grants {
		req := downloader.Request{
			Item:       *g.Item,
			Login:      g.Login,
			Token:      g.Token,
			Session:    g.Session,
			URL:        g.URL,
			OutputPath: g.OutputPath,
		}
		go s.execute(detached, req, results)
	}

	byItem := make(map[string]*product.Item, len(grants))
	for _, g := range grants {
		byItem[g.Item.Name] = g.Item
	}

	errorsPerAccount := make(map[string]int)
	for range grants {
		res := <-results
		item := byItem[res.Request.Item.Name]
		login := res.Request.Login

		if err := s.opts.Tokens.Release(detached, res.Request.Token); err != nil {
			r.log.Warn().Err(err).Str("login", login).Msg("release token lease")
		}
		r.rep.Record(res)

		switch {
		case res.OK():
			item.Status = product.StatusSuccess
			item.Source = product.SourceDownload
			item.Reason = ""
		case res.Outcome == downloader.OutcomeTokenExpired:
			// Not the account's fault: try again with a fresh token.
			r.log.Info().Str("login", login).Str("product", item.Name).Msg("token expired before download, requeued")
		default:
			item.Status = product.StatusFailed
			item.Reason = res.Status()
			errorsPerAccount[login]++
			r.log.Info().Str("login", login).Str("product", item.Name).Str("outcome", res.Status()).Msg("download failed")
		}
	}

	for login, n := range errorsPerAccount {
		if n >= s.opts.Admission.MaxSessions() && !r.blacklist[login] {
			r.blacklist[login] = true
			r.rep.Blacklisted = append(r.rep.Blacklisted, login)
			r.log.Warn().Str("login", login).Int("errors", n).Msg("account blacklisted for next rounds")
		}
	}
}

// execute runs one grant and always delivers exactly one result, after the
// session lease is released.
func (s *Scheduler) execute(ctx context.Context, req downloader.Request, results chan<- downloader.Result) {
	res := downloader.Result{Request: req, Outcome: downloader.OutcomeFault}

	defer func() {
		if p := recover(); p != nil {
			s.opts.Logger.Error().
				Str("login", req.Login).
				Str("product", req.Item.Name).
				Interface("panic", p).
				Bytes("stack", debug.Stack()).
				Msg("download panicked")
			res = downloader.Result{
				Request: req,
				Outcome: downloader.OutcomeFault,
				Err:     fmt.Errorf("scheduler: download panicked: %v", p),
			}
		}
		if err := s.opts.Store.Delete(ctx, req.Session); err != nil {
			s.opts.Logger.Error().Err(err).Str("lease", req.Session.Key()).Msg("release session lease")
		}
		results <- res
	}()

	res = s.opts.Executor.Execute(ctx, req)
	res.Request = req
}

// sweep removes the session leases this run left for the group's accounts.
func (s *Scheduler) sweep(ctx context.Context, r *run) {
	n, err := lease.SweepSessions(ctx, s.opts.Store, s.opts.Admission.Holder(), r.logins...)
	if err != nil {
		r.log.Error().Err(err).Msg("sweep session leases")
		return
	}
	if n > 0 {
		r.log.Info().Int("removed", n).Msg("swept remaining session leases")
	}
}

func (s *Scheduler) newBackoff() backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = s.opts.Backoff.Initial
	eb.MaxInterval = s.opts.Backoff.Max
	eb.MaxElapsedTime = 0
	eb.Reset()
	return backoff.WithMaxRetries(eb, uint64(s.opts.Backoff.MaxWaits))
}

func (r *run) allBlacklisted() bool {
	for _, login := range r.logins {
		if !r.blacklist[login] {
			return false
		}
	}
	return true
}

func pendingItems(items []*product.Item) []*product.Item {
	var out []*product.Item
	for _, it := range items {
		if it.Status == product.StatusPending {
			out = append(out, it)
		}
	}
	return out
}

// failDuplicates fails every pending item whose name appeared earlier in
// items and returns how many were failed.
func failDuplicates(items []*product.Item) int {
	seen := make(map[string]bool, len(items))
	n := 0
	for _, it := range items {
		if seen[it.Name] && it.Status == product.StatusPending {
			it.Status = product.StatusFailed
			it.Reason = ReasonDuplicate
			n++
		}
		seen[it.Name] = true
	}
	return n
}

func failPending(items []*product.Item, reason string) {
	for _, it := range items {
		if it.Status == product.StatusPending {
			it.Status = product.StatusFailed
			it.Reason = reason
		}
	}
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}
