package scheduler

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ligustah/cdsdl/internal/admission"
	"github.com/ligustah/cdsdl/internal/downloader"
	cdhttp "github.com/ligustah/cdsdl/internal/http"
	"github.com/ligustah/cdsdl/internal/lease"
	"github.com/ligustah/cdsdl/internal/presence"
	"github.com/ligustah/cdsdl/internal/product"
	"github.com/ligustah/cdsdl/internal/testutils"
	"github.com/ligustah/cdsdl/internal/token"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocloud.dev/blob/memblob"
)

type stubTokens struct {
	released atomic.Int32
}

func (s *stubTokens) Acquire(_ context.Context, _, login string) (token.Token, error) {
	now := time.Now()
	return token.Token{
		Value:    "tok-" + login,
		Login:    login,
		IssuedAt: now,
		Validity: token.DefaultValidity,
		Lease:    lease.TokenHandle(login, now),
	}, nil
}

func (s *stubTokens) Release(context.Context, token.Token) error {
	s.released.Add(1)
	return nil
}

// trackingExecutor records concurrency per login and checks the session
// lease count while each download runs.
type trackingExecutor struct {
	store lease.Store
	limit int
	delay time.Duration
	fail  func(req downloader.Request) downloader.Outcome

	mu        sync.Mutex
	active    map[string]int
	maxActive map[string]int
	calls     int
	violation error
}

func newTrackingExecutor(store lease.Store, limit int) *trackingExecutor {
	return &trackingExecutor{
		store:     store,
		limit:     limit,
		active:    map[string]int{},
		maxActive: map[string]int{},
	}
}

func (e *trackingExecutor) Execute(ctx context.Context, req downloader.Request) downloader.Result {
	e.mu.Lock()
	e.calls++
	e.active[req.Login]++
	if e.active[req.Login] > e.maxActive[req.Login] {
		e.maxActive[req.Login] = e.active[req.Login]
	}
	e.mu.Unlock()

	n, err := lease.Count(ctx, e.store, lease.KindSession, req.Login)
	if err == nil && n > e.limit {
		err = fmt.Errorf("%s holds %d sessions", req.Login, n)
	}
	if ok, _ := e.store.Exists(ctx, req.Session); !ok && err == nil {
		err = fmt.Errorf("session %s not held during download", req.Session)
	}
	if err != nil {
		e.mu.Lock()
		e.violation = err
		e.mu.Unlock()
	}

	if e.delay > 0 {
		time.Sleep(e.delay)
	}

	e.mu.Lock()
	e.active[req.Login]--
	e.mu.Unlock()

	outcome := downloader.OutcomeOK
	if e.fail != nil {
		outcome = e.fail(req)
	}
	res := downloader.Result{Request: req, Outcome: outcome, Bytes: 1000, Elapsed: time.Millisecond, SpeedMBps: 1}
	if outcome != downloader.OutcomeOK {
		res.Err = errors.New(string(outcome))
	}
	return res
}

type panicExecutor struct{}

func (panicExecutor) Execute(context.Context, downloader.Request) downloader.Result {
	panic("executor exploded")
}

type harness struct {
	store  lease.Store
	tokens *stubTokens
	ctrl   *admission.Controller
}

func newHarness(t *testing.T, logins []string, limit int) *harness {
	t.Helper()
	store := lease.NewBlobStore(memblob.OpenBucket(nil))
	t.Cleanup(func() { store.Close() })

	creds := map[string]string{}
	for _, l := range logins {
		creds[l] = "pw"
	}
	tokens := &stubTokens{}
	ctrl, err := admission.New(admission.Options{
		Store:                 store,
		Tokens:                tokens,
		Accounts:              map[string]map[string]string{"logins": creds},
		MaxSessionsPerAccount: limit,
		DownloadURL:           "https://example.com/Products(%s)/$value",
		OutputDir:             t.TempDir(),
	})
	require.NoError(t, err)
	return &harness{store: store, tokens: tokens, ctrl: ctrl}
}

func (h *harness) scheduler(t *testing.T, exec Executor, mutate func(*Options)) *Scheduler {
	t.Helper()
	opts := Options{
		Group:     "logins",
		Admission: h.ctrl,
		Executor:  exec,
		Tokens:    h.tokens,
		Store:     h.store,
		Backoff:   BackoffOptions{Initial: time.Millisecond, Max: 5 * time.Millisecond, MaxWaits: 3},
	}
	if mutate != nil {
		mutate(&opts)
	}
	s, err := New(opts)
	require.NoError(t, err)
	return s
}

func makeItems(n int) []*product.Item {
	items := make([]*product.Item, n)
	for i := range items {
		it := product.New(fmt.Sprintf("id-%d", i), fmt.Sprintf("P%02d", i))
		items[i] = &it
	}
	return items
}

func assertNonePending(t *testing.T, items []*product.Item) {
	t.Helper()
	for _, it := range items {
		assert.NotEqual(t, product.StatusPending, it.Status, "item %s still pending", it.Name)
	}
}

func assertNoSessions(t *testing.T, store lease.Store) {
	t.Helper()
	sessions, err := store.List(context.Background(), lease.KindSession, "")
	require.NoError(t, err)
	assert.Empty(t, sessions)
}

func TestRunRoundSizes(t *testing.T) {
	h := newHarness(t, []string{"alice@example.com"}, 2)
	exec := newTrackingExecutor(h.store, 2)
	items := makeItems(5)

	rep, err := h.scheduler(t, exec, nil).Run(context.Background(), items)
	require.NoError(t, err)

	assert.Equal(t, []int{2, 2, 1}, rep.Rounds)
	for _, it := range items {
		assert.Equal(t, product.StatusSuccess, it.Status)
		assert.Equal(t, product.SourceDownload, it.Source)
	}
	assert.Equal(t, 5, rep.Counters["successful_download"])
	assert.Equal(t, int32(5), h.tokens.released.Load())
	assertNoSessions(t, h.store)
}

func TestRunRespectsSessionCap(t *testing.T) {
	logins := []string{"a@example.com", "b@example.com", "c@example.com"}
	h := newHarness(t, logins, 2)
	exec := newTrackingExecutor(h.store, 2)
	exec.delay = 5 * time.Millisecond
	items := makeItems(20)

	rep, err := h.scheduler(t, exec, nil).Run(context.Background(), items)
	require.NoError(t, err)
	require.NoError(t, exec.violation)

	for _, l := range logins {
		assert.LessOrEqual(t, exec.maxActive[l], 2, l)
	}
	for _, size := range rep.Rounds {
		assert.LessOrEqual(t, size, 6)
	}
	assertNonePending(t, items)
	assertNoSessions(t, h.store)
}

func TestRunBlacklistStopsEarly(t *testing.T) {
	h := newHarness(t, []string{"a@example.com", "b@example.com"}, 2)
	exec := newTrackingExecutor(h.store, 2)
	exec.fail = func(downloader.Request) downloader.Outcome { return downloader.OutcomeHTTPStatus }
	items := makeItems(6)

	rep, err := h.scheduler(t, exec, nil).Run(context.Background(), items)
	require.NoError(t, err)

	assert.Equal(t, []int{4}, rep.Rounds)
	assert.Equal(t, 4, exec.calls)
	assert.ElementsMatch(t, []string{"a@example.com", "b@example.com"}, rep.Blacklisted)
	assertNonePending(t, items)

	var blacklisted int
	for _, it := range items {
		assert.Equal(t, product.StatusFailed, it.Status)
		if it.Reason == ReasonBlacklisted {
			blacklisted++
		}
	}
	assert.Equal(t, 2, blacklisted)
}

func TestRunFailuresBelowCapKeepAccount(t *testing.T) {
	h := newHarness(t, []string{"a@example.com"}, 2)
	exec := newTrackingExecutor(h.store, 2)
	exec.fail = func(req downloader.Request) downloader.Outcome {
		if req.Item.Name == "P00" {
			return downloader.OutcomeStreamError
		}
		return downloader.OutcomeOK
	}
	items := makeItems(4)

	rep, err := h.scheduler(t, exec, nil).Run(context.Background(), items)
	require.NoError(t, err)
	assert.Empty(t, rep.Blacklisted)
	assert.Equal(t, product.StatusFailed, items[0].Status)
	assert.Equal(t, "StreamError", items[0].Reason)
	for _, it := range items[1:] {
		assert.Equal(t, product.StatusSuccess, it.Status)
	}
	assert.Equal(t, 1, rep.Counters["status_StreamError"])
}

func TestRunPanicBecomesFailure(t *testing.T) {
	h := newHarness(t, []string{"a@example.com"}, 4)
	items := makeItems(2)

	rep, err := h.scheduler(t, panicExecutor{}, nil).Run(context.Background(), items)
	require.NoError(t, err)

	for _, it := range items {
		assert.Equal(t, product.StatusFailed, it.Status)
		assert.Equal(t, string(downloader.OutcomeFault), it.Reason)
	}
	assert.Equal(t, 2, rep.Counters["status_Fault"])
	assertNoSessions(t, h.store)
}

func TestRunRequeuesExpiredToken(t *testing.T) {
	h := newHarness(t, []string{"a@example.com"}, 2)
	exec := newTrackingExecutor(h.store, 2)
	var mu sync.Mutex
	seen := map[string]bool{}
	exec.fail = func(req downloader.Request) downloader.Outcome {
		mu.Lock()
		defer mu.Unlock()
		if !seen[req.Item.Name] {
			seen[req.Item.Name] = true
			return downloader.OutcomeTokenExpired
		}
		return downloader.OutcomeOK
	}
	items := makeItems(2)

	rep, err := h.scheduler(t, exec, nil).Run(context.Background(), items)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 2}, rep.Rounds)
	assert.Empty(t, rep.Blacklisted)
	for _, it := range items {
		assert.Equal(t, product.StatusSuccess, it.Status)
	}
	assert.Equal(t, 2, rep.Counters["status_TokenExpired"])
}

func TestRunGivesUpAfterMaxWaits(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, []string{"a@example.com"}, 1)
	// Another process occupies the only slot.
	require.NoError(t, h.store.Create(ctx, lease.SessionHandle("a@example.com", "foreign"), []byte(`{}`)))
	exec := newTrackingExecutor(h.store, 1)
	items := makeItems(2)

	rep, err := h.scheduler(t, exec, nil).Run(ctx, items)
	require.NoError(t, err)
	assert.Zero(t, exec.calls)
	assert.Empty(t, rep.Rounds)
	for _, it := range items {
		assert.Equal(t, product.StatusFailed, it.Status)
		assert.Equal(t, ReasonNoCapacity, it.Reason)
	}
}

func TestRunSweepOnStart(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, []string{"a@example.com"}, 1)
	require.NoError(t, h.store.Create(ctx, lease.SessionHandle("a@example.com", "orphan"), []byte(`{}`)))
	exec := newTrackingExecutor(h.store, 1)
	items := makeItems(2)

	s := h.scheduler(t, exec, func(o *Options) { o.SweepOnStart = true })
	rep, err := s.Run(ctx, items)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 1}, rep.Rounds)
	for _, it := range items {
		assert.Equal(t, product.StatusSuccess, it.Status)
	}
}

func TestRunCancelled(t *testing.T) {
	h := newHarness(t, []string{"a@example.com"}, 2)
	exec := newTrackingExecutor(h.store, 2)
	items := makeItems(3)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := h.scheduler(t, exec, nil).Run(ctx, items)
	require.NoError(t, err)
	assert.Zero(t, exec.calls)
	for _, it := range items {
		assert.Equal(t, product.StatusFailed, it.Status)
		assert.Equal(t, ReasonCancelled, it.Reason)
	}
}

func TestRunCancelledMidRoundFinishesInFlight(t *testing.T) {
	h := newHarness(t, []string{"a@example.com"}, 2)
	exec := newTrackingExecutor(h.store, 2)
	exec.delay = 200 * time.Millisecond
	items := makeItems(4)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	rep, err := h.scheduler(t, exec, nil).Run(ctx, items)
	require.NoError(t, err)
	assert.Equal(t, []int{2}, rep.Rounds)
	assert.Equal(t, product.StatusSuccess, items[0].Status)
	assert.Equal(t, product.StatusSuccess, items[1].Status)
	assert.Equal(t, ReasonCancelled, items[2].Reason)
	assert.Equal(t, ReasonCancelled, items[3].Reason)
	assertNoSessions(t, h.store)
}

type failingStore struct {
	lease.Store
}

func (failingStore) List(context.Context, lease.Kind, string) ([]lease.Handle, error) {
	return nil, errors.New("store unreachable")
}

func TestRunStoreFailure(t *testing.T) {
	h := newHarness(t, []string{"a@example.com"}, 2)
	broken := failingStore{Store: h.store}
	ctrl, err := admission.New(admission.Options{
		Store:       broken,
		Tokens:      h.tokens,
		Accounts:    map[string]map[string]string{"logins": {"a@example.com": "pw"}},
		DownloadURL: "https://example.com/%s",
	})
	require.NoError(t, err)
	items := makeItems(2)

	s, err := New(Options{
		Group:     "logins",
		Admission: ctrl,
		Executor:  newTrackingExecutor(h.store, 2),
		Tokens:    h.tokens,
		Store:     broken,
	})
	require.NoError(t, err)

	_, err = s.Run(context.Background(), items)
	require.Error(t, err)
	assertNonePending(t, items)
	assert.Equal(t, ReasonStore, items[0].Reason)
}

func TestRunNoAccounts(t *testing.T) {
	h := newHarness(t, nil, 2)
	items := makeItems(1)
	_, err := h.scheduler(t, newTrackingExecutor(h.store, 2), nil).Run(context.Background(), items)
	assert.ErrorIs(t, err, ErrNoAccounts)
	assertNonePending(t, items)
}

func TestRunEndToEnd(t *testing.T) {
	ctx := context.Background()
	logins := map[string]string{"alice@example.com": "pw-a", "bob@example.com": "pw-b"}
	srv := testutils.NewServer(t, logins)
	srv.Delay = 10 * time.Millisecond

	root := t.TempDir()
	out := filepath.Join(root, "out")
	spool := filepath.Join(root, "spool")

	var items []*product.Item
	for i := 0; i < 6; i++ {
		name := fmt.Sprintf("S1A_IW_GRDH_1SDV_2023010%dT050000_X.SAFE", i+1)
		it := product.New(fmt.Sprintf("uuid-%d", i), name)
		items = append(items, &it)
		if i == 0 {
			// Already in the spool.
			testutils.WriteFile(t, filepath.Join(spool, name+".zip"), []byte("x"))
			continue
		}
		srv.AddProduct(testutils.Product{ID: it.ID, Name: name, Data: testutils.ProductZip(t, name)})
	}
	// One product is gone from the archive.
	srv.AddProduct(testutils.Product{ID: items[5].ID, Name: items[5].Name, Status: 404})

	store, err := lease.Open(ctx, filepath.Join(root, "leases"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	accounts := map[string]map[string]string{"logins": logins}
	client := cdhttp.NewClient(cdhttp.DefaultOptions())
	tokens, err := token.NewManager(token.Options{
		Store:       store,
		Client:      client,
		IdentityURL: srv.IdentityURL(),
		Accounts:    accounts,
	})
	require.NoError(t, err)
	ctrl, err := admission.New(admission.Options{
		Store:                 store,
		Tokens:                tokens,
		Accounts:              accounts,
		MaxSessionsPerAccount: 2,
		DownloadURL:           srv.DownloadURL(),
		OutputDir:             out,
	})
	require.NoError(t, err)
	exec, err := downloader.New(downloader.Options{Client: client, StagingDir: filepath.Join(root, "staging")})
	require.NoError(t, err)

	s, err := New(Options{
		Group:     "logins",
		Admission: ctrl,
		Executor:  exec,
		Tokens:    tokens,
		Store:     store,
		Resolver:  presence.New(presence.Options{SpoolDir: spool}),
		OutputDir: out,
	})
	require.NoError(t, err)

	rep, err := s.Run(ctx, items)
	require.NoError(t, err)

	assert.Equal(t, product.SourceSpool, items[0].Source)
	for _, it := range items[1:5] {
		assert.Equal(t, product.StatusSuccess, it.Status, it.Name)
		assert.NoError(t, presence.VerifyZip(it.OutputPath(out)))
	}
	assert.Equal(t, product.StatusFailed, items[5].Status)
	assert.Equal(t, "HTTP_404", items[5].Reason)

	assert.Equal(t, 1, rep.Counters["in_spool_product"])
	assert.Equal(t, 5, rep.Counters["product_absent_from_local_disks"])
	assert.Equal(t, 4, rep.Counters["successful_download"])
	assert.LessOrEqual(t, srv.MaxActive("alice@example.com"), 2)
	assert.LessOrEqual(t, srv.MaxActive("bob@example.com"), 2)
	assert.Equal(t, 2, srv.TokenRequests(), "one token per account, then reuse")
	assertNoSessions(t, store)

	staging, err := os.ReadDir(filepath.Join(root, "staging"))
	require.NoError(t, err)
	assert.Empty(t, staging)
}

func TestRunSweepKeepsForeignSessions(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, []string{"a@example.com"}, 4)

	create := func(name, holder string) lease.Handle {
		handle := lease.SessionHandle("a@example.com", name)
		data, err := lease.Encode(lease.SessionRecord{Login: "a@example.com", Product: name, Holder: holder})
		require.NoError(t, err)
		require.NoError(t, h.store.Create(ctx, handle, data))
		return handle
	}
	foreign := create("foreign", "another-run")
	leftover := create("leftover", h.ctrl.Holder())

	exec := newTrackingExecutor(h.store, 4)
	items := makeItems(2)
	_, err := h.scheduler(t, exec, nil).Run(ctx, items)
	require.NoError(t, err)
	for _, it := range items {
		assert.Equal(t, product.StatusSuccess, it.Status)
	}

	ok, err := h.store.Exists(ctx, foreign)
	require.NoError(t, err)
	assert.True(t, ok, "another run's session must survive")

	ok, err = h.store.Exists(ctx, leftover)
	require.NoError(t, err)
	assert.False(t, ok, "this run's leftover session must be swept")
}

func TestRunFailsDuplicateNames(t *testing.T) {
	h := newHarness(t, []string{"a@example.com", "b@example.com"}, 2)
	exec := newTrackingExecutor(h.store, 2)
	items := makeItems(2)
	dup := product.New("other-id", items[0].Name)
	items = append(items, &dup)

	_, err := h.scheduler(t, exec, nil).Run(context.Background(), items)
	require.NoError(t, err)

	assert.Equal(t, 2, exec.calls)
	assert.Equal(t, product.StatusSuccess, items[0].Status)
	assert.Equal(t, product.StatusSuccess, items[1].Status)
	assert.Equal(t, product.StatusFailed, dup.Status)
	assert.Equal(t, ReasonDuplicate, dup.Reason)
}

func TestNewDefaultsBackoff(t *testing.T) {
	h := newHarness(t, []string{"a@example.com"}, 1)
	s, err := New(Options{
		Admission: h.ctrl,
		Executor:  newTrackingExecutor(h.store, 1),
		Tokens:    h.tokens,
		Store:     h.store,
	})
	require.NoError(t, err)
	assert.Equal(t, DefaultMaxWaits, s.opts.Backoff.MaxWaits)
	assert.Equal(t, 10*time.Second, s.opts.Backoff.Initial)

	bo := s.newBackoff()
	assert.NotEqual(t, backoff.Stop, bo.NextBackOff(), "an unset budget still waits")
}
