package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ligustah/cdsdl/internal/lease"
	"github.com/ligustah/cdsdl/internal/presence"
	"github.com/ligustah/cdsdl/internal/testutils"
)

// lockedBuffer is a bytes.Buffer safe for concurrent writers.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type env struct {
	dir    string
	srv    *testutils.Server
	config string
}

func newEnv(t *testing.T) *env {
	t.Helper()
	return newEnvWithStore(t, "")
}

// newEnvWithStore writes a configuration using the given lease store
// location, or a directory under the test's temp dir when empty.
func newEnvWithStore(t *testing.T, store string) *env {
	t.Helper()
	dir := t.TempDir()
	if store == "" {
		store = filepath.Join(dir, "leases")
	}
	srv := testutils.NewServer(t, map[string]string{
		"alice@example.com": "pw-a",
		"bob@example.com":   "pw-b",
	})

	cfg := fmt.Sprintf(`
identity_url: %q
download_url: %q
lease_store: %q
staging_dir: %q
ledger: %q
progress: false
max_sessions_per_account: 2
backoff:
  initial: 1ms
  max: 5ms
  max_waits: 2
accounts:
  logins:
    alice@example.com: pw-a
    bob@example.com: pw-b
  broken:
    mallory@example.com: wrong
`,
		srv.IdentityURL(),
		srv.DownloadURL(),
		store,
		filepath.Join(dir, "staging"),
		filepath.Join(dir, "ledger.db"),
	)
	path := filepath.Join(dir, "cdsdl.yaml")
	testutils.WriteFile(t, path, []byte(cfg))
	return &env{dir: dir, srv: srv, config: path}
}

func (e *env) run(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr lockedBuffer
	code := run(append([]string{"--config", e.config}, args...), &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

// listing registers n products with the server and writes their listing.
func (e *env) listing(t *testing.T, n int) (string, []string) {
	t.Helper()
	var names []string
	var lines []string
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("uuid-%d", i)
		name := fmt.Sprintf("S2A_MSIL1C_2023061%dT103031_N0509_R108_T31UDQ_20230615T123456.SAFE", i)
		e.srv.AddProduct(testutils.Product{ID: id, Name: name, Data: testutils.ProductZip(t, name)})
		names = append(names, name)
		lines = append(lines, id+","+name)
	}
	path := filepath.Join(e.dir, "listing.csv")
	testutils.WriteFile(t, path, []byte(strings.Join(lines, "\n")+"\n"))
	return path, names
}

func TestDownloadCommand(t *testing.T) {
	e := newEnv(t)
	listing, names := e.listing(t, 5)
	out := filepath.Join(e.dir, "out")

	code, stdout, stderr := e.run(t, "download", "--listing", listing, "--outputdir", out, "--hide-progress")
	require.Equal(t, ExitSuccess, code, stderr)

	for _, name := range names {
		assert.NoError(t, presence.VerifyZip(filepath.Join(out, name+".zip")))
	}
	assert.Contains(t, stdout, "successful_download")
	assert.Regexp(t, `(?m)^success\s+5$`, stdout)
	assert.Equal(t, 5, e.srv.Downloads())
	assert.LessOrEqual(t, e.srv.MaxActive("alice@example.com"), 2)
	assert.LessOrEqual(t, e.srv.MaxActive("bob@example.com"), 2)

	t.Run("second run finds everything locally", func(t *testing.T) {
		code, stdout, stderr := e.run(t, "download", "--listing", listing, "--outputdir", out, "--hide-progress")
		require.Equal(t, ExitSuccess, code, stderr)
		assert.Contains(t, stdout, "in_outdir_product")
		assert.Equal(t, 5, e.srv.Downloads())
	})

	t.Run("history", func(t *testing.T) {
		code, stdout, stderr := e.run(t, "history")
		require.Equal(t, ExitSuccess, code, stderr)
		assert.Equal(t, 2, strings.Count(stdout, "logins"))
	})
}

func TestDownloadPinnedLogin(t *testing.T) {
	e := newEnv(t)
	listing, _ := e.listing(t, 3)
	out := filepath.Join(e.dir, "out")

	code, _, stderr := e.run(t, "download", "--listing", listing, "--outputdir", out,
		"--login", "bob@example.com", "--hide-progress")
	require.Equal(t, ExitSuccess, code, stderr)
	assert.Zero(t, e.srv.MaxActive("alice@example.com"))
	assert.Equal(t, 3, e.srv.Downloads())
}

func TestDownloadRejectedAccount(t *testing.T) {
	e := newEnv(t)
	listing, _ := e.listing(t, 2)
	out := filepath.Join(e.dir, "out")

	code, stdout, stderr := e.run(t, "download", "--listing", listing, "--outputdir", out,
		"--account-group", "broken", "--hide-progress")
	require.Equal(t, ExitSuccess, code, stderr)
	assert.Contains(t, stdout, "no session capacity")
	assert.Zero(t, e.srv.Downloads())
}

func TestDownloadErrors(t *testing.T) {
	e := newEnv(t)
	listing, _ := e.listing(t, 1)
	out := filepath.Join(e.dir, "out")

	tests := []struct {
		name string
		args []string
		code int
	}{
		{"missing listing", []string{"download", "--outputdir", out}, ExitInvalidArgs},
		{"missing listing file", []string{"download", "--listing", filepath.Join(e.dir, "nope.csv"), "--outputdir", out}, ExitInvalidArgs},
		{"unknown flag", []string{"download", "--bogus"}, ExitInvalidArgs},
		{"unknown login", []string{"download", "--listing", listing, "--outputdir", out, "--login", "eve@example.com"}, ExitConfigError},
		{"unknown group", []string{"download", "--listing", listing, "--outputdir", out, "--account-group", "nope"}, ExitConfigError},
		{"unknown command", []string{"upload"}, ExitInvalidArgs},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, _, _ := e.run(t, tt.args...)
			assert.Equal(t, tt.code, code)
		})
	}
}

func TestMissingConfigFile(t *testing.T) {
	var stdout, stderr lockedBuffer
	code := run([]string{"--config", filepath.Join(t.TempDir(), "missing.yaml"), "sweep"}, &stdout, &stderr)
	assert.Equal(t, ExitConfigError, code)
	assert.Contains(t, stderr.String(), "read config file")
}

func TestTokenCommand(t *testing.T) {
	e := newEnv(t)

	code, stdout, stderr := e.run(t, "token", "--login", "alice@example.com")
	require.Equal(t, ExitSuccess, code, stderr)
	assert.Equal(t, "tok-1\n", stdout)

	code, stdout, _ = e.run(t, "token", "--login", "alice@example.com")
	require.Equal(t, ExitSuccess, code)
	assert.Equal(t, "tok-1\n", stdout)
	assert.Equal(t, 1, e.srv.TokenRequests())

	code, _, stderr = e.run(t, "token", "--account-group", "broken")
	assert.Equal(t, ExitAuthError, code)
	assert.Contains(t, stderr, "invalid_grant")
}

func TestSweepCommand(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	store, err := lease.Open(ctx, filepath.Join(e.dir, "leases"))
	require.NoError(t, err)
	require.NoError(t, store.Create(ctx, lease.SessionHandle("alice@example.com", "P1"), []byte(`{}`)))
	require.NoError(t, store.Create(ctx, lease.SessionHandle("bob@example.com", "P2"), []byte(`{}`)))
	require.NoError(t, store.Close())

	code, stdout, stderr := e.run(t, "sweep", "--login", "alice@example.com")
	require.Equal(t, ExitSuccess, code, stderr)
	assert.Equal(t, "removed 1 session leases\n", stdout)

	code, stdout, _ = e.run(t, "sweep", "--kind", "all")
	require.Equal(t, ExitSuccess, code)
	assert.Equal(t, "removed 1 session leases\nremoved 0 token leases\n", stdout)

	code, _, _ = e.run(t, "sweep", "--kind", "bogus")
	assert.Equal(t, ExitInvalidArgs, code)
}

func TestCheckCommand(t *testing.T) {
	e := newEnv(t)
	listing, names := e.listing(t, 3)
	out := filepath.Join(e.dir, "out")
	testutils.WriteFile(t, filepath.Join(out, names[0]+".zip"), testutils.ProductZip(t, names[0]))
	testutils.WriteFile(t, filepath.Join(out, names[1]+".zip"), testutils.CorruptZip(t, names[1]))

	code, stdout, stderr := e.run(t, "check", "--listing", listing, "--outputdir", out)
	require.Equal(t, ExitSuccess, code, stderr)
	assert.Contains(t, stdout, "2 of 3 products absent")

	_, err := os.Stat(filepath.Join(out, names[1]+".zip"))
	assert.True(t, os.IsNotExist(err), "corrupt archive should be removed")
}
