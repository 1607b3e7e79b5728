package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := Default()

	assert.Equal(t, 4, cfg.MaxSessionsPerAccount)
	assert.Equal(t, 600*time.Second, cfg.TokenValidity)
	assert.Equal(t, 30*time.Second, cfg.ConnectTimeout)
	assert.Equal(t, 600*time.Second, cfg.ReadTimeout)
	assert.Equal(t, int64(8192), cfg.ChunkSize)
	assert.True(t, cfg.SSLVerify)
	assert.Equal(t, "cdse-public", cfg.ClientID)
	assert.NoError(t, cfg.Validate())
}

func TestLoadFromYAML(t *testing.T) {
	yamlContent := `
identity_url: https://identity.example/token
download_url: https://zipper.example/Products(%s)/$value
ssl_verify: false
lease_store: redis://localhost:6379/0
archive_dir: /data/archive
spool_dir: /data/spool
staging_dir: /data/pre_spool
max_sessions_per_account: 2
token_validity: 5m
read_timeout: 10m
chunk_size: 64KiB
progress: false
backoff:
  initial: 2s
  max: 30s
  max_waits: 5
accounts:
  logins:
    alice@example.com: pw-a
    bob@example.com: pw-b
  spare:
    carol@example.com: pw-c
`
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte(yamlContent), 0644))

	cfg, err := LoadFromFile(configPath)
	require.NoError(t, err)

	assert.Equal(t, "https://identity.example/token", cfg.IdentityURL)
	assert.False(t, cfg.SSLVerify)
	assert.Equal(t, "redis://localhost:6379/0", cfg.LeaseStore)
	assert.Equal(t, "/data/pre_spool", cfg.StagingDir)
	assert.Equal(t, 2, cfg.MaxSessionsPerAccount)
	assert.Equal(t, 5*time.Minute, cfg.TokenValidity)
	assert.Equal(t, 10*time.Minute, cfg.ReadTimeout)
	assert.Equal(t, int64(64*1024), cfg.ChunkSize)
	assert.False(t, cfg.Progress)
	assert.Equal(t, 2*time.Second, cfg.Backoff.Initial)
	assert.Equal(t, 30*time.Second, cfg.Backoff.Max)
	assert.Equal(t, 5, cfg.Backoff.MaxWaits)
	assert.Equal(t, "cdse-public", cfg.ClientID, "unset keys keep defaults")

	creds, logins, err := cfg.Group("logins")
	require.NoError(t, err)
	assert.Equal(t, []string{"alice@example.com", "bob@example.com"}, logins)
	assert.Equal(t, "pw-b", creds["bob@example.com"])

	_, _, err = cfg.Group("missing")
	assert.Error(t, err)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("CDSDL_MAX_SESSIONS_PER_ACCOUNT", "3")
	t.Setenv("CDSDL_TOKEN_VALIDITY", "90s")
	t.Setenv("CDSDL_CHUNK_SIZE", "16KiB")
	t.Setenv("CDSDL_PROGRESS", "false")
	t.Setenv("CDSDL_SSL_VERIFY", "0")
	t.Setenv("CDSDL_LEASE_STORE", "mem://")
	t.Setenv("CDSDL_LOGIN", "dave@example.com")
	t.Setenv("CDSDL_PASSWORD", "pw-d")

	cfg := Default()
	require.NoError(t, cfg.LoadFromEnv())

	assert.Equal(t, 3, cfg.MaxSessionsPerAccount)
	assert.Equal(t, 90*time.Second, cfg.TokenValidity)
	assert.Equal(t, int64(16*1024), cfg.ChunkSize)
	assert.False(t, cfg.Progress)
	assert.False(t, cfg.SSLVerify)
	assert.Equal(t, "mem://", cfg.LeaseStore)
	assert.Equal(t, "pw-d", cfg.Accounts[DefaultGroup]["dave@example.com"])
}

func TestLoadFromEnvInvalid(t *testing.T) {
	t.Setenv("CDSDL_TOKEN_VALIDITY", "ten minutes")
	cfg := Default()
	assert.Error(t, cfg.LoadFromEnv())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid config", func(*Config) {}, false},
		{"missing identity url", func(c *Config) { c.IdentityURL = "" }, true},
		{"download url without placeholder", func(c *Config) { c.DownloadURL = "https://x/Products" }, true},
		{"missing lease store", func(c *Config) { c.LeaseStore = "" }, true},
		{"missing staging dir", func(c *Config) { c.StagingDir = "" }, true},
		{"zero sessions", func(c *Config) { c.MaxSessionsPerAccount = 0 }, true},
		{"zero validity", func(c *Config) { c.TokenValidity = 0 }, true},
		{"zero chunk size", func(c *Config) { c.ChunkSize = 0 }, true},
		{"negative waits", func(c *Config) { c.Backoff.MaxWaits = -1 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestMerge(t *testing.T) {
	base := Default()
	base.ArchiveDir = "/archive"

	merged := base.Merge(Config{MaxSessionsPerAccount: 1, StagingDir: "/fast/staging"})

	assert.Equal(t, "/archive", merged.ArchiveDir)
	assert.Equal(t, 1, merged.MaxSessionsPerAccount)
	assert.Equal(t, "/fast/staging", merged.StagingDir)
	assert.Equal(t, base.IdentityURL, merged.IdentityURL)
}

func TestLoadYAMLFileNotFound(t *testing.T) {
	_, err := LoadFromFile("/nonexistent/path/config.yaml")
	assert.Error(t, err)
}

func TestLoadYAMLInvalid(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("invalid: [yaml: content"), 0644))

	_, err := LoadFromFile(configPath)
	assert.Error(t, err)
}
