package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/ligustah/cdsdl/internal/progress"
	"gopkg.in/yaml.v3"
)

// DefaultGroup is the account group used when none is selected.
const DefaultGroup = "logins"

// Config defines configuration for the cdsdl CLI.
type Config struct {
	IdentityURL           string
	DownloadURL           string
	ClientID              string
	SSLVerify             bool
	LeaseStore            string
	ArchiveDir            string
	SpoolDir              string
	StagingDir            string
	MaxSessionsPerAccount int
	TokenValidity         time.Duration
	ConnectTimeout        time.Duration
	ReadTimeout           time.Duration
	IdentityTimeout       time.Duration
	ChunkSize             int64
	Progress              bool
	Ledger                string
	Backoff               BackoffConfig
	// Accounts maps group name to login to password.
	Accounts map[string]map[string]string
}

// BackoffConfig bounds the wait when no account has free capacity.
type BackoffConfig struct {
	Initial  time.Duration
	Max      time.Duration
	MaxWaits int
}

// Default returns a Config with sensible defaults.
func Default() Config {
	return Config{
		IdentityURL:           "https://identity.dataspace.copernicus.eu/auth/realms/CDSE/protocol/openid-connect/token",
		DownloadURL:           "https://zipper.dataspace.copernicus.eu/odata/v1/Products(%s)/$value",
		ClientID:              "cdse-public",
		SSLVerify:             true,
		LeaseStore:            filepath.Join(os.TempDir(), "cdsdl", "leases"),
		StagingDir:            filepath.Join(os.TempDir(), "cdsdl", "staging"),
		MaxSessionsPerAccount: 4,
		TokenValidity:         600 * time.Second,
		ConnectTimeout:        30 * time.Second,
		ReadTimeout:           600 * time.Second,
		IdentityTimeout:       30 * time.Second,
		ChunkSize:             8192,
		Progress:              true,
		Backoff: BackoffConfig{
			Initial:  10 * time.Second,
			Max:      2 * time.Minute,
			MaxWaits: 30,
		},
		Accounts: map[string]map[string]string{},
	}
}

// yamlConfig is used for YAML unmarshaling with string sizes and durations.
type yamlConfig struct {
	IdentityURL           string                       `yaml:"identity_url"`
	DownloadURL           string                       `yaml:"download_url"`
	ClientID              string                       `yaml:"client_id"`
	SSLVerify             *bool                        `yaml:"ssl_verify"`
	LeaseStore            string                       `yaml:"lease_store"`
	ArchiveDir            string                       `yaml:"archive_dir"`
	SpoolDir              string                       `yaml:"spool_dir"`
	StagingDir            string                       `yaml:"staging_dir"`
	MaxSessionsPerAccount int                          `yaml:"max_sessions_per_account"`
	TokenValidity         string                       `yaml:"token_validity"`
	ConnectTimeout        string                       `yaml:"connect_timeout"`
	ReadTimeout           string                       `yaml:"read_timeout"`
	IdentityTimeout       string                       `yaml:"identity_timeout"`
	ChunkSize             string                       `yaml:"chunk_size"`
	Progress              *bool                        `yaml:"progress"`
	Ledger                string                       `yaml:"ledger"`
	Backoff               yamlBackoffConfig            `yaml:"backoff"`
	Accounts              map[string]map[string]string `yaml:"accounts"`
}

type yamlBackoffConfig struct {
	Initial  string `yaml:"initial"`
	Max      string `yaml:"max"`
	MaxWaits int    `yaml:"max_waits"`
}

// LoadFromFile loads configuration from a YAML file on top of Default.
func LoadFromFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}

	var yc yamlConfig
	if err := yaml.Unmarshal(data, &yc); err != nil {
		return Config{}, fmt.Errorf("parse config file: %w", err)
	}

	cfg := Default()

	if yc.IdentityURL != "" {
		cfg.IdentityURL = yc.IdentityURL
	}
	if yc.DownloadURL != "" {
		cfg.DownloadURL = yc.DownloadURL
	}
	if yc.ClientID != "" {
		cfg.ClientID = yc.ClientID
	}
	if yc.SSLVerify != nil {
		cfg.SSLVerify = *yc.SSLVerify
	}
	if yc.LeaseStore != "" {
		cfg.LeaseStore = yc.LeaseStore
	}
	if yc.ArchiveDir != "" {
		cfg.ArchiveDir = yc.ArchiveDir
	}
	if yc.SpoolDir != "" {
		cfg.SpoolDir = yc.SpoolDir
	}
	if yc.StagingDir != "" {
		cfg.StagingDir = yc.StagingDir
	}
	if yc.MaxSessionsPerAccount != 0 {
		cfg.MaxSessionsPerAccount = yc.MaxSessionsPerAccount
	}
	durations := []struct {
		name string
		in   string
		out  *time.Duration
	}{
		{"token_validity", yc.TokenValidity, &cfg.TokenValidity},
		{"connect_timeout", yc.ConnectTimeout, &cfg.ConnectTimeout},
		{"read_timeout", yc.ReadTimeout, &cfg.ReadTimeout},
		{"identity_timeout", yc.IdentityTimeout, &cfg.IdentityTimeout},
		{"backoff.initial", yc.Backoff.Initial, &cfg.Backoff.Initial},
		{"backoff.max", yc.Backoff.Max, &cfg.Backoff.Max},
	}
	for _, d := range durations {
		if d.in == "" {
			continue
		}
		v, err := time.ParseDuration(d.in)
		if err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", d.name, err)
		}
		*d.out = v
	}
	if yc.ChunkSize != "" {
		size, err := progress.ParseBytes(yc.ChunkSize)
		if err != nil {
			return Config{}, fmt.Errorf("parse chunk_size: %w", err)
		}
		cfg.ChunkSize = size
	}
	if yc.Progress != nil {
		cfg.Progress = *yc.Progress
	}
	if yc.Ledger != "" {
		cfg.Ledger = yc.Ledger
	}
	if yc.Backoff.MaxWaits != 0 {
		cfg.Backoff.MaxWaits = yc.Backoff.MaxWaits
	}
	for group, logins := range yc.Accounts {
		cfg.Accounts[group] = logins
	}

	return cfg, nil
}

// LoadFromEnv loads configuration from environment variables.
// Environment variables use the CDSDL_ prefix. A single account can be
// supplied with CDSDL_LOGIN and CDSDL_PASSWORD; it joins the default group.
func (c *Config) LoadFromEnv() error {
	strs := []struct {
		key string
		out *string
	}{
		{"CDSDL_IDENTITY_URL", &c.IdentityURL},
		{"CDSDL_DOWNLOAD_URL", &c.DownloadURL},
		{"CDSDL_CLIENT_ID", &c.ClientID},
		{"CDSDL_LEASE_STORE", &c.LeaseStore},
		{"CDSDL_ARCHIVE_DIR", &c.ArchiveDir},
		{"CDSDL_SPOOL_DIR", &c.SpoolDir},
		{"CDSDL_STAGING_DIR", &c.StagingDir},
		{"CDSDL_LEDGER", &c.Ledger},
	}
	for _, s := range strs {
		if v := os.Getenv(s.key); v != "" {
			*s.out = v
		}
	}

	if v := os.Getenv("CDSDL_SSL_VERIFY"); v != "" {
		c.SSLVerify = parseBool(v)
	}
	if v := os.Getenv("CDSDL_PROGRESS"); v != "" {
		c.Progress = parseBool(v)
	}
	if v := os.Getenv("CDSDL_MAX_SESSIONS_PER_ACCOUNT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parse CDSDL_MAX_SESSIONS_PER_ACCOUNT: %w", err)
		}
		c.MaxSessionsPerAccount = n
	}
	if v := os.Getenv("CDSDL_TOKEN_VALIDITY"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("parse CDSDL_TOKEN_VALIDITY: %w", err)
		}
		c.TokenValidity = d
	}
	if v := os.Getenv("CDSDL_READ_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("parse CDSDL_READ_TIMEOUT: %w", err)
		}
		c.ReadTimeout = d
	}
	if v := os.Getenv("CDSDL_CHUNK_SIZE"); v != "" {
		size, err := progress.ParseBytes(v)
		if err != nil {
			return fmt.Errorf("parse CDSDL_CHUNK_SIZE: %w", err)
		}
		c.ChunkSize = size
	}
	if login := os.Getenv("CDSDL_LOGIN"); login != "" {
		if c.Accounts == nil {
			c.Accounts = map[string]map[string]string{}
		}
		if c.Accounts[DefaultGroup] == nil {
			c.Accounts[DefaultGroup] = map[string]string{}
		}
		c.Accounts[DefaultGroup][login] = os.Getenv("CDSDL_PASSWORD")
	}

	return nil
}

func parseBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.IdentityURL == "" {
		return errors.New("config: identity_url is required")
	}
	if c.DownloadURL == "" {
		return errors.New("config: download_url is required")
	}
	if !strings.Contains(c.DownloadURL, "%s") {
		return errors.New("config: download_url must contain %s for the product id")
	}
	if c.LeaseStore == "" {
		return errors.New("config: lease_store is required")
	}
	if c.StagingDir == "" {
		return errors.New("config: staging_dir is required")
	}
	if c.MaxSessionsPerAccount <= 0 {
		return errors.New("config: max_sessions_per_account must be positive")
	}
	if c.TokenValidity <= 0 {
		return errors.New("config: token_validity must be positive")
	}
	if c.ChunkSize <= 0 {
		return errors.New("config: chunk_size must be positive")
	}
	if c.Backoff.MaxWaits < 0 {
		return errors.New("config: backoff.max_waits must not be negative")
	}
	return nil
}

// Group returns the credentials of an account group and its logins in
// sorted order.
func (c *Config) Group(name string) (map[string]string, []string, error) {
	creds, ok := c.Accounts[name]
	if !ok {
		return nil, nil, fmt.Errorf("config: unknown account group %q", name)
	}
	logins := make([]string, 0, len(creds))
	for login := range creds {
		logins = append(logins, login)
	}
	sort.Strings(logins)
	return creds, logins, nil
}

// Merge merges override values into c, returning a new Config.
// Zero values in override are ignored.
func (c Config) Merge(override Config) Config {
	if override.IdentityURL != "" {
		c.IdentityURL = override.IdentityURL
	}
	if override.DownloadURL != "" {
		c.DownloadURL = override.DownloadURL
	}
	if override.LeaseStore != "" {
		c.LeaseStore = override.LeaseStore
	}
	if override.ArchiveDir != "" {
		c.ArchiveDir = override.ArchiveDir
	}
	if override.SpoolDir != "" {
		c.SpoolDir = override.SpoolDir
	}
	if override.StagingDir != "" {
		c.StagingDir = override.StagingDir
	}
	if override.MaxSessionsPerAccount != 0 {
		c.MaxSessionsPerAccount = override.MaxSessionsPerAccount
	}
	if override.ChunkSize != 0 {
		c.ChunkSize = override.ChunkSize
	}
	if override.Ledger != "" {
		c.Ledger = override.Ledger
	}
	return c
}
