package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	_ "gocloud.dev/blob/gcsblob"
	_ "gocloud.dev/blob/s3blob"

	"github.com/ligustah/cdsdl/internal/config"
	cdhttp "github.com/ligustah/cdsdl/internal/http"
	"github.com/ligustah/cdsdl/internal/lease"
	"github.com/ligustah/cdsdl/internal/token"
)

// Exit codes
const (
	ExitSuccess      = 0
	ExitGeneralError = 1
	ExitInvalidArgs  = 2
	ExitConfigError  = 3
	ExitStoreError   = 4
	ExitAuthError    = 5
	ExitInterrupted  = 130
)

// exitError carries the process exit code of a failed command.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	return e.err.Error()
}

func (e *exitError) Unwrap() error {
	return e.err
}

func fail(code int, format string, args ...any) error {
	return &exitError{code: code, err: fmt.Errorf(format, args...)}
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	root := newRootCmd(stdout, stderr)
	root.SetArgs(args)
	err := root.ExecuteContext(ctx)
	if err == nil {
		return ExitSuccess
	}

	fmt.Fprintf(stderr, "Error: %v\n", err)
	var ee *exitError
	switch {
	case errors.As(err, &ee):
		return ee.code
	case strings.HasPrefix(err.Error(), "unknown command"):
		return ExitInvalidArgs
	default:
		return ExitGeneralError
	}
}

// app holds the state shared by every sub-command.
type app struct {
	configPath string
	verbose    bool

	stdout io.Writer
	stderr io.Writer
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	a := &app{stdout: stdout, stderr: stderr}

	root := &cobra.Command{
		Use:           "cdsdl",
		Short:         "Bulk download products from the Copernicus Data Space",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return &exitError{code: ExitInvalidArgs, err: err}
	})

	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", os.Getenv("CDSDL_CONFIG"), "Path to the YAML configuration file")
	root.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "Enable debug logging")

	root.AddCommand(
		newDownloadCmd(a),
		newTokenCmd(a),
		newSweepCmd(a),
		newCheckCmd(a),
		newHistoryCmd(a),
	)
	return root
}

func (a *app) logger() zerolog.Logger {
	level := zerolog.InfoLevel
	if a.verbose {
		level = zerolog.DebugLevel
	}
	out := zerolog.ConsoleWriter{Out: zerolog.SyncWriter(a.stderr), TimeFormat: time.DateTime}
	return zerolog.New(out).Level(level).With().Timestamp().Logger()
}

// loadConfig reads the configuration file, when given, then the environment.
func (a *app) loadConfig() (config.Config, error) {
	cfg := config.Default()
	if a.configPath != "" {
		c, err := config.LoadFromFile(a.configPath)
		if err != nil {
			return config.Config{}, &exitError{code: ExitConfigError, err: err}
		}
		cfg = c
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return config.Config{}, &exitError{code: ExitConfigError, err: err}
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, &exitError{code: ExitConfigError, err: err}
	}
	return cfg, nil
}

func openStore(ctx context.Context, cfg config.Config) (lease.Store, error) {
	store, err := lease.Open(ctx, cfg.LeaseStore)
	if err != nil {
		return nil, &exitError{code: ExitStoreError, err: err}
	}
	return store, nil
}

func newClient(cfg config.Config) *cdhttp.Client {
	opts := cdhttp.DefaultOptions()
	opts.ConnectTimeout = cfg.ConnectTimeout
	opts.ReadTimeout = cfg.ReadTimeout
	opts.RequestTimeout = cfg.IdentityTimeout
	opts.InsecureSkipVerify = !cfg.SSLVerify
	return cdhttp.NewClient(opts)
}

// accounts returns the credentials of group, narrowed to login when set.
func accounts(cfg config.Config, group, login string) (map[string]map[string]string, error) {
	creds, _, err := cfg.Group(group)
	if err != nil {
		return nil, &exitError{code: ExitConfigError, err: err}
	}
	if login == "" {
		return map[string]map[string]string{group: creds}, nil
	}
	password, ok := creds[login]
	if !ok {
		return nil, &exitError{
			code: ExitConfigError,
			err:  &token.ConfigError{Group: group, Login: login, Msg: "no credentials configured"},
		}
	}
	return map[string]map[string]string{group: {login: password}}, nil
}

func newTokenManager(cfg config.Config, store lease.Store, client *cdhttp.Client, accts map[string]map[string]string, log zerolog.Logger) (*token.Manager, error) {
	return token.NewManager(token.Options{
		Store:       store,
		Client:      client,
		IdentityURL: cfg.IdentityURL,
		ClientID:    cfg.ClientID,
		Accounts:    accts,
		Validity:    cfg.TokenValidity,
		Logger:      log,
	})
}
