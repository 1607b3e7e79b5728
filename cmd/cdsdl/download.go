package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ligustah/cdsdl/internal/admission"
	"github.com/ligustah/cdsdl/internal/config"
	"github.com/ligustah/cdsdl/internal/downloader"
	"github.com/ligustah/cdsdl/internal/presence"
	"github.com/ligustah/cdsdl/internal/product"
	"github.com/ligustah/cdsdl/internal/progress"
	"github.com/ligustah/cdsdl/internal/report"
	"github.com/ligustah/cdsdl/internal/scheduler"
)

type downloadFlags struct {
	listing      string
	outputDir    string
	login        string
	group        string
	force        bool
	hideProgress bool
	sweepOnStart bool
	maxSessions  int
}

func newDownloadCmd(a *app) *cobra.Command {
	var f downloadFlags

	cmd := &cobra.Command{
		Use:   "download",
		Short: "Download every product of a listing",
		Long: `Download the products of a headerless "id,name" CSV listing into an
output directory, sharing the configured accounts with other running
instances through the lease store. Products already present in the archive,
the spool or the output directory are skipped unless --force is set.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if f.listing == "" || f.outputDir == "" {
				return fail(ExitInvalidArgs, "--listing and --outputdir are required")
			}
			return a.runDownload(cmd.Context(), f)
		},
	}

	cmd.Flags().StringVar(&f.listing, "listing", "", "CSV listing of id,name rows (required)")
	cmd.Flags().StringVar(&f.outputDir, "outputdir", "", "Directory receiving the products (required)")
	cmd.Flags().StringVar(&f.login, "login", "", "Restrict the run to this account")
	cmd.Flags().StringVar(&f.group, "account-group", config.DefaultGroup, "Account group to draw logins from")
	cmd.Flags().BoolVar(&f.force, "force", false, "Download products even when present locally")
	cmd.Flags().BoolVar(&f.hideProgress, "hide-progress", false, "Hide the progress display")
	cmd.Flags().BoolVar(&f.sweepOnStart, "sweep-on-start", false, "Remove the group's session leases before starting")
	cmd.Flags().IntVar(&f.maxSessions, "max-sessions", 0, "Override the per-account session cap")
	return cmd
}

func (a *app) runDownload(ctx context.Context, f downloadFlags) error {
	log := a.logger()

	cfg, err := a.loadConfig()
	if err != nil {
		return err
	}
	if f.maxSessions > 0 {
		cfg.MaxSessionsPerAccount = f.maxSessions
	}

	items, err := readListing(f.listing)
	if err != nil {
		return &exitError{code: ExitInvalidArgs, err: err}
	}
	if err := os.MkdirAll(f.outputDir, 0o775); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}

	accts, err := accounts(cfg, f.group, f.login)
	if err != nil {
		return err
	}

	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	client := newClient(cfg)
	tokens, err := newTokenManager(cfg, store, client, accts, log)
	if err != nil {
		return err
	}

	ctrl, err := admission.New(admission.Options{
		Store:                 store,
		Tokens:                tokens,
		Accounts:              accts,
		MaxSessionsPerAccount: cfg.MaxSessionsPerAccount,
		DownloadURL:           cfg.DownloadURL,
		OutputDir:             f.outputDir,
		Holder:                holder(),
		Logger:                log,
	})
	if err != nil {
		return err
	}

	reporter := progress.NewReporter(progress.Options{
		TotalProducts: len(items),
		Accounts:      len(accts[f.group]),
		Output:        a.stderr,
		Disabled:      f.hideProgress || !cfg.Progress,
	})

	exec, err := downloader.New(downloader.Options{
		Client:     client,
		StagingDir: cfg.StagingDir,
		ChunkSize:  cfg.ChunkSize,
		Progress:   reporter,
		Logger:     log,
	})
	if err != nil {
		return &exitError{code: ExitConfigError, err: err}
	}

	sched, err := scheduler.New(scheduler.Options{
		Group:     f.group,
		Admission: ctrl,
		Executor:  exec,
		Tokens:    tokens,
		Store:     store,
		Resolver: presence.New(presence.Options{
			ArchiveDir: cfg.ArchiveDir,
			SpoolDir:   cfg.SpoolDir,
			Logger:     log,
		}),
		OutputDir: f.outputDir,
		Force:     f.force,
		Backoff: scheduler.BackoffOptions{
			Initial:  cfg.Backoff.Initial,
			Max:      cfg.Backoff.Max,
			MaxWaits: cfg.Backoff.MaxWaits,
		},
		SweepOnStart: f.sweepOnStart,
		Logger:       log,
	})
	if err != nil {
		return err
	}

	log.Info().
		Str("listing", f.listing).
		Int("products", len(items)).
		Str("group", f.group).
		Int("accounts", len(accts[f.group])).
		Msg("download started")

	reporter.Start()
	rep, runErr := sched.Run(ctx, items)
	reporter.Stop()

	rep.Log(log)
	if err := rep.WriteTable(a.stdout); err != nil {
		log.Warn().Err(err).Msg("write report")
	}
	if cfg.Ledger != "" {
		saveReport(context.WithoutCancel(ctx), cfg.Ledger, rep, a)
	}

	switch {
	case errors.Is(runErr, scheduler.ErrNoAccounts):
		return &exitError{code: ExitConfigError, err: runErr}
	case runErr != nil:
		return &exitError{code: ExitStoreError, err: runErr}
	case ctx.Err() != nil:
		return &exitError{code: ExitInterrupted, err: errors.New("interrupted")}
	}
	return nil
}

func readListing(path string) ([]*product.Item, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open listing: %w", err)
	}
	defer fh.Close()

	list, err := product.ReadListing(fh)
	if err != nil {
		return nil, fmt.Errorf("read listing %s: %w", path, err)
	}
	items := make([]*product.Item, len(list))
	for i := range list {
		items[i] = &list[i]
	}
	return items, nil
}

func saveReport(ctx context.Context, path string, rep *report.Report, a *app) {
	log := a.logger()
	ledger, err := report.OpenLedger(path)
	if err != nil {
		log.Warn().Err(err).Msg("open ledger")
		return
	}
	defer ledger.Close()
	if err := ledger.Save(ctx, rep); err != nil {
		log.Warn().Err(err).Msg("save run to ledger")
		return
	}
	log.Debug().Str("run_id", rep.RunID).Str("ledger", path).Msg("run saved")
}

// holder identifies this process in session leases.
func holder() string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return fmt.Sprintf("%s/%d", host, os.Getpid())
}
