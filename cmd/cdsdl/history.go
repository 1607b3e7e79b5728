package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/ligustah/cdsdl/internal/report"
)

func newHistoryCmd(a *app) *cobra.Command {
	var limit int
	var productName string

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List past runs recorded in the ledger",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			if cfg.Ledger == "" {
				return fail(ExitConfigError, "no ledger configured")
			}
			ledger, err := report.OpenLedger(cfg.Ledger)
			if err != nil {
				return &exitError{code: ExitStoreError, err: err}
			}
			defer ledger.Close()

			if productName != "" {
				n, err := ledger.Failures(ctx, productName)
				if err != nil {
					return &exitError{code: ExitStoreError, err: err}
				}
				fmt.Fprintf(a.stdout, "%s: %d failed attempts\n", productName, n)
				return nil
			}

			runs, err := ledger.Runs(ctx, limit)
			if err != nil {
				return &exitError{code: ExitStoreError, err: err}
			}
			tw := tabwriter.NewWriter(a.stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "RUN\tGROUP\tSTARTED\tDURATION\tLISTING\tSUCCESS\tFAILED")
			for _, r := range runs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%d\t%d\n",
					r.RunID, r.Group, r.Started.Local().Format(time.DateTime),
					r.Finished.Sub(r.Started).Round(time.Second), r.Listing, r.Success, r.Failed)
			}
			return tw.Flush()
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "Number of runs to show")
	cmd.Flags().StringVar(&productName, "product", "", "Show the failed attempts of one product instead")
	return cmd
}
