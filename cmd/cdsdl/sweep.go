package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ligustah/cdsdl/internal/lease"
)

func newSweepCmd(a *app) *cobra.Command {
	var kind string
	var logins []string

	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Remove leases left behind by interrupted runs",
		Long: `Remove leases from the lease store. Only run this when no other
download is using the store, since live sessions are removed too.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			log := a.logger()

			var kinds []lease.Kind
			switch kind {
			case "session":
				kinds = []lease.Kind{lease.KindSession}
			case "token":
				kinds = []lease.Kind{lease.KindToken}
			case "all":
				kinds = []lease.Kind{lease.KindSession, lease.KindToken}
			default:
				return fail(ExitInvalidArgs, "invalid --kind %q: must be session, token or all", kind)
			}

			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			store, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			for _, k := range kinds {
				n, err := lease.Sweep(ctx, store, k, logins...)
				if err != nil {
					return &exitError{code: ExitStoreError, err: err}
				}
				log.Info().Str("kind", string(k)).Int("removed", n).Msg("swept leases")
				fmt.Fprintf(a.stdout, "removed %d %s leases\n", n, k)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&kind, "kind", "session", "Lease kind to remove: session, token or all")
	cmd.Flags().StringSliceVar(&logins, "login", nil, "Only sweep these accounts (repeatable)")
	return cmd
}
