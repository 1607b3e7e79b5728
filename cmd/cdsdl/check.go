package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/ligustah/cdsdl/internal/presence"
)

func newCheckCmd(a *app) *cobra.Command {
	var listing, outputDir string

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Report which products of a listing are already on local disks",
		Long: `Look up every product of a listing in the archive, the spool and the
output directory. Corrupt archives found in the output directory are removed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if listing == "" {
				return fail(ExitInvalidArgs, "--listing is required")
			}
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			items, err := readListing(listing)
			if err != nil {
				return &exitError{code: ExitInvalidArgs, err: err}
			}

			resolver := presence.New(presence.Options{
				ArchiveDir: cfg.ArchiveDir,
				SpoolDir:   cfg.SpoolDir,
				Logger:     a.logger(),
			})

			tw := tabwriter.NewWriter(a.stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "PRODUCT\tLOCATION\tPATH")
			var absent int
			for _, it := range items {
				res := resolver.Resolve(it.Name, outputDir)
				if !res.Present {
					absent++
					target := "-"
					if cfg.ArchiveDir != "" {
						target = resolver.ArchiveDir(it.Name)
					}
					fmt.Fprintf(tw, "%s\tabsent\t%s\n", it.Name, target)
					continue
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\n", it.Name, res.Location, res.Path)
			}
			fmt.Fprintf(tw, "\n%d of %d products absent\n", absent, len(items))
			return tw.Flush()
		},
	}

	cmd.Flags().StringVar(&listing, "listing", "", "CSV listing of id,name rows (required)")
	cmd.Flags().StringVar(&outputDir, "outputdir", "", "Output directory to inspect")
	return cmd
}
