package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/sells-group/dealerscope/internal/model"
)

var sitesCmd = &cobra.Command{
	Use:   "sites",
	Short: "List configured auction sites and their health",
	Long: `Syncs the sites file into the store, then lists every site with the
health recorded by the last run. Use --no-sync to list the stored registry
as is.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		path := cfg.SitesFile
		if noSync, _ := cmd.Flags().GetBool("no-sync"); noSync {
			path = ""
		}
		sites, err := syncSites(ctx, st, path)
		if err != nil {
			return err
		}
		if len(sites) == 0 {
			fmt.Fprintln(os.Stderr, "No sites configured.")
			return nil
		}
		formatSites(cmd.OutOrStdout(), sites)
		return nil
	},
}

// formatSites writes a tabular list of sites to out.
func formatSites(out io.Writer, sites []model.Site) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tCATEGORY\tPRIORITY\tENABLED\tSTATUS\tVEHICLES\tLAST SCRAPED")
	_, _ = fmt.Fprintln(w, "--\t--------\t--------\t-------\t------\t--------\t------------")
	for _, s := range sites {
		last := "never"
		if s.LastScrapedAt != nil {
			last = s.LastScrapedAt.Format("2006-01-02 15:04")
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%d\t%t\t%s\t%d\t%s\n",
			s.ID,
			s.Category,
			s.Priority,
			s.Enabled,
			s.Status,
			s.VehiclesFound,
			last,
		)
	}
	_ = w.Flush()
}

func init() {
	sitesCmd.Flags().Bool("no-sync", false, "do not load the sites file first")
	rootCmd.AddCommand(sitesCmd)
}
