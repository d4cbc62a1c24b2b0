package main

import (
	"encoding/json"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/dealerscope/internal/orchestrator"
)

var scrapeSites []string

var scrapeCmd = &cobra.Command{
	Use:   "scrape",
	Short: "Run one scrape pass over the configured auction sites",
	Long: `Fetches every enabled site (or only --site ids) in concurrent batches,
extracts and stores listings, scores them and prints the run summary as JSON.

Examples:
  dealerscope scrape
  dealerscope scrape --site gsa --site ca-dgs`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initApp(ctx, "scrape")
		if err != nil {
			return err
		}
		defer env.Close()

		// A signal cancels ctx, which ends the run at the next batch boundary.
		summary, err := env.Orchestrator.Start(ctx, scrapeSites)
		if err != nil {
			return eris.Wrap(err, "scrape")
		}
		if ctx.Err() != nil {
			zap.L().Info("scrape interrupted, skipping retention purge")
		} else if _, err := env.Purger.Purge(ctx); err != nil {
			zap.L().Warn("retention purge after scrape failed", zap.Error(err))
		}
		return writeSummary(os.Stdout, summary)
	},
}

func writeSummary(w io.Writer, s *orchestrator.Summary) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(s)
}

func init() {
	scrapeCmd.Flags().StringSliceVar(&scrapeSites, "site", nil, "site id to scrape (repeatable, default all enabled)")
	rootCmd.AddCommand(scrapeCmd)
}
