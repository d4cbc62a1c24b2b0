package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/dealerscope/internal/model"
	"github.com/sells-group/dealerscope/internal/scorer"
	"github.com/sells-group/dealerscope/internal/store"
)

var scoreCmd = &cobra.Command{
	Use:   "score",
	Short: "Re-score a stored listing",
	Long: `Runs the deal scorer against a listing already in the store and prints
its metrics. With --save a qualifying opportunity is recorded; an unchanged
listing that was already recorded is left as is.

Examples:
  dealerscope score --listing-url https://gsaauctions.gov/lot/123
  dealerscope score --listing-url https://gsaauctions.gov/lot/123 --save`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		listingURL, _ := cmd.Flags().GetString("listing-url")
		save, _ := cmd.Flags().GetBool("save")

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		l, err := st.GetListing(ctx, listingURL)
		if err != nil {
			return eris.Wrap(err, "score: get listing")
		}
		if l == nil {
			return eris.Errorf("score: no stored listing for %s", listingURL)
		}
		site, err := findSite(ctx, st, l.SourceSite)
		if err != nil {
			return err
		}

		engine, err := scorer.NewEngine(cfg.Scoring, st)
		if err != nil {
			return eris.Wrap(err, "score: init scorer")
		}
		metrics, err := engine.Score(ctx, *l, site)
		if err != nil {
			return eris.Wrap(err, "score")
		}
		if metrics == nil {
			fmt.Fprintln(os.Stderr, "Listing is missing make, model, year or bid; not scored.")
			return nil
		}

		result := scoreResult{Listing: *l, Metrics: *metrics}
		if status, ok := engine.Classify(metrics.ROI, metrics.Profit, metrics.RiskScore, metrics.ConfidenceScore); ok {
			result.Status = status
		}

		if save {
			opp, err := engine.Evaluate(ctx, *l, site)
			if err != nil {
				return eris.Wrap(err, "score: evaluate")
			}
			if opp != nil {
				created, err := st.UpsertOpportunity(ctx, *opp)
				if err != nil {
					return eris.Wrap(err, "score: save opportunity")
				}
				result.Saved = created
				zap.L().Info("opportunity recorded",
					zap.String("listing_url", l.ListingURL),
					zap.String("status", string(opp.Status)),
					zap.Bool("created", created),
				)
			}
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	},
}

type scoreResult struct {
	Listing model.Listing           `json:"listing"`
	Metrics model.DealMetrics       `json:"metrics"`
	Status  model.OpportunityStatus `json:"status,omitempty"`
	Saved   bool                    `json:"saved"`
}

// findSite returns the stored site by id. A listing whose site was removed
// from the registry is scored with zero fees.
func findSite(ctx context.Context, st store.SiteStore, id string) (model.Site, error) {
	sites, err := st.ListSites(ctx)
	if err != nil {
		return model.Site{}, eris.Wrap(err, "list sites")
	}
	for _, s := range sites {
		if s.ID == id {
			return s, nil
		}
	}
	zap.L().Warn("site not in registry, scoring without fees", zap.String("site", id))
	return model.Site{ID: id}, nil
}

// -- opportunities --

var opportunitiesCmd = &cobra.Command{
	Use:   "opportunities",
	Short: "List scored opportunities",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		status, _ := cmd.Flags().GetString("status")
		all, _ := cmd.Flags().GetBool("all")
		limit, _ := cmd.Flags().GetInt("limit")

		opps, err := st.ListOpportunities(ctx, store.OpportunityFilter{
			Status:     model.OpportunityStatus(status),
			ActiveOnly: !all,
			Limit:      limit,
		})
		if err != nil {
			return eris.Wrap(err, "opportunities list")
		}
		if len(opps) == 0 {
			fmt.Fprintln(os.Stderr, "No opportunities found.")
			return nil
		}
		formatOpportunities(os.Stdout, opps)
		return nil
	},
}

// formatOpportunities writes a tabular list of opportunities to w.
func formatOpportunities(out io.Writer, opps []model.Opportunity) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tSTATUS\tVEHICLE\tBID\tPROFIT\tROI\tRISK\tSCORED")
	_, _ = fmt.Fprintln(w, "--\t------\t-------\t---\t------\t---\t----\t------")

	for _, o := range opps {
		l := o.Listing
		vehicle := fmt.Sprintf("%d %s %s", l.Year, l.Make, l.Model)
		if len(vehicle) > 30 {
			vehicle = vehicle[:27] + "..."
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t$%.0f\t$%.0f\t%.1f%%\t%.0f\t%s\n",
			truncateID(o.ID),
			o.Status,
			vehicle,
			l.CurrentBid,
			o.Metrics.Profit,
			o.Metrics.ROI,
			o.Metrics.RiskScore,
			o.ScoredAt.Format("2006-01-02 15:04"),
		)
	}
	_ = w.Flush()
}

// truncateID returns the first 8 characters of a UUID for compact display.
func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func init() {
	scoreCmd.Flags().String("listing-url", "", "listing URL to score (required)")
	scoreCmd.Flags().Bool("save", false, "record the opportunity when it qualifies")
	_ = scoreCmd.MarkFlagRequired("listing-url")

	opportunitiesCmd.Flags().String("status", "", "filter by status (hot, good, moderate)")
	opportunitiesCmd.Flags().Bool("all", false, "include superseded opportunities")
	opportunitiesCmd.Flags().Int("limit", 50, "max number of opportunities to display")

	rootCmd.AddCommand(scoreCmd)
	rootCmd.AddCommand(opportunitiesCmd)
}
