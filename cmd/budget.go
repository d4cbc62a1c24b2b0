package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/dealerscope/internal/cost"
	"github.com/sells-group/dealerscope/internal/model"
	"github.com/sells-group/dealerscope/internal/notify"
)

var budgetCmd = &cobra.Command{
	Use:   "budget",
	Short: "Inspect and reset per-site daily budgets",
}

// -- budget status --

var budgetStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show today's usage against caps for every site",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		sites, err := st.ListSites(ctx)
		if err != nil {
			return eris.Wrap(err, "budget status: list sites")
		}
		ctrl, err := restoreBudgets(ctx, st, notify.LogSink{}, sites)
		if err != nil {
			return err
		}

		asJSON, _ := cmd.Flags().GetBool("json")
		if asJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(ctrl.Snapshot())
		}
		formatBudgets(os.Stdout, ctrl.Snapshot())
		return nil
	},
}

// -- budget reset --

var budgetResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Zero today's usage and lift blocks for every site",
	Long: `Returns today's recorded usage to every site's budget, clears blocked
status and puts each site back on the plain HTTP strategy. The usage log
keeps a compensating entry per resource so the reset survives a restart.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		sites, err := st.ListSites(ctx)
		if err != nil {
			return eris.Wrap(err, "budget reset: list sites")
		}
		ctrl, err := restoreBudgets(ctx, st, notify.LogSink{}, sites)
		if err != nil {
			return err
		}

		for _, b := range ctrl.Snapshot() {
			for _, r := range model.AllResources() {
				if used := b.Usage.Get(r); used > 0 {
					ctrl.Release(ctx, b.SiteID, cost.Operation{Resource: r, Amount: used})
				}
			}
		}
		ctrl.ResetDaily()

		for _, b := range ctrl.Snapshot() {
			if err := st.SaveBudget(ctx, b); err != nil {
				return eris.Wrapf(err, "budget reset: save %s", b.SiteID)
			}
		}
		zap.L().Info("budgets reset", zap.Int("sites", len(sites)))
		return nil
	},
}

// -- budget report --

var budgetReportCmd = &cobra.Command{
	Use:   "report",
	Short: "Summarize spend in USD for a calendar month",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		monthFlag, _ := cmd.Flags().GetString("month")
		month := time.Now().UTC()
		if monthFlag != "" {
			m, err := time.Parse("2006-01", monthFlag)
			if err != nil {
				return eris.Wrapf(err, "budget report: invalid --month %q", monthFlag)
			}
			month = m
		}

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		calc := cost.NewCalculator(cfg.Pricing, cfg.Anthropic.Model)
		report, err := calc.MonthlyReport(ctx, st, month)
		if err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	},
}

// formatBudgets writes one row per site budget to out.
func formatBudgets(out io.Writer, budgets []model.SiteBudget) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "SITE\tTIER\tSTRATEGY\tSTATUS\tHTTP\tHEADLESS\tTOKENS\tCAPTCHA")
	_, _ = fmt.Fprintln(w, "----\t----\t--------\t------\t----\t--------\t------\t-------")
	for _, b := range budgets {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			b.SiteID,
			b.Tier,
			b.Strategy,
			b.Status,
			usageCell(b, model.ResourceHTTP),
			usageCell(b, model.ResourceHeadless),
			usageCell(b, model.ResourceLLM),
			usageCell(b, model.ResourceCaptcha),
		)
	}
	_ = w.Flush()
}

func usageCell(b model.SiteBudget, r model.ResourceType) string {
	return fmt.Sprintf("%g/%g", b.Usage.Get(r), b.Caps.Get(r))
}

func init() {
	budgetStatusCmd.Flags().Bool("json", false, "print budgets as JSON")
	budgetReportCmd.Flags().String("month", "", "month to report as YYYY-MM (default current)")

	budgetCmd.AddCommand(budgetStatusCmd)
	budgetCmd.AddCommand(budgetResetCmd)
	budgetCmd.AddCommand(budgetReportCmd)
	rootCmd.AddCommand(budgetCmd)
}
