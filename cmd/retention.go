package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sells-group/dealerscope/internal/compliance"
)

var retentionCmd = &cobra.Command{
	Use:   "retention",
	Short: "Manage stored document retention",
}

var retentionPurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete stored documents past their retention expiry",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		n, err := compliance.NewPurger(st).Purge(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Purged %d expired documents.\n", n)
		return nil
	},
}

func init() {
	retentionCmd.AddCommand(retentionPurgeCmd)
	rootCmd.AddCommand(retentionCmd)
}
