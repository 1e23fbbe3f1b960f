package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/camuig/trade-tracker/internal/reconcile"
)

func newReconcileCmd() *cobra.Command {
	var (
		opts   reconcile.Options
		asJSON bool
	)

	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Match open records against closed trades in broker history",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			summary, err := a.Reconcile.Run(cmd.Context(), opts)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(summary)
			}

			for _, m := range summary.Matches {
				fmt.Fprintf(out, "  %s -> %s  score %.5f  pnl %.2f  %s\n",
					m.TradeID, m.BrokerTradeID, m.Score, m.RealizedPnL, m.Outcome)
			}
			for _, id := range summary.UnmatchedIDs {
				fmt.Fprintf(out, "  %s unmatched\n", id)
			}
			fmt.Fprintf(out, "\nTotal %d, matched %d, unmatched %d, skipped %d",
				summary.Total, summary.Matched, summary.Unmatched, summary.Skipped)
			if summary.DryRun {
				fmt.Fprint(out, " (dry run, nothing written)")
			}
			fmt.Fprintln(out)
			return nil
		},
	}

	cmd.Flags().BoolVar(&opts.All, "all", false, "also re-check open records that already carry a broker trade id")
	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "broker history depth (0 uses the configured value)")
	cmd.Flags().BoolVar(&opts.DryRun, "dry-run", false, "report matches without writing")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the summary as JSON")
	return cmd
}
