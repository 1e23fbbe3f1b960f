package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/camuig/trade-tracker/internal/storage"
)

func newTradesCmd() *cobra.Command {
	var (
		open  bool
		limit int
	)

	cmd := &cobra.Command{
		Use:   "trades",
		Short: "List recent or open trade records",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			var trades []storage.Trade
			if open {
				trades, err = a.Repo.ListOpen(cmd.Context())
			} else {
				trades, err = a.Repo.GetRecentTrades(cmd.Context(), limit)
			}
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tINSTRUMENT\tDIR\tUNITS\tENTRY\tSL\tSTEP\tOUTCOME\tPNL")
			for _, t := range trades {
				pnl := "-"
				if t.RealizedPnL != nil {
					pnl = fmt.Sprintf("%.2f", *t.RealizedPnL)
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%g\t%g\t%g\t%d\t%s\t%s\n",
					t.ID, t.Instrument, t.Direction, t.Units, t.Entry, t.SL, t.ScalingStep, t.Outcome, pnl)
			}
			return w.Flush()
		},
	}

	cmd.Flags().BoolVar(&open, "open", false, "only open trades")
	cmd.Flags().IntVar(&limit, "limit", 20, "number of recent trades")
	return cmd
}
