package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newCloseAllCmd() *cobra.Command {
	var (
		reason string
		dryRun bool
	)

	cmd := &cobra.Command{
		Use:   "closeall",
		Short: "Close every open tracked position at the broker",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			out := cmd.OutOrStdout()
			trades, err := a.Repo.ListOpen(cmd.Context())
			if err != nil {
				return err
			}
			if len(trades) == 0 {
				fmt.Fprintln(out, "No open trades.")
				return nil
			}

			fmt.Fprintf(out, "Found %d open trade(s):\n\n", len(trades))
			for _, t := range trades {
				id := "-"
				if t.BrokerTradeID != nil {
					id = *t.BrokerTradeID
				}
				fmt.Fprintf(out, "  %s %s %s %g units @ %g, sl %g, broker %s/%s\n",
					t.ID, t.Instrument, t.Direction, t.Units, t.Entry, t.SL, t.Broker, id)
			}
			fmt.Fprintln(out)

			if dryRun {
				fmt.Fprintln(out, "Dry run, no orders placed.")
				return nil
			}

			closed, failed, err := a.Tracker.CloseAll(cmd.Context(), reason)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "Done: %d closed, %d failed.\n", closed, failed)
			if failed > 0 {
				return fmt.Errorf("%d trade(s) could not be closed", failed)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&reason, "reason", "manual", "close reason stored on each record")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "list open trades without closing")
	return cmd
}
