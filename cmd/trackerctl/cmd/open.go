package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/camuig/trade-tracker/internal/broker"
	"github.com/camuig/trade-tracker/internal/executor"
)

func newOpenCmd() *cobra.Command {
	var (
		sig       executor.Signal
		direction string
	)

	cmd := &cobra.Command{
		Use:   "open",
		Short: "Size and open a trade from a manual signal",
		Example: `  trackerctl open --instrument EUR_USD --direction long --sl 1.0750 --tp 1.0900
  trackerctl open --instrument SPX500_USD --direction short --entry 5000 --sl 5050 --scaling --max-hold 24h`,
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := broker.ParseDirection(strings.ToUpper(direction))
			if err != nil {
				return err
			}
			sig.Direction = dir
			sig.Instrument = strings.ToUpper(sig.Instrument)
			sig.AccountCurrency = strings.ToUpper(sig.AccountCurrency)

			a, err := loadApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			t, err := a.Executor.OpenTrade(cmd.Context(), sig)
			if err != nil {
				return err
			}

			fill := t.Entry
			if t.FillPrice != nil {
				fill = *t.FillPrice
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Opened %s: %s %s %g units @ %g, sl %g, tp %g\n",
				t.ID, t.Instrument, t.Direction, t.Units, fill, t.SL, t.TP)
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVar(&sig.Instrument, "instrument", "", "instrument symbol, e.g. EUR_USD")
	f.StringVar(&direction, "direction", "", "long or short")
	f.Float64Var(&sig.Entry, "entry", 0, "entry price (0 for market)")
	f.Float64Var(&sig.SL, "sl", 0, "stop-loss price")
	f.Float64Var(&sig.TP, "tp", 0, "take-profit price")
	f.StringVar(&sig.AccountCurrency, "account", "USD", "account currency of the risk budget")
	f.Float64Var(&sig.RiskAmount, "risk", 0, "risk amount override (0 uses the stored budget)")
	f.BoolVar(&sig.ScalingEnabled, "scaling", false, "scale out at 1R and 2R instead of plain breakeven")
	f.DurationVar(&sig.MaxHold, "max-hold", 0, "force close after this long (0 disables)")
	f.StringVar(&sig.Broker, "broker", "", "broker override (defaults to the instrument's broker)")
	f.StringVar(&sig.Strategy, "strategy", "manual", "strategy tag stored on the record")
	_ = cmd.MarkFlagRequired("instrument")
	_ = cmd.MarkFlagRequired("direction")
	_ = cmd.MarkFlagRequired("sl")
	return cmd
}
