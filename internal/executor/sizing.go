package executor

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/camuig/trade-tracker/internal/broker"
	"github.com/camuig/trade-tracker/internal/instrument"
	"github.com/camuig/trade-tracker/internal/logger"
)

const (
	ReasonInvalidDirection = "invalid_direction"
	ReasonZeroRisk         = "zero_risk"
	ReasonBelowMinStep     = "below_min_step"
	ReasonNoPrice          = "no_price"
	ReasonNoBudget         = "no_budget"
	ReasonExecutionFailed  = "execution_failed"
)

// Refusal is the structured answer a strategy gets when no order was placed
// or the order failed at the broker.
type Refusal struct {
	Reason string
	Detail string
	Err    error
}

func (r *Refusal) Error() string {
	if r.Err != nil {
		return fmt.Sprintf("order refused (%s): %s: %v", r.Reason, r.Detail, r.Err)
	}
	return fmt.Sprintf("order refused (%s): %s", r.Reason, r.Detail)
}

func (r *Refusal) Unwrap() error { return r.Err }

// PositionSize converts a risk budget into a quantity:
// floor((riskAmount / (riskDistance × rate)) / step) × step.
// It floors so the realized risk never exceeds the budget, and returns 0 for a
// non-positive distance, budget or step. A non-positive rate counts as 1.
func PositionSize(riskDistance, riskAmount, step, quoteToAccountRate float64) float64 {
	if riskDistance <= 0 || riskAmount <= 0 || step <= 0 {
		return 0
	}
	if quoteToAccountRate <= 0 {
		quoteToAccountRate = 1
	}

	risk := decimal.NewFromFloat(riskAmount)
	perUnit := decimal.NewFromFloat(riskDistance).Mul(decimal.NewFromFloat(quoteToAccountRate))
	st := decimal.NewFromFloat(step)

	return risk.Div(perUnit).Div(st).Floor().Mul(st).InexactFloat64()
}

// QuoteToAccountRate prices one unit of the quote currency in the account
// currency: the direct pair if quotable, else the inverted inverse pair, else
// 1:1 with a warning.
func QuoteToAccountRate(ctx context.Context, client broker.Client, quote, account string, log *logger.Logger) float64 {
	quote, account = strings.ToUpper(quote), strings.ToUpper(account)
	if quote == "" || account == "" || quote == account {
		return 1
	}

	if pair := client.CurrencyPair(quote, account); pair != "" {
		if p, err := client.GetLatestPrice(ctx, pair); err == nil && p > 0 {
			return p
		}
	}
	if pair := client.CurrencyPair(account, quote); pair != "" {
		if p, err := client.GetLatestPrice(ctx, pair); err == nil && p > 0 {
			return decimal.NewFromInt(1).Div(decimal.NewFromFloat(p)).InexactFloat64()
		}
	}

	log.Warn("no conversion rate, assuming 1:1", "quote", quote, "account", account, "broker", client.Name())
	return 1
}

type ExecuteRequest struct {
	Instrument string
	Direction  broker.Direction
	Entry      float64
	SL         float64
	TP         float64
	// Units is unsigned; Execute applies the direction.
	Units float64
	Step  float64
}

type ExecutionResult struct {
	// Units is signed: negative for SHORT.
	Units         float64
	BrokerTradeID string
	FillPrice     float64
	Handle        broker.TradeHandle
}

// Execute quantizes units to the step once more, refuses anything below one
// step, and submits a market order with its stop and target.
func Execute(ctx context.Context, client broker.Client, req ExecuteRequest) (ExecutionResult, error) {
	step := req.Step
	if step <= 0 {
		return ExecutionResult{}, &Refusal{Reason: ReasonBelowMinStep, Detail: fmt.Sprintf("invalid step %v", req.Step)}
	}

	units := instrument.FloorToStep(abs(req.Units), step)
	if units <= 0 {
		return ExecutionResult{}, &Refusal{
			Reason: ReasonBelowMinStep,
			Detail: fmt.Sprintf("%v units is below one step of %v", abs(req.Units), step),
		}
	}

	fill, err := client.CreateOrder(ctx, broker.OrderRequest{
		Instrument: req.Instrument,
		Direction:  req.Direction,
		Units:      units,
		StopLoss:   req.SL,
		TakeProfit: req.TP,
	})
	if err != nil {
		return ExecutionResult{}, fmt.Errorf("create order %s: %w", req.Instrument, err)
	}

	filled := fill.Units
	if filled <= 0 {
		filled = units
	}
	price := fill.FillPrice
	if price <= 0 {
		price = req.Entry
	}

	return ExecutionResult{
		Units:         filled * req.Direction.Sign(),
		BrokerTradeID: fill.Handle.TradeID,
		FillPrice:     price,
		Handle:        fill.Handle,
	}, nil
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}
