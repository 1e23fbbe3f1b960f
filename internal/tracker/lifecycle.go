package tracker

import (
	"context"
	"fmt"
	"math"

	"github.com/shopspring/decimal"

	"github.com/camuig/trade-tracker/internal/broker"
	"github.com/camuig/trade-tracker/internal/instrument"
	"github.com/camuig/trade-tracker/internal/logger"
	"github.com/camuig/trade-tracker/internal/storage"
)

const (
	breakevenAtR = 0.5
	firstScaleR  = 1.0
	secondScaleR = 2.0

	// Share of the initial size closed at each scale-out milestone.
	firstScaleShare  = 0.5
	secondScaleShare = 0.25

	// A trade whose stop was moved to break-even and that closed below this
	// share of its estimated 1R counts as breakeven when the broker cannot
	// say which order closed it. Approximate by nature.
	breakevenPnLShare = 0.25
	defaultRiskPnL    = 50

	reasonTakeProfit = "take_profit"
	reasonStopLoss   = "stop_loss"
	reasonBroker     = "closed_at_broker"
)

func signedProfit(tr *storage.Trade, price float64) float64 {
	return (price - tr.Handle().EntryPrice) * broker.Direction(tr.Direction).Sign()
}

// slippage is positive when the fill is worse than expected for a closing
// order of tr.
func slippage(tr *storage.Trade, expected, actual float64) float64 {
	return (expected - actual) * broker.Direction(tr.Direction).Sign()
}

// scaleQty is share of the initial size, floored to the step, at least one
// step and never more than what is left.
func scaleQty(tr *storage.Trade, share float64) float64 {
	qty := instrument.FloorToStep(tr.InitialUnits*share, tr.Step)
	if qty < tr.Step {
		qty = tr.Step
	}
	if left := math.Abs(tr.Units); qty > left {
		qty = left
	}
	return qty
}

func remaining(units, closed float64) float64 {
	left := decimal.NewFromFloat(math.Abs(units)).Sub(decimal.NewFromFloat(closed))
	if !left.IsPositive() {
		return 0
	}
	return left.InexactFloat64()
}

// stopFor is the protective stop a scaled trade should carry at step.
func stopFor(spec instrument.Spec, tr *storage.Trade, step int) float64 {
	entry := tr.Handle().EntryPrice
	sign := broker.Direction(tr.Direction).Sign()
	if step >= 2 {
		return spec.RoundPrice(entry + sign*tr.RiskR)
	}
	return spec.RoundPrice(entry + sign*spec.BreakevenOffset())
}

func stopEvent(step int) string {
	if step >= 2 {
		return storage.EventScalingTP2
	}
	return storage.EventBreakeven
}

// stopBehind reports whether the stored stop is still looser than want.
func stopBehind(tr *storage.Trade, want float64) bool {
	const eps = 1e-9
	if broker.Direction(tr.Direction) == broker.Short {
		return tr.SL > want+eps
	}
	return tr.SL < want-eps
}

func (t *Tracker) breakeven(ctx context.Context, client broker.Client, spec instrument.Spec, tr *storage.Trade, log *logger.Logger) (bool, error) {
	if tr.BreakevenApplied || tr.RiskR <= 0 {
		return false, nil
	}

	price, err := client.GetLatestPrice(ctx, tr.Instrument)
	if err != nil {
		return false, fmt.Errorf("get price: %w", err)
	}
	profit := signedProfit(tr, price)
	if profit < breakevenAtR*tr.RiskR {
		return false, nil
	}

	newSL := stopFor(spec, tr, 1)
	applied, err := t.moveStop(ctx, client, tr, newSL, storage.EventBreakeven,
		fmt.Sprintf("stop moved to break-even: %v -> %v", tr.SL, newSL),
		map[string]any{"profit_at_trigger": profit, "risk_r": tr.RiskR}, log)
	if err != nil || !applied {
		return false, err
	}
	return true, nil
}

// moveStop moves the broker stop and persists it with ev. A rejected level is
// logged and nothing is written, so the move is tried again next cycle.
func (t *Tracker) moveStop(
	ctx context.Context,
	client broker.Client,
	tr *storage.Trade,
	newSL float64,
	event, message string,
	payload map[string]any,
	log *logger.Logger,
) (bool, error) {
	h, err := client.ModifyStop(ctx, tr.Handle(), newSL)
	if err != nil {
		if broker.HasKind(err, broker.KindModifyRejected) {
			log.Warn("stop move rejected, keeping previous stop", "sl", tr.SL, "wanted", newSL, "error", err)
			return false, nil
		}
		return false, fmt.Errorf("modify stop: %w", err)
	}

	fields := map[string]any{
		"sl":                newSL,
		"breakeven_applied": true,
	}
	if tr.SLOriginal == nil {
		fields["sl_original"] = tr.SL
	}
	if h.StopOrderID != "" {
		fields["stop_order_id"] = h.StopOrderID
	}

	if payload == nil {
		payload = map[string]any{}
	}
	payload["sl_old"] = tr.SL
	payload["sl_new"] = newSL

	ev := storage.NewEvent(tr.ID, event, message, payload)
	applied, err := t.repo.Transition(ctx, tr.ID, fields, &ev)
	if err != nil {
		return false, fmt.Errorf("store stop move: %w", err)
	}
	if !applied {
		return false, nil
	}

	if tr.SLOriginal == nil {
		tr.SLOriginal = storage.Ptr(tr.SL)
	}
	tr.SL = newSL
	tr.BreakevenApplied = true
	if h.StopOrderID != "" {
		tr.StopOrderID = storage.Ptr(h.StopOrderID)
	}

	log.Info("stop moved", "event", event, "sl", newSL)
	t.notifier.NotifyEvent(tr, event, message)
	return true, nil
}

func (t *Tracker) scaleOut(ctx context.Context, client broker.Client, spec instrument.Spec, tr *storage.Trade, st broker.Status, log *logger.Logger) (bool, error) {
	if tr.RiskR <= 0 {
		return false, nil
	}

	// A stop move rejected after an earlier scale-out is retried first.
	if tr.ScalingStep > 0 {
		want := stopFor(spec, tr, tr.ScalingStep)
		if stopBehind(tr, want) {
			return t.moveStop(ctx, client, tr, want, stopEvent(tr.ScalingStep),
				fmt.Sprintf("stop moved after scale-out %d: %v -> %v", tr.ScalingStep, tr.SL, want), nil, log)
		}
	}
	if tr.ScalingStep >= 2 {
		return false, nil
	}

	// The broker holds less than the record: a partial went through but its
	// step was never stored. Adopt it instead of closing it a second time.
	if shrunk(tr, st) {
		return t.adoptScale(ctx, client, spec, tr, st.UnitsRemaining, log)
	}

	price, err := client.GetLatestPrice(ctx, tr.Instrument)
	if err != nil {
		return false, fmt.Errorf("get price: %w", err)
	}
	profitR := signedProfit(tr, price) / tr.RiskR

	switch {
	case tr.ScalingStep == 0 && profitR >= firstScaleR:
		return t.scale(ctx, client, spec, tr, 1, scaleQty(tr, firstScaleShare), price, profitR, log)
	case tr.ScalingStep == 1 && profitR >= secondScaleR:
		return t.scale(ctx, client, spec, tr, 2, scaleQty(tr, secondScaleShare), price, profitR, log)
	}
	return false, nil
}

// scale closes qty at market, records the new step and then moves the stop.
// The step is persisted even when the stop move fails so the same partial is
// never closed twice.
func (t *Tracker) scale(
	ctx context.Context,
	client broker.Client,
	spec instrument.Spec,
	tr *storage.Trade,
	step int,
	qty, expected, profitR float64,
	log *logger.Logger,
) (bool, error) {
	if qty <= 0 {
		return false, nil
	}

	res, err := client.Close(ctx, tr.Handle(), &qty)
	if err != nil {
		return false, fmt.Errorf("scale out %d: %w", step, err)
	}

	fill := res.Price
	if fill <= 0 {
		fill = expected
	}
	left := remaining(tr.Units, qty)
	signed := left * broker.Direction(tr.Direction).Sign()
	partial := tr.PartialPnL + res.RealizedPnL

	event := storage.EventScalingTP1
	if step == 2 {
		event = storage.EventScalingTP2
	}

	fields := map[string]any{
		"scaling_step": step,
		"units":        signed,
		"partial_pnl":  partial,
	}
	if res.Handle.StopOrderID != "" {
		fields["stop_order_id"] = res.Handle.StopOrderID
	}
	if res.Handle.TakeProfitOrderID != "" {
		fields["take_profit_order_id"] = res.Handle.TakeProfitOrderID
	}

	message := fmt.Sprintf("scale-out %d at %.1fR: closed %v, %v left", step, profitR, qty, left)
	ev := storage.NewEvent(tr.ID, event, message, map[string]any{
		"units_closed":   qty,
		"units_left":     left,
		"expected_price": expected,
		"fill_price":     fill,
		"slippage":       slippage(tr, expected, fill),
		"realized_pnl":   res.RealizedPnL,
		"profit_r":       profitR,
	})

	applied, err := t.repo.Transition(ctx, tr.ID, fields, &ev)
	if err != nil {
		// The broker already closed the partial; nothing local reflects it.
		t.notifier.NotifyError("scale-out "+tr.ID, err)
		return false, fmt.Errorf("store scale-out %d: %w", step, err)
	}
	if !applied {
		return false, nil
	}

	tr.ScalingStep = step
	tr.Units = signed
	tr.PartialPnL = partial
	if res.Handle.StopOrderID != "" {
		tr.StopOrderID = storage.Ptr(res.Handle.StopOrderID)
	}
	if res.Handle.TakeProfitOrderID != "" {
		tr.TakeProfitOrderID = storage.Ptr(res.Handle.TakeProfitOrderID)
	}

	log.Info("scaled out", "step", step, "closed", qty, "left", left, "fill", fill, "expected", expected)
	t.notifier.NotifyEvent(tr, event, message)

	if left > 0 {
		want := stopFor(spec, tr, step)
		if _, err := t.moveStop(ctx, client, tr, want, stopEvent(step),
			fmt.Sprintf("stop moved after scale-out %d: %v -> %v", step, tr.SL, want), nil, log); err != nil {
			log.Error("move stop after scale-out", "error", err)
		}
	}
	return true, nil
}

func shrunk(tr *storage.Trade, st broker.Status) bool {
	if st.UnitsRemaining <= 0 {
		return false
	}
	tol := tr.Step / 2
	if tol <= 0 {
		tol = 1e-9
	}
	return st.UnitsRemaining < math.Abs(tr.Units)-tol
}

// adoptScale records the next scale-out step from the size the broker reports
// and then moves the stop for it. The partial's PnL is not known here; the
// final PnL from a cumulative status still includes it.
func (t *Tracker) adoptScale(
	ctx context.Context,
	client broker.Client,
	spec instrument.Spec,
	tr *storage.Trade,
	left float64,
	log *logger.Logger,
) (bool, error) {
	step := tr.ScalingStep + 1
	signed := left * broker.Direction(tr.Direction).Sign()

	event := storage.EventScalingTP1
	if step == 2 {
		event = storage.EventScalingTP2
	}
	message := fmt.Sprintf("scale-out %d found already executed at broker: %v left", step, left)
	ev := storage.NewEvent(tr.ID, event, message, map[string]any{
		"units_before": math.Abs(tr.Units),
		"units_left":   left,
		"adopted":      true,
	})

	applied, err := t.repo.Transition(ctx, tr.ID, map[string]any{
		"scaling_step": step,
		"units":        signed,
	}, &ev)
	if err != nil {
		return false, fmt.Errorf("store adopted scale-out %d: %w", step, err)
	}
	if !applied {
		return false, nil
	}

	tr.ScalingStep = step
	tr.Units = signed
	log.Warn("adopted scale-out already executed at broker", "step", step, "left", left)
	t.notifier.NotifyEvent(tr, event, message)

	want := stopFor(spec, tr, step)
	if _, err := t.moveStop(ctx, client, tr, want, stopEvent(step),
		fmt.Sprintf("stop moved after scale-out %d: %v -> %v", step, tr.SL, want), nil, log); err != nil {
		log.Error("move stop after adopted scale-out", "error", err)
	}
	return true, nil
}

func (t *Tracker) forceClose(
	ctx context.Context,
	client broker.Client,
	tr *storage.Trade,
	outcome, reason, event string,
	log *logger.Logger,
) (bool, error) {
	expected, priceErr := client.GetLatestPrice(ctx, tr.Instrument)

	res, err := client.Close(ctx, tr.Handle(), nil)
	if err != nil {
		return false, fmt.Errorf("close (%s): %w", reason, err)
	}

	pnl := tr.PartialPnL + res.RealizedPnL
	c := storage.Closing{
		Outcome:     outcome,
		Reason:      reason,
		RealizedPnL: pnl,
		Time:        t.now().UTC(),
	}
	payload := map[string]any{"outcome": outcome, "reason": reason, "realized_pnl": pnl}
	if res.Price > 0 {
		c.Price = storage.Ptr(res.Price)
		payload["close_price"] = res.Price
		if priceErr == nil && expected > 0 {
			c.Slippage = storage.Ptr(slippage(tr, expected, res.Price))
			payload["expected_price"] = expected
			payload["slippage"] = *c.Slippage
		}
	}

	message := fmt.Sprintf("closed at market (%s), P&L %.2f", reason, pnl)
	ev := storage.NewEvent(tr.ID, event, message, payload)
	return t.commit(ctx, tr, c, &ev, log)
}

// finalize records a close the broker already performed.
func (t *Tracker) finalize(ctx context.Context, tr *storage.Trade, st broker.Status, log *logger.Logger) (bool, error) {
	pnl := st.RealizedPnL
	if !st.Cumulative {
		pnl += tr.PartialPnL
	}
	outcome := classifyOutcome(tr, st, pnl)

	reason := reasonBroker
	expected := 0.0
	switch {
	case st.ClosedByTP:
		reason, expected = reasonTakeProfit, tr.TP
	case st.ClosedBySL:
		reason, expected = reasonStopLoss, tr.SL
	}

	c := storage.Closing{
		Outcome:     outcome,
		Reason:      reason,
		RealizedPnL: pnl,
		Time:        t.now().UTC(),
	}
	payload := map[string]any{
		"outcome":           outcome,
		"realized_pnl":      pnl,
		"scaling_step":      tr.ScalingStep,
		"breakeven_applied": tr.BreakevenApplied,
		"known":             st.Known,
	}
	if st.AvgClosePrice > 0 {
		c.Price = storage.Ptr(st.AvgClosePrice)
		payload["close_price"] = st.AvgClosePrice
		if expected > 0 {
			c.Slippage = storage.Ptr(slippage(tr, expected, st.AvgClosePrice))
			payload["slippage"] = *c.Slippage
		}
	}

	ev := storage.NewEvent(tr.ID, storage.EventClosed, fmt.Sprintf("closed: %s (P&L %.2f)", outcome, pnl), payload)
	return t.commit(ctx, tr, c, &ev, log)
}

func (t *Tracker) commit(ctx context.Context, tr *storage.Trade, c storage.Closing, ev *storage.TradeEvent, log *logger.Logger) (bool, error) {
	applied, err := t.repo.Finalize(ctx, tr.ID, c, ev)
	if err != nil {
		t.notifier.NotifyError("finalize "+tr.ID, err)
		return false, fmt.Errorf("finalize: %w", err)
	}
	if !applied {
		log.Debug("trade already closed, skipping")
		return true, nil
	}

	tr.Outcome = c.Outcome
	tr.RealizedPnL = storage.Ptr(c.RealizedPnL)
	tr.CloseReason = storage.Ptr(c.Reason)

	log.Info("trade closed", "outcome", c.Outcome, "reason", c.Reason, "pnl", c.RealizedPnL)
	t.notifier.NotifyClosed(tr, c.Outcome, c.RealizedPnL)
	return true, nil
}

// classifyOutcome labels a trade the broker reports as closed. The first
// matching rule wins.
func classifyOutcome(tr *storage.Trade, st broker.Status, pnl float64) string {
	if tr.ScalingStep >= 2 {
		return storage.OutcomeWin
	}

	stopAtEntry := tr.ScalingStep == 1 || tr.BreakevenApplied
	if st.Known {
		if tr.ScalingStep == 1 && st.ClosedByTP {
			return storage.OutcomeWin
		}
		if stopAtEntry && st.ClosedBySL {
			return storage.OutcomeBreakeven
		}
	} else if stopAtEntry && pnl < breakevenPnLShare*estimatedRiskPnL(tr) {
		return storage.OutcomeBreakeven
	}

	return storage.OutcomeFromPnL(pnl)
}

// estimatedRiskPnL approximates 1R in account money from the original stop
// distance and the size still open when the trade closed.
func estimatedRiskPnL(tr *storage.Trade) float64 {
	dist := math.Abs(tr.Handle().EntryPrice - tr.OriginalSL())
	units := math.Abs(tr.Units)
	if units == 0 {
		units = tr.InitialUnits
	}
	if dist == 0 || units == 0 {
		return defaultRiskPnL
	}
	return dist * units
}
