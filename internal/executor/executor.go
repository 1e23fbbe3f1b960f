// Package executor sizes and places the orders strategies ask for and records
// the resulting open trades for the tracker.
package executor

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/camuig/trade-tracker/internal/broker"
	"github.com/camuig/trade-tracker/internal/instrument"
	"github.com/camuig/trade-tracker/internal/logger"
	"github.com/camuig/trade-tracker/internal/storage"
)

type Notifier interface {
	NotifyOpened(t *storage.Trade)
	NotifyError(context string, err error)
}

// Signal is what a strategy hands over to open a position.
type Signal struct {
	Strategy   string
	Instrument string
	// Broker overrides the catalog's broker for the instrument.
	Broker    string
	Direction broker.Direction
	// Entry is the requested price; 0 means "at market", priced from the
	// broker's latest quote.
	Entry           float64
	SL              float64
	TP              float64
	AccountCurrency string
	// RiskAmount overrides the budget stored in settings when > 0.
	RiskAmount     float64
	ScalingEnabled bool
	MaxHold        time.Duration
}

type Executor struct {
	brokers  *broker.Registry
	catalog  *instrument.Catalog
	repo     *storage.Repository
	notifier Notifier
	logger   *logger.Logger
	now      func() time.Time
}

func NewExecutor(
	brokers *broker.Registry,
	catalog *instrument.Catalog,
	repo *storage.Repository,
	notifier Notifier,
	log *logger.Logger,
) *Executor {
	return &Executor{
		brokers:  brokers,
		catalog:  catalog,
		repo:     repo,
		notifier: notifier,
		logger:   log,
		now:      time.Now,
	}
}

// OpenTrade sizes the signal against the account's risk budget, places the
// order and stores the open trade. Sizing problems come back as *Refusal
// before anything is sent to the broker.
func (e *Executor) OpenTrade(ctx context.Context, sig Signal) (*storage.Trade, error) {
	if _, err := broker.ParseDirection(string(sig.Direction)); err != nil {
		return nil, &Refusal{Reason: ReasonInvalidDirection, Detail: err.Error()}
	}

	spec := e.catalog.Lookup(sig.Instrument)
	brokerName := sig.Broker
	if brokerName == "" {
		brokerName = spec.Broker
	}
	client, err := e.brokers.Get(brokerName)
	if err != nil {
		return nil, err
	}

	log := e.logger.With("strategy", sig.Strategy, "broker", brokerName, "instrument", sig.Instrument)
	account := strings.ToUpper(sig.AccountCurrency)

	riskAmount := sig.RiskAmount
	if riskAmount <= 0 {
		riskAmount, err = e.repo.RiskBudget(ctx, account)
		if err != nil {
			return nil, &Refusal{Reason: ReasonNoBudget, Detail: account, Err: err}
		}
	}

	entry := sig.Entry
	if entry <= 0 {
		entry, err = client.GetLatestPrice(ctx, sig.Instrument)
		if err != nil {
			return nil, &Refusal{Reason: ReasonNoPrice, Detail: sig.Instrument, Err: err}
		}
	}

	riskR := math.Abs(entry - sig.SL)
	if sig.SL <= 0 || riskR == 0 {
		return nil, &Refusal{Reason: ReasonZeroRisk, Detail: fmt.Sprintf("entry %v and stop %v give no risk distance", entry, sig.SL)}
	}

	rate := QuoteToAccountRate(ctx, client, spec.QuoteCurrency, account, log)
	units := PositionSize(riskR, riskAmount, spec.Step, rate)
	if units < spec.Step || units <= 0 {
		return nil, &Refusal{
			Reason: ReasonBelowMinStep,
			Detail: fmt.Sprintf("risk %.2f %s over distance %v sizes below one step of %v", riskAmount, account, riskR, spec.Step),
		}
	}

	res, err := Execute(ctx, client, ExecuteRequest{
		Instrument: sig.Instrument,
		Direction:  sig.Direction,
		Entry:      entry,
		SL:         sig.SL,
		TP:         sig.TP,
		Units:      units,
		Step:       spec.Step,
	})
	if err != nil {
		var refusal *Refusal
		if errors.As(err, &refusal) {
			return nil, refusal
		}
		log.Error("order failed", "error", err)
		e.notifier.NotifyError("open "+sig.Instrument, err)
		return nil, &Refusal{Reason: ReasonExecutionFailed, Detail: sig.Instrument, Err: err}
	}

	now := e.now().UTC()
	t := &storage.Trade{
		Strategy:          sig.Strategy,
		Broker:            brokerName,
		BrokerTradeID:     optional(res.BrokerTradeID),
		StopOrderID:       optional(res.Handle.StopOrderID),
		TakeProfitOrderID: optional(res.Handle.TakeProfitOrderID),
		Instrument:        sig.Instrument,
		Direction:         string(sig.Direction),
		Entry:             entry,
		FillPrice:         storage.Ptr(res.FillPrice),
		SL:                sig.SL,
		TP:                sig.TP,
		Units:             res.Units,
		InitialUnits:      math.Abs(res.Units),
		Step:              spec.Step,
		RiskR:             riskR,
		ScalingEnabled:    sig.ScalingEnabled,
		SLOriginal:        storage.Ptr(sig.SL),
		RiskAmount:        riskAmount,
		AccountCurrency:   account,
		OpenedAt:          now,
	}
	if sig.MaxHold > 0 {
		t.MaxHoldUntil = storage.Ptr(now.Add(sig.MaxHold))
	}

	ev := storage.NewEvent("", storage.EventOpened,
		fmt.Sprintf("%s %s %v @ %v", t.Direction, t.Instrument, t.Units, res.FillPrice),
		map[string]any{
			"entry":      entry,
			"fill_price": res.FillPrice,
			"units":      res.Units,
			"sl":         sig.SL,
			"tp":         sig.TP,
			"risk_r":     riskR,
			"rate":       rate,
		})

	if err := e.repo.CreateTrade(ctx, t, &ev); err != nil {
		// The position is live at the broker; make sure somebody hears about it.
		log.Error("store opened trade", "broker_trade_id", res.BrokerTradeID, "error", err)
		e.notifier.NotifyError("store trade "+res.BrokerTradeID, err)
		return nil, fmt.Errorf("store trade %s: %w", res.BrokerTradeID, err)
	}

	log.Info("trade opened",
		"trade_id", t.ID, "broker_trade_id", res.BrokerTradeID,
		"units", t.Units, "fill", res.FillPrice, "sl", t.SL, "tp", t.TP, "risk_r", riskR)
	e.notifier.NotifyOpened(t)
	return t, nil
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
