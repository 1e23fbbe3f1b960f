// Package brokertest provides an in-memory broker.Client for tests.
package brokertest

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/camuig/trade-tracker/internal/broker"
)

type CloseCall struct {
	Handle broker.TradeHandle
	Units  *float64
}

type ModifyCall struct {
	Handle broker.TradeHandle
	Price  float64
}

// Fake fills every order at the instrument's current price and keeps one
// status per trade id. Closing computes PnL from the handle's entry price.
type Fake struct {
	mu sync.Mutex

	name     string
	prices   map[string]float64
	statuses map[string]broker.Status
	history  []broker.ClosedTrade
	nextID   int

	// Injected failures, returned by the matching method when set.
	OrderErr  error
	CloseErr  error
	ModifyErr error
	StatusErr error

	Orders   []broker.OrderRequest
	Closes   []CloseCall
	Modifies []ModifyCall
}

func New(name string) *Fake {
	return &Fake{
		name:     name,
		prices:   make(map[string]float64),
		statuses: make(map[string]broker.Status),
	}
}

func (f *Fake) SetPrice(instrument string, price float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prices[instrument] = price
}

func (f *Fake) SetStatus(tradeID string, st broker.Status) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[tradeID] = st
}

func (f *Fake) SetHistory(trades []broker.ClosedTrade) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.history = trades
}

// Calls returns how many mutating calls (orders, closes, stop moves) were made.
func (f *Fake) Calls() (orders, closes, modifies int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Orders), len(f.Closes), len(f.Modifies)
}

func (f *Fake) Name() string { return f.name }

func (f *Fake) CurrencyPair(base, quote string) string {
	return strings.ToUpper(base) + "_" + strings.ToUpper(quote)
}

func (f *Fake) GetLatestPrice(_ context.Context, instrument string) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.prices[instrument]
	if !ok || p <= 0 {
		return 0, broker.NewError(broker.KindPriceUnavailable, f.name, "get price", fmt.Errorf("no quote for %s", instrument))
	}
	return p, nil
}

func (f *Fake) CreateOrder(_ context.Context, req broker.OrderRequest) (broker.Fill, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.Orders = append(f.Orders, req)
	if f.OrderErr != nil {
		return broker.Fill{}, f.OrderErr
	}

	price := f.prices[req.Instrument]
	f.nextID++
	h := broker.TradeHandle{
		TradeID:    fmt.Sprintf("T%d", f.nextID),
		Instrument: req.Instrument,
		Direction:  req.Direction,
		Units:      req.Units,
		EntryPrice: price,
	}
	f.statuses[h.TradeID] = broker.Status{State: broker.StateOpen, UnitsRemaining: req.Units, Known: true, Cumulative: true}
	return broker.Fill{Handle: h, FillPrice: price, Units: req.Units}, nil
}

func (f *Fake) Close(_ context.Context, h broker.TradeHandle, units *float64) (broker.CloseResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.Closes = append(f.Closes, CloseCall{Handle: h, Units: units})
	if f.CloseErr != nil {
		return broker.CloseResult{}, f.CloseErr
	}

	qty := h.Units
	if units != nil {
		qty = *units
	}
	price := f.prices[h.Instrument]
	pnl := (price - h.EntryPrice) * h.Direction.Sign() * qty

	st := f.statuses[h.TradeID]
	st.RealizedPnL += pnl
	next := h
	next.Units = h.Units - qty
	if units == nil || next.Units <= 0 {
		next.Units = 0
		st.State = broker.StateClosed
		st.AvgClosePrice = price
		st.Known = true
	}
	st.UnitsRemaining = next.Units
	f.statuses[h.TradeID] = st

	return broker.CloseResult{RealizedPnL: pnl, Price: price, Handle: next}, nil
}

func (f *Fake) ModifyStop(_ context.Context, h broker.TradeHandle, price float64) (broker.TradeHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.Modifies = append(f.Modifies, ModifyCall{Handle: h, Price: price})
	if f.ModifyErr != nil {
		return h, f.ModifyErr
	}
	return h, nil
}

func (f *Fake) GetStatus(_ context.Context, h broker.TradeHandle) (broker.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.StatusErr != nil {
		return broker.Status{}, f.StatusErr
	}
	st, ok := f.statuses[h.TradeID]
	if !ok {
		return broker.Status{}, broker.NewError(broker.KindNotFound, f.name, "get status", fmt.Errorf("unknown trade %s", h.TradeID))
	}
	return st, nil
}

func (f *Fake) GetClosedHistory(_ context.Context, limit int) ([]broker.ClosedTrade, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := f.history
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return append([]broker.ClosedTrade(nil), out...), nil
}
