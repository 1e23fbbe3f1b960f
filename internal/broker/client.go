// Package broker defines the capability set the tracker drives on every
// broker: pricing, order entry, full or partial close, stop modification,
// trade status and closed-trade history.
package broker

import (
	"context"
	"fmt"
	"time"
)

type Direction string

const (
	Long  Direction = "LONG"
	Short Direction = "SHORT"
)

// Sign is +1 for LONG and -1 for SHORT.
func (d Direction) Sign() float64 {
	if d == Short {
		return -1
	}
	return 1
}

func (d Direction) Opposite() Direction {
	if d == Short {
		return Long
	}
	return Short
}

func ParseDirection(s string) (Direction, error) {
	switch Direction(s) {
	case Long, Short:
		return Direction(s), nil
	}
	return "", fmt.Errorf("unknown direction %q", s)
}

type State string

const (
	StateOpen   State = "OPEN"
	StateClosed State = "CLOSED"
)

// TradeHandle identifies a live position on its broker. StopOrderID and
// TakeProfitOrderID are only set by brokers that place protective orders as
// separate legs.
type TradeHandle struct {
	TradeID           string
	StopOrderID       string
	TakeProfitOrderID string
	Instrument        string
	Direction         Direction
	// Units is the unsigned size currently open.
	Units float64
	// EntryPrice is used by brokers that do not report realized PnL themselves.
	EntryPrice float64
}

type OrderRequest struct {
	Instrument string
	Direction  Direction
	// Units is unsigned; the backend applies the direction.
	Units      float64
	StopLoss   float64
	TakeProfit float64
}

type Fill struct {
	Handle    TradeHandle
	FillPrice float64
	Units     float64
}

type CloseResult struct {
	RealizedPnL float64
	Price       float64
	// Handle is the handle to use after a partial close. Brokers that resize
	// protective orders by replacing them report the new order ids here.
	Handle TradeHandle
}

type Status struct {
	State          State
	RealizedPnL    float64
	AvgClosePrice  float64
	UnitsRemaining float64
	ClosedByTP     bool
	ClosedBySL     bool
	// Known is false when the broker cannot tell which order closed the trade.
	Known bool
	// Cumulative is set when RealizedPnL already includes earlier partial
	// closes of the same trade.
	Cumulative bool
}

type ClosedTrade struct {
	ID          string
	Instrument  string
	Direction   Direction
	OpenPrice   float64
	OpenTime    time.Time
	CloseTime   time.Time
	RealizedPnL float64
}

// Client is implemented once per broker.
type Client interface {
	Name() string
	// GetLatestPrice fails with KindPriceUnavailable when no quote is returned.
	GetLatestPrice(ctx context.Context, instrument string) (float64, error)
	CreateOrder(ctx context.Context, req OrderRequest) (Fill, error)
	// Close closes everything when units is nil, else the given partial size.
	Close(ctx context.Context, h TradeHandle, units *float64) (CloseResult, error)
	// ModifyStop returns the handle to use from now on; brokers that replace
	// the stop order hand back a new StopOrderID.
	ModifyStop(ctx context.Context, h TradeHandle, price float64) (TradeHandle, error)
	GetStatus(ctx context.Context, h TradeHandle) (Status, error)
	GetClosedHistory(ctx context.Context, limit int) ([]ClosedTrade, error)
	// CurrencyPair returns the broker symbol quoting base in quote, or "" when
	// the broker has no such market.
	CurrencyPair(base, quote string) string
}
