package storage

import (
	"time"

	"gorm.io/datatypes"

	"github.com/camuig/trade-tracker/internal/broker"
)

const (
	OutcomeOpen           = "open"
	OutcomeWin            = "win"
	OutcomeLoss           = "loss"
	OutcomeBreakeven      = "breakeven"
	OutcomeAutoClosed     = "auto_closed"
	OutcomeMaxHoldExpired = "max_hold_expired"
	OutcomeManualClose    = "manual_close"
)

const (
	EventOpened      = "OPENED"
	EventBreakeven   = "BREAKEVEN"
	EventScalingTP1  = "SCALING_TP1"
	EventScalingTP2  = "SCALING_TP2"
	EventAutoClosed  = "AUTO_CLOSED"
	EventForceClosed = "FORCE_CLOSED"
	EventClosed      = "CLOSED"
	EventReconciled  = "RECONCILED"
)

// Trade is one opened position. Strategy code creates it with outcome "open";
// from then on only the tracker and the reconciliation job write to it.
type Trade struct {
	ID        string    `gorm:"primaryKey;size:26" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Strategy      string  `gorm:"index" json:"strategy"`
	Broker        string  `gorm:"index;not null" json:"broker"`
	BrokerTradeID *string `gorm:"column:broker_trade_id;index" json:"broker_trade_id"`
	// Separate protective orders, kraken only.
	StopOrderID       *string `gorm:"column:stop_order_id" json:"stop_order_id,omitempty"`
	TakeProfitOrderID *string `gorm:"column:take_profit_order_id" json:"take_profit_order_id,omitempty"`

	Instrument string   `gorm:"index;not null" json:"instrument"`
	Direction  string   `gorm:"not null" json:"direction"` // LONG or SHORT
	Entry      float64  `gorm:"not null" json:"entry"`
	FillPrice  *float64 `json:"fill_price"`
	SL         float64  `gorm:"column:sl" json:"sl"`
	TP         float64  `gorm:"column:tp" json:"tp"`

	Units        float64 `json:"units"` // negative for SHORT
	InitialUnits float64 `json:"initial_units"`
	Step         float64 `json:"step"`
	RiskR        float64 `gorm:"column:risk_r" json:"risk_r"`

	ScalingEnabled   bool       `json:"scaling_enabled"`
	ScalingStep      int        `gorm:"not null;default:0" json:"scaling_step"`
	BreakevenApplied bool       `json:"breakeven_applied"`
	SLOriginal       *float64   `gorm:"column:sl_original" json:"sl_original"`
	MaxHoldUntil     *time.Time `json:"max_hold_until"`

	Outcome       string     `gorm:"index;not null;default:'open'" json:"outcome"`
	ClosePrice    *float64   `json:"close_price"`
	CloseSlippage *float64   `json:"close_slippage"`
	CloseReason   *string    `json:"close_reason"`
	RealizedPnL   *float64   `gorm:"column:realized_pnl" json:"realized_pnl"`
	CloseTime     *time.Time `json:"close_time"`

	// PartialPnL accumulates the realized result of scale-out legs while the
	// trade is still open.
	PartialPnL float64 `gorm:"column:partial_pnl;not null;default:0" json:"partial_pnl"`

	RiskAmount      float64 `json:"risk_amount"`
	AccountCurrency string  `json:"account_currency"`

	// OpenedAt is the record timestamp reconciliation compares against the
	// broker's open time.
	OpenedAt time.Time `gorm:"index" json:"opened_at"`
}

func (t *Trade) IsOpen() bool { return t.Outcome == OutcomeOpen }

// OutcomeFromPnL classifies a closed trade by the sign of its realized result.
func OutcomeFromPnL(pnl float64) string {
	switch {
	case pnl > 0:
		return OutcomeWin
	case pnl < 0:
		return OutcomeLoss
	}
	return OutcomeBreakeven
}

// Handle rebuilds the broker handle for this record.
func (t *Trade) Handle() broker.TradeHandle {
	units := t.Units
	if units < 0 {
		units = -units
	}
	entry := t.Entry
	if t.FillPrice != nil {
		entry = *t.FillPrice
	}
	return broker.TradeHandle{
		TradeID:           deref(t.BrokerTradeID),
		StopOrderID:       deref(t.StopOrderID),
		TakeProfitOrderID: deref(t.TakeProfitOrderID),
		Instrument:        t.Instrument,
		Direction:         broker.Direction(t.Direction),
		Units:             units,
		EntryPrice:        entry,
	}
}

// OriginalSL is the stop the trade was opened with.
func (t *Trade) OriginalSL() float64 {
	if t.SLOriginal != nil {
		return *t.SLOriginal
	}
	return t.SL
}

type TradeEvent struct {
	ID        uint           `gorm:"primarykey" json:"id"`
	TradeID   string         `gorm:"index;not null;size:26" json:"trade_id"`
	Type      string         `gorm:"index;not null" json:"type"`
	Message   string         `gorm:"type:text" json:"message"`
	Payload   datatypes.JSON `json:"payload,omitempty"`
	Timestamp time.Time      `gorm:"index" json:"timestamp"`
}

// Setting is the risk budget for one account currency.
type Setting struct {
	AccountCurrency string    `gorm:"primaryKey;size:8" json:"account_currency"`
	RiskAmount      float64   `gorm:"not null" json:"risk_amount"`
	UpdatedAt       time.Time `json:"updated_at"`
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func Ptr[T any](v T) *T { return &v }
