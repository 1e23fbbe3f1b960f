package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var ErrNotFound = errors.New("trade not found")

type Repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

func NewID() string {
	return ulid.Make().String()
}

// NewEvent builds an event; payload is stored as JSON.
func NewEvent(tradeID, typ, message string, payload any) TradeEvent {
	ev := TradeEvent{TradeID: tradeID, Type: typ, Message: message, Timestamp: time.Now().UTC()}
	if payload != nil {
		if b, err := json.Marshal(payload); err == nil {
			ev.Payload = datatypes.JSON(b)
		}
	}
	return ev
}

// Closing is the terminal write for a trade.
type Closing struct {
	Outcome     string
	Reason      string
	RealizedPnL float64
	Time        time.Time
	Price       *float64
	Slippage    *float64
	// Set by reconciliation, which learns the broker id and fill late.
	BrokerTradeID string
	FillPrice     *float64
}

// Trades

// CreateTrade inserts an open trade together with its first event.
func (r *Repository) CreateTrade(ctx context.Context, t *Trade, ev *TradeEvent) error {
	if t.ID == "" {
		t.ID = NewID()
	}
	if t.Outcome == "" {
		t.Outcome = OutcomeOpen
	}
	if t.OpenedAt.IsZero() {
		t.OpenedAt = time.Now().UTC()
	}

	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(t).Error; err != nil {
			return fmt.Errorf("insert trade: %w", err)
		}
		if ev != nil {
			ev.TradeID = t.ID
			if err := tx.Create(ev).Error; err != nil {
				return fmt.Errorf("insert event: %w", err)
			}
		}
		return nil
	})
}

func (r *Repository) GetTrade(ctx context.Context, id string) (*Trade, error) {
	var t Trade
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&t).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (r *Repository) ListOpen(ctx context.Context) ([]Trade, error) {
	var trades []Trade
	err := r.db.WithContext(ctx).
		Where("outcome = ?", OutcomeOpen).
		Order("opened_at ASC").
		Find(&trades).Error
	return trades, err
}

func (r *Repository) GetRecentTrades(ctx context.Context, limit int) ([]Trade, error) {
	var trades []Trade
	err := r.db.WithContext(ctx).Order("opened_at DESC").Limit(limit).Find(&trades).Error
	return trades, err
}

// Transition updates fields of a still-open trade and appends ev in the same
// transaction. It reports false, writing nothing, when the trade is no longer
// open.
func (r *Repository) Transition(ctx context.Context, id string, fields map[string]any, ev *TradeEvent) (bool, error) {
	applied := false
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&Trade{}).
			Where("id = ? AND outcome = ?", id, OutcomeOpen).
			Updates(fields)
		if res.Error != nil {
			return fmt.Errorf("update trade: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return nil
		}
		applied = true
		if ev != nil {
			ev.TradeID = id
			if err := tx.Create(ev).Error; err != nil {
				return fmt.Errorf("insert event: %w", err)
			}
		}
		return nil
	})
	return applied && err == nil, err
}

// Finalize performs the single terminal write. A trade that already carries
// a terminal outcome is left untouched and false is returned.
func (r *Repository) Finalize(ctx context.Context, id string, c Closing, ev *TradeEvent) (bool, error) {
	if c.Outcome == "" || c.Outcome == OutcomeOpen {
		return false, fmt.Errorf("finalize %s: outcome %q is not terminal", id, c.Outcome)
	}
	if c.Time.IsZero() {
		c.Time = time.Now().UTC()
	}

	fields := map[string]any{
		"outcome":      c.Outcome,
		"close_reason": c.Reason,
		"realized_pnl": c.RealizedPnL,
		"close_time":   c.Time,
	}
	if c.Price != nil {
		fields["close_price"] = *c.Price
	}
	if c.Slippage != nil {
		fields["close_slippage"] = *c.Slippage
	}
	if c.BrokerTradeID != "" {
		fields["broker_trade_id"] = c.BrokerTradeID
	}
	if c.FillPrice != nil {
		fields["fill_price"] = *c.FillPrice
	}

	return r.Transition(ctx, id, fields, ev)
}

// Unresolved lists open trades for reconciliation: by default only those the
// tracker cannot follow because no broker id was ever recorded.
func (r *Repository) Unresolved(ctx context.Context, all bool) ([]Trade, error) {
	q := r.db.WithContext(ctx).Where("outcome = ?", OutcomeOpen)
	if !all {
		q = q.Where("(broker_trade_id IS NULL OR broker_trade_id = '')")
	}
	var trades []Trade
	err := q.Order("opened_at ASC").Find(&trades).Error
	return trades, err
}

// LinkedBrokerIDs returns the broker trade ids already attached to a record.
func (r *Repository) LinkedBrokerIDs(ctx context.Context, brokerName string) (map[string]bool, error) {
	var ids []string
	err := r.db.WithContext(ctx).Model(&Trade{}).
		Where("broker = ? AND broker_trade_id IS NOT NULL AND broker_trade_id <> ''", brokerName).
		Pluck("broker_trade_id", &ids).Error
	if err != nil {
		return nil, err
	}
	out := make(map[string]bool, len(ids))
	for _, id := range ids {
		out[id] = true
	}
	return out, nil
}

// DeleteTrade removes a trade and all of its events.
func (r *Repository) DeleteTrade(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("trade_id = ?", id).Delete(&TradeEvent{}).Error; err != nil {
			return fmt.Errorf("delete events: %w", err)
		}
		res := tx.Where("id = ?", id).Delete(&Trade{})
		if res.Error != nil {
			return fmt.Errorf("delete trade: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
}

func (r *Repository) GetTotalPnL(ctx context.Context) (float64, error) {
	var total float64
	err := r.db.WithContext(ctx).Model(&Trade{}).
		Where("outcome <> ?", OutcomeOpen).
		Select("COALESCE(SUM(realized_pnl), 0)").Scan(&total).Error
	return total, err
}

// OutcomeCounts groups all trades by outcome.
func (r *Repository) OutcomeCounts(ctx context.Context) (map[string]int64, error) {
	var rows []struct {
		Outcome string
		N       int64
	}
	err := r.db.WithContext(ctx).Model(&Trade{}).
		Select("outcome, COUNT(*) AS n").Group("outcome").Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(rows))
	for _, row := range rows {
		out[row.Outcome] = row.N
	}
	return out, nil
}

// Events

func (r *Repository) AppendEvent(ctx context.Context, ev *TradeEvent) error {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	return r.db.WithContext(ctx).Create(ev).Error
}

func (r *Repository) ListEvents(ctx context.Context, tradeID string) ([]TradeEvent, error) {
	var events []TradeEvent
	err := r.db.WithContext(ctx).
		Where("trade_id = ?", tradeID).
		Order("timestamp ASC, id ASC").
		Find(&events).Error
	return events, err
}

// Settings

// SeedRiskBudgets inserts budgets for currencies that have none yet; existing
// rows are kept.
func (r *Repository) SeedRiskBudgets(ctx context.Context, budgets map[string]float64) error {
	for cur, amount := range budgets {
		s := Setting{AccountCurrency: cur, RiskAmount: amount}
		err := r.db.WithContext(ctx).
			Clauses(clause.OnConflict{DoNothing: true}).
			Create(&s).Error
		if err != nil {
			return fmt.Errorf("seed risk budget %s: %w", cur, err)
		}
	}
	return nil
}

func (r *Repository) RiskBudget(ctx context.Context, currency string) (float64, error) {
	var s Setting
	err := r.db.WithContext(ctx).Where("account_currency = ?", currency).First(&s).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, fmt.Errorf("no risk budget for %s", currency)
	}
	if err != nil {
		return 0, err
	}
	return s.RiskAmount, nil
}

func (r *Repository) SetRiskBudget(ctx context.Context, currency string, amount float64) error {
	s := Setting{AccountCurrency: currency, RiskAmount: amount}
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(&s).Error
}
