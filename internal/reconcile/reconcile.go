// Package reconcile repairs trade records whose close the tracker never saw by
// pairing them with the broker's closed-trade history.
package reconcile

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/camuig/trade-tracker/internal/broker"
	"github.com/camuig/trade-tracker/internal/config"
	"github.com/camuig/trade-tracker/internal/instrument"
	"github.com/camuig/trade-tracker/internal/logger"
	"github.com/camuig/trade-tracker/internal/storage"
)

const CloseReason = "reconciled"

type Settings struct {
	HistoryLimit   int
	PriceTolerance float64
	TimeWindow     time.Duration
}

func SettingsFromConfig(cfg *config.Config) Settings {
	return Settings{
		HistoryLimit:   cfg.Reconcile.HistoryLimit,
		PriceTolerance: cfg.Reconcile.PriceTolerance,
		TimeWindow:     cfg.ReconcileWindow(),
	}
}

type Options struct {
	// All widens the candidates from unlinked records to every open record.
	All bool
	// Limit caps the broker history fetched per broker; 0 uses the configured limit.
	Limit  int
	DryRun bool
}

type Match struct {
	TradeID       string  `json:"trade_id"`
	BrokerTradeID string  `json:"broker_trade_id"`
	Score         float64 `json:"score"`
	Outcome       string  `json:"outcome"`
	RealizedPnL   float64 `json:"realized_pnl"`
}

type Summary struct {
	Total        int      `json:"total"`
	Matched      int      `json:"matched"`
	Unmatched    int      `json:"unmatched"`
	UnmatchedIDs []string `json:"unmatched_ids"`
	// Skipped counts matches not written because the record was closed
	// in the meantime.
	Skipped int     `json:"skipped"`
	DryRun  bool    `json:"dry_run"`
	Matches []Match `json:"matches"`
}

type Job struct {
	brokers  *broker.Registry
	catalog  *instrument.Catalog
	repo     *storage.Repository
	settings Settings
	logger   *logger.Logger
}

func NewJob(brokers *broker.Registry, catalog *instrument.Catalog, repo *storage.Repository, settings Settings, log *logger.Logger) *Job {
	return &Job{
		brokers:  brokers,
		catalog:  catalog,
		repo:     repo,
		settings: settings,
		logger:   log,
	}
}

// Run pairs unresolved records with closed broker trades and writes back the
// outcome of every pair. Records without a candidate inside the tolerances are
// reported, never guessed.
func (j *Job) Run(ctx context.Context, opts Options) (Summary, error) {
	records, err := j.repo.Unresolved(ctx, opts.All)
	if err != nil {
		return Summary{}, fmt.Errorf("list unresolved trades: %w", err)
	}

	summary := Summary{Total: len(records), DryRun: opts.DryRun, UnmatchedIDs: []string{}, Matches: []Match{}}
	if len(records) == 0 {
		return summary, nil
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = j.settings.HistoryLimit
	}

	byBroker := make(map[string][]storage.Trade)
	for _, r := range records {
		byBroker[r.Broker] = append(byBroker[r.Broker], r)
	}
	names := make([]string, 0, len(byBroker))
	for name := range byBroker {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		group := byBroker[name]

		client, err := j.brokers.Get(name)
		if err != nil {
			return summary, err
		}
		history, err := client.GetClosedHistory(ctx, limit)
		if err != nil {
			return summary, fmt.Errorf("closed history %s: %w", name, err)
		}
		linked, err := j.repo.LinkedBrokerIDs(ctx, name)
		if err != nil {
			return summary, fmt.Errorf("linked broker ids %s: %w", name, err)
		}
		// A candidate's own broker id stays available to it.
		for _, r := range group {
			if r.BrokerTradeID != nil {
				delete(linked, *r.BrokerTradeID)
			}
		}

		available := make([]broker.ClosedTrade, 0, len(history))
		for _, ct := range history {
			if !linked[ct.ID] {
				available = append(available, ct)
			}
		}

		pairs := match(group, available, j.tolerance, j.settings.TimeWindow)
		j.logger.Info("reconciliation candidates",
			"broker", name, "records", len(group), "history", len(history), "available", len(available), "pairs", len(pairs))

		for i := range group {
			r := &group[i]
			p, ok := pairs[r.ID]
			if !ok {
				summary.Unmatched++
				summary.UnmatchedIDs = append(summary.UnmatchedIDs, r.ID)
				j.logger.Warn("no broker trade within tolerance", "trade_id", r.ID, "instrument", r.Instrument)
				continue
			}

			m := Match{
				TradeID:       r.ID,
				BrokerTradeID: p.trade.ID,
				Score:         p.score,
				Outcome:       storage.OutcomeFromPnL(p.trade.RealizedPnL),
				RealizedPnL:   p.trade.RealizedPnL,
			}
			if !opts.DryRun {
				applied, err := j.write(ctx, r, p)
				if err != nil {
					return summary, err
				}
				if !applied {
					summary.Skipped++
					continue
				}
			}
			summary.Matched++
			summary.Matches = append(summary.Matches, m)
		}
	}

	j.logger.Info("reconciliation done",
		"total", summary.Total, "matched", summary.Matched, "unmatched", summary.Unmatched,
		"skipped", summary.Skipped, "dry_run", opts.DryRun)
	return summary, nil
}

func (j *Job) tolerance(inst string) float64 {
	if spec := j.catalog.Lookup(inst); spec.MatchTolerance > 0 {
		return spec.MatchTolerance
	}
	return j.settings.PriceTolerance
}

func (j *Job) write(ctx context.Context, r *storage.Trade, p pair) (bool, error) {
	ct := p.trade
	closeTime := ct.CloseTime
	if closeTime.IsZero() {
		closeTime = time.Now().UTC()
	}

	c := storage.Closing{
		Outcome:       storage.OutcomeFromPnL(ct.RealizedPnL),
		Reason:        CloseReason,
		RealizedPnL:   ct.RealizedPnL,
		Time:          closeTime.UTC(),
		BrokerTradeID: ct.ID,
	}
	if ct.OpenPrice > 0 {
		c.FillPrice = storage.Ptr(ct.OpenPrice)
	}

	ev := storage.NewEvent(r.ID, storage.EventReconciled,
		fmt.Sprintf("matched broker trade %s: %s (P&L %.2f)", ct.ID, c.Outcome, ct.RealizedPnL),
		map[string]any{
			"broker_trade_id": ct.ID,
			"score":           p.score,
			"open_price":      ct.OpenPrice,
			"realized_pnl":    ct.RealizedPnL,
			"outcome":         c.Outcome,
		})

	applied, err := j.repo.Finalize(ctx, r.ID, c, &ev)
	if err != nil {
		return false, fmt.Errorf("write reconciled trade %s: %w", r.ID, err)
	}
	return applied, nil
}

type pair struct {
	trade broker.ClosedTrade
	score float64
}

// match pairs records with closed trades greedily, record by record in the
// given order. A record already carrying a broker id takes that trade when it
// is in the history and nothing else; an unlinked record takes the lowest
// scoring candidate. Every trade is used at most once.
func match(records []storage.Trade, history []broker.ClosedTrade, tolerance func(string) float64, window time.Duration) map[string]pair {
	used := make([]bool, len(history))
	out := make(map[string]pair)

	for _, r := range records {
		if r.BrokerTradeID == nil || *r.BrokerTradeID == "" {
			continue
		}
		for i, ct := range history {
			if !used[i] && ct.ID == *r.BrokerTradeID {
				used[i] = true
				out[r.ID] = pair{trade: ct}
				break
			}
		}
	}

	for _, r := range records {
		// A linked record whose trade is absent from the history is most
		// likely still open at the broker; it never takes another trade.
		if r.BrokerTradeID != nil && *r.BrokerTradeID != "" {
			continue
		}
		if _, ok := out[r.ID]; ok {
			continue
		}

		price := r.Handle().EntryPrice
		tol := tolerance(r.Instrument)
		best, bestScore := -1, math.Inf(1)

		for i, ct := range history {
			if used[i] || string(ct.Direction) != r.Direction {
				continue
			}
			if ct.Instrument != "" && r.Instrument != "" && ct.Instrument != r.Instrument {
				continue
			}

			diff := math.Abs(ct.OpenPrice - price)
			if diff > tol {
				continue
			}
			score := diff
			if !ct.OpenTime.IsZero() && !r.OpenedAt.IsZero() {
				dt := ct.OpenTime.Sub(r.OpenedAt)
				if dt < 0 {
					dt = -dt
				}
				if dt > window {
					continue
				}
				score += dt.Minutes()
			}

			if score < bestScore {
				best, bestScore = i, score
			}
		}

		if best >= 0 {
			used[best] = true
			out[r.ID] = pair{trade: history[best], score: bestScore}
		}
	}
	return out
}
