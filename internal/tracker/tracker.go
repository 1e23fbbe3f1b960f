// Package tracker owns every open trade from fill to close. Each cycle it
// reloads the open records, asks the broker where each position stands and
// applies the lifecycle rules: auto-close, max hold, scale-out, break-even,
// and finally the one terminal write.
package tracker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/camuig/trade-tracker/internal/broker"
	"github.com/camuig/trade-tracker/internal/config"
	"github.com/camuig/trade-tracker/internal/instrument"
	"github.com/camuig/trade-tracker/internal/logger"
	"github.com/camuig/trade-tracker/internal/storage"
)

type Notifier interface {
	NotifyEvent(t *storage.Trade, event, message string)
	NotifyClosed(t *storage.Trade, outcome string, pnl float64)
	NotifyError(context string, err error)
}

type Options struct {
	Interval    time.Duration
	Concurrency int
	AutoClose   instrument.AutoCloseRule
	// Clock defaults to time.Now.
	Clock func() time.Time
}

// OptionsFromConfig maps the tracker section of the config file.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Interval:    cfg.TrackerInterval(),
		Concurrency: cfg.Tracker.Concurrency,
		AutoClose: instrument.AutoCloseRule{
			Window:        cfg.AutoCloseWindow(),
			WeekendCutoff: cfg.WeekendCloseUTC(),
		},
	}
}

type Tracker struct {
	brokers  *broker.Registry
	catalog  *instrument.Catalog
	repo     *storage.Repository
	notifier Notifier
	opts     Options
	logger   *logger.Logger
	now      func() time.Time
}

func New(
	brokers *broker.Registry,
	catalog *instrument.Catalog,
	repo *storage.Repository,
	notifier Notifier,
	opts Options,
	log *logger.Logger,
) *Tracker {
	if opts.Interval <= 0 {
		opts.Interval = 30 * time.Second
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	now := opts.Clock
	if now == nil {
		now = time.Now
	}
	return &Tracker{
		brokers:  brokers,
		catalog:  catalog,
		repo:     repo,
		notifier: notifier,
		opts:     opts,
		logger:   log,
		now:      now,
	}
}

// CycleReport counts what one pass over the open trades did.
type CycleReport struct {
	Open   int
	Closed int
	Errors int
}

func (t *Tracker) Run(ctx context.Context) {
	ticker := time.NewTicker(t.opts.Interval)
	defer ticker.Stop()

	t.logger.Info("tracker started", "interval", t.opts.Interval.String(), "concurrency", t.opts.Concurrency)

	t.runCycle(ctx)

	for {
		select {
		case <-ctx.Done():
			t.logger.Info("tracker stopped")
			return
		case <-ticker.C:
			t.runCycle(ctx)
		}
	}
}

// Start runs the loop in its own goroutine. The returned channel is closed
// once Run has returned, after any in-flight cycle.
func (t *Tracker) Start(ctx context.Context) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		t.Run(ctx)
	}()
	return done
}

func (t *Tracker) runCycle(ctx context.Context) {
	report, err := t.RunCycle(ctx)
	if err != nil {
		t.logger.Error("tracker cycle skipped", "error", err)
		return
	}
	if report.Open > 0 {
		t.logger.Info("tracker cycle done", "open", report.Open, "closed", report.Closed, "errors", report.Errors)
	}
}

// RunCycle processes every open trade once. Trades are handled independently:
// an error or panic on one is logged and the trade stays open for the next
// cycle. A store failure while listing skips the whole cycle.
func (t *Tracker) RunCycle(ctx context.Context) (CycleReport, error) {
	trades, err := t.repo.ListOpen(ctx)
	if err != nil {
		return CycleReport{}, fmt.Errorf("list open trades: %w", err)
	}

	report := CycleReport{Open: len(trades)}
	var (
		mu  sync.Mutex
		wg  sync.WaitGroup
		sem = make(chan struct{}, t.opts.Concurrency)
	)

	for i := range trades {
		wg.Add(1)
		sem <- struct{}{}

		go func(tr storage.Trade) {
			defer wg.Done()
			defer func() { <-sem }()

			closed, err := t.processSafe(ctx, &tr)

			mu.Lock()
			defer mu.Unlock()
			if closed {
				report.Closed++
			}
			if err != nil {
				report.Errors++
			}
		}(trades[i])
	}
	wg.Wait()

	return report, nil
}

func (t *Tracker) processSafe(ctx context.Context, tr *storage.Trade) (closed bool, err error) {
	log := t.logger.ForTrade(tr.ID, tr.Broker, tr.Instrument)
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			log.Error("panic while tracking trade", "panic", fmt.Sprint(r))
			t.notifier.NotifyError("tracker "+tr.Instrument, err)
		}
	}()

	closed, err = t.process(ctx, tr, log)
	if err != nil {
		if broker.IsTransient(err) {
			log.Warn("broker unavailable, retrying next cycle", "error", err)
		} else {
			log.Error("track trade", "error", err)
		}
	}
	return closed, err
}

func (t *Tracker) process(ctx context.Context, tr *storage.Trade, log *logger.Logger) (bool, error) {
	client, err := t.brokers.Get(tr.Broker)
	if err != nil {
		return false, err
	}

	if tr.BrokerTradeID == nil || *tr.BrokerTradeID == "" {
		log.Debug("no broker trade id, left for reconciliation")
		return false, nil
	}

	st, err := client.GetStatus(ctx, tr.Handle())
	if err != nil {
		return false, fmt.Errorf("get status: %w", err)
	}
	if st.State == broker.StateClosed {
		return t.finalize(ctx, tr, st, log)
	}

	now := t.now()
	spec := t.catalog.Lookup(tr.Instrument)

	if ok, reason := t.opts.AutoClose.ShouldClose(spec, now); ok {
		return t.forceClose(ctx, client, tr, storage.OutcomeAutoClosed, reason, storage.EventAutoClosed, log)
	}
	if tr.MaxHoldUntil != nil && !now.Before(*tr.MaxHoldUntil) {
		return t.forceClose(ctx, client, tr, storage.OutcomeMaxHoldExpired, storage.OutcomeMaxHoldExpired, storage.EventForceClosed, log)
	}

	var acted bool
	if tr.ScalingEnabled {
		acted, err = t.scaleOut(ctx, client, spec, tr, st, log)
	} else {
		acted, err = t.breakeven(ctx, client, spec, tr, log)
	}
	if err != nil || !acted {
		return false, err
	}

	// A partial close or stop move can end the position at the broker.
	st, err = client.GetStatus(ctx, tr.Handle())
	if err != nil {
		return false, fmt.Errorf("get status after update: %w", err)
	}
	if st.State == broker.StateClosed {
		return t.finalize(ctx, tr, st, log)
	}
	return false, nil
}

// CloseAll closes every open trade at market with outcome manual_close.
func (t *Tracker) CloseAll(ctx context.Context, reason string) (closed, failed int, err error) {
	trades, err := t.repo.ListOpen(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("list open trades: %w", err)
	}

	for i := range trades {
		tr := &trades[i]
		log := t.logger.ForTrade(tr.ID, tr.Broker, tr.Instrument)

		client, err := t.brokers.Get(tr.Broker)
		if err != nil {
			log.Error("close all", "error", err)
			failed++
			continue
		}
		if tr.BrokerTradeID == nil || *tr.BrokerTradeID == "" {
			log.Warn("no broker trade id, cannot close")
			failed++
			continue
		}

		ok, err := t.forceClose(ctx, client, tr, storage.OutcomeManualClose, reason, storage.EventForceClosed, log)
		if err != nil {
			log.Error("close all", "error", err)
			failed++
			continue
		}
		if ok {
			closed++
		}
	}
	return closed, failed, nil
}
