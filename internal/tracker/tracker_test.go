package tracker

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/camuig/trade-tracker/internal/broker"
	"github.com/camuig/trade-tracker/internal/broker/brokertest"
	"github.com/camuig/trade-tracker/internal/config"
	"github.com/camuig/trade-tracker/internal/instrument"
	"github.com/camuig/trade-tracker/internal/logger"
	"github.com/camuig/trade-tracker/internal/storage"
)

// Wednesday, 08:00 in New York: no session or weekend rule applies.
var midweek = time.Date(2026, time.March, 11, 12, 0, 0, 0, time.UTC)

type recordingNotifier struct {
	mu     sync.Mutex
	events []string
	closed []string
	errs   []error
}

func (n *recordingNotifier) NotifyEvent(_ *storage.Trade, event, _ string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
}

func (n *recordingNotifier) NotifyClosed(_ *storage.Trade, outcome string, _ float64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.closed = append(n.closed, outcome)
}

func (n *recordingNotifier) NotifyError(_ string, err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.errs = append(n.errs, err)
}

type harness struct {
	tracker  *Tracker
	fake     *brokertest.Fake
	repo     *storage.Repository
	notifier *recordingNotifier
	now      time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	db, err := storage.NewDatabase(filepath.Join(t.TempDir(), "tracker.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = storage.Close(db) })

	catalog, err := instrument.NewCatalog(map[string]config.InstrumentConfig{
		"TEST_USD": {Step: 0.1},
	})
	require.NoError(t, err)

	h := &harness{
		fake:     brokertest.New(instrument.BrokerOanda),
		repo:     storage.NewRepository(db),
		notifier: &recordingNotifier{},
		now:      midweek,
	}
	h.tracker = New(broker.NewRegistry(h.fake), catalog, h.repo, h.notifier, Options{
		Concurrency: 2,
		AutoClose:   instrument.AutoCloseRule{Window: 5 * time.Minute, WeekendCutoff: 20*60 + 55},
		Clock:       func() time.Time { return h.now },
	}, logger.Discard())
	return h
}

// open stores a LONG TEST_USD trade at 100 with its stop at 95 and registers
// it as open at the fake broker under brokerID.
func (h *harness) open(t *testing.T, brokerID string, mutate func(*storage.Trade)) *storage.Trade {
	t.Helper()
	tr := &storage.Trade{
		Strategy:        "test",
		Broker:          instrument.BrokerOanda,
		BrokerTradeID:   storage.Ptr(brokerID),
		Instrument:      "TEST_USD",
		Direction:       string(broker.Long),
		Entry:           100,
		FillPrice:       storage.Ptr(100.0),
		SL:              95,
		TP:              110,
		Units:           1,
		InitialUnits:    1,
		Step:            0.1,
		RiskR:           5,
		SLOriginal:      storage.Ptr(95.0),
		RiskAmount:      5,
		AccountCurrency: "USD",
	}
	if mutate != nil {
		mutate(tr)
	}
	require.NoError(t, h.repo.CreateTrade(context.Background(), tr, nil))

	units := tr.Units
	if units < 0 {
		units = -units
	}
	h.fake.SetStatus(brokerID, broker.Status{State: broker.StateOpen, UnitsRemaining: units, Known: true, Cumulative: true})
	return tr
}

func (h *harness) cycle(t *testing.T) CycleReport {
	t.Helper()
	report, err := h.tracker.RunCycle(context.Background())
	require.NoError(t, err)
	return report
}

func (h *harness) get(t *testing.T, id string) *storage.Trade {
	t.Helper()
	tr, err := h.repo.GetTrade(context.Background(), id)
	require.NoError(t, err)
	return tr
}

func (h *harness) eventTypes(t *testing.T, id string) []string {
	t.Helper()
	events, err := h.repo.ListEvents(context.Background(), id)
	require.NoError(t, err)
	types := make([]string, 0, len(events))
	for _, ev := range events {
		types = append(types, ev.Type)
	}
	return types
}

func TestBreakevenThenStopHit(t *testing.T) {
	h := newHarness(t)
	tr := h.open(t, "B1", nil)

	h.fake.SetPrice("TEST_USD", 102.5)
	report := h.cycle(t)
	assert.Equal(t, CycleReport{Open: 1}, report)

	got := h.get(t, tr.ID)
	assert.True(t, got.BreakevenApplied)
	assert.InDelta(t, 100.1, got.SL, 1e-9)
	assert.Equal(t, 95.0, *got.SLOriginal)
	assert.True(t, got.IsOpen())
	require.Len(t, h.fake.Modifies, 1)
	assert.InDelta(t, 100.1, h.fake.Modifies[0].Price, 1e-9)

	// Price falls back and the moved stop is hit at the broker.
	h.fake.SetPrice("TEST_USD", 100.1)
	h.fake.SetStatus("B1", broker.Status{
		State: broker.StateClosed, RealizedPnL: 0.1, AvgClosePrice: 100.1,
		ClosedBySL: true, Known: true, Cumulative: true,
	})
	report = h.cycle(t)
	assert.Equal(t, 1, report.Closed)

	got = h.get(t, tr.ID)
	assert.Equal(t, storage.OutcomeBreakeven, got.Outcome)
	assert.Equal(t, "stop_loss", *got.CloseReason)
	assert.InDelta(t, 0.1, *got.RealizedPnL, 1e-9)
	assert.InDelta(t, 0, *got.CloseSlippage, 1e-9)
	assert.Equal(t, []string{storage.EventBreakeven, storage.EventClosed}, h.eventTypes(t, tr.ID))

	// Closed trades are no longer listed.
	assert.Equal(t, CycleReport{}, h.cycle(t))
}

func TestBreakevenBelowHalfR(t *testing.T) {
	h := newHarness(t)
	tr := h.open(t, "B1", nil)

	h.fake.SetPrice("TEST_USD", 102.4)
	h.cycle(t)

	assert.False(t, h.get(t, tr.ID).BreakevenApplied)
	_, _, modifies := h.fake.Calls()
	assert.Zero(t, modifies)
}

func TestRejectedStopMoveIsRetried(t *testing.T) {
	h := newHarness(t)
	tr := h.open(t, "B1", nil)
	h.fake.SetPrice("TEST_USD", 103)
	h.fake.ModifyErr = broker.NewError(broker.KindModifyRejected, "oanda", "modify stop", errors.New("STOP_LOSS_ON_FILL_PRICE_INVALID"))

	report := h.cycle(t)
	assert.Zero(t, report.Errors)

	got := h.get(t, tr.ID)
	assert.False(t, got.BreakevenApplied)
	assert.Equal(t, 95.0, got.SL)
	assert.Empty(t, h.eventTypes(t, tr.ID))

	h.fake.ModifyErr = nil
	h.cycle(t)

	got = h.get(t, tr.ID)
	assert.True(t, got.BreakevenApplied)
	assert.InDelta(t, 100.1, got.SL, 1e-9)
}

func TestScalingIsMonotonic(t *testing.T) {
	h := newHarness(t)
	tr := h.open(t, "B1", func(tr *storage.Trade) { tr.ScalingEnabled = true })

	var steps []int
	for _, price := range []float64{101, 111, 111, 111} {
		h.fake.SetPrice("TEST_USD", price)
		h.cycle(t)
		steps = append(steps, h.get(t, tr.ID).ScalingStep)
	}
	// 2.2R is reached at once, yet the first milestone is taken alone.
	assert.Equal(t, []int{0, 1, 2, 2}, steps)

	require.Len(t, h.fake.Closes, 2)
	assert.InDelta(t, 0.5, *h.fake.Closes[0].Units, 1e-9)
	assert.InDelta(t, 0.2, *h.fake.Closes[1].Units, 1e-9)

	require.Len(t, h.fake.Modifies, 2)
	assert.InDelta(t, 100.1, h.fake.Modifies[0].Price, 1e-9)
	assert.InDelta(t, 105, h.fake.Modifies[1].Price, 1e-9)

	got := h.get(t, tr.ID)
	assert.InDelta(t, 0.3, got.Units, 1e-9)
	assert.InDelta(t, 105, got.SL, 1e-9)
	assert.InDelta(t, 7.7, got.PartialPnL, 1e-9)
	assert.True(t, got.BreakevenApplied)
	assert.Equal(t, []string{
		storage.EventScalingTP1, storage.EventBreakeven,
		storage.EventScalingTP2, storage.EventScalingTP2,
	}, h.eventTypes(t, tr.ID))

	// The runner is stopped out at +1R: still a win.
	h.fake.SetStatus("B1", broker.Status{
		State: broker.StateClosed, RealizedPnL: 9.2, AvgClosePrice: 105,
		ClosedBySL: true, Known: true, Cumulative: true,
	})
	h.cycle(t)
	got = h.get(t, tr.ID)
	assert.Equal(t, storage.OutcomeWin, got.Outcome)
	assert.InDelta(t, 9.2, *got.RealizedPnL, 1e-9)
}

func TestScalingStepPersistsWhenStopMoveRejected(t *testing.T) {
	h := newHarness(t)
	tr := h.open(t, "B1", func(tr *storage.Trade) { tr.ScalingEnabled = true })
	h.fake.SetPrice("TEST_USD", 105.5)
	h.fake.ModifyErr = broker.NewError(broker.KindModifyRejected, "oanda", "modify stop", errors.New("rejected"))

	h.cycle(t)
	got := h.get(t, tr.ID)
	assert.Equal(t, 1, got.ScalingStep)
	assert.Equal(t, 95.0, got.SL)

	h.fake.ModifyErr = nil
	h.cycle(t)
	got = h.get(t, tr.ID)
	assert.Equal(t, 1, got.ScalingStep)
	assert.InDelta(t, 100.1, got.SL, 1e-9)
	// Only the first partial was ever closed.
	assert.Len(t, h.fake.Closes, 1)
}

func TestScaleOutAdoptsPartialMissingFromStore(t *testing.T) {
	h := newHarness(t)
	tr := h.open(t, "B1", func(tr *storage.Trade) { tr.ScalingEnabled = true })
	// The first partial went through at the broker but was never stored.
	h.fake.SetStatus("B1", broker.Status{State: broker.StateOpen, UnitsRemaining: 0.5, Known: true, Cumulative: true})
	h.fake.SetPrice("TEST_USD", 106)

	h.cycle(t)

	assert.Empty(t, h.fake.Closes, "the partial must not be closed twice")
	got := h.get(t, tr.ID)
	assert.Equal(t, 1, got.ScalingStep)
	assert.InDelta(t, 0.5, got.Units, 1e-9)
	assert.InDelta(t, 100.1, got.SL, 1e-9)
	assert.Equal(t, []string{storage.EventScalingTP1, storage.EventBreakeven}, h.eventTypes(t, tr.ID))

	// Next cycle the record agrees with the broker and nothing more happens.
	h.cycle(t)
	assert.Empty(t, h.fake.Closes)
	assert.Equal(t, 1, h.get(t, tr.ID).ScalingStep)
}

func TestAutoCloseTakesPrecedenceOverScaling(t *testing.T) {
	h := newHarness(t)
	// 11:27 in New York, inside the five minutes before the 11:30 session end.
	h.now = time.Date(2026, time.March, 11, 15, 27, 0, 0, time.UTC)
	tr := h.open(t, "B1", func(tr *storage.Trade) {
		tr.Instrument = "SPX500_USD"
		tr.Entry, tr.FillPrice, tr.SL, tr.SLOriginal, tr.TP = 5000, storage.Ptr(5000.0), 4950, storage.Ptr(4950.0), 5300
		tr.RiskR = 50
		tr.ScalingEnabled = true
	})
	h.fake.SetPrice("SPX500_USD", 5100)

	report := h.cycle(t)
	assert.Equal(t, 1, report.Closed)

	got := h.get(t, tr.ID)
	assert.Equal(t, storage.OutcomeAutoClosed, got.Outcome)
	assert.Equal(t, instrument.CloseReasonSessionEnd, *got.CloseReason)
	assert.Equal(t, 0, got.ScalingStep)
	assert.InDelta(t, 100, *got.RealizedPnL, 1e-9)

	require.Len(t, h.fake.Closes, 1)
	assert.Nil(t, h.fake.Closes[0].Units)
	assert.Equal(t, []string{storage.EventAutoClosed}, h.eventTypes(t, tr.ID))
	assert.Equal(t, []string{storage.OutcomeAutoClosed}, h.notifier.closed)
}

func TestWeekendCloseForFX(t *testing.T) {
	h := newHarness(t)
	h.now = time.Date(2026, time.March, 13, 21, 0, 0, 0, time.UTC)
	tr := h.open(t, "B1", func(tr *storage.Trade) {
		tr.Instrument = "EUR_USD"
		tr.Direction = string(broker.Short)
		tr.Entry, tr.FillPrice, tr.SL, tr.SLOriginal, tr.TP = 1.08, storage.Ptr(1.08), 1.085, storage.Ptr(1.085), 1.07
		tr.RiskR = 0.005
		tr.Units, tr.InitialUnits, tr.Step = -1000, 1000, 1
	})
	h.fake.SetPrice("EUR_USD", 1.083)

	h.cycle(t)

	got := h.get(t, tr.ID)
	assert.Equal(t, storage.OutcomeAutoClosed, got.Outcome)
	assert.Equal(t, instrument.CloseReasonWeekend, *got.CloseReason)
	assert.InDelta(t, -3, *got.RealizedPnL, 1e-6)
}

func TestMaxHoldExpiry(t *testing.T) {
	h := newHarness(t)
	tr := h.open(t, "B1", func(tr *storage.Trade) {
		tr.MaxHoldUntil = storage.Ptr(midweek.Add(-time.Minute))
	})
	h.fake.SetPrice("TEST_USD", 99)

	h.cycle(t)

	got := h.get(t, tr.ID)
	assert.Equal(t, storage.OutcomeMaxHoldExpired, got.Outcome)
	assert.InDelta(t, -1, *got.RealizedPnL, 1e-9)
	assert.InDelta(t, 99, *got.ClosePrice, 1e-9)
	assert.Equal(t, []string{storage.EventForceClosed}, h.eventTypes(t, tr.ID))
}

func TestMaxHoldNotYetReached(t *testing.T) {
	h := newHarness(t)
	tr := h.open(t, "B1", func(tr *storage.Trade) {
		tr.MaxHoldUntil = storage.Ptr(midweek.Add(time.Minute))
	})
	h.fake.SetPrice("TEST_USD", 99)

	h.cycle(t)
	assert.True(t, h.get(t, tr.ID).IsOpen())
}

func TestBrokerErrorKeepsTradeOpen(t *testing.T) {
	h := newHarness(t)
	tr := h.open(t, "B1", nil)
	h.fake.SetPrice("TEST_USD", 103)
	h.fake.StatusErr = broker.Transport("oanda", "get status", context.DeadlineExceeded)

	report := h.cycle(t)
	assert.Equal(t, 1, report.Errors)

	got := h.get(t, tr.ID)
	assert.True(t, got.IsOpen())
	assert.False(t, got.BreakevenApplied)
	assert.Empty(t, h.eventTypes(t, tr.ID))

	h.fake.StatusErr = nil
	report = h.cycle(t)
	assert.Zero(t, report.Errors)
	assert.True(t, h.get(t, tr.ID).BreakevenApplied)
}

func TestTradesAreIndependent(t *testing.T) {
	h := newHarness(t)
	broken := h.open(t, "B1", func(tr *storage.Trade) { tr.Instrument = "NOQUOTE_USD" })
	healthy := h.open(t, "B2", nil)
	h.fake.SetPrice("TEST_USD", 103)

	report := h.cycle(t)
	assert.Equal(t, 2, report.Open)
	assert.Equal(t, 1, report.Errors)

	assert.True(t, h.get(t, broken.ID).IsOpen())
	assert.True(t, h.get(t, healthy.ID).BreakevenApplied)
}

func TestUnlinkedTradeIsSkipped(t *testing.T) {
	h := newHarness(t)
	tr := h.open(t, "B1", func(tr *storage.Trade) { tr.BrokerTradeID = nil })

	report := h.cycle(t)
	assert.Zero(t, report.Errors)
	assert.True(t, h.get(t, tr.ID).IsOpen())
}

func TestFinalizeIsIdempotent(t *testing.T) {
	h := newHarness(t)
	tr := h.open(t, "B1", nil)
	log := logger.Discard()
	ctx := context.Background()

	closed, err := h.tracker.finalize(ctx, tr, broker.Status{State: broker.StateClosed, RealizedPnL: 10, ClosedByTP: true, Known: true, Cumulative: true}, log)
	require.NoError(t, err)
	assert.True(t, closed)

	again := h.get(t, tr.ID)
	closed, err = h.tracker.finalize(ctx, again, broker.Status{State: broker.StateClosed, RealizedPnL: -5, Known: true, Cumulative: true}, log)
	require.NoError(t, err)
	assert.True(t, closed)

	got := h.get(t, tr.ID)
	assert.Equal(t, storage.OutcomeWin, got.Outcome)
	assert.Equal(t, 10.0, *got.RealizedPnL)
	assert.Equal(t, []string{storage.EventClosed}, h.eventTypes(t, tr.ID))
	assert.Len(t, h.notifier.closed, 1)
}

func TestFinalizeAddsPartialsWhenBrokerDoesNot(t *testing.T) {
	h := newHarness(t)
	tr := h.open(t, "B1", func(tr *storage.Trade) {
		tr.ScalingStep = 1
		tr.PartialPnL = 5
	})

	_, err := h.tracker.finalize(context.Background(), tr,
		broker.Status{State: broker.StateClosed, RealizedPnL: 3, ClosedByTP: true, Known: true}, logger.Discard())
	require.NoError(t, err)

	got := h.get(t, tr.ID)
	assert.Equal(t, 8.0, *got.RealizedPnL)
	assert.Equal(t, storage.OutcomeWin, got.Outcome)
}

func TestClassifyOutcome(t *testing.T) {
	base := func(mut func(*storage.Trade)) *storage.Trade {
		tr := &storage.Trade{Direction: "LONG", Entry: 100, FillPrice: storage.Ptr(100.0), SL: 95, SLOriginal: storage.Ptr(95.0), Units: 1, InitialUnits: 1}
		if mut != nil {
			mut(tr)
		}
		return tr
	}
	known := func(tp, sl bool) broker.Status {
		return broker.Status{State: broker.StateClosed, ClosedByTP: tp, ClosedBySL: sl, Known: true}
	}
	unknown := broker.Status{State: broker.StateClosed}

	tests := []struct {
		name string
		tr   *storage.Trade
		st   broker.Status
		pnl  float64
		want string
	}{
		{"two scale-outs", base(func(tr *storage.Trade) { tr.ScalingStep = 2 }), known(false, true), -1, storage.OutcomeWin},
		{"one scale-out then target", base(func(tr *storage.Trade) { tr.ScalingStep = 1 }), known(true, false), 20, storage.OutcomeWin},
		{"one scale-out then stop", base(func(tr *storage.Trade) { tr.ScalingStep = 1 }), known(false, true), 2.5, storage.OutcomeBreakeven},
		{"break-even stop", base(func(tr *storage.Trade) { tr.BreakevenApplied = true }), known(false, true), 0.1, storage.OutcomeBreakeven},
		{"original stop", base(nil), known(false, true), -5, storage.OutcomeLoss},
		{"target", base(nil), known(true, false), 10, storage.OutcomeWin},
		{"closed by hand flat", base(nil), known(false, false), 0, storage.OutcomeBreakeven},
		{"unknown below quarter R", base(func(tr *storage.Trade) { tr.BreakevenApplied = true }), unknown, 1, storage.OutcomeBreakeven},
		{"unknown above quarter R", base(func(tr *storage.Trade) { tr.BreakevenApplied = true }), unknown, 3, storage.OutcomeWin},
		{"unknown without break-even", base(nil), unknown, 1, storage.OutcomeWin},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, classifyOutcome(tt.tr, tt.st, tt.pnl))
		})
	}
}

func TestEstimatedRiskPnL(t *testing.T) {
	assert.Equal(t, 5.0, estimatedRiskPnL(&storage.Trade{Entry: 100, SL: 95, Units: 1, InitialUnits: 1}))
	// Sized by what is still open after a scale-out.
	assert.Equal(t, 2.5, estimatedRiskPnL(&storage.Trade{Entry: 100, SL: 100.1, SLOriginal: storage.Ptr(95.0), Units: -0.5, InitialUnits: 1}))
	assert.Equal(t, 5.0, estimatedRiskPnL(&storage.Trade{Entry: 100, SL: 95, InitialUnits: 1}))
	assert.Equal(t, float64(defaultRiskPnL), estimatedRiskPnL(&storage.Trade{Entry: 100, SL: 100, Units: 1, InitialUnits: 1}))
}

func TestCloseAll(t *testing.T) {
	h := newHarness(t)
	a := h.open(t, "B1", nil)
	b := h.open(t, "B2", nil)
	h.open(t, "B3", func(tr *storage.Trade) { tr.BrokerTradeID = nil })
	h.fake.SetPrice("TEST_USD", 101)

	closed, failed, err := h.tracker.CloseAll(context.Background(), "operator")
	require.NoError(t, err)
	assert.Equal(t, 2, closed)
	assert.Equal(t, 1, failed)

	for _, id := range []string{a.ID, b.ID} {
		got := h.get(t, id)
		assert.Equal(t, storage.OutcomeManualClose, got.Outcome)
		assert.Equal(t, "operator", *got.CloseReason)
		assert.InDelta(t, 1, *got.RealizedPnL, 1e-9)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.tracker.Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("tracker did not stop")
	}
}

func TestStartSignalsDoneAfterCycle(t *testing.T) {
	h := newHarness(t)
	tr := h.open(t, "B1", nil)
	h.fake.SetPrice("TEST_USD", 103)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := h.tracker.Start(ctx)

	require.Eventually(t, func() bool {
		got, err := h.repo.GetTrade(context.Background(), tr.ID)
		return err == nil && got.BreakevenApplied
	}, 2*time.Second, 10*time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("tracker did not stop")
	}
}
