package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/camuig/trade-tracker/internal/logger"
	"github.com/camuig/trade-tracker/internal/reconcile"
	"github.com/camuig/trade-tracker/internal/storage"
)

type stubReconciler struct {
	got     reconcile.Options
	summary reconcile.Summary
	err     error
}

func (s *stubReconciler) Run(_ context.Context, opts reconcile.Options) (reconcile.Summary, error) {
	s.got = opts
	return s.summary, s.err
}

func newTestServer(t *testing.T) (*Server, *storage.Repository, *stubReconciler) {
	t.Helper()
	db, err := storage.NewDatabase(filepath.Join(t.TempDir(), "web.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = storage.Close(db) })

	repo := storage.NewRepository(db)
	rec := &stubReconciler{}
	return NewServer(repo, rec, 0, logger.Discard()), repo, rec
}

func seed(t *testing.T, repo *storage.Repository) *storage.Trade {
	t.Helper()
	tr := &storage.Trade{
		Broker: "oanda", Instrument: "EUR_USD", Direction: "LONG",
		Entry: 1.08, SL: 1.075, TP: 1.09, Units: 1000, InitialUnits: 1000, Step: 1, RiskR: 0.005,
	}
	ev := storage.NewEvent("", storage.EventOpened, "opened", nil)
	require.NoError(t, repo.CreateTrade(context.Background(), tr, &ev))
	return tr
}

func do(t *testing.T, s *Server, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestOpenTradesAndEvents(t *testing.T) {
	s, repo, _ := newTestServer(t)
	tr := seed(t, repo)

	rec := do(t, s, http.MethodGet, "/api/trades/open", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var trades []storage.Trade
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &trades))
	require.Len(t, trades, 1)
	assert.Equal(t, tr.ID, trades[0].ID)

	rec = do(t, s, http.MethodGet, "/api/trades/"+tr.ID+"/events", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var events []storage.TradeEvent
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &events))
	require.Len(t, events, 1)
	assert.Equal(t, storage.EventOpened, events[0].Type)

	rec = do(t, s, http.MethodGet, "/api/trades/missing/events", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDeleteTrade(t *testing.T) {
	s, repo, _ := newTestServer(t)
	tr := seed(t, repo)

	rec := do(t, s, http.MethodDelete, "/api/trades/"+tr.ID, "")
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = do(t, s, http.MethodGet, "/api/trades/"+tr.ID, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, s, http.MethodDelete, "/api/trades/"+tr.ID, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStats(t *testing.T) {
	s, repo, _ := newTestServer(t)
	tr := seed(t, repo)
	seed(t, repo)
	_, err := repo.Finalize(context.Background(), tr.ID, storage.Closing{Outcome: storage.OutcomeWin, RealizedPnL: 12.5}, nil)
	require.NoError(t, err)

	rec := do(t, s, http.MethodGet, "/api/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var stats StatsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, 12.5, stats.TotalPnL)
	assert.Equal(t, int64(1), stats.Outcomes[storage.OutcomeWin])
	assert.Equal(t, int64(1), stats.Outcomes[storage.OutcomeOpen])
}

func TestReconcile(t *testing.T) {
	s, _, stub := newTestServer(t)
	stub.summary = reconcile.Summary{Total: 3, Matched: 2, Unmatched: 1, UnmatchedIDs: []string{"x"}}

	rec := do(t, s, http.MethodPost, "/api/reconcile?all=true&dry_run=1&limit=50", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, reconcile.Options{All: true, DryRun: true, Limit: 50}, stub.got)

	var summary reconcile.Summary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &summary))
	assert.Equal(t, 2, summary.Matched)
	assert.Equal(t, []string{"x"}, summary.UnmatchedIDs)

	rec = do(t, s, http.MethodPost, "/api/reconcile?all=maybe", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	stub.err = errors.New("broker down")
	rec = do(t, s, http.MethodPost, "/api/reconcile", "")
	assert.Equal(t, http.StatusBadGateway, rec.Code)

	rec = do(t, s, http.MethodGet, "/api/reconcile", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestSetRiskBudget(t *testing.T) {
	s, repo, _ := newTestServer(t)

	rec := do(t, s, http.MethodPut, "/api/settings/risk/chf", `{"risk_amount": 75}`)
	require.Equal(t, http.StatusOK, rec.Code)

	amount, err := repo.RiskBudget(context.Background(), "CHF")
	require.NoError(t, err)
	assert.Equal(t, 75.0, amount)

	rec = do(t, s, http.MethodPut, "/api/settings/risk/chf", `{"risk_amount": -1}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
