package web

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"github.com/camuig/trade-tracker/internal/reconcile"
	"github.com/camuig/trade-tracker/internal/storage"
)

type StatsResponse struct {
	TotalPnL float64          `json:"total_pnl"`
	Outcomes map[string]int64 `json:"outcomes"`
}

type riskRequest struct {
	RiskAmount float64 `json:"risk_amount"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleOpenTrades(w http.ResponseWriter, r *http.Request) {
	trades, err := s.repo.ListOpen(r.Context())
	if err != nil {
		s.fail(w, http.StatusInternalServerError, "list open trades", err)
		return
	}
	s.writeJSON(w, http.StatusOK, trades)
}

func (s *Server) handleRecentTrades(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r, "limit", 20)
	if err != nil || limit <= 0 {
		s.fail(w, http.StatusBadRequest, "invalid limit", err)
		return
	}
	trades, err := s.repo.GetRecentTrades(r.Context(), limit)
	if err != nil {
		s.fail(w, http.StatusInternalServerError, "list recent trades", err)
		return
	}
	s.writeJSON(w, http.StatusOK, trades)
}

func (s *Server) handleGetTrade(w http.ResponseWriter, r *http.Request) {
	t, err := s.repo.GetTrade(r.Context(), mux.Vars(r)["id"])
	if errors.Is(err, storage.ErrNotFound) {
		s.fail(w, http.StatusNotFound, "trade not found", nil)
		return
	}
	if err != nil {
		s.fail(w, http.StatusInternalServerError, "get trade", err)
		return
	}
	s.writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleTradeEvents(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, err := s.repo.GetTrade(r.Context(), id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			s.fail(w, http.StatusNotFound, "trade not found", nil)
			return
		}
		s.fail(w, http.StatusInternalServerError, "get trade", err)
		return
	}

	events, err := s.repo.ListEvents(r.Context(), id)
	if err != nil {
		s.fail(w, http.StatusInternalServerError, "list events", err)
		return
	}
	s.writeJSON(w, http.StatusOK, events)
}

// handleDeleteTrade is the administrative hard delete; events go with it.
func (s *Server) handleDeleteTrade(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	err := s.repo.DeleteTrade(r.Context(), id)
	if errors.Is(err, storage.ErrNotFound) {
		s.fail(w, http.StatusNotFound, "trade not found", nil)
		return
	}
	if err != nil {
		s.fail(w, http.StatusInternalServerError, "delete trade", err)
		return
	}
	s.logger.Warn("trade deleted by operator", "trade_id", id)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	total, err := s.repo.GetTotalPnL(r.Context())
	if err != nil {
		s.fail(w, http.StatusInternalServerError, "total pnl", err)
		return
	}
	outcomes, err := s.repo.OutcomeCounts(r.Context())
	if err != nil {
		s.fail(w, http.StatusInternalServerError, "outcome counts", err)
		return
	}
	s.writeJSON(w, http.StatusOK, StatsResponse{TotalPnL: total, Outcomes: outcomes})
}

func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	var opts reconcile.Options
	var err error
	if opts.All, err = boolParam(r, "all"); err != nil {
		s.fail(w, http.StatusBadRequest, "invalid all", err)
		return
	}
	if opts.DryRun, err = boolParam(r, "dry_run"); err != nil {
		s.fail(w, http.StatusBadRequest, "invalid dry_run", err)
		return
	}
	if opts.Limit, err = intParam(r, "limit", 0); err != nil || opts.Limit < 0 {
		s.fail(w, http.StatusBadRequest, "invalid limit", err)
		return
	}

	summary, err := s.reconciler.Run(r.Context(), opts)
	if err != nil {
		s.fail(w, http.StatusBadGateway, "reconciliation failed", err)
		return
	}
	s.writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleSetRisk(w http.ResponseWriter, r *http.Request) {
	currency := strings.ToUpper(mux.Vars(r)["currency"])

	var req riskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.RiskAmount <= 0 {
		s.fail(w, http.StatusBadRequest, "risk_amount must be a positive number", err)
		return
	}
	if err := s.repo.SetRiskBudget(r.Context(), currency, req.RiskAmount); err != nil {
		s.fail(w, http.StatusInternalServerError, "set risk budget", err)
		return
	}
	s.logger.Info("risk budget updated", "currency", currency, "risk_amount", req.RiskAmount)
	s.writeJSON(w, http.StatusOK, storage.Setting{AccountCurrency: currency, RiskAmount: req.RiskAmount})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

func (s *Server) fail(w http.ResponseWriter, status int, msg string, err error) {
	if err != nil && status >= http.StatusInternalServerError {
		s.logger.Error(msg, "error", err)
	}
	body := map[string]string{"error": msg}
	if err != nil {
		body["detail"] = err.Error()
	}
	s.writeJSON(w, status, body)
}

func intParam(r *http.Request, name string, def int) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	return strconv.Atoi(v)
}

func boolParam(r *http.Request, name string) (bool, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return false, nil
	}
	return strconv.ParseBool(v)
}
