// Package oanda implements broker.Client against the OANDA v20 REST API.
package oanda

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/camuig/trade-tracker/internal/broker"
	"github.com/camuig/trade-tracker/internal/config"
	"github.com/camuig/trade-tracker/internal/instrument"
)

const (
	PracticeURL = "https://api-fxpractice.oanda.com"
	LiveURL     = "https://api-fxtrade.oanda.com"

	// maxHistory is the largest page the trades endpoint serves.
	maxHistory = 500
)

type Client struct {
	baseURL    string
	token      string
	accountID  string
	httpClient *http.Client
	timeout    time.Duration
	catalog    *instrument.Catalog
}

func NewClient(cfg config.OandaConfig, catalog *instrument.Catalog, timeout time.Duration) *Client {
	base := cfg.BaseURL
	if base == "" {
		base = LiveURL
		if cfg.Practice {
			base = PracticeURL
		}
	}
	base = strings.TrimSuffix(strings.TrimSuffix(base, "/"), "/v3")

	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &Client{
		baseURL:    base,
		token:      cfg.Token,
		accountID:  cfg.AccountID,
		httpClient: &http.Client{Timeout: timeout},
		timeout:    timeout,
		catalog:    catalog,
	}
}

func (c *Client) Name() string { return instrument.BrokerOanda }

func (c *Client) CurrencyPair(base, quote string) string {
	return strings.ToUpper(base) + "_" + strings.ToUpper(quote)
}

func (c *Client) GetLatestPrice(ctx context.Context, name string) (float64, error) {
	const op = "get price"

	var resp pricingResponse
	q := url.Values{"instruments": {name}}
	if err := c.do(ctx, op, http.MethodGet, c.accountPath("pricing"), q, nil, &resp, broker.KindPriceUnavailable); err != nil {
		return 0, err
	}

	if len(resp.Prices) == 0 || len(resp.Prices[0].Bids) == 0 || len(resp.Prices[0].Asks) == 0 {
		return 0, broker.NewError(broker.KindPriceUnavailable, c.Name(), op, fmt.Errorf("no quote for %s", name))
	}

	bid, err1 := parseNum(resp.Prices[0].Bids[0].Price)
	ask, err2 := parseNum(resp.Prices[0].Asks[0].Price)
	if err1 != nil || err2 != nil || bid <= 0 || ask <= 0 {
		return 0, broker.NewError(broker.KindPriceUnavailable, c.Name(), op, fmt.Errorf("bad quote for %s", name))
	}

	return c.catalog.Lookup(name).RoundPrice((bid + ask) / 2), nil
}

func (c *Client) CreateOrder(ctx context.Context, req broker.OrderRequest) (broker.Fill, error) {
	const op = "create order"
	spec := c.catalog.Lookup(req.Instrument)

	units := spec.FormatUnits(req.Units)
	if req.Direction == broker.Short {
		units = "-" + units
	}

	body := orderRequest{Order: marketOrder{
		Type:         "MARKET",
		Instrument:   req.Instrument,
		Units:        units,
		TimeInForce:  "FOK",
		PositionFill: "DEFAULT",
	}}
	if req.StopLoss > 0 {
		body.Order.StopLossOnFill = &priceDetails{Price: spec.FormatPrice(req.StopLoss)}
	}
	if req.TakeProfit > 0 {
		body.Order.TakeProfitOnFill = &priceDetails{Price: spec.FormatPrice(req.TakeProfit)}
	}

	var resp orderResponse
	if err := c.do(ctx, op, http.MethodPost, c.accountPath("orders"), nil, body, &resp, broker.KindOrderRejected); err != nil {
		return broker.Fill{}, err
	}

	if resp.OrderCancelTransaction != nil {
		return broker.Fill{}, broker.NewError(broker.KindOrderRejected, c.Name(), op,
			fmt.Errorf("order cancelled: %s", resp.OrderCancelTransaction.Reason))
	}
	if resp.OrderFillTransaction == nil {
		return broker.Fill{}, broker.NewError(broker.KindOrderRejected, c.Name(), op, fmt.Errorf("no fill in response"))
	}

	fill := resp.OrderFillTransaction
	// A new trade appears under tradeOpened; an order that nets against an
	// existing position reports tradeReduced instead.
	trade := fill.TradeOpened
	if trade == nil {
		trade = fill.TradeReduced
	}
	if trade == nil || trade.TradeID == "" {
		return broker.Fill{}, broker.NewError(broker.KindOrderRejected, c.Name(), op, fmt.Errorf("fill %s carries no trade", fill.ID))
	}

	price, _ := parseNum(trade.Price)
	if price == 0 {
		price, _ = parseNum(fill.Price)
	}
	filled, _ := parseNum(trade.Units)
	if filled < 0 {
		filled = -filled
	}
	if filled == 0 {
		filled = req.Units
	}

	return broker.Fill{
		Handle: broker.TradeHandle{
			TradeID:    trade.TradeID,
			Instrument: req.Instrument,
			Direction:  req.Direction,
			Units:      filled,
			EntryPrice: price,
		},
		FillPrice: price,
		Units:     filled,
	}, nil
}

func (c *Client) Close(ctx context.Context, h broker.TradeHandle, units *float64) (broker.CloseResult, error) {
	const op = "close trade"

	body := closeRequest{Units: "ALL"}
	if units != nil {
		body.Units = c.catalog.Lookup(h.Instrument).FormatUnits(*units)
	}

	var resp closeResponse
	path := c.accountPath("trades", h.TradeID, "close")
	if err := c.do(ctx, op, http.MethodPut, path, nil, body, &resp, broker.KindCloseRejected); err != nil {
		return broker.CloseResult{}, err
	}

	if resp.OrderCancelTransaction != nil {
		return broker.CloseResult{}, broker.NewError(broker.KindCloseRejected, c.Name(), op,
			fmt.Errorf("close cancelled: %s", resp.OrderCancelTransaction.Reason))
	}
	if resp.OrderFillTransaction == nil {
		return broker.CloseResult{}, broker.NewError(broker.KindCloseRejected, c.Name(), op, fmt.Errorf("no fill in response"))
	}

	pnl, _ := parseNum(resp.OrderFillTransaction.PL)
	price, _ := parseNum(resp.OrderFillTransaction.Price)

	next := h
	next.Units = 0
	if units != nil {
		next.Units = h.Units - *units
	}
	return broker.CloseResult{RealizedPnL: pnl, Price: price, Handle: next}, nil
}

func (c *Client) ModifyStop(ctx context.Context, h broker.TradeHandle, price float64) (broker.TradeHandle, error) {
	const op = "modify stop"

	body := tradeOrdersRequest{StopLoss: &stopLossDetails{
		Price:       c.catalog.Lookup(h.Instrument).FormatPrice(price),
		TimeInForce: "GTC",
	}}

	var resp tradeOrdersResponse
	path := c.accountPath("trades", h.TradeID, "orders")
	if err := c.do(ctx, op, http.MethodPut, path, nil, body, &resp, broker.KindModifyRejected); err != nil {
		return h, err
	}
	if resp.StopLossOrderRejectTransaction != nil {
		return h, broker.NewError(broker.KindModifyRejected, c.Name(), op,
			fmt.Errorf("stop rejected: %s", resp.StopLossOrderRejectTransaction.RejectReason))
	}
	return h, nil
}

func (c *Client) GetStatus(ctx context.Context, h broker.TradeHandle) (broker.Status, error) {
	const op = "get status"

	var resp tradeResponse
	if err := c.do(ctx, op, http.MethodGet, c.accountPath("trades", h.TradeID), nil, nil, &resp, broker.KindNotFound); err != nil {
		return broker.Status{}, err
	}

	t := resp.Trade
	st := broker.Status{State: broker.StateOpen, Known: true, Cumulative: true}
	if t.State == "CLOSED" {
		st.State = broker.StateClosed
	}
	st.RealizedPnL, _ = parseNum(t.RealizedPL)
	st.AvgClosePrice, _ = parseNum(t.AverageClosePrice)
	st.UnitsRemaining, _ = parseNum(t.CurrentUnits)
	if st.UnitsRemaining < 0 {
		st.UnitsRemaining = -st.UnitsRemaining
	}
	st.ClosedByTP = t.TakeProfitOrder != nil && t.TakeProfitOrder.State == "FILLED"
	st.ClosedBySL = (t.StopLossOrder != nil && t.StopLossOrder.State == "FILLED") ||
		(t.TrailingStopLossOrder != nil && t.TrailingStopLossOrder.State == "FILLED")
	return st, nil
}

func (c *Client) GetClosedHistory(ctx context.Context, limit int) ([]broker.ClosedTrade, error) {
	const op = "closed history"
	if limit <= 0 || limit > maxHistory {
		limit = maxHistory
	}

	var resp tradesResponse
	q := url.Values{"state": {"CLOSED"}, "count": {fmt.Sprint(limit)}}
	if err := c.do(ctx, op, http.MethodGet, c.accountPath("trades"), q, nil, &resp, broker.KindUnknown); err != nil {
		return nil, err
	}

	out := make([]broker.ClosedTrade, 0, len(resp.Trades))
	for _, t := range resp.Trades {
		initial, _ := parseNum(t.InitialUnits)
		dir := broker.Long
		if initial < 0 {
			dir = broker.Short
		}
		price, _ := parseNum(t.Price)
		pnl, _ := parseNum(t.RealizedPL)
		out = append(out, broker.ClosedTrade{
			ID:          t.ID,
			Instrument:  t.Instrument,
			Direction:   dir,
			OpenPrice:   price,
			OpenTime:    parseTime(t.OpenTime),
			CloseTime:   parseTime(t.CloseTime),
			RealizedPnL: pnl,
		})
	}
	return out, nil
}

func (c *Client) accountPath(parts ...string) string {
	segs := append([]string{"v3", "accounts", url.PathEscape(c.accountID)}, parts...)
	return "/" + strings.Join(segs, "/")
}

// do sends one request under the per-request timeout and decodes a 2xx body
// into out. rejectKind classifies 4xx answers that are not auth or not-found.
func (c *Client) do(ctx context.Context, op, method, path string, query url.Values, body, out any, rejectKind broker.Kind) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return broker.NewError(broker.KindUnknown, c.Name(), op, fmt.Errorf("encode request: %w", err))
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return broker.NewError(broker.KindUnknown, c.Name(), op, err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept-Datetime-Format", "RFC3339")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return broker.Transport(c.Name(), op, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return broker.Transport(c.Name(), op, err)
	}

	if resp.StatusCode >= 300 {
		var apiErr errorResponse
		_ = json.Unmarshal(data, &apiErr)
		msg := apiErr.ErrorMessage
		if msg == "" {
			msg = strings.TrimSpace(string(data))
		}
		kind := broker.KindForStatus(resp.StatusCode, rejectKind)
		return broker.NewError(kind, c.Name(), op, fmt.Errorf("http %d: %s", resp.StatusCode, msg))
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return broker.NewError(broker.KindUnknown, c.Name(), op, fmt.Errorf("decode response: %w", err))
	}
	return nil
}
