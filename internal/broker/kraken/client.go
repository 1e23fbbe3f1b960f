// Package kraken implements broker.Client against the Kraken spot REST API.
//
// Kraken has no take-profit or stop-loss attached to a market fill, so an
// entry is three orders: the market order itself, a stop-loss order and a
// take-profit order on the opposite side. The position's state is derived
// from those two protective legs.
package kraken

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/camuig/trade-tracker/internal/broker"
	"github.com/camuig/trade-tracker/internal/config"
	"github.com/camuig/trade-tracker/internal/instrument"
	"github.com/camuig/trade-tracker/internal/logger"
)

const (
	DefaultURL = "https://api.kraken.com"

	pageSize = 50
)

type Client struct {
	baseURL    string
	apiKey     string
	secret     []byte
	httpClient *http.Client
	timeout    time.Duration
	catalog    *instrument.Catalog
	log        *logger.Logger

	nonceMu   sync.Mutex
	lastNonce int64
	now       func() time.Time
}

func NewClient(cfg config.KrakenConfig, catalog *instrument.Catalog, timeout time.Duration, log *logger.Logger) (*Client, error) {
	secret, err := base64.StdEncoding.DecodeString(cfg.APISecret)
	if err != nil {
		return nil, fmt.Errorf("decode kraken api secret: %w", err)
	}

	base := strings.TrimSuffix(cfg.BaseURL, "/")
	if base == "" {
		base = DefaultURL
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &Client{
		baseURL:    base,
		apiKey:     cfg.APIKey,
		secret:     secret,
		httpClient: &http.Client{Timeout: timeout},
		timeout:    timeout,
		catalog:    catalog,
		log:        log.With("broker", instrument.BrokerKraken),
		now:        time.Now,
	}, nil
}

func (c *Client) Name() string { return instrument.BrokerKraken }

func (c *Client) CurrencyPair(base, quote string) string {
	return strings.ToUpper(base) + strings.ToUpper(quote)
}

func (c *Client) GetLatestPrice(ctx context.Context, pair string) (float64, error) {
	const op = "get price"

	var result map[string]tickerInfo
	if err := c.public(ctx, op, "Ticker", url.Values{"pair": {pair}}, &result, broker.KindPriceUnavailable); err != nil {
		return 0, err
	}

	// The result is keyed by Kraken's internal pair name, which may differ
	// from the one requested.
	for _, t := range result {
		if len(t.Ask) == 0 || len(t.Bid) == 0 {
			break
		}
		ask, err1 := strconv.ParseFloat(t.Ask[0], 64)
		bid, err2 := strconv.ParseFloat(t.Bid[0], 64)
		if err1 != nil || err2 != nil || ask <= 0 || bid <= 0 {
			break
		}
		return c.catalog.Lookup(pair).RoundPrice((ask + bid) / 2), nil
	}
	return 0, broker.NewError(broker.KindPriceUnavailable, c.Name(), op, fmt.Errorf("no quote for %s", pair))
}

func (c *Client) CreateOrder(ctx context.Context, req broker.OrderRequest) (broker.Fill, error) {
	const op = "create order"
	spec := c.catalog.Lookup(req.Instrument)
	volume := spec.FormatUnits(req.Units)

	var added addOrderResult
	err := c.private(ctx, op, "AddOrder", url.Values{
		"pair":      {req.Instrument},
		"type":      {side(req.Direction)},
		"ordertype": {"market"},
		"volume":    {volume},
	}, &added, broker.KindOrderRejected)
	if err != nil {
		return broker.Fill{}, err
	}
	if len(added.TxID) == 0 {
		return broker.Fill{}, broker.NewError(broker.KindOrderRejected, c.Name(), op, fmt.Errorf("no txid for market order"))
	}

	h := broker.TradeHandle{
		TradeID:    added.TxID[0],
		Instrument: req.Instrument,
		Direction:  req.Direction,
		Units:      req.Units,
	}
	log := c.log.With("txid", h.TradeID, "instrument", req.Instrument)

	// From here on the entry is filled; nothing below may lose it.
	if orders, err := c.queryOrders(ctx, op, h.TradeID); err != nil {
		log.Warn("query entry fill", "error", err)
	} else if o, ok := orders[h.TradeID]; ok {
		h.EntryPrice = num(o.Price)
		if v := num(o.VolExec); v > 0 {
			h.Units = v
		}
	}

	exit := side(req.Direction.Opposite())
	if req.StopLoss > 0 {
		id, err := c.addLeg(ctx, req.Instrument, exit, "stop-loss", spec.FormatPrice(req.StopLoss), spec.FormatUnits(h.Units))
		if err != nil {
			log.Error("place stop-loss leg", "error", err)
		}
		h.StopOrderID = id
	}
	if req.TakeProfit > 0 {
		id, err := c.addLeg(ctx, req.Instrument, exit, "take-profit", spec.FormatPrice(req.TakeProfit), spec.FormatUnits(h.Units))
		if err != nil {
			log.Error("place take-profit leg", "error", err)
		}
		h.TakeProfitOrderID = id
	}

	return broker.Fill{Handle: h, FillPrice: h.EntryPrice, Units: h.Units}, nil
}

func (c *Client) Close(ctx context.Context, h broker.TradeHandle, units *float64) (broker.CloseResult, error) {
	const op = "close trade"
	spec := c.catalog.Lookup(h.Instrument)

	qty := h.Units
	if units != nil {
		qty = *units
	}
	if qty <= 0 {
		return broker.CloseResult{}, broker.NewError(broker.KindCloseRejected, c.Name(), op, fmt.Errorf("nothing to close"))
	}

	var added addOrderResult
	err := c.private(ctx, op, "AddOrder", url.Values{
		"pair":      {h.Instrument},
		"type":      {side(h.Direction.Opposite())},
		"ordertype": {"market"},
		"volume":    {spec.FormatUnits(qty)},
	}, &added, broker.KindCloseRejected)
	if err != nil {
		return broker.CloseResult{}, err
	}

	res := broker.CloseResult{Handle: h}
	log := c.log.With("txid", h.TradeID, "instrument", h.Instrument)

	if len(added.TxID) > 0 {
		if orders, err := c.queryOrders(ctx, op, added.TxID[0]); err != nil {
			log.Warn("query close fill", "error", err)
		} else if o, ok := orders[added.TxID[0]]; ok {
			res.Price = num(o.Price)
			res.RealizedPnL = pnl(h, res.Price, qty, num(o.Fee))
		}
	}

	remaining := h.Units - qty
	if units == nil || remaining <= 0 {
		res.Handle.Units = 0
		for _, id := range []string{h.StopOrderID, h.TakeProfitOrderID} {
			if id == "" {
				continue
			}
			if err := c.cancel(ctx, id); err != nil && !broker.HasKind(err, broker.KindNotFound) {
				log.Warn("cancel protective leg", "order", id, "error", err)
			}
		}
		return res, nil
	}

	res.Handle.Units = remaining
	vol := spec.FormatUnits(remaining)
	if id, err := c.edit(ctx, h, h.StopOrderID, url.Values{"volume": {vol}}); err != nil {
		log.Warn("resize stop-loss leg", "error", err)
	} else {
		res.Handle.StopOrderID = id
	}
	if id, err := c.edit(ctx, h, h.TakeProfitOrderID, url.Values{"volume": {vol}}); err != nil {
		log.Warn("resize take-profit leg", "error", err)
	} else {
		res.Handle.TakeProfitOrderID = id
	}
	return res, nil
}

func (c *Client) ModifyStop(ctx context.Context, h broker.TradeHandle, price float64) (broker.TradeHandle, error) {
	const op = "modify stop"
	if h.StopOrderID == "" {
		return h, broker.NewError(broker.KindModifyRejected, c.Name(), op, fmt.Errorf("trade %s has no stop order", h.TradeID))
	}

	spec := c.catalog.Lookup(h.Instrument)
	id, err := c.edit(ctx, h, h.StopOrderID, url.Values{
		"price":  {spec.FormatPrice(price)},
		"volume": {spec.FormatUnits(h.Units)},
	})
	if err != nil {
		return h, err
	}
	h.StopOrderID = id
	return h, nil
}

func (c *Client) GetStatus(ctx context.Context, h broker.TradeHandle) (broker.Status, error) {
	const op = "get status"
	st := broker.Status{State: broker.StateOpen, UnitsRemaining: h.Units}

	var ids []string
	for _, id := range []string{h.StopOrderID, h.TakeProfitOrderID} {
		if id != "" {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		// Without protective legs only our own close can end the trade.
		return st, nil
	}

	orders, err := c.queryOrders(ctx, op, ids...)
	if err != nil {
		return broker.Status{}, err
	}

	sl, hasSL := orders[h.StopOrderID]
	tp, hasTP := orders[h.TakeProfitOrderID]

	switch {
	case hasSL && filled(sl):
		if hasTP && live(tp) {
			c.cancelSibling(ctx, h, h.TakeProfitOrderID)
		}
		return closedBy(h, sl, true), nil
	case hasTP && filled(tp):
		if hasSL && live(sl) {
			c.cancelSibling(ctx, h, h.StopOrderID)
		}
		return closedBy(h, tp, false), nil
	}

	// Both legs gone without a fill: the position was closed outside the
	// protective orders, by us or by hand.
	if (!hasSL || dead(sl)) && (!hasTP || dead(tp)) {
		st.State = broker.StateClosed
		st.Known = true
		st.UnitsRemaining = 0
	}
	return st, nil
}

func (c *Client) GetClosedHistory(ctx context.Context, limit int) ([]broker.ClosedTrade, error) {
	const op = "closed history"
	if limit <= 0 {
		limit = pageSize
	}

	var all []execution
	for ofs := 0; ofs < limit; ofs += pageSize {
		var page closedOrdersResult
		err := c.private(ctx, op, "ClosedOrders", url.Values{"ofs": {strconv.Itoa(ofs)}}, &page, broker.KindUnknown)
		if err != nil {
			return nil, err
		}
		for id, o := range page.Closed {
			if o.Status != "closed" || num(o.VolExec) <= 0 {
				continue
			}
			all = append(all, execution{id: id, info: o})
		}
		if len(page.Closed) < pageSize || ofs+pageSize >= page.Count {
			break
		}
	}

	return pairFIFO(all), nil
}

func (c *Client) addLeg(ctx context.Context, pair, side, orderType, price, volume string) (string, error) {
	var added addOrderResult
	err := c.private(ctx, "place "+orderType, "AddOrder", url.Values{
		"pair":      {pair},
		"type":      {side},
		"ordertype": {orderType},
		"price":     {price},
		"volume":    {volume},
	}, &added, broker.KindOrderRejected)
	if err != nil {
		return "", err
	}
	if len(added.TxID) == 0 {
		return "", broker.NewError(broker.KindOrderRejected, c.Name(), "place "+orderType, fmt.Errorf("no txid"))
	}
	return added.TxID[0], nil
}

// edit amends an open order and returns the id of its replacement.
func (c *Client) edit(ctx context.Context, h broker.TradeHandle, id string, fields url.Values) (string, error) {
	if id == "" {
		return "", nil
	}
	form := url.Values{"txid": {id}, "pair": {h.Instrument}}
	for k, v := range fields {
		form[k] = v
	}

	var res editOrderResult
	if err := c.private(ctx, "modify stop", "EditOrder", form, &res, broker.KindModifyRejected); err != nil {
		return id, err
	}
	if res.TxID == "" {
		return id, nil
	}
	return res.TxID, nil
}

// cancelSibling removes the protective leg left working after the other one
// filled. On a spot account it would otherwise sell other holdings later.
// Failures are logged; the status read still succeeds.
func (c *Client) cancelSibling(ctx context.Context, h broker.TradeHandle, id string) {
	if err := c.cancel(ctx, id); err != nil && !broker.HasKind(err, broker.KindNotFound) {
		c.log.Error("cancel leftover protective leg", "txid", h.TradeID, "order", id, "error", err)
		return
	}
	c.log.Info("leftover protective leg cancelled", "txid", h.TradeID, "order", id)
}

func (c *Client) cancel(ctx context.Context, id string) error {
	return c.private(ctx, "cancel order", "CancelOrder", url.Values{"txid": {id}}, nil, broker.KindCloseRejected)
}

func (c *Client) queryOrders(ctx context.Context, op string, ids ...string) (map[string]orderInfo, error) {
	var out map[string]orderInfo
	err := c.private(ctx, op, "QueryOrders", url.Values{"txid": {strings.Join(ids, ",")}}, &out, broker.KindNotFound)
	return out, err
}

func (c *Client) public(ctx context.Context, op, endpoint string, query url.Values, out any, rejectKind broker.Kind) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	u := c.baseURL + "/0/public/" + endpoint
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return broker.NewError(broker.KindUnknown, c.Name(), op, err)
	}
	return c.send(req, op, out, rejectKind)
}

func (c *Client) private(ctx context.Context, op, endpoint string, form url.Values, out any, rejectKind broker.Kind) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	path := "/0/private/" + endpoint
	if form == nil {
		form = url.Values{}
	}
	nonce := c.nextNonce()
	form.Set("nonce", nonce)
	body := form.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, strings.NewReader(body))
	if err != nil {
		return broker.NewError(broker.KindUnknown, c.Name(), op, err)
	}
	req.Header.Set("API-Key", c.apiKey)
	req.Header.Set("API-Sign", sign(c.secret, path, nonce, body))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return c.send(req, op, out, rejectKind)
}

func (c *Client) send(req *http.Request, op string, out any, rejectKind broker.Kind) error {
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
		kind := broker.KindForStatus(resp.StatusCode, rejectKind)
		return broker.NewError(kind, c.Name(), op, fmt.Errorf("http %d: %s", resp.StatusCode, strings.TrimSpace(string(data))))
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return broker.NewError(broker.KindUnknown, c.Name(), op, fmt.Errorf("decode response: %w", err))
	}
	if len(env.Error) > 0 {
		return broker.NewError(classify(env.Error, rejectKind), c.Name(), op, fmt.Errorf("%s", strings.Join(env.Error, "; ")))
	}
	if out == nil || len(env.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Result, out); err != nil {
		return broker.NewError(broker.KindUnknown, c.Name(), op, fmt.Errorf("decode result: %w", err))
	}
	return nil
}

// nextNonce returns a strictly increasing millisecond nonce.
func (c *Client) nextNonce() string {
	c.nonceMu.Lock()
	defer c.nonceMu.Unlock()

	n := c.now().UnixMilli()
	if n <= c.lastNonce {
		n = c.lastNonce + 1
	}
	c.lastNonce = n
	return strconv.FormatInt(n, 10)
}

// sign computes API-Sign: HMAC-SHA512 over path ‖ SHA256(nonce ‖ body),
// keyed with the decoded secret.
func sign(secret []byte, path, nonce, body string) string {
	sum := sha256.Sum256([]byte(nonce + body))
	mac := hmac.New(sha512.New, secret)
	mac.Write([]byte(path))
	mac.Write(sum[:])
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// classify maps Kraken's "Ecategory:message" error strings to a kind.
func classify(errs []string, fallback broker.Kind) broker.Kind {
	for _, e := range errs {
		switch {
		case strings.HasPrefix(e, "EAPI:Rate limit"), strings.HasPrefix(e, "EOrder:Rate limit"),
			strings.HasPrefix(e, "EService:"), strings.HasPrefix(e, "EGeneral:Temporary lockout"):
			return broker.KindTransient
		case strings.HasPrefix(e, "EAPI:Invalid key"), strings.HasPrefix(e, "EAPI:Invalid signature"),
			strings.HasPrefix(e, "EAPI:Invalid nonce"), strings.HasPrefix(e, "EGeneral:Permission denied"):
			return broker.KindAuth
		case strings.HasPrefix(e, "EOrder:Unknown order"), strings.HasPrefix(e, "EQuery:Unknown asset pair"):
			if fallback == broker.KindPriceUnavailable {
				return fallback
			}
			return broker.KindNotFound
		}
	}
	return fallback
}

func side(d broker.Direction) string {
	if d == broker.Short {
		return "sell"
	}
	return "buy"
}

func filled(o orderInfo) bool {
	return o.Status == "closed" && num(o.VolExec) > 0
}

// live reports an order still resting on the book.
func live(o orderInfo) bool {
	return o.Status == "open" || o.Status == "pending"
}

func dead(o orderInfo) bool {
	return o.Status == "canceled" || o.Status == "expired"
}

func closedBy(h broker.TradeHandle, o orderInfo, stop bool) broker.Status {
	price := num(o.Price)
	vol := num(o.VolExec)
	return broker.Status{
		State:          broker.StateClosed,
		RealizedPnL:    pnl(h, price, vol, num(o.Fee)),
		AvgClosePrice:  price,
		UnitsRemaining: 0,
		ClosedBySL:     stop,
		ClosedByTP:     !stop,
		Known:          true,
	}
}

// pnl is the result of closing qty of h at price, net of the closing fee.
// Zero when the entry price is unknown.
func pnl(h broker.TradeHandle, price, qty, fee float64) float64 {
	if h.EntryPrice <= 0 || price <= 0 {
		return 0
	}
	return (price-h.EntryPrice)*h.Direction.Sign()*qty - fee
}

func num(s string) float64 {
	f, _ := strconv.ParseFloat(strings.TrimSpace(s), 64)
	return f
}
