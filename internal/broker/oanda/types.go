package oanda

import (
	"strconv"
	"strings"
	"time"
)

type priceBucket struct {
	Price string `json:"price"`
}

type clientPrice struct {
	Instrument string        `json:"instrument"`
	Bids       []priceBucket `json:"bids"`
	Asks       []priceBucket `json:"asks"`
}

type pricingResponse struct {
	Prices []clientPrice `json:"prices"`
}

type priceDetails struct {
	Price string `json:"price"`
}

type marketOrder struct {
	Type             string        `json:"type"`
	Instrument       string        `json:"instrument"`
	Units            string        `json:"units"`
	TimeInForce      string        `json:"timeInForce"`
	PositionFill     string        `json:"positionFill"`
	StopLossOnFill   *priceDetails `json:"stopLossOnFill,omitempty"`
	TakeProfitOnFill *priceDetails `json:"takeProfitOnFill,omitempty"`
}

type orderRequest struct {
	Order marketOrder `json:"order"`
}

type tradeChange struct {
	TradeID    string `json:"tradeID"`
	Units      string `json:"units"`
	Price      string `json:"price"`
	RealizedPL string `json:"realizedPL"`
}

type fillTransaction struct {
	ID           string        `json:"id"`
	Price        string        `json:"price"`
	PL           string        `json:"pl"`
	TradeOpened  *tradeChange  `json:"tradeOpened"`
	TradeReduced *tradeChange  `json:"tradeReduced"`
	TradesClosed []tradeChange `json:"tradesClosed"`
}

type cancelTransaction struct {
	ID     string `json:"id"`
	Reason string `json:"reason"`
}

type orderResponse struct {
	OrderFillTransaction   *fillTransaction   `json:"orderFillTransaction"`
	OrderCancelTransaction *cancelTransaction `json:"orderCancelTransaction"`
}

type closeRequest struct {
	Units string `json:"units"`
}

type closeResponse struct {
	OrderFillTransaction   *fillTransaction   `json:"orderFillTransaction"`
	OrderCancelTransaction *cancelTransaction `json:"orderCancelTransaction"`
}

type stopLossDetails struct {
	Price       string `json:"price"`
	TimeInForce string `json:"timeInForce"`
}

type tradeOrdersRequest struct {
	StopLoss *stopLossDetails `json:"stopLoss,omitempty"`
}

type rejectTransaction struct {
	RejectReason string `json:"rejectReason"`
}

type tradeOrdersResponse struct {
	StopLossOrderRejectTransaction *rejectTransaction `json:"stopLossOrderRejectTransaction"`
}

type orderState struct {
	ID    string `json:"id"`
	State string `json:"state"`
}

type trade struct {
	ID                    string      `json:"id"`
	Instrument            string      `json:"instrument"`
	Price                 string      `json:"price"`
	OpenTime              string      `json:"openTime"`
	State                 string      `json:"state"`
	InitialUnits          string      `json:"initialUnits"`
	CurrentUnits          string      `json:"currentUnits"`
	RealizedPL            string      `json:"realizedPL"`
	AverageClosePrice     string      `json:"averageClosePrice"`
	CloseTime             string      `json:"closeTime"`
	TakeProfitOrder       *orderState `json:"takeProfitOrder"`
	StopLossOrder         *orderState `json:"stopLossOrder"`
	TrailingStopLossOrder *orderState `json:"trailingStopLossOrder"`
}

type tradeResponse struct {
	Trade trade `json:"trade"`
}

type tradesResponse struct {
	Trades []trade `json:"trades"`
}

type errorResponse struct {
	ErrorCode    string `json:"errorCode"`
	ErrorMessage string `json:"errorMessage"`
}

func parseNum(s string) (float64, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.ParseFloat(strings.TrimSpace(s), 64)
}

// parseTime accepts RFC3339 and the UNIX "seconds.nanos" form; anything else
// yields the zero time.
func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC()
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		sec := int64(f)
		return time.Unix(sec, int64((f-float64(sec))*1e9)).UTC()
	}
	return time.Time{}
}
