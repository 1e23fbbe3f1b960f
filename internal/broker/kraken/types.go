package kraken

import (
	"encoding/json"
	"math"
	"sort"
	"time"

	"github.com/camuig/trade-tracker/internal/broker"
)

type envelope struct {
	Error  []string        `json:"error"`
	Result json.RawMessage `json:"result"`
}

type tickerInfo struct {
	Ask []string `json:"a"`
	Bid []string `json:"b"`
}

type addOrderResult struct {
	TxID  []string `json:"txid"`
	Descr struct {
		Order string `json:"order"`
	} `json:"descr"`
}

type editOrderResult struct {
	TxID         string `json:"txid"`
	OriginalTxID string `json:"originaltxid"`
	Status       string `json:"status"`
}

type orderDescr struct {
	Pair      string `json:"pair"`
	Type      string `json:"type"`
	OrderType string `json:"ordertype"`
	Price     string `json:"price"`
	Price2    string `json:"price2"`
}

type orderInfo struct {
	Status  string     `json:"status"`
	OpenTm  float64    `json:"opentm"`
	CloseTm float64    `json:"closetm"`
	Vol     string     `json:"vol"`
	VolExec string     `json:"vol_exec"`
	Cost    string     `json:"cost"`
	Fee     string     `json:"fee"`
	Price   string     `json:"price"`
	Descr   orderDescr `json:"descr"`
}

type closedOrdersResult struct {
	Closed map[string]orderInfo `json:"closed"`
	Count  int                  `json:"count"`
}

type execution struct {
	id   string
	info orderInfo
}

func (e execution) at() float64 {
	if e.info.CloseTm > 0 {
		return e.info.CloseTm
	}
	return e.info.OpenTm
}

type lot struct {
	entry     execution
	dir       broker.Direction
	price     float64
	volume    float64
	remaining float64
	fee       float64
	pnl       float64
	closedAt  float64
}

const volEpsilon = 1e-12

// pairFIFO rebuilds round-trip trades from individual fills. Per pair, a fill
// against the side of the oldest open lot closes it first-in first-out; any
// volume left over opens a new lot.
func pairFIFO(execs []execution) []broker.ClosedTrade {
	sort.Slice(execs, func(i, j int) bool {
		if execs[i].at() != execs[j].at() {
			return execs[i].at() < execs[j].at()
		}
		return execs[i].id < execs[j].id
	})

	open := make(map[string][]*lot)
	var out []broker.ClosedTrade

	for _, e := range execs {
		pair := e.info.Descr.Pair
		dir := broker.Long
		if e.info.Descr.Type == "sell" {
			dir = broker.Short
		}
		price := num(e.info.Price)
		vol := num(e.info.VolExec)
		fee := num(e.info.Fee)
		total := vol

		queue := open[pair]
		for vol > volEpsilon && len(queue) > 0 && queue[0].dir != dir {
			l := queue[0]
			m := math.Min(vol, l.remaining)
			l.pnl += (price-l.price)*l.dir.Sign()*m - fee*m/total - l.fee*m/l.volume
			l.remaining -= m
			l.closedAt = e.at()
			vol -= m

			if l.remaining <= volEpsilon {
				out = append(out, broker.ClosedTrade{
					ID:          l.entry.id,
					Instrument:  pair,
					Direction:   l.dir,
					OpenPrice:   l.price,
					OpenTime:    unixTime(l.entry.at()),
					CloseTime:   unixTime(l.closedAt),
					RealizedPnL: l.pnl,
				})
				queue = queue[1:]
			}
		}

		if vol > volEpsilon {
			queue = append(queue, &lot{
				entry:     e,
				dir:       dir,
				price:     price,
				volume:    vol,
				remaining: vol,
				fee:       fee * vol / total,
			})
		}
		open[pair] = queue
	}
	return out
}

func unixTime(f float64) time.Time {
	if f <= 0 {
		return time.Time{}
	}
	sec, frac := math.Modf(f)
	return time.Unix(int64(sec), int64(frac*1e9)).UTC()
}
