// Package instrument describes the tradable instruments: price precision, lot
// step, quote currency and trading session. Every price sent to a broker is
// formatted through a Spec so it never carries more decimals than the broker
// accepts.
package instrument

import (
	"math"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/shopspring/decimal"

	"github.com/camuig/trade-tracker/internal/config"
)

const (
	BrokerOanda  = "oanda"
	BrokerKraken = "kraken"
)

type Spec struct {
	Name          string
	Broker        string
	Decimals      int
	Step          float64
	QuoteCurrency string
	Forex         bool
	// MatchTolerance overrides the reconciliation price tolerance when > 0.
	MatchTolerance float64
	Session        *Session
}

// Session is the part of the trading day during which positions may stay open.
type Session struct {
	Location *time.Location
	TradeEnd int // minutes after local midnight
}

// FormatPrice renders p with exactly Decimals digits, rounding half away from zero.
func (s Spec) FormatPrice(p float64) string {
	return decimal.NewFromFloat(p).StringFixed(int32(s.Decimals))
}

// RoundPrice rounds p to the instrument's precision.
func (s Spec) RoundPrice(p float64) float64 {
	return decimal.NewFromFloat(p).Round(int32(s.Decimals)).InexactFloat64()
}

// FormatUnits renders a quantity with as many decimals as the step needs.
func (s Spec) FormatUnits(u float64) string {
	return decimal.NewFromFloat(u).StringFixed(stepDecimals(s.Step))
}

// BreakevenOffset is the small distance beyond entry at which a break-even
// stop is placed so the locked result is strictly positive.
func (s Spec) BreakevenOffset() float64 {
	switch s.Decimals {
	case 1, 2:
		return 0.1
	case 3:
		return 0.01
	case 5:
		return 0.0001
	}
	return math.Pow10(-s.Decimals)
}

// FloorToStep floors a non-negative quantity to a multiple of step.
func FloorToStep(units, step float64) float64 {
	if step <= 0 || units <= 0 {
		return 0
	}
	d := decimal.NewFromFloat(units)
	st := decimal.NewFromFloat(step)
	return d.Div(st).Floor().Mul(st).InexactFloat64()
}

func stepDecimals(step float64) int32 {
	if step <= 0 {
		return 0
	}
	exp := decimal.NewFromFloat(step).Exponent()
	if exp >= 0 {
		return 0
	}
	return -exp
}

// Catalog resolves instrument names to specs.
type Catalog struct {
	specs map[string]Spec
}

// NewCatalog merges the built-in instruments with the configured overrides.
func NewCatalog(overrides map[string]config.InstrumentConfig) (*Catalog, error) {
	c := &Catalog{specs: builtins()}

	for name, o := range overrides {
		spec, ok := c.specs[name]
		if !ok {
			spec = defaultSpec(name)
		}
		if o.Broker != "" {
			spec.Broker = o.Broker
		}
		if o.Decimals != nil {
			spec.Decimals = *o.Decimals
		}
		if o.Step > 0 {
			spec.Step = o.Step
		}
		if o.QuoteCurrency != "" {
			spec.QuoteCurrency = strings.ToUpper(o.QuoteCurrency)
		}
		if o.Forex != nil {
			spec.Forex = *o.Forex
		}
		if o.MatchTolerance > 0 {
			spec.MatchTolerance = o.MatchTolerance
		}
		if o.Session != nil {
			sess, err := newSession(o.Session.TZ, o.Session.TradeEnd)
			if err != nil {
				return nil, err
			}
			spec.Session = sess
		}
		c.specs[name] = spec
	}

	return c, nil
}

// Lookup returns the spec for name, or a conservative default (2 decimals,
// step 1) when the instrument is unknown.
func (c *Catalog) Lookup(name string) Spec {
	if spec, ok := c.specs[name]; ok {
		return spec
	}
	return defaultSpec(name)
}

func (c *Catalog) Known(name string) bool {
	_, ok := c.specs[name]
	return ok
}

func defaultSpec(name string) Spec {
	return Spec{
		Name:          name,
		Broker:        BrokerOanda,
		Decimals:      2,
		Step:          1,
		QuoteCurrency: quoteFromName(name),
	}
}

// quoteFromName derives the quote currency from OANDA style names (EUR_USD → USD).
func quoteFromName(name string) string {
	if i := strings.LastIndex(name, "_"); i >= 0 && i+1 < len(name) {
		return name[i+1:]
	}
	return ""
}

func newSession(tz, tradeEnd string) (*Session, error) {
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, err
	}
	end, err := config.ParseClock(tradeEnd)
	if err != nil {
		return nil, err
	}
	return &Session{Location: loc, TradeEnd: end}, nil
}

func mustSession(tz, tradeEnd string) *Session {
	s, err := newSession(tz, tradeEnd)
	if err != nil {
		panic(err)
	}
	return s
}

func builtins() map[string]Spec {
	specs := make(map[string]Spec)

	fx := map[string]int{
		"USD_CHF": 5, "EUR_USD": 5, "GBP_USD": 5, "EUR_GBP": 5, "AUD_USD": 5,
		"NZD_USD": 5, "USD_CAD": 5, "USD_JPY": 3, "EUR_JPY": 3, "GBP_JPY": 3,
	}
	for name, dec := range fx {
		specs[name] = Spec{
			Name: name, Broker: BrokerOanda, Decimals: dec, Step: 1,
			QuoteCurrency: quoteFromName(name), Forex: true,
		}
	}

	ny := mustSession("America/New_York", "11:30")
	for _, name := range []string{"SPX500_USD", "NAS100_USD", "US30_USD", "US2000_USD"} {
		specs[name] = Spec{
			Name: name, Broker: BrokerOanda, Decimals: 1, Step: 0.1,
			QuoteCurrency: "USD", Session: ny,
		}
	}

	crypto := []struct {
		pair     string
		decimals int
		step     float64
	}{
		{"XBTUSD", 1, 0.0001},
		{"ETHUSD", 2, 0.001},
		{"SOLUSD", 2, 0.01},
		{"ADAUSD", 6, 1},
		{"XDGUSD", 5, 1},
		{"XXRPZUSD", 5, 1},
		{"LINKUSD", 3, 0.1},
		{"XXMRZUSD", 2, 0.01},
		{"PEPEUSD", 9, 1000},
		{"ATOMUSD", 4, 0.1},
	}
	for _, c := range crypto {
		specs[c.pair] = Spec{
			Name: c.pair, Broker: BrokerKraken, Decimals: c.decimals, Step: c.step,
			QuoteCurrency: "USD",
		}
	}

	return specs
}
