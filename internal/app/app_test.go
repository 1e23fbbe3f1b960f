package app

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/camuig/trade-tracker/internal/broker"
	"github.com/camuig/trade-tracker/internal/config"
	"github.com/camuig/trade-tracker/internal/instrument"
	"github.com/camuig/trade-tracker/internal/logger"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	t.Setenv("OANDA_API_TOKEN", "")
	t.Setenv("TRACKER_DB_PATH", "")

	cfg, err := config.Parse([]byte(`
brokers:
  oanda:
    enabled: true
    token: tok
    account_id: 101-001
    practice: true
risk:
  budgets:
    CHF: 40
`))
	require.NoError(t, err)
	cfg.Database.Path = filepath.Join(t.TempDir(), "app.db")
	return cfg
}

func TestNew_WiresServices(t *testing.T) {
	a, err := New(context.Background(), testConfig(t), logger.Discard())
	require.NoError(t, err)
	defer a.Close()

	assert.Equal(t, []string{instrument.BrokerOanda}, a.Brokers.Names())
	assert.NotNil(t, a.Tracker)
	assert.NotNil(t, a.Executor)
	assert.NotNil(t, a.Reconcile)

	amount, err := a.Repo.RiskBudget(context.Background(), "CHF")
	require.NoError(t, err)
	assert.Equal(t, 40.0, amount)
}

func TestBrokers(t *testing.T) {
	cfg := testConfig(t)
	catalog, err := instrument.NewCatalog(nil)
	require.NoError(t, err)

	cfg.Brokers.Kraken = config.KrakenConfig{Enabled: true, APIKey: "k", APISecret: "c2VjcmV0"}
	reg, err := Brokers(cfg, catalog, logger.Discard())
	require.NoError(t, err)
	assert.Equal(t, []string{instrument.BrokerKraken, instrument.BrokerOanda}, reg.Names())

	cfg.Brokers.Kraken.APISecret = "not base64!"
	_, err = Brokers(cfg, catalog, logger.Discard())
	assert.Error(t, err)

	cfg.Brokers.Oanda.Enabled = false
	cfg.Brokers.Kraken.Enabled = false
	_, err = Brokers(cfg, catalog, logger.Discard())
	assert.Error(t, err)
}

func TestBrokers_KrakenLogsBrokerOnce(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/0/private/QueryOrders":
			fmt.Fprint(w, `{"error":[],"result":{"OSL":{"status":"closed","vol_exec":"0.01","price":"63000","fee":"0"},"OTP":{"status":"open","vol_exec":"0"}}}`)
		default:
			fmt.Fprint(w, `{"error":["EService:Unavailable"]}`)
		}
	}))
	defer server.Close()

	cfg := testConfig(t)
	cfg.Brokers.Kraken = config.KrakenConfig{Enabled: true, APIKey: "k", APISecret: "c2VjcmV0", BaseURL: server.URL}
	catalog, err := instrument.NewCatalog(nil)
	require.NoError(t, err)

	var buf bytes.Buffer
	reg, err := Brokers(cfg, catalog, logger.NewWithFormat("info", "json", &buf))
	require.NoError(t, err)
	client, err := reg.Get(instrument.BrokerKraken)
	require.NoError(t, err)

	_, err = client.GetStatus(context.Background(), broker.TradeHandle{
		TradeID: "OENTRY", StopOrderID: "OSL", TakeProfitOrderID: "OTP",
		Instrument: "XBTUSD", Direction: broker.Long, Units: 0.01, EntryPrice: 64000,
	})
	require.NoError(t, err)

	line := strings.TrimSpace(buf.String())
	require.NotEmpty(t, line)
	assert.Equal(t, 1, strings.Count(line, `"broker":"kraken"`))
}
