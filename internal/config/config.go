package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Database    DatabaseConfig              `yaml:"database"`
	Brokers     BrokersConfig               `yaml:"brokers"`
	Tracker     TrackerConfig               `yaml:"tracker"`
	Reconcile   ReconcileConfig             `yaml:"reconcile"`
	Risk        RiskConfig                  `yaml:"risk"`
	Instruments map[string]InstrumentConfig `yaml:"instruments"`
	Telegram    TelegramConfig              `yaml:"telegram"`
	Web         WebConfig                   `yaml:"web"`
	Logging     LoggingConfig               `yaml:"logging"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

type BrokersConfig struct {
	Oanda  OandaConfig  `yaml:"oanda"`
	Kraken KrakenConfig `yaml:"kraken"`
}

type OandaConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Token     string `yaml:"token"`
	AccountID string `yaml:"account_id"`
	Practice  bool   `yaml:"practice"`
	BaseURL   string `yaml:"base_url"`
}

type KrakenConfig struct {
	Enabled   bool   `yaml:"enabled"`
	APIKey    string `yaml:"api_key"`
	APISecret string `yaml:"api_secret"`
	BaseURL   string `yaml:"base_url"`
}

type TrackerConfig struct {
	Interval              string `yaml:"interval"`
	RequestTimeoutSeconds int    `yaml:"request_timeout_seconds"`
	Concurrency           int    `yaml:"concurrency"`
	AutoCloseMinutes      int    `yaml:"auto_close_minutes"`
	WeekendClose          string `yaml:"weekend_close_utc"`
}

type ReconcileConfig struct {
	HistoryLimit   int     `yaml:"history_limit"`
	PriceTolerance float64 `yaml:"price_tolerance"`
	TimeWindow     string  `yaml:"time_window"`
}

// RiskConfig holds the default risk budget per account currency. The values
// seed the settings table; the table wins once it exists.
type RiskConfig struct {
	Budgets map[string]float64 `yaml:"budgets"`
}

// InstrumentConfig overrides or extends the built-in instrument catalog.
type InstrumentConfig struct {
	Broker         string         `yaml:"broker"`
	Decimals       *int           `yaml:"decimals"`
	Step           float64        `yaml:"step"`
	QuoteCurrency  string         `yaml:"quote_currency"`
	Forex          *bool          `yaml:"forex"`
	MatchTolerance float64        `yaml:"match_tolerance"`
	Session        *SessionConfig `yaml:"session"`
}

type SessionConfig struct {
	TZ       string `yaml:"tz"`
	TradeEnd string `yaml:"trade_end"`
}

type TelegramConfig struct {
	Enabled  bool   `yaml:"enabled"`
	BotToken string `yaml:"bot_token"`
	ChatID   int64  `yaml:"chat_id"`
}

type WebConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads the YAML file at path, applies defaults and environment
// overrides, and validates the result. A .env file next to the binary is
// loaded first when present.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse builds a Config from raw YAML. It is Load without the file system.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyEnv(cfg)
	setDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

func applyEnv(cfg *Config) {
	override := func(dst *string, key string) {
		if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	override(&cfg.Brokers.Oanda.Token, "OANDA_API_TOKEN")
	override(&cfg.Brokers.Oanda.AccountID, "OANDA_ACCOUNT_ID")
	override(&cfg.Brokers.Oanda.BaseURL, "OANDA_API_URL")
	override(&cfg.Brokers.Kraken.APIKey, "KRAKEN_API_KEY")
	override(&cfg.Brokers.Kraken.APISecret, "KRAKEN_API_SECRET")
	override(&cfg.Telegram.BotToken, "TELEGRAM_BOT_TOKEN")
	override(&cfg.Database.Path, "TRACKER_DB_PATH")
}

func setDefaults(cfg *Config) {
	if cfg.Database.Path == "" {
		cfg.Database.Path = "data/trade-tracker.db"
	}
	if cfg.Tracker.Interval == "" {
		cfg.Tracker.Interval = "30s"
	}
	if cfg.Tracker.RequestTimeoutSeconds == 0 {
		cfg.Tracker.RequestTimeoutSeconds = 10
	}
	if cfg.Tracker.Concurrency == 0 {
		cfg.Tracker.Concurrency = 4
	}
	if cfg.Tracker.AutoCloseMinutes == 0 {
		cfg.Tracker.AutoCloseMinutes = 5
	}
	if cfg.Tracker.WeekendClose == "" {
		cfg.Tracker.WeekendClose = "20:55"
	}
	if cfg.Reconcile.HistoryLimit == 0 {
		cfg.Reconcile.HistoryLimit = 500
	}
	if cfg.Reconcile.PriceTolerance == 0 {
		cfg.Reconcile.PriceTolerance = 0.001
	}
	if cfg.Reconcile.TimeWindow == "" {
		cfg.Reconcile.TimeWindow = "10m"
	}
	if len(cfg.Risk.Budgets) == 0 {
		cfg.Risk.Budgets = map[string]float64{"CHF": 50, "USD": 50}
	}
	if cfg.Web.Port == 0 {
		cfg.Web.Port = 8080
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
}

func (c *Config) Validate() error {
	if !c.Brokers.Oanda.Enabled && !c.Brokers.Kraken.Enabled {
		return fmt.Errorf("at least one broker must be enabled")
	}
	if c.Brokers.Oanda.Enabled {
		if c.Brokers.Oanda.Token == "" {
			return fmt.Errorf("brokers.oanda.token is required")
		}
		if c.Brokers.Oanda.AccountID == "" {
			return fmt.Errorf("brokers.oanda.account_id is required")
		}
	}
	if c.Brokers.Kraken.Enabled {
		if c.Brokers.Kraken.APIKey == "" || c.Brokers.Kraken.APISecret == "" {
			return fmt.Errorf("brokers.kraken.api_key and api_secret are required")
		}
	}
	if d, err := time.ParseDuration(c.Tracker.Interval); err != nil || d <= 0 {
		return fmt.Errorf("invalid tracker.interval %q", c.Tracker.Interval)
	}
	if _, err := time.ParseDuration(c.Reconcile.TimeWindow); err != nil {
		return fmt.Errorf("invalid reconcile.time_window %q: %w", c.Reconcile.TimeWindow, err)
	}
	if _, err := parseClock(c.Tracker.WeekendClose); err != nil {
		return fmt.Errorf("invalid tracker.weekend_close_utc: %w", err)
	}
	for name, inst := range c.Instruments {
		if inst.Step < 0 {
			return fmt.Errorf("instruments.%s.step must not be negative", name)
		}
		if inst.Session != nil {
			if _, err := parseClock(inst.Session.TradeEnd); err != nil {
				return fmt.Errorf("instruments.%s.session.trade_end: %w", name, err)
			}
			if _, err := time.LoadLocation(inst.Session.TZ); err != nil {
				return fmt.Errorf("instruments.%s.session.tz: %w", name, err)
			}
		}
	}
	if c.Telegram.Enabled {
		if c.Telegram.BotToken == "" {
			return fmt.Errorf("telegram.bot_token is required when telegram is enabled")
		}
		if c.Telegram.ChatID == 0 {
			return fmt.Errorf("telegram.chat_id is required when telegram is enabled")
		}
	}
	return nil
}

func (c *Config) TrackerInterval() time.Duration {
	d, _ := time.ParseDuration(c.Tracker.Interval)
	return d
}

func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.Tracker.RequestTimeoutSeconds) * time.Second
}

func (c *Config) AutoCloseWindow() time.Duration {
	return time.Duration(c.Tracker.AutoCloseMinutes) * time.Minute
}

// WeekendCloseUTC returns the Friday cut-off as minutes after midnight UTC.
func (c *Config) WeekendCloseUTC() int {
	m, _ := parseClock(c.Tracker.WeekendClose)
	return m
}

func (c *Config) ReconcileWindow() time.Duration {
	d, _ := time.ParseDuration(c.Reconcile.TimeWindow)
	return d
}

// ParseClock parses "HH:MM" into minutes after midnight.
func ParseClock(s string) (int, error) {
	return parseClock(s)
}

func parseClock(s string) (int, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("want HH:MM, got %q", s)
	}
	return t.Hour()*60 + t.Minute(), nil
}
