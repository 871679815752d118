package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Log      LoggingConfig  `yaml:"log"`
	REST     RESTConfig     `yaml:"rest"`
	WS       WSConfig       `yaml:"ws"`
	State    StateConfig    `yaml:"state"`
	Journal  JournalConfig  `yaml:"journal"`
	Engine   EngineConfig   `yaml:"engine"`
	Risk     RiskConfig     `yaml:"risk"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Telegram TelegramConfig `yaml:"telegram"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

type RESTConfig struct {
	BaseURL     string        `yaml:"base_url"`
	Timeout     time.Duration `yaml:"timeout"`
	RatePerSec  float64       `yaml:"rate_per_sec"`
	RateBurst   int           `yaml:"rate_burst"`
	APRInterval time.Duration `yaml:"apr_interval"`
}

type WSConfig struct {
	URL            string        `yaml:"url"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`
	PingInterval   time.Duration `yaml:"ping_interval"`
}

type StateConfig struct {
	SQLitePath string `yaml:"sqlite_path"`
}

type JournalConfig struct {
	Enabled         bool          `yaml:"enabled"`
	DSN             string        `yaml:"dsn"`
	Schema          string        `yaml:"schema"`
	QueueSize       int           `yaml:"queue_size"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

type EngineConfig struct {
	SpotInst          string        `yaml:"spot_inst"`
	SwapInst          string        `yaml:"swap_inst"`
	Mode              string        `yaml:"mode"`
	EquityUSD         float64       `yaml:"equity_usd"`
	BorrowMultiplier  float64       `yaml:"borrow_multiplier"`
	MaxLoanToValue    float64       `yaml:"max_loan_to_value"`
	EquityHaircut     float64       `yaml:"equity_haircut"`
	LotSize           float64       `yaml:"lot_size"`
	EvalInterval      time.Duration `yaml:"eval_interval"`
	OrderTimeout      time.Duration `yaml:"order_timeout"`
	OrderPollInterval time.Duration `yaml:"order_poll_interval"`
	MaxOrderRetries   int           `yaml:"max_order_retries"`
	RetryBackoff      time.Duration `yaml:"retry_backoff"`
	ShutdownGrace     time.Duration `yaml:"shutdown_grace"`
}

type RiskConfig struct {
	HedgeTolerance       float64       `yaml:"hedge_tolerance"`
	RebalanceBand        float64       `yaml:"rebalance_band"`
	LiquidationFloor     float64       `yaml:"liquidation_floor"`
	FundingFlipIntervals int           `yaml:"funding_flip_intervals"`
	MaxBorrowAPR         float64       `yaml:"max_borrow_apr"`
	FreshnessWindow      time.Duration `yaml:"freshness_window"`
	StaleGraceWindow     time.Duration `yaml:"stale_grace_window"`
}

type MetricsConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

type TelegramConfig struct {
	Enabled bool   `yaml:"enabled"`
	Token   string `yaml:"token"`
	ChatID  string `yaml:"chat_id"`
}

const (
	ModeSim  = "sim"
	ModeLive = "live"
)

func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	applyDefaults(&cfg)
	return &cfg, validate(&cfg)
}

func applyDefaults(cfg *Config) {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.REST.BaseURL == "" {
		cfg.REST.BaseURL = "https://www.okx.com"
	}
	if cfg.REST.Timeout == 0 {
		cfg.REST.Timeout = 10 * time.Second
	}
	if cfg.REST.RatePerSec == 0 {
		cfg.REST.RatePerSec = 10
	}
	if cfg.REST.RateBurst == 0 {
		cfg.REST.RateBurst = 20
	}
	if cfg.REST.APRInterval == 0 {
		cfg.REST.APRInterval = 10 * time.Minute
	}
	if cfg.WS.URL == "" {
		cfg.WS.URL = "wss://ws.okx.com:8443/ws/v5/public"
	}
	if cfg.WS.ReconnectDelay == 0 {
		cfg.WS.ReconnectDelay = 3 * time.Second
	}
	if cfg.WS.PingInterval == 0 {
		cfg.WS.PingInterval = 20 * time.Second
	}
	if cfg.State.SQLitePath == "" {
		cfg.State.SQLitePath = "data/okx-carry-bot.db"
	}
	if cfg.Journal.Schema == "" {
		cfg.Journal.Schema = "public"
	}
	if cfg.Engine.Mode == "" {
		cfg.Engine.Mode = ModeSim
	}
	if cfg.Engine.BorrowMultiplier == 0 {
		cfg.Engine.BorrowMultiplier = 2
	}
	if cfg.Engine.MaxLoanToValue == 0 {
		cfg.Engine.MaxLoanToValue = 3
	}
	if cfg.Engine.EquityHaircut == 0 {
		cfg.Engine.EquityHaircut = 0.95
	}
	if cfg.Engine.LotSize == 0 {
		cfg.Engine.LotSize = 1
	}
	if cfg.Engine.EvalInterval == 0 {
		cfg.Engine.EvalInterval = 5 * time.Second
	}
	if cfg.Engine.OrderTimeout == 0 {
		cfg.Engine.OrderTimeout = 15 * time.Second
	}
	if cfg.Engine.OrderPollInterval == 0 {
		cfg.Engine.OrderPollInterval = 500 * time.Millisecond
	}
	if cfg.Engine.MaxOrderRetries == 0 {
		cfg.Engine.MaxOrderRetries = 5
	}
	if cfg.Engine.RetryBackoff == 0 {
		cfg.Engine.RetryBackoff = 200 * time.Millisecond
	}
	if cfg.Engine.ShutdownGrace == 0 {
		cfg.Engine.ShutdownGrace = 30 * time.Second
	}
	if cfg.Risk.HedgeTolerance == 0 {
		cfg.Risk.HedgeTolerance = 0.02
	}
	if cfg.Risk.RebalanceBand == 0 {
		cfg.Risk.RebalanceBand = 0.01
	}
	if cfg.Risk.LiquidationFloor == 0 {
		cfg.Risk.LiquidationFloor = 0.03
	}
	if cfg.Risk.FundingFlipIntervals == 0 {
		cfg.Risk.FundingFlipIntervals = 3
	}
	if cfg.Risk.MaxBorrowAPR == 0 {
		cfg.Risk.MaxBorrowAPR = 0.08
	}
	if cfg.Risk.FreshnessWindow == 0 {
		cfg.Risk.FreshnessWindow = 15 * time.Second
	}
	if cfg.Risk.StaleGraceWindow == 0 {
		cfg.Risk.StaleGraceWindow = 2 * time.Minute
	}
	if cfg.Metrics.ListenAddr == "" {
		cfg.Metrics.ListenAddr = ":9090"
	}
}

func validate(cfg *Config) error {
	if cfg.Engine.SpotInst == "" {
		return errors.New("engine.spot_inst is required")
	}
	if cfg.Engine.SwapInst == "" {
		return errors.New("engine.swap_inst is required")
	}
	if cfg.Engine.Mode != ModeSim && cfg.Engine.Mode != ModeLive {
		return fmt.Errorf("engine.mode must be %q or %q", ModeSim, ModeLive)
	}
	if cfg.Engine.BorrowMultiplier <= 0 {
		return errors.New("engine.borrow_multiplier must be > 0")
	}
	if cfg.Engine.BorrowMultiplier > cfg.Engine.MaxLoanToValue {
		return errors.New("engine.borrow_multiplier exceeds engine.max_loan_to_value")
	}
	if cfg.Engine.EquityHaircut <= 0 || cfg.Engine.EquityHaircut > 1 {
		return errors.New("engine.equity_haircut must be in (0, 1]")
	}
	if cfg.Risk.HedgeTolerance <= 0 {
		return errors.New("risk.hedge_tolerance must be > 0")
	}
	if cfg.Risk.RebalanceBand < cfg.Risk.HedgeTolerance/2 {
		return errors.New("risk.rebalance_band too tight against risk.hedge_tolerance")
	}
	if cfg.Risk.LiquidationFloor <= 0 {
		return errors.New("risk.liquidation_floor must be > 0")
	}
	if cfg.Risk.StaleGraceWindow < cfg.Risk.FreshnessWindow {
		return errors.New("risk.stale_grace_window must be >= risk.freshness_window")
	}
	if cfg.Journal.Enabled && cfg.Journal.DSN == "" {
		return errors.New("journal.dsn is required when journal.enabled")
	}
	return nil
}
