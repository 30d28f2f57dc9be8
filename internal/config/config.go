// Package config defines the engine's configuration and validation helpers.
package config

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/quantfray/trading-core/internal/book"
	"github.com/quantfray/trading-core/internal/feed"
	"github.com/quantfray/trading-core/internal/risk"
)

// Config is the root configuration. Fields are populated from a TOML file
// and then optionally overridden by TRADING_* environment variables.
type Config struct {
	Engine   EngineConfig   `toml:"engine"`
	Feed     FeedConfig     `toml:"feed"`
	Book     BookConfig     `toml:"book"`
	Risk     RiskConfig     `toml:"risk"`
	Broker   BrokerConfig   `toml:"broker"`
	Postgres PostgresConfig `toml:"postgres"`
	Redis    RedisConfig    `toml:"redis"`
	Server   ServerConfig   `toml:"server"`
	LogLevel string         `toml:"log_level"`
}

// EngineConfig holds the symbols to trade and the risk-monitor cadence.
type EngineConfig struct {
	Symbols                []string `toml:"symbols"`
	MonitorIntervalSeconds int      `toml:"monitor_interval_seconds"`
}

// FeedConfig holds market-data endpoints and the venue sequence contract.
type FeedConfig struct {
	WSURL               string `toml:"ws_url"`
	RestURL             string `toml:"rest_url"`
	SequenceRule        string `toml:"sequence_rule"` // "strict" or "range"
	SnapshotBackoffMs   int    `toml:"snapshot_backoff_ms"`
	MaxSnapshotFailures int    `toml:"max_snapshot_failures"`
}

// BookConfig tunes per-symbol order book thresholds.
type BookConfig struct {
	StaleAfterMs      int     `toml:"stale_after_ms"`
	ImbalanceCap      float64 `toml:"imbalance_cap"`
	ReferenceNotional float64 `toml:"reference_notional"`
}

// RiskConfig holds the risk limits in plain numbers; RiskLimits converts
// them to the decimal form the risk package consumes.
type RiskConfig struct {
	MaxPositionNotional    float64            `toml:"max_position_notional"`
	MaxInstrumentExposure  float64            `toml:"max_instrument_exposure"`
	DailyLossFloor         float64            `toml:"daily_loss_floor"`
	MaxDrawdownFloor       float64            `toml:"max_drawdown_floor"`
	MinHoldSeconds         int64              `toml:"min_hold_seconds"`
	MaxHoldSeconds         int64              `toml:"max_hold_seconds"`
	MaxOrdersPerMinute     int                `toml:"max_orders_per_minute"`
	MaxLeverage            int                `toml:"max_leverage"`
	LiquidationBuffer      float64            `toml:"liquidation_buffer"`
	DefaultMaintMarginRate float64            `toml:"default_maint_margin_rate"`
	MaintMarginRates       map[string]float64 `toml:"maint_margin_rates"`
	DefaultStopLossPct     float64            `toml:"default_stop_loss_pct"`
	DefaultTakeProfitPct   float64            `toml:"default_take_profit_pct"`
}

// BrokerConfig holds paper-broker parameters.
type BrokerConfig struct {
	InitialBalance float64 `toml:"initial_balance"`
}

// PostgresConfig holds the audit database connection parameters.
type PostgresConfig struct {
	DSN          string `toml:"dsn"`
	PoolMaxConns int    `toml:"pool_max_conns"`
}

// RedisConfig holds the book-cache connection parameters.
type RedisConfig struct {
	Addr           string `toml:"addr"`
	Password       string `toml:"password"`
	DB             int    `toml:"db"`
	CacheTTLMs     int    `toml:"cache_ttl_ms"`
	EnableBookPush bool   `toml:"enable_book_push"`
}

// ServerConfig holds the HTTP API parameters.
type ServerConfig struct {
	Port int `toml:"port"`
}

// Defaults returns a configuration suitable for local paper trading.
func Defaults() Config {
	rl := risk.DefaultLimits()
	return Config{
		Engine: EngineConfig{
			Symbols:                []string{"BTCUSDT"},
			MonitorIntervalSeconds: 5,
		},
		Feed: FeedConfig{
			WSURL:               "ws://localhost:9443/ws",
			RestURL:             "http://localhost:9443",
			SequenceRule:        "range",
			SnapshotBackoffMs:   500,
			MaxSnapshotFailures: 5,
		},
		Book: BookConfig{
			StaleAfterMs:      1000,
			ImbalanceCap:      100,
			ReferenceNotional: 1_000_000,
		},
		Risk: RiskConfig{
			MaxPositionNotional:    rl.MaxPositionNotional.InexactFloat64(),
			MaxInstrumentExposure:  rl.MaxInstrumentExposure.InexactFloat64(),
			DailyLossFloor:         rl.DailyLossFloor.InexactFloat64(),
			MaxDrawdownFloor:       rl.MaxDrawdownFloor.InexactFloat64(),
			MinHoldSeconds:         rl.MinHoldSeconds,
			MaxHoldSeconds:         rl.MaxHoldSeconds,
			MaxOrdersPerMinute:     rl.MaxOrdersPerMinute,
			MaxLeverage:            rl.MaxLeverage,
			LiquidationBuffer:      rl.LiquidationBuffer.InexactFloat64(),
			DefaultMaintMarginRate: rl.DefaultMaintenanceMarginRate.InexactFloat64(),
			MaintMarginRates:       map[string]float64{},
			DefaultStopLossPct:     rl.DefaultStopLossPct.InexactFloat64(),
			DefaultTakeProfitPct:   rl.DefaultTakeProfitPct.InexactFloat64(),
		},
		Broker: BrokerConfig{
			InitialBalance: 10_000,
		},
		Redis: RedisConfig{
			CacheTTLMs:     5000,
			EnableBookPush: true,
		},
		Server: ServerConfig{
			Port: 8080,
		},
		LogLevel: "info",
	}
}

// Validate checks the configuration for internal consistency.
func (c Config) Validate() error {
	if len(c.Engine.Symbols) == 0 {
		return fmt.Errorf("config: engine.symbols must not be empty")
	}
	if c.Engine.MonitorIntervalSeconds <= 0 {
		return fmt.Errorf("config: engine.monitor_interval_seconds must be positive")
	}
	if c.Feed.WSURL == "" || c.Feed.RestURL == "" {
		return fmt.Errorf("config: feed.ws_url and feed.rest_url are required")
	}
	if c.Feed.SequenceRule != "strict" && c.Feed.SequenceRule != "range" {
		return fmt.Errorf("config: feed.sequence_rule must be %q or %q, got %q", "strict", "range", c.Feed.SequenceRule)
	}
	if c.Broker.InitialBalance <= 0 {
		return fmt.Errorf("config: broker.initial_balance must be positive")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("config: server.port out of range")
	}
	if err := c.RiskLimits().Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// RiskLimits converts the risk section into the decimal limits the risk
// package consumes.
func (c Config) RiskLimits() risk.Limits {
	rates := make(map[string]decimal.Decimal, len(c.Risk.MaintMarginRates))
	for sym, r := range c.Risk.MaintMarginRates {
		rates[sym] = decimal.NewFromFloat(r)
	}
	return risk.Limits{
		MaxPositionNotional:          decimal.NewFromFloat(c.Risk.MaxPositionNotional),
		MaxInstrumentExposure:        decimal.NewFromFloat(c.Risk.MaxInstrumentExposure),
		DailyLossFloor:               decimal.NewFromFloat(c.Risk.DailyLossFloor),
		MaxDrawdownFloor:             decimal.NewFromFloat(c.Risk.MaxDrawdownFloor),
		MinHoldSeconds:               c.Risk.MinHoldSeconds,
		MaxHoldSeconds:               c.Risk.MaxHoldSeconds,
		MaxOrdersPerMinute:           c.Risk.MaxOrdersPerMinute,
		MaxLeverage:                  c.Risk.MaxLeverage,
		LiquidationBuffer:            decimal.NewFromFloat(c.Risk.LiquidationBuffer),
		DefaultMaintenanceMarginRate: decimal.NewFromFloat(c.Risk.DefaultMaintMarginRate),
		MaintenanceMarginRates:       rates,
		DefaultStopLossPct:           decimal.NewFromFloat(c.Risk.DefaultStopLossPct),
		DefaultTakeProfitPct:         decimal.NewFromFloat(c.Risk.DefaultTakeProfitPct),
	}
}

// BookOptions converts the book section into book.Options.
func (c Config) BookOptions() book.Options {
	return book.Options{
		StaleAfter:        time.Duration(c.Book.StaleAfterMs) * time.Millisecond,
		ImbalanceCap:      c.Book.ImbalanceCap,
		ReferenceNotional: decimal.NewFromFloat(c.Book.ReferenceNotional),
	}
}

// SequenceRule maps the feed section's rule name to the feed package enum.
func (c Config) SequenceRule() feed.SequenceRule {
	if c.Feed.SequenceRule == "strict" {
		return feed.StrictIncrement
	}
	return feed.RangeContiguous
}

// FeedSyncConfig builds the synchronizer config for one symbol.
func (c Config) FeedSyncConfig(symbol string) feed.Config {
	return feed.Config{
		Symbol:              symbol,
		Rule:                c.SequenceRule(),
		SnapshotBackoff:     time.Duration(c.Feed.SnapshotBackoffMs) * time.Millisecond,
		MaxSnapshotFailures: c.Feed.MaxSnapshotFailures,
	}
}

// MonitorInterval returns the risk-monitor cadence.
func (c Config) MonitorInterval() time.Duration {
	return time.Duration(c.Engine.MonitorIntervalSeconds) * time.Second
}
