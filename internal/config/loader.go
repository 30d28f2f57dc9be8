package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path (skipped when path is empty
// or the file does not exist), merges it on top of the built-in defaults,
// and applies TRADING_* environment variable overrides. The returned Config
// has NOT been validated; call Config.Validate after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("config: decode %s: %w", path, err)
			}
		}
	}

	// Load .env if present; secrets land in the environment overrides.
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides overwrites config fields from well-known TRADING_*
// variables when set, so operators can inject endpoints and secrets at
// deploy time without touching the TOML file.
func applyEnvOverrides(cfg *Config) {
	setStringSlice(&cfg.Engine.Symbols, "TRADING_SYMBOLS")
	setInt(&cfg.Engine.MonitorIntervalSeconds, "TRADING_MONITOR_INTERVAL_SECONDS")

	setStr(&cfg.Feed.WSURL, "TRADING_FEED_WS_URL")
	setStr(&cfg.Feed.RestURL, "TRADING_FEED_REST_URL")
	setStr(&cfg.Feed.SequenceRule, "TRADING_FEED_SEQUENCE_RULE")
	setInt(&cfg.Feed.SnapshotBackoffMs, "TRADING_FEED_SNAPSHOT_BACKOFF_MS")
	setInt(&cfg.Feed.MaxSnapshotFailures, "TRADING_FEED_MAX_SNAPSHOT_FAILURES")

	setFloat64(&cfg.Risk.MaxPositionNotional, "TRADING_RISK_MAX_POSITION_NOTIONAL")
	setFloat64(&cfg.Risk.MaxInstrumentExposure, "TRADING_RISK_MAX_INSTRUMENT_EXPOSURE")
	setFloat64(&cfg.Risk.DailyLossFloor, "TRADING_RISK_DAILY_LOSS_FLOOR")
	setFloat64(&cfg.Risk.MaxDrawdownFloor, "TRADING_RISK_MAX_DRAWDOWN_FLOOR")
	setInt(&cfg.Risk.MaxLeverage, "TRADING_RISK_MAX_LEVERAGE")

	setFloat64(&cfg.Broker.InitialBalance, "TRADING_BROKER_INITIAL_BALANCE")

	setStr(&cfg.Postgres.DSN, "TRADING_POSTGRES_DSN")
	setStr(&cfg.Postgres.DSN, "DATABASE_URL") // compatibility alias
	setInt(&cfg.Postgres.PoolMaxConns, "TRADING_POSTGRES_POOL_MAX_CONNS")

	setStr(&cfg.Redis.Addr, "TRADING_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "TRADING_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "TRADING_REDIS_DB")

	setInt(&cfg.Server.Port, "TRADING_SERVER_PORT")
	setInt(&cfg.Server.Port, "PORT") // compatibility alias

	setStr(&cfg.LogLevel, "TRADING_LOG_LEVEL")
}

// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
