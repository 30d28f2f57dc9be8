package risk

import (
	"errors"

	"github.com/shopspring/decimal"
)

// Limits is the immutable risk configuration. Loaded once at startup and
// freely shared; never mutated at runtime.
type Limits struct {
	// MaxPositionNotional is the absolute cap on a single position's
	// notional value. The boundary is inclusive.
	MaxPositionNotional decimal.Decimal

	// MaxInstrumentExposure is the per-instrument fraction of capital
	// (0–1) a position's notional may consume.
	MaxInstrumentExposure decimal.Decimal

	// DailyLossFloor is the most negative daily P&L allowed before the
	// kill switch trips. Expressed as a negative number.
	DailyLossFloor decimal.Decimal

	// MaxDrawdownFloor is the most negative equity-minus-peak allowed
	// before the kill switch trips. Expressed as a negative number.
	MaxDrawdownFloor decimal.Decimal

	// MinHoldSeconds / MaxHoldSeconds bound how long a position is held.
	MinHoldSeconds int64
	MaxHoldSeconds int64

	// MaxOrdersPerMinute is the order-rate ceiling.
	MaxOrdersPerMinute int

	// MaxLeverage is the highest allowed integer leverage.
	MaxLeverage int

	// LiquidationBuffer is the margin-ratio headroom above 1.0 within
	// which positions are reduced rather than liquidated.
	LiquidationBuffer decimal.Decimal

	// DefaultMaintenanceMarginRate applies when a symbol has no entry in
	// MaintenanceMarginRates.
	DefaultMaintenanceMarginRate decimal.Decimal

	// MaintenanceMarginRates is the per-symbol maintenance margin table.
	MaintenanceMarginRates map[string]decimal.Decimal

	// DefaultStopLossPct / DefaultTakeProfitPct are applied to signals
	// that carry no explicit stop or target.
	DefaultStopLossPct   decimal.Decimal
	DefaultTakeProfitPct decimal.Decimal
}

// DefaultLimits returns conservative defaults suitable for development.
func DefaultLimits() Limits {
	return Limits{
		MaxPositionNotional:          decimal.NewFromInt(10_000),
		MaxInstrumentExposure:        decimal.NewFromFloat(0.25),
		DailyLossFloor:               decimal.NewFromInt(-500),
		MaxDrawdownFloor:             decimal.NewFromInt(-1_500),
		MinHoldSeconds:               10,
		MaxHoldSeconds:               86_400,
		MaxOrdersPerMinute:           30,
		MaxLeverage:                  10,
		LiquidationBuffer:            decimal.NewFromFloat(0.15),
		DefaultMaintenanceMarginRate: decimal.NewFromFloat(0.005),
		MaintenanceMarginRates:       map[string]decimal.Decimal{},
		DefaultStopLossPct:           decimal.NewFromFloat(0.02),
		DefaultTakeProfitPct:         decimal.NewFromFloat(0.04),
	}
}

// Validate checks internal consistency of the limits.
func (l Limits) Validate() error {
	if !l.MaxPositionNotional.IsPositive() {
		return errors.New("risk: max position notional must be positive")
	}
	if l.MaxInstrumentExposure.LessThanOrEqual(decimal.Zero) || l.MaxInstrumentExposure.GreaterThan(decimal.NewFromInt(1)) {
		return errors.New("risk: instrument exposure fraction must be in (0, 1]")
	}
	if l.DailyLossFloor.IsPositive() {
		return errors.New("risk: daily loss floor must be zero or negative")
	}
	if l.MaxDrawdownFloor.IsPositive() {
		return errors.New("risk: max drawdown floor must be zero or negative")
	}
	if l.MinHoldSeconds < 0 || l.MaxHoldSeconds < l.MinHoldSeconds {
		return errors.New("risk: hold time bounds are inconsistent")
	}
	if l.MaxLeverage < 1 {
		return errors.New("risk: max leverage must be at least 1")
	}
	if l.LiquidationBuffer.IsNegative() {
		return errors.New("risk: liquidation buffer must be non-negative")
	}
	if !l.DefaultMaintenanceMarginRate.IsPositive() {
		return errors.New("risk: default maintenance margin rate must be positive")
	}
	return nil
}

// MaintenanceMarginRate returns the symbol's maintenance margin rate, falling
// back to the global default when the symbol has no entry.
func (l Limits) MaintenanceMarginRate(symbol string) decimal.Decimal {
	if mmr, ok := l.MaintenanceMarginRates[symbol]; ok {
		return mmr
	}
	return l.DefaultMaintenanceMarginRate
}
