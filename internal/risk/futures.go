package risk

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/quantfray/trading-core/internal/audit"
	"github.com/quantfray/trading-core/internal/model"
)

// MarginAction is the classification returned by CheckMarginHealth.
type MarginAction string

const (
	// MarginOK means the margin ratio has comfortable headroom.
	MarginOK MarginAction = "ok"

	// MarginReduce means the ratio is inside the liquidation buffer and
	// exposure should be reduced.
	MarginReduce MarginAction = "reduce_position"

	// MarginLiquidate means equity no longer covers maintenance margin and
	// all positions must be flattened immediately.
	MarginLiquidate MarginAction = "liquidate_all"
)

var one = decimal.NewFromInt(1)

// FuturesManager extends the base Manager with leverage, liquidation-price,
// and margin-health checks for leveraged futures trading.
type FuturesManager struct {
	*Manager
}

// NewFuturesManager creates a leveraged-futures risk manager.
func NewFuturesManager(limits Limits, ks *KillSwitch, sink audit.Sink, logger *slog.Logger) *FuturesManager {
	return &FuturesManager{Manager: NewManager(limits, ks, sink, logger)}
}

// ValidateLeverage reports whether leverage is an integer in [1, max].
func (m *FuturesManager) ValidateLeverage(leverage int) error {
	if leverage < 1 || leverage > m.limits.MaxLeverage {
		return fmt.Errorf("risk: leverage %d outside [1, %d]", leverage, m.limits.MaxLeverage)
	}
	return nil
}

// LiquidationPrice returns the price at which a position's equity reaches
// the maintenance-margin threshold:
//
//	long:  entry * (1 - 1/leverage + mmr)
//	short: entry * (1 + 1/leverage - mmr)
//
// A zero mmr selects the symbol-table rate with the global default fallback.
func (m *FuturesManager) LiquidationPrice(symbol string, entry decimal.Decimal, leverage int, side model.PositionSide, mmr decimal.Decimal) decimal.Decimal {
	if !mmr.IsPositive() {
		mmr = m.limits.MaintenanceMarginRate(symbol)
	}
	inverse := one.Div(decimal.NewFromInt(int64(leverage)))
	if side == model.PositionShort {
		return entry.Mul(one.Add(inverse).Sub(mmr))
	}
	return entry.Mul(one.Sub(inverse).Add(mmr))
}

// CheckMarginHealth classifies account margin health from the ratio
// (balance + unrealizedPnL) / maintenanceMargin: below 1.0 liquidate all,
// below 1.0 + buffer reduce exposure, otherwise ok. A zero maintenance
// margin (no open positions) is always ok.
func (m *FuturesManager) CheckMarginHealth(balance, maintenanceMargin, unrealizedPnL decimal.Decimal) MarginAction {
	if !maintenanceMargin.IsPositive() {
		return MarginOK
	}
	ratio := balance.Add(unrealizedPnL).Div(maintenanceMargin)
	if ratio.LessThan(one) {
		return MarginLiquidate
	}
	if ratio.LessThan(one.Add(m.limits.LiquidationBuffer)) {
		return MarginReduce
	}
	return MarginOK
}

// OpenRequest carries the inputs to CanOpenPosition.
type OpenRequest struct {
	Symbol     string
	Notional   decimal.Decimal
	Capital    decimal.Decimal
	Leverage   int
	DailyPnL   decimal.Decimal
	Equity     decimal.Decimal
	PeakEquity decimal.Decimal
}

// CanOpenPosition runs the ordered pre-open checks and short-circuits on the
// first failure: kill switch, leverage, position size, instrument exposure,
// daily loss, drawdown. A daily-loss or drawdown breach latches the kill
// switch as a side effect; an approval has no side effects.
func (m *FuturesManager) CanOpenPosition(ctx context.Context, req OpenRequest) Decision {
	if active, reason, _ := m.ks.State(); active {
		return m.reject("kill_switch", fmt.Sprintf("trading halted: %s", reason))
	}

	if err := m.ValidateLeverage(req.Leverage); err != nil {
		return m.reject("leverage", err.Error())
	}

	if !m.ValidatePositionSize(req.Notional) {
		return m.reject("position_size",
			fmt.Sprintf("notional %s exceeds cap %s", req.Notional, m.limits.MaxPositionNotional))
	}

	if !m.ValidateInstrumentExposure(req.Notional, req.Capital) {
		return m.reject("instrument_exposure",
			fmt.Sprintf("notional %s against capital %s exceeds fraction %s",
				req.Notional, req.Capital, m.limits.MaxInstrumentExposure))
	}

	if !m.ValidateDailyPnL(req.DailyPnL) {
		m.TripKillSwitch(ctx, req.Symbol, "daily loss limit breached", req.DailyPnL, m.limits.DailyLossFloor)
		return m.reject("daily_loss",
			fmt.Sprintf("daily pnl %s below floor %s", req.DailyPnL, m.limits.DailyLossFloor))
	}

	if !m.ValidateDrawdown(req.Equity, req.PeakEquity) {
		drawdown := req.Equity.Sub(req.PeakEquity)
		m.TripKillSwitch(ctx, req.Symbol, "max drawdown breached", drawdown, m.limits.MaxDrawdownFloor)
		return m.reject("drawdown",
			fmt.Sprintf("drawdown %s below floor %s", drawdown, m.limits.MaxDrawdownFloor))
	}

	return Approve()
}
