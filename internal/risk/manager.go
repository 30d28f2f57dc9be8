// Package risk implements the policy engine that gates every order: position
// size, exposure, daily loss, drawdown, hold time and leverage limits, margin
// health classification, and the global kill-switch latch.
//
// All checks are pure functions over immutable inputs plus the shared Limits
// and KillSwitch state; nothing here suspends. Rejections are explicit
// Decision values, never errors — callers must handle the rejected branch.
package risk

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/quantfray/trading-core/internal/audit"
	"github.com/quantfray/trading-core/internal/metrics"
)

// Decision is the outcome of a risk validation: approved, or rejected with
// the failing check and a human-readable reason.
type Decision struct {
	Approved bool   `json:"approved"`
	Check    string `json:"check,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// Approve returns an approving decision.
func Approve() Decision {
	return Decision{Approved: true}
}

// Reject returns a rejecting decision naming the failed check.
func Reject(check, reason string) Decision {
	return Decision{Check: check, Reason: reason}
}

// Manager enforces the base (spot) risk limits and owns the kill-switch
// latch. Audit writes are fire-and-forget: a sink failure is logged and
// never blocks a decision.
type Manager struct {
	limits Limits
	ks     *KillSwitch
	sink   audit.Sink
	logger *slog.Logger
}

// NewManager creates a risk manager around a shared kill switch.
func NewManager(limits Limits, ks *KillSwitch, sink audit.Sink, logger *slog.Logger) *Manager {
	if sink == nil {
		sink = audit.NopSink{}
	}
	return &Manager{
		limits: limits,
		ks:     ks,
		sink:   sink,
		logger: logger.With(slog.String("component", "risk_manager")),
	}
}

// Limits returns the immutable limit configuration.
func (m *Manager) Limits() Limits { return m.limits }

// KillSwitch returns the shared halt latch.
func (m *Manager) KillSwitch() *KillSwitch { return m.ks }

// ValidatePositionSize reports whether the notional is within the absolute
// position cap. The boundary is inclusive: notional == cap passes.
func (m *Manager) ValidatePositionSize(notional decimal.Decimal) bool {
	return notional.LessThanOrEqual(m.limits.MaxPositionNotional)
}

// ValidateInstrumentExposure reports whether notional/capital stays within
// the per-instrument exposure fraction. Non-positive capital fails closed.
func (m *Manager) ValidateInstrumentExposure(notional, capital decimal.Decimal) bool {
	if capital.LessThanOrEqual(decimal.Zero) {
		return false
	}
	return notional.Div(capital).LessThanOrEqual(m.limits.MaxInstrumentExposure)
}

// ValidateDailyPnL reports whether the running daily P&L is at or above the
// daily-loss floor.
func (m *Manager) ValidateDailyPnL(pnl decimal.Decimal) bool {
	return pnl.GreaterThanOrEqual(m.limits.DailyLossFloor)
}

// ValidateDrawdown reports whether equity minus peak equity is at or above
// the max-drawdown floor.
func (m *Manager) ValidateDrawdown(equity, peak decimal.Decimal) bool {
	return equity.Sub(peak).GreaterThanOrEqual(m.limits.MaxDrawdownFloor)
}

// ValidateHoldTime reports whether a hold duration in seconds is within the
// configured bounds, with a reason when it is not.
func (m *Manager) ValidateHoldTime(seconds int64) (bool, string) {
	if seconds < m.limits.MinHoldSeconds {
		return false, fmt.Sprintf("held %ds, below minimum %ds", seconds, m.limits.MinHoldSeconds)
	}
	if seconds > m.limits.MaxHoldSeconds {
		return false, fmt.Sprintf("held %ds, above maximum %ds", seconds, m.limits.MaxHoldSeconds)
	}
	return true, ""
}

// TripKillSwitch latches the global halt with the given reason and records a
// risk event carrying the metric/limit pair that breached. Idempotent.
func (m *Manager) TripKillSwitch(ctx context.Context, symbol, reason string, metric, limit decimal.Decimal) {
	if !m.ks.Trip(reason) {
		return
	}
	metrics.KillSwitchActive.Set(1)
	m.logger.Error("kill switch tripped",
		slog.String("symbol", symbol),
		slog.String("reason", reason),
		slog.String("metric", metric.String()),
		slog.String("limit", limit.String()),
	)
	if err := m.sink.RecordRiskEvent(ctx, audit.RiskEvent{
		Kind:   "kill_switch",
		Symbol: symbol,
		Reason: reason,
		Metric: metric,
		Limit:  limit,
		At:     time.Now().UTC(),
	}); err != nil {
		m.logger.Warn("risk event audit failed", slog.String("error", err.Error()))
	}
}

// reject records a rejection metric and returns the decision.
func (m *Manager) reject(check, reason string) Decision {
	metrics.RiskRejections.WithLabelValues(check).Inc()
	return Reject(check, reason)
}
