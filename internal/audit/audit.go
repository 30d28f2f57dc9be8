// Package audit defines the persistence collaborator for trading events:
// position lifecycle records, risk events, and periodic margin snapshots.
//
// Every call site treats a sink as fire-and-forget — an audit failure is
// logged and must never block or fail a trading decision. Implementations
// include PostgreSQL (source of truth), in-memory (tests), and no-op.
package audit

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/quantfray/trading-core/internal/model"
)

// RiskEvent records a risk-control decision with the metric/limit pair that
// produced it: a kill-switch trigger, a limit breach, or a rejection.
type RiskEvent struct {
	Kind   string          `json:"kind" db:"kind"` // "kill_switch", "limit_breach", "rejection"
	Symbol string          `json:"symbol" db:"symbol"`
	Reason string          `json:"reason" db:"reason"`
	Metric decimal.Decimal `json:"metric" db:"metric"`
	Limit  decimal.Decimal `json:"limit" db:"limit_value"`
	At     time.Time       `json:"at" db:"at"`
}

// MarginSnapshot is a periodic record of account margin health.
type MarginSnapshot struct {
	Balance           decimal.Decimal `json:"balance" db:"balance"`
	MaintenanceMargin decimal.Decimal `json:"maintenance_margin" db:"maintenance_margin"`
	UnrealizedPnL     decimal.Decimal `json:"unrealized_pnl" db:"unrealized_pnl"`
	Action            string          `json:"action" db:"action"`
	At                time.Time       `json:"at" db:"at"`
}

// Sink receives trading events. Implementations must be safe for concurrent
// use; writes are insert-only.
type Sink interface {
	PositionOpened(ctx context.Context, p model.Position) error
	PositionClosed(ctx context.Context, t model.ClosedTrade) error
	RecordRiskEvent(ctx context.Context, e RiskEvent) error
	RecordMarginSnapshot(ctx context.Context, s MarginSnapshot) error
}

// NopSink discards all events. Used when no persistence is configured.
type NopSink struct{}

func (NopSink) PositionOpened(context.Context, model.Position) error       { return nil }
func (NopSink) PositionClosed(context.Context, model.ClosedTrade) error    { return nil }
func (NopSink) RecordRiskEvent(context.Context, RiskEvent) error           { return nil }
func (NopSink) RecordMarginSnapshot(context.Context, MarginSnapshot) error { return nil }
