// Package model defines the core domain types shared across the trading core.
// All monetary values use shopspring/decimal — never float64 for money.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderSide is the direction of a trade signal.
type OrderSide string

const (
	SideBuy   OrderSide = "BUY"
	SideSell  OrderSide = "SELL"
	SideClose OrderSide = "CLOSE"
)

// PositionSide is the direction of an open position.
type PositionSide string

const (
	PositionLong  PositionSide = "LONG"
	PositionShort PositionSide = "SHORT"
)

// CloseReason indicates why a position was closed.
type CloseReason string

const (
	CloseReasonStopLoss    CloseReason = "STOP_LOSS"
	CloseReasonTakeProfit  CloseReason = "TAKE_PROFIT"
	CloseReasonSignal      CloseReason = "SIGNAL"
	CloseReasonLiquidation CloseReason = "LIQUIDATION"
	CloseReasonReduce      CloseReason = "MARGIN_REDUCE"
	CloseReasonTimeLimit   CloseReason = "TIME_LIMIT"
	CloseReasonManual      CloseReason = "MANUAL"
)

// PriceLevel is one resting price+quantity entry on an order book side.
// Quantity is strictly positive while the level is present; a level whose
// quantity drops to zero is removed, never stored.
type PriceLevel struct {
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
}

// Signal is an immutable trade intent produced by a strategy and consumed by
// the risk and position managers.
type Signal struct {
	Symbol     string           `json:"symbol"`
	Side       OrderSide        `json:"side"`
	Quantity   decimal.Decimal  `json:"quantity"`
	Price      decimal.Decimal  `json:"price"`
	StopLoss   *decimal.Decimal `json:"stop_loss,omitempty"`
	TakeProfit *decimal.Decimal `json:"take_profit,omitempty"`
	Leverage   int              `json:"leverage"`
	Reason     string           `json:"reason"`
	CreatedAt  time.Time        `json:"created_at"`
}

// Notional returns the signal's notional value: price * quantity.
func (s Signal) Notional() decimal.Decimal {
	return s.Price.Mul(s.Quantity)
}

// Position is an open position. Owned exclusively by the position manager
// between open and close; at most one open position per symbol.
type Position struct {
	ID         string           `json:"id" db:"id"`
	Symbol     string           `json:"symbol" db:"symbol"`
	Side       PositionSide     `json:"side" db:"side"`
	EntryPrice decimal.Decimal  `json:"entry_price" db:"entry_price"`
	Quantity   decimal.Decimal  `json:"quantity" db:"quantity"`
	Leverage   int              `json:"leverage" db:"leverage"`
	StopLoss   *decimal.Decimal `json:"stop_loss,omitempty" db:"stop_loss"`
	TakeProfit *decimal.Decimal `json:"take_profit,omitempty" db:"take_profit"`
	OpenedAt   time.Time        `json:"opened_at" db:"opened_at"`
}

// Notional returns the position's entry notional: entry price * quantity.
func (p Position) Notional() decimal.Decimal {
	return p.EntryPrice.Mul(p.Quantity)
}

// UnrealizedPnL computes mark-to-market P&L against the given price.
// Long: (mark - entry) * qty. Short: (entry - mark) * qty.
func (p Position) UnrealizedPnL(mark decimal.Decimal) decimal.Decimal {
	if p.Side == PositionShort {
		return p.EntryPrice.Sub(mark).Mul(p.Quantity)
	}
	return mark.Sub(p.EntryPrice).Mul(p.Quantity)
}

// ClosedTrade is the immutable record a Position converts into on close.
// Appended to an append-only history; never modified afterwards.
type ClosedTrade struct {
	ID          string          `json:"id" db:"id"`
	Symbol      string          `json:"symbol" db:"symbol"`
	Side        PositionSide    `json:"side" db:"side"`
	EntryPrice  decimal.Decimal `json:"entry_price" db:"entry_price"`
	ExitPrice   decimal.Decimal `json:"exit_price" db:"exit_price"`
	Quantity    decimal.Decimal `json:"quantity" db:"quantity"`
	Leverage    int             `json:"leverage" db:"leverage"`
	RealizedPnL decimal.Decimal `json:"realized_pnl" db:"realized_pnl"`
	ExitReason  CloseReason     `json:"exit_reason" db:"exit_reason"`
	OpenedAt    time.Time       `json:"opened_at" db:"opened_at"`
	ClosedAt    time.Time       `json:"closed_at" db:"closed_at"`
}
