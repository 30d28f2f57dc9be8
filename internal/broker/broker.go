// Package broker defines the execution collaborator the position manager
// trades through. Implementations are exchange-specific; the core depends
// only on this interface. Calls are fallible remote calls with no implicit
// retry — retry policy belongs to the implementation.
package broker

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/quantfray/trading-core/internal/model"
)

var (
	// ErrInsufficientBalance is returned when an order's margin requirement
	// exceeds the available balance.
	ErrInsufficientBalance = errors.New("broker: insufficient balance")

	// ErrUnknownSymbol is returned when no ticker price exists for a symbol.
	ErrUnknownSymbol = errors.New("broker: unknown symbol")

	// ErrNoPosition is returned when closing a symbol with nothing open.
	ErrNoPosition = errors.New("broker: no open position")
)

// Broker executes orders and reports account state.
type Broker interface {
	// Buy opens or adds to a long exposure. Returns the venue order ID.
	Buy(ctx context.Context, symbol string, qty decimal.Decimal, stopLoss, takeProfit *decimal.Decimal) (string, error)

	// Sell opens or adds to a short exposure. Returns the venue order ID.
	Sell(ctx context.Context, symbol string, qty decimal.Decimal, stopLoss, takeProfit *decimal.Decimal) (string, error)

	// CloseAll flattens all exposure on the symbol.
	CloseAll(ctx context.Context, symbol string) error

	// Positions returns the venue's view of open positions by symbol.
	Positions(ctx context.Context) (map[string]model.Position, error)

	// Balance returns the free account balance.
	Balance(ctx context.Context) (decimal.Decimal, error)

	// TickerPrice returns the symbol's last traded price.
	TickerPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
}
