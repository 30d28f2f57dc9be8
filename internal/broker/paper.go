package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/quantfray/trading-core/internal/model"
)

// PaperBroker simulates execution against in-memory state. Used for testing
// and dry-run deployments; fills are instantaneous at the set ticker price.
type PaperBroker struct {
	mu        sync.RWMutex
	balance   decimal.Decimal
	prices    map[string]decimal.Decimal
	positions map[string]model.Position

	// FailNext forces the next call to fail, for exercising broker-failure
	// paths in tests.
	FailNext error
}

// NewPaperBroker creates a paper broker with the given starting balance.
func NewPaperBroker(balance decimal.Decimal) *PaperBroker {
	return &PaperBroker{
		balance:   balance,
		prices:    make(map[string]decimal.Decimal),
		positions: make(map[string]model.Position),
	}
}

// SetPrice sets the simulated ticker price for a symbol.
func (b *PaperBroker) SetPrice(symbol string, price decimal.Decimal) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.prices[symbol] = price
}

func (b *PaperBroker) failNext() error {
	if err := b.FailNext; err != nil {
		b.FailNext = nil
		return err
	}
	return nil
}

func (b *PaperBroker) Buy(ctx context.Context, symbol string, qty decimal.Decimal, sl, tp *decimal.Decimal) (string, error) {
	return b.fill(symbol, qty, model.PositionLong, sl, tp)
}

func (b *PaperBroker) Sell(ctx context.Context, symbol string, qty decimal.Decimal, sl, tp *decimal.Decimal) (string, error) {
	return b.fill(symbol, qty, model.PositionShort, sl, tp)
}

func (b *PaperBroker) fill(symbol string, qty decimal.Decimal, side model.PositionSide, sl, tp *decimal.Decimal) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.failNext(); err != nil {
		return "", err
	}

	price, ok := b.prices[symbol]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownSymbol, symbol)
	}

	// An opposite-side order against an open position reduces it instead of
	// opening a new one, the way a reduce-only market order fills.
	if pos, ok := b.positions[symbol]; ok && pos.Side != side && qty.LessThanOrEqual(pos.Quantity) {
		b.balance = b.balance.Add(pos.UnrealizedPnL(price).Mul(qty).Div(pos.Quantity))
		pos.Quantity = pos.Quantity.Sub(qty)
		if pos.Quantity.IsZero() {
			delete(b.positions, symbol)
		} else {
			b.positions[symbol] = pos
		}
		return uuid.New().String(), nil
	}

	notional := price.Mul(qty)
	if notional.GreaterThan(b.balance) {
		return "", fmt.Errorf("%w: need %s, have %s", ErrInsufficientBalance, notional, b.balance)
	}

	orderID := uuid.New().String()
	b.positions[symbol] = model.Position{
		ID:         orderID,
		Symbol:     symbol,
		Side:       side,
		EntryPrice: price,
		Quantity:   qty,
		Leverage:   1,
		StopLoss:   sl,
		TakeProfit: tp,
		OpenedAt:   time.Now().UTC(),
	}
	return orderID, nil
}

func (b *PaperBroker) CloseAll(ctx context.Context, symbol string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.failNext(); err != nil {
		return err
	}

	pos, ok := b.positions[symbol]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoPosition, symbol)
	}
	if mark, ok := b.prices[symbol]; ok {
		b.balance = b.balance.Add(pos.UnrealizedPnL(mark))
	}
	delete(b.positions, symbol)
	return nil
}

func (b *PaperBroker) Positions(ctx context.Context) (map[string]model.Position, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make(map[string]model.Position, len(b.positions))
	for sym, p := range b.positions {
		out[sym] = p
	}
	return out, nil
}

func (b *PaperBroker) Balance(ctx context.Context) (decimal.Decimal, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.balance, nil
}

func (b *PaperBroker) TickerPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	price, ok := b.prices[symbol]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrUnknownSymbol, symbol)
	}
	return price, nil
}
