// Package position orchestrates the position lifecycle: open under risk
// approval, periodic margin monitoring with emergency de-risking, and close
// with realized P&L accounting. At most one open position exists per symbol.
//
// All state transitions are serialized under one mutex, so an interrupted
// monitoring cycle can never leave a position half-closed.
package position

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/quantfray/trading-core/internal/audit"
	"github.com/quantfray/trading-core/internal/broker"
	"github.com/quantfray/trading-core/internal/metrics"
	"github.com/quantfray/trading-core/internal/model"
	"github.com/quantfray/trading-core/internal/risk"
)

var (
	// ErrNoPosition is returned when closing a symbol with nothing open.
	ErrNoPosition = errors.New("position: no open position")

	// ErrEmergencyCloseFailed wraps the broker error that aborted an
	// emergency close-all. Further close attempts stop immediately; silent
	// continuation under a margin call risks real capital loss.
	ErrEmergencyCloseFailed = errors.New("position: emergency close-all failed")
)

// OpenResult is the outcome of an open attempt: the executed position, or
// the risk decision that refused it. A refusal has no side effects.
type OpenResult struct {
	Opened   bool           `json:"opened"`
	Position model.Position `json:"position,omitempty"`
	Decision risk.Decision  `json:"decision"`
}

// Manager owns all open positions and the append-only trade history.
type Manager struct {
	risk   *risk.FuturesManager
	broker broker.Broker
	sink   audit.Sink
	logger *slog.Logger

	mu         sync.Mutex
	open       map[string]model.Position
	history    []model.ClosedTrade
	orderTimes []time.Time // order submissions in the last minute
	sessionPnL decimal.Decimal
	dailyPnL   decimal.Decimal
	dailyDate  string // UTC date of the running daily total, "2006-01-02"
	peakEquity decimal.Decimal

	now func() time.Time
}

// NewManager creates a position manager.
func NewManager(rm *risk.FuturesManager, br broker.Broker, sink audit.Sink, logger *slog.Logger) *Manager {
	if sink == nil {
		sink = audit.NopSink{}
	}
	return &Manager{
		risk:   rm,
		broker: br,
		sink:   sink,
		logger: logger.With(slog.String("component", "position_manager")),
		open:   make(map[string]model.Position),
		now:    time.Now,
	}
}

// OpenPosition validates the signal against the risk manager and, on
// approval, executes it through the broker and records the position. On
// rejection it returns the refusing decision with no side effects. Broker
// and account-read failures are returned as errors.
func (m *Manager) OpenPosition(ctx context.Context, sig model.Signal) (OpenResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rolloverLocked()

	// Only BUY and SELL open positions. CLOSE intents go through
	// ClosePosition; anything else is a malformed signal.
	if sig.Side != model.SideBuy && sig.Side != model.SideSell {
		metrics.RiskRejections.WithLabelValues("side").Inc()
		return OpenResult{Decision: risk.Reject("side",
			fmt.Sprintf("signal side %q cannot open a position", sig.Side))}, nil
	}
	if _, exists := m.open[sig.Symbol]; exists {
		return OpenResult{Decision: risk.Reject("position_exists", "position already open for "+sig.Symbol)}, nil
	}
	if !m.withinOrderRateLocked() {
		metrics.RiskRejections.WithLabelValues("order_rate").Inc()
		return OpenResult{Decision: risk.Reject("order_rate",
			fmt.Sprintf("order rate ceiling %d/min reached", m.risk.Limits().MaxOrdersPerMinute))}, nil
	}

	balance, err := m.broker.Balance(ctx)
	if err != nil {
		return OpenResult{}, fmt.Errorf("position: read balance: %w", err)
	}
	price := sig.Price
	if !price.IsPositive() {
		price, err = m.broker.TickerPrice(ctx, sig.Symbol)
		if err != nil {
			return OpenResult{}, fmt.Errorf("position: read ticker: %w", err)
		}
	}

	leverage := sig.Leverage
	if leverage == 0 {
		leverage = 1
	}

	equity := balance
	if equity.GreaterThan(m.peakEquity) {
		m.peakEquity = equity
	}

	decision := m.risk.CanOpenPosition(ctx, risk.OpenRequest{
		Symbol:     sig.Symbol,
		Notional:   price.Mul(sig.Quantity),
		Capital:    balance,
		Leverage:   leverage,
		DailyPnL:   m.dailyPnL,
		Equity:     equity,
		PeakEquity: m.peakEquity,
	})
	if !decision.Approved {
		m.logger.Info("open refused",
			slog.String("symbol", sig.Symbol),
			slog.String("check", decision.Check),
			slog.String("reason", decision.Reason),
		)
		return OpenResult{Decision: decision}, nil
	}

	side := model.PositionLong
	stopLoss, takeProfit := m.exitLevels(sig, price, side)
	orderID := ""
	switch sig.Side {
	case model.SideSell:
		side = model.PositionShort
		stopLoss, takeProfit = m.exitLevels(sig, price, side)
		orderID, err = m.broker.Sell(ctx, sig.Symbol, sig.Quantity, stopLoss, takeProfit)
	default:
		orderID, err = m.broker.Buy(ctx, sig.Symbol, sig.Quantity, stopLoss, takeProfit)
	}
	if err != nil {
		return OpenResult{}, fmt.Errorf("position: execute %s: %w", sig.Symbol, err)
	}

	pos := model.Position{
		ID:         orderID,
		Symbol:     sig.Symbol,
		Side:       side,
		EntryPrice: price,
		Quantity:   sig.Quantity,
		Leverage:   leverage,
		StopLoss:   stopLoss,
		TakeProfit: takeProfit,
		OpenedAt:   m.now().UTC(),
	}
	m.open[sig.Symbol] = pos
	m.orderTimes = append(m.orderTimes, m.now())
	metrics.OpenPositions.Set(float64(len(m.open)))

	m.logger.Info("position opened",
		slog.String("symbol", pos.Symbol),
		slog.String("side", string(pos.Side)),
		slog.String("entry", pos.EntryPrice.String()),
		slog.String("qty", pos.Quantity.String()),
		slog.Int("leverage", pos.Leverage),
		slog.String("reason", sig.Reason),
	)
	if err := m.sink.PositionOpened(ctx, pos); err != nil {
		m.logger.Warn("position-opened audit failed", slog.String("error", err.Error()))
	}

	return OpenResult{Opened: true, Position: pos, Decision: decision}, nil
}

// exitLevels resolves stop-loss/take-profit: explicit signal values win,
// otherwise the configured default percentages apply around the entry price.
func (m *Manager) exitLevels(sig model.Signal, price decimal.Decimal, side model.PositionSide) (sl, tp *decimal.Decimal) {
	sl, tp = sig.StopLoss, sig.TakeProfit
	limits := m.risk.Limits()
	one := decimal.NewFromInt(1)

	if sl == nil && limits.DefaultStopLossPct.IsPositive() {
		pct := limits.DefaultStopLossPct
		if side == model.PositionShort {
			v := price.Mul(one.Add(pct))
			sl = &v
		} else {
			v := price.Mul(one.Sub(pct))
			sl = &v
		}
	}
	if tp == nil && limits.DefaultTakeProfitPct.IsPositive() {
		pct := limits.DefaultTakeProfitPct
		if side == model.PositionShort {
			v := price.Mul(one.Sub(pct))
			tp = &v
		} else {
			v := price.Mul(one.Add(pct))
			tp = &v
		}
	}
	return sl, tp
}

// ClosePosition flattens the symbol through the broker, realizes P&L into
// the session and daily totals, and appends the ClosedTrade to the history.
// A zero exitPrice closes at the broker's ticker price.
func (m *Manager) ClosePosition(ctx context.Context, symbol string, exitPrice decimal.Decimal, reason model.CloseReason) (model.ClosedTrade, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	pos, exists := m.open[symbol]
	if !exists {
		return model.ClosedTrade{}, fmt.Errorf("%w: %s", ErrNoPosition, symbol)
	}

	if !exitPrice.IsPositive() {
		price, err := m.broker.TickerPrice(ctx, symbol)
		if err != nil {
			return model.ClosedTrade{}, fmt.Errorf("position: read ticker: %w", err)
		}
		exitPrice = price
	}

	if err := m.broker.CloseAll(ctx, symbol); err != nil {
		return model.ClosedTrade{}, fmt.Errorf("position: close %s: %w", symbol, err)
	}

	return m.settleLocked(ctx, pos, pos.Quantity, exitPrice, reason), nil
}

// settleLocked removes qty of the position from the book, realizes its P&L,
// and appends the ClosedTrade. Caller holds m.mu and has already executed
// the offsetting broker order.
func (m *Manager) settleLocked(ctx context.Context, pos model.Position, qty, exitPrice decimal.Decimal, reason model.CloseReason) model.ClosedTrade {
	m.rolloverLocked()

	realized := exitPrice.Sub(pos.EntryPrice).Mul(qty)
	if pos.Side == model.PositionShort {
		realized = pos.EntryPrice.Sub(exitPrice).Mul(qty)
	}

	trade := model.ClosedTrade{
		ID:          uuid.New().String(),
		Symbol:      pos.Symbol,
		Side:        pos.Side,
		EntryPrice:  pos.EntryPrice,
		ExitPrice:   exitPrice,
		Quantity:    qty,
		Leverage:    pos.Leverage,
		RealizedPnL: realized,
		ExitReason:  reason,
		OpenedAt:    pos.OpenedAt,
		ClosedAt:    m.now().UTC(),
	}

	remaining := pos.Quantity.Sub(qty)
	if remaining.IsPositive() {
		pos.Quantity = remaining
		m.open[pos.Symbol] = pos
	} else {
		delete(m.open, pos.Symbol)
	}

	m.sessionPnL = m.sessionPnL.Add(realized)
	m.dailyPnL = m.dailyPnL.Add(realized)
	m.history = append(m.history, trade)

	metrics.OpenPositions.Set(float64(len(m.open)))
	metrics.SessionRealizedPnL.Set(m.sessionPnL.InexactFloat64())

	m.logger.Info("position closed",
		slog.String("symbol", trade.Symbol),
		slog.String("side", string(trade.Side)),
		slog.String("exit", trade.ExitPrice.String()),
		slog.String("qty", trade.Quantity.String()),
		slog.String("realized_pnl", trade.RealizedPnL.String()),
		slog.String("exit_reason", string(trade.ExitReason)),
	)
	if err := m.sink.PositionClosed(ctx, trade); err != nil {
		m.logger.Warn("position-closed audit failed", slog.String("error", err.Error()))
	}
	return trade
}

// withinOrderRateLocked prunes submissions older than a minute and reports
// whether another order stays under the rate ceiling. A ceiling of zero or
// less disables the check.
func (m *Manager) withinOrderRateLocked() bool {
	limit := m.risk.Limits().MaxOrdersPerMinute
	if limit <= 0 {
		return true
	}
	cutoff := m.now().Add(-time.Minute)
	kept := m.orderTimes[:0]
	for _, ts := range m.orderTimes {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	m.orderTimes = kept
	return len(m.orderTimes) < limit
}

// rolloverLocked resets the daily P&L total when the UTC day changes.
func (m *Manager) rolloverLocked() {
	today := m.now().UTC().Format("2006-01-02")
	if m.dailyDate != today {
		if m.dailyDate != "" {
			m.logger.Info("daily pnl rollover",
				slog.String("date", m.dailyDate),
				slog.String("daily_pnl", m.dailyPnL.String()),
			)
		}
		m.dailyDate = today
		m.dailyPnL = decimal.Zero
	}
}

// OpenPositions returns a copy of the currently open positions.
func (m *Manager) OpenPositions() []model.Position {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.Position, 0, len(m.open))
	for _, p := range m.open {
		out = append(out, p)
	}
	return out
}

// History returns a copy of the append-only closed-trade history.
func (m *Manager) History() []model.ClosedTrade {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.ClosedTrade, len(m.history))
	copy(out, m.history)
	return out
}

// SessionPnL returns realized P&L since the process started.
func (m *Manager) SessionPnL() decimal.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessionPnL
}

// DailyPnL returns realized P&L for the current UTC day.
func (m *Manager) DailyPnL() decimal.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rolloverLocked()
	return m.dailyPnL
}
