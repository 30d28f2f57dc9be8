package position

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/quantfray/trading-core/internal/audit"
	"github.com/quantfray/trading-core/internal/metrics"
	"github.com/quantfray/trading-core/internal/model"
	"github.com/quantfray/trading-core/internal/risk"
)

// MonitorOnce runs one monitoring cycle: it aggregates maintenance margin
// and unrealized P&L across open positions, classifies margin health, and
// acts on the result: emergency close-all plus kill switch on liquidation,
// halving the largest-notional position on reduce. It also closes positions
// that exceed the maximum hold time.
//
// The whole cycle runs under the manager mutex, so cancellation between
// cycles can never observe a half-closed position.
func (m *Manager) MonitorOnce(ctx context.Context) error {
	start := time.Now()
	defer func() { metrics.MonitorDuration.Observe(time.Since(start).Seconds()) }()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.rolloverLocked()

	if len(m.open) == 0 {
		return nil
	}

	balance, err := m.broker.Balance(ctx)
	if err != nil {
		return fmt.Errorf("position: monitor read balance: %w", err)
	}

	limits := m.risk.Limits()
	maintenance := decimal.Zero
	unrealized := decimal.Zero
	marks := make(map[string]decimal.Decimal, len(m.open))

	for symbol, pos := range m.open {
		mark, err := m.broker.TickerPrice(ctx, symbol)
		if err != nil {
			return fmt.Errorf("position: monitor read ticker %s: %w", symbol, err)
		}
		marks[symbol] = mark
		unrealized = unrealized.Add(pos.UnrealizedPnL(mark))
		maintenance = maintenance.Add(mark.Mul(pos.Quantity).Mul(limits.MaintenanceMarginRate(symbol)))
	}

	action := m.risk.CheckMarginHealth(balance, maintenance, unrealized)
	if err := m.sink.RecordMarginSnapshot(ctx, audit.MarginSnapshot{
		Balance:           balance,
		MaintenanceMargin: maintenance,
		UnrealizedPnL:     unrealized,
		Action:            string(action),
		At:                m.now().UTC(),
	}); err != nil {
		m.logger.Warn("margin snapshot audit failed", slog.String("error", err.Error()))
	}

	switch action {
	case risk.MarginLiquidate:
		m.risk.TripKillSwitch(ctx, "", "margin call: equity below maintenance margin",
			balance.Add(unrealized), maintenance)
		return m.emergencyCloseAllLocked(ctx, marks)
	case risk.MarginReduce:
		if err := m.reduceLargestLocked(ctx, marks); err != nil {
			return err
		}
	}

	return m.enforceHoldTimeLocked(ctx, marks)
}

// emergencyCloseAllLocked flattens every open position. The first broker
// failure aborts further attempts immediately and surfaces the fault to the
// caller; the remaining positions stay recorded.
func (m *Manager) emergencyCloseAllLocked(ctx context.Context, marks map[string]decimal.Decimal) error {
	for symbol, pos := range m.open {
		if err := m.broker.CloseAll(ctx, symbol); err != nil {
			m.logger.Error("emergency close-all aborted",
				slog.String("symbol", symbol),
				slog.String("error", err.Error()),
			)
			return fmt.Errorf("%w: %s: %v", ErrEmergencyCloseFailed, symbol, err)
		}
		m.settleLocked(ctx, pos, pos.Quantity, marks[symbol], model.CloseReasonLiquidation)
	}
	return nil
}

// reduceLargestLocked halves the open position with the largest current
// notional via an offsetting reduce order.
func (m *Manager) reduceLargestLocked(ctx context.Context, marks map[string]decimal.Decimal) error {
	var largest model.Position
	largestNotional := decimal.Zero
	for symbol, pos := range m.open {
		notional := marks[symbol].Mul(pos.Quantity)
		if notional.GreaterThan(largestNotional) {
			largest = pos
			largestNotional = notional
		}
	}
	if !largestNotional.IsPositive() {
		return nil
	}

	half := largest.Quantity.Div(decimal.NewFromInt(2))
	var err error
	if largest.Side == model.PositionShort {
		_, err = m.broker.Buy(ctx, largest.Symbol, half, nil, nil)
	} else {
		_, err = m.broker.Sell(ctx, largest.Symbol, half, nil, nil)
	}
	if err != nil {
		return fmt.Errorf("position: reduce %s: %w", largest.Symbol, err)
	}

	m.logger.Warn("reduced largest position",
		slog.String("symbol", largest.Symbol),
		slog.String("closed_qty", half.String()),
	)
	m.settleLocked(ctx, largest, half, marks[largest.Symbol], model.CloseReasonReduce)
	return nil
}

// enforceHoldTimeLocked closes positions held beyond the maximum hold time.
func (m *Manager) enforceHoldTimeLocked(ctx context.Context, marks map[string]decimal.Decimal) error {
	for symbol, pos := range m.open {
		held := int64(m.now().Sub(pos.OpenedAt).Seconds())
		ok, reason := m.risk.ValidateHoldTime(held)
		if ok || held <= m.risk.Limits().MinHoldSeconds {
			continue
		}
		m.logger.Info("closing position past max hold time",
			slog.String("symbol", symbol),
			slog.String("reason", reason),
		)
		if err := m.broker.CloseAll(ctx, symbol); err != nil {
			return fmt.Errorf("position: hold-time close %s: %w", symbol, err)
		}
		m.settleLocked(ctx, pos, pos.Quantity, marks[symbol], model.CloseReasonTimeLimit)
	}
	return nil
}

// RunMonitor runs monitoring cycles at the given interval until ctx is
// cancelled. Cycle errors are logged; ErrEmergencyCloseFailed is returned
// to the caller, since continuing silently under a failed margin-call
// flatten risks real capital.
func (m *Manager) RunMonitor(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	m.logger.Info("position monitor started", slog.Duration("interval", interval))
	defer m.logger.Info("position monitor stopped")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := m.MonitorOnce(ctx); err != nil {
				if errors.Is(err, ErrEmergencyCloseFailed) {
					return err
				}
				m.logger.Error("monitor cycle failed", slog.String("error", err.Error()))
			}
		}
	}
}
