package audit

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/quantfray/trading-core/internal/model"
)

// PostgresSink persists audit events to PostgreSQL. All monetary values are
// stored as NUMERIC for exact decimal precision. Tables are insert-only.
type PostgresSink struct {
	pool *pgxpool.Pool
}

// NewPostgresSink creates a PostgreSQL-backed audit sink.
func NewPostgresSink(pool *pgxpool.Pool) *PostgresSink {
	return &PostgresSink{pool: pool}
}

func (s *PostgresSink) PositionOpened(ctx context.Context, p model.Position) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO position_events (id, event, position_id, symbol, side, price, quantity, leverage, at)
		 VALUES ($1, 'opened', $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7, $8)`,
		uuid.New().String(), p.ID, p.Symbol, p.Side,
		p.EntryPrice.String(), p.Quantity.String(), p.Leverage, p.OpenedAt,
	)
	return err
}

func (s *PostgresSink) PositionClosed(ctx context.Context, t model.ClosedTrade) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO closed_trades (id, symbol, side, entry_price, exit_price, quantity, leverage, realized_pnl, exit_reason, opened_at, closed_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7, $8::NUMERIC, $9, $10, $11)`,
		t.ID, t.Symbol, t.Side,
		t.EntryPrice.String(), t.ExitPrice.String(), t.Quantity.String(), t.Leverage,
		t.RealizedPnL.String(), t.ExitReason, t.OpenedAt, t.ClosedAt,
	)
	return err
}

func (s *PostgresSink) RecordRiskEvent(ctx context.Context, e RiskEvent) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO risk_events (id, kind, symbol, reason, metric, limit_value, at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7)`,
		uuid.New().String(), e.Kind, e.Symbol, e.Reason,
		e.Metric.String(), e.Limit.String(), e.At,
	)
	return err
}

func (s *PostgresSink) RecordMarginSnapshot(ctx context.Context, m MarginSnapshot) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO margin_snapshots (id, balance, maintenance_margin, unrealized_pnl, action, at)
		 VALUES ($1, $2::NUMERIC, $3::NUMERIC, $4::NUMERIC, $5, $6)`,
		uuid.New().String(),
		m.Balance.String(), m.MaintenanceMargin.String(), m.UnrealizedPnL.String(),
		m.Action, m.At,
	)
	return err
}

// ClosedTrades returns closed trades for a symbol, oldest first. Used by the
// HTTP API; writes remain insert-only.
func (s *PostgresSink) ClosedTrades(ctx context.Context, symbol string) ([]model.ClosedTrade, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, symbol, side,
		        entry_price::TEXT, exit_price::TEXT, quantity::TEXT, leverage,
		        realized_pnl::TEXT, exit_reason, opened_at, closed_at
		 FROM closed_trades WHERE symbol = $1 ORDER BY closed_at`, symbol)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var trades []model.ClosedTrade
	for rows.Next() {
		var t model.ClosedTrade
		var entryS, exitS, qtyS, pnlS string
		if err := rows.Scan(&t.ID, &t.Symbol, &t.Side,
			&entryS, &exitS, &qtyS, &t.Leverage,
			&pnlS, &t.ExitReason, &t.OpenedAt, &t.ClosedAt); err != nil {
			return nil, err
		}
		t.EntryPrice, _ = decimal.NewFromString(entryS)
		t.ExitPrice, _ = decimal.NewFromString(exitS)
		t.Quantity, _ = decimal.NewFromString(qtyS)
		t.RealizedPnL, _ = decimal.NewFromString(pnlS)
		trades = append(trades, t)
	}
	return trades, rows.Err()
}
