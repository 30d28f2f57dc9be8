package risk

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/quantfray/trading-core/internal/audit"
	"github.com/quantfray/trading-core/internal/model"
)

func newTestFuturesManager() *FuturesManager {
	return NewFuturesManager(DefaultLimits(), NewKillSwitch(), audit.NewMemorySink(), discardLogger())
}

func approvedRequest() OpenRequest {
	return OpenRequest{
		Symbol:     "BTC/USDT",
		Notional:   d(2000),
		Capital:    d(10000),
		Leverage:   5,
		DailyPnL:   d(0),
		Equity:     d(10000),
		PeakEquity: d(10000),
	}
}

// --- Leverage ---

func TestValidateLeverage(t *testing.T) {
	m := newTestFuturesManager() // max 10

	for _, lev := range []int{1, 5, 10} {
		if err := m.ValidateLeverage(lev); err != nil {
			t.Errorf("leverage %d should be valid: %v", lev, err)
		}
	}
	for _, lev := range []int{0, -1, 11} {
		if err := m.ValidateLeverage(lev); err == nil {
			t.Errorf("leverage %d should be invalid", lev)
		}
	}
}

// --- Liquidation price ---

func TestLiquidationPrice_LongAndShort(t *testing.T) {
	m := newTestFuturesManager()
	mmr := d(0.004)

	long := m.LiquidationPrice("BTC/USDT", d(50000), 5, model.PositionLong, mmr)
	if !long.Equal(d(40200)) {
		t.Errorf("long liquidation: expected 40200.00, got %s", long)
	}

	short := m.LiquidationPrice("BTC/USDT", d(50000), 5, model.PositionShort, mmr)
	if !short.Equal(d(59800)) {
		t.Errorf("short liquidation: expected 59800.00, got %s", short)
	}
}

func TestLiquidationPrice_MMRFallback(t *testing.T) {
	limits := DefaultLimits()
	limits.DefaultMaintenanceMarginRate = d(0.004)
	limits.MaintenanceMarginRates = map[string]decimal.Decimal{"ETH/USDT": d(0.01)}
	m := NewFuturesManager(limits, NewKillSwitch(), audit.NewMemorySink(), discardLogger())

	// Per-symbol rate.
	eth := m.LiquidationPrice("ETH/USDT", d(2000), 4, model.PositionLong, decimal.Zero)
	if !eth.Equal(d(2000).Mul(d(0.76))) {
		t.Errorf("expected per-symbol mmr 0.01 applied, got %s", eth)
	}

	// Global fallback.
	btc := m.LiquidationPrice("BTC/USDT", d(50000), 5, model.PositionLong, decimal.Zero)
	if !btc.Equal(d(40200)) {
		t.Errorf("expected fallback mmr 0.004 applied, got %s", btc)
	}
}

// --- Margin health ---

func TestCheckMarginHealth(t *testing.T) {
	m := newTestFuturesManager() // buffer 0.15

	tests := []struct {
		name                       string
		balance, maint, unrealized float64
		want                       MarginAction
	}{
		{"ratio below one liquidates", 10000, 11000, 0, MarginLiquidate},
		{"ratio inside buffer reduces", 11000, 10000, 0, MarginReduce},
		{"healthy ratio ok", 20000, 10000, 0, MarginOK},
		{"unrealized loss drags ratio down", 12000, 10000, -2500, MarginLiquidate},
		{"unrealized gain lifts ratio", 10000, 10000, 2000, MarginOK},
		{"no maintenance margin ok", 10000, 0, 0, MarginOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := m.CheckMarginHealth(d(tt.balance), d(tt.maint), d(tt.unrealized))
			if got != tt.want {
				t.Errorf("expected %s, got %s", tt.want, got)
			}
		})
	}
}

// --- CanOpenPosition ---

func TestCanOpenPosition_Approves(t *testing.T) {
	m := newTestFuturesManager()
	decision := m.CanOpenPosition(context.Background(), approvedRequest())
	if !decision.Approved {
		t.Fatalf("expected approval, rejected on %s: %s", decision.Check, decision.Reason)
	}
	if m.KillSwitch().Active() {
		t.Error("approval must have no side effects")
	}
}

func TestCanOpenPosition_RejectsWhenKillSwitchActive(t *testing.T) {
	m := newTestFuturesManager()
	m.KillSwitch().Trip("manual halt")

	decision := m.CanOpenPosition(context.Background(), approvedRequest())
	if decision.Approved || decision.Check != "kill_switch" {
		t.Fatalf("expected kill_switch rejection, got %+v", decision)
	}
}

func TestCanOpenPosition_RejectsEverythingOnceTripped(t *testing.T) {
	m := newTestFuturesManager()
	m.KillSwitch().Trip("halt")

	// Every subsequent input is rejected until an explicit reset.
	reqs := []OpenRequest{approvedRequest(), {Symbol: "ETH/USDT", Notional: d(1), Capital: d(1000000), Leverage: 1, Equity: d(1), PeakEquity: d(1)}}
	for _, req := range reqs {
		if m.CanOpenPosition(context.Background(), req).Approved {
			t.Fatal("no request may be approved while the latch is set")
		}
	}

	m.KillSwitch().Reset()
	if !m.CanOpenPosition(context.Background(), approvedRequest()).Approved {
		t.Error("explicit reset should allow trading again")
	}
}

func TestCanOpenPosition_DailyLossBreachTripsKillSwitch(t *testing.T) {
	sink := audit.NewMemorySink()
	m := NewFuturesManager(DefaultLimits(), NewKillSwitch(), sink, discardLogger()) // floor -500

	req := approvedRequest()
	req.DailyPnL = d(-600)

	decision := m.CanOpenPosition(context.Background(), req)
	if decision.Approved || decision.Check != "daily_loss" {
		t.Fatalf("expected daily_loss rejection, got %+v", decision)
	}
	if !m.KillSwitch().Active() {
		t.Error("daily loss breach must latch the kill switch")
	}
	if len(sink.RiskEvents()) != 1 {
		t.Errorf("expected 1 audited risk event, got %d", len(sink.RiskEvents()))
	}
}

func TestCanOpenPosition_DrawdownBreachTripsKillSwitch(t *testing.T) {
	m := newTestFuturesManager() // floor -1500

	req := approvedRequest()
	req.Equity = d(8000)
	req.PeakEquity = d(10000)

	decision := m.CanOpenPosition(context.Background(), req)
	if decision.Approved || decision.Check != "drawdown" {
		t.Fatalf("expected drawdown rejection, got %+v", decision)
	}
	if !m.KillSwitch().Active() {
		t.Error("drawdown breach must latch the kill switch")
	}
}

func TestCanOpenPosition_ShortCircuitOrder(t *testing.T) {
	m := newTestFuturesManager()

	// Bad leverage and oversized notional together: leverage is checked
	// first and must name the failure.
	req := approvedRequest()
	req.Leverage = 50
	req.Notional = d(1_000_000)

	decision := m.CanOpenPosition(context.Background(), req)
	if decision.Check != "leverage" {
		t.Errorf("expected leverage to fail first, got %s", decision.Check)
	}
	if m.KillSwitch().Active() {
		t.Error("leverage/size failures must not latch the kill switch")
	}
}

func TestCanOpenPosition_RejectsOversizedNotional(t *testing.T) {
	m := newTestFuturesManager() // cap 10000

	req := approvedRequest()
	req.Notional = d(10001)
	req.Capital = d(1_000_000)

	decision := m.CanOpenPosition(context.Background(), req)
	if decision.Approved || decision.Check != "position_size" {
		t.Fatalf("expected position_size rejection, got %+v", decision)
	}
}
