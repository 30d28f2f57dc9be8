package book

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/quantfray/trading-core/internal/model"
)

// d is a test helper for creating decimals from float64.
func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func lvl(price, qty float64) model.PriceLevel {
	return model.PriceLevel{Price: d(price), Quantity: d(qty)}
}

func newTestBook() *Book {
	return New("BTC/USDT", Options{})
}

func seedBook(t *testing.T) *Book {
	t.Helper()
	b := newTestBook()
	b.ApplySnapshot(
		[]model.PriceLevel{lvl(50000, 3.0), lvl(49990, 1.0), lvl(49980, 2.0)},
		[]model.PriceLevel{lvl(50001, 1.0), lvl(50010, 2.0), lvl(50020, 4.0)},
		100,
	)
	return b
}

// --- Snapshot tests ---

func TestApplySnapshot_DiscardsZeroQuantityRows(t *testing.T) {
	b := newTestBook()
	b.ApplySnapshot(
		[]model.PriceLevel{lvl(50000, 3.0), lvl(49990, 0)},
		[]model.PriceLevel{lvl(50001, 1.0), lvl(50010, 0)},
		1,
	)

	bids, asks := b.TopLevels(10)
	if len(bids) != 1 || len(asks) != 1 {
		t.Fatalf("expected 1 level per side, got %d bids %d asks", len(bids), len(asks))
	}
}

func TestApplySnapshot_SortsSides(t *testing.T) {
	b := newTestBook()
	b.ApplySnapshot(
		[]model.PriceLevel{lvl(49990, 1), lvl(50000, 1), lvl(49995, 1)},
		[]model.PriceLevel{lvl(50020, 1), lvl(50001, 1), lvl(50010, 1)},
		1,
	)

	bids, asks := b.TopLevels(10)
	if !bids[0].Price.Equal(d(50000)) {
		t.Errorf("best bid should be highest, got %s", bids[0].Price)
	}
	if !asks[0].Price.Equal(d(50001)) {
		t.Errorf("best ask should be lowest, got %s", asks[0].Price)
	}
	for i := 1; i < len(bids); i++ {
		if bids[i].Price.GreaterThanOrEqual(bids[i-1].Price) {
			t.Errorf("bids not descending at %d", i)
		}
	}
	for i := 1; i < len(asks); i++ {
		if asks[i].Price.LessThanOrEqual(asks[i-1].Price) {
			t.Errorf("asks not ascending at %d", i)
		}
	}
}

func TestApplySnapshot_Idempotent(t *testing.T) {
	bids := []model.PriceLevel{lvl(50000, 3.0), lvl(49990, 1.0)}
	asks := []model.PriceLevel{lvl(50001, 1.0)}

	b := newTestBook()
	b.ApplySnapshot(bids, asks, 5)
	first := b.Snapshot(0)
	b.ApplySnapshot(bids, asks, 5)
	second := b.Snapshot(0)

	if first.Sequence != second.Sequence {
		t.Fatalf("sequence changed: %d vs %d", first.Sequence, second.Sequence)
	}
	if len(first.Bids) != len(second.Bids) || len(first.Asks) != len(second.Asks) {
		t.Fatal("level counts changed on identical snapshot")
	}
	for i := range first.Bids {
		if !first.Bids[i].Price.Equal(second.Bids[i].Price) || !first.Bids[i].Quantity.Equal(second.Bids[i].Quantity) {
			t.Errorf("bid level %d differs after re-applying snapshot", i)
		}
	}
}

func TestApplySnapshot_RefusesSequenceRewind(t *testing.T) {
	b := seedBook(t)

	err := b.ApplySnapshot(
		[]model.PriceLevel{lvl(40000, 1.0)},
		[]model.PriceLevel{lvl(40001, 1.0)},
		90,
	)
	if !errors.Is(err, ErrStaleSnapshot) {
		t.Fatalf("expected ErrStaleSnapshot, got %v", err)
	}
	if b.LastSequence() != 100 {
		t.Errorf("sequence moved backward to %d", b.LastSequence())
	}
	if bid, ok := b.BestBid(); !ok || !bid.Price.Equal(d(50000)) {
		t.Error("stale snapshot must not replace levels")
	}
}

func TestApplySnapshot_InvalidBookAcceptsRewoundBaseline(t *testing.T) {
	b := seedBook(t)
	b.MarkInvalid()

	if err := b.ApplySnapshot(
		[]model.PriceLevel{lvl(40000, 1.0)},
		[]model.PriceLevel{lvl(40001, 1.0)},
		90,
	); err != nil {
		t.Fatalf("invalid book should accept a fresh baseline: %v", err)
	}
	if b.LastSequence() != 90 {
		t.Errorf("sequence = %d, want 90", b.LastSequence())
	}
	if !b.IsValid() {
		t.Error("snapshot should restore validity")
	}
}

// --- Delta tests ---

func TestApplyDelta_UpsertAndRemove(t *testing.T) {
	b := seedBook(t)

	// Upsert an existing level, insert a new one.
	if err := b.ApplyDelta(
		[]model.PriceLevel{lvl(49990, 5.0), lvl(49985, 1.5)},
		nil, 101,
	); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	bids, _ := b.TopLevels(10)
	if len(bids) != 4 {
		t.Fatalf("expected 4 bid levels, got %d", len(bids))
	}
	if !bids[1].Quantity.Equal(d(5.0)) {
		t.Errorf("expected upserted qty 5.0 at 49990, got %s", bids[1].Quantity)
	}

	// Quantity zero removes the price entirely.
	if err := b.ApplyDelta([]model.PriceLevel{lvl(49990, 0)}, nil, 102); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	bids, _ = b.TopLevels(10)
	for _, l := range bids {
		if l.Price.Equal(d(49990)) {
			t.Error("level 49990 should have been removed")
		}
	}
}

func TestApplyDelta_NeverStoresZeroQuantity(t *testing.T) {
	b := seedBook(t)
	if err := b.ApplyDelta(nil, []model.PriceLevel{lvl(50050, 0)}, 101); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	_, asks := b.TopLevels(100)
	for _, l := range asks {
		if !l.Quantity.IsPositive() {
			t.Errorf("zero-quantity level stored at %s", l.Price)
		}
	}
}

func TestApplyDelta_SequenceGapIsNoOp(t *testing.T) {
	b := seedBook(t)
	err := b.ApplyDelta([]model.PriceLevel{lvl(50000, 9.0)}, nil, 105)
	if !errors.Is(err, ErrSequenceGap) {
		t.Fatalf("expected ErrSequenceGap, got %v", err)
	}

	bids, _ := b.TopLevels(1)
	if !bids[0].Quantity.Equal(d(3.0)) {
		t.Errorf("gap delta mutated the book: qty %s", bids[0].Quantity)
	}
	if b.LastSequence() != 100 {
		t.Errorf("sequence advanced on gap: %d", b.LastSequence())
	}
}

func TestApplyDelta_StaleSequenceIsNoOp(t *testing.T) {
	b := seedBook(t)
	err := b.ApplyDelta([]model.PriceLevel{lvl(50000, 9.0)}, nil, 99)
	if !errors.Is(err, ErrStaleSequence) {
		t.Fatalf("expected ErrStaleSequence, got %v", err)
	}
	if b.LastSequence() != 100 {
		t.Errorf("sequence decreased: %d", b.LastSequence())
	}
}

func TestApplyDeltaRange_ChainsWhenCoveringNextSequence(t *testing.T) {
	b := seedBook(t)

	// Range straddling lastSeq+1 applies (venue batch contract).
	if err := b.ApplyDeltaRange([]model.PriceLevel{lvl(50000, 4.0)}, nil, 98, 103); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if b.LastSequence() != 103 {
		t.Errorf("expected sequence 103, got %d", b.LastSequence())
	}

	// Range starting past lastSeq+1 is a gap.
	if err := b.ApplyDeltaRange(nil, nil, 106, 110); !errors.Is(err, ErrSequenceGap) {
		t.Fatalf("expected ErrSequenceGap, got %v", err)
	}
}

func TestLastSequence_NeverDecreases(t *testing.T) {
	b := seedBook(t)
	seqs := []uint64{101, 50, 102, 90, 103}
	last := b.LastSequence()
	for _, s := range seqs {
		_ = b.ApplyDelta(nil, nil, s)
		if b.LastSequence() < last {
			t.Fatalf("sequence decreased from %d to %d", last, b.LastSequence())
		}
		last = b.LastSequence()
	}
}

// --- Validity tests ---

func TestValidate_EmptyBook(t *testing.T) {
	b := newTestBook()
	if got := b.Validate(); got != StatusEmpty {
		t.Errorf("expected StatusEmpty, got %s", got)
	}
	if b.IsValid() {
		t.Error("empty book must not be valid")
	}
}

func TestValidate_CrossedBook(t *testing.T) {
	b := newTestBook()
	b.ApplySnapshot(
		[]model.PriceLevel{lvl(50010, 1)},
		[]model.PriceLevel{lvl(50000, 1)},
		1,
	)
	if got := b.Validate(); got != StatusCrossed {
		t.Errorf("expected StatusCrossed, got %s", got)
	}
	if b.IsValid() {
		t.Error("crossed book must not be valid")
	}
}

func TestValidate_Stale(t *testing.T) {
	b := seedBook(t)
	if !b.IsValid() {
		t.Fatal("fresh book should be valid")
	}
	b.now = func() time.Time { return time.Now().Add(2 * time.Second) }
	if got := b.Validate(); got != StatusStale {
		t.Errorf("expected StatusStale, got %s", got)
	}
}

func TestMarkInvalid_ClearedByNextSnapshot(t *testing.T) {
	b := seedBook(t)
	b.MarkInvalid()
	if got := b.Validate(); got != StatusInvalid {
		t.Fatalf("expected StatusInvalid, got %s", got)
	}

	b.ApplySnapshot(
		[]model.PriceLevel{lvl(50000, 1)},
		[]model.PriceLevel{lvl(50001, 1)},
		200,
	)
	if !b.IsValid() {
		t.Error("fresh snapshot should clear the invalid flag")
	}
}

func TestDepthArguments_ZeroAndNegativeSelectAll(t *testing.T) {
	b := seedBook(t)

	for _, depth := range []int{0, -1, -100} {
		bids, asks := b.TopLevels(depth)
		if len(bids) != 3 || len(asks) != 3 {
			t.Fatalf("TopLevels(%d): %d bids %d asks, want 3/3", depth, len(bids), len(asks))
		}
		view := b.Snapshot(depth)
		if len(view.Bids) != 3 || len(view.Asks) != 3 {
			t.Fatalf("Snapshot(%d): %d bids %d asks, want 3/3", depth, len(view.Bids), len(view.Asks))
		}
		// Full side: bids 6.0 over asks 7.0.
		if got := b.Imbalance(depth); got < 0.85 || got > 0.86 {
			t.Errorf("Imbalance(%d) = %v, want ~0.857", depth, got)
		}
		if got := b.LiquidityScore(depth); got < 0 || got > 100 {
			t.Errorf("LiquidityScore(%d) = %v outside [0, 100]", depth, got)
		}
		if walls := b.DetectWalls(d(2.5), depth); walls != nil && len(walls) != 0 {
			t.Errorf("DetectWalls(%d) found %d walls in flat book", depth, len(walls))
		}
	}
}

// --- Analytics tests ---

func TestMidPriceAndImbalance_TopOfBook(t *testing.T) {
	b := newTestBook()
	b.ApplySnapshot(
		[]model.PriceLevel{lvl(50000, 3.0)},
		[]model.PriceLevel{lvl(50001, 1.0)},
		1,
	)

	mid, err := b.MidPrice()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !mid.Equal(d(50000.5)) {
		t.Errorf("expected mid 50000.5, got %s", mid)
	}

	if got := b.Imbalance(1); got != 3.0 {
		t.Errorf("expected imbalance 3.0, got %v", got)
	}
}

func TestMidPrice_EmptySide(t *testing.T) {
	b := newTestBook()
	b.ApplySnapshot([]model.PriceLevel{lvl(50000, 1)}, nil, 1)
	if _, err := b.MidPrice(); !errors.Is(err, ErrBookEmpty) {
		t.Errorf("expected ErrBookEmpty, got %v", err)
	}
	if _, err := b.SpreadBps(); !errors.Is(err, ErrBookEmpty) {
		t.Errorf("expected ErrBookEmpty, got %v", err)
	}
}

func TestImbalance_NeutralWhenSideEmpty(t *testing.T) {
	b := newTestBook()
	b.ApplySnapshot(nil, []model.PriceLevel{lvl(50001, 1)}, 1)
	if got := b.Imbalance(5); got != 1.0 {
		t.Errorf("expected neutral 1.0, got %v", got)
	}
}

func TestImbalance_AlwaysBounded(t *testing.T) {
	b := New("BTC/USDT", Options{ImbalanceCap: 50})
	b.ApplySnapshot(
		[]model.PriceLevel{lvl(50000, 100000)},
		[]model.PriceLevel{lvl(50001, 0.0001)},
		1,
	)
	got := b.Imbalance(1)
	if got < 0 || got > 50 {
		t.Errorf("imbalance %v outside [0, 50]", got)
	}
	if got != 50 {
		t.Errorf("expected clamp to cap 50, got %v", got)
	}
}

func TestSpreadBps(t *testing.T) {
	b := newTestBook()
	b.ApplySnapshot(
		[]model.PriceLevel{lvl(9999, 1)},
		[]model.PriceLevel{lvl(10001, 1)},
		1,
	)
	spread, err := b.SpreadBps()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// Spread 2 over mid 10000 = 2 bps.
	if !spread.Equal(d(2)) {
		t.Errorf("expected 2 bps, got %s", spread)
	}
}

func TestLiquidityScore_Bounds(t *testing.T) {
	b := newTestBook()
	if got := b.LiquidityScore(5); got != 0 {
		t.Errorf("empty book should score 0, got %v", got)
	}

	b = New("BTC/USDT", Options{ReferenceNotional: d(100000)})
	b.ApplySnapshot(
		[]model.PriceLevel{lvl(50000, 2.0), lvl(49999, 2.0)},
		[]model.PriceLevel{lvl(50001, 2.0), lvl(50002, 2.0)},
		1,
	)
	got := b.LiquidityScore(5)
	if got < 0 || got > 100 {
		t.Fatalf("score %v outside [0, 100]", got)
	}
	// Tight spread, deep two-sided book, perfect balance: should score high.
	if got < 90 {
		t.Errorf("expected high score for tight deep balanced book, got %v", got)
	}
}

func TestDetectWalls(t *testing.T) {
	b := newTestBook()
	b.ApplySnapshot(
		[]model.PriceLevel{lvl(50000, 1.0), lvl(49990, 1.0), lvl(49980, 10.0), lvl(49970, 1.0)},
		[]model.PriceLevel{lvl(50001, 1.0), lvl(50010, 1.0)},
		1,
	)

	walls := b.DetectWalls(d(2.5), 10)
	if len(walls) != 1 {
		t.Fatalf("expected 1 wall, got %d", len(walls))
	}
	w := walls[0]
	if w.Side != model.SideBuy || !w.Price.Equal(d(49980)) {
		t.Errorf("unexpected wall: %+v", w)
	}
	if w.Ratio <= 2.5 {
		t.Errorf("wall ratio should exceed multiplier, got %v", w.Ratio)
	}
}

func TestDetectWalls_EmptyBook(t *testing.T) {
	b := newTestBook()
	if walls := b.DetectWalls(d(2), 10); len(walls) != 0 {
		t.Errorf("expected no walls on empty book, got %d", len(walls))
	}
}

func TestSnapshot_IsACopy(t *testing.T) {
	b := seedBook(t)
	view := b.Snapshot(0)
	view.Bids[0].Quantity = d(999)

	bids, _ := b.TopLevels(1)
	if bids[0].Quantity.Equal(d(999)) {
		t.Error("mutating a snapshot view must not affect the book")
	}
}
