// Package book implements the in-memory, price-sorted order book for one
// trading pair: snapshot and delta application plus read-only depth analytics
// (mid price, spread, imbalance, liquidity score, wall detection).
//
// All price and quantity values use shopspring/decimal — never float64 for
// money. float64 appears only in informational derived ratios (imbalance,
// 0–100 liquidity score).
//
// Concurrency: one writer per symbol (the feed synchronizer goroutine) applies
// snapshots and deltas; analytics take a read lock and may run concurrently
// with the next delta. A reader never observes a half-applied delta.
package book

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/quantfray/trading-core/internal/model"
)

var (
	// ErrBookEmpty is returned by analytics that need both sides populated.
	ErrBookEmpty = errors.New("book: side empty")

	// ErrSequenceGap is returned when a delta does not chain onto the last
	// applied sequence. The book state is untouched; the caller must trigger
	// a fresh snapshot.
	ErrSequenceGap = errors.New("book: delta sequence gap")

	// ErrStaleSequence is returned when a delta's sequence range lies entirely
	// at or before the last applied sequence. The delta is a no-op.
	ErrStaleSequence = errors.New("book: stale delta sequence")

	// ErrStaleSnapshot is returned when a snapshot's sequence is behind the
	// book's. The book state is untouched; sequence numbers never decrease
	// while synchronization holds.
	ErrStaleSnapshot = errors.New("book: stale snapshot sequence")
)

// Status is the validity classification of the book.
type Status string

const (
	StatusValid   Status = "valid"
	StatusEmpty   Status = "empty"   // one or both sides have no levels
	StatusStale   Status = "stale"   // no update within the staleness threshold
	StatusCrossed Status = "crossed" // best bid >= best ask: critical fault
	StatusInvalid Status = "invalid" // synchronization lost; awaiting snapshot
)

const (
	defaultStaleAfter   = time.Second
	defaultImbalanceCap = 100.0
)

// Options tunes book thresholds. The zero value selects defaults.
type Options struct {
	// StaleAfter is the max age of the last update before the book is stale.
	StaleAfter time.Duration

	// ImbalanceCap is the finite sentinel returned when the ask-side volume
	// in the imbalance window is zero, and the upper clamp for the ratio.
	ImbalanceCap float64

	// ReferenceNotional normalizes the depth component of the liquidity
	// score: total two-sided notional at this value scores 100.
	ReferenceNotional decimal.Decimal
}

// Book is the order book for a single symbol. Bids are kept sorted descending
// (best = highest), asks ascending (best = lowest). Levels always have
// strictly positive quantity; quantity-zero updates remove the level.
type Book struct {
	symbol string

	mu        sync.RWMutex
	bids      []model.PriceLevel
	asks      []model.PriceLevel
	lastSeq   uint64
	updatedAt time.Time
	invalid   bool

	staleAfter   time.Duration
	imbalanceCap float64
	refNotional  decimal.Decimal
	now          func() time.Time
}

// New creates an empty book for symbol.
func New(symbol string, opts Options) *Book {
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = defaultStaleAfter
	}
	if opts.ImbalanceCap <= 0 {
		opts.ImbalanceCap = defaultImbalanceCap
	}
	if opts.ReferenceNotional.LessThanOrEqual(decimal.Zero) {
		opts.ReferenceNotional = decimal.NewFromInt(1_000_000)
	}
	return &Book{
		symbol:       symbol,
		staleAfter:   opts.StaleAfter,
		imbalanceCap: opts.ImbalanceCap,
		refNotional:  opts.ReferenceNotional,
		now:          time.Now,
	}
}

// Symbol returns the trading pair this book tracks.
func (b *Book) Symbol() string { return b.symbol }

// ApplySnapshot atomically replaces all book state with the given levels.
// Zero-quantity input rows are discarded. The snapshot's sequence becomes the
// new baseline and the staleness clock resets.
//
// A snapshot whose sequence is behind the book's is refused with
// ErrStaleSnapshot, so the observed sequence never decreases. The one
// exception is a book flagged invalid: synchronization is already lost, and
// whatever snapshot ends the outage is the new baseline even if the venue
// rewound its sequence.
func (b *Book) ApplySnapshot(bids, asks []model.PriceLevel, seq uint64) error {
	newBids := filterPositive(bids)
	newAsks := filterPositive(asks)

	sort.Slice(newBids, func(i, j int) bool { return newBids[i].Price.GreaterThan(newBids[j].Price) })
	sort.Slice(newAsks, func(i, j int) bool { return newAsks[i].Price.LessThan(newAsks[j].Price) })

	b.mu.Lock()
	defer b.mu.Unlock()
	if seq < b.lastSeq && !b.invalid {
		return fmt.Errorf("%w: snapshot %d behind book %d", ErrStaleSnapshot, seq, b.lastSeq)
	}
	b.bids = newBids
	b.asks = newAsks
	b.lastSeq = seq
	b.updatedAt = b.now()
	b.invalid = false
	return nil
}

// MarkInvalid flags the book unusable until the next snapshot is applied.
// The synchronizer calls this when it can no longer guarantee consistency
// (repeated snapshot failures, lost stream).
func (b *Book) MarkInvalid() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.invalid = true
}

// ApplyDelta applies an incremental update whose sequence must be the strict
// successor of the last applied sequence. A quantity of zero removes the
// level, any other quantity upserts it. On a sequence mismatch the book is
// untouched and ErrSequenceGap / ErrStaleSequence is returned.
func (b *Book) ApplyDelta(bidUpdates, askUpdates []model.PriceLevel, seq uint64) error {
	return b.ApplyDeltaRange(bidUpdates, askUpdates, seq, seq)
}

// ApplyDeltaRange applies a delta covering the sequence range [first, last],
// the contract used by venues that batch updates per frame. The range chains
// if it covers lastSeq+1, i.e. first <= lastSeq+1 <= last.
func (b *Book) ApplyDeltaRange(bidUpdates, askUpdates []model.PriceLevel, first, last uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if last <= b.lastSeq {
		return ErrStaleSequence
	}
	if first > b.lastSeq+1 {
		return ErrSequenceGap
	}

	for _, u := range bidUpdates {
		b.bids = upsert(b.bids, u, true)
	}
	for _, u := range askUpdates {
		b.asks = upsert(b.asks, u, false)
	}
	b.lastSeq = last
	b.updatedAt = b.now()
	return nil
}

// LastSequence returns the sequence of the last applied snapshot or delta.
func (b *Book) LastSequence() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.lastSeq
}

// UpdatedAt returns the time of the last applied snapshot or delta.
func (b *Book) UpdatedAt() time.Time {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.updatedAt
}

// BestBid returns the highest bid level, or false if the bid side is empty.
func (b *Book) BestBid() (model.PriceLevel, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if len(b.bids) == 0 {
		return model.PriceLevel{}, false
	}
	return b.bids[0], true
}

// BestAsk returns the lowest ask level, or false if the ask side is empty.
func (b *Book) BestAsk() (model.PriceLevel, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if len(b.asks) == 0 {
		return model.PriceLevel{}, false
	}
	return b.asks[0], true
}

// TopLevels returns copies of the best depth levels per side.
func (b *Book) TopLevels(depth int) (bids, asks []model.PriceLevel) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return copyLevels(b.bids, depth), copyLevels(b.asks, depth)
}

// Validate classifies the current book state. StatusCrossed (best bid >= best
// ask) is a critical fault; the caller should trip the kill switch.
func (b *Book) Validate() Status {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.invalid {
		return StatusInvalid
	}
	if len(b.bids) == 0 || len(b.asks) == 0 {
		return StatusEmpty
	}
	if b.bids[0].Price.GreaterThanOrEqual(b.asks[0].Price) {
		return StatusCrossed
	}
	if b.now().Sub(b.updatedAt) > b.staleAfter {
		return StatusStale
	}
	return StatusValid
}

// IsValid reports whether the book is usable for signal generation: non-empty
// on both sides, uncrossed, and updated within the staleness threshold.
func (b *Book) IsValid() bool {
	return b.Validate() == StatusValid
}

// View is an immutable copy of the book state handed to readers outside the
// synchronizer's goroutine.
type View struct {
	Symbol    string             `json:"symbol"`
	Bids      []model.PriceLevel `json:"bids"`
	Asks      []model.PriceLevel `json:"asks"`
	Sequence  uint64             `json:"sequence"`
	UpdatedAt time.Time          `json:"updated_at"`
}

// Snapshot returns an immutable copy of up to depth levels per side.
// depth <= 0 copies the full book.
func (b *Book) Snapshot(depth int) View {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return View{
		Symbol:    b.symbol,
		Bids:      copyLevels(b.bids, depth),
		Asks:      copyLevels(b.asks, depth),
		Sequence:  b.lastSeq,
		UpdatedAt: b.updatedAt,
	}
}

// --- internal helpers (callers hold the lock) ---

func filterPositive(levels []model.PriceLevel) []model.PriceLevel {
	out := make([]model.PriceLevel, 0, len(levels))
	for _, l := range levels {
		if l.Quantity.IsPositive() {
			out = append(out, l)
		}
	}
	return out
}

// copyLevels copies up to depth levels; depth <= 0 selects them all. Every
// depth-taking read uses this clamping, so no window argument can slice out
// of range.
func copyLevels(levels []model.PriceLevel, depth int) []model.PriceLevel {
	if depth <= 0 || depth > len(levels) {
		depth = len(levels)
	}
	out := make([]model.PriceLevel, depth)
	copy(out, levels[:depth])
	return out
}

// upsert inserts, replaces, or removes (qty zero) a level while keeping the
// side sorted: bids descending, asks ascending.
func upsert(levels []model.PriceLevel, u model.PriceLevel, descending bool) []model.PriceLevel {
	i := sort.Search(len(levels), func(i int) bool {
		if descending {
			return levels[i].Price.LessThanOrEqual(u.Price)
		}
		return levels[i].Price.GreaterThanOrEqual(u.Price)
	})

	found := i < len(levels) && levels[i].Price.Equal(u.Price)

	if !u.Quantity.IsPositive() {
		if found {
			return append(levels[:i], levels[i+1:]...)
		}
		return levels
	}

	if found {
		levels[i].Quantity = u.Quantity
		return levels
	}

	levels = append(levels, model.PriceLevel{})
	copy(levels[i+1:], levels[i:])
	levels[i] = u
	return levels
}
