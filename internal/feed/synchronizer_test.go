package feed

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/quantfray/trading-core/internal/book"
	"github.com/quantfray/trading-core/internal/model"
)

func d(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }

func lvl(price, qty float64) model.PriceLevel {
	return model.PriceLevel{Price: d(price), Quantity: d(qty)}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// scriptedSource serves canned snapshots, optionally failing a fixed number
// of times first.
type scriptedSource struct {
	mu       sync.Mutex
	failures int
	snaps    []Snapshot
	calls    int
}

func (s *scriptedSource) FetchSnapshot(_ context.Context, _ string) (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failures > 0 {
		s.failures--
		return Snapshot{}, errors.New("depth endpoint unavailable")
	}
	i := s.calls
	if i >= len(s.snaps) {
		i = len(s.snaps) - 1
	}
	s.calls++
	return s.snaps[i], nil
}

func (s *scriptedSource) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type capturePublisher struct {
	mu    sync.Mutex
	views []book.View
}

func (p *capturePublisher) PublishTopOfBook(_ context.Context, v book.View) error {
	p.mu.Lock()
	p.views = append(p.views, v)
	p.mu.Unlock()
	return nil
}

func (p *capturePublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.views)
}

func snap(seq uint64) Snapshot {
	return Snapshot{
		Symbol:     "BTCUSDT",
		SequenceID: seq,
		Bids:       []model.PriceLevel{lvl(50000, 3), lvl(49990, 1)},
		Asks:       []model.PriceLevel{lvl(50001, 1), lvl(50010, 2)},
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

type harness struct {
	sync   *Synchronizer
	book   *book.Book
	source *scriptedSource
	pub    *capturePublisher
	deltas chan Delta
	done   chan error
	cancel context.CancelFunc

	waitOnce sync.Once
	runErr   error
}

// waitDone blocks until Run returns and caches its error so the cleanup and
// the test body can both observe it.
func (h *harness) waitDone(t *testing.T) error {
	t.Helper()
	h.waitOnce.Do(func() {
		select {
		case h.runErr = <-h.done:
		case <-time.After(2 * time.Second):
			t.Error("synchronizer did not stop after cancel")
		}
	})
	return h.runErr
}

func startHarness(t *testing.T, cfg Config, source *scriptedSource) *harness {
	t.Helper()
	if cfg.Symbol == "" {
		cfg.Symbol = "BTCUSDT"
	}
	if cfg.SnapshotBackoff == 0 {
		cfg.SnapshotBackoff = time.Millisecond
	}
	bk := book.New(cfg.Symbol, book.Options{StaleAfter: time.Hour})
	pub := &capturePublisher{}
	deltas := make(chan Delta, 16)
	s := NewSynchronizer(cfg, bk, source, deltas, pub, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	h := &harness{sync: s, book: bk, source: source, pub: pub, deltas: deltas, done: done, cancel: cancel}
	t.Cleanup(func() {
		cancel()
		h.waitDone(t)
	})
	return h
}

func TestRunSnapshotThenStreaming(t *testing.T) {
	src := &scriptedSource{snaps: []Snapshot{snap(100)}}
	h := startHarness(t, Config{Rule: RangeContiguous}, src)

	waitFor(t, "snapshot applied", func() bool { return h.book.LastSequence() == 100 })
	if got := h.sync.State(); got != StateSnapshotLoaded {
		t.Fatalf("state after snapshot = %s, want %s", got, StateSnapshotLoaded)
	}

	h.deltas <- Delta{FirstSeq: 101, LastSeq: 101, BidUpdates: []model.PriceLevel{lvl(50000, 5)}}
	waitFor(t, "delta applied", func() bool { return h.book.LastSequence() == 101 })
	if got := h.sync.State(); got != StateStreaming {
		t.Fatalf("state = %s, want %s", got, StateStreaming)
	}
	bid, ok := h.book.BestBid()
	if !ok {
		t.Fatal("BestBid: empty side")
	}
	if !bid.Quantity.Equal(d(5)) {
		t.Fatalf("best bid qty = %s, want 5", bid.Quantity)
	}
	if h.pub.count() < 2 {
		t.Fatalf("publisher saw %d views, want snapshot + delta", h.pub.count())
	}
}

func TestRunDropsStaleDelta(t *testing.T) {
	src := &scriptedSource{snaps: []Snapshot{snap(100)}}
	h := startHarness(t, Config{Rule: RangeContiguous}, src)
	waitFor(t, "snapshot applied", func() bool { return h.book.LastSequence() == 100 })

	// Entirely at or before the snapshot sequence: a silent no-op.
	h.deltas <- Delta{FirstSeq: 99, LastSeq: 100, BidUpdates: []model.PriceLevel{lvl(50000, 99)}}
	h.deltas <- Delta{FirstSeq: 101, LastSeq: 101, AskUpdates: []model.PriceLevel{lvl(50001, 7)}}
	waitFor(t, "live delta applied", func() bool { return h.book.LastSequence() == 101 })

	bid, ok := h.book.BestBid()
	if !ok {
		t.Fatal("BestBid: empty side")
	}
	if !bid.Quantity.Equal(d(3)) {
		t.Fatalf("stale delta mutated book: best bid qty = %s, want 3", bid.Quantity)
	}
}

func TestRunGapForcesResync(t *testing.T) {
	src := &scriptedSource{snaps: []Snapshot{snap(100), snap(200)}}
	h := startHarness(t, Config{Rule: RangeContiguous}, src)
	waitFor(t, "first snapshot", func() bool { return h.book.LastSequence() == 100 })

	// 100 -> 105 skips 101..104: interim updates are lost.
	h.deltas <- Delta{FirstSeq: 105, LastSeq: 105, BidUpdates: []model.PriceLevel{lvl(50000, 9)}}
	waitFor(t, "resync snapshot", func() bool { return h.book.LastSequence() == 200 })
	if src.callCount() != 2 {
		t.Fatalf("snapshot fetches = %d, want 2", src.callCount())
	}

	bid, ok := h.book.BestBid()
	if !ok {
		t.Fatal("BestBid: empty side")
	}
	if !bid.Quantity.Equal(d(3)) {
		t.Fatalf("gapped delta leaked into book: best bid qty = %s, want 3", bid.Quantity)
	}

	// Chain onto the fresh snapshot and resume streaming.
	h.deltas <- Delta{FirstSeq: 201, LastSeq: 201, BidUpdates: []model.PriceLevel{lvl(50000, 4)}}
	waitFor(t, "post-resync delta", func() bool { return h.book.LastSequence() == 201 })
	if got := h.sync.State(); got != StateStreaming {
		t.Fatalf("state = %s, want %s", got, StateStreaming)
	}
}

func TestRunStrictIncrementIgnoresFirstSeq(t *testing.T) {
	src := &scriptedSource{snaps: []Snapshot{snap(100)}}
	h := startHarness(t, Config{Rule: StrictIncrement}, src)
	waitFor(t, "snapshot applied", func() bool { return h.book.LastSequence() == 100 })

	// Strict venues carry one ID per delta; FirstSeq on the frame is noise.
	h.deltas <- Delta{FirstSeq: 0, LastSeq: 101, AskUpdates: []model.PriceLevel{lvl(50001, 2)}}
	waitFor(t, "delta applied", func() bool { return h.book.LastSequence() == 101 })
	if got := h.sync.State(); got != StateStreaming {
		t.Fatalf("state = %s, want %s", got, StateStreaming)
	}
}

func TestRunRecoversAfterSnapshotFailures(t *testing.T) {
	src := &scriptedSource{failures: 3, snaps: []Snapshot{snap(100)}}
	h := startHarness(t, Config{Rule: RangeContiguous, MaxSnapshotFailures: 3}, src)

	// Recovery: after the scripted failures the next fetch succeeds and the
	// snapshot clears the invalid flag.
	waitFor(t, "recovery snapshot", func() bool { return h.book.LastSequence() == 100 })
	if !h.book.IsValid() {
		t.Fatalf("book still invalid after successful snapshot: %s", h.book.Validate())
	}
	if got := h.sync.State(); got != StateSnapshotLoaded {
		t.Fatalf("state = %s, want %s", got, StateSnapshotLoaded)
	}
}

func TestRunChannelCloseForcesResync(t *testing.T) {
	src := &scriptedSource{snaps: []Snapshot{snap(100), snap(200)}}
	h := startHarness(t, Config{Rule: RangeContiguous}, src)
	waitFor(t, "snapshot applied", func() bool { return h.book.LastSequence() == 100 })

	close(h.deltas)
	waitFor(t, "resync after stream close", func() bool { return h.source.callCount() >= 2 })
	h.cancel()
	if err := h.waitDone(t); !errors.Is(err, context.Canceled) {
		t.Fatalf("Run returned %v, want context.Canceled", err)
	}
}

func TestRunRewoundSnapshotBecomesBaseline(t *testing.T) {
	// The venue rewinds its sequence across the resync: snapshots behind the
	// book are refused until the failure budget invalidates it, then the
	// rewound snapshot is adopted as the new baseline.
	src := &scriptedSource{snaps: []Snapshot{snap(100), snap(90)}}
	h := startHarness(t, Config{Rule: RangeContiguous, MaxSnapshotFailures: 2}, src)
	waitFor(t, "first snapshot", func() bool { return h.book.LastSequence() == 100 })

	h.deltas <- Delta{FirstSeq: 150, LastSeq: 150, BidUpdates: []model.PriceLevel{lvl(50000, 9)}}
	waitFor(t, "rewound baseline adopted", func() bool { return h.book.LastSequence() == 90 })
	if !h.book.IsValid() {
		t.Fatal("book should be valid again after the new baseline")
	}
}

func TestRunChannelClosePacedByBackoff(t *testing.T) {
	src := &scriptedSource{snaps: []Snapshot{snap(100)}}
	h := startHarness(t, Config{SnapshotBackoff: 40 * time.Millisecond}, src)
	waitFor(t, "snapshot applied", func() bool { return h.book.LastSequence() == 100 })

	close(h.deltas)
	time.Sleep(120 * time.Millisecond)
	h.cancel()
	if err := h.waitDone(t); !errors.Is(err, context.Canceled) {
		t.Fatalf("Run returned %v, want context.Canceled", err)
	}
	// A permanently closed stream must not spin the snapshot fetch: at most
	// one attempt per backoff interval, plus the initial load.
	if calls := h.source.callCount(); calls > 5 {
		t.Fatalf("snapshot fetched %d times in ~3 backoff intervals", calls)
	}
}

func TestRunReturnsOnCancel(t *testing.T) {
	src := &scriptedSource{snaps: []Snapshot{snap(100)}}
	h := startHarness(t, Config{}, src)
	waitFor(t, "snapshot applied", func() bool { return h.book.LastSequence() == 100 })

	h.cancel()
	if err := h.waitDone(t); !errors.Is(err, context.Canceled) {
		t.Fatalf("Run returned %v, want context.Canceled", err)
	}
}
