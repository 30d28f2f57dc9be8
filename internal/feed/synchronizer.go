package feed

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/quantfray/trading-core/internal/book"
	"github.com/quantfray/trading-core/internal/metrics"
)

// TopOfBookPublisher receives the book's top of book after each applied
// update. Publishing is fire-and-forget at the call site.
type TopOfBookPublisher interface {
	PublishTopOfBook(ctx context.Context, view book.View) error
}

// Config tunes a synchronizer. The zero value selects defaults.
type Config struct {
	Symbol string
	Rule   SequenceRule

	// SnapshotBackoff is the wait between failed snapshot fetch attempts.
	SnapshotBackoff time.Duration

	// MaxSnapshotFailures is the number of consecutive snapshot failures
	// after which the book is marked invalid. Fetching keeps retrying.
	MaxSnapshotFailures int
}

// Synchronizer exclusively owns one symbol's book: it applies the initial
// snapshot, consumes the delta stream, and resynchronizes on sequence gaps.
// Readers get consistent views through the book, never a mutable handle.
type Synchronizer struct {
	cfg    Config
	book   *book.Book
	source SnapshotSource
	deltas <-chan Delta
	pub    TopOfBookPublisher
	logger *slog.Logger

	mu       sync.RWMutex
	state    State
	failures int
}

// NewSynchronizer creates a synchronizer for one symbol. pub may be nil.
func NewSynchronizer(cfg Config, bk *book.Book, source SnapshotSource, deltas <-chan Delta, pub TopOfBookPublisher, logger *slog.Logger) *Synchronizer {
	if cfg.SnapshotBackoff <= 0 {
		cfg.SnapshotBackoff = 500 * time.Millisecond
	}
	if cfg.MaxSnapshotFailures <= 0 {
		cfg.MaxSnapshotFailures = 5
	}
	return &Synchronizer{
		cfg:    cfg,
		book:   bk,
		source: source,
		deltas: deltas,
		pub:    pub,
		logger: logger.With(
			slog.String("component", "feed_synchronizer"),
			slog.String("symbol", cfg.Symbol),
		),
		state: StateUnsynced,
	}
}

// State returns the current lifecycle state.
func (s *Synchronizer) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Synchronizer) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// Run drives the snapshot/stream/resync loop until ctx is cancelled. Network
// faults are converted into state transitions and retries, never returned;
// the only error Run returns is ctx.Err().
func (s *Synchronizer) Run(ctx context.Context) error {
	for {
		if err := s.loadSnapshot(ctx); err != nil {
			return err
		}
		if err := s.stream(ctx); err != nil {
			return err
		}
		// stream returned because a resync is required.
		metrics.Resyncs.WithLabelValues(s.cfg.Symbol).Inc()
	}
}

// loadSnapshot fetches and applies a snapshot, retrying with backoff until
// it succeeds or ctx is cancelled. After MaxSnapshotFailures consecutive
// failures the book is marked invalid so downstream consumers stop trusting
// derived signals until recovery.
func (s *Synchronizer) loadSnapshot(ctx context.Context) error {
	for {
		snap, err := s.source.FetchSnapshot(ctx, s.cfg.Symbol)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.failures++
			metrics.SnapshotFailures.WithLabelValues(s.cfg.Symbol).Inc()
			s.logger.Warn("snapshot fetch failed",
				slog.Int("consecutive", s.failures),
				slog.String("error", err.Error()),
			)
			if s.failures >= s.cfg.MaxSnapshotFailures {
				s.book.MarkInvalid()
				s.setState(StateUnsynced)
				metrics.BookValid.WithLabelValues(s.cfg.Symbol).Set(0)
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(s.cfg.SnapshotBackoff):
			}
			continue
		}

		if err := s.book.ApplySnapshot(snap.Bids, snap.Asks, snap.SequenceID); err != nil {
			// A rewound snapshot counts as a failed attempt. Once the failure
			// budget marks the book invalid, the next snapshot is accepted as
			// the new baseline regardless of its sequence.
			s.failures++
			metrics.SnapshotFailures.WithLabelValues(s.cfg.Symbol).Inc()
			s.logger.Warn("snapshot refused",
				slog.Int("consecutive", s.failures),
				slog.String("error", err.Error()),
			)
			if s.failures >= s.cfg.MaxSnapshotFailures {
				s.book.MarkInvalid()
				s.setState(StateUnsynced)
				metrics.BookValid.WithLabelValues(s.cfg.Symbol).Set(0)
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(s.cfg.SnapshotBackoff):
			}
			continue
		}

		s.failures = 0
		s.setState(StateSnapshotLoaded)
		s.publish(ctx)
		s.logger.Info("snapshot applied", slog.Uint64("sequence", snap.SequenceID))
		return nil
	}
}

// stream consumes deltas until a sequence gap requires a resync (returns
// nil) or ctx is cancelled (returns ctx.Err()). Stale deltas are dropped;
// the first delta that chains onto the snapshot moves the state to
// StateStreaming.
func (s *Synchronizer) stream(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case delta, ok := <-s.deltas:
			if !ok {
				// Stream closed under us: treat as lost synchronization.
				// Backoff before resyncing; a channel that stays closed
				// would otherwise spin the snapshot fetch.
				s.setState(StateResyncRequired)
				s.book.MarkInvalid()
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(s.cfg.SnapshotBackoff):
				}
				return nil
			}
			if resync := s.apply(ctx, delta); resync {
				return nil
			}
		}
	}
}

// apply applies one delta and reports whether a resync is required.
func (s *Synchronizer) apply(ctx context.Context, delta Delta) bool {
	first, last := delta.FirstSeq, delta.LastSeq
	if s.cfg.Rule == StrictIncrement {
		// A strict venue carries one sequence ID per delta.
		first = delta.LastSeq
	}

	err := s.book.ApplyDeltaRange(delta.BidUpdates, delta.AskUpdates, first, last)
	switch {
	case errors.Is(err, book.ErrStaleSequence):
		// Replays of pre-snapshot deltas are expected right after a resync.
		metrics.DeltasDropped.WithLabelValues(s.cfg.Symbol, "stale").Inc()
		return false
	case errors.Is(err, book.ErrSequenceGap):
		metrics.DeltasDropped.WithLabelValues(s.cfg.Symbol, "gap").Inc()
		s.logger.Warn("sequence gap, resync required",
			slog.Uint64("expected", s.book.LastSequence()+1),
			slog.Uint64("got_first", first),
			slog.Uint64("got_last", last),
		)
		s.setState(StateResyncRequired)
		return true
	}

	if s.State() != StateStreaming {
		s.setState(StateStreaming)
	}
	metrics.DeltasApplied.WithLabelValues(s.cfg.Symbol).Inc()
	s.publish(ctx)
	return false
}

// publish refreshes gauges and pushes the top of book to the publisher.
func (s *Synchronizer) publish(ctx context.Context) {
	valid := 0.0
	if s.book.IsValid() {
		valid = 1
	}
	metrics.BookValid.WithLabelValues(s.cfg.Symbol).Set(valid)
	if mid, err := s.book.MidPrice(); err == nil {
		metrics.MidPrice.WithLabelValues(s.cfg.Symbol).Set(mid.InexactFloat64())
	}

	if s.pub == nil {
		return
	}
	if err := s.pub.PublishTopOfBook(ctx, s.book.Snapshot(1)); err != nil {
		s.logger.Debug("top-of-book publish failed", slog.String("error", err.Error()))
	}
}
