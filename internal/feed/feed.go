// Package feed reconciles a REST-fetched order book snapshot with a stream
// of incremental deltas. Sequence numbers detect gaps; a gap drops interim
// deltas and schedules a fresh snapshot, and the book is flagged invalid
// when synchronization cannot be guaranteed.
package feed

import (
	"context"

	"github.com/quantfray/trading-core/internal/model"
)

// State is the synchronizer's position in its lifecycle.
type State string

const (
	StateUnsynced       State = "unsynced"
	StateSnapshotLoaded State = "snapshot_loaded"
	StateStreaming      State = "streaming"
	StateResyncRequired State = "resync_required"
)

// SequenceRule parameterizes the venue's sequence-ID contract.
type SequenceRule int

const (
	// StrictIncrement: each delta carries one sequence ID that must be the
	// strict successor of the last applied one.
	StrictIncrement SequenceRule = iota

	// RangeContiguous: each delta carries a first/last sequence range that
	// must cover the successor of the last applied sequence.
	RangeContiguous
)

// Snapshot is a full point-in-time order book dump.
type Snapshot struct {
	Symbol     string             `json:"symbol"`
	SequenceID uint64             `json:"sequence_id"`
	Bids       []model.PriceLevel `json:"bids"`
	Asks       []model.PriceLevel `json:"asks"`
}

// Delta is an incremental update of changed price levels. Under
// StrictIncrement, FirstSeq == LastSeq.
type Delta struct {
	Symbol     string             `json:"symbol"`
	FirstSeq   uint64             `json:"first_seq"`
	LastSeq    uint64             `json:"last_seq"`
	BidUpdates []model.PriceLevel `json:"bid_updates"`
	AskUpdates []model.PriceLevel `json:"ask_updates"`
}

// SnapshotSource fetches full snapshots, typically over REST. Fallible;
// the synchronizer owns retry and backoff.
type SnapshotSource interface {
	FetchSnapshot(ctx context.Context, symbol string) (Snapshot, error)
}
