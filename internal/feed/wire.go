package feed

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/quantfray/trading-core/internal/model"
)

// wireLevel is the [price, quantity] string pair most venues put on the
// wire. Strings preserve exact decimal values through JSON.
type wireLevel [2]string

func parseLevels(raw []wireLevel) ([]model.PriceLevel, error) {
	levels := make([]model.PriceLevel, 0, len(raw))
	for _, l := range raw {
		price, err := decimal.NewFromString(l[0])
		if err != nil {
			return nil, fmt.Errorf("feed: bad price %q: %w", l[0], err)
		}
		qty, err := decimal.NewFromString(l[1])
		if err != nil {
			return nil, fmt.Errorf("feed: bad quantity %q: %w", l[1], err)
		}
		levels = append(levels, model.PriceLevel{Price: price, Quantity: qty})
	}
	return levels, nil
}

// snapshotPayload is the REST snapshot body.
type snapshotPayload struct {
	SequenceID uint64      `json:"sequence_id"`
	Bids       []wireLevel `json:"bids"`
	Asks       []wireLevel `json:"asks"`
}

// deltaFrame is one WebSocket depth frame. Strict-increment venues send
// sequence_id; range venues send first_seq/last_seq.
type deltaFrame struct {
	Type       string      `json:"type"`
	Symbol     string      `json:"symbol"`
	SequenceID uint64      `json:"sequence_id"`
	FirstSeq   uint64      `json:"first_seq"`
	LastSeq    uint64      `json:"last_seq"`
	BidUpdates []wireLevel `json:"bid_updates"`
	AskUpdates []wireLevel `json:"ask_updates"`
}

func (f deltaFrame) toDelta() (Delta, error) {
	bids, err := parseLevels(f.BidUpdates)
	if err != nil {
		return Delta{}, err
	}
	asks, err := parseLevels(f.AskUpdates)
	if err != nil {
		return Delta{}, err
	}

	first, last := f.FirstSeq, f.LastSeq
	if last == 0 {
		first, last = f.SequenceID, f.SequenceID
	}
	return Delta{
		Symbol:     f.Symbol,
		FirstSeq:   first,
		LastSeq:    last,
		BidUpdates: bids,
		AskUpdates: asks,
	}, nil
}
