package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// HTTPSnapshotSource fetches depth snapshots from the exchange's REST API:
// GET {baseURL}/depth?symbol={symbol}.
type HTTPSnapshotSource struct {
	baseURL string
	client  *http.Client
}

// NewHTTPSnapshotSource creates a snapshot source. client may be nil.
func NewHTTPSnapshotSource(baseURL string, client *http.Client) *HTTPSnapshotSource {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return &HTTPSnapshotSource{baseURL: baseURL, client: client}
}

func (s *HTTPSnapshotSource) FetchSnapshot(ctx context.Context, symbol string) (Snapshot, error) {
	u := fmt.Sprintf("%s/depth?symbol=%s", s.baseURL, url.QueryEscape(symbol))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return Snapshot{}, fmt.Errorf("feed: build snapshot request: %w", err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return Snapshot{}, fmt.Errorf("feed: fetch snapshot %s: %w", symbol, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Snapshot{}, fmt.Errorf("feed: snapshot %s: unexpected status %d", symbol, resp.StatusCode)
	}

	var payload snapshotPayload
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return Snapshot{}, fmt.Errorf("feed: decode snapshot %s: %w", symbol, err)
	}

	bids, err := parseLevels(payload.Bids)
	if err != nil {
		return Snapshot{}, err
	}
	asks, err := parseLevels(payload.Asks)
	if err != nil {
		return Snapshot{}, err
	}

	return Snapshot{
		Symbol:     symbol,
		SequenceID: payload.SequenceID,
		Bids:       bids,
		Asks:       asks,
	}, nil
}
