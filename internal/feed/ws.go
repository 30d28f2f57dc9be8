package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"
)

// WSFeed connects to the exchange depth stream, subscribes to the given
// symbols, and routes decoded deltas into per-symbol channels. Reconnects
// with backoff on disconnect; deltas lost across a reconnect surface to the
// synchronizer as a sequence gap, which triggers a resync.
type WSFeed struct {
	url     string
	symbols []string
	out     map[string]chan Delta
	logger  *slog.Logger
}

// NewWSFeed creates a feed for the given symbols.
func NewWSFeed(url string, symbols []string, logger *slog.Logger) *WSFeed {
	out := make(map[string]chan Delta, len(symbols))
	for _, sym := range symbols {
		// Buffered so a slow apply absorbs bursts without stalling reads.
		out[sym] = make(chan Delta, 256)
	}
	return &WSFeed{
		url:     url,
		symbols: symbols,
		out:     out,
		logger:  logger.With(slog.String("component", "ws_feed")),
	}
}

// Deltas returns the delta channel for a symbol.
func (f *WSFeed) Deltas(symbol string) <-chan Delta {
	return f.out[symbol]
}

// Run connects and reads frames until ctx is cancelled, reconnecting with
// backoff on disconnect.
func (f *WSFeed) Run(ctx context.Context) error {
	for {
		if err := f.runConnection(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			f.logger.Warn("depth stream disconnected, reconnecting",
				slog.String("error", err.Error()),
			)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(2 * time.Second):
		}
	}
}

func (f *WSFeed) runConnection(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return fmt.Errorf("feed: dial %s: %w", f.url, err)
	}
	defer conn.Close()

	sub := map[string]any{"op": "subscribe", "channel": "depth", "symbols": f.symbols}
	if err := conn.WriteJSON(sub); err != nil {
		return fmt.Errorf("feed: subscribe: %w", err)
	}
	f.logger.Info("depth stream subscribed", slog.Int("symbols", len(f.symbols)))

	// Close the connection when ctx is cancelled to unblock ReadMessage.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("feed: read: %w", err)
		}
		f.handleFrame(data)
	}
}

func (f *WSFeed) handleFrame(data []byte) {
	var frame deltaFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		f.logger.Debug("dropping malformed frame", slog.String("error", err.Error()))
		return
	}
	if frame.Type != "" && frame.Type != "depth_update" {
		return
	}

	ch, ok := f.out[frame.Symbol]
	if !ok {
		return
	}
	delta, err := frame.toDelta()
	if err != nil {
		f.logger.Warn("dropping undecodable delta",
			slog.String("symbol", frame.Symbol),
			slog.String("error", err.Error()),
		)
		return
	}

	select {
	case ch <- delta:
	default:
		// Backpressure: the synchronizer is behind. Dropping here shows up
		// as a sequence gap and forces a clean resync.
		f.logger.Warn("delta channel full, dropping frame", slog.String("symbol", frame.Symbol))
	}
}
