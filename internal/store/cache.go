// Package store provides the Redis cache that fans book state out to other
// services. The engine owns the books in memory; Redis is a read replica for
// dashboards and downstream consumers, never a source of truth.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/quantfray/trading-core/internal/book"
)

// ErrNotCached is returned when a symbol has no cached book view, either
// because the feed never synchronized or because the entry expired.
var ErrNotCached = errors.New("store: book view not cached")

// BookCache publishes top-of-book views into Redis with a TTL. The TTL
// doubles as a liveness signal: an expired key means the synchronizer
// stopped publishing.
type BookCache struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewBookCache creates a cache writing through the given client.
// ttl <= 0 defaults to 5 seconds.
func NewBookCache(rdb *redis.Client, ttl time.Duration) *BookCache {
	if ttl <= 0 {
		ttl = 5 * time.Second
	}
	return &BookCache{rdb: rdb, ttl: ttl}
}

// PublishTopOfBook writes the view under the symbol's book key.
func (c *BookCache) PublishTopOfBook(ctx context.Context, view book.View) error {
	data, err := json.Marshal(view)
	if err != nil {
		return fmt.Errorf("store: marshal book view: %w", err)
	}
	if err := c.rdb.Set(ctx, bookKey(view.Symbol), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("store: cache book view: %w", err)
	}
	return nil
}

// TopOfBook reads the cached view for a symbol.
func (c *BookCache) TopOfBook(ctx context.Context, symbol string) (book.View, error) {
	data, err := c.rdb.Get(ctx, bookKey(symbol)).Bytes()
	if errors.Is(err, redis.Nil) {
		return book.View{}, ErrNotCached
	}
	if err != nil {
		return book.View{}, fmt.Errorf("store: read book view: %w", err)
	}
	var view book.View
	if err := json.Unmarshal(data, &view); err != nil {
		return book.View{}, fmt.Errorf("store: decode book view: %w", err)
	}
	return view, nil
}

func bookKey(symbol string) string { return fmt.Sprintf("book:%s", symbol) }
