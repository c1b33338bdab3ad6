package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const cacheTTL = 10 * time.Minute

// CachedLookup wraps a Lookup with a Redis read-through cache. Catalog rows
// change rarely relative to how often the order engine reads them.
type CachedLookup struct {
	next   Lookup
	client *redis.Client
}

// NewCachedLookup constructs a CachedLookup.
func NewCachedLookup(next Lookup, client *redis.Client) *CachedLookup {
	return &CachedLookup{next: next, client: client}
}

func cacheKey(id int64) string {
	return fmt.Sprintf("catalog:item:%d", id)
}

// GetItem returns the cached item, falling back to the underlying lookup.
func (c *CachedLookup) GetItem(ctx context.Context, id int64) (Item, error) {
	if c.client != nil {
		raw, err := c.client.Get(ctx, cacheKey(id)).Bytes()
		if err == nil {
			var item Item
			if err := json.Unmarshal(raw, &item); err == nil {
				return item, nil
			}
		} else if !errors.Is(err, redis.Nil) {
			return c.next.GetItem(ctx, id)
		}
	}

	item, err := c.next.GetItem(ctx, id)
	if err != nil {
		return Item{}, err
	}
	if c.client != nil {
		if raw, err := json.Marshal(item); err == nil {
			_ = c.client.Set(ctx, cacheKey(id), raw, cacheTTL).Err()
		}
	}
	return item, nil
}

// Invalidate drops the cached entry, used after catalog maintenance.
func (c *CachedLookup) Invalidate(ctx context.Context, id int64) error {
	if c.client == nil {
		return nil
	}
	return c.client.Del(ctx, cacheKey(id)).Err()
}
