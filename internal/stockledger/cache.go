package stockledger

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// BalanceCache keeps current balances in Redis for the reporting query. It is
// best-effort: a miss or a Redis failure falls back to the ledger replay.
type BalanceCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewBalanceCache instantiates the cache helper.
func NewBalanceCache(client *redis.Client, ttl time.Duration) *BalanceCache {
	return &BalanceCache{client: client, ttl: ttl}
}

func balanceKey(itemID int64) string {
	return fmt.Sprintf("stock:balance:%d", itemID)
}

// Get returns the cached balance when present.
func (c *BalanceCache) Get(ctx context.Context, itemID int64) (float64, bool) {
	if c == nil || c.client == nil {
		return 0, false
	}
	raw, err := c.client.Get(ctx, balanceKey(itemID)).Result()
	if err != nil {
		return 0, false
	}
	balance, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, false
	}
	return balance, true
}

// Set stores the balance under the configured TTL.
func (c *BalanceCache) Set(ctx context.Context, itemID int64, balance float64) {
	if c == nil || c.client == nil {
		return
	}
	_ = c.client.Set(ctx, balanceKey(itemID), strconv.FormatFloat(balance, 'f', -1, 64), c.ttl).Err()
}

// Invalidate drops the cached balance for an item.
func (c *BalanceCache) Invalidate(ctx context.Context, itemID int64) {
	if c == nil || c.client == nil {
		return
	}
	_ = c.client.Del(ctx, balanceKey(itemID)).Err()
}
