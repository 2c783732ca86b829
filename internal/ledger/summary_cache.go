package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// CachedSummaries decorates a repository with a short-lived Redis cache for
// movement summaries. Summaries aggregate the whole movement log for a
// warehouse and back reporting dashboards only, so serving a slightly stale
// copy is acceptable where caching balances or availability would not be.
type CachedSummaries struct {
	RepositoryPort

	client *redis.Client
	ttl    time.Duration
}

// NewCachedSummaries wraps repo. A nil client disables caching.
func NewCachedSummaries(repo RepositoryPort, client *redis.Client, ttl time.Duration) *CachedSummaries {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &CachedSummaries{RepositoryPort: repo, client: client, ttl: ttl}
}

// SummarizeMovements serves from Redis when a fresh entry exists, falling
// back to the database otherwise. Cache failures are treated as misses.
func (c *CachedSummaries) SummarizeMovements(ctx context.Context, warehouseID int64, from, to time.Time) ([]TypeSummary, error) {
	if c.client == nil {
		return c.RepositoryPort.SummarizeMovements(ctx, warehouseID, from, to)
	}

	key := summaryKey(warehouseID, from, to)
	if payload, err := c.client.Get(ctx, key).Bytes(); err == nil {
		var cached []TypeSummary
		if err := json.Unmarshal(payload, &cached); err == nil {
			return cached, nil
		}
	}

	summaries, err := c.RepositoryPort.SummarizeMovements(ctx, warehouseID, from, to)
	if err != nil {
		return nil, err
	}
	if payload, err := json.Marshal(summaries); err == nil {
		_ = c.client.Set(ctx, key, payload, c.ttl).Err()
	}
	return summaries, nil
}

func summaryKey(warehouseID int64, from, to time.Time) string {
	return fmt.Sprintf("ledger:summary:%d:%d:%d", warehouseID, from.Unix(), to.Unix())
}
