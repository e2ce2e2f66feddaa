package units

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/opsdeck/opsdeck/pkg/observability"
)

const cacheKey = "opsdeck:units:snapshot"

// CachedDirectory is a read-through Redis cache over another Directory. The
// unit store is read-mostly, so a short TTL keeps staleness bounded while
// taking almost all read load off the backing store.
type CachedDirectory struct {
	inner   Directory
	client  *redis.Client
	ttl     time.Duration
	metrics *observability.Metrics
}

// NewCachedDirectory wraps inner with a Redis snapshot cache. metrics may be nil.
func NewCachedDirectory(inner Directory, client *redis.Client, ttl time.Duration, metrics *observability.Metrics) *CachedDirectory {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &CachedDirectory{inner: inner, client: client, ttl: ttl, metrics: metrics}
}

// ListUnits serves from cache when possible, falling back to the backing
// store on a miss or any cache error. Cache failures never fail the read.
func (d *CachedDirectory) ListUnits(ctx context.Context) ([]Unit, error) {
	raw, err := d.client.Get(ctx, cacheKey).Bytes()
	if err == nil {
		var units []Unit
		if jsonErr := json.Unmarshal(raw, &units); jsonErr == nil {
			if d.metrics != nil {
				d.metrics.DirectoryCacheHits.Inc()
			}
			return units, nil
		}
	}
	if d.metrics != nil {
		d.metrics.DirectoryCacheMisses.Inc()
	}

	units, err := d.inner.ListUnits(ctx)
	if err != nil {
		return nil, err
	}

	if encoded, jsonErr := json.Marshal(units); jsonErr == nil {
		// Best effort; a failed SET only costs the next reader a miss.
		d.client.Set(ctx, cacheKey, encoded, d.ttl)
	}
	return units, nil
}

// Invalidate drops the cached snapshot, forcing the next read through.
func (d *CachedDirectory) Invalidate(ctx context.Context) error {
	if err := d.client.Del(ctx, cacheKey).Err(); err != nil {
		return fmt.Errorf("failed to invalidate unit cache: %w", err)
	}
	return nil
}
