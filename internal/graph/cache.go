// Package graph implements the correlation graph (C6): incremental
// incident construction from admitted alerts, connected-component merging,
// and the scoring hook that keeps incidents re-scored as they grow.
package graph

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ransomeye/drc/internal/integrity"
)

// entityIncidentCacheTTL bounds how long a stale entity->incident mapping
// can survive an invalidation we failed to deliver (e.g. a Redis outage
// during a merge). The graph's storage layer is always the source of
// truth; this cache is advisory.
const entityIncidentCacheTTL = 10 * time.Minute

// Cache is a read-through, write-invalidated view over entity->incident
// membership, backed by Redis. A miss or a down Redis never blocks graph
// mutation: callers fall back to the database and treat cache errors as
// cache misses.
type Cache struct {
	rdb *redis.Client
}

// NewCache wraps an existing Redis client.
func NewCache(rdb *redis.Client) *Cache {
	return &Cache{rdb: rdb}
}

func entityIncidentKey(entityID string) string {
	return "entity_incident:" + entityID
}

// Get returns the cached incident id for entityID. found is false on a
// cache miss or any Redis error; callers fall through to storage.
func (c *Cache) Get(ctx context.Context, entityID string) (incidentID string, found bool) {
	if c == nil || c.rdb == nil {
		return "", false
	}
	v, err := c.rdb.Get(ctx, entityIncidentKey(entityID)).Result()
	if err != nil {
		return "", false
	}
	return v, true
}

// Set populates the cache after a database read or write.
func (c *Cache) Set(ctx context.Context, entityID, incidentID string) {
	if c == nil || c.rdb == nil || incidentID == "" {
		return
	}
	c.rdb.Set(ctx, entityIncidentKey(entityID), incidentID, entityIncidentCacheTTL)
}

// Invalidate drops a cached mapping. Called on every write to
// entity->incident membership (assignment, merge) so a stale hit can never
// outlive the mutation that obsoleted it for longer than a best-effort
// delete failure allows (bounded by entityIncidentCacheTTL).
func (c *Cache) Invalidate(ctx context.Context, entityID string) {
	if c == nil || c.rdb == nil {
		return
	}
	c.rdb.Del(ctx, entityIncidentKey(entityID))
}

// Ping checks connectivity. Nothing in this module calls it; the /healthz
// handler answers without a cache check.
func (c *Cache) Ping(ctx context.Context) error {
	if c == nil || c.rdb == nil {
		return nil
	}
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		if errors.Is(err, redis.Nil) {
			return nil
		}
		return fmt.Errorf("%w: redis ping: %v", integrity.ErrUnavailable, err)
	}
	return nil
}
