package notify

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tispace-dev/tispace/internal/driver"
)

// observationTTL bounds how stale a cached observation may be relative to
// the reconciler's own tick cadence — short enough that a cache hit never
// materially delays a real status transition.
const observationTTL = 3 * time.Second

// ObservationCache implements reconciler.ObservationCache over Redis, to
// reduce backend polling pressure when many reconciler ticks land close
// together (e.g. right after a restart re-processes a large snapshot).
// A cache miss or a Redis error always falls through to the driver — this
// is a cache of the backend's own answer, never a source of truth.
type ObservationCache struct {
	client *redis.Client
}

// NewObservationCache wraps a Redis client as a reconciler.ObservationCache.
func NewObservationCache(client *redis.Client) *ObservationCache {
	return &ObservationCache{client: client}
}

func cacheKey(owner, name string) string {
	return "tispace:observe:" + owner + "/" + name
}

// Get returns a cached observation if present and unexpired.
func (c *ObservationCache) Get(ctx context.Context, owner, name string) (driver.Observation, bool) {
	data, err := c.client.Get(ctx, cacheKey(owner, name)).Bytes()
	if err != nil {
		return driver.Observation{}, false
	}
	var obs driver.Observation
	if err := json.Unmarshal(data, &obs); err != nil {
		return driver.Observation{}, false
	}
	return obs, true
}

// Set stores an observation with a short TTL.
func (c *ObservationCache) Set(ctx context.Context, owner, name string, obs driver.Observation) {
	data, err := json.Marshal(obs)
	if err != nil {
		return
	}
	c.client.Set(ctx, cacheKey(owner, name), data, observationTTL)
}
