package orchestrator

import (
	"context"
	"encoding/json"
	"time"

	"github.com/playloop/rendezvous/coordinator/store"
)

// CachedResponse is a replayable HTTP response for an idempotency key.
type CachedResponse struct {
	StatusCode int    `json:"statusCode"`
	Body       []byte `json:"body"`
}

// IdempotencyCache stores the first response per (user, client key) in the
// shared store so retried requests replay instead of re-executing. Entries
// expire after an hour; a retry after that re-runs the operation.
type IdempotencyCache struct {
	shared *store.SharedStore
	ttl    time.Duration
}

func NewIdempotencyCache(shared *store.SharedStore) *IdempotencyCache {
	return &IdempotencyCache{shared: shared, ttl: time.Hour}
}

// Get returns the cached response for the key, if one exists.
func (c *IdempotencyCache) Get(ctx context.Context, userID, key string) (*CachedResponse, bool) {
	raw, err := c.shared.Get(ctx, store.IdempotencyKey(userID, key))
	if err != nil || raw == "" {
		return nil, false
	}
	var resp CachedResponse
	if err := json.Unmarshal([]byte(raw), &resp); err != nil {
		return nil, false
	}
	return &resp, true
}

// Put records the response for later replay.
func (c *IdempotencyCache) Put(ctx context.Context, userID, key string, resp CachedResponse) error {
	raw, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	return c.shared.Set(ctx, store.IdempotencyKey(userID, key), string(raw), c.ttl)
}
