package posting

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const summaryTTL = time.Hour

// RedisCache stores posted-document summaries in Redis. It is display-side
// only; a miss or a stale entry never affects posting correctness.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache wraps a connected client.
func NewRedisCache(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

func summaryKey(id int64) string {
	return fmt.Sprintf("posting:document:%d", id)
}

// Store writes the document summary with a fixed TTL.
func (c *RedisCache) Store(ctx context.Context, doc Document) error {
	payload, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, summaryKey(doc.ID), payload, summaryTTL).Err()
}

// Get returns the cached summary and whether it was present.
func (c *RedisCache) Get(ctx context.Context, id int64) (Document, bool, error) {
	payload, err := c.client.Get(ctx, summaryKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Document{}, false, nil
		}
		return Document{}, false, err
	}
	var doc Document
	if err := json.Unmarshal(payload, &doc); err != nil {
		return Document{}, false, err
	}
	return doc, true, nil
}

// Invalidate drops the summary, used when a document is reversed.
func (c *RedisCache) Invalidate(ctx context.Context, id int64) error {
	return c.client.Del(ctx, summaryKey(id)).Err()
}
