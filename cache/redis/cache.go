package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sportsdata/gobox/gbx"
)

const defaultPrefix = "gobox:processed:"

// ProcessedCache remembers processed (event, consumer) pairs with a TTL.
type ProcessedCache struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

var _ gbx.ProcessedCache = (*ProcessedCache)(nil)

func New(client redis.UniversalClient, ttl time.Duration) *ProcessedCache {
	if client == nil {
		panic("client is mandatory")
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &ProcessedCache{client: client, prefix: defaultPrefix, ttl: ttl}
}

func (c *ProcessedCache) key(eventId uuid.UUID, consumer string) string {
	return c.prefix + consumer + ":" + eventId.String()
}

func (c *ProcessedCache) IsProcessed(ctx context.Context, eventId uuid.UUID, consumer string) (bool, error) {
	n, err := c.client.Exists(ctx, c.key(eventId, consumer)).Result()
	if err != nil {
		return false, fmt.Errorf("could not look up %s for %s: %w", eventId, consumer, err)
	}
	return n > 0, nil
}

func (c *ProcessedCache) MarkProcessed(ctx context.Context, eventId uuid.UUID, consumer string) error {
	if err := c.client.Set(ctx, c.key(eventId, consumer), "1", c.ttl).Err(); err != nil {
		return fmt.Errorf("could not remember %s for %s: %w", eventId, consumer, err)
	}
	return nil
}
