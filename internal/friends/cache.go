package friends

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tradle/mycloud-sub005/pkg/errs"
	"github.com/tradle/mycloud-sub005/pkg/object"
)

const defaultCacheTTL = time.Hour

// RedisCache caches encoded identities in Redis
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisCache creates a cache. A zero ttl uses one hour.
func NewRedisCache(client *redis.Client, ttl time.Duration) *RedisCache {
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	return &RedisCache{client: client, ttl: ttl}
}

func identityKey(permalink string) string {
	return fmt.Sprintf("courier:identity:%s", permalink)
}

func (c *RedisCache) Get(ctx context.Context, permalink string) (*object.Object, error) {
	data, err := c.client.Get(ctx, identityKey(permalink)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("cached identity %s: %w", permalink, errs.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	ident, err := object.Decode(data)
	if err != nil {
		return nil, err
	}
	if err := object.Stamp(ident); err != nil {
		return nil, err
	}
	return ident, nil
}

func (c *RedisCache) Set(ctx context.Context, ident *object.Object) error {
	permalink, err := object.PermalinkOf(ident)
	if err != nil {
		return err
	}
	data, err := object.Encode(ident)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, identityKey(permalink), data, c.ttl).Err()
}
