package cache

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/nulzo/ai-orchestrator/internal/config"
	"github.com/nulzo/ai-orchestrator/pkg/api"
	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "orchestrator:response:"

// Redis backs the response cache with a shared redis instance so multiple
// orchestrator processes can serve each other's entries. TTL is delegated
// to redis key expiry.
type Redis struct {
	client *redis.Client

	hits   atomic.Int64
	misses atomic.Int64
}

func NewRedis(cfg config.RedisConfig) *Redis {
	return &Redis{
		client: redis.NewClient(&redis.Options{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
		}),
	}
}

func (c *Redis) Get(ctx context.Context, fingerprint string) (*api.Response, bool) {
	data, err := c.client.Get(ctx, redisKeyPrefix+fingerprint).Bytes()
	if err != nil {
		c.misses.Add(1)
		return nil, false
	}

	var resp api.Response
	if err := json.Unmarshal(data, &resp); err != nil {
		c.misses.Add(1)
		return nil, false
	}

	c.hits.Add(1)
	resp.Cached = true
	return &resp, true
}

func (c *Redis) Set(ctx context.Context, fingerprint string, resp *api.Response, ttl time.Duration) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, redisKeyPrefix+fingerprint, data, ttl).Err()
}

func (c *Redis) Stats() Stats {
	return Stats{Hits: c.hits.Load(), Misses: c.misses.Load()}
}

// Ping verifies connectivity at startup.
func (c *Redis) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close releases the underlying connection pool.
func (c *Redis) Close() error {
	return c.client.Close()
}
