package alertcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis is a Cache backed by a Redis server; values are JSON documents under
// alert:<id> with a server-side expiry.
type Redis struct {
	client *redis.Client
}

var _ Cache = (*Redis)(nil)

// NewRedis parses a redis:// URL and pings the server.
func NewRedis(ctx context.Context, url string) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Redis{client: client}, nil
}

// Put implements Cache.
func (r *Redis) Put(ctx context.Context, alertID string, data map[string]any, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	b, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal alert %s: %w", alertID, err)
	}
	if err := r.client.Set(ctx, Key(alertID), b, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", Key(alertID), err)
	}
	return nil
}

// Get implements Cache.
func (r *Redis) Get(ctx context.Context, alertID string) (map[string]any, bool, error) {
	b, err := r.client.Get(ctx, Key(alertID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get %s: %w", Key(alertID), err)
	}
	var data map[string]any
	if err := json.Unmarshal(b, &data); err != nil {
		return nil, false, fmt.Errorf("decode cached alert %s: %w", alertID, err)
	}
	return data, true, nil
}

// Ping checks the server connection.
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close closes the client.
func (r *Redis) Close() error {
	return r.client.Close()
}
