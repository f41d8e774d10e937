package modrelay

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	redisSelectionKeyPrefix = "modrelay:selection:"
	redisMarkerKeyPrefix    = "modrelay:selection-marker:"
	redisAlertKeyPrefix     = "modrelay:alerted:"
)

type redisSelectionCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisSelectionCache returns a SelectionCache shared across instances,
// for deployments running more than one relay process.
func NewRedisSelectionCache(dsn string) (SelectionCache, error) {
	opt, err := redis.ParseURL(strings.TrimSpace(dsn))
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return &redisSelectionCache{
		client: redis.NewClient(opt),
		ttl:    DefaultSelectionTTL,
	}, nil
}

func (c *redisSelectionCache) Get(ctx context.Context, userID string) (string, bool, error) {
	value, err := c.client.Get(ctx, redisSelectionKeyPrefix+userID).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

func (c *redisSelectionCache) Put(ctx context.Context, userID, workspaceID string) error {
	if userID == "" || workspaceID == "" {
		return ErrInvalidInput
	}
	if err := c.client.Set(ctx, redisSelectionKeyPrefix+userID, workspaceID, c.ttl).Err(); err != nil {
		return err
	}
	return c.client.Set(ctx, redisMarkerKeyPrefix+userID, "1", 2*c.ttl).Err()
}

func (c *redisSelectionCache) Forget(ctx context.Context, userID string) error {
	return c.client.Del(ctx, redisSelectionKeyPrefix+userID).Err()
}

func (c *redisSelectionCache) RecentlyExpired(ctx context.Context, userID string) (bool, error) {
	marked, err := c.client.Exists(ctx, redisMarkerKeyPrefix+userID).Result()
	if err != nil {
		return false, err
	}
	if marked == 0 {
		return false, nil
	}
	live, err := c.client.Exists(ctx, redisSelectionKeyPrefix+userID).Result()
	if err != nil {
		return false, err
	}
	return live == 0, nil
}

func (c *redisSelectionCache) Close() error {
	return c.client.Close()
}

// RedisAlertDeduper is the shared-cache variant of the alert fanout's
// 30 second de-dup window.
type RedisAlertDeduper struct {
	client *redis.Client
	window time.Duration
}

// NewRedisAlertDeduper wires the de-dup window onto the same redis used by
// the selection cache.
func NewRedisAlertDeduper(dsn string, window time.Duration) (*RedisAlertDeduper, error) {
	opt, err := redis.ParseURL(strings.TrimSpace(dsn))
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if window <= 0 {
		window = defaultAlertWindow
	}
	return &RedisAlertDeduper{client: redis.NewClient(opt), window: window}, nil
}

// MarkAlerted records that userID was just pinged for threadID. It returns
// false when the subscriber was already pinged within the window.
func (d *RedisAlertDeduper) MarkAlerted(ctx context.Context, threadID int64, userID string) (bool, error) {
	key := fmt.Sprintf("%s%d:%s", redisAlertKeyPrefix, threadID, userID)
	return d.client.SetNX(ctx, key, "1", d.window).Result()
}

// Unmark releases a subscriber's de-dup slot after a failed ping.
func (d *RedisAlertDeduper) Unmark(ctx context.Context, threadID int64, userID string) error {
	return d.client.Del(ctx, fmt.Sprintf("%s%d:%s", redisAlertKeyPrefix, threadID, userID)).Err()
}

// Close releases the underlying client.
func (d *RedisAlertDeduper) Close() error {
	return d.client.Close()
}
