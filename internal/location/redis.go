package location

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"studentpunch/internal/checkin"
)

// RedisCache keeps the latest fix of a device in Redis with a TTL equal to
// the accepted fix age, so a missing key means no usable fix.
type RedisCache struct {
	client *redis.Client
	device string
	maxAge time.Duration
	poll   time.Duration
	now    func() time.Time
}

func NewRedisCache(client *redis.Client, device string, maxAge time.Duration) *RedisCache {
	return &RedisCache{
		client: client,
		device: device,
		maxAge: maxAge,
		poll:   250 * time.Millisecond,
		now:    time.Now,
	}
}

func (c *RedisCache) Push(ctx context.Context, fix Fix) error {
	if !checkin.ValidCoordinates(fix.Coordinates()) {
		return checkin.ErrInvalidLocation
	}
	if fix.At.IsZero() {
		fix.At = c.now()
	}
	data, err := json.Marshal(fix)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, fixKey(c.device), data, c.maxAge).Err()
}

func (c *RedisCache) Deny(ctx context.Context) error {
	return c.client.Set(ctx, deniedKey(c.device), "1", 0).Err()
}

func (c *RedisCache) Allow(ctx context.Context) error {
	return c.client.Del(ctx, deniedKey(c.device)).Err()
}

func (c *RedisCache) CurrentLocation(ctx context.Context) (checkin.Coordinates, error) {
	ticker := time.NewTicker(c.poll)
	defer ticker.Stop()
	for {
		coords, ok, err := c.load(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return checkin.Coordinates{}, fmt.Errorf("%w: %w", checkin.ErrLocationTimeout, ctx.Err())
			}
			return checkin.Coordinates{}, err
		}
		if ok {
			return coords, nil
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return checkin.Coordinates{}, fmt.Errorf("%w: %w", checkin.ErrLocationTimeout, ctx.Err())
		}
	}
}

func (c *RedisCache) load(ctx context.Context) (checkin.Coordinates, bool, error) {
	denied, err := c.client.Exists(ctx, deniedKey(c.device)).Result()
	if err != nil {
		return checkin.Coordinates{}, false, err
	}
	if denied > 0 {
		return checkin.Coordinates{}, false, checkin.ErrPermissionDenied
	}
	value, err := c.client.Get(ctx, fixKey(c.device)).Result()
	if errors.Is(err, redis.Nil) {
		return checkin.Coordinates{}, false, nil
	}
	if err != nil {
		return checkin.Coordinates{}, false, err
	}
	var fix Fix
	if err := json.Unmarshal([]byte(value), &fix); err != nil {
		return checkin.Coordinates{}, false, err
	}
	if !fresh(fix, c.now(), c.maxAge) {
		return checkin.Coordinates{}, false, nil
	}
	return fix.Coordinates(), true, nil
}

func fixKey(device string) string {
	return fmt.Sprintf("location_fix:%s", device)
}

func deniedKey(device string) string {
	return fmt.Sprintf("location_denied:%s", device)
}
