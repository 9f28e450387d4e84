package sharedstate

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// goRedisAdapter adapts *redis.Client to the redisCommander interface so
// the rest of this package never imports go-redis types directly.
type goRedisAdapter struct {
	rdb *redis.Client
}

func (a *goRedisAdapter) Ping(ctx context.Context) error {
	return a.rdb.Ping(ctx).Err()
}

func (a *goRedisAdapter) Get(ctx context.Context, key string) (string, error) {
	value, err := a.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	return value, err
}

func (a *goRedisAdapter) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return a.rdb.Set(ctx, key, value, ttl).Err()
}

func (a *goRedisAdapter) Del(ctx context.Context, keys ...string) error {
	return a.rdb.Del(ctx, keys...).Err()
}

func (a *goRedisAdapter) MGet(ctx context.Context, keys ...string) ([]interface{}, error) {
	return a.rdb.MGet(ctx, keys...).Result()
}

func (a *goRedisAdapter) MSet(ctx context.Context, pairs map[string]string) error {
	flattened := make([]interface{}, 0, len(pairs)*2)
	for key, value := range pairs {
		flattened = append(flattened, key, value)
	}
	return a.rdb.MSet(ctx, flattened...).Err()
}

func (a *goRedisAdapter) Incr(ctx context.Context, key string) (int64, error) {
	return a.rdb.Incr(ctx, key).Result()
}

func (a *goRedisAdapter) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return a.rdb.Expire(ctx, key, ttl).Err()
}

func (a *goRedisAdapter) Keys(ctx context.Context, pattern string) ([]string, error) {
	return a.rdb.Keys(ctx, pattern).Result()
}

func (a *goRedisAdapter) LPush(ctx context.Context, key, value string) error {
	return a.rdb.LPush(ctx, key, value).Err()
}

func (a *goRedisAdapter) LTrim(ctx context.Context, key string, start, stop int64) error {
	return a.rdb.LTrim(ctx, key, start, stop).Err()
}

func (a *goRedisAdapter) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	return a.rdb.LRange(ctx, key, start, stop).Result()
}

func (a *goRedisAdapter) Publish(ctx context.Context, channel, message string) error {
	return a.rdb.Publish(ctx, channel, message).Err()
}

func (a *goRedisAdapter) Subscribe(ctx context.Context, channel string) (<-chan string, func(), error) {
	pubsub := a.rdb.Subscribe(ctx, channel)
	out := make(chan string, 32)
	go func() {
		defer close(out)
		for msg := range pubsub.Channel() {
			select {
			case out <- msg.Payload:
			case <-ctx.Done():
				return
			}
		}
	}()
	cancel := func() { _ = pubsub.Close() }
	return out, cancel, nil
}

func (a *goRedisAdapter) Close() error {
	return a.rdb.Close()
}
