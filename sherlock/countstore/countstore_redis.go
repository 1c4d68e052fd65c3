package countstore

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

var redisCountPrefix = "sherlock/count/"
var redisDistinctPrefix = "sherlock/distinct/"

type RedisCountStore struct {
	Client *redis.Client
}

var _ CountStore = (*RedisCountStore)(nil)

func NewRedisCountStore(rdb *redis.Client) *RedisCountStore {
	return &RedisCountStore{Client: rdb}
}

func (s *RedisCountStore) GetCount(ctx context.Context, name, val, period string) (int, error) {
	key := redisCountPrefix + periodBucket(name, val, period, time.Now())
	c, err := s.Client.Get(ctx, key).Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	} else if err != nil {
		return 0, err
	}
	return c, nil
}

func (s *RedisCountStore) Increment(ctx context.Context, name, val, period string) (int, error) {
	key := redisCountPrefix + periodBucket(name, val, period, time.Now())

	// increment and expire in a single round-trip
	multi := s.Client.TxPipeline()
	c := multi.Incr(ctx, key)
	if period == PeriodDay {
		multi.Expire(ctx, key, dayBucketTTL)
	}
	// no expiration for total

	if _, err := multi.Exec(ctx); err != nil {
		return 0, err
	}
	return int(c.Val()), nil
}

func (s *RedisCountStore) GetCountDistinct(ctx context.Context, name, bucket, period string) (int, error) {
	key := redisDistinctPrefix + periodBucket(name, bucket, period, time.Now())
	c, err := s.Client.PFCount(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	} else if err != nil {
		return 0, err
	}
	return int(c), nil
}

func (s *RedisCountStore) IncrementDistinct(ctx context.Context, name, bucket, val, period string) error {
	key := redisDistinctPrefix + periodBucket(name, bucket, period, time.Now())

	multi := s.Client.Pipeline()
	multi.PFAdd(ctx, key, val)
	if period == PeriodDay {
		multi.Expire(ctx, key, dayBucketTTL)
	}
	_, err := multi.Exec(ctx)
	return err
}
