package service

import (
	"context"
	"errors"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
)

// Lease guards work that only one sync-service replica should do at a time
type Lease interface {
	// TryAcquire returns ok=false when another replica holds the lease
	TryAcquire(ctx context.Context) (release func(), ok bool, err error)
}

// RedisLease is a Lease backed by a Redis lock with a TTL
type RedisLease struct {
	locker *redislock.Client
	key    string
	ttl    time.Duration
}

// NewRedisLease creates a lease on key
func NewRedisLease(client *redis.Client, key string, ttl time.Duration) *RedisLease {
	return &RedisLease{
		locker: redislock.New(client),
		key:    key,
		ttl:    ttl,
	}
}

// TryAcquire obtains the lease without waiting
func (l *RedisLease) TryAcquire(ctx context.Context) (func(), bool, error) {
	lock, err := l.locker.Obtain(ctx, l.key, l.ttl, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	release := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = lock.Release(ctx)
	}
	return release, true, nil
}
