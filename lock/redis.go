package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/warp/budget-ledger/budget"
)

// =============================================================================
// REDIS LOCKER - Cross-instance balance locks
// =============================================================================

const keyPrefix = "budget-ledger:lock:"

// RedisOptions tunes lock acquisition.
type RedisOptions struct {
	// TTL bounds how long a crashed holder can block a key.
	TTL time.Duration
	// Wait is how long Lock retries before giving up with ErrLockNotObtained.
	Wait time.Duration
	// RetryInterval is the linear backoff between attempts.
	RetryInterval time.Duration
}

func (o RedisOptions) withDefaults() RedisOptions {
	if o.TTL <= 0 {
		o.TTL = 30 * time.Second
	}
	if o.Wait <= 0 {
		o.Wait = 5 * time.Second
	}
	if o.RetryInterval <= 0 {
		o.RetryInterval = 50 * time.Millisecond
	}
	return o
}

// releaser is satisfied by *redislock.Lock.
type releaser interface {
	Release(ctx context.Context) error
}

type obtainFunc func(ctx context.Context, key string, ttl time.Duration, opt *redislock.Options) (releaser, error)

// Redis implements budget.Locker with bsm/redislock.
type Redis struct {
	obtain obtainFunc
	opts   RedisOptions
	log    logrus.FieldLogger
}

var _ budget.Locker = (*Redis)(nil)

// NewRedis creates a locker on client.
func NewRedis(client *redis.Client, opts RedisOptions, log logrus.FieldLogger) *Redis {
	rl := redislock.New(client)
	return newRedis(func(ctx context.Context, key string, ttl time.Duration, opt *redislock.Options) (releaser, error) {
		l, err := rl.Obtain(ctx, key, ttl, opt)
		if err != nil {
			return nil, err
		}
		return l, nil
	}, opts, log)
}

func newRedis(obtain obtainFunc, opts RedisOptions, log logrus.FieldLogger) *Redis {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Redis{obtain: obtain, opts: opts.withDefaults(), log: log}
}

// Lock obtains key, retrying for up to Wait.
func (r *Redis) Lock(ctx context.Context, key string) (func(), error) {
	obtainCtx, cancel := context.WithTimeout(ctx, r.opts.Wait)
	defer cancel()

	l, err := r.obtain(obtainCtx, keyPrefix+key, r.opts.TTL, &redislock.Options{
		RetryStrategy: redislock.LinearBackoff(r.opts.RetryInterval),
	})
	if errors.Is(err, redislock.ErrNotObtained) || errors.Is(err, context.DeadlineExceeded) {
		return nil, fmt.Errorf("%w: %s", budget.ErrLockNotObtained, key)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", budget.ErrLockNotObtained, key, err)
	}

	return func() {
		// Release with a fresh context: the caller's may already be cancelled.
		releaseCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := l.Release(releaseCtx); err != nil && !errors.Is(err, redislock.ErrLockNotHeld) {
			r.log.WithError(err).WithField("key", key).Warn("failed to release redis lock")
		}
	}, nil
}

// Connect opens a Redis client and pings it.
func Connect(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", addr, err)
	}
	return client, nil
}
