package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	defaultLeaseTTL   = 2 * time.Minute
	defaultRetryDelay = 50 * time.Millisecond
	releaseTimeout    = 5 * time.Second
)

// ErrLeaseLost is the cause of a held context's cancellation when the lease
// expired or was taken over before it could be renewed.
var ErrLeaseLost = errors.New("lock lease lost")

// releaseScript deletes the lease only if it still carries our token, so an
// expired lease taken over by another process is never released by us.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// renewScript extends the lease only while it still carries our token.
var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// Redis is a Locker backed by a Redis lease (SET NX PX). It serializes work
// across processes sharing the Redis instance.
type Redis struct {
	client     *redis.Client
	prefix     string
	ttl        time.Duration
	renewEvery time.Duration
	retryDelay time.Duration
	logger     *slog.Logger
}

// NewRedis connects to redisURL and verifies the connection.
func NewRedis(redisURL string, ttl time.Duration, logger *slog.Logger) (*Redis, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return NewRedisWithClient(client, ttl, logger), nil
}

func NewRedisWithClient(client *redis.Client, ttl time.Duration, logger *slog.Logger) *Redis {
	if ttl <= 0 {
		ttl = defaultLeaseTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Redis{
		client:     client,
		prefix:     "threadlink:lock:",
		ttl:        ttl,
		renewEvery: max(ttl/3, time.Millisecond),
		retryDelay: defaultRetryDelay,
		logger:     logger,
	}
}

func (r *Redis) key(k string) string {
	return r.prefix + k
}

// Lock waits until the lease is free or ctx is done. While held, the lease is
// renewed every third of its TTL; if a renewal finds the lease gone or held by
// someone else, the returned context is canceled with ErrLeaseLost. A holder
// that dies stops renewing and the lease expires after the TTL.
func (r *Redis) Lock(ctx context.Context, key string) (context.Context, Unlock, error) {
	redisKey := r.key(key)
	token := uuid.NewString()
	for {
		ok, err := r.client.SetNX(ctx, redisKey, token, r.ttl).Result()
		if err != nil {
			return nil, nil, fmt.Errorf("acquire lock %s: %w", key, err)
		}
		if ok {
			break
		}
		timer := time.NewTimer(r.retryDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, nil, ctx.Err()
		case <-timer.C:
		}
	}

	heldCtx, cancel := context.WithCancelCause(ctx)
	done := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		r.renew(key, redisKey, token, done, cancel)
	}()

	var once sync.Once
	return heldCtx, func() {
		once.Do(func() {
			close(done)
			<-stopped
			cancel(nil)
			r.release(key, redisKey, token)
		})
	}, nil
}

// renew keeps the lease alive until done is closed. It runs independently of
// the caller's context so writes finishing after a cancellation stay covered.
func (r *Redis) renew(key, redisKey, token string, done <-chan struct{}, cancel context.CancelCauseFunc) {
	ticker := time.NewTicker(r.renewEvery)
	defer ticker.Stop()
	lastRenewed := time.Now()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
		}
		renewCtx, stop := context.WithTimeout(context.Background(), r.renewEvery)
		kept, err := renewScript.Run(renewCtx, r.client, []string{redisKey}, token, r.ttl.Milliseconds()).Int64()
		stop()
		switch {
		case err == nil && kept == 1:
			lastRenewed = time.Now()
		case err == nil:
			r.logger.Warn("lock: lease lost", "key", key)
			cancel(ErrLeaseLost)
			return
		case time.Since(lastRenewed) >= r.ttl:
			r.logger.Warn("lock: lease expired while renewal failed", "key", key, "error", err)
			cancel(ErrLeaseLost)
			return
		default:
			r.logger.Warn("lock: lease renewal failed, retrying", "key", key, "error", err)
		}
	}
}

func (r *Redis) release(key, redisKey, token string) {
	releaseCtx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()
	if err := releaseScript.Run(releaseCtx, r.client, []string{redisKey}, token).Err(); err != nil {
		r.logger.Warn("lock: release failed, lease will expire", "key", key, "error", err)
	}
}

func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *Redis) Close() error {
	return r.client.Close()
}
