package lock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupRedisLock(t *testing.T, ttl time.Duration) (*Redis, *miniredis.Miniredis) {
	s := miniredis.RunT(t)
	l, err := NewRedis("redis://"+s.Addr(), ttl, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l, s
}

func TestRedisLockExcludesSecondHolder(t *testing.T) {
	l, s := setupRedisLock(t, time.Minute)

	_, unlock, err := l.Lock(context.Background(), "C1:1")
	require.NoError(t, err)
	assert.True(t, s.Exists("threadlink:lock:C1:1"))

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	_, _, err = l.Lock(ctx, "C1:1")
	require.ErrorIs(t, err, context.DeadlineExceeded)

	unlock()
	assert.False(t, s.Exists("threadlink:lock:C1:1"))

	_, unlock, err = l.Lock(context.Background(), "C1:1")
	require.NoError(t, err)
	unlock()
}

func TestRedisLockLeaseExpires(t *testing.T) {
	l, s := setupRedisLock(t, time.Second)

	abandoned, _, err := l.Lock(context.Background(), "C1:1")
	require.NoError(t, err)

	s.FastForward(2 * time.Second)

	_, unlock, err := l.Lock(context.Background(), "C1:1")
	require.NoError(t, err)
	defer unlock()

	require.Eventually(t, func() bool { return abandoned.Err() != nil }, 3*time.Second, 10*time.Millisecond)
	assert.ErrorIs(t, context.Cause(abandoned), ErrLeaseLost)
}

func TestRedisUnlockKeepsForeignLease(t *testing.T) {
	l, s := setupRedisLock(t, time.Second)

	_, staleUnlock, err := l.Lock(context.Background(), "C1:1")
	require.NoError(t, err)
	s.FastForward(2 * time.Second)

	_, freshUnlock, err := l.Lock(context.Background(), "C1:1")
	require.NoError(t, err)

	staleUnlock()
	assert.True(t, s.Exists("threadlink:lock:C1:1"), "stale holder must not release the new lease")

	freshUnlock()
	assert.False(t, s.Exists("threadlink:lock:C1:1"))
}

func TestRedisLeaseIsRenewedWhileHeld(t *testing.T) {
	l, s := setupRedisLock(t, 300*time.Millisecond)
	const key = "threadlink:lock:C1:1"

	held, unlock, err := l.Lock(context.Background(), "C1:1")
	require.NoError(t, err)
	defer unlock()

	// Run the clock down close to expiry and wait for a renewal to restore it.
	s.FastForward(200 * time.Millisecond)
	require.Eventually(t, func() bool { return s.TTL(key) > 200*time.Millisecond }, 2*time.Second, 5*time.Millisecond)

	s.FastForward(200 * time.Millisecond)
	assert.True(t, s.Exists(key), "a held lease outlives its original TTL")
	assert.NoError(t, held.Err())

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, _, err = l.Lock(ctx, "C1:1")
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRedisLostLeaseCancelsHeldContext(t *testing.T) {
	l, s := setupRedisLock(t, 300*time.Millisecond)
	const key = "threadlink:lock:C1:1"

	held, unlock, err := l.Lock(context.Background(), "C1:1")
	require.NoError(t, err)

	require.NoError(t, s.Set(key, "another-holder"))
	require.Eventually(t, func() bool { return held.Err() != nil }, 2*time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, context.Cause(held), ErrLeaseLost)

	unlock()
	got, err := s.Get(key)
	require.NoError(t, err)
	assert.Equal(t, "another-holder", got)
}

func TestRedisUnlockStopsRenewal(t *testing.T) {
	l, s := setupRedisLock(t, 300*time.Millisecond)

	held, unlock, err := l.Lock(context.Background(), "C1:1")
	require.NoError(t, err)
	unlock()

	assert.False(t, s.Exists("threadlink:lock:C1:1"))
	assert.ErrorIs(t, held.Err(), context.Canceled)
	assert.NotErrorIs(t, context.Cause(held), ErrLeaseLost)
}

func TestNewRedisRejectsBadURL(t *testing.T) {
	_, err := NewRedis("not-a-url", time.Second, nil)
	require.Error(t, err)
}
