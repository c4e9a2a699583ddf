package lock

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyedSerializesSameKey(t *testing.T) {
	k := NewKeyed()
	var (
		wg      sync.WaitGroup
		inside  int32
		maxSeen int32
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, unlock, err := k.Lock(context.Background(), "C1:1")
			if !assert.NoError(t, err) {
				return
			}
			defer unlock()

			n := atomic.AddInt32(&inside, 1)
			for {
				old := atomic.LoadInt32(&maxSeen)
				if n <= old || atomic.CompareAndSwapInt32(&maxSeen, old, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&inside, -1)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxSeen)
	assert.Equal(t, 0, k.Len(), "idle keys are dropped")
}

func TestKeyedIndependentKeys(t *testing.T) {
	k := NewKeyed()
	_, unlockA, err := k.Lock(context.Background(), "a")
	require.NoError(t, err)
	defer unlockA()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, unlockB, err := k.Lock(ctx, "b")
	require.NoError(t, err)
	unlockB()
}

func TestKeyedHonorsContext(t *testing.T) {
	k := NewKeyed()
	_, unlock, err := k.Lock(context.Background(), "a")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, _, err = k.Lock(ctx, "a")
	require.ErrorIs(t, err, context.DeadlineExceeded)

	unlock()
	unlock()
	assert.Equal(t, 0, k.Len())
}

type recordingLocker struct {
	name string
	log  *[]string
}

func (r recordingLocker) Lock(ctx context.Context, _ string) (context.Context, Unlock, error) {
	*r.log = append(*r.log, "lock "+r.name)
	return ctx, func() { *r.log = append(*r.log, "unlock "+r.name) }, nil
}

type failingLocker struct{ err error }

func (f failingLocker) Lock(context.Context, string) (context.Context, Unlock, error) {
	return nil, nil, f.err
}

// cancelingLocker hands out a context it cancels on demand.
type cancelingLocker struct {
	cancel context.CancelCauseFunc
}

func (c *cancelingLocker) Lock(ctx context.Context, _ string) (context.Context, Unlock, error) {
	heldCtx, cancel := context.WithCancelCause(ctx)
	c.cancel = cancel
	return heldCtx, func() { cancel(nil) }, nil
}

func TestChainReleasesInReverse(t *testing.T) {
	var log []string
	c := Chain(recordingLocker{"a", &log}, nil, recordingLocker{"b", &log})

	_, unlock, err := c.Lock(context.Background(), "k")
	require.NoError(t, err)
	unlock()
	unlock()

	assert.Equal(t, []string{"lock a", "lock b", "unlock b", "unlock a"}, log)
}

func TestChainReleasesHeldOnFailure(t *testing.T) {
	var log []string
	c := Chain(recordingLocker{"a", &log}, failingLocker{context.Canceled})

	_, _, err := c.Lock(context.Background(), "k")
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []string{"lock a", "unlock a"}, log)
}

func TestChainContextFollowsEveryLock(t *testing.T) {
	inner := &cancelingLocker{}
	c := Chain(NewKeyed(), inner)

	ctx, unlock, err := c.Lock(context.Background(), "k")
	require.NoError(t, err)
	defer unlock()
	require.NoError(t, ctx.Err())

	inner.cancel(ErrLeaseLost)
	assert.ErrorIs(t, context.Cause(ctx), ErrLeaseLost)
}
