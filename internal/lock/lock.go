// Package lock provides per-key mutual exclusion for sync operations.
package lock

import (
	"context"
	"sync"
)

// Unlock releases a held lock. Calling it more than once is safe.
type Unlock func()

// Locker serializes work per key. The returned context is derived from ctx
// and is canceled if the lock is lost before Unlock is called; work done
// under the lock should use it.
type Locker interface {
	Lock(ctx context.Context, key string) (context.Context, Unlock, error)
}

// Keyed is an in-process Locker. Entries are reference counted and dropped
// once no goroutine holds or waits for the key.
type Keyed struct {
	mu      sync.Mutex
	entries map[string]*keyedEntry
}

type keyedEntry struct {
	sem  chan struct{}
	refs int
}

func NewKeyed() *Keyed {
	return &Keyed{entries: make(map[string]*keyedEntry)}
}

func (k *Keyed) Lock(ctx context.Context, key string) (context.Context, Unlock, error) {
	k.mu.Lock()
	entry, ok := k.entries[key]
	if !ok {
		entry = &keyedEntry{sem: make(chan struct{}, 1)}
		k.entries[key] = entry
	}
	entry.refs++
	k.mu.Unlock()

	select {
	case entry.sem <- struct{}{}:
	case <-ctx.Done():
		k.release(key, entry)
		return nil, nil, ctx.Err()
	}

	var once sync.Once
	return ctx, func() {
		once.Do(func() {
			<-entry.sem
			k.release(key, entry)
		})
	}, nil
}

func (k *Keyed) release(key string, entry *keyedEntry) {
	k.mu.Lock()
	defer k.mu.Unlock()
	entry.refs--
	if entry.refs == 0 {
		delete(k.entries, key)
	}
}

// Len reports how many keys are currently held or waited on.
func (k *Keyed) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.entries)
}

type chain []Locker

// Chain acquires every locker in order and releases them in reverse. Each
// locker receives the context returned by the previous one, so losing any of
// the locks cancels the final context.
func Chain(lockers ...Locker) Locker {
	out := make(chain, 0, len(lockers))
	for _, l := range lockers {
		if l != nil {
			out = append(out, l)
		}
	}
	return out
}

func (c chain) Lock(ctx context.Context, key string) (context.Context, Unlock, error) {
	held := make([]Unlock, 0, len(c))
	releaseAll := func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i]()
		}
	}
	for _, l := range c {
		heldCtx, unlock, err := l.Lock(ctx, key)
		if err != nil {
			releaseAll()
			return nil, nil, err
		}
		held = append(held, unlock)
		ctx = heldCtx
	}
	var once sync.Once
	return ctx, func() { once.Do(releaseAll) }, nil
}
