package doccache

import (
	"context"
	"sync"
)

type pageKey struct {
	fileRef string
	page    int
}

type lockEntry struct {
	ch   chan struct{}
	refs int // holders plus waiters
}

// keyLocks is a table of per-key mutexes. An entry lives only while someone
// holds or waits on it.
type keyLocks struct {
	mu sync.Mutex
	m  map[pageKey]*lockEntry
}

func newKeyLocks() *keyLocks {
	return &keyLocks{m: make(map[pageKey]*lockEntry)}
}

func (k *keyLocks) acquire(ctx context.Context, key pageKey) error {
	k.mu.Lock()
	e, ok := k.m[key]
	if !ok {
		e = &lockEntry{ch: make(chan struct{}, 1)}
		k.m[key] = e
	}
	e.refs++
	k.mu.Unlock()

	select {
	case e.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		k.mu.Lock()
		k.unref(key, e)
		k.mu.Unlock()
		return ctx.Err()
	}
}

func (k *keyLocks) release(key pageKey) {
	k.mu.Lock()
	defer k.mu.Unlock()
	e, ok := k.m[key]
	if !ok {
		return
	}
	<-e.ch
	k.unref(key, e)
}

// unref must be called with k.mu held.
func (k *keyLocks) unref(key pageKey, e *lockEntry) {
	e.refs--
	if e.refs == 0 {
		delete(k.m, key)
	}
}

// lockAll acquires the locks of every page in ascending order and returns a
// function releasing them. On error nothing is held.
func (k *keyLocks) lockAll(ctx context.Context, fileRef string, pages []int) (func(), error) {
	held := make([]pageKey, 0, len(pages))
	releaseAll := func() {
		for i := len(held) - 1; i >= 0; i-- {
			k.release(held[i])
		}
	}
	for _, p := range pages {
		key := pageKey{fileRef: fileRef, page: p}
		if err := k.acquire(ctx, key); err != nil {
			releaseAll()
			return nil, err
		}
		held = append(held, key)
	}
	return releaseAll, nil
}

func (k *keyLocks) size() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.m)
}
