// Package syncutil provides keyed mutual exclusion for per-account
// reconciliation. Two events touching the same account must serialize the
// whole read-modify-write-associate sequence, not just the store write.
package syncutil

import (
	"context"
	"hash/fnv"
	"sync"
)

// AccountMutex is a fixed-size pool of channel-based mutexes keyed by
// account. Memory stays bounded no matter how many accounts are seen, at
// the cost of occasional false sharing between keys hashing to the same
// shard. The channel implementation lets waiters bail out on context
// cancellation.
type AccountMutex struct {
	shards [256]chanMutex
	once   sync.Once
}

type chanMutex struct {
	ch chan struct{}
}

// NewAccountMutex creates a new keyed mutex pool.
func NewAccountMutex() *AccountMutex {
	m := &AccountMutex{}
	m.init()
	return m
}

func (m *AccountMutex) init() {
	m.once.Do(func() {
		for i := range m.shards {
			m.shards[i].ch = make(chan struct{}, 1)
			m.shards[i].ch <- struct{}{} // Start unlocked.
		}
	})
}

// Lock acquires the mutex for the given key, respecting context
// cancellation. On success it returns an unlock function and nil error;
// the caller MUST call the unlock function when done. On cancellation it
// returns nil and the context error.
func (m *AccountMutex) Lock(ctx context.Context, key string) (func(), error) {
	m.init()
	shard := &m.shards[m.shardIdx(key)]

	select {
	case <-shard.ch:
		return func() { shard.ch <- struct{}{} }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *AccountMutex) shardIdx(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32() % 256
}
