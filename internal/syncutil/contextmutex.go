// Package syncutil provides per-key locks that respect context cancellation.
//
// ContextShardedMutex serializes work within one process. RedisLock extends the
// same guarantee across instances sharing a Redis. Chain composes the two so a
// caller holds the cheap local lock before contending on the network.
package syncutil

import (
	"context"
	"hash/fnv"
)

// DefaultShards is the shard count used when none is configured.
const DefaultShards = 256

// Locker acquires a per-key lock. The returned func releases it and must be
// called exactly once.
type Locker interface {
	LockContext(ctx context.Context, key string) (func(), error)
}

// ContextShardedMutex hashes keys onto a fixed pool of channel-based mutexes.
// Two keys may share a shard; that costs throughput, never correctness.
type ContextShardedMutex struct {
	shards []chan struct{}
}

var _ Locker = (*ContextShardedMutex)(nil)

// NewContextShardedMutex creates n shards. n <= 0 uses DefaultShards.
func NewContextShardedMutex(n int) *ContextShardedMutex {
	if n <= 0 {
		n = DefaultShards
	}
	m := &ContextShardedMutex{shards: make([]chan struct{}, n)}
	for i := range m.shards {
		m.shards[i] = make(chan struct{}, 1)
		m.shards[i] <- struct{}{}
	}
	return m
}

// LockContext blocks until the key's shard is free or ctx is done. On
// cancellation it returns ctx.Err() and no unlock func.
func (m *ContextShardedMutex) LockContext(ctx context.Context, key string) (func(), error) {
	shard := m.shards[m.shardIdx(key)]
	select {
	case <-shard:
		return func() { shard <- struct{}{} }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Shards returns the pool size.
func (m *ContextShardedMutex) Shards() int {
	return len(m.shards)
}

func (m *ContextShardedMutex) shardIdx(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32() % uint32(len(m.shards))
}

// Chain acquires every locker in order and releases them in reverse.
type Chain []Locker

var _ Locker = Chain(nil)

func (c Chain) LockContext(ctx context.Context, key string) (func(), error) {
	unlocks := make([]func(), 0, len(c))
	release := func() {
		for i := len(unlocks) - 1; i >= 0; i-- {
			unlocks[i]()
		}
	}
	for _, l := range c {
		if l == nil {
			continue
		}
		u, err := l.LockContext(ctx, key)
		if err != nil {
			release()
			return nil, err
		}
		unlocks = append(unlocks, u)
	}
	return release, nil
}
