// Package syncutil provides locking primitives keyed by string.
package syncutil

import (
	"context"
	"hash/fnv"
	"sync"
)

const defaultShards = 64

// KeyedMutex provides one exclusive lock per key with context-aware
// acquisition. Keys never share a lock: the shards only partition the
// bookkeeping maps, so two users hashing to the same shard still acquire
// independent locks. Entries are reference counted and removed once no
// goroutine holds or waits on them, so memory is bounded by the number of
// keys currently in use.
type KeyedMutex struct {
	shards []keyShard
}

type keyShard struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

// keyLock is a mutex implemented via a buffered channel, allowing select{}
// with a context cancellation channel.
type keyLock struct {
	ch   chan struct{}
	refs int
}

// NewKeyedMutex creates a keyed mutex. shards <= 0 selects a default.
func NewKeyedMutex(shards int) *KeyedMutex {
	if shards <= 0 {
		shards = defaultShards
	}
	m := &KeyedMutex{shards: make([]keyShard, shards)}
	for i := range m.shards {
		m.shards[i].locks = make(map[string]*keyLock)
	}
	return m
}

// Lock acquires the lock for key, respecting context cancellation.
// On success it returns an unlock function the caller MUST call exactly once.
// On cancellation it returns nil and the context error.
func (m *KeyedMutex) Lock(ctx context.Context, key string) (func(), error) {
	shard := m.shard(key)
	l := shard.acquireRef(key)

	select {
	case l.ch <- struct{}{}:
		var once sync.Once
		return func() {
			once.Do(func() {
				<-l.ch
				shard.releaseRef(key, l)
			})
		}, nil
	case <-ctx.Done():
		shard.releaseRef(key, l)
		return nil, ctx.Err()
	}
}

// Len reports how many keys currently have holders or waiters.
func (m *KeyedMutex) Len() int {
	n := 0
	for i := range m.shards {
		s := &m.shards[i]
		s.mu.Lock()
		n += len(s.locks)
		s.mu.Unlock()
	}
	return n
}

func (m *KeyedMutex) shard(key string) *keyShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return &m.shards[h.Sum32()%uint32(len(m.shards))]
}

func (s *keyShard) acquireRef(key string) *keyLock {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[key]
	if !ok {
		l = &keyLock{ch: make(chan struct{}, 1)}
		s.locks[key] = l
	}
	l.refs++
	return l
}

func (s *keyShard) releaseRef(key string, l *keyLock) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(s.locks, key)
	}
}
