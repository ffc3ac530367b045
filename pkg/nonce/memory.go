package nonce

import (
	"context"
	"sync"
	"time"
)

const shardCount = 32

// sweepInterval controls how often expired entries are reaped.
const sweepInterval = time.Minute

type shard struct {
	mu      sync.Mutex
	entries map[string]time.Time // key -> expiry
}

// MemoryStore implements Store with sharded in-process maps. It is suitable
// for single-node deployments and tests; distributed deployments should use
// RedisStore so all verifier replicas share one admission domain.
type MemoryStore struct {
	shards [shardCount]*shard
	now    func() time.Time

	stopOnce sync.Once
	stop     chan struct{}
}

// NewMemoryStore creates a MemoryStore and starts its sweep goroutine.
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{
		now:  time.Now,
		stop: make(chan struct{}),
	}
	for i := range s.shards {
		s.shards[i] = &shard{entries: make(map[string]time.Time)}
	}
	go s.sweepLoop()
	return s
}

func (s *MemoryStore) shardFor(key string) *shard {
	// FNV-1a, inlined to avoid per-admission allocations.
	var h uint32 = 2166136261
	for i := 0; i < len(key); i++ {
		h ^= uint32(key[i])
		h *= 16777619
	}
	return s.shards[h%shardCount]
}

// Admit implements Store. The per-shard mutex makes the check-and-insert
// atomic, so exactly one concurrent caller observes fresh=true.
func (s *MemoryStore) Admit(_ context.Context, keyid, nonce string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	key := keyid + "\x00" + nonce
	now := s.now()

	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if expiry, ok := sh.entries[key]; ok && now.Before(expiry) {
		return false, nil
	}
	sh.entries[key] = now.Add(ttl)
	return true, nil
}

// Clear drops all recorded nonces.
func (s *MemoryStore) Clear(_ context.Context) error {
	for _, sh := range s.shards {
		sh.mu.Lock()
		sh.entries = make(map[string]time.Time)
		sh.mu.Unlock()
	}
	return nil
}

// Close stops the sweep goroutine.
func (s *MemoryStore) Close() error {
	s.stopOnce.Do(func() { close(s.stop) })
	return nil
}

func (s *MemoryStore) sweepLoop() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.sweep()
		case <-s.stop:
			return
		}
	}
}

func (s *MemoryStore) sweep() {
	now := s.now()
	for _, sh := range s.shards {
		sh.mu.Lock()
		for key, expiry := range sh.entries {
			if now.After(expiry) {
				delete(sh.entries, key)
			}
		}
		sh.mu.Unlock()
	}
}
