package cache

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

type memoryKey struct {
	fingerprint string
	kind        Kind
}

// MemoryCache is an in-process LRU with per-entry TTL. Size-bounded:
// inserting past max_entries evicts the least recently used artifact.
type MemoryCache struct {
	counters
	lru *expirable.LRU[memoryKey, []byte]
}

// NewMemory creates a MemoryCache holding at most maxEntries artifacts for
// at most ttl each.
func NewMemory(maxEntries int, ttl time.Duration) *MemoryCache {
	if maxEntries <= 0 {
		maxEntries = 10_000
	}
	c := &MemoryCache{}
	c.lru = expirable.NewLRU[memoryKey, []byte](maxEntries, func(memoryKey, []byte) {
		c.evictions.Add(1)
	}, ttl)
	return c
}

func (c *MemoryCache) Get(_ context.Context, fingerprint string, kind Kind) ([]byte, bool, error) {
	v, ok := c.lru.Get(memoryKey{fingerprint, kind})
	if !ok {
		c.misses.Add(1)
		return nil, false, nil
	}
	c.hits.Add(1)
	return v, true, nil
}

func (c *MemoryCache) Set(_ context.Context, fingerprint string, kind Kind, artifact []byte) error {
	c.lru.Add(memoryKey{fingerprint, kind}, artifact)
	return nil
}

func (c *MemoryCache) Invalidate(_ context.Context, fingerprint string) error {
	for _, kind := range []Kind{KindExtraction, KindValidation} {
		c.lru.Remove(memoryKey{fingerprint, kind})
	}
	return nil
}

func (c *MemoryCache) Metrics() Metrics { return c.snapshot() }

func (c *MemoryCache) Close() error { return nil }
