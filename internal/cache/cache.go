// Package cache stores extraction artifacts keyed by fingerprint so that
// repeated collections of identical raw payloads skip the model entirely.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync/atomic"
)

// Kind separates artifact namespaces within one cache.
type Kind string

const (
	KindExtraction Kind = "extraction"
	KindValidation Kind = "validation"
)

// Cache is the extraction artifact cache. Artifacts are opaque bytes
// (JSON-encoded canonical records). Expired entries miss.
type Cache interface {
	// Get returns the artifact for (fingerprint, kind), or ok=false on miss.
	Get(ctx context.Context, fingerprint string, kind Kind) (artifact []byte, ok bool, err error)
	// Set stores an artifact under (fingerprint, kind) with the backend TTL.
	Set(ctx context.Context, fingerprint string, kind Kind, artifact []byte) error
	// Invalidate removes all kinds for a fingerprint.
	Invalidate(ctx context.Context, fingerprint string) error
	// Metrics snapshots hit/miss/eviction counters.
	Metrics() Metrics
	Close() error
}

// Metrics summarizes cache effectiveness.
type Metrics struct {
	Hits      int64
	Misses    int64
	Evictions int64
}

// HitRate returns hits / (hits + misses), or 0 for an untouched cache.
func (m Metrics) HitRate() float64 {
	total := m.Hits + m.Misses
	if total == 0 {
		return 0
	}
	return float64(m.Hits) / float64(total)
}

// Fingerprint computes the stable key over everything that decides an
// extraction's output: raw payload, schema version, model identifier, and
// prompt version. Collisions are treated as equivalence by construction.
func Fingerprint(rawHash, schemaVersion, model, promptVersion string) string {
	h := sha256.New()
	for _, part := range []string{rawHash, schemaVersion, model, promptVersion} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// counters is the shared metrics state embedded by both backends.
type counters struct {
	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64
}

func (c *counters) snapshot() Metrics {
	return Metrics{
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Evictions: c.evictions.Load(),
	}
}
