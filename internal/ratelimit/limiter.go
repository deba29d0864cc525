// Package ratelimit gates outbound requests per logical source with a
// token bucket. The effective rate is reduced by a safety margin so the
// pipeline stays comfortably below published upstream caps.
package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/bananahana720/phx-property-collector/internal/errs"
)

// DefaultSafetyMargin is the fraction shaved off the configured rate.
const DefaultSafetyMargin = 0.1

// Config describes one source's token bucket.
type Config struct {
	Source            string
	RequestsPerMinute int
	BurstSize         int
	// SafetyMargin reduces the effective cap: rpm × (1 − margin).
	// Zero means DefaultSafetyMargin; negative means no margin.
	SafetyMargin float64
}

// Stats is a point-in-time snapshot of limiter activity.
type Stats struct {
	Source       string
	Waiters      int64
	Granted      int64
	Timeouts     int64
	EffectiveRPM float64
}

// Limiter is a token-bucket gate for a single source. Waiters are served
// in arrival order: the underlying rate.Limiter issues reservations under
// a single lock, so tokens are granted FIFO by Acquire call time.
type Limiter struct {
	source    string
	effective rate.Limit
	burst     int

	mu      sync.Mutex
	bucket  *rate.Limiter
	waiters atomic.Int64
	granted atomic.Int64
	timeout atomic.Int64
}

// New creates a Limiter from cfg.
func New(cfg Config) *Limiter {
	margin := cfg.SafetyMargin
	if margin == 0 {
		margin = DefaultSafetyMargin
	}
	if margin < 0 {
		margin = 0
	}
	burst := cfg.BurstSize
	if burst <= 0 {
		burst = 1
	}
	effective := rate.Limit(float64(cfg.RequestsPerMinute) * (1 - margin) / 60.0)
	return &Limiter{
		source:    cfg.Source,
		effective: effective,
		burst:     burst,
		bucket:    rate.NewLimiter(effective, burst),
	}
}

// Acquire suspends until a token is available or ctx's deadline elapses.
// Deadline expiry surfaces a RateLimitTimeout-kind error.
func (l *Limiter) Acquire(ctx context.Context) error {
	l.mu.Lock()
	bucket := l.bucket
	l.mu.Unlock()

	l.waiters.Add(1)
	err := bucket.Wait(ctx)
	l.waiters.Add(-1)

	if err != nil {
		l.timeout.Add(1)
		return errs.Wrap(errs.KindRateLimitTimeout, err, "token not granted before deadline").
			With("source", l.source)
	}
	l.granted.Add(1)
	return nil
}

// AcquireWithin is Acquire bounded by an explicit timeout.
func (l *Limiter) AcquireWithin(ctx context.Context, d time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()
	return l.Acquire(ctx)
}

// Reset refills the bucket to a full burst and drops queued reservations.
// In-flight waiters on the old bucket still complete against it.
func (l *Limiter) Reset() {
	l.mu.Lock()
	l.bucket = rate.NewLimiter(l.effective, l.burst)
	l.mu.Unlock()
}

// Stats returns a snapshot for metrics reporting.
func (l *Limiter) Stats() Stats {
	return Stats{
		Source:       l.source,
		Waiters:      l.waiters.Load(),
		Granted:      l.granted.Load(),
		Timeouts:     l.timeout.Load(),
		EffectiveRPM: float64(l.effective) * 60.0,
	}
}

// Registry holds one Limiter per logical source.
type Registry struct {
	mu       sync.Mutex
	limiters map[string]*Limiter
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{limiters: make(map[string]*Limiter)}
}

// Get returns the Limiter for source, creating it from cfg on first use.
func (r *Registry) Get(cfg Config) *Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()
	if l, ok := r.limiters[cfg.Source]; ok {
		return l
	}
	l := New(cfg)
	r.limiters[cfg.Source] = l
	return l
}

// StatsAll snapshots every registered limiter.
func (r *Registry) StatsAll() []Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Stats, 0, len(r.limiters))
	for _, l := range r.limiters {
		out = append(out, l.Stats())
	}
	return out
}
