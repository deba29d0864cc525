// Package proxy manages a health-tracked pool of rotating residential
// proxies. Selection is round-robin over the available set; entries that
// fail repeatedly are cooled down and recovered after a configurable window.
package proxy

import (
	"context"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"net/url"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/bananahana720/phx-property-collector/internal/config"
	"github.com/bananahana720/phx-property-collector/internal/errs"
)

// ErrNoHealthyProxies is returned when every entry is failed or cooling down.
var ErrNoHealthyProxies = errs.New(errs.KindNoHealthyProxies, "no available proxies in pool")

// defaultProbeURL is a low-cost IP-echo endpoint for health probes.
const defaultProbeURL = "https://api.ipify.org?format=text"

// Entry is one upstream proxy with its health counters.
type Entry struct {
	Host     string
	Port     int
	Username string
	Password string
	Kind     string // "http" or "socks5"

	consecutiveFailures int
	successes           int64
	failures            int64
	lastFailureAt       time.Time
	cooldownUntil       time.Time
}

// URL renders the proxy as a scheme://[user:pass@]host:port URL.
func (e *Entry) URL() *url.URL {
	scheme := e.Kind
	if scheme == "" {
		scheme = "http"
	}
	u := &url.URL{
		Scheme: scheme,
		Host:   fmt.Sprintf("%s:%d", e.Host, e.Port),
	}
	if e.Username != "" {
		u.User = url.UserPassword(e.Username, e.Password)
	}
	return u
}

// Addr returns host:port without credentials, for logging.
func (e *Entry) Addr() string {
	return fmt.Sprintf("%s:%d", e.Host, e.Port)
}

// Server returns scheme://host:port without credentials, the form browser
// proxy flags expect. Credentials are supplied separately via auth handlers.
func (e *Entry) Server() string {
	scheme := e.Kind
	if scheme == "" {
		scheme = "http"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, e.Host, e.Port)
}

// EntryStats is a snapshot of one entry's health.
type EntryStats struct {
	Addr                string
	Successes           int64
	Failures            int64
	ConsecutiveFailures int
	CoolingDown         bool
	CooldownUntil       time.Time
}

// Pool is a concurrency-safe rotating proxy pool.
type Pool struct {
	maxFailures int
	cooldown    time.Duration
	probeURL    string

	mu      sync.Mutex
	entries []*Entry
	next    int

	// nowFunc allows test injection of time.
	nowFunc func() time.Time

	httpClient *http.Client
}

// Option configures the Pool.
type Option func(*Pool)

// WithProbeURL overrides the IP-echo endpoint used by CheckHealth.
func WithProbeURL(u string) Option {
	return func(p *Pool) { p.probeURL = u }
}

// WithNowFunc injects a clock for tests.
func WithNowFunc(now func() time.Time) Option {
	return func(p *Pool) { p.nowFunc = now }
}

// NewPool builds a Pool from configuration.
func NewPool(cfg config.ProxyConfig, opts ...Option) *Pool {
	p := &Pool{
		maxFailures: cfg.MaxFailures,
		cooldown:    cfg.Cooldown(),
		probeURL:    defaultProbeURL,
		nowFunc:     time.Now,
		httpClient:  &http.Client{Timeout: 10 * time.Second},
	}
	if p.maxFailures <= 0 {
		p.maxFailures = 3
	}
	for _, e := range cfg.Entries {
		p.entries = append(p.entries, &Entry{
			Host:     e.Host,
			Port:     e.Port,
			Username: e.Username,
			Password: e.Password,
			Kind:     e.Kind,
		})
	}
	for _, opt := range opts {
		opt(p)
	}
	// Randomize the rotation start so restarting processes don't all hammer
	// the same first proxy.
	if len(p.entries) > 1 {
		p.next = rand.IntN(len(p.entries))
	}
	return p
}

// Size returns the total number of entries, available or not.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// available reports whether e may be handed out at time now.
func (p *Pool) available(e *Entry, now time.Time) bool {
	return e.consecutiveFailures < p.maxFailures && !now.Before(e.cooldownUntil)
}

// Next returns the next available proxy in round-robin order. Entries whose
// cooldown window has elapsed are recovered first, so a fully tripped pool
// heals itself without an explicit CheckRecovery call.
// Returns ErrNoHealthyProxies when the available set is empty.
func (p *Pool) Next() (*Entry, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.entries) == 0 {
		return nil, ErrNoHealthyProxies
	}

	now := p.nowFunc()
	p.recoverLocked(now)
	for i := 0; i < len(p.entries); i++ {
		idx := (p.next + i) % len(p.entries)
		e := p.entries[idx]
		if p.available(e, now) {
			p.next = (idx + 1) % len(p.entries)
			return e, nil
		}
	}
	return nil, ErrNoHealthyProxies
}

// MarkFailed increments the failure counter; crossing the threshold puts
// the entry into cooldown.
func (p *Pool) MarkFailed(e *Entry) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.nowFunc()
	e.failures++
	e.consecutiveFailures++
	e.lastFailureAt = now
	if e.consecutiveFailures >= p.maxFailures {
		e.cooldownUntil = now.Add(p.cooldown)
		zap.L().Warn("proxy entering cooldown",
			zap.String("proxy", e.Addr()),
			zap.Int("consecutive_failures", e.consecutiveFailures),
			zap.Time("cooldown_until", e.cooldownUntil),
		)
	}
}

// MarkSuccess resets the consecutive failure counter.
func (p *Pool) MarkSuccess(e *Entry) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e.successes++
	e.consecutiveFailures = 0
}

// CheckRecovery clears entries whose cooldown has expired and returns how
// many were recovered. Next runs the same sweep on every call; this exists
// for owners that want to recover and observe the count eagerly.
func (p *Pool) CheckRecovery() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.recoverLocked(p.nowFunc())
}

func (p *Pool) recoverLocked(now time.Time) int {
	recovered := 0
	for _, e := range p.entries {
		if e.consecutiveFailures >= p.maxFailures && !e.cooldownUntil.IsZero() && !now.Before(e.cooldownUntil) {
			e.consecutiveFailures = 0
			e.cooldownUntil = time.Time{}
			recovered++
			zap.L().Info("proxy recovered from cooldown", zap.String("proxy", e.Addr()))
		}
	}
	return recovered
}

// CheckHealth issues a low-cost probe through the proxy and reports
// reachability. The probe result does not mutate health counters; callers
// decide whether to MarkFailed.
func (p *Pool) CheckHealth(ctx context.Context, e *Entry) error {
	transport := &http.Transport{Proxy: http.ProxyURL(e.URL())}
	client := &http.Client{Timeout: p.httpClient.Timeout, Transport: transport}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.probeURL, nil)
	if err != nil {
		return errs.Wrap(errs.KindDataCollection, err, "build probe request")
	}
	resp, err := client.Do(req)
	if err != nil {
		return errs.Wrap(errs.KindDataCollection, err, "proxy probe failed").
			With("proxy", e.Addr())
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 256))

	if resp.StatusCode != http.StatusOK {
		return errs.New(errs.KindDataCollection, "proxy probe returned non-200").
			With("proxy", e.Addr()).With("status", resp.StatusCode)
	}
	return nil
}

// CheckHealthAll probes every entry and marks the unreachable ones
// failed. Returns the number of healthy entries.
func (p *Pool) CheckHealthAll(ctx context.Context) int {
	p.mu.Lock()
	entries := make([]*Entry, len(p.entries))
	copy(entries, p.entries)
	p.mu.Unlock()

	healthy := 0
	for _, e := range entries {
		if err := p.CheckHealth(ctx, e); err != nil {
			zap.L().Warn("proxy probe failed", zap.String("proxy", e.Addr()), zap.Error(err))
			p.MarkFailed(e)
			continue
		}
		p.MarkSuccess(e)
		healthy++
	}
	return healthy
}

// Stats snapshots per-entry health counters.
func (p *Pool) Stats() []EntryStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.nowFunc()
	out := make([]EntryStats, 0, len(p.entries))
	for _, e := range p.entries {
		out = append(out, EntryStats{
			Addr:                e.Addr(),
			Successes:           e.successes,
			Failures:            e.failures,
			ConsecutiveFailures: e.consecutiveFailures,
			CoolingDown:         !p.available(e, now),
			CooldownUntil:       e.cooldownUntil,
		})
	}
	return out
}
