// Package integrator drives the full collection pipeline: it routes
// queries to collectors, feeds raw payloads through extraction and
// validation, and persists the survivors. Per-record failures are
// isolated; one bad payload never aborts a run.
package integrator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/bananahana720/phx-property-collector/internal/cache"
	"github.com/bananahana720/phx-property-collector/internal/collect"
	"github.com/bananahana720/phx-property-collector/internal/errs"
	"github.com/bananahana720/phx-property-collector/internal/extract"
	"github.com/bananahana720/phx-property-collector/internal/repo"
	"github.com/bananahana720/phx-property-collector/internal/resources"
	"github.com/bananahana720/phx-property-collector/internal/validate"
)

// drainTimeout bounds how long Close waits for in-flight work.
const drainTimeout = 30 * time.Second

// Result reports the outcome of processing one raw payload.
type Result struct {
	PropertyID     string
	Source         string
	Success        bool
	SavedToDB      bool
	ProcessingTime time.Duration
	Warnings       []string
	Err            error
}

// Metrics accumulates pipeline totals across runs.
type Metrics struct {
	TotalProcessed    int
	Successful        int
	Failed            int
	AvgProcessingTime time.Duration
	CacheHitRate      float64
}

// Integrator owns the pipeline components and their shutdown.
type Integrator struct {
	collectors []collect.Collector
	extractor  *extract.Extractor
	validator  *validate.Validator
	store      repo.Repository
	monitor    *resources.Monitor
	optimizer  *resources.BatchSizeOptimizer
	artifacts  cache.Cache

	mu        sync.Mutex
	total     int
	succeeded int
	failed    int
	totalTime time.Duration

	inFlight  sync.WaitGroup
	closeOnce sync.Once
	closed    chan struct{}
}

// New wires the pipeline. Collectors are tried in order; the first one
// whose Supports accepts a query handles it.
func New(
	collectors []collect.Collector,
	extractor *extract.Extractor,
	validator *validate.Validator,
	store repo.Repository,
	monitor *resources.Monitor,
	optimizer *resources.BatchSizeOptimizer,
	artifacts cache.Cache,
) *Integrator {
	return &Integrator{
		collectors: collectors,
		extractor:  extractor,
		validator:  validator,
		store:      store,
		monitor:    monitor,
		optimizer:  optimizer,
		artifacts:  artifacts,
		closed:     make(chan struct{}),
	}
}

func (g *Integrator) collectorFor(q collect.Query) (collect.Collector, error) {
	for _, c := range g.collectors {
		if c.Supports(q) {
			return c, nil
		}
	}
	return nil, errs.New(errs.KindConfiguration, "no collector supports query").
		With("zip", q.Zip).
		With("apn", q.APN).
		With("url", q.URL)
}

// ProcessOne runs a single query end to end and returns its result.
// Queries that fan out to multiple records return the first result.
func (g *Integrator) ProcessOne(ctx context.Context, q collect.Query) (Result, error) {
	results, err := g.ProcessQuery(ctx, q)
	if err != nil {
		return Result{}, err
	}
	for r := range results {
		// drain the remainder so the collector goroutine exits
		go func() {
			for range results {
			}
		}()
		return r, nil
	}
	return Result{}, errs.New(errs.KindDataCollection, "query returned no records")
}

// ProcessQuery streams results for one query. Records are processed
// concurrently, bounded by the resource monitor's concurrency limit.
func (g *Integrator) ProcessQuery(ctx context.Context, q collect.Query) (<-chan Result, error) {
	select {
	case <-g.closed:
		return nil, errs.New(errs.KindConfiguration, "integrator is closed")
	default:
	}

	c, err := g.collectorFor(q)
	if err != nil {
		return nil, err
	}
	items, err := c.Collect(ctx, q)
	if err != nil {
		return nil, err
	}

	out := make(chan Result)
	g.inFlight.Add(1)
	go func() {
		defer g.inFlight.Done()
		defer close(out)

		grp, gctx := errgroup.WithContext(ctx)
		grp.SetLimit(g.monitor.MaxConcurrent())
		for item := range items {
			item := item
			grp.Go(func() error {
				var r Result
				if item.Err != nil {
					r = Result{Err: item.Err}
					g.record(r)
				} else {
					r = g.processPayload(gctx, item.Payload)
				}
				select {
				case out <- r:
				case <-gctx.Done():
				}
				return nil
			})
		}
		_ = grp.Wait()
	}()
	return out, nil
}

// ProcessBatch runs multiple queries, chunked by the batch size
// optimizer, and returns every result. Chunk timings feed back into
// the optimizer.
func (g *Integrator) ProcessBatch(ctx context.Context, queries []collect.Query) []Result {
	var all []Result
	for start := 0; start < len(queries); {
		size := g.optimizer.Current()
		end := start + size
		if end > len(queries) {
			end = len(queries)
		}
		chunk := queries[start:end]
		start = end

		began := time.Now()
		memBefore := g.monitor.MemoryMB()
		var ok int
		for _, q := range chunk {
			results, err := g.ProcessQuery(ctx, q)
			if err != nil {
				r := Result{Err: err}
				g.record(r)
				all = append(all, r)
				continue
			}
			for r := range results {
				if r.Success {
					ok++
				}
				all = append(all, r)
			}
		}

		rate := 1.0
		if len(chunk) > 0 {
			rate = float64(ok) / float64(len(chunk))
		}
		g.optimizer.Record(resources.BatchObservation{
			Size:        len(chunk),
			Duration:    time.Since(began),
			SuccessRate: rate,
			MemoryDelta: g.monitor.MemoryMB() - memBefore,
		})
		if ctx.Err() != nil {
			break
		}
	}
	return all
}

// Run executes a query, persists an audit entry for the run, and
// returns the collected results. Fatal (non-record) failures are also
// written to the errors collection.
func (g *Integrator) Run(ctx context.Context, q collect.Query) ([]Result, error) {
	started := time.Now()
	results, err := g.ProcessQuery(ctx, q)
	if err != nil {
		g.recordFatal(ctx, "", err)
		return nil, err
	}

	var all []Result
	succeeded, failed := 0, 0
	for r := range results {
		if r.Success {
			succeeded++
		} else {
			failed++
		}
		all = append(all, r)
	}

	run := repo.RunRecord{
		ID:           uuid.NewString(),
		Query:        describeQuery(q),
		StartedAt:    started.UTC(),
		FinishedAt:   time.Now().UTC(),
		Total:        len(all),
		Successful:   succeeded,
		Failed:       failed,
		CacheHitRate: g.artifacts.Metrics().HitRate(),
		Duration:     time.Since(started),
	}
	if err := g.store.RecordRun(ctx, run); err != nil {
		zap.L().Warn("failed to record run audit", zap.Error(err))
	}
	zap.L().Info("collection run finished",
		zap.String("query", run.Query),
		zap.Int("total", run.Total),
		zap.Int("successful", run.Successful),
		zap.Int("failed", run.Failed),
		zap.Duration("duration", run.Duration))
	return all, nil
}

func (g *Integrator) processPayload(ctx context.Context, payload *collect.RawPayload) Result {
	started := time.Now()
	res := Result{Source: payload.Source}

	prop, err := g.extractor.Extract(ctx, payload)
	if err != nil {
		res.Err = err
		res.ProcessingTime = time.Since(started)
		g.record(res)
		g.maybeRecordFatal(ctx, "", err)
		return res
	}
	res.PropertyID = prop.PropertyID

	verdict := g.validator.Validate(prop)
	if !verdict.IsValid {
		res.Err = errs.New(errs.KindValidation, "record failed validation").
			With("property_id", prop.PropertyID).
			With("errors", strings.Join(verdict.Errors, "; "))
		res.ProcessingTime = time.Since(started)
		g.record(res)
		return res
	}
	prop.Warnings = verdict.Warnings
	res.Warnings = verdict.Warnings

	if _, err := g.store.Save(ctx, prop); err != nil {
		res.Err = err
		res.ProcessingTime = time.Since(started)
		g.record(res)
		g.maybeRecordFatal(ctx, prop.PropertyID, err)
		return res
	}

	res.Success = true
	res.SavedToDB = true
	res.ProcessingTime = time.Since(started)
	g.record(res)
	return res
}

func (g *Integrator) record(r Result) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.total++
	g.totalTime += r.ProcessingTime
	if r.Success {
		g.succeeded++
	} else {
		g.failed++
	}
}

// maybeRecordFatal persists infrastructure-level failures (store,
// extraction transport) to the errors collection; validation rejects
// are routine and stay out of it.
func (g *Integrator) maybeRecordFatal(ctx context.Context, propertyID string, err error) {
	switch errs.KindOf(err) {
	case errs.KindRepository, errs.KindLLMExtraction, errs.KindNoHealthyProxies:
	default:
		return
	}
	g.recordFatal(ctx, propertyID, err)
}

func (g *Integrator) recordFatal(ctx context.Context, propertyID string, err error) {
	rec := repo.ErrorRecord{
		ID:         uuid.NewString(),
		PropertyID: propertyID,
		Kind:       errs.KindOf(err).String(),
		Message:    err.Error(),
		OccurredAt: time.Now().UTC(),
	}
	var e *errs.Error
	if errors.As(err, &e) && len(e.Context) > 0 {
		rec.Context = make(map[string]any, len(e.Context))
		for k, v := range e.Context {
			rec.Context[k] = v
		}
	}
	if rerr := g.store.RecordError(ctx, rec); rerr != nil {
		zap.L().Warn("failed to record fatal error", zap.Error(rerr))
	}
}

// Metrics returns cumulative pipeline totals.
func (g *Integrator) Metrics() Metrics {
	g.mu.Lock()
	defer g.mu.Unlock()
	m := Metrics{
		TotalProcessed: g.total,
		Successful:     g.succeeded,
		Failed:         g.failed,
		CacheHitRate:   g.artifacts.Metrics().HitRate(),
	}
	if g.total > 0 {
		m.AvgProcessingTime = g.totalTime / time.Duration(g.total)
	}
	return m
}

// Close drains in-flight work (bounded by drainTimeout), then releases
// every collector, the cache, and the store.
func (g *Integrator) Close(ctx context.Context) error {
	var firstErr error
	g.closeOnce.Do(func() {
		close(g.closed)

		done := make(chan struct{})
		go func() {
			g.inFlight.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(drainTimeout):
			zap.L().Warn("shutdown drain timed out; abandoning in-flight work")
		case <-ctx.Done():
		}

		for _, c := range g.collectors {
			if err := c.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		if err := g.artifacts.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := g.store.Close(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	})
	return firstErr
}

func describeQuery(q collect.Query) string {
	switch {
	case q.Zip != "":
		return "zip:" + q.Zip
	case q.APN != "":
		return "apn:" + q.APN
	case q.URL != "":
		return "url:" + q.URL
	default:
		return "empty"
	}
}
