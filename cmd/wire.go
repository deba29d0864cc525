package main

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/bananahana720/phx-property-collector/internal/assessor"
	"github.com/bananahana720/phx-property-collector/internal/cache"
	"github.com/bananahana720/phx-property-collector/internal/collect"
	"github.com/bananahana720/phx-property-collector/internal/config"
	"github.com/bananahana720/phx-property-collector/internal/extract"
	"github.com/bananahana720/phx-property-collector/internal/integrator"
	"github.com/bananahana720/phx-property-collector/internal/llm"
	"github.com/bananahana720/phx-property-collector/internal/mls"
	"github.com/bananahana720/phx-property-collector/internal/proxy"
	"github.com/bananahana720/phx-property-collector/internal/ratelimit"
	"github.com/bananahana720/phx-property-collector/internal/repo"
	"github.com/bananahana720/phx-property-collector/internal/resources"
	"github.com/bananahana720/phx-property-collector/internal/validate"
)

// components holds the wired pipeline plus the pieces commands poke at
// directly (health checks, stats).
type components struct {
	integrator *integrator.Integrator
	llm        *llm.Client
	store      repo.Repository
	proxies    *proxy.Pool
	limiters   *ratelimit.Registry
}

func initCache(c config.CacheConfig) (cache.Cache, error) {
	switch c.Backend {
	case "disk":
		return cache.NewDisk(c.Path, c.MaxEntries, c.TTL())
	default:
		return cache.NewMemory(c.MaxEntries, c.TTL()), nil
	}
}

// build assembles the full pipeline from the loaded config.
func build(ctx context.Context) (*components, error) {
	store, err := repo.Open(ctx, cfg.Store)
	if err != nil {
		return nil, eris.Wrap(err, "open document store")
	}

	artifacts, err := initCache(cfg.Cache)
	if err != nil {
		_ = store.Close(ctx)
		return nil, eris.Wrap(err, "init artifact cache")
	}

	limiters := ratelimit.NewRegistry()
	assessorLimiter := limiters.Get(ratelimit.Config{
		Source:            "assessor",
		RequestsPerMinute: cfg.Assessor.RateLimitRPM,
	})
	mlsLimiter := limiters.Get(ratelimit.Config{
		Source:            "mls",
		RequestsPerMinute: cfg.MLS.RateLimitRPM,
		BurstSize:         cfg.MLS.Burst,
	})

	pool := proxy.NewPool(cfg.Proxy)
	var solver *mls.CaptchaSolver
	if cfg.Captcha.Enabled {
		solver = mls.NewCaptchaSolver(cfg.Captcha)
	}

	collectors := []collect.Collector{
		assessor.NewClient(cfg.Assessor, assessorLimiter),
		mls.NewScraper(cfg.MLS, pool, mlsLimiter, solver),
	}

	llmClient := llm.NewClient(cfg.LLM)
	monitor := resources.NewMonitor(cfg.Resources)
	extractor := extract.New(llmClient, artifacts, monitor)
	optimizer := resources.NewBatchSizeOptimizer(cfg.Batch)

	ig := integrator.New(collectors, extractor, validate.New(), store,
		monitor, optimizer, artifacts)

	return &components{
		integrator: ig,
		llm:        llmClient,
		store:      store,
		proxies:    pool,
		limiters:   limiters,
	}, nil
}
