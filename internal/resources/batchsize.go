package resources

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/bananahana720/phx-property-collector/internal/config"
)

// durationDegradeFactor marks a batch as degraded when it runs this much
// slower than the rolling average.
const durationDegradeFactor = 1.5

// growStep and shrinkStep are the per-adjustment size deltas, as fractions
// of the current size (at least 1).
const (
	growStep   = 0.2
	shrinkStep = 0.3
)

// BatchObservation records the outcome of one executed batch.
type BatchObservation struct {
	Size        int
	Duration    time.Duration
	SuccessRate float64
	MemoryDelta float64
}

// BatchSizeOptimizer adjusts the next batch size monotonically within
// [min, max]: grow when batches succeed and durations are stable, shrink
// when durations degrade or the success rate drops.
type BatchSizeOptimizer struct {
	min, max int

	mu       sync.Mutex
	current  int
	history  []BatchObservation
	totalDur time.Duration
}

// NewBatchSizeOptimizer creates an optimizer starting at cfg.InitialSize.
func NewBatchSizeOptimizer(cfg config.BatchConfig) *BatchSizeOptimizer {
	o := &BatchSizeOptimizer{
		min:     cfg.MinSize,
		max:     cfg.MaxSize,
		current: cfg.InitialSize,
	}
	if o.min <= 0 {
		o.min = 1
	}
	if o.max < o.min {
		o.max = o.min
	}
	if o.current < o.min || o.current > o.max {
		o.current = o.min
	}
	return o
}

// Current returns the size to use for the next batch.
func (o *BatchSizeOptimizer) Current() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.current
}

// Last returns the most recently recorded observation, if any.
func (o *BatchSizeOptimizer) Last() (BatchObservation, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.history) == 0 {
		return BatchObservation{}, false
	}
	return o.history[len(o.history)-1], true
}

// Record feeds one batch outcome and adjusts the next size.
func (o *BatchSizeOptimizer) Record(obs BatchObservation) {
	o.mu.Lock()
	defer o.mu.Unlock()

	avgPerItem := o.avgPerItemLocked()
	o.history = append(o.history, obs)
	o.totalDur += obs.Duration

	perItem := time.Duration(0)
	if obs.Size > 0 {
		perItem = obs.Duration / time.Duration(obs.Size)
	}
	degraded := avgPerItem > 0 && perItem > time.Duration(float64(avgPerItem)*durationDegradeFactor)

	prev := o.current
	switch {
	case obs.SuccessRate < 0.90 || degraded:
		o.current = clamp(o.current-step(o.current, shrinkStep), o.min, o.max)
	case obs.SuccessRate >= 0.95 && !degraded:
		o.current = clamp(o.current+step(o.current, growStep), o.min, o.max)
	}

	if o.current != prev {
		zap.L().Info("batch size adjusted",
			zap.Int("from", prev),
			zap.Int("to", o.current),
			zap.Float64("success_rate", obs.SuccessRate),
			zap.Duration("per_item", perItem),
			zap.Bool("degraded", degraded),
		)
	}
}

// avgPerItemLocked computes the rolling average per-item duration over the
// recorded history.
func (o *BatchSizeOptimizer) avgPerItemLocked() time.Duration {
	items := 0
	for _, h := range o.history {
		items += h.Size
	}
	if items == 0 {
		return 0
	}
	return o.totalDur / time.Duration(items)
}

func step(size int, frac float64) int {
	s := int(float64(size) * frac)
	if s < 1 {
		s = 1
	}
	return s
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
