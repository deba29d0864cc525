package resources

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/bananahana720/phx-property-collector/internal/config"
)

func testBatchConfig() config.BatchConfig {
	return config.BatchConfig{InitialSize: 10, MinSize: 1, MaxSize: 50}
}

func obs(size int, perItem time.Duration, successRate float64) BatchObservation {
	return BatchObservation{
		Size:        size,
		Duration:    time.Duration(size) * perItem,
		SuccessRate: successRate,
	}
}

func TestOptimizerStartsAtInitial(t *testing.T) {
	o := NewBatchSizeOptimizer(testBatchConfig())
	assert.Equal(t, 10, o.Current())
}

func TestOptimizerGrowsOnSuccess(t *testing.T) {
	o := NewBatchSizeOptimizer(testBatchConfig())
	o.Record(obs(10, 100*time.Millisecond, 1.0))
	assert.Equal(t, 12, o.Current(), "20% growth from 10")
}

func TestOptimizerShrinksOnLowSuccessRate(t *testing.T) {
	o := NewBatchSizeOptimizer(testBatchConfig())
	o.Record(obs(10, 100*time.Millisecond, 0.5))
	assert.Equal(t, 7, o.Current(), "30% shrink from 10")
}

func TestOptimizerHoldsInMiddleBand(t *testing.T) {
	o := NewBatchSizeOptimizer(testBatchConfig())
	o.Record(obs(10, 100*time.Millisecond, 0.92))
	assert.Equal(t, 10, o.Current(), "between 0.90 and 0.95 nothing changes")
}

func TestOptimizerShrinksOnDurationDegradation(t *testing.T) {
	o := NewBatchSizeOptimizer(testBatchConfig())
	// Establish a 100ms/item baseline.
	o.Record(obs(10, 100*time.Millisecond, 0.92))
	// Twice the per-item time counts as degraded even at full success.
	o.Record(obs(10, 200*time.Millisecond, 1.0))
	assert.Equal(t, 7, o.Current())
}

func TestOptimizerClampsAtMax(t *testing.T) {
	o := NewBatchSizeOptimizer(testBatchConfig())
	for i := 0; i < 30; i++ {
		o.Record(obs(o.Current(), 100*time.Millisecond, 1.0))
	}
	assert.Equal(t, 50, o.Current())
}

func TestOptimizerClampsAtMin(t *testing.T) {
	o := NewBatchSizeOptimizer(testBatchConfig())
	for i := 0; i < 30; i++ {
		o.Record(obs(o.Current(), 100*time.Millisecond, 0.0))
	}
	assert.Equal(t, 1, o.Current())
}

func TestOptimizerInvalidInitialFallsToMin(t *testing.T) {
	o := NewBatchSizeOptimizer(config.BatchConfig{InitialSize: 99, MinSize: 2, MaxSize: 20})
	assert.Equal(t, 2, o.Current())
}
