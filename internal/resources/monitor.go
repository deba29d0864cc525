// Package resources guards model calls and batch execution with an
// admission controller: operations proceed only when memory, CPU, and
// in-flight counts are under their configured limits.
package resources

import (
	"os"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/process"
	"go.uber.org/zap"

	"github.com/bananahana720/phx-property-collector/internal/config"
)

// Sample is one point-in-time resource reading.
type Sample struct {
	MemoryMB   float64
	CPUPercent float64
}

// Sampler reads current resource usage. Injectable for tests.
type Sampler func() (Sample, error)

// opRecord tracks one admitted operation.
type opRecord struct {
	startedAt time.Time
	startMem  float64
}

// Monitor is the admission controller shared by all in-flight pipelines.
type Monitor struct {
	maxMemoryMB   float64
	maxCPUPercent float64
	maxInFlight   int
	sampler       Sampler

	mu       sync.Mutex
	inFlight map[string]opRecord

	// cumulative
	admitted  int64
	rejected  int64
	completed int64
	totalDur  time.Duration
}

// NewMonitor creates a Monitor from configuration using the process sampler.
func NewMonitor(cfg config.ResourcesConfig) *Monitor {
	return NewMonitorWithSampler(cfg, processSampler())
}

// NewMonitorWithSampler creates a Monitor with an injected sampler.
func NewMonitorWithSampler(cfg config.ResourcesConfig, s Sampler) *Monitor {
	maxInFlight := cfg.MaxConcurrentRequests
	if maxInFlight <= 0 {
		maxInFlight = 5
	}
	return &Monitor{
		maxMemoryMB:   float64(cfg.MaxMemoryMB),
		maxCPUPercent: cfg.MaxCPUPercent,
		maxInFlight:   maxInFlight,
		sampler:       s,
		inFlight:      make(map[string]opRecord),
	}
}

// processSampler reads this process's RSS and system CPU via gopsutil.
func processSampler() Sampler {
	proc, procErr := process.NewProcess(int32(os.Getpid()))
	return func() (Sample, error) {
		var s Sample
		if procErr == nil {
			if mi, err := proc.MemoryInfo(); err == nil {
				s.MemoryMB = float64(mi.RSS) / (1 << 20)
			}
		}
		// Non-blocking read: percentage since the previous call.
		if pcts, err := cpu.Percent(0, false); err == nil && len(pcts) > 0 {
			s.CPUPercent = pcts[0]
		}
		return s, nil
	}
}

// MaxConcurrent returns the in-flight cap for batch sizing.
func (m *Monitor) MaxConcurrent() int { return m.maxInFlight }

// MemoryMB returns the current sampled process memory, or 0 when the
// sampler fails.
func (m *Monitor) MemoryMB() float64 {
	sample, err := m.sampler()
	if err != nil {
		return 0
	}
	return sample.MemoryMB
}

// CheckAvailability reports whether opID may proceed: memory and CPU under
// threshold and in-flight count under the cap. It does not reserve a slot;
// callers follow up with TrackStart.
func (m *Monitor) CheckAvailability(opID string) bool {
	sample, err := m.sampler()
	if err != nil {
		// Fail open on sampler errors; the concurrency cap still applies.
		sample = Sample{}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.inFlight) >= m.maxInFlight {
		m.rejected++
		return false
	}
	if m.maxMemoryMB > 0 && sample.MemoryMB >= m.maxMemoryMB {
		m.rejected++
		zap.L().Warn("admission rejected: memory over threshold",
			zap.String("op", opID),
			zap.Float64("memory_mb", sample.MemoryMB),
			zap.Float64("limit_mb", m.maxMemoryMB),
		)
		return false
	}
	if m.maxCPUPercent > 0 && sample.CPUPercent >= m.maxCPUPercent {
		m.rejected++
		zap.L().Warn("admission rejected: cpu over threshold",
			zap.String("op", opID),
			zap.Float64("cpu_percent", sample.CPUPercent),
			zap.Float64("limit_percent", m.maxCPUPercent),
		)
		return false
	}
	return true
}

// TrackStart records an admitted operation.
func (m *Monitor) TrackStart(opID string) {
	sample, _ := m.sampler()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.admitted++
	m.inFlight[opID] = opRecord{startedAt: time.Now(), startMem: sample.MemoryMB}
}

// TrackEnd closes out an operation, returning its duration and memory delta.
func (m *Monitor) TrackEnd(opID string) (time.Duration, float64) {
	sample, _ := m.sampler()
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.inFlight[opID]
	if !ok {
		return 0, 0
	}
	delete(m.inFlight, opID)

	dur := time.Since(rec.startedAt)
	m.completed++
	m.totalDur += dur
	return dur, sample.MemoryMB - rec.startMem
}

// Stats summarizes monitor activity.
type Stats struct {
	InFlight    int
	Admitted    int64
	Rejected    int64
	Completed   int64
	AvgDuration time.Duration
}

// Stats snapshots the monitor.
func (m *Monitor) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := Stats{
		InFlight:  len(m.inFlight),
		Admitted:  m.admitted,
		Rejected:  m.rejected,
		Completed: m.completed,
	}
	if m.completed > 0 {
		s.AvgDuration = m.totalDur / time.Duration(m.completed)
	}
	return s
}
