package service

import (
	"runtime/metrics"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lspecian/vexfs/eventsync/internal/batch"
)

const (
	cpuTotalMetric    = "/cpu/classes/total:cpu-seconds"
	cpuIdleMetric     = "/cpu/classes/idle:cpu-seconds"
	heapObjectsMetric = "/memory/classes/heap/objects:bytes"
	memTotalMetric    = "/memory/classes/total:bytes"
)

// sampler turns the engine counters into per-interval performance samples
// for the adaptive controller
type sampler struct {
	m *EventSynchronizationManager

	mu            sync.Mutex
	last          time.Time
	lastTotal     uint64
	lastSynced    uint64
	lastLatency   uint64
	lastConflicts uint64
	lastBytes     uint64
	lastCPUTotal  float64
	lastCPUIdle   float64
	runtime       []metrics.Sample
}

func newSampler(m *EventSynchronizationManager) *sampler {
	return &sampler{
		m:    m,
		last: time.Now(),
		runtime: []metrics.Sample{
			{Name: cpuTotalMetric},
			{Name: cpuIdleMetric},
			{Name: heapObjectsMetric},
			{Name: memTotalMetric},
		},
	}
}

// Sample implements batch.SampleSource
func (s *sampler) Sample() batch.PerformanceSample {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(s.last)
	total := atomic.LoadUint64(&s.m.totalEvents)
	synced := atomic.LoadUint64(&s.m.successfulSyncs)
	latency := atomic.LoadUint64(&s.m.latencyNanos)
	conflicts := atomic.LoadUint64(&s.m.conflictsDetected)
	sent := s.m.batcher.Stats().CompressedBytes

	sample := batch.PerformanceSample{
		Timestamp: now,
		Interval:  elapsed,
		Events:    synced - s.lastSynced,
	}
	if secs := elapsed.Seconds(); secs > 0 {
		sample.ThroughputEPS = float64(sample.Events) / secs
		sample.NetworkUtilization = float64(sent-s.lastBytes) / secs / s.m.cfg.NetworkBudget
	}
	if sample.Events > 0 {
		sample.AverageLatency = time.Duration((latency - s.lastLatency) / sample.Events)
	}
	if admitted := total - s.lastTotal; admitted > 0 {
		sample.ConflictRate = float64(conflicts-s.lastConflicts) / float64(admitted)
	}

	metrics.Read(s.runtime)
	cpuTotal := float64Value(s.runtime[0])
	cpuIdle := float64Value(s.runtime[1])
	if dt := cpuTotal - s.lastCPUTotal; dt > 0 {
		sample.CPUUtilization = 1 - (cpuIdle-s.lastCPUIdle)/dt
	}
	if memTotal := uint64Value(s.runtime[3]); memTotal > 0 {
		sample.MemoryUtilization = float64(uint64Value(s.runtime[2])) / float64(memTotal)
	}

	s.last = now
	s.lastTotal = total
	s.lastSynced = synced
	s.lastLatency = latency
	s.lastConflicts = conflicts
	s.lastBytes = sent
	s.lastCPUTotal = cpuTotal
	s.lastCPUIdle = cpuIdle
	return sample
}

func float64Value(s metrics.Sample) float64 {
	if s.Value.Kind() != metrics.KindFloat64 {
		return 0
	}
	return s.Value.Float64()
}

func uint64Value(s metrics.Sample) uint64 {
	if s.Value.Kind() != metrics.KindUint64 {
		return 0
	}
	return s.Value.Uint64()
}
