package infra

import (
	"errors"
	"math"
	"runtime/metrics"
	"sync"

	"github.com/eliteGoblin/buildd/internal/policy"
)

const (
	metricGCCPU    = "/cpu/classes/gc/total:cpu-seconds"
	metricTotalCPU = "/cpu/classes/total:cpu-seconds"
	metricHeapLive = "/gc/heap/live:bytes"
	metricMemLimit = "/gc/gomemlimit:bytes"
)

// RuntimeHealthSampler implements policy.HealthSource from runtime/metrics.
// The GC fraction covers the interval since the previous sample.
type RuntimeHealthSampler struct {
	mu          sync.Mutex
	samples     []metrics.Sample
	lastGC      float64
	lastTotal   float64
	initialized bool
}

// NewRuntimeHealthSampler creates a sampler and takes a baseline reading.
func NewRuntimeHealthSampler() *RuntimeHealthSampler {
	s := &RuntimeHealthSampler{
		samples: []metrics.Sample{
			{Name: metricGCCPU},
			{Name: metricTotalCPU},
			{Name: metricHeapLive},
			{Name: metricMemLimit},
		},
	}
	_, _ = s.Sample()
	return s
}

// Sample reads the runtime metrics.
func (s *RuntimeHealthSampler) Sample() (policy.HealthStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	metrics.Read(s.samples)
	for _, sample := range s.samples {
		if sample.Value.Kind() == metrics.KindBad {
			return policy.HealthStats{}, errors.New("runtime metric " + sample.Name + " unsupported")
		}
	}

	gc := s.samples[0].Value.Float64()
	total := s.samples[1].Value.Float64()
	stats := policy.HealthStats{
		HeapLive: s.samples[2].Value.Uint64(),
	}
	if limit := s.samples[3].Value.Uint64(); limit < math.MaxInt64 {
		stats.MemoryLimit = limit
	}

	if s.initialized {
		stats.GCFraction = gcFraction(gc-s.lastGC, total-s.lastTotal)
	}
	s.lastGC, s.lastTotal, s.initialized = gc, total, true
	return stats, nil
}

func gcFraction(gcDelta, totalDelta float64) float64 {
	if totalDelta <= 0 || gcDelta <= 0 {
		return 0
	}
	if f := gcDelta / totalDelta; f < 1 {
		return f
	}
	return 1
}

var _ policy.HealthSource = (*RuntimeHealthSampler)(nil)
