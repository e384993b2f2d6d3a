package policy

import (
	"github.com/eliteGoblin/buildd/internal/domain"
)

// HealthStats is one sample of runtime memory behaviour.
type HealthStats struct {
	// GCFraction is the share of CPU time spent in GC since the previous sample.
	GCFraction float64
	// HeapLive is the live heap after the last GC.
	HeapLive uint64
	// MemoryLimit is the runtime soft memory limit; zero means unlimited.
	MemoryLimit uint64
}

// HealthSource samples runtime memory statistics.
type HealthSource interface {
	Sample() (HealthStats, error)
}

// HealthThresholds configures HealthDegradation.
type HealthThresholds struct {
	GCThrashFraction float64 // Default 0.5
	HeapLimitRatio   float64 // Default 0.95, only used when a memory limit is set
}

// DefaultHealthThresholds returns the thresholds used by the master policy.
func DefaultHealthThresholds() HealthThresholds {
	return HealthThresholds{
		GCThrashFraction: 0.5,
		HeapLimitRatio:   0.95,
	}
}

// HealthDegradation fires immediately on GC thrashing, heap exhaustion
// against the memory limit, or a broken coordinator.
type HealthDegradation struct {
	source     HealthSource
	activity   ActivitySource
	thresholds HealthThresholds
}

// NewHealthDegradation creates the strategy. activity may be nil.
func NewHealthDegradation(source HealthSource, activity ActivitySource, thresholds HealthThresholds) *HealthDegradation {
	return &HealthDegradation{source: source, activity: activity, thresholds: thresholds}
}

func (s *HealthDegradation) Evaluate() Result {
	if s.activity != nil && s.activity.State() == domain.StateBroken {
		return Triggered("after the daemon entered a broken state", false)
	}
	if s.source == nil {
		return NotTriggered
	}
	stats, err := s.source.Sample()
	if err != nil {
		return NotTriggered
	}
	if s.thresholds.GCThrashFraction > 0 && stats.GCFraction >= s.thresholds.GCThrashFraction {
		return Triggered("since the runtime is spending most of its time in garbage collection", false)
	}
	if stats.MemoryLimit > 0 && s.thresholds.HeapLimitRatio > 0 &&
		float64(stats.HeapLive) >= float64(stats.MemoryLimit)*s.thresholds.HeapLimitRatio {
		return Triggered("since the live heap is close to the memory limit", false)
	}
	return NotTriggered
}
