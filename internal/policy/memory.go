package policy

import (
	"fmt"

	"github.com/eliteGoblin/buildd/internal/domain"
)

// LowMemory fires when free system memory drops below a threshold.
type LowMemory struct {
	probe           domain.MemoryProbe
	minFreeBytes    uint64
	minFreeFraction float64
}

// NewLowMemory probes memory once. An error means the platform does not
// support the probe and the caller should leave the strategy out.
// minFreeBytes wins over minFreeFraction when both are set.
func NewLowMemory(probe domain.MemoryProbe, minFreeBytes uint64, minFreeFraction float64) (*LowMemory, error) {
	if probe == nil {
		return nil, fmt.Errorf("memory probe is required")
	}
	if minFreeBytes == 0 && (minFreeFraction <= 0 || minFreeFraction >= 1) {
		return nil, fmt.Errorf("invalid free memory fraction %v", minFreeFraction)
	}
	if _, _, err := probe.Available(); err != nil {
		return nil, fmt.Errorf("memory probe unsupported: %w", err)
	}
	return &LowMemory{
		probe:           probe,
		minFreeBytes:    minFreeBytes,
		minFreeFraction: minFreeFraction,
	}, nil
}

func (s *LowMemory) threshold(total uint64) uint64 {
	if s.minFreeBytes > 0 {
		return s.minFreeBytes
	}
	return uint64(float64(total) * s.minFreeFraction)
}

func (s *LowMemory) Evaluate() Result {
	free, total, err := s.probe.Available()
	if err != nil {
		return NotTriggered
	}
	if free < s.threshold(total) {
		return Triggered("to reclaim system memory", true)
	}
	return NotTriggered
}
