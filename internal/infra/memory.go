package infra

import (
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/eliteGoblin/buildd/internal/domain"
)

// SystemMemoryProbe implements domain.MemoryProbe using gopsutil.
type SystemMemoryProbe struct{}

// NewSystemMemoryProbe creates a memory probe for the host.
func NewSystemMemoryProbe() domain.MemoryProbe {
	return &SystemMemoryProbe{}
}

// Available returns memory available for new allocations and total memory.
func (p *SystemMemoryProbe) Available() (uint64, uint64, error) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return 0, 0, err
	}
	return vm.Available, vm.Total, nil
}

var _ domain.MemoryProbe = (*SystemMemoryProbe)(nil)
