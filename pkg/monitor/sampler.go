package monitor

import (
	"context"
	"errors"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
)

// DefaultCPUInterval is how long HostSampler measures CPU utilisation for.
const DefaultCPUInterval = 500 * time.Millisecond

var errNoCPUReading = errors.New("no cpu reading")

// HostSampler reads CPU and memory utilisation of the local host.
type HostSampler struct {
	cpuInterval time.Duration
}

// NewHostSampler creates a sampler that measures CPU over the given interval.
func NewHostSampler(cpuInterval time.Duration) *HostSampler {
	if cpuInterval <= 0 {
		cpuInterval = DefaultCPUInterval
	}
	return &HostSampler{cpuInterval: cpuInterval}
}

// Sample blocks for the CPU interval and returns one Reading.
func (h *HostSampler) Sample(ctx context.Context) (Reading, error) {
	percents, err := cpu.PercentWithContext(ctx, h.cpuInterval, false)
	if err != nil {
		return Reading{}, err
	}
	if len(percents) == 0 {
		return Reading{}, errNoCPUReading
	}

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return Reading{}, err
	}

	return Reading{
		CPUFraction:       percents[0] / 100,
		MemoryAvailableMB: float64(vm.Available) / bytesPerMB,
		MemoryUsedPercent: vm.UsedPercent,
	}, nil
}
