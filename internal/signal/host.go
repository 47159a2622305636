package signal

import (
	"context"
	"fmt"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
)

// HostMetrics samples the local host with gopsutil.
type HostMetrics struct {
	diskPath       string
	cpuSampleDelay time.Duration
}

// NewHostMetrics creates a provider reading disk usage at diskPath ("/" when empty).
func NewHostMetrics(diskPath string, cpuSample time.Duration) *HostMetrics {
	if diskPath == "" {
		diskPath = "/"
	}
	if cpuSample <= 0 {
		cpuSample = 500 * time.Millisecond
	}
	return &HostMetrics{diskPath: diskPath, cpuSampleDelay: cpuSample}
}

// SystemStats fetches CPU, storage and memory utilisation in one call.
func (h *HostMetrics) SystemStats(ctx context.Context) (*SystemStats, error) {
	cpus, err := cpu.PercentWithContext(ctx, h.cpuSampleDelay, false)
	if err != nil {
		return nil, fmt.Errorf("sampling cpu: %w", err)
	}
	if len(cpus) == 0 {
		return nil, fmt.Errorf("sampling cpu: no data")
	}

	usage, err := disk.UsageWithContext(ctx, h.diskPath)
	if err != nil {
		return nil, fmt.Errorf("reading disk usage for %s: %w", h.diskPath, err)
	}

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading memory: %w", err)
	}

	return &SystemStats{
		CPUPercent:     cpus[0],
		StoragePercent: usage.UsedPercent,
		MemoryPercent:  vm.UsedPercent,
		CollectedAt:    time.Now().UTC(),
	}, nil
}
