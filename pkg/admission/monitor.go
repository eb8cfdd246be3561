package admission

import (
	"context"
	"fmt"
	"os"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/process"
)

// Usage is a snapshot of resource consumption. Negative values mean the
// figure is unavailable on this platform and its threshold is not applied.
type Usage struct {
	FreeFileHandles int64   `json:"freeFileHandles"`
	CPUPercent      float64 `json:"cpuPercent"`
	MemoryPercent   float64 `json:"memoryPercent"`
}

// ResourceMonitor reports current resource usage
type ResourceMonitor interface {
	Usage(ctx context.Context) (Usage, error)
}

// SystemMonitor reads usage of the current process and host
type SystemMonitor struct {
	proc *process.Process
}

// NewSystemMonitor creates a monitor for the running process
func NewSystemMonitor() (*SystemMonitor, error) {
	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, fmt.Errorf("opening process handle: %w", err)
	}
	return &SystemMonitor{proc: p}, nil
}

// Usage implements ResourceMonitor
func (m *SystemMonitor) Usage(ctx context.Context) (Usage, error) {
	u := Usage{FreeFileHandles: -1, CPUPercent: -1, MemoryPercent: -1}

	if free, err := m.freeFileHandles(ctx); err == nil {
		u.FreeFileHandles = free
	}

	// Interval 0 compares against the previous call.
	pct, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return u, fmt.Errorf("reading cpu load: %w", err)
	}
	if len(pct) > 0 {
		u.CPUPercent = pct[0]
	}

	mem, err := m.proc.MemoryPercentWithContext(ctx)
	if err != nil {
		return u, fmt.Errorf("reading memory usage: %w", err)
	}
	u.MemoryPercent = float64(mem)
	return u, nil
}

func (m *SystemMonitor) freeFileHandles(ctx context.Context) (int64, error) {
	used, err := m.proc.NumFDsWithContext(ctx)
	if err != nil {
		return 0, err
	}
	limits, err := m.proc.RlimitWithContext(ctx)
	if err != nil {
		return 0, err
	}
	for _, l := range limits {
		if l.Resource == process.RLIMIT_NOFILE {
			return int64(l.Soft) - int64(used), nil
		}
	}
	return 0, fmt.Errorf("no file handle limit reported")
}
