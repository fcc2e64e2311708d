// Package resource probes host and process resource usage for scaling
// decisions and worker health reports.
package resource

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/process"
)

// Sample is one point-in-time resource reading.
type Sample struct {
	AvailableMemoryBytes uint64
	CPUPercent           float64
	ProcessRSSBytes      uint64
	At                   time.Time
}

// Sampler produces resource samples. The supervisor and workers consume
// it through this interface so tests can substitute fixed readings.
type Sampler interface {
	Sample(ctx context.Context) (Sample, error)
}

// HostSampler reads live host and process metrics via gopsutil.
type HostSampler struct {
	proc *process.Process
}

// NewHostSampler binds to the current process.
func NewHostSampler() (*HostSampler, error) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, fmt.Errorf("bind process: %w", err)
	}
	return &HostSampler{proc: proc}, nil
}

// Sample reads available memory, host CPU, and this process's RSS.
func (s *HostSampler) Sample(ctx context.Context) (Sample, error) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return Sample{}, fmt.Errorf("virtual memory: %w", err)
	}
	// Non-blocking read against the previous call's baseline; the
	// first call returns 0.
	percents, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return Sample{}, fmt.Errorf("cpu percent: %w", err)
	}
	var cpuPct float64
	if len(percents) > 0 {
		cpuPct = percents[0]
	}
	memInfo, err := s.proc.MemoryInfoWithContext(ctx)
	if err != nil {
		return Sample{}, fmt.Errorf("process memory: %w", err)
	}
	return Sample{
		AvailableMemoryBytes: vm.Available,
		CPUPercent:           cpuPct,
		ProcessRSSBytes:      memInfo.RSS,
		At:                   time.Now().UTC(),
	}, nil
}

// Fixed is a Sampler returning the same sample every time, for tests
// and dry runs.
type Fixed struct {
	Reading Sample
}

func (f Fixed) Sample(context.Context) (Sample, error) {
	return f.Reading, nil
}
