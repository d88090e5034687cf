package health

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/process"
)

// System call wrappers for testing
var (
	virtualMemory = mem.VirtualMemoryWithContext
	newProcess    = process.NewProcessWithContext
)

// MemorySample is the process memory use against its limit.
type MemorySample struct {
	UsedBytes  uint64
	LimitBytes uint64
}

// Usage is UsedBytes over LimitBytes.
func (s MemorySample) Usage() float64 {
	if s.LimitBytes == 0 {
		return 0
	}
	return float64(s.UsedBytes) / float64(s.LimitBytes)
}

// MemorySampler reads a memory sample.
type MemorySampler func(ctx context.Context) (MemorySample, error)

// ProcessMemory samples the resident set size of the current process. A zero
// limit means total system memory.
func ProcessMemory(limit uint64) MemorySampler {
	return func(ctx context.Context) (MemorySample, error) {
		p, err := newProcess(ctx, int32(os.Getpid()))
		if err != nil {
			return MemorySample{}, fmt.Errorf("process: %w", err)
		}
		info, err := p.MemoryInfoWithContext(ctx)
		if err != nil {
			return MemorySample{}, fmt.Errorf("process memory: %w", err)
		}

		if limit == 0 {
			vm, err := virtualMemory(ctx)
			if err != nil {
				return MemorySample{}, fmt.Errorf("memory stats: %w", err)
			}
			limit = vm.Total
		}
		if limit == 0 {
			return MemorySample{}, errors.New("memory limit unknown")
		}
		return MemorySample{UsedBytes: info.RSS, LimitBytes: limit}, nil
	}
}

// MemoryCheck compares sampled memory use against th.MaxMemoryUsage. A
// failed sample degrades the component.
func MemoryCheck(sample MemorySampler, th Thresholds) func(context.Context) Result {
	return func(ctx context.Context) Result {
		r := Result{
			Service: ServiceMemory,
			Status:  StatusHealthy,
			Message: "memory usage normal",
		}

		s, err := sample(ctx)
		if err != nil {
			r.Status = StatusDegraded
			r.Message = "memory usage unavailable: " + err.Error()
			return r
		}

		usage := s.Usage()
		r.Metrics = map[string]float64{
			"usage":    usage,
			"used_mb":  float64(s.UsedBytes) / (1 << 20),
			"limit_mb": float64(s.LimitBytes) / (1 << 20),
		}
		if usage > th.MaxMemoryUsage {
			r.Status = StatusDegraded
			r.Message = fmt.Sprintf("memory usage at %.0f%%", usage*100)
			r.Recommendations = append(r.Recommendations, "lower cache capacity", "run cache cleanup more often")
		}
		return r
	}
}
