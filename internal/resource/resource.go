// Package resource samples host CPU and memory load and converts it into a
// multiplier the timeout estimator applies to its base budgets: a gateway
// running near capacity should grant executions more wall-clock time before
// declaring them stalled.
package resource

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/shirou/gopsutil/cpu"
	"github.com/shirou/gopsutil/mem"
)

// SampleInterval is the minimum time between live samples; calls to Load
// within this window return the cached value.
const SampleInterval = 5 * time.Second

// Load is a point-in-time snapshot of host resource usage.
type Load struct {
	CPUPercent    float64
	MemoryPercent float64
	SampledAt     time.Time
}

// Multiplier maps a Load to the timeout estimator's resource factor:
//
//	<=60%  -> 1.0
//	60-80% -> 1.5
//	80-95% -> 2.0
//	>95%   -> 3.0
//
// The higher of the CPU and memory readings governs.
func (l Load) Multiplier() float64 {
	pct := l.CPUPercent
	if l.MemoryPercent > pct {
		pct = l.MemoryPercent
	}
	switch {
	case pct > 95:
		return 3.0
	case pct > 80:
		return 2.0
	case pct > 60:
		return 1.5
	default:
		return 1.0
	}
}

// Monitor samples host load on a cached cadence and falls back to the last
// known-good reading if a sample fails (gopsutil can fail to read /proc
// under some sandboxes or containers).
type Monitor struct {
	mu        sync.Mutex
	last      Load
	hasSample bool
}

// NewMonitor returns a Monitor with no cached sample; the first Load call
// always samples live.
func NewMonitor() *Monitor {
	return &Monitor{}
}

// Load returns the current resource load, sampling live if the cache is
// older than SampleInterval. On sampling failure, the last known-good
// sample is returned (or a neutral 0% reading if none exists yet).
func (m *Monitor) Load() Load {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.hasSample && time.Since(m.last.SampledAt) < SampleInterval {
		return m.last
	}

	sample, err := sampleLoad()
	if err != nil {
		log.Printf("resource: sample failed, using last-known load: %v", err)
		if m.hasSample {
			return m.last
		}
		return Load{SampledAt: time.Now()}
	}

	m.last = sample
	m.hasSample = true
	return m.last
}

func sampleLoad() (Load, error) {
	cpuPercents, err := cpu.Percent(200*time.Millisecond, false)
	if err != nil {
		return Load{}, fmt.Errorf("cpu.Percent: %w", err)
	}
	if len(cpuPercents) == 0 {
		return Load{}, fmt.Errorf("cpu.Percent: no samples returned")
	}

	vm, err := mem.VirtualMemory()
	if err != nil {
		return Load{}, fmt.Errorf("mem.VirtualMemory: %w", err)
	}

	return Load{
		CPUPercent:    cpuPercents[0],
		MemoryPercent: vm.UsedPercent,
		SampledAt:     time.Now(),
	}, nil
}
