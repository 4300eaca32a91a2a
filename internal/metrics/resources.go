// Package metrics supplies the host resource snapshot the router consults
// before preferring local-capable providers.
package metrics

import (
	"context"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// Snapshot is a point-in-time view of host load.
type Snapshot struct {
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryPercent float64 `json:"memory_percent"`
}

// Source produces resource snapshots. The system sampler reads the host;
// tests use Static.
type Source interface {
	Sample(ctx context.Context) (Snapshot, error)
}

// System samples live host metrics via gopsutil.
type System struct{}

func NewSystem() *System { return &System{} }

func (s *System) Sample(ctx context.Context) (Snapshot, error) {
	var snap Snapshot

	// Interval 0 returns usage since the previous call, avoiding a
	// blocking sample window on the dispatch path.
	percents, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return snap, err
	}
	if len(percents) > 0 {
		snap.CPUPercent = percents[0]
	}

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return snap, err
	}
	snap.MemoryPercent = vm.UsedPercent

	return snap, nil
}

// Static returns a fixed snapshot. Used in tests and as a fallback when
// host sampling is unavailable.
type Static struct {
	S Snapshot
}

func (s *Static) Sample(ctx context.Context) (Snapshot, error) {
	return s.S, nil
}
