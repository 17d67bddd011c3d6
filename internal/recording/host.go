package recording

import (
	"context"
	"fmt"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
	psnet "github.com/shirou/gopsutil/v4/net"
)

// HostSampler reads machine-wide CPU, memory and network counters. CPU usage
// is measured since the previous call.
type HostSampler struct{}

func (HostSampler) Sample(ctx context.Context) (Sample, error) {
	s := Sample{Time: time.Now()}
	pct, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return s, fmt.Errorf("reading cpu: %w", err)
	}
	if len(pct) > 0 {
		s.CPUPercent = pct[0]
	}
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return s, fmt.Errorf("reading memory: %w", err)
	}
	s.MemUsed = vm.Used
	s.MemPercent = vm.UsedPercent
	io, err := psnet.IOCountersWithContext(ctx, false)
	if err != nil {
		return s, fmt.Errorf("reading network counters: %w", err)
	}
	if len(io) > 0 {
		s.NetSent = io[0].BytesSent
		s.NetRecv = io[0].BytesRecv
	}
	return s, nil
}
