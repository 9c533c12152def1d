package serverstate

import (
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/gaspardpetit/genpool/internal/logx"
)

// HostStats is a coarse view of the machine running the server.
type HostStats struct {
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryPercent float64 `json:"memory_percent"`
	MemoryUsedMB  uint64  `json:"memory_used_mb"`
	MemoryTotalMB uint64  `json:"memory_total_mb"`
}

// Host samples CPU and memory usage. Fields that cannot be read stay zero.
func Host() HostStats {
	var hs HostStats
	if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
		hs.CPUPercent = pct[0]
	} else if err != nil {
		logx.Log.Debug().Err(err).Msg("host cpu")
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		hs.MemoryPercent = vm.UsedPercent
		hs.MemoryUsedMB = vm.Used / (1 << 20)
		hs.MemoryTotalMB = vm.Total / (1 << 20)
	} else {
		logx.Log.Debug().Err(err).Msg("host memory")
	}
	return hs
}
