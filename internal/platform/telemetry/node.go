package telemetry

import (
	"context"
	"net/http"
	"runtime"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
)

// NodeStats is the host snapshot served at /health/node.
type NodeStats struct {
	Status           string  `json:"status"`
	ProcessUptimeSec int64   `json:"process_uptime_seconds"`
	HostUptimeSec    uint64  `json:"host_uptime_seconds"`
	CPUPercent       float64 `json:"cpu_percent"`
	MemoryUsedPct    float64 `json:"memory_used_percent"`
	MemoryUsedMB     float64 `json:"memory_used_mb"`
	Goroutines       int     `json:"goroutines"`
}

// NodeMonitor collects host statistics through gopsutil.
type NodeMonitor struct {
	started time.Time

	// overridable in tests
	cpuPercent func(ctx context.Context) (float64, error)
	memory     func(ctx context.Context) (*mem.VirtualMemoryStat, error)
	uptime     func(ctx context.Context) (uint64, error)
}

func NewNodeMonitor() *NodeMonitor {
	return &NodeMonitor{
		started: time.Now(),
		cpuPercent: func(ctx context.Context) (float64, error) {
			pct, err := cpu.PercentWithContext(ctx, 0, false)
			if err != nil || len(pct) == 0 {
				return 0, err
			}
			return pct[0], nil
		},
		memory: mem.VirtualMemoryWithContext,
		uptime: host.UptimeWithContext,
	}
}

// Collect gathers a snapshot. Individual collector failures degrade the status
// instead of failing the whole call.
func (p *NodeMonitor) Collect(ctx context.Context) NodeStats {
	stats := NodeStats{
		Status:           "ok",
		ProcessUptimeSec: int64(time.Since(p.started).Seconds()),
		Goroutines:       runtime.NumGoroutine(),
	}

	if pct, err := p.cpuPercent(ctx); err == nil {
		stats.CPUPercent = pct
	} else {
		stats.Status = "degraded"
	}
	if vm, err := p.memory(ctx); err == nil && vm != nil {
		stats.MemoryUsedPct = vm.UsedPercent
		stats.MemoryUsedMB = float64(vm.Used) / (1024 * 1024)
	} else {
		stats.Status = "degraded"
	}
	if up, err := p.uptime(ctx); err == nil {
		stats.HostUptimeSec = up
	} else {
		stats.Status = "degraded"
	}
	return stats
}

func (p *NodeMonitor) Handler() echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 2*time.Second)
		defer cancel()
		return c.JSON(http.StatusOK, p.Collect(ctx))
	}
}
