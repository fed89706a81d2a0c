package httpcontroller

import (
	"net/http"
	"os"
	"runtime"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

var appStart = time.Now()

// SystemResponse is the body of GET /api/v1/system.
type SystemResponse struct {
	Hostname      string  `json:"hostname"`
	Platform      string  `json:"platform"`
	KernelVersion string  `json:"kernel_version"`
	UptimeSeconds uint64  `json:"uptime_seconds"`
	AppUptime     int64   `json:"app_uptime_seconds"`
	NumCPU        int     `json:"num_cpu"`
	GoVersion     string  `json:"go_version"`
	CPUUsage      float64 `json:"cpu_usage_percent"`
	MemoryTotal   uint64  `json:"memory_total"`
	MemoryUsed    uint64  `json:"memory_used"`
	MemoryUsage   float64 `json:"memory_usage_percent"`
	ProcessMemMB  float64 `json:"process_memory_mb"`
	ProcessCPU    float64 `json:"process_cpu_percent"`
	NumGoroutine  int     `json:"num_goroutine"`
}

// GetSystem handles GET /api/v1/system
func (s *Server) GetSystem(c echo.Context) error {
	ctx := c.Request().Context()

	hostInfo, err := host.InfoWithContext(ctx)
	if err != nil {
		return s.handleError(c, err, "failed to get host information", http.StatusInternalServerError)
	}
	memInfo, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return s.handleError(c, err, "failed to get memory information", http.StatusInternalServerError)
	}

	resp := SystemResponse{
		Hostname:      hostInfo.Hostname,
		Platform:      hostInfo.Platform,
		KernelVersion: hostInfo.KernelVersion,
		UptimeSeconds: hostInfo.Uptime,
		AppUptime:     int64(time.Since(appStart).Seconds()),
		NumCPU:        runtime.NumCPU(),
		GoVersion:     runtime.Version(),
		MemoryTotal:   memInfo.Total,
		MemoryUsed:    memInfo.Used,
		MemoryUsage:   memInfo.UsedPercent,
		NumGoroutine:  runtime.NumGoroutine(),
	}

	// Zero interval compares against the previous call and never blocks the request
	if pct, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(pct) > 0 {
		resp.CPUUsage = pct[0]
	}

	if proc, err := process.NewProcessWithContext(ctx, int32(os.Getpid())); err == nil {
		if mi, err := proc.MemoryInfoWithContext(ctx); err == nil && mi != nil {
			resp.ProcessMemMB = float64(mi.RSS) / 1024 / 1024
		}
		if pc, err := proc.CPUPercentWithContext(ctx); err == nil {
			resp.ProcessCPU = pc
		}
	}

	return c.JSON(http.StatusOK, resp)
}
