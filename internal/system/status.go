package system

import (
	"context"
	"fmt"
	"os"
	"time"

	gocpu "github.com/shirou/gopsutil/v4/cpu"
	godisk "github.com/shirou/gopsutil/v4/disk"
	gohost "github.com/shirou/gopsutil/v4/host"
	goload "github.com/shirou/gopsutil/v4/load"
	gomem "github.com/shirou/gopsutil/v4/mem"
)

// System call wrappers for testing
var (
	hostInfo      = gohost.InfoWithContext
	cpuCounts     = gocpu.CountsWithContext
	cpuPercent    = gocpu.PercentWithContext
	loadAvg       = goload.AvgWithContext
	virtualMemory = gomem.VirtualMemoryWithContext
	diskUsage     = godisk.UsageWithContext
	hostnameFn    = os.Hostname
)

// Status is a point-in-time snapshot of the host running the service.
type Status struct {
	Hostname        string    `json:"hostname"`
	Platform        string    `json:"platform,omitempty"`
	UptimeSeconds   uint64    `json:"uptime_seconds"`
	CPUCount        int       `json:"cpu_count"`
	CPUUsagePercent float64   `json:"cpu_usage_percent"`
	LoadAverage     []float64 `json:"load_average,omitempty"`
	Memory          Memory    `json:"memory"`
	DataDisk        *Disk     `json:"data_disk,omitempty"`
	GeneratedAt     time.Time `json:"generated_at"`
}

// Memory describes physical memory usage.
type Memory struct {
	TotalBytes  uint64  `json:"total_bytes"`
	UsedBytes   uint64  `json:"used_bytes"`
	FreeBytes   uint64  `json:"free_bytes"`
	UsedPercent float64 `json:"used_percent"`
}

// Disk describes usage of the filesystem holding the data directory.
type Disk struct {
	Path        string  `json:"path"`
	TotalBytes  uint64  `json:"total_bytes"`
	UsedBytes   uint64  `json:"used_bytes"`
	FreeBytes   uint64  `json:"free_bytes"`
	UsedPercent float64 `json:"used_percent"`
}

// Collector gathers host status snapshots. dataDir is the directory
// holding the database file; its filesystem usage is reported as
// DataDisk.
type Collector struct {
	dataDir string
}

// NewCollector returns a collector reporting disk usage for dataDir.
func NewCollector(dataDir string) *Collector {
	return &Collector{dataDir: dataDir}
}

// Collect gathers a point-in-time snapshot of the host. Optional metrics
// fail soft; only memory stats are required.
func (c *Collector) Collect(ctx context.Context) (Status, error) {
	collectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	status := Status{GeneratedAt: time.Now().UTC()}

	if name, err := hostnameFn(); err == nil {
		status.Hostname = name
	}

	if info, err := hostInfo(collectCtx); err == nil && info != nil {
		status.UptimeSeconds = info.Uptime
		status.Platform = info.Platform
		if status.Hostname == "" {
			status.Hostname = info.Hostname
		}
	}

	if count, err := cpuCounts(collectCtx, true); err == nil {
		status.CPUCount = count
	}

	if usage, err := collectCPUUsage(collectCtx); err == nil {
		status.CPUUsagePercent = usage
	}

	if avg, err := loadAvg(collectCtx); err == nil && avg != nil {
		status.LoadAverage = []float64{avg.Load1, avg.Load5, avg.Load15}
	}

	memStats, err := virtualMemory(collectCtx)
	if err != nil {
		return Status{}, fmt.Errorf("memory stats: %w", err)
	}
	status.Memory = Memory{
		TotalBytes:  memStats.Total,
		UsedBytes:   memStats.Used,
		FreeBytes:   memStats.Free,
		UsedPercent: memStats.UsedPercent,
	}

	if c.dataDir != "" {
		if usage, err := diskUsage(collectCtx, c.dataDir); err == nil && usage.Total > 0 {
			status.DataDisk = &Disk{
				Path:        c.dataDir,
				TotalBytes:  usage.Total,
				UsedBytes:   usage.Used,
				FreeBytes:   usage.Free,
				UsedPercent: usage.UsedPercent,
			}
		}
	}

	return status, nil
}

func collectCPUUsage(ctx context.Context) (float64, error) {
	percentages, err := cpuPercent(ctx, time.Second, false)
	if err != nil {
		return 0, err
	}
	if len(percentages) == 0 {
		return 0, nil
	}

	usage := percentages[0]
	if usage < 0 {
		usage = 0
	}
	if usage > 100 {
		usage = 100
	}
	return usage, nil
}
