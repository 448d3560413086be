package system

import (
	"context"
	"errors"
	"testing"
	"time"

	godisk "github.com/shirou/gopsutil/v4/disk"
	gohost "github.com/shirou/gopsutil/v4/host"
	goload "github.com/shirou/gopsutil/v4/load"
	gomem "github.com/shirou/gopsutil/v4/mem"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stubCollectors(t *testing.T) {
	t.Helper()

	origHostInfo := hostInfo
	origCPUCounts := cpuCounts
	origCPUPercent := cpuPercent
	origLoadAvg := loadAvg
	origVirtualMemory := virtualMemory
	origDiskUsage := diskUsage
	origHostname := hostnameFn
	t.Cleanup(func() {
		hostInfo = origHostInfo
		cpuCounts = origCPUCounts
		cpuPercent = origCPUPercent
		loadAvg = origLoadAvg
		virtualMemory = origVirtualMemory
		diskUsage = origDiskUsage
		hostnameFn = origHostname
	})

	hostnameFn = func() (string, error) { return "care-hub", nil }
	hostInfo = func(ctx context.Context) (*gohost.InfoStat, error) {
		return &gohost.InfoStat{Hostname: "care-hub", Uptime: 3600, Platform: "debian"}, nil
	}
	cpuCounts = func(ctx context.Context, logical bool) (int, error) { return 4, nil }
	cpuPercent = func(ctx context.Context, interval time.Duration, percpu bool) ([]float64, error) {
		return []float64{12.5}, nil
	}
	loadAvg = func(ctx context.Context) (*goload.AvgStat, error) {
		return &goload.AvgStat{Load1: 0.5, Load5: 0.4, Load15: 0.3}, nil
	}
	virtualMemory = func(ctx context.Context) (*gomem.VirtualMemoryStat, error) {
		return &gomem.VirtualMemoryStat{Total: 8 << 30, Used: 2 << 30, Free: 6 << 30, UsedPercent: 25}, nil
	}
	diskUsage = func(ctx context.Context, path string) (*godisk.UsageStat, error) {
		return &godisk.UsageStat{Path: path, Total: 100 << 30, Used: 40 << 30, Free: 60 << 30, UsedPercent: 40}, nil
	}
}

func TestCollect(t *testing.T) {
	stubCollectors(t)

	status, err := NewCollector("/var/lib/agingos").Collect(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "care-hub", status.Hostname)
	assert.Equal(t, "debian", status.Platform)
	assert.Equal(t, uint64(3600), status.UptimeSeconds)
	assert.Equal(t, 4, status.CPUCount)
	assert.Equal(t, 12.5, status.CPUUsagePercent)
	assert.Equal(t, []float64{0.5, 0.4, 0.3}, status.LoadAverage)
	assert.Equal(t, uint64(8<<30), status.Memory.TotalBytes)
	assert.Equal(t, 25.0, status.Memory.UsedPercent)
	require.NotNil(t, status.DataDisk)
	assert.Equal(t, "/var/lib/agingos", status.DataDisk.Path)
	assert.Equal(t, 40.0, status.DataDisk.UsedPercent)
	assert.False(t, status.GeneratedAt.IsZero())
}

func TestCollectMemoryErrorIsFatal(t *testing.T) {
	stubCollectors(t)
	virtualMemory = func(ctx context.Context) (*gomem.VirtualMemoryStat, error) {
		return nil, errors.New("no procfs")
	}

	_, err := NewCollector("").Collect(context.Background())
	require.Error(t, err)
}

func TestCollectOptionalMetricsFailSoft(t *testing.T) {
	stubCollectors(t)
	cpuPercent = func(ctx context.Context, interval time.Duration, percpu bool) ([]float64, error) {
		return nil, errors.New("unsupported")
	}
	loadAvg = func(ctx context.Context) (*goload.AvgStat, error) {
		return nil, errors.New("unsupported")
	}
	diskUsage = func(ctx context.Context, path string) (*godisk.UsageStat, error) {
		return nil, errors.New("unsupported")
	}

	status, err := NewCollector("/data").Collect(context.Background())
	require.NoError(t, err)
	assert.Zero(t, status.CPUUsagePercent)
	assert.Nil(t, status.LoadAverage)
	assert.Nil(t, status.DataDisk)
	assert.Equal(t, uint64(8<<30), status.Memory.TotalBytes)
}

func TestCollectCPUUsageClamped(t *testing.T) {
	stubCollectors(t)
	cpuPercent = func(ctx context.Context, interval time.Duration, percpu bool) ([]float64, error) {
		return []float64{131.2}, nil
	}

	status, err := NewCollector("").Collect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 100.0, status.CPUUsagePercent)
}
