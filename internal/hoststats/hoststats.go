// Package hoststats samples host resource usage for the dashboard.
package hoststats

import (
	"context"
	"log/slog"
	"math"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/net"
)

const bytesPerMB = 1024 * 1024

// Snapshot is one sample. Percentages are 0..100; NetSentMB is the total
// sent since boot, rounded to two decimals.
type Snapshot struct {
	CPU       float64 `json:"cpu"`
	RAM       float64 `json:"ram"`
	Disk      float64 `json:"disk"`
	NetSentMB float64 `json:"net_sent"`
}

type probes struct {
	cpuPercent  func(ctx context.Context) (float64, error)
	memPercent  func(ctx context.Context) (float64, error)
	diskPercent func(ctx context.Context, path string) (float64, error)
	bytesSent   func(ctx context.Context) (uint64, error)
}

type Collector struct {
	diskPath string
	probes   probes
	logger   *slog.Logger
}

type Option func(*Collector)

func WithLogger(logger *slog.Logger) Option {
	return func(c *Collector) {
		if logger != nil {
			c.logger = logger
		}
	}
}

func withProbes(p probes) Option {
	return func(c *Collector) {
		c.probes = p
	}
}

func NewCollector(diskPath string, options ...Option) *Collector {
	if diskPath == "" {
		diskPath = "/"
	}
	c := &Collector{
		diskPath: diskPath,
		probes:   systemProbes(),
		logger:   slog.Default(),
	}
	for _, option := range options {
		if option != nil {
			option(c)
		}
	}
	return c
}

// Sample reads every metric. A probe that fails reports zero and is logged;
// the rest of the snapshot is still returned.
func (c *Collector) Sample(ctx context.Context) Snapshot {
	var snap Snapshot
	var err error

	if snap.CPU, err = c.probes.cpuPercent(ctx); err != nil {
		c.warn("cpu", err)
	}
	if snap.RAM, err = c.probes.memPercent(ctx); err != nil {
		c.warn("ram", err)
	}
	if snap.Disk, err = c.probes.diskPercent(ctx, c.diskPath); err != nil {
		c.warn("disk", err)
	}
	sent, err := c.probes.bytesSent(ctx)
	if err != nil {
		c.warn("net", err)
	}
	snap.NetSentMB = toMB(sent)
	return snap
}

func (c *Collector) warn(metric string, err error) {
	c.logger.Warn("host stats probe failed",
		slog.String("metric", metric),
		slog.String("error", err.Error()),
	)
}

func toMB(b uint64) float64 {
	return math.Round(float64(b)/bytesPerMB*100) / 100
}

func systemProbes() probes {
	return probes{
		cpuPercent: func(ctx context.Context) (float64, error) {
			// Interval 0 compares against the previous call.
			values, err := cpu.PercentWithContext(ctx, 0, false)
			if err != nil || len(values) == 0 {
				return 0, err
			}
			return values[0], nil
		},
		memPercent: func(ctx context.Context) (float64, error) {
			vm, err := mem.VirtualMemoryWithContext(ctx)
			if err != nil {
				return 0, err
			}
			return vm.UsedPercent, nil
		},
		diskPercent: func(ctx context.Context, path string) (float64, error) {
			usage, err := disk.UsageWithContext(ctx, path)
			if err != nil {
				return 0, err
			}
			return usage.UsedPercent, nil
		},
		bytesSent: func(ctx context.Context) (uint64, error) {
			counters, err := net.IOCountersWithContext(ctx, false)
			if err != nil || len(counters) == 0 {
				return 0, err
			}
			return counters[0].BytesSent, nil
		},
	}
}
