// Package sysinfo collects a short host health summary: uptime, CPU, memory,
// disk usage and load average.
package sysinfo

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"
)

// DefaultCPUSample is how long CPU usage is sampled.
const DefaultCPUSample = 500 * time.Millisecond

// Snapshot is one reading of host statistics.
type Snapshot struct {
	Uptime      time.Duration
	CPUPercent  float64
	MemPercent  float64
	MemUsed     uint64
	MemTotal    uint64
	DiskPercent float64
	DiskUsed    uint64
	DiskTotal   uint64
	Load1       float64
	Load5       float64
	Load15      float64
}

// Sources abstracts the host readers so tests can substitute fixed readings.
type Sources struct {
	BootTime func(ctx context.Context) (uint64, error)
	CPU      func(ctx context.Context, sample time.Duration) (float64, error)
	Memory   func(ctx context.Context) (*mem.VirtualMemoryStat, error)
	Disk     func(ctx context.Context, path string) (*disk.UsageStat, error)
	Load     func(ctx context.Context) (*load.AvgStat, error)
}

// HostSources reads from the running host via gopsutil.
func HostSources() Sources {
	return Sources{
		BootTime: host.BootTimeWithContext,
		CPU: func(ctx context.Context, sample time.Duration) (float64, error) {
			pct, err := cpu.PercentWithContext(ctx, sample, false)
			if err != nil {
				return 0, err
			}
			if len(pct) == 0 {
				return 0, fmt.Errorf("no cpu samples")
			}
			return pct[0], nil
		},
		Memory: mem.VirtualMemoryWithContext,
		Disk:   disk.UsageWithContext,
		Load:   load.AvgWithContext,
	}
}

// Reporter collects snapshots.
type Reporter struct {
	src       Sources
	diskPath  string
	cpuSample time.Duration
	now       func() time.Time
	logger    *slog.Logger
}

// NewReporter creates a Reporter over src. diskPath is the mount point whose
// usage is reported ("/" when empty).
func NewReporter(src Sources, diskPath string, logger *slog.Logger) *Reporter {
	if diskPath == "" {
		diskPath = "/"
	}
	return &Reporter{
		src:       src,
		diskPath:  diskPath,
		cpuSample: DefaultCPUSample,
		now:       time.Now,
		logger:    logger,
	}
}

// Collect reads every source. A failing source is logged and leaves its fields
// zero; Collect only fails when every source failed.
func (r *Reporter) Collect(ctx context.Context) (Snapshot, error) {
	var (
		s      Snapshot
		failed int
		errs   []string
	)
	fail := func(source string, err error) {
		failed++
		errs = append(errs, source+": "+err.Error())
		r.logger.WarnContext(ctx, "sysinfo read failed",
			slog.String("source", source),
			slog.String("error", err.Error()),
		)
	}

	if boot, err := r.src.BootTime(ctx); err != nil {
		fail("uptime", err)
	} else {
		s.Uptime = r.now().Sub(time.Unix(int64(boot), 0))
	}
	if pct, err := r.src.CPU(ctx, r.cpuSample); err != nil {
		fail("cpu", err)
	} else {
		s.CPUPercent = pct
	}
	if vm, err := r.src.Memory(ctx); err != nil {
		fail("memory", err)
	} else {
		s.MemPercent, s.MemUsed, s.MemTotal = vm.UsedPercent, vm.Used, vm.Total
	}
	if du, err := r.src.Disk(ctx, r.diskPath); err != nil {
		fail("disk", err)
	} else {
		s.DiskPercent, s.DiskUsed, s.DiskTotal = du.UsedPercent, du.Used, du.Total
	}
	if avg, err := r.src.Load(ctx); err != nil {
		fail("load", err)
	} else {
		s.Load1, s.Load5, s.Load15 = avg.Load1, avg.Load5, avg.Load15
	}

	if failed == 5 {
		return s, fmt.Errorf("collecting host stats: %s", strings.Join(errs, "; "))
	}
	return s, nil
}

// Format renders a snapshot as the multi-line reply text.
func (s Snapshot) Format() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Uptime: %s\n", FormatUptime(s.Uptime))
	fmt.Fprintf(&b, "CPU: %.1f%%\n", s.CPUPercent)
	fmt.Fprintf(&b, "RAM: %.1f%% (%s/%s)\n", s.MemPercent, humanize.IBytes(s.MemUsed), humanize.IBytes(s.MemTotal))
	fmt.Fprintf(&b, "Disk: %.1f%% (%s/%s)\n", s.DiskPercent, humanize.IBytes(s.DiskUsed), humanize.IBytes(s.DiskTotal))
	fmt.Fprintf(&b, "Load avg: %.2f %.2f %.2f", s.Load1, s.Load5, s.Load15)
	return b.String()
}

// FormatUptime renders d as "H:MM:SS", prefixed with "N day(s), " past 24h.
// Sub-second precision is dropped.
func FormatUptime(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	total := int64(d / time.Second)
	days := total / 86400
	rem := total % 86400
	clock := fmt.Sprintf("%d:%02d:%02d", rem/3600, rem%3600/60, rem%60)
	switch days {
	case 0:
		return clock
	case 1:
		return "1 day, " + clock
	default:
		return fmt.Sprintf("%d days, %s", days, clock)
	}
}
