// Package metrics samples host CPU, memory, disk, and uptime for the
// agent's own telemetry and feeds per-container consumption buffers.
// Syscalls are reached through package-level vars so tests can mock
// them.
package metrics

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/docker/go-units"
	gocpu "github.com/shirou/gopsutil/v4/cpu"
	godisk "github.com/shirou/gopsutil/v4/disk"
	gomem "github.com/shirou/gopsutil/v4/mem"
)

// System call wrappers, indirected for testing.
var (
	cpuPercent     = gocpu.PercentWithContext
	virtualMemory  = gomem.VirtualMemoryWithContext
	diskPartitions = godisk.PartitionsWithContext
	diskUsage      = godisk.UsageWithContext
)

// pseudoFilesystems are virtual mounts that do not represent real
// storage and must not be counted toward disk totals, trimmed to the
// types relevant on a Linux edge host.
var pseudoFilesystems = map[string]bool{
	"tmpfs":      true,
	"devtmpfs":   true,
	"cgroup":     true,
	"cgroup2":    true,
	"sysfs":      true,
	"proc":       true,
	"devpts":     true,
	"securityfs": true,
	"debugfs":    true,
	"tracefs":    true,
	"fusectl":    true,
	"configfs":   true,
	"pstore":     true,
	"hugetlbfs":  true,
	"mqueue":     true,
	"bpf":        true,
	"overlay":    true,
	"overlayfs":  true,
	"autofs":     true,
	"squashfs":   true,
}

func isPseudoFilesystem(fstype string) bool {
	return pseudoFilesystems[strings.ToLower(strings.TrimSpace(fstype))]
}

// Snapshot is a point-in-time read of host resource usage.
type Snapshot struct {
	CPUPercent    float64
	MemoryUsedGB  float64
	MemoryTotalGB float64
	DiskUsedGB    float64
	DiskTotalGB   float64
	UptimeSeconds int64
}

// Sampler tracks process start time and caches memory and disk totals,
// read once at construction since a host's physical capacity does not
// change between ticks. CPU readings never block the caller on a fixed
// sampling interval: construction seeds gopsutil's internal delta
// tracker with a zero-interval (non-blocking) read and every subsequent
// call diffs against the previous one.
type Sampler struct {
	startedAt time.Time
	seedOnce  sync.Once

	memoryTotalGB float64
	diskTotalGB   float64
}

// NewSampler starts the uptime clock, primes the non-blocking CPU
// percentage tracker, and caches the host's total memory and disk
// capacity.
func NewSampler() *Sampler {
	s := &Sampler{startedAt: time.Now()}
	s.seed()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if mem, err := virtualMemory(ctx); err == nil {
		s.memoryTotalGB = bytesToGB(mem.Total)
	}
	_, s.diskTotalGB = sumDiskUsage(ctx)

	return s
}

func (s *Sampler) seed() {
	s.seedOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_, _ = cpuPercent(ctx, 0, false)
	})
}

// Sample collects a fresh Snapshot. CPU usage is read with a zero
// interval, returning the delta since the previous call instead of
// blocking for a full sampling window. Memory/disk totals come from the
// cache primed in NewSampler; only the used figures are read fresh.
func (s *Sampler) Sample(ctx context.Context) (Snapshot, error) {
	sampleCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var snap Snapshot
	snap.UptimeSeconds = int64(time.Since(s.startedAt).Seconds())
	snap.MemoryTotalGB = s.memoryTotalGB
	snap.DiskTotalGB = s.diskTotalGB

	if pcts, err := cpuPercent(sampleCtx, 0, false); err == nil && len(pcts) > 0 {
		snap.CPUPercent = clampPercent(pcts[0])
	}

	if mem, err := virtualMemory(sampleCtx); err == nil {
		snap.MemoryUsedGB = bytesToGB(mem.Used)
	}

	usedGB, _ := sumDiskUsage(sampleCtx)
	snap.DiskUsedGB = usedGB

	slog.Debug("sampled host resource usage",
		"cpu_percent", snap.CPUPercent,
		"memory", units.BytesSize(snap.MemoryUsedGB*1024*1024*1024)+"/"+units.BytesSize(snap.MemoryTotalGB*1024*1024*1024),
		"disk", units.BytesSize(snap.DiskUsedGB*1024*1024*1024)+"/"+units.BytesSize(snap.DiskTotalGB*1024*1024*1024),
	)

	return snap, nil
}

// sumDiskUsage aggregates used/total bytes across every real (non
// pseudo) mounted filesystem, deduplicating by backing device so a
// device bind-mounted at multiple paths is only counted once.
func sumDiskUsage(ctx context.Context) (usedGB, totalGB float64) {
	partitions, err := diskPartitions(ctx, true)
	if err != nil {
		return 0, 0
	}

	seen := make(map[string]struct{}, len(partitions))
	var usedBytes, totalBytes uint64
	for _, part := range partitions {
		if part.Mountpoint == "" || isPseudoFilesystem(part.Fstype) {
			continue
		}
		if _, ok := seen[part.Device]; ok {
			continue
		}
		seen[part.Device] = struct{}{}

		usage, err := diskUsage(ctx, part.Mountpoint)
		if err != nil || usage.Total == 0 {
			continue
		}
		usedBytes += usage.Used
		totalBytes += usage.Total
	}
	return bytesToGB(usedBytes), bytesToGB(totalBytes)
}

func bytesToGB(b uint64) float64 {
	return round1(float64(b) / (1024 * 1024 * 1024))
}

func round1(v float64) float64 {
	return float64(int64(v*10+0.5)) / 10
}

func clampPercent(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
