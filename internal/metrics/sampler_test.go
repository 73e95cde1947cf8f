package metrics

import (
	"context"
	"testing"
	"time"

	godisk "github.com/shirou/gopsutil/v4/disk"
	gomem "github.com/shirou/gopsutil/v4/mem"
)

func TestSamplerSampleUsesMockedSyscalls(t *testing.T) {
	origCPU, origMem, origParts, origUsage := cpuPercent, virtualMemory, diskPartitions, diskUsage
	defer func() {
		cpuPercent, virtualMemory, diskPartitions, diskUsage = origCPU, origMem, origParts, origUsage
	}()

	cpuPercent = func(ctx context.Context, interval time.Duration, percpu bool) ([]float64, error) {
		return []float64{42.5}, nil
	}
	virtualMemory = func(ctx context.Context) (*gomem.VirtualMemoryStat, error) {
		return &gomem.VirtualMemoryStat{Used: 2 * 1024 * 1024 * 1024, Total: 8 * 1024 * 1024 * 1024}, nil
	}
	diskPartitions = func(ctx context.Context, all bool) ([]godisk.PartitionStat, error) {
		return []godisk.PartitionStat{
			{Mountpoint: "/", Fstype: "ext4"},
			{Mountpoint: "/dev/shm", Fstype: "tmpfs"},
		}, nil
	}
	diskUsage = func(ctx context.Context, path string) (*godisk.UsageStat, error) {
		if path == "/" {
			return &godisk.UsageStat{Used: 10 * 1024 * 1024 * 1024, Total: 100 * 1024 * 1024 * 1024}, nil
		}
		return &godisk.UsageStat{Used: 1, Total: 1}, nil
	}

	s := NewSampler()
	snap, err := s.Sample(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if snap.CPUPercent != 42.5 {
		t.Fatalf("CPUPercent = %v, want 42.5", snap.CPUPercent)
	}
	if snap.MemoryUsedGB != 2 || snap.MemoryTotalGB != 8 {
		t.Fatalf("memory = %v/%v, want 2/8", snap.MemoryUsedGB, snap.MemoryTotalGB)
	}
	if snap.DiskUsedGB != 10 || snap.DiskTotalGB != 100 {
		t.Fatalf("disk = %v/%v, want 10/100 (tmpfs must be excluded)", snap.DiskUsedGB, snap.DiskTotalGB)
	}
}

func TestClampPercent(t *testing.T) {
	cases := map[float64]float64{-5: 0, 0: 0, 50: 50, 100: 100, 150: 100}
	for in, want := range cases {
		if got := clampPercent(in); got != want {
			t.Errorf("clampPercent(%v) = %v, want %v", in, got, want)
		}
	}
}

func TestIsPseudoFilesystem(t *testing.T) {
	if !isPseudoFilesystem("tmpfs") {
		t.Error("tmpfs should be a pseudo filesystem")
	}
	if isPseudoFilesystem("ext4") {
		t.Error("ext4 should not be a pseudo filesystem")
	}
}
