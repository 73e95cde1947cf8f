// Package telemetry implements a 5-second heartbeat publishing the
// agent's identity and current resource usage while the cloud session
// is connected, reading CPU, memory, disk, and uptime non-blocking each
// tick through internal/metrics.Sampler.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"orcagent/internal/metrics"
)

// Interval is the fixed heartbeat cadence.
const Interval = 5 * time.Second

// Emitter publishes Emit(topic, payload) calls carrying the heartbeat
// schema while running. A sampling failure logs and skips one tick; it
// never stops the emitter.
type Emitter struct {
	agentID            func() string
	sampler            *metrics.Sampler
	self               *metrics.Buffer
	devices            *metrics.DeviceBuffers
	collectDeviceStats func(ctx context.Context, name string) (cpuPercent, memoryMB float64, err error)
	emit               func(topic string, payload map[string]any) error

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
}

// New constructs an emitter. agentID returns the certificate CN (cached
// by identity.Trust); emit is typically (*cloudsession.Session).Emit.
// collectDeviceStats reads one CPU/memory sample for a managed
// container, typically (*engine.DockerEngine).ContainerStats; devices
// is the registry of currently managed containers each tick samples.
func New(agentID func() string, sampler *metrics.Sampler, self *metrics.Buffer, devices *metrics.DeviceBuffers, collectDeviceStats func(ctx context.Context, name string) (float64, float64, error), emit func(topic string, payload map[string]any) error) *Emitter {
	return &Emitter{agentID: agentID, sampler: sampler, self: self, devices: devices, collectDeviceStats: collectDeviceStats, emit: emit}
}

// EnsureRunning starts the heartbeat loop if it is not already running.
// Satisfies dispatcher.TelemetryController, invoked from the "connect"
// topic handler.
func (e *Emitter) EnsureRunning(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.running = true
	go e.loop(runCtx)
}

// Stop halts the heartbeat loop. A no-op if it is not running.
func (e *Emitter) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running {
		return
	}
	e.cancel()
	e.running = false
}

// Running reports whether the heartbeat loop is currently active.
func (e *Emitter) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

func (e *Emitter) loop(ctx context.Context) {
	defer func() {
		e.mu.Lock()
		e.running = false
		e.mu.Unlock()
	}()

	ticker := time.NewTicker(Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.tick()
		}
	}
}

func (e *Emitter) tick() {
	now := time.Now()
	snap, err := e.sampler.Sample(context.Background())
	if err != nil {
		slog.Warn("telemetry sampling failed, skipping this tick", "error", err)
		return
	}

	if e.self != nil {
		e.self.Add(snap.CPUPercent, snap.MemoryUsedGB*1024, now)
	}

	e.collectAllDeviceStats(now)

	payload := map[string]any{
		"agent_id":     e.agentID(),
		"cpu_usage":    snap.CPUPercent,
		"memory_usage": snap.MemoryUsedGB,
		"memory_total": snap.MemoryTotalGB,
		"disk_usage":   snap.DiskUsedGB,
		"disk_total":   snap.DiskTotalGB,
		"uptime":       snap.UptimeSeconds,
		"status":       "online",
		"timestamp":    now.Format(time.RFC3339),
	}

	if e.emit == nil {
		return
	}
	if err := e.emit("heartbeat", payload); err != nil {
		slog.Debug("heartbeat dropped, session disconnected", "error", err)
	}
}

// collectAllDeviceStats samples every currently managed container,
// recording one point into its buffer. A single container's failure is
// logged and skipped; it never aborts the rest of the sweep.
func (e *Emitter) collectAllDeviceStats(now time.Time) {
	if e.devices == nil || e.collectDeviceStats == nil {
		return
	}
	for _, id := range e.devices.DeviceIDs() {
		cpuPct, memoryMB, err := e.collectDeviceStats(context.Background(), id)
		if err != nil {
			slog.Warn("device stats collection failed, skipping", "device_id", id, "error", err)
			continue
		}
		e.devices.AddSample(id, cpuPct, memoryMB, now)
	}
}
