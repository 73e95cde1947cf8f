package metrics

import (
	"sync"
	"time"
)

// maxSamples bounds each ring buffer to 48 hours of samples at the
// telemetry heartbeat's 5-second cadence. Data lives in RAM only and is
// lost on restart.
const maxSamples = 48 * 3600 / 5

// Sample is one point-in-time CPU/memory observation.
type Sample struct {
	Timestamp time.Time
	CPUPct    int
	MemoryMB  int
}

// Buffer is a fixed-capacity ring of Samples, overwriting the oldest
// entry once full.
type Buffer struct {
	mu      sync.Mutex
	samples []Sample
	start   int
	count   int
}

// NewBuffer allocates a ring buffer with the standard 48h/5s capacity.
func NewBuffer() *Buffer {
	return &Buffer{samples: make([]Sample, maxSamples)}
}

// Add appends a sample, evicting the oldest one if the buffer is full.
func (b *Buffer) Add(cpuPct, memoryMB float64, now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	idx := (b.start + b.count) % len(b.samples)
	b.samples[idx] = Sample{Timestamp: now, CPUPct: int(cpuPct), MemoryMB: int(memoryMB)}
	if b.count < len(b.samples) {
		b.count++
	} else {
		b.start = (b.start + 1) % len(b.samples)
	}
}

// Samples returns every sample with timestamp in [start, end], oldest
// first. A zero start or end leaves that bound unconstrained.
func (b *Buffer) Samples(start, end time.Time) []Sample {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]Sample, 0, b.count)
	for i := 0; i < b.count; i++ {
		s := b.samples[(b.start+i)%len(b.samples)]
		if !start.IsZero() && s.Timestamp.Before(start) {
			continue
		}
		if !end.IsZero() && s.Timestamp.After(end) {
			continue
		}
		out = append(out, s)
	}
	return out
}

// Size reports the current number of retained samples.
func (b *Buffer) Size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count
}

// Clear empties the buffer.
func (b *Buffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.start, b.count = 0, 0
}

// DeviceBuffers manages one Buffer per container, keyed by device ID.
type DeviceBuffers struct {
	mu      sync.Mutex
	buffers map[string]*Buffer
}

// NewDeviceBuffers constructs an empty per-device buffer manager.
func NewDeviceBuffers() *DeviceBuffers {
	return &DeviceBuffers{buffers: make(map[string]*Buffer)}
}

// Add registers a new device and its buffer, a no-op if already present.
func (d *DeviceBuffers) Add(deviceID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.buffers[deviceID]; !ok {
		d.buffers[deviceID] = NewBuffer()
	}
}

// Remove deletes a device's buffer.
func (d *DeviceBuffers) Remove(deviceID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.buffers, deviceID)
}

// Has reports whether deviceID has a registered buffer.
func (d *DeviceBuffers) Has(deviceID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.buffers[deviceID]
	return ok
}

// DeviceIDs returns every currently registered device ID.
func (d *DeviceBuffers) DeviceIDs() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	ids := make([]string, 0, len(d.buffers))
	for id := range d.buffers {
		ids = append(ids, id)
	}
	return ids
}

// AddSample records a sample for deviceID, silently dropping it if the
// device has not been registered.
func (d *DeviceBuffers) AddSample(deviceID string, cpuPct, memoryMB float64, now time.Time) {
	d.mu.Lock()
	buf, ok := d.buffers[deviceID]
	d.mu.Unlock()
	if !ok {
		return
	}
	buf.Add(cpuPct, memoryMB, now)
}

// Samples returns deviceID's samples in [start, end], or nil if the
// device is unregistered.
func (d *DeviceBuffers) Samples(deviceID string, start, end time.Time) []Sample {
	d.mu.Lock()
	buf, ok := d.buffers[deviceID]
	d.mu.Unlock()
	if !ok {
		return nil
	}
	return buf.Samples(start, end)
}
