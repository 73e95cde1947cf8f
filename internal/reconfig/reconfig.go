// Package reconfig debounces per-interface network_change events and
// fans out reconfigure_attachment calls to every affected container with
// bounded concurrency.
package reconfig

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"

	"orcagent/internal/netmon"
	"orcagent/internal/registry"
)

// DebounceWindow is the fixed coalescing window.
const DebounceWindow = 3 * time.Second

// DefaultFanOut bounds concurrent per-container reconfigurations.
const DefaultFanOut = 4

// Reconfigurer is the subset of the Container Lifecycle Engine the loop
// drives; satisfied by *engine.Lifecycle.
type Reconfigurer interface {
	ReconfigureAttachment(ctx context.Context, name, changedInterface, newSubnet, newGateway string) error
}

// RegistrySnapshotter is the subset of the Container Registry the loop
// reads; satisfied by *registry.Registry.
type RegistrySnapshotter interface {
	Snapshot() []registry.Record
}

// Loop owns the per-interface debounce timers and the bounded worker
// pool that executes reconfigurations.
type Loop struct {
	lifecycle Reconfigurer
	reg       RegistrySnapshotter
	fanOut    int

	mu      sync.Mutex
	pending map[string]netmon.Interface
	timers  map[string]*time.Timer

	sem chan struct{}
}

// New constructs a Loop. fanOut<=0 uses DefaultFanOut.
func New(lifecycle Reconfigurer, reg RegistrySnapshotter, fanOut int) *Loop {
	if fanOut <= 0 {
		fanOut = DefaultFanOut
	}
	return &Loop{
		lifecycle: lifecycle,
		reg:       reg,
		fanOut:    fanOut,
		pending:   make(map[string]netmon.Interface),
		timers:    make(map[string]*time.Timer),
		sem:       make(chan struct{}, fanOut),
	}
}

// OnChange is the netmon.ChangeHandler to register with the event
// stream client. It (re)starts the debounce timer for f.Interface; only
// the last event within the window is acted on.
func (l *Loop) OnChange(f netmon.Interface) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.pending[f.Interface] = f
	if t, ok := l.timers[f.Interface]; ok {
		t.Stop()
	}
	l.timers[f.Interface] = time.AfterFunc(DebounceWindow, func() {
		l.fire(f.Interface)
	})
}

func (l *Loop) fire(iface string) {
	l.mu.Lock()
	f, ok := l.pending[iface]
	delete(l.pending, iface)
	delete(l.timers, iface)
	l.mu.Unlock()
	if !ok {
		return
	}

	if len(f.IPv4Addresses) == 0 {
		slog.Warn("network_change debounce fired with no IPv4 address, skipping", "interface", iface)
		return
	}
	newSubnet := f.IPv4Addresses[0].Subnet
	newGateway := f.Gateway

	l.reconfigureAffected(context.Background(), iface, newSubnet, newGateway)
}

// reconfigureAffected runs reconfigure_attachment for every registry
// record containing a vNIC on changedInterface, bounded by fanOut
// concurrent operations. Per-container errors are aggregated and logged;
// a failure for one container never blocks another.
func (l *Loop) reconfigureAffected(ctx context.Context, changedInterface, newSubnet, newGateway string) {
	var (
		mu      sync.Mutex
		wg      sync.WaitGroup
		allErrs *multierror.Error
	)

	for _, rec := range l.reg.Snapshot() {
		if !recordUsesInterface(rec, changedInterface) {
			continue
		}

		name := rec.Name
		l.sem <- struct{}{}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-l.sem }()

			if err := l.lifecycle.ReconfigureAttachment(ctx, name, changedInterface, newSubnet, newGateway); err != nil {
				mu.Lock()
				allErrs = multierror.Append(allErrs, err)
				mu.Unlock()
				slog.Error("reconfigure_attachment failed, will retry on next change", "container", name, "interface", changedInterface, "error", err)
			}
		}()
	}

	wg.Wait()
	if allErrs != nil {
		slog.Warn("reconfiguration pass completed with errors", "interface", changedInterface, "error_count", allErrs.Len())
	}
}

func recordUsesInterface(rec registry.Record, iface string) bool {
	for _, v := range rec.Vnics {
		if v.ParentInterface == iface {
			return true
		}
	}
	return false
}

// Shutdown allows in-flight reconfigurations to finish without starting
// new work.
func (l *Loop) Shutdown(ctx context.Context) {
	l.mu.Lock()
	for _, t := range l.timers {
		t.Stop()
	}
	l.timers = make(map[string]*time.Timer)
	l.pending = make(map[string]netmon.Interface)
	l.mu.Unlock()

	done := make(chan struct{})
	go func() {
		for i := 0; i < l.fanOut; i++ {
			l.sem <- struct{}{}
		}
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		slog.Warn("shutdown timed out waiting for in-flight reconfigurations")
	}
}
