package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"orcagent/internal/oplock"
	"orcagent/internal/registry"
	"orcagent/internal/tracing"
	"orcagent/internal/vnic"
)

var tracer = tracing.Tracer("orcagent/engine")

// InterfaceResolver resolves a host interface's current subnet/gateway
// from the interface cache when a vNIC does not carry its own
// parent_subnet/parent_gateway.
type InterfaceResolver interface {
	Lookup(iface string) (subnet, gateway string, ok bool)
}

// Lifecycle implements the container lifecycle engine on top of a
// ContainerEngine capability, the container registry, and the operation
// state tracker.
type Lifecycle struct {
	eng         ContainerEngine
	reg         *registry.Registry
	ops         *oplock.Tracker
	ifaces      InterfaceResolver
	callTimeout time.Duration
}

// New constructs a Lifecycle engine. callTimeout bounds every engine
// call (default 30s per spec §5 if zero is passed).
func New(eng ContainerEngine, reg *registry.Registry, ops *oplock.Tracker, ifaces InterfaceResolver, callTimeout time.Duration) *Lifecycle {
	if callTimeout <= 0 {
		callTimeout = 30 * time.Second
	}
	return &Lifecycle{eng: eng, reg: reg, ops: ops, ifaces: ifaces, callTimeout: callTimeout}
}

func (l *Lifecycle) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, l.callTimeout)
}

// CreateAck is the immediate reply to a create_runtime command.
type CreateAck struct {
	Status      string
	ContainerID string
}

// CreateRuntime begins background creation of name and returns an
// immediate ack once the operation slot is claimed. image is the
// canonical image reference to pull.
func (l *Lifecycle) CreateRuntime(ctx context.Context, name, image string, vnics []vnic.Config) (CreateAck, error) {
	ctx, span := tracer.Start(ctx, "create_runtime", trace.WithAttributes(
		attribute.String("container", name),
		attribute.String("image", image),
	))
	defer span.End()

	if rec, ok := l.reg.Get(name); ok && rec.State == registry.StateRunning {
		span.SetAttributes(attribute.String("result", "already_exists"))
		return CreateAck{Status: "already_exists", ContainerID: name}, nil
	}

	if err := l.ops.Begin(name, oplock.StateCreating); err != nil {
		wrapped := newError(KindBusy, "create_runtime", err)
		recordSpanError(span, wrapped)
		return CreateAck{}, wrapped
	}

	if err := l.checkMACConflicts(ctx, vnics); err != nil {
		l.ops.Fail(name, err)
		recordSpanError(span, err)
		return CreateAck{}, err
	}

	go l.runCreate(name, image, vnics)

	return CreateAck{Status: "creating", ContainerID: name}, nil
}

// recordSpanError marks span as failed, matching the teacher's
// RecordError+SetStatus pairing at every SDK call site.
func recordSpanError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

func (l *Lifecycle) checkMACConflicts(ctx context.Context, vnics []vnic.Config) error {
	for _, v := range vnics {
		if v.Mode != vnic.ModeManual || v.MACAddress == "" {
			continue
		}
		existing, err := ExistingMACAddressesOnInterface(ctx, l.eng, v.ParentInterface)
		if err != nil {
			return err
		}
		if owner, conflict := existing[normalizedMAC(v.MACAddress)]; conflict {
			return newError(KindMACConflict, fmt.Sprintf("MAC %s already in use by %s on %s", v.MACAddress, owner, v.ParentInterface), nil)
		}
	}
	return nil
}

func normalizedMAC(mac string) string {
	out := make([]byte, len(mac))
	for i := 0; i < len(mac); i++ {
		c := mac[i]
		if c >= 'A' && c <= 'Z' {
			c += 'a' - 'A'
		}
		out[i] = c
	}
	return string(out)
}

func (l *Lifecycle) runCreate(name, image string, vnics []vnic.Config) {
	ctx, span := tracer.Start(context.Background(), "create_runtime.build", trace.WithAttributes(
		attribute.String("container", name),
	))
	defer span.End()

	ctx, cancel := l.withTimeout(ctx)
	defer cancel()

	if err := l.create(ctx, name, image, vnics); err != nil {
		slog.Error("create_runtime failed", "container", name, "error", err)
		recordSpanError(span, err)
		l.ops.Fail(name, err)
		return
	}
	l.ops.End(name)
}

func (l *Lifecycle) create(ctx context.Context, name, image string, vnics []vnic.Config) error {
	l.ops.SetStep(name, "pulling_image")
	if err := l.eng.PullImage(ctx, image); err != nil {
		hasLocal, inspectErr := l.eng.HasLocalImage(ctx, image)
		if inspectErr != nil || !hasLocal {
			return newError(KindImageUnavailable, "pull failed and no local image "+image, err)
		}
	}

	l.ops.SetStep(name, "creating_internal_network")
	internalName := vnic.InternalNetworkName(name)
	if _, err := l.eng.EnsureBridgeNetwork(ctx, internalName, true); err != nil {
		return newError(KindEngineError, "ensure internal network "+internalName, err)
	}

	l.ops.SetStep(name, "resolving_attachments")
	type resolved struct {
		v       vnic.Config
		network string
		subnet  string
		gateway string
	}
	resolvedVnics := make([]resolved, 0, len(vnics))
	for _, v := range vnics {
		subnet, gateway, err := l.resolveParentNetwork(v)
		if err != nil {
			return err
		}
		canon, err := vnic.CanonicalSubnet(subnet, "")
		if err != nil {
			canon = subnet
		}
		netName := vnic.AttachmentNetworkName(v.ParentInterface, canon)
		resolvedVnics = append(resolvedVnics, resolved{v: v, network: netName, subnet: canon, gateway: gateway})
	}

	l.ops.SetStep(name, "creating_attachment_networks")
	// actual maps each canonical network name to the network really used,
	// which differs when an existing overlapping network was reused.
	actual := make(map[string]string)
	for _, r := range resolvedVnics {
		if _, ok := actual[r.network]; ok {
			continue
		}
		nw, err := EnsureAttachmentNetwork(ctx, l.eng, r.network, r.v.ParentInterface, r.subnet, r.gateway)
		if err != nil {
			return err
		}
		actual[r.network] = r.network
		if nw.Name != "" {
			actual[r.network] = nw.Name
		}
	}
	for i := range resolvedVnics {
		resolvedVnics[i].network = actual[resolvedVnics[i].network]
	}

	l.ops.SetStep(name, "creating_container")
	if err := l.eng.CreateContainer(ctx, name, image); err != nil {
		return newError(KindEngineError, "create container "+name, err)
	}

	l.ops.SetStep(name, "connecting_networks")
	if err := l.eng.ConnectNetwork(ctx, name, internalName, ConnectSpec{}); err != nil {
		return newError(KindEngineError, "connect "+name+" to "+internalName, err)
	}
	for _, r := range resolvedVnics {
		if err := l.eng.ConnectNetwork(ctx, name, r.network, vnicConnectSpec(r.v)); err != nil {
			return newError(KindEngineError, "connect "+name+" to "+r.network, err)
		}
	}

	l.ops.SetStep(name, "connecting_agent_to_internal")
	if err := l.eng.ConnectNetwork(ctx, "orcagent", internalName, ConnectSpec{}); err != nil {
		slog.Warn("failed to attach agent to container's internal network", "container", name, "error", err)
	}

	l.ops.SetStep(name, "persisting_registry")
	internalIP := ""
	if info, err := l.eng.InspectContainer(ctx, name); err == nil {
		internalIP = info.InternalIP
	}
	// Persist each vNIC's resolved canonical parent subnet/gateway, not
	// the raw input: a DHCP vNIC with no parent_subnet resolves it from
	// the interface cache, and delete/reconfigure need that same value
	// later to recompute the attachment network's name.
	persistedVnics := make([]vnic.Config, len(resolvedVnics))
	for i, r := range resolvedVnics {
		persisted := r.v
		persisted.ParentSubnet = r.subnet
		persisted.ParentGateway = r.gateway
		persistedVnics[i] = persisted
	}
	if err := l.reg.Put(name, persistedVnics, internalIP, registry.StateRunning); err != nil {
		slog.Warn("registry persistence failed, keeping in-memory state", "container", name, "error", err)
	}

	return nil
}

func (l *Lifecycle) resolveParentNetwork(v vnic.Config) (subnet, gateway string, err error) {
	if v.ParentSubnet != "" {
		gw := v.ParentGateway
		return v.ParentSubnet, gw, nil
	}
	if l.ifaces != nil {
		if subnet, gateway, ok := l.ifaces.Lookup(v.ParentInterface); ok {
			return subnet, gateway, nil
		}
	}
	return "", "", newError(KindNetworkUnresolvable, "cannot resolve subnet/gateway for "+v.ParentInterface, nil)
}

// DeleteAck is the result of delete_device.
type DeleteAck struct {
	Status string
}

// DeleteDevice removes name's container, its internal network, and any
// attachment network no longer referenced by another container.
// Idempotent: a missing container yields already_absent.
func (l *Lifecycle) DeleteDevice(ctx context.Context, name string) (DeleteAck, error) {
	ctx, span := tracer.Start(ctx, "delete_device", trace.WithAttributes(attribute.String("container", name)))
	defer span.End()

	if err := l.ops.Begin(name, oplock.StateDeleting); err != nil {
		wrapped := newError(KindBusy, "delete_device", err)
		recordSpanError(span, wrapped)
		return DeleteAck{}, wrapped
	}
	defer l.ops.End(name)

	ctx, cancel := l.withTimeout(ctx)
	defer cancel()

	rec, known := l.reg.Get(name)

	info, err := l.eng.InspectContainer(ctx, name)
	if err != nil {
		wrapped := newError(KindEngineError, "inspect container "+name, err)
		recordSpanError(span, wrapped)
		return DeleteAck{}, wrapped
	}
	if !info.Present && !known {
		span.SetAttributes(attribute.String("result", "already_absent"))
		return DeleteAck{Status: "already_absent"}, nil
	}

	if info.Present {
		if err := l.eng.RemoveContainer(ctx, name); err != nil {
			wrapped := newError(KindEngineError, "remove container "+name, err)
			recordSpanError(span, wrapped)
			return DeleteAck{}, wrapped
		}
	}

	internalName := vnic.InternalNetworkName(name)
	if err := l.eng.RemoveNetwork(ctx, internalName); err != nil {
		slog.Warn("failed to remove internal network", "network", internalName, "error", err)
	}

	for _, networkName := range attachmentNetworkNames(rec) {
		l.removeAttachmentIfUnused(ctx, networkName, name)
	}

	if err := l.reg.Remove(name); err != nil {
		slog.Warn("registry persistence failed on delete, keeping in-memory state", "container", name, "error", err)
	}

	return DeleteAck{Status: "deleted"}, nil
}

// attachmentNetworkNames recomputes each persisted vNIC's macvlan
// attachment network name from its resolved parent subnet — the same
// value create() derives the name from — falling back to the vNIC's
// own manual-mode subnet only for older records that predate that
// resolved value being persisted.
func attachmentNetworkNames(rec registry.Record) []string {
	seen := make(map[string]bool)
	var names []string
	for _, v := range rec.Vnics {
		canon, err := vnic.CanonicalSubnet(v.ParentSubnet, "")
		if err != nil {
			canon, err = vnic.CanonicalSubnet(v.Subnet, "")
			if err != nil {
				continue
			}
		}
		name := vnic.AttachmentNetworkName(v.ParentInterface, canon)
		if !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
	}
	return names
}

func (l *Lifecycle) removeAttachmentIfUnused(ctx context.Context, networkName, excludeContainer string) {
	networks, err := l.eng.ListMACVLANNetworks(ctx)
	if err != nil {
		slog.Warn("failed to list macvlan networks during cleanup", "error", err)
		return
	}
	for _, nw := range networks {
		if nw.Name != networkName {
			continue
		}
		for _, att := range nw.Attachments {
			if att.ContainerName != excludeContainer {
				return // still referenced by another container; keep it
			}
		}
		if err := l.eng.RemoveNetwork(ctx, networkName); err != nil {
			slog.Warn("failed to remove now-unused attachment network", "network", networkName, "error", err)
		}
		return
	}
}

// InspectDevice returns a point-in-time snapshot of name's container:
// presence, engine state, and its internal and attachment IPs. It does
// not include the operation audit record.
func (l *Lifecycle) InspectDevice(ctx context.Context, name string) (InspectResult, error) {
	ctx, span := tracer.Start(ctx, "get_device_status", trace.WithAttributes(attribute.String("container", name)))
	defer span.End()

	ctx, cancel := l.withTimeout(ctx)
	defer cancel()
	info, err := l.eng.InspectContainer(ctx, name)
	if err != nil {
		wrapped := newError(KindEngineError, "inspect container "+name, err)
		recordSpanError(span, wrapped)
		return InspectResult{}, wrapped
	}
	return info, nil
}

// ReconfigureAttachment rewrites every vNIC on name whose parent
// interface matches changedInterface, disconnecting from the old
// attachment network and reconnecting to the new one while preserving
// manual-mode IP/MAC.
//
// Used only by the network reconfiguration loop; holds a dedicated
// "reconfiguring" operation state rather than the deleting-exclusive lock.
func (l *Lifecycle) ReconfigureAttachment(ctx context.Context, name, changedInterface, newSubnet, newGateway string) error {
	ctx, span := tracer.Start(ctx, "reconfigure_attachment", trace.WithAttributes(
		attribute.String("container", name),
		attribute.String("interface", changedInterface),
	))
	defer span.End()

	if err := l.ops.Begin(name, oplock.StateReconfiguring); err != nil {
		wrapped := newError(KindBusy, "reconfigure_attachment", err)
		recordSpanError(span, wrapped)
		return wrapped
	}

	ctx, cancel := l.withTimeout(ctx)
	defer cancel()

	rec, ok := l.reg.Get(name)
	if !ok {
		err := newError(KindRegistryError, "no registry record for "+name, nil)
		l.ops.Fail(name, err)
		recordSpanError(span, err)
		return err
	}

	canonNew, err := vnic.CanonicalSubnet(newSubnet, "")
	if err != nil {
		wrapped := newError(KindNetworkUnresolvable, "canonicalize new subnet "+newSubnet, err)
		l.ops.Fail(name, wrapped)
		recordSpanError(span, wrapped)
		return wrapped
	}
	newNetworkName := vnic.AttachmentNetworkName(changedInterface, canonNew)

	updatedVnics := make([]vnic.Config, len(rec.Vnics))
	copy(updatedVnics, rec.Vnics)

	var firstErr error
	for i := range updatedVnics {
		v := updatedVnics[i]
		if v.ParentInterface != changedInterface {
			continue
		}

		// Mirror create()'s derivation: the attachment network is named
		// from the resolved parent subnet, so the old network must be
		// looked up the same way, falling back to the manual-mode subnet
		// only for a record persisted before the parent subnet was saved.
		oldCanon, err := vnic.CanonicalSubnet(v.ParentSubnet, "")
		if err != nil {
			oldCanon, err = vnic.CanonicalSubnet(v.Subnet, "")
		}
		if err == nil {
			oldNetworkName := vnic.AttachmentNetworkName(changedInterface, oldCanon)
			if oldNetworkName != newNetworkName {
				if err := l.eng.DisconnectNetwork(ctx, name, oldNetworkName); err != nil && firstErr == nil {
					firstErr = newError(KindEngineError, "disconnect "+name+" from "+oldNetworkName, err)
				}
			}
		}

		nw, err := EnsureAttachmentNetwork(ctx, l.eng, newNetworkName, changedInterface, canonNew, newGateway)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		target := newNetworkName
		if nw.Name != "" {
			target = nw.Name
		}

		if err := l.eng.ConnectNetwork(ctx, name, target, vnicConnectSpec(v)); err != nil {
			if firstErr == nil {
				firstErr = newError(KindEngineError, "reconnect "+name+" to "+target, err)
			}
			continue
		}

		updatedVnics[i].ParentSubnet = canonNew
		updatedVnics[i].ParentGateway = newGateway
	}

	if firstErr != nil {
		l.ops.Fail(name, firstErr)
		recordSpanError(span, firstErr)
		return firstErr
	}

	if err := l.reg.Put(name, updatedVnics, rec.InternalIP, rec.State); err != nil {
		slog.Warn("registry persistence failed after reconfigure, keeping in-memory state", "container", name, "error", err)
	}

	l.ops.End(name)
	return nil
}
