package engine

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"orcagent/internal/oplock"
	"orcagent/internal/registry"
	"orcagent/internal/vnic"
)

func newTestLifecycle(t *testing.T, eng *fakeEngine) *Lifecycle {
	t.Helper()
	reg := registry.New(filepath.Join(t.TempDir(), "runtime_vnics.json"))
	ops := oplock.New()
	resolver := staticResolver{"ens37": {"192.168.1.0/24", "192.168.1.1"}}
	return New(eng, reg, ops, resolver, 2*time.Second)
}

func TestCreateRuntimeDHCP(t *testing.T) {
	eng := newFakeEngine()
	lc := newTestLifecycle(t, eng)

	vnics := []vnic.Config{{Name: "eth0", ParentInterface: "ens37", Mode: vnic.ModeDHCP}}
	ack, err := lc.CreateRuntime(context.Background(), "plc-001", "vplc:latest", vnics)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ack.Status != "creating" || ack.ContainerID != "plc-001" {
		t.Fatalf("unexpected ack: %+v", ack)
	}

	waitForIdle(t, lc, "plc-001")

	if !eng.containers["plc-001"] {
		t.Fatal("expected container to be created")
	}
	if _, ok := eng.networks["plc-001_internal"]; !ok {
		t.Fatal("expected internal network to be created")
	}
	if _, ok := eng.networks["macvlan_ens37_192.168.1.0_24"]; !ok {
		t.Fatal("expected macvlan attachment network to be created")
	}
	if rec, ok := lc.reg.Get("plc-001"); !ok || rec.State != registry.StateRunning {
		t.Fatalf("expected registry record in running state, got %+v ok=%v", rec, ok)
	}
}

func TestCreateRuntimeBusyOnSecondCall(t *testing.T) {
	eng := newFakeEngine()
	lc := newTestLifecycle(t, eng)
	vnics := []vnic.Config{{Name: "eth0", ParentInterface: "ens37", Mode: vnic.ModeDHCP}}

	if _, err := lc.CreateRuntime(context.Background(), "plc-001", "vplc:latest", vnics); err != nil {
		t.Fatalf("first call: %v", err)
	}
	_, err := lc.CreateRuntime(context.Background(), "plc-001", "vplc:latest", vnics)
	if err == nil {
		t.Fatal("expected busy error on concurrent create")
	}
	engErr, ok := err.(*Error)
	if !ok || engErr.Kind != KindBusy {
		t.Fatalf("expected KindBusy, got %v", err)
	}
	waitForIdle(t, lc, "plc-001")
}

func TestCreateRuntimeOverlapReuse(t *testing.T) {
	eng := newFakeEngine()
	lc := newTestLifecycle(t, eng)

	existing := &NetworkInfo{Name: "existing-mv", Driver: "macvlan", ParentIface: "ens37", Subnet: "192.168.1.0/24"}
	eng.networks["existing-mv"] = existing
	eng.overlapOnce["macvlan_ens37_192.168.1.0_24"] = true

	vnics := []vnic.Config{{Name: "eth0", ParentInterface: "ens37", Mode: vnic.ModeDHCP}}
	if _, err := lc.CreateRuntime(context.Background(), "plc-001", "vplc:latest", vnics); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	waitForIdle(t, lc, "plc-001")

	if _, ok := eng.networks["macvlan_ens37_192.168.1.0_24"]; ok {
		t.Fatal("a new macvlan network must not be created when an existing one can be reused")
	}
	found := false
	for _, att := range eng.networks["existing-mv"].Attachments {
		if att.ContainerName == "plc-001" {
			found = true
		}
	}
	if !found {
		t.Fatal("expected container to be attached to the reused existing network")
	}
}

func TestDeleteDeviceIdempotent(t *testing.T) {
	eng := newFakeEngine()
	lc := newTestLifecycle(t, eng)
	vnics := []vnic.Config{{Name: "eth0", ParentInterface: "ens37", Mode: vnic.ModeDHCP}}
	_, _ = lc.CreateRuntime(context.Background(), "plc-001", "vplc:latest", vnics)
	waitForIdle(t, lc, "plc-001")

	ack, err := lc.DeleteDevice(context.Background(), "plc-001")
	if err != nil || ack.Status != "deleted" {
		t.Fatalf("unexpected delete result: %+v err=%v", ack, err)
	}
	if eng.containers["plc-001"] {
		t.Fatal("expected container removed")
	}
	if _, ok := eng.networks["plc-001_internal"]; ok {
		t.Fatal("expected internal network removed")
	}

	ack2, err := lc.DeleteDevice(context.Background(), "plc-001")
	if err != nil || ack2.Status != "already_absent" {
		t.Fatalf("expected idempotent already_absent, got %+v err=%v", ack2, err)
	}
}

func TestDeleteDeviceKeepsSharedAttachmentNetwork(t *testing.T) {
	eng := newFakeEngine()
	lc := newTestLifecycle(t, eng)
	vnics := []vnic.Config{{Name: "eth0", ParentInterface: "ens37", Mode: vnic.ModeDHCP}}

	_, _ = lc.CreateRuntime(context.Background(), "plc-001", "vplc:latest", vnics)
	waitForIdle(t, lc, "plc-001")
	_, _ = lc.CreateRuntime(context.Background(), "plc-002", "vplc:latest", vnics)
	waitForIdle(t, lc, "plc-002")

	if _, err := lc.DeleteDevice(context.Background(), "plc-001"); err != nil {
		t.Fatalf("delete plc-001: %v", err)
	}
	if _, ok := eng.networks["macvlan_ens37_192.168.1.0_24"]; !ok {
		t.Fatal("shared attachment network must survive while plc-002 still uses it")
	}
}

func TestCreateRuntimeManualMACConflict(t *testing.T) {
	eng := newFakeEngine()
	lc := newTestLifecycle(t, eng)

	eng.networks["macvlan_ens37_192.168.1.0_24"] = &NetworkInfo{
		Name: "macvlan_ens37_192.168.1.0_24", Driver: "macvlan", ParentIface: "ens37",
		Attachments: []NetworkAttachment{{ContainerName: "other", MACAddress: "02:42:ac:11:00:02"}},
	}

	vnics := []vnic.Config{{
		Name: "eth0", ParentInterface: "ens37", Mode: vnic.ModeManual,
		IPAddress: "192.168.1.50", Subnet: "192.168.1.0/24", MACAddress: "02:42:AC:11:00:02",
	}}
	_, err := lc.CreateRuntime(context.Background(), "plc-001", "vplc:latest", vnics)
	if err == nil {
		t.Fatal("expected mac_conflict error")
	}
	engErr, ok := err.(*Error)
	if !ok || engErr.Kind != KindMACConflict {
		t.Fatalf("expected KindMACConflict, got %v", err)
	}
}

func TestReconfigureAttachmentPreservesMAC(t *testing.T) {
	eng := newFakeEngine()
	lc := newTestLifecycle(t, eng)

	vnics := []vnic.Config{{
		Name: "eth0", ParentInterface: "ens37", Mode: vnic.ModeManual,
		IPAddress: "192.168.1.100", Subnet: "192.168.1.0/24", MACAddress: "02:42:ac:11:00:02",
	}}
	_, err := lc.CreateRuntime(context.Background(), "plc-static", "vplc:latest", vnics)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	waitForIdle(t, lc, "plc-static")

	if err := lc.ReconfigureAttachment(context.Background(), "plc-static", "ens37", "10.0.0.0/24", "10.0.0.1"); err != nil {
		t.Fatalf("reconfigure: %v", err)
	}

	newNet, ok := eng.networks["macvlan_ens37_10.0.0.0_24"]
	if !ok {
		t.Fatal("expected new attachment network to exist")
	}
	var mac string
	for _, att := range newNet.Attachments {
		if att.ContainerName == "plc-static" {
			mac = att.MACAddress
		}
	}
	if mac != "02:42:ac:11:00:02" {
		t.Fatalf("MAC not preserved across reconfiguration, got %q", mac)
	}
}

func waitForIdle(t *testing.T, lc *Lifecycle, name string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if inProgress, _ := lc.ops.InProgress(name); !inProgress {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s to become idle", name)
}
