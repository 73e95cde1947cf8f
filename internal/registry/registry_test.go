package registry

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"orcagent/internal/vnic"
)

func TestPutGetRemoveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "runtime_vnics.json")
	r := New(path)

	vnics := []vnic.Config{{Name: "eth0", ParentInterface: "ens37", Mode: vnic.ModeDHCP}}
	if err := r.Put("plc-001", vnics, "10.10.0.2", StateRunning); err != nil {
		t.Fatalf("Put: %v", err)
	}

	rec, ok := r.Get("plc-001")
	if !ok {
		t.Fatal("expected record to exist")
	}
	if rec.InternalIP != "10.10.0.2" || len(rec.Vnics) != 1 {
		t.Fatalf("unexpected record: %+v", rec)
	}

	if err := r.Remove("plc-001"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, ok := r.Get("plc-001"); ok {
		t.Fatal("expected record to be gone after Remove")
	}
}

func TestPersistenceIsAtomicAndReloadable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "runtime_vnics.json")
	r := New(path)
	vnics := []vnic.Config{{Name: "eth0", ParentInterface: "ens37", Mode: vnic.ModeDHCP}}
	if err := r.Put("plc-001", vnics, "10.10.0.2", StateRunning); err != nil {
		t.Fatalf("Put: %v", err)
	}

	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Fatalf("temp file should not survive a successful persist, stat err = %v", err)
	}

	r2 := New(path)
	if err := r2.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	rec, ok := r2.Get("plc-001")
	if !ok {
		t.Fatal("expected record to survive reload")
	}
	if rec.State != StateOrphan {
		t.Fatalf("reloaded record state = %v, want orphan pending reconciliation", rec.State)
	}
	if rec.InternalIP != "10.10.0.2" {
		t.Fatalf("InternalIP = %q", rec.InternalIP)
	}
}

func TestLoadMissingFileIsNotFatal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "does-not-exist.json")
	r := New(path)
	if err := r.Load(); err != nil {
		t.Fatalf("missing file should not error: %v", err)
	}
	if len(r.Snapshot()) != 0 {
		t.Fatal("expected empty registry")
	}
}

func TestLoadCorruptFileIsQuarantined(t *testing.T) {
	path := filepath.Join(t.TempDir(), "runtime_vnics.json")
	if err := os.WriteFile(path, []byte("{not valid json"), 0o644); err != nil {
		t.Fatalf("write corrupt file: %v", err)
	}

	r := New(path)
	if err := r.Load(); err != nil {
		t.Fatalf("corrupt file should not error: %v", err)
	}
	if len(r.Snapshot()) != 0 {
		t.Fatal("expected empty registry after quarantine")
	}

	matches, err := filepath.Glob(path + ".corrupt-*")
	if err != nil || len(matches) != 1 {
		t.Fatalf("expected exactly one quarantined file, got %v (err %v)", matches, err)
	}

	// subsequent writes must succeed against the fresh empty registry
	if err := r.Put("plc-001", nil, "", StateCreating); err != nil {
		t.Fatalf("Put after quarantine: %v", err)
	}
}

func TestSnapshotStableOrder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "runtime_vnics.json")
	r := New(path)
	_ = r.Put("c", nil, "", StateRunning)
	_ = r.Put("a", nil, "", StateRunning)
	_ = r.Put("b", nil, "", StateRunning)

	snap := r.Snapshot()
	if len(snap) != 3 || snap[0].Name != "a" || snap[1].Name != "b" || snap[2].Name != "c" {
		t.Fatalf("unexpected snapshot order: %+v", snap)
	}
}

func TestPersistedFileShapeOmitsState(t *testing.T) {
	path := filepath.Join(t.TempDir(), "runtime_vnics.json")
	r := New(path)
	_ = r.Put("plc-001", []vnic.Config{{Name: "eth0"}}, "10.0.0.5", StateRunning)

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read persisted file: %v", err)
	}
	var decoded map[string]map[string]any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("unmarshal persisted file: %v", err)
	}
	if _, hasState := decoded["plc-001"]["state"]; hasState {
		t.Fatal("persisted shape must not include the in-memory lifecycle state")
	}
}
