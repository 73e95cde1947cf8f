// Package registry implements the authoritative in-memory map of
// managed containers and their vNIC configurations, mirrored to an
// atomically-written JSON file.
package registry

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"orcagent/internal/vnic"
)

// State is a managed container's lifecycle state.
type State string

const (
	StateCreating State = "creating"
	StateRunning  State = "running"
	StateDeleting State = "deleting"
	StateOrphan   State = "orphan"
)

// Record is one managed container: its vNICs, lifecycle state, and the
// internal-network IP last observed for the runtime proxy.
type Record struct {
	Name       string        `json:"-"`
	Vnics      []vnic.Config `json:"vnics"`
	InternalIP string        `json:"internal_ip,omitempty"`
	State      State         `json:"-"`
}

// DefaultPath is the canonical on-disk location of the registry file.
const DefaultPath = "/var/orchestrator/runtime_vnics.json"

// Registry is the process-wide authoritative store of managed containers.
// Safe for concurrent use; persistence is serialized.
type Registry struct {
	path string

	mu      sync.RWMutex
	records map[string]*Record

	// persistMu serializes persist's snapshot-write-rename sequence so
	// two concurrent Put/Remove/SetInternalIP calls cannot interleave
	// their writes and have the later-finishing rename clobber the
	// other's entry with a stale snapshot.
	persistMu sync.Mutex
}

// New constructs an empty registry backed by path. Call Load to
// populate it from disk.
func New(path string) *Registry {
	if path == "" {
		path = DefaultPath
	}
	return &Registry{path: path, records: make(map[string]*Record)}
}

// onDiskShape is the JSON document shape: container name -> persisted
// fields. State is deliberately not persisted; Load marks every reloaded
// record orphan, and nothing recomputes it from the engine at startup.
type onDiskShape map[string]onDiskRecord

type onDiskRecord struct {
	Vnics      []vnic.Config `json:"vnics"`
	InternalIP string        `json:"internal_ip,omitempty"`
}

// Load reads the registry file at startup. A missing file yields an
// empty registry. A corrupt file is quarantined by rename to
// ".corrupt-{timestamp}", a fresh empty file is written in its place, and
// an empty registry is used instead — neither case is fatal.
func (r *Registry) Load() error {
	data, err := os.ReadFile(r.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read registry file %q: %w", r.path, err)
	}

	var onDisk onDiskShape
	if err := json.Unmarshal(data, &onDisk); err != nil {
		quarantinePath := fmt.Sprintf("%s.corrupt-%d", r.path, time.Now().Unix())
		if renameErr := os.Rename(r.path, quarantinePath); renameErr != nil {
			slog.Warn("failed to quarantine corrupt registry file", "path", r.path, "error", renameErr)
		} else {
			slog.Warn("registry file was corrupt, quarantined and starting empty", "quarantined_to", quarantinePath, "parse_error", err)
			if persistErr := r.persist(); persistErr != nil {
				slog.Warn("failed to write fresh registry file after quarantine", "path", r.path, "error", persistErr)
			}
		}
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for name, rec := range onDisk {
		r.records[name] = &Record{
			Name:       name,
			Vnics:      rec.Vnics,
			InternalIP: rec.InternalIP,
			State:      StateOrphan,
		}
	}
	return nil
}

// Put upserts name's record and persists the registry atomically.
func (r *Registry) Put(name string, vnics []vnic.Config, internalIP string, state State) error {
	r.mu.Lock()
	r.records[name] = &Record{Name: name, Vnics: vnics, InternalIP: internalIP, State: state}
	r.mu.Unlock()
	return r.persist()
}

// SetInternalIP updates the internal-network IP fingerprint for name
// without disturbing its vNIC list, and persists.
func (r *Registry) SetInternalIP(name, internalIP string) error {
	r.mu.Lock()
	rec, ok := r.records[name]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("no registry record for %q", name)
	}
	rec.InternalIP = internalIP
	r.mu.Unlock()
	return r.persist()
}

// SetState updates name's in-memory lifecycle state without touching
// the persisted vNIC/IP fields (state is not itself persisted).
func (r *Registry) SetState(name string, state State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.records[name]; ok {
		rec.State = state
	}
}

// Get returns a copy of name's record, or ok=false if absent.
func (r *Registry) Get(name string) (Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[name]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// Remove deletes name from the registry and persists.
func (r *Registry) Remove(name string) error {
	r.mu.Lock()
	delete(r.records, name)
	r.mu.Unlock()
	return r.persist()
}

// Snapshot returns every record in stable (name-sorted) order, suitable
// for background reconciliation passes.
func (r *Registry) Snapshot() []Record {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.records))
	for name := range r.records {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]Record, 0, len(names))
	for _, name := range names {
		out = append(out, *r.records[name])
	}
	return out
}

// persist writes the full registry to a temp file and renames it over
// the canonical path, so readers always see a complete pre- or
// post-image. Failures are returned as registry_error for the caller
// to log and retry on the next write; in-memory state is unaffected.
//
// persistMu is held across the entire snapshot-marshal-write-rename
// sequence, not just the snapshot: two concurrent Put/Remove calls each
// take r.mu briefly to mutate records and release it before calling
// persist, so without a dedicated lock here their persist calls could
// race to rename, and whichever snapshot was taken first could land
// last on disk, silently dropping the other's write.
func (r *Registry) persist() error {
	r.persistMu.Lock()
	defer r.persistMu.Unlock()

	r.mu.RLock()
	onDisk := make(onDiskShape, len(r.records))
	for name, rec := range r.records {
		onDisk[name] = onDiskRecord{Vnics: rec.Vnics, InternalIP: rec.InternalIP}
	}
	r.mu.RUnlock()

	dir := filepath.Dir(r.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create registry directory %q: %w", dir, err)
	}

	data, err := json.MarshalIndent(onDisk, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal registry: %w", err)
	}

	tmp := r.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write temp registry file %q: %w", tmp, err)
	}
	if err := os.Rename(tmp, r.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("replace registry file %q: %w", r.path, err)
	}
	return nil
}
