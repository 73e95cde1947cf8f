package engine

import (
	"context"
	"sync"
)

// fakeEngine is an in-memory ContainerEngine used to exercise Lifecycle
// without a real Docker daemon.
type fakeEngine struct {
	mu sync.Mutex

	localImages map[string]bool
	pullErr     map[string]error

	containers map[string]bool
	networks   map[string]*NetworkInfo

	overlapOnce map[string]bool // networks that fail once with overlap before the test clears it
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		localImages: map[string]bool{},
		pullErr:     map[string]error{},
		containers:  map[string]bool{},
		networks:    map[string]*NetworkInfo{},
		overlapOnce: map[string]bool{},
	}
}

func (f *fakeEngine) PullImage(ctx context.Context, ref string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pullErr[ref]
}

func (f *fakeEngine) HasLocalImage(ctx context.Context, ref string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.localImages[ref], nil
}

func (f *fakeEngine) CreateContainer(ctx context.Context, name, image string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.containers[name] = true
	return nil
}

func (f *fakeEngine) RemoveContainer(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.containers, name)
	return nil
}

func (f *fakeEngine) InspectContainer(ctx context.Context, name string) (InspectResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.containers[name] {
		return InspectResult{Present: false}, nil
	}
	ips := map[string]string{}
	internal := ""
	for netName, nw := range f.networks {
		for _, att := range nw.Attachments {
			if att.ContainerName != name {
				continue
			}
			if netName == name+"_internal" {
				internal = att.IPv4Address
			} else {
				ips[netName] = att.IPv4Address
			}
		}
	}
	return InspectResult{Present: true, EngineState: "running", InternalIP: internal, AttachmentIPs: ips}, nil
}

func (f *fakeEngine) EnsureBridgeNetwork(ctx context.Context, name string, internal bool) (NetworkInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if nw, ok := f.networks[name]; ok {
		return *nw, nil
	}
	nw := &NetworkInfo{Name: name, Driver: "bridge", Internal: internal}
	f.networks[name] = nw
	return *nw, nil
}

func (f *fakeEngine) EnsureMACVLANNetwork(ctx context.Context, name, parentIface, subnet, gateway string) (NetworkInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if nw, ok := f.networks[name]; ok {
		return *nw, nil
	}
	if f.overlapOnce[name] {
		delete(f.overlapOnce, name)
		return NetworkInfo{}, ErrOverlapNoMatch
	}
	nw := &NetworkInfo{Name: name, Driver: "macvlan", ParentIface: parentIface, Subnet: subnet, Gateway: gateway}
	f.networks[name] = nw
	return *nw, nil
}

func (f *fakeEngine) ListMACVLANNetworks(ctx context.Context) ([]NetworkInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []NetworkInfo
	for _, nw := range f.networks {
		if nw.Driver == "macvlan" {
			out = append(out, *nw)
		}
	}
	return out, nil
}

func (f *fakeEngine) RemoveNetwork(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.networks, name)
	return nil
}

func (f *fakeEngine) ConnectNetwork(ctx context.Context, containerName, networkName string, spec ConnectSpec) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	nw, ok := f.networks[networkName]
	if !ok {
		nw = &NetworkInfo{Name: networkName}
		f.networks[networkName] = nw
	}
	for i, att := range nw.Attachments {
		if att.ContainerName == containerName {
			nw.Attachments[i].IPv4Address = spec.IPv4Address
			nw.Attachments[i].MACAddress = spec.MACAddress
			return nil
		}
	}
	nw.Attachments = append(nw.Attachments, NetworkAttachment{
		ContainerName: containerName,
		IPv4Address:   spec.IPv4Address,
		MACAddress:    spec.MACAddress,
	})
	return nil
}

func (f *fakeEngine) DisconnectNetwork(ctx context.Context, containerName, networkName string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	nw, ok := f.networks[networkName]
	if !ok {
		return nil
	}
	kept := nw.Attachments[:0]
	for _, att := range nw.Attachments {
		if att.ContainerName != containerName {
			kept = append(kept, att)
		}
	}
	nw.Attachments = kept
	return nil
}

func (f *fakeEngine) RunCommandProxy(ctx context.Context, internalIP, path string, body []byte) ([]byte, int, error) {
	return nil, 200, nil
}

func (f *fakeEngine) ContainerStats(ctx context.Context, name string) (float64, float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.containers[name] {
		return 0, 0, nil
	}
	return 1.5, 64, nil
}

// staticResolver is a fixed InterfaceResolver for tests.
type staticResolver map[string][2]string

func (s staticResolver) Lookup(iface string) (subnet, gateway string, ok bool) {
	v, ok := s[iface]
	if !ok {
		return "", "", false
	}
	return v[0], v[1], true
}
