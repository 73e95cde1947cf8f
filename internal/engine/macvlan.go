package engine

import (
	"context"
	"errors"
	"strings"
)

// EnsureAttachmentNetwork gets or creates the canonical MACVLAN network
// for (parentIface, subnet), reusing an existing network whose IPAM
// subnet and parent driver option both match when the engine reports a
// pool overlap on create.
func EnsureAttachmentNetwork(ctx context.Context, eng ContainerEngine, name, parentIface, subnet, gateway string) (NetworkInfo, error) {
	nw, err := eng.EnsureMACVLANNetwork(ctx, name, parentIface, subnet, gateway)
	if err == nil {
		return nw, nil
	}
	if !errors.Is(err, ErrOverlapNoMatch) {
		return NetworkInfo{}, newError(KindEngineError, "create macvlan network "+name, err)
	}

	all, listErr := eng.ListMACVLANNetworks(ctx)
	if listErr != nil {
		return NetworkInfo{}, newError(KindEngineError, "list macvlan networks after overlap", listErr)
	}
	for _, candidate := range all {
		if candidate.ParentIface == parentIface && sameSubnet(candidate.Subnet, subnet) {
			return candidate, nil
		}
	}
	return NetworkInfo{}, newError(KindNetworkOverlapUnresolved, "no existing macvlan network matches parent "+parentIface+" subnet "+subnet, nil)
}

func sameSubnet(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}

// ExistingMACAddressesOnInterface returns the set of MAC addresses (lowercased)
// currently attached to any MACVLAN network whose parent is parentIface, for
// the manual-mode MAC-conflict check performed during create_runtime.
func ExistingMACAddressesOnInterface(ctx context.Context, eng ContainerEngine, parentIface string) (map[string]string, error) {
	networks, err := eng.ListMACVLANNetworks(ctx)
	if err != nil {
		return nil, newError(KindEngineError, "list macvlan networks", err)
	}

	macs := make(map[string]string)
	for _, nw := range networks {
		if nw.ParentIface != parentIface {
			continue
		}
		for _, att := range nw.Attachments {
			if att.MACAddress == "" {
				continue
			}
			macs[strings.ToLower(att.MACAddress)] = att.ContainerName
		}
	}
	return macs, nil
}
