package netmon

import (
	"context"
	"encoding/json"
	"net"
	"path/filepath"
	"testing"
	"time"
)

func startFakeSidecar(t *testing.T, socketPath string) net.Listener {
	t.Helper()
	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		t.Fatalf("listen on fake sidecar socket: %v", err)
	}
	return ln
}

func writeLine(t *testing.T, conn net.Conn, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}
	if _, err := conn.Write(append(data, '\n')); err != nil {
		t.Fatalf("write event: %v", err)
	}
}

func TestClientProcessesDiscoveryThenChange(t *testing.T) {
	socketPath := filepath.Join(t.TempDir(), "netmon.sock")
	ln := startFakeSidecar(t, socketPath)
	defer ln.Close()

	var changes []Interface
	client := NewClient(socketPath, func(f Interface) { changes = append(changes, f) })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() { _ = client.Run(ctx) }()

	conn, err := ln.Accept()
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	defer conn.Close()

	writeLine(t, conn, map[string]any{
		"type": "network_discovery",
		"data": map[string]any{
			"interfaces": []map[string]any{
				{
					"interface":  "ens37",
					"operstate":  "UP",
					"ipv4_addresses": []map[string]any{
						{"address": "192.168.1.5", "prefixlen": 24, "subnet": "192.168.1.0/24", "network_address": "192.168.1.0"},
					},
					"gateway": "192.168.1.1",
				},
			},
		},
	})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if subnet, gateway, ok := client.Cache().Lookup("ens37"); ok {
			if subnet != "192.168.1.0/24" || gateway != "192.168.1.1" {
				t.Fatalf("unexpected lookup result: %s %s", subnet, gateway)
			}
			goto discoveryOK
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("timed out waiting for discovery to populate cache")

discoveryOK:
	writeLine(t, conn, map[string]any{
		"type": "network_change",
		"data": map[string]any{
			"interface": "ens37",
			"operstate": "UP",
			"ipv4_addresses": []map[string]any{
				{"address": "10.0.0.5", "prefixlen": 24, "subnet": "10.0.0.0/24", "network_address": "10.0.0.0"},
			},
			"gateway": "10.0.0.1",
		},
	})

	deadline = time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(changes) > 0 {
			if changes[0].Interface != "ens37" {
				t.Fatalf("unexpected change interface: %+v", changes[0])
			}
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("timed out waiting for change handler to fire")
}

func TestLookupExcludesDiagnosticOnlyInterfaces(t *testing.T) {
	c := newCache()
	c.replace([]Interface{
		{Interface: "lo", OperState: "UP", IPv4Addresses: []IPv4Address{{Address: "127.0.0.1", Subnet: "127.0.0.0/8"}}},
		{Interface: "docker0", OperState: "UP", IPv4Addresses: []IPv4Address{{Address: "172.17.0.1", Subnet: "172.17.0.0/16"}}},
	})
	if _, _, ok := c.Lookup("lo"); ok {
		t.Fatal("loopback must never be returned by Lookup")
	}
	if _, _, ok := c.Lookup("docker0"); ok {
		t.Fatal("bridge interfaces must never be returned by Lookup")
	}
}

func TestLookupExcludesDownInterfaces(t *testing.T) {
	c := newCache()
	c.replace([]Interface{
		{Interface: "ens37", OperState: "DOWN", IPv4Addresses: []IPv4Address{{Subnet: "192.168.1.0/24"}}},
	})
	if _, _, ok := c.Lookup("ens37"); ok {
		t.Fatal("DOWN interface must not be returned by Lookup")
	}
}

func TestMalformedLineIsSkippedWithoutCrashing(t *testing.T) {
	socketPath := filepath.Join(t.TempDir(), "netmon.sock")
	ln := startFakeSidecar(t, socketPath)
	defer ln.Close()

	client := NewClient(socketPath, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = client.Run(ctx) }()

	conn, err := ln.Accept()
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte("not json\n")); err != nil {
		t.Fatalf("write malformed line: %v", err)
	}
	writeLine(t, conn, map[string]any{"type": "network_discovery", "data": map[string]any{"interfaces": []map[string]any{}}})

	// if handleLine panicked, Run's goroutine would have died and the
	// cache would never settle; a short sleep followed by a successful
	// Snapshot call is enough evidence the client kept running.
	time.Sleep(50 * time.Millisecond)
	if len(client.Cache().Snapshot()) != 0 {
		t.Fatal("expected empty interface set after empty discovery")
	}
}
