// Package netmon implements a Unix-domain socket client that consumes
// the network-monitor sidecar's newline-delimited JSON event stream and
// maintains an interface cache.
package netmon

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"
)

// DefaultSocketPath is the fixed Unix-domain socket the sidecar listens on.
const DefaultSocketPath = "/var/orchestrator/netmon.sock"

// IPv4Address is one address entry on an interface.
type IPv4Address struct {
	Address        string `json:"address"`
	PrefixLen      int    `json:"prefixlen"`
	Subnet         string `json:"subnet"`
	NetworkAddress string `json:"network_address"`
}

// Interface is the interface cache entry (F), as reported by the sidecar.
type Interface struct {
	Interface     string        `json:"interface"`
	Index         int           `json:"index"`
	OperState     string        `json:"operstate"`
	IPv4Addresses []IPv4Address `json:"ipv4_addresses"`
	Gateway       string        `json:"gateway,omitempty"`
	Timestamp     string        `json:"timestamp,omitempty"`
	LastUpdate    time.Time     `json:"-"`
}

func (f Interface) up() bool {
	return strings.EqualFold(f.OperState, "UP") && len(f.IPv4Addresses) > 0
}

// excludedNamePrefixes holds loopback/bridge/veth-family interfaces that
// are cached for diagnostics only and never returned by Lookup.
var excludedNamePrefixes = []string{"lo", "docker", "br-", "veth", "virbr"}

func isDiagnosticOnly(name string) bool {
	for _, prefix := range excludedNamePrefixes {
		if strings.HasPrefix(name, prefix) {
			return true
		}
	}
	return false
}

type discoveryEvent struct {
	Interfaces []Interface `json:"interfaces"`
	Timestamp  string      `json:"timestamp"`
}

type rawEvent struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Cache is the agent's in-memory picture of host interfaces. Owned
// exclusively by Client; engine.Lifecycle is a read-only consumer through
// Lookup.
type Cache struct {
	mu         sync.RWMutex
	interfaces map[string]Interface
}

func newCache() *Cache {
	return &Cache{interfaces: make(map[string]Interface)}
}

// Lookup returns an interface's subnet/gateway if it is UP, has at least
// one IPv4 address, and is not loopback/bridge/veth-family.
func (c *Cache) Lookup(iface string) (subnet, gateway string, ok bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	f, present := c.interfaces[iface]
	if !present || isDiagnosticOnly(iface) || !f.up() {
		return "", "", false
	}
	return f.IPv4Addresses[0].Subnet, f.Gateway, true
}

// Snapshot returns a copy of every cached interface, including
// diagnostic-only ones.
func (c *Cache) Snapshot() map[string]Interface {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]Interface, len(c.interfaces))
	for k, v := range c.interfaces {
		out[k] = v
	}
	return out
}

func (c *Cache) replace(all []Interface) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.interfaces = make(map[string]Interface, len(all))
	now := time.Now()
	for _, f := range all {
		f.LastUpdate = now
		c.interfaces[f.Interface] = f
	}
}

func (c *Cache) update(f Interface) {
	c.mu.Lock()
	defer c.mu.Unlock()
	f.LastUpdate = time.Now()
	c.interfaces[f.Interface] = f
}

// ChangeHandler is invoked for every network_change event, after the
// cache has been updated, so C8 can drive its debounce logic.
type ChangeHandler func(Interface)

// Client connects to the sidecar socket, decodes events, and updates
// Cache. Connection failures (socket absent, EOF) trigger reconnect with
// bounded backoff; they are never fatal.
type Client struct {
	socketPath string
	cache      *Cache
	onChange   ChangeHandler
}

// NewClient constructs a client for socketPath (DefaultSocketPath if
// empty) invoking onChange for every network_change event.
func NewClient(socketPath string, onChange ChangeHandler) *Client {
	if socketPath == "" {
		socketPath = DefaultSocketPath
	}
	return &Client{socketPath: socketPath, cache: newCache(), onChange: onChange}
}

// Cache exposes the read-only interface cache for C6 consumers.
func (c *Client) Cache() *Cache { return c.cache }

// Run connects and consumes events until ctx is cancelled, reconnecting
// with bounded backoff on any disconnect. Never returns a fatal error;
// it returns nil when ctx is cancelled.
func (c *Client) Run(ctx context.Context) error {
	backoff := time.Second
	const maxBackoff = 10 * time.Second

	for {
		if ctx.Err() != nil {
			return nil
		}

		conn, err := net.Dial("unix", c.socketPath)
		if err != nil {
			slog.Debug("network monitor socket unavailable, retrying", "path", c.socketPath, "error", err)
			if !sleepOrDone(ctx, backoff) {
				return nil
			}
			backoff = nextBackoff(backoff, maxBackoff)
			continue
		}

		slog.Info("connected to network monitor", "path", c.socketPath)
		backoff = time.Second
		if err := c.consume(ctx, conn); err != nil {
			slog.Warn("network monitor connection lost, reconnecting", "error", err)
		}
		conn.Close()

		if !sleepOrDone(ctx, backoff) {
			return nil
		}
	}
}

func (c *Client) consume(ctx context.Context, conn net.Conn) error {
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()
	defer close(done)

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		c.handleLine(line)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read event stream: %w", err)
	}
	return fmt.Errorf("event stream closed (EOF)")
}

func (c *Client) handleLine(line []byte) {
	var event rawEvent
	if err := json.Unmarshal(line, &event); err != nil {
		slog.Warn("malformed network event, skipping", "error", err)
		return
	}

	switch event.Type {
	case "network_discovery":
		var d discoveryEvent
		if err := json.Unmarshal(event.Data, &d); err != nil {
			slog.Warn("malformed network_discovery event, skipping", "error", err)
			return
		}
		c.cache.replace(d.Interfaces)
		slog.Info("network discovery processed", "interface_count", len(d.Interfaces))
	case "network_change":
		var f Interface
		if err := json.Unmarshal(event.Data, &f); err != nil {
			slog.Warn("malformed network_change event, skipping", "error", err)
			return
		}
		c.cache.update(f)
		if c.onChange != nil {
			c.onChange(f)
		}
	default:
		slog.Debug("unknown network event type, skipping", "type", event.Type)
	}
}

func sleepOrDone(ctx context.Context, d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}

func nextBackoff(current, max time.Duration) time.Duration {
	next := current * 2
	if next > max {
		return max
	}
	return next
}
