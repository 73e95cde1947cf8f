package engine

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/containerd/errdefs"
	"github.com/distribution/reference"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	dockernetwork "github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// runtimeControlPort is the fixed port the run_command proxy dials on
// the runtime's internal network.
const runtimeControlPort = "8443/tcp"

// DockerEngine implements ContainerEngine against the local Docker
// Engine API.
type DockerEngine struct {
	cli        client.APIClient
	httpClient *http.Client
}

// NewDockerEngine wraps an existing Docker API client.
func NewDockerEngine(cli client.APIClient) *DockerEngine {
	return &DockerEngine{
		cli: cli,
		// The runtime presents a self-signed certificate on its internal
		// control-plane port; the proxy must accept it. otelhttp wraps the
		// transport so every run_command proxy call produces a child span
		// under the dispatcher's command span.
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
			Transport: otelhttp.NewTransport(&http.Transport{
				TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
			}),
		},
	}
}

// RunCommandProxy issues an HTTPS request to the runtime's internal
// control-plane port and returns the response body verbatim. TLS
// verification is intentionally disabled because the runtime presents a
// self-signed certificate that the agent has no CA to validate against.
func (d *DockerEngine) RunCommandProxy(ctx context.Context, internalIP, path string, body []byte) ([]byte, int, error) {
	url := fmt.Sprintf("https://%s:8443/%s", internalIP, strings.TrimPrefix(path, "/"))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, 0, fmt.Errorf("build run_command proxy request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("run_command proxy request to %s: %w", internalIP, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("read run_command proxy response: %w", err)
	}
	return respBody, resp.StatusCode, nil
}

func (d *DockerEngine) PullImage(ctx context.Context, ref string) error {
	normalized, err := reference.ParseDockerRef(ref)
	if err != nil {
		return fmt.Errorf("parse runtime image reference %s: %w", ref, err)
	}
	ref = normalized.String()

	slog.Info("pulling runtime image", "image", ref)
	resp, err := d.cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pull image %s: %w", ref, err)
	}
	defer resp.Close()
	if _, err := io.Copy(io.Discard, resp); err != nil {
		return fmt.Errorf("pull image %s: read response: %w", ref, err)
	}
	return nil
}

func (d *DockerEngine) HasLocalImage(ctx context.Context, ref string) (bool, error) {
	_, err := d.cli.ImageInspect(ctx, ref)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("inspect image %s: %w", ref, err)
	}
	return true, nil
}

func (d *DockerEngine) CreateContainer(ctx context.Context, name, imageRef string) error {
	controlPort, err := nat.NewPort("tcp", strings.TrimSuffix(runtimeControlPort, "/tcp"))
	if err != nil {
		return fmt.Errorf("parse runtime control port %s: %w", runtimeControlPort, err)
	}

	cfg := &container.Config{
		Image:        imageRef,
		ExposedPorts: nat.PortSet{controlPort: struct{}{}},
	}
	hostCfg := &container.HostConfig{RestartPolicy: container.RestartPolicy{Name: container.RestartPolicyAlways}}

	_, err = d.cli.ContainerCreate(ctx, cfg, hostCfg, nil, (*ocispec.Platform)(nil), name)
	if err != nil {
		return fmt.Errorf("create container %s: %w", name, err)
	}
	if err := d.cli.ContainerStart(ctx, name, container.StartOptions{}); err != nil {
		return fmt.Errorf("start container %s: %w", name, err)
	}
	return nil
}

func (d *DockerEngine) RemoveContainer(ctx context.Context, name string) error {
	if err := d.cli.ContainerStop(ctx, name, container.StopOptions{}); err != nil {
		if !errdefs.IsNotFound(err) {
			return fmt.Errorf("stop container %s: %w", name, err)
		}
	}
	if err := d.cli.ContainerRemove(ctx, name, container.RemoveOptions{Force: true}); err != nil {
		if !errdefs.IsNotFound(err) {
			return fmt.Errorf("remove container %s: %w", name, err)
		}
	}
	return nil
}

func (d *DockerEngine) InspectContainer(ctx context.Context, name string) (InspectResult, error) {
	info, err := d.cli.ContainerInspect(ctx, name)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return InspectResult{Present: false}, nil
		}
		return InspectResult{}, fmt.Errorf("inspect container %s: %w", name, err)
	}

	result := InspectResult{
		Present:       true,
		AttachmentIPs: make(map[string]string),
	}
	if info.State != nil {
		result.EngineState = info.State.Status
	}
	internalName := name + "_internal"
	if info.NetworkSettings != nil {
		for netName, ep := range info.NetworkSettings.Networks {
			if netName == internalName {
				result.InternalIP = ep.IPAddress
				continue
			}
			result.AttachmentIPs[netName] = ep.IPAddress
		}
	}
	return result, nil
}

// ContainerStats reads one non-streaming stats sample for name and
// derives CPU percent as (cpu_delta/system_delta) * online_cpus * 100
// and memory usage in MB from the raw usage byte count.
func (d *DockerEngine) ContainerStats(ctx context.Context, name string) (float64, float64, error) {
	resp, err := d.cli.ContainerStats(ctx, name, false)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return 0, 0, nil
		}
		return 0, 0, fmt.Errorf("stats for container %s: %w", name, err)
	}
	defer resp.Body.Close()

	var stats container.StatsResponse
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return 0, 0, fmt.Errorf("decode stats for container %s: %w", name, err)
	}

	cpuDelta := float64(stats.CPUStats.CPUUsage.TotalUsage) - float64(stats.PreCPUStats.CPUUsage.TotalUsage)
	systemDelta := float64(stats.CPUStats.SystemUsage) - float64(stats.PreCPUStats.SystemUsage)

	numCPUs := float64(stats.CPUStats.OnlineCPUs)
	if numCPUs == 0 {
		numCPUs = float64(len(stats.CPUStats.CPUUsage.PercpuUsage))
	}
	if numCPUs == 0 {
		numCPUs = 1
	}

	var cpuPercent float64
	if systemDelta > 0 && cpuDelta > 0 {
		cpuPercent = (cpuDelta / systemDelta) * numCPUs * 100.0
	}

	memoryMB := float64(stats.MemoryStats.Usage) / (1024 * 1024)

	return clampPercentEngine(cpuPercent), memoryMB, nil
}

func clampPercentEngine(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

func (d *DockerEngine) EnsureBridgeNetwork(ctx context.Context, name string, internal bool) (NetworkInfo, error) {
	nw, err := d.cli.NetworkInspect(ctx, name, dockernetwork.InspectOptions{})
	if err == nil {
		return toNetworkInfo(nw), nil
	}
	if !errdefs.IsNotFound(err) {
		return NetworkInfo{}, fmt.Errorf("inspect network %s: %w", name, err)
	}

	if _, err := d.cli.NetworkCreate(ctx, name, dockernetwork.CreateOptions{
		Driver:   "bridge",
		Internal: internal,
	}); err != nil {
		return NetworkInfo{}, fmt.Errorf("create network %s: %w", name, err)
	}
	nw, err = d.cli.NetworkInspect(ctx, name, dockernetwork.InspectOptions{})
	if err != nil {
		return NetworkInfo{}, fmt.Errorf("inspect network %s after create: %w", name, err)
	}
	return toNetworkInfo(nw), nil
}

func (d *DockerEngine) EnsureMACVLANNetwork(ctx context.Context, name, parentIface, subnet, gateway string) (NetworkInfo, error) {
	nw, err := d.cli.NetworkInspect(ctx, name, dockernetwork.InspectOptions{})
	if err == nil {
		return toNetworkInfo(nw), nil
	}
	if !errdefs.IsNotFound(err) {
		return NetworkInfo{}, fmt.Errorf("inspect network %s: %w", name, err)
	}

	ipamConfig := dockernetwork.IPAMConfig{Subnet: subnet}
	if gateway != "" {
		ipamConfig.Gateway = gateway
	}

	_, err = d.cli.NetworkCreate(ctx, name, dockernetwork.CreateOptions{
		Driver:  "macvlan",
		Options: map[string]string{"parent": parentIface},
		IPAM:    &dockernetwork.IPAM{Config: []dockernetwork.IPAMConfig{ipamConfig}},
	})
	if err != nil {
		if isOverlapError(err) {
			return NetworkInfo{}, ErrOverlapNoMatch
		}
		return NetworkInfo{}, fmt.Errorf("create macvlan network %s: %w", name, err)
	}

	nw, err = d.cli.NetworkInspect(ctx, name, dockernetwork.InspectOptions{})
	if err != nil {
		return NetworkInfo{}, fmt.Errorf("inspect macvlan network %s after create: %w", name, err)
	}
	return toNetworkInfo(nw), nil
}

func (d *DockerEngine) ListMACVLANNetworks(ctx context.Context) ([]NetworkInfo, error) {
	summaries, err := d.cli.NetworkList(ctx, dockernetwork.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("list networks: %w", err)
	}
	out := make([]NetworkInfo, 0, len(summaries))
	for _, s := range summaries {
		if s.Driver != "macvlan" {
			continue
		}
		nw, err := d.cli.NetworkInspect(ctx, s.ID, dockernetwork.InspectOptions{})
		if err != nil {
			if errdefs.IsNotFound(err) {
				continue
			}
			return nil, fmt.Errorf("inspect network %s: %w", s.Name, err)
		}
		out = append(out, toNetworkInfo(nw))
	}
	return out, nil
}

func (d *DockerEngine) RemoveNetwork(ctx context.Context, name string) error {
	if err := d.cli.NetworkRemove(ctx, name); err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("remove network %s: %w", name, err)
	}
	return nil
}

func (d *DockerEngine) ConnectNetwork(ctx context.Context, containerName, networkName string, spec ConnectSpec) error {
	settings := &dockernetwork.EndpointSettings{}
	if spec.MACAddress != "" {
		settings.MacAddress = spec.MACAddress
	}
	if spec.IPv4Address != "" {
		settings.IPAMConfig = &dockernetwork.EndpointIPAMConfig{IPv4Address: spec.IPv4Address}
	}
	if err := d.cli.NetworkConnect(ctx, networkName, containerName, settings); err != nil {
		return fmt.Errorf("connect %s to network %s: %w", containerName, networkName, err)
	}
	return nil
}

func (d *DockerEngine) DisconnectNetwork(ctx context.Context, containerName, networkName string) error {
	if err := d.cli.NetworkDisconnect(ctx, networkName, containerName, true); err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("disconnect %s from network %s: %w", containerName, networkName, err)
	}
	return nil
}

func toNetworkInfo(nw dockernetwork.Inspect) NetworkInfo {
	info := NetworkInfo{
		ID:       nw.ID,
		Name:     nw.Name,
		Driver:   nw.Driver,
		Internal: nw.Internal,
	}
	if len(nw.IPAM.Config) > 0 {
		info.Subnet = nw.IPAM.Config[0].Subnet
		info.Gateway = nw.IPAM.Config[0].Gateway
	}
	if parent, ok := nw.Options["parent"]; ok {
		info.ParentIface = parent
	}
	for id, ep := range nw.Containers {
		info.Attachments = append(info.Attachments, NetworkAttachment{
			ContainerID:   id,
			ContainerName: ep.Name,
			IPv4Address:   ep.IPv4Address,
			MACAddress:    ep.MacAddress,
		})
	}
	return info
}

func isOverlapError(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "overlap")
}
