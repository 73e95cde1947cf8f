// Package supervisor brings up every capability in dependency order,
// registers the command table, and drives graceful shutdown, restarting
// the cloud session loop on failure instead of exiting the process.
package supervisor

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/docker/docker/client"

	"orcagent/internal/cloudsession"
	"orcagent/internal/config"
	"orcagent/internal/dispatcher"
	"orcagent/internal/engine"
	"orcagent/internal/identity"
	"orcagent/internal/metrics"
	"orcagent/internal/netmon"
	"orcagent/internal/oplock"
	"orcagent/internal/reconfig"
	"orcagent/internal/registry"
	"orcagent/internal/telemetry"
)

// sessionRestartDelay bounds how fast the supervisor retries a session
// loop that returned (it normally never does; Session.Run already
// reconnects internally, so a return means Run itself gave up, e.g. ctx
// cancellation or a programmer error in the handler).
const sessionRestartDelay = 2 * time.Second

// sessionRunner is the subset of *cloudsession.Session the run loop and
// shutdown sequencing need; narrowed to an interface so Run's ordering
// can be exercised against a fake without a live cloud endpoint.
type sessionRunner interface {
	Run(ctx context.Context) error
	Emit(topic string, payload map[string]any) error
}

// netmonRunner is the subset of *netmon.Client Run needs.
type netmonRunner interface {
	Run(ctx context.Context) error
}

// reconfigDrainer is the subset of *reconfig.Loop the run loop and its
// shutdown sequence need.
type reconfigDrainer interface {
	OnChange(f netmon.Interface)
	Shutdown(ctx context.Context)
}

// Supervisor owns every long-running capability and coordinates their
// startup and shutdown order.
type Supervisor struct {
	cfg *config.Config

	trust    *identity.Trust
	reg      *registry.Registry
	sampler  *metrics.Sampler
	selfBuf  *metrics.Buffer
	devBufs  *metrics.DeviceBuffers
	ops      *oplock.Tracker
	netmonC  netmonRunner
	reconfig reconfigDrainer
	lifecyc  *engine.Lifecycle
	dispatch *dispatcher.Dispatcher
	session  sessionRunner
	telem    *telemetry.Emitter
	dockerC  io.Closer
}

// New wires every capability against cfg without starting any
// background loop; call Run to start and block.
func New(cfg *config.Config) (*Supervisor, error) {
	trust, err := identity.Load(cfg.CredentialDir)
	if err != nil {
		return nil, fmt.Errorf("load client identity: %w", err)
	}

	reg := registry.New(cfg.RegistryPath)
	if err := reg.Load(); err != nil {
		return nil, fmt.Errorf("load container registry: %w", err)
	}

	dockerC, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("construct docker engine client: %w", err)
	}
	dockerEngine := engine.NewDockerEngine(dockerC)

	sampler := metrics.NewSampler()
	selfBuf := metrics.NewBuffer()
	devBufs := metrics.NewDeviceBuffers()
	for _, rec := range reg.Snapshot() {
		devBufs.Add(rec.Name)
	}
	ops := oplock.New()

	s := &Supervisor{
		cfg:     cfg,
		trust:   trust,
		reg:     reg,
		sampler: sampler,
		selfBuf: selfBuf,
		devBufs: devBufs,
		ops:     ops,
		dockerC: dockerC,
	}

	netmonClient := netmon.NewClient(cfg.EventSocketPath, s.onInterfaceChange)
	s.netmonC = netmonClient
	s.lifecyc = engine.New(dockerEngine, reg, ops, netmonClient.Cache(), cfg.EngineCallTimeout)
	s.reconfig = reconfig.New(s.lifecyc, reg, cfg.ReconfigFanOut)

	// Telemetry.Emit closes over s.session, which is constructed after
	// this point; the method value is only called once the session is
	// running, by which time the field is set.
	s.telem = telemetry.New(trust.AgentID, sampler, selfBuf, devBufs, dockerEngine.ContainerStats, s.emitHeartbeat)

	s.dispatch = dispatcher.New()
	dispatcher.RegisterDefaults(s.dispatch, dispatcher.Deps{
		Lifecycle:      s.lifecyc,
		Engine:         dockerEngine,
		Registry:       reg,
		DeviceBuffers:  devBufs,
		SelfBuffer:     selfBuf,
		SelfIdentifier: trust.AgentID,
		Telemetry:      s.telem,
		RuntimeImage:   dispatcher.DefaultRuntimeImage,
	})

	s.session = cloudsession.New(cfg.CloudServerURL, trust.ClientTLSConfig(), s.handleInbound, s.onConnect, s.onDisconnect)

	return s, nil
}

// Run starts the event stream client and the cloud session, then blocks
// until ctx is cancelled. Identity and the registry are already live
// from New; metrics needs no explicit start (it's sampled on demand);
// the reconfiguration loop needs none either, since it is driven by the
// event stream client's change callback; the command table is already
// registered; the telemetry emitter is started by the session's connect
// hook; and the cloud session starts last and drives the command loop
// until shutdown.
func (s *Supervisor) Run(ctx context.Context) error {
	netmonCtx, stopNetmon := context.WithCancel(ctx)
	defer stopNetmon()

	go func() {
		if err := s.netmonC.Run(netmonCtx); err != nil {
			slog.Error("network monitor client exited", "error", err)
		}
	}()

	sessionCtx, stopSession := context.WithCancel(ctx)
	defer stopSession()
	sessionDone := make(chan struct{})
	go s.runSessionLoop(sessionCtx, sessionDone)

	<-ctx.Done()
	slog.Info("supervisor shutting down")

	// Stop accepting new inbound commands first, then drain the
	// reconfiguration worker pool, finally close the engine client.
	stopSession()
	<-sessionDone

	drainCtx, cancelDrain := context.WithTimeout(context.Background(), 30*time.Second)
	s.reconfig.Shutdown(drainCtx)
	cancelDrain()

	stopNetmon()

	if err := s.dockerC.Close(); err != nil {
		slog.Warn("closing docker engine client", "error", err)
	}

	return nil
}

// runSessionLoop restarts Session.Run indefinitely on return; a session
// failure is never fatal to the process.
func (s *Supervisor) runSessionLoop(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		if ctx.Err() != nil {
			return
		}
		if err := s.session.Run(ctx); err != nil {
			slog.Error("cloud session loop exited", "error", err)
		}
		if ctx.Err() != nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(sessionRestartDelay):
		}
	}
}

func (s *Supervisor) onInterfaceChange(f netmon.Interface) {
	s.reconfig.OnChange(f)
}

func (s *Supervisor) handleInbound(ctx context.Context, topic string, payload map[string]any) map[string]any {
	return s.dispatch.Dispatch(ctx, topic, payload)
}

func (s *Supervisor) emitHeartbeat(topic string, payload map[string]any) error {
	return s.session.Emit(topic, payload)
}

func (s *Supervisor) onConnect(ctx context.Context) {
	slog.Info("cloud session connected")
	s.telem.EnsureRunning(ctx)
}

func (s *Supervisor) onDisconnect(ctx context.Context) {
	slog.Warn("cloud session disconnected")
}
