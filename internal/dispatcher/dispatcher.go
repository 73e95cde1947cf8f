// Package dispatcher implements a topic registration table that
// validates inbound cloud messages against their schemas and routes
// them to the lifecycle engine, the metrics sampler, or the runtime
// HTTP proxy, replying in the envelope shape
// {action, correlation_id, status, ...}.
package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"orcagent/internal/engine"
	"orcagent/internal/metrics"
	"orcagent/internal/registry"
	"orcagent/internal/tracing"
	"orcagent/internal/validate"
	"orcagent/internal/vnic"
)

var tracer = tracing.Tracer("orcagent/dispatcher")

// Handler is a topic's business logic. data has already passed schema
// validation; its shape is the raw (unknown-fields-preserved) message.
type Handler func(ctx context.Context, data map[string]any) (Result, error)

// Result is a handler's successful outcome: a status string (e.g.
// "success", "creating", "already_absent") plus arbitrary reply fields.
type Result struct {
	Status string
	Extra  map[string]any
}

type registration struct {
	schema  validate.Schema
	handler Handler
}

// Dispatcher holds the topic → (schema, handler) table and builds reply
// envelopes for the cloud session to emit.
type Dispatcher struct {
	topics map[string]registration
}

// New constructs an empty dispatcher.
func New() *Dispatcher {
	return &Dispatcher{topics: make(map[string]registration)}
}

// Register adds a topic handler. Calling Register for an already
// registered topic replaces it; intended for startup wiring only, not
// concurrent use.
func (d *Dispatcher) Register(topic string, schema validate.Schema, handler Handler) {
	d.topics[topic] = registration{schema: schema, handler: handler}
}

// Dispatch validates payload against topic's schema and invokes its
// handler, always returning a reply envelope — never an error — so the
// cloud session can emit it unconditionally.
func (d *Dispatcher) Dispatch(ctx context.Context, topic string, payload map[string]any) map[string]any {
	ctx, span := tracer.Start(ctx, topic, trace.WithAttributes(attribute.String("topic", topic)))
	defer span.End()

	correlationID := payload["correlation_id"]
	if correlationID == nil {
		correlationID = uuid.NewString()
	}
	if id, ok := correlationID.(string); ok {
		span.SetAttributes(attribute.String("correlation_id", id))
	}

	reg, ok := d.topics[topic]
	if !ok {
		slog.Warn("unknown topic, NACKing", "topic", topic)
		span.SetStatus(codes.Error, "unknown_topic")
		return errorEnvelope(topic, correlationID, "unknown_topic", fmt.Sprintf("no handler registered for topic %q", topic))
	}

	validated, verr := validate.Validate(reg.schema, payload)
	if verr != nil {
		slog.Warn("inbound message failed validation", "topic", topic, "field", verr.Path)
		span.SetStatus(codes.Error, "validation_error")
		return errorEnvelope(topic, correlationID, "validation_error", verr.Error())
	}

	result, err := reg.handler(ctx, validated)
	if err != nil {
		kind, message := classifyError(err)
		slog.Error("handler failed", "topic", topic, "kind", kind, "error", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, kind)
		return errorEnvelope(topic, correlationID, kind, message)
	}

	span.SetAttributes(attribute.String("status", result.Status))
	return successEnvelope(topic, correlationID, result.Status, result.Extra)
}

func classifyError(err error) (kind, message string) {
	var engineErr *engine.Error
	if errors.As(err, &engineErr) {
		return string(engineErr.Kind), engineErr.Error()
	}
	return "engine_error", err.Error()
}

func successEnvelope(topic string, correlationID any, status string, extra map[string]any) map[string]any {
	out := map[string]any{
		"action":         topic,
		"correlation_id": correlationID,
		"status":         status,
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}

func errorEnvelope(topic string, correlationID any, kind, message string) map[string]any {
	return map[string]any{
		"action":         topic,
		"correlation_id": correlationID,
		"status":         "error",
		"error":          map[string]any{"kind": kind, "message": message},
	}
}

// Deps are the subsystems RegisterDefaults wires the built-in handler
// table against.
type Deps struct {
	Lifecycle      *engine.Lifecycle
	Engine         engine.ContainerEngine
	Registry       *registry.Registry
	DeviceBuffers  *metrics.DeviceBuffers
	SelfBuffer     *metrics.Buffer
	SelfIdentifier func() string
	Telemetry      TelemetryController
	RuntimeImage   string
}

// TelemetryController is the subset of the telemetry emitter the
// connect handler needs: start it if it is not already running.
type TelemetryController interface {
	EnsureRunning(ctx context.Context)
}

// SelfContainerName is the agent's own managed container name, used by
// delete_orchestrator. It matches the name the lifecycle engine attaches
// to each runtime's internal network.
const SelfContainerName = "orcagent"

// DefaultRuntimeImage is used when create_new_runtime omits an explicit
// image reference.
const DefaultRuntimeImage = "orcagent/vplc-runtime:latest"

// RegisterDefaults wires the full built-in handler table against the
// given dependencies.
func RegisterDefaults(d *Dispatcher, deps Deps) {
	image := deps.RuntimeImage
	if image == "" {
		image = DefaultRuntimeImage
	}

	vnicConfigSchema := validate.Object(validate.Schema{
		"name":             validate.String(),
		"parent_interface": validate.String(),
		"network_mode":     validate.String(),
		"parent_subnet":    validate.Optional(validate.String()),
		"parent_gateway":   validate.Optional(validate.String()),
		"ip_address":       validate.Optional(validate.String()),
		"subnet":           validate.Optional(validate.String()),
		"gateway":          validate.Optional(validate.String()),
		"mac_address":      validate.Optional(validate.String()),
		"dns":              validate.Optional(validate.List(validate.String())),
	})

	createSchema := merge(validate.BaseMessage, validate.Schema{
		"container_name": validate.String(),
		"image":          validate.Optional(validate.String()),
		"vnic_configs":   validate.List(vnicConfigSchema),
	})
	d.Register("create_new_runtime", createSchema, func(ctx context.Context, data map[string]any) (Result, error) {
		name, _ := data["container_name"].(string)
		ref := image
		if v, ok := data["image"].(string); ok && v != "" {
			ref = v
		}
		vnics, err := decodeVnicConfigs(data["vnic_configs"])
		if err != nil {
			return Result{}, fmt.Errorf("decode vnic_configs: %w", err)
		}
		ack, err := deps.Lifecycle.CreateRuntime(ctx, name, ref, vnics)
		if err != nil {
			return Result{}, err
		}
		if deps.DeviceBuffers != nil {
			deps.DeviceBuffers.Add(name)
		}
		return Result{Status: ack.Status, Extra: map[string]any{"container_id": ack.ContainerID}}, nil
	})

	d.Register("delete_device", validate.BaseDevice, func(ctx context.Context, data map[string]any) (Result, error) {
		name, _ := data["device_id"].(string)
		ack, err := deps.Lifecycle.DeleteDevice(ctx, name)
		if err != nil {
			return Result{}, err
		}
		if deps.DeviceBuffers != nil {
			deps.DeviceBuffers.Remove(name)
		}
		return Result{Status: ack.Status}, nil
	})

	d.Register("delete_orchestrator", validate.BaseMessage, func(ctx context.Context, data map[string]any) (Result, error) {
		ack, err := deps.Lifecycle.DeleteDevice(ctx, SelfContainerName)
		if err != nil {
			return Result{}, err
		}
		return Result{Status: ack.Status}, nil
	})

	runCommandSchema := merge(validate.BaseDevice, validate.Schema{
		"path": validate.String(),
	})
	d.Register("run_command", runCommandSchema, func(ctx context.Context, data map[string]any) (Result, error) {
		deviceID, _ := data["device_id"].(string)
		path, _ := data["path"].(string)

		rec, ok := deps.Registry.Get(deviceID)
		if !ok || rec.InternalIP == "" {
			return Result{}, &engine.Error{Kind: "registry_error", Message: "no known internal IP for " + deviceID}
		}

		var body []byte
		if payload, present := data["payload"]; present {
			encoded, err := json.Marshal(payload)
			if err != nil {
				return Result{}, fmt.Errorf("encode run_command payload: %w", err)
			}
			body = encoded
		}

		respBody, statusCode, err := deps.Engine.RunCommandProxy(ctx, rec.InternalIP, path, body)
		if err != nil {
			return Result{}, &engine.Error{Kind: "engine_error", Message: "run_command proxy to " + deviceID, Cause: err}
		}
		return Result{Status: "success", Extra: map[string]any{
			"status_code":   statusCode,
			"response_body": string(respBody),
		}}, nil
	})

	consumptionWindowSchema := validate.Schema{
		"start": validate.Optional(validate.Date()),
		"end":   validate.Optional(validate.Date()),
	}

	d.Register("get_consumption_device", merge(validate.BaseDevice, consumptionWindowSchema), func(ctx context.Context, data map[string]any) (Result, error) {
		deviceID, _ := data["device_id"].(string)
		start, end := parseWindow(data)
		samples := deps.DeviceBuffers.Samples(deviceID, start, end)
		return Result{Status: "success", Extra: map[string]any{"samples": samplesToPayload(samples)}}, nil
	})

	d.Register("get_consumption_orchestrator", merge(validate.BaseMessage, consumptionWindowSchema), func(ctx context.Context, data map[string]any) (Result, error) {
		start, end := parseWindow(data)
		samples := deps.SelfBuffer.Samples(start, end)
		return Result{Status: "success", Extra: map[string]any{"samples": samplesToPayload(samples)}}, nil
	})

	d.Register("connect", validate.BaseMessage, func(ctx context.Context, data map[string]any) (Result, error) {
		if deps.Telemetry != nil {
			deps.Telemetry.EnsureRunning(ctx)
		}
		return Result{Status: "success"}, nil
	})

	d.Register("disconnect", validate.BaseMessage, func(ctx context.Context, data map[string]any) (Result, error) {
		slog.Info("cloud session reported disconnect lifecycle hook")
		return Result{Status: "success"}, nil
	})
}

func merge(base, extra validate.Schema) validate.Schema {
	out := make(validate.Schema, len(base)+len(extra))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}

func decodeVnicConfigs(raw any) ([]vnic.Config, error) {
	items, ok := raw.([]any)
	if !ok {
		return nil, fmt.Errorf("expected a list")
	}
	out := make([]vnic.Config, 0, len(items))
	for _, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("expected an object")
		}
		cfg := vnic.Config{
			Name:            stringField(m, "name"),
			ParentInterface: stringField(m, "parent_interface"),
			Mode:            vnic.Mode(stringField(m, "network_mode")),
			ParentSubnet:    stringField(m, "parent_subnet"),
			ParentGateway:   stringField(m, "parent_gateway"),
			IPAddress:       stringField(m, "ip_address"),
			Subnet:          stringField(m, "subnet"),
			Gateway:         stringField(m, "gateway"),
			MACAddress:      stringField(m, "mac_address"),
		}
		if dns, ok := m["dns"].([]any); ok {
			for _, d := range dns {
				if s, ok := d.(string); ok {
					cfg.DNS = append(cfg.DNS, s)
				}
			}
		}
		out = append(out, cfg)
	}
	return out, nil
}

func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

func parseWindow(data map[string]any) (start, end time.Time) {
	if s, ok := data["start"].(string); ok {
		if t, err := time.Parse(time.RFC3339, s); err == nil {
			start = t
		}
	}
	if e, ok := data["end"].(string); ok {
		if t, err := time.Parse(time.RFC3339, e); err == nil {
			end = t
		}
	}
	return start, end
}

func samplesToPayload(samples []metrics.Sample) []map[string]any {
	out := make([]map[string]any, 0, len(samples))
	for _, s := range samples {
		out = append(out, map[string]any{
			"timestamp":    s.Timestamp.Format(time.RFC3339),
			"cpu_usage":    s.CPUPct,
			"memory_usage": s.MemoryMB,
		})
	}
	return out
}
