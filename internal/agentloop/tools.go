package agentloop

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/kestrelhq/dawbridge/internal/daw"
	"github.com/kestrelhq/dawbridge/internal/mixer"
	"github.com/kestrelhq/dawbridge/internal/observe"
	"github.com/kestrelhq/dawbridge/pkg/provider/llm"
)

// Fixed tool names (spec §4.7). The catalog never grows or shrinks and
// never varies per session.
const (
	ToolEnumerateMixer      = "enumerate_mixer"
	ToolGetDeviceParameters = "get_device_parameters"
	ToolSetDeviceParameter  = "set_device_parameter"
)

// IsMutating reports whether tool requires client approval before
// execution. Only set_device_parameter mutates DAW state.
func IsMutating(tool string) bool {
	return tool == ToolSetDeviceParameter
}

// Catalog returns the three fixed tool definitions with their normative
// JSON schemas (spec §6). The result is a fresh slice on every call so
// callers may freely mutate it.
func Catalog() []llm.ToolDefinition {
	return []llm.ToolDefinition{
		{
			Name:        ToolEnumerateMixer,
			Description: "Return the current mixer tree (tracks, devices, and parameters) for this session, served from the local mirror without querying the DAW.",
			Parameters: map[string]any{
				"type":       "object",
				"properties": map[string]any{},
			},
		},
		{
			Name:        ToolGetDeviceParameters,
			Description: "Return the live parameter list (name, value, min, max) for one device, read directly from the DAW.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"track_id":  map[string]any{"type": "integer"},
					"device_id": map[string]any{"type": "integer"},
				},
				"required": []string{"track_id", "device_id"},
			},
		},
		{
			Name:        ToolSetDeviceParameter,
			Description: "Set a device parameter's value on the DAW. Mutating; requires client approval. Returns the value's textual rendering before and after the change.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"track_id":  map[string]any{"type": "integer"},
					"device_id": map[string]any{"type": "integer"},
					"param_id":  map[string]any{"type": "integer"},
					"value":     map[string]any{"type": "number"},
				},
				"required": []string{"track_id", "device_id", "param_id", "value"},
			},
		},
	}
}

// Executor dispatches validated tool calls to C3/C4 and tracks per-tool
// health. enumerate_mixer is served from the mixer mirror; the other two
// go through the DAW bridge (spec §4.7).
type Executor struct {
	bridge *daw.Bridge
	mirror *mixer.Mirror
	health *toolHealth
	logger *slog.Logger
}

// NewExecutor constructs an Executor bound to one session's bridge and
// mirror.
func NewExecutor(bridge *daw.Bridge, mirror *mixer.Mirror, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{bridge: bridge, mirror: mirror, health: newToolHealth(logger), logger: logger}
}

// Execute runs one validated tool call and returns its JSON-encoded
// result. Errors are wrapped but never panic; the agent loop surfaces
// them to the LLM as an error tool-result per spec §4.7/§7.
func (e *Executor) Execute(ctx context.Context, call llm.ToolCall) (string, error) {
	start := time.Now()
	result, err := e.dispatch(ctx, call)
	elapsed := time.Since(start)
	e.health.record(call.Name, elapsed.Milliseconds(), err != nil)

	status := "ok"
	if err != nil {
		status = "error"
	}
	observe.DefaultMetrics().RecordToolCall(ctx, call.Name, status, elapsed.Seconds())

	return result, err
}

func (e *Executor) dispatch(ctx context.Context, call llm.ToolCall) (string, error) {
	switch call.Name {
	case ToolEnumerateMixer:
		return e.enumerateMixer()
	case ToolGetDeviceParameters:
		return e.getDeviceParameters(ctx, call.Arguments)
	case ToolSetDeviceParameter:
		return e.setDeviceParameter(ctx, call.Arguments)
	default:
		return "", fmt.Errorf("agentloop: unknown tool %q", call.Name)
	}
}

func (e *Executor) enumerateMixer() (string, error) {
	snapshot := e.mirror.Load()
	if snapshot == nil {
		return "", fmt.Errorf("agentloop: mixer not yet indexed for this session")
	}
	b, err := json.Marshal(snapshot)
	if err != nil {
		return "", fmt.Errorf("agentloop: encode mixer snapshot: %w", err)
	}
	return string(b), nil
}

type trackDeviceArgs struct {
	TrackID  int `json:"track_id"`
	DeviceID int `json:"device_id"`
}

func (e *Executor) getDeviceParameters(ctx context.Context, rawArgs string) (string, error) {
	var args trackDeviceArgs
	if err := json.Unmarshal([]byte(rawArgs), &args); err != nil {
		return "", fmt.Errorf("agentloop: invalid get_device_parameters arguments: %w", err)
	}
	params, err := e.bridge.GetParameters(ctx, args.TrackID, args.DeviceID)
	if err != nil {
		return "", err
	}
	b, err := json.Marshal(params)
	if err != nil {
		return "", fmt.Errorf("agentloop: encode parameters: %w", err)
	}
	return string(b), nil
}

type setParameterArgs struct {
	TrackID  int     `json:"track_id"`
	DeviceID int     `json:"device_id"`
	ParamID  int     `json:"param_id"`
	Value    float64 `json:"value"`
}

func (e *Executor) setDeviceParameter(ctx context.Context, rawArgs string) (string, error) {
	var args setParameterArgs
	if err := json.Unmarshal([]byte(rawArgs), &args); err != nil {
		return "", fmt.Errorf("agentloop: invalid set_device_parameter arguments: %w", err)
	}

	var deviceName, paramName string
	if snapshot := e.mirror.Load(); snapshot != nil {
		if dev, ok := snapshot.Device(mixer.DeviceRef{Track: args.TrackID, Device: args.DeviceID}); ok {
			deviceName = dev.Name
			if args.ParamID >= 0 && args.ParamID < len(dev.Parameters) {
				paramName = dev.Parameters[args.ParamID].Name
			}
		}
	}

	result, err := e.bridge.SetParameter(ctx, args.TrackID, args.DeviceID, args.ParamID, args.Value, deviceName, paramName)
	if err != nil {
		return "", err
	}
	b, err := json.Marshal(result)
	if err != nil {
		return "", fmt.Errorf("agentloop: encode set result: %w", err)
	}
	return string(b), nil
}
