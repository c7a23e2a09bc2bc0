// Package daw implements the DAW bridge (C3): a small domain API over the
// request/response shim that speaks the DAW's actual OSC vocabulary
// (spec §6) and assembles it into the mixer data model.
package daw

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kestrelhq/dawbridge/internal/mixer"
	"github.com/kestrelhq/dawbridge/internal/osc"
	"github.com/kestrelhq/dawbridge/internal/oscrpc"
)

// OSC addresses consumed, verbatim per spec §6.
const (
	addrTest             = "/live/test"
	addrNumTracks        = "/live/song/get/num_tracks"
	addrTrackData        = "/live/song/get/track_data"
	addrNumDevices       = "/live/track/get/num_devices"
	addrDevicesName      = "/live/track/get/devices/name"
	addrDevicesClassName = "/live/track/get/devices/class_name"
	addrDeviceName       = "/live/device/get/name"
	addrParamsName       = "/live/device/get/parameters/name"
	addrParamsValue      = "/live/device/get/parameters/value"
	addrParamsMin        = "/live/device/get/parameters/min"
	addrParamsMax        = "/live/device/get/parameters/max"
	addrParamValueString = "/live/device/get/parameter/value_string"
	addrSetParamValue    = "/live/device/set/parameter/value"
	addrStartListen      = "/live/device/start_listen/parameter/value"
	addrStopListen       = "/live/device/stop_listen/parameter/value"

	// ParamValuePushAddress is where the DAW pushes asynchronous parameter
	// value notifications once start_listen has been sent. C5 subscribes
	// to it directly on the transport, bypassing the request/response shim.
	ParamValuePushAddress = "/live/device/get/parameter/value"

	// placeholderParamCount is the number of reserved placeholder
	// parameters every device reports at the head of its parameter list.
	// §4.3/§9: the effective param_id for the k-th real parameter is k,
	// not k+2; this constant is the one place that offset is applied.
	placeholderParamCount = 2
)

// ErrNotLive reports that the DAW did not answer the liveness probe. No
// Bridge method returns it; [Bridge.IsLive] reports liveness as a bool.
var ErrNotLive = errors.New("daw: DAW not responding")

// ErrUnknownParameter identifies a parameter index outside a device's real
// (post-placeholder) parameter range. No Bridge method returns it:
// SetParameter, StartListen and StopListen send the index to the DAW
// without a range check.
var ErrUnknownParameter = errors.New("daw: unknown parameter")

// ErrMalformedReply is returned when an OSC reply's argument shape doesn't
// match what the address is expected to carry: a short or wrongly typed
// argument list (spec §7's protocol violation).
var ErrMalformedReply = errors.New("daw: malformed reply")

// Caller is the subset of [oscrpc.Shim] the bridge depends on, plus a way
// to send fire-and-forget messages for start/stop listen.
type Caller interface {
	Call(ctx context.Context, address string, args []any, timeout time.Duration) (osc.Message, error)
}

// Sender is the subset of [osc.Transport] used for fire-and-forget sends.
type Sender interface {
	Send(address string, args ...any) error
}

// ProgressSink receives progress updates during [Bridge.EnumerateMixer],
// in the range 0..50 per spec §4.3 (the observer's subscribe phase
// continues from 50 to 100).
type ProgressSink func(progress int)

// Bridge implements the DAW bridge domain API (C3) over a shared
// request/response shim and OSC transport. Stateless and safe to share
// across sessions; all per-session state lives in the mixer mirror (C4)
// and parameter observer (C5).
type Bridge struct {
	calls  Caller
	sender Sender

	livenessTimeout time.Duration
	queryTimeout    time.Duration
}

// New constructs a Bridge. livenessTimeout and queryTimeout should match
// the session's configured OSC timeouts (defaults 5s/2s per spec §6).
func New(calls Caller, sender Sender, livenessTimeout, queryTimeout time.Duration) *Bridge {
	return &Bridge{calls: calls, sender: sender, livenessTimeout: livenessTimeout, queryTimeout: queryTimeout}
}

// IsLive sends the liveness probe and reports whether a reply arrived
// before the configured liveness timeout.
func (b *Bridge) IsLive(ctx context.Context) bool {
	_, err := b.calls.Call(ctx, addrTest, nil, b.livenessTimeout)
	return err == nil
}

// EnumerateMixer queries track/device structure and assembles a
// [mixer.Snapshot]. progress is invoked at 0 (start), 10 (after
// num_tracks), 20 (after track_data), and 50 (after all tracks' device
// probes; terminal for this phase); progress may be nil.
func (b *Bridge) EnumerateMixer(ctx context.Context, progress ProgressSink) (*mixer.Snapshot, error) {
	report := func(p int) {
		if progress != nil {
			progress(p)
		}
	}
	report(0)

	countMsg, err := b.calls.Call(ctx, addrNumTracks, nil, b.queryTimeout)
	if err != nil {
		return nil, fmt.Errorf("daw: num_tracks: %w", err)
	}
	numTracks, err := argInt(countMsg.Args, 0)
	if err != nil {
		return nil, fmt.Errorf("daw: num_tracks: %w", err)
	}
	report(10)

	names, err := b.calls.Call(ctx, addrTrackData, nil, b.queryTimeout)
	if err != nil {
		return nil, fmt.Errorf("daw: track_data: %w", err)
	}
	trackNames := make(map[int]string, numTracks)
	for i := 0; i+1 < len(names.Args); i += 2 {
		idx, err := argInt(names.Args, i)
		if err != nil {
			return nil, fmt.Errorf("daw: track_data: %w", err)
		}
		name, err := argString(names.Args, i+1)
		if err != nil {
			return nil, fmt.Errorf("daw: track_data: %w", err)
		}
		trackNames[idx] = name
	}
	report(20)

	tracks := make([]mixer.Track, numTracks)
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < numTracks; i++ {
		i := i
		g.Go(func() error {
			track, err := b.enumerateTrack(gctx, i, trackNames[i])
			if err != nil {
				return err
			}
			tracks[i] = track
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("daw: enumerate tracks: %w", err)
	}
	report(50)

	return &mixer.Snapshot{Tracks: tracks}, nil
}

// enumerateTrack probes device count, names, and class names for a single
// track, then fetches each device's parameter list so the returned
// mixer.Device's Parameters is populated before the snapshot is ever
// stored: the parameter observer (C5) subscribes directly off this data
// and has nothing to iterate if it isn't.
func (b *Bridge) enumerateTrack(ctx context.Context, trackIdx int, name string) (mixer.Track, error) {
	countMsg, err := b.calls.Call(ctx, addrNumDevices, []any{int32(trackIdx)}, b.queryTimeout)
	if err != nil {
		return mixer.Track{}, fmt.Errorf("num_devices(track=%d): %w", trackIdx, err)
	}
	numDevices, err := argInt(countMsg.Args, 1)
	if err != nil {
		return mixer.Track{}, fmt.Errorf("num_devices(track=%d): %w", trackIdx, err)
	}

	track := mixer.Track{Ref: mixer.TrackRef{Track: trackIdx}, Name: name}
	if numDevices == 0 {
		return track, nil
	}

	namesMsg, err := b.calls.Call(ctx, addrDevicesName, []any{int32(trackIdx)}, b.queryTimeout)
	if err != nil {
		return mixer.Track{}, fmt.Errorf("devices/name(track=%d): %w", trackIdx, err)
	}
	classMsg, err := b.calls.Call(ctx, addrDevicesClassName, []any{int32(trackIdx)}, b.queryTimeout)
	if err != nil {
		return mixer.Track{}, fmt.Errorf("devices/class_name(track=%d): %w", trackIdx, err)
	}

	devices := make([]mixer.Device, numDevices)
	for d := 0; d < numDevices; d++ {
		devName, err := argString(namesMsg.Args, d+1)
		if err != nil {
			return mixer.Track{}, fmt.Errorf("devices/name(track=%d,device=%d): %w", trackIdx, d, err)
		}
		className, err := argString(classMsg.Args, d+1)
		if err != nil {
			return mixer.Track{}, fmt.Errorf("devices/class_name(track=%d,device=%d): %w", trackIdx, d, err)
		}
		params, err := b.GetParameters(ctx, trackIdx, d)
		if err != nil {
			return mixer.Track{}, fmt.Errorf("parameters(track=%d,device=%d): %w", trackIdx, d, err)
		}
		devices[d] = mixer.Device{
			Ref:        mixer.DeviceRef{Track: trackIdx, Device: d},
			Name:       devName,
			ClassName:  className,
			Parameters: params,
		}
	}
	track.Devices = devices
	return track, nil
}

// GetParameters fetches the live parameter list for one device: names,
// values, mins, and maxes issued concurrently, aligned by ordinal index,
// with the DAW's first two placeholder entries dropped (spec §4.3).
func (b *Bridge) GetParameters(ctx context.Context, track, device int) ([]mixer.Parameter, error) {
	var namesMsg, valuesMsg, minsMsg, maxesMsg osc.Message

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		namesMsg, err = b.calls.Call(gctx, addrParamsName, []any{int32(track), int32(device)}, b.queryTimeout)
		return err
	})
	g.Go(func() (err error) {
		valuesMsg, err = b.calls.Call(gctx, addrParamsValue, []any{int32(track), int32(device)}, b.queryTimeout)
		return err
	})
	g.Go(func() (err error) {
		minsMsg, err = b.calls.Call(gctx, addrParamsMin, []any{int32(track), int32(device)}, b.queryTimeout)
		return err
	})
	g.Go(func() (err error) {
		maxesMsg, err = b.calls.Call(gctx, addrParamsMax, []any{int32(track), int32(device)}, b.queryTimeout)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("daw: get_parameters(track=%d,device=%d): %w", track, device, err)
	}

	// Args[0:2] on every reply are (track, device); parameter payload
	// follows starting at index 2.
	total := len(namesMsg.Args) - 2
	if total <= placeholderParamCount {
		return nil, nil
	}

	out := make([]mixer.Parameter, 0, total-placeholderParamCount)
	for raw := placeholderParamCount; raw < total; raw++ {
		k := raw - placeholderParamCount

		name, err := argString(namesMsg.Args, 2+raw)
		if err != nil {
			return nil, fmt.Errorf("daw: get_parameters(track=%d,device=%d) name: %w", track, device, err)
		}
		value, err := argFloat(valuesMsg.Args, 2+raw)
		if err != nil {
			return nil, fmt.Errorf("daw: get_parameters(track=%d,device=%d) value: %w", track, device, err)
		}
		min, err := argFloat(minsMsg.Args, 2+raw)
		if err != nil {
			return nil, fmt.Errorf("daw: get_parameters(track=%d,device=%d) min: %w", track, device, err)
		}
		max, err := argFloat(maxesMsg.Args, 2+raw)
		if err != nil {
			return nil, fmt.Errorf("daw: get_parameters(track=%d,device=%d) max: %w", track, device, err)
		}

		out = append(out, mixer.Parameter{
			Ref:   mixer.ParameterRef{Track: track, Device: device, Parameter: k},
			Name:  name,
			Value: value,
			Min:   min,
			Max:   max,
		})
	}
	return out, nil
}

// SetResult is the outcome of [Bridge.SetParameter]: the pre- and
// post-change textual renderings of the parameter's value.
type SetResult struct {
	DeviceName    string `json:"device_name"`
	ParameterName string `json:"parameter_name"`
	FromString    string `json:"from_string"`
	ToString      string `json:"to_string"`
}

// SetParameter sets a parameter's value and returns the device/parameter
// names plus the value's textual rendering before and after the change.
// paramIndex is in k-space (spec §5's resolved open question): the
// placeholder offset is applied here, internally, and nowhere else.
func (b *Bridge) SetParameter(ctx context.Context, track, device, paramIndex int, value float64, deviceName, paramName string) (SetResult, error) {
	rawParam := paramIndex + placeholderParamCount

	before, err := b.calls.Call(ctx, addrParamValueString, []any{int32(track), int32(device), int32(rawParam)}, b.queryTimeout)
	if err != nil {
		return SetResult{}, fmt.Errorf("daw: read value_string before set: %w", err)
	}
	fromString, err := argString(before.Args, 3)
	if err != nil {
		return SetResult{}, fmt.Errorf("daw: read value_string before set: %w", err)
	}

	if _, err := b.calls.Call(ctx, addrSetParamValue, []any{int32(track), int32(device), int32(rawParam), value}, b.queryTimeout); err != nil {
		return SetResult{}, fmt.Errorf("daw: set parameter(track=%d,device=%d,param=%d): %w", track, device, paramIndex, err)
	}

	after, err := b.calls.Call(ctx, addrParamValueString, []any{int32(track), int32(device), int32(rawParam)}, b.queryTimeout)
	if err != nil {
		return SetResult{}, fmt.Errorf("daw: read value_string after set: %w", err)
	}
	toString, err := argString(after.Args, 3)
	if err != nil {
		return SetResult{}, fmt.Errorf("daw: read value_string after set: %w", err)
	}

	return SetResult{
		DeviceName:    deviceName,
		ParameterName: paramName,
		FromString:    fromString,
		ToString:      toString,
	}, nil
}

// StartListen enables the DAW's push notifications for a parameter's
// value. paramIndex is in k-space; the placeholder offset is applied
// internally.
func (b *Bridge) StartListen(track, device, paramIndex int) error {
	rawParam := paramIndex + placeholderParamCount
	if err := b.sender.Send(addrStartListen, int32(track), int32(device), int32(rawParam)); err != nil {
		return fmt.Errorf("daw: start_listen(track=%d,device=%d,param=%d): %w", track, device, paramIndex, err)
	}
	return nil
}

// StopListen disables push notifications for a parameter's value.
func (b *Bridge) StopListen(track, device, paramIndex int) error {
	rawParam := paramIndex + placeholderParamCount
	if err := b.sender.Send(addrStopListen, int32(track), int32(device), int32(rawParam)); err != nil {
		return fmt.Errorf("daw: stop_listen(track=%d,device=%d,param=%d): %w", track, device, paramIndex, err)
	}
	return nil
}

func argInt(args []any, i int) (int, error) {
	if i < 0 || i >= len(args) {
		return 0, fmt.Errorf("%w: arg %d out of range (have %d)", ErrMalformedReply, i, len(args))
	}
	switch v := args[i].(type) {
	case int32:
		return int(v), nil
	case int64:
		return int(v), nil
	case int:
		return v, nil
	case float32:
		return int(v), nil
	case float64:
		return int(v), nil
	default:
		return 0, fmt.Errorf("%w: arg %d has type %T, want integer", ErrMalformedReply, i, args[i])
	}
}

func argFloat(args []any, i int) (float64, error) {
	if i < 0 || i >= len(args) {
		return 0, fmt.Errorf("%w: arg %d out of range (have %d)", ErrMalformedReply, i, len(args))
	}
	switch v := args[i].(type) {
	case float32:
		return float64(v), nil
	case float64:
		return v, nil
	case int32:
		return float64(v), nil
	case int64:
		return float64(v), nil
	default:
		return 0, fmt.Errorf("%w: arg %d has type %T, want number", ErrMalformedReply, i, args[i])
	}
}

func argString(args []any, i int) (string, error) {
	if i < 0 || i >= len(args) {
		return "", fmt.Errorf("%w: arg %d out of range (have %d)", ErrMalformedReply, i, len(args))
	}
	s, ok := args[i].(string)
	if !ok {
		return "", fmt.Errorf("%w: arg %d has type %T, want string", ErrMalformedReply, i, args[i])
	}
	return s, nil
}

// ParseParameterPush decodes a parameter_value push notification's raw OSC
// args (track, device, raw_param, value) into a k-space
// [mixer.ParameterRef] and the new value. Reversing the placeholder offset
// here keeps it applied in exactly one place in this package, as it is for
// every other address that carries a raw parameter index.
func ParseParameterPush(args []any) (mixer.ParameterRef, float64, error) {
	track, err := argInt(args, 0)
	if err != nil {
		return mixer.ParameterRef{}, 0, fmt.Errorf("daw: parameter push: %w", err)
	}
	device, err := argInt(args, 1)
	if err != nil {
		return mixer.ParameterRef{}, 0, fmt.Errorf("daw: parameter push: %w", err)
	}
	rawParam, err := argInt(args, 2)
	if err != nil {
		return mixer.ParameterRef{}, 0, fmt.Errorf("daw: parameter push: %w", err)
	}
	value, err := argFloat(args, 3)
	if err != nil {
		return mixer.ParameterRef{}, 0, fmt.Errorf("daw: parameter push: %w", err)
	}
	if rawParam < placeholderParamCount {
		return mixer.ParameterRef{}, 0, fmt.Errorf("daw: parameter push: raw param %d below placeholder offset", rawParam)
	}
	return mixer.ParameterRef{Track: track, Device: device, Parameter: rawParam - placeholderParamCount}, value, nil
}
