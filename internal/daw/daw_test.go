package daw

import (
	"context"
	"testing"
	"time"

	"github.com/kestrelhq/dawbridge/internal/osc"
)

// fakeCaller answers every address it has a canned reply for and errors on
// everything else, so tests only wire up the addresses they exercise.
type fakeCaller struct {
	replies map[string]osc.Message
	err     error
	calls   []string
	args    [][]any
}

func (f *fakeCaller) Call(_ context.Context, address string, args []any, _ time.Duration) (osc.Message, error) {
	f.calls = append(f.calls, address)
	f.args = append(f.args, args)
	if f.err != nil {
		return osc.Message{}, f.err
	}
	msg, ok := f.replies[address]
	if !ok {
		return osc.Message{}, errNoReply(address)
	}
	_ = args
	return msg, nil
}

type errNoReply string

func (e errNoReply) Error() string { return "daw_test: no reply configured for " + string(e) }

type fakeSender struct {
	sent []osc.Message
}

func (f *fakeSender) Send(address string, args ...any) error {
	f.sent = append(f.sent, osc.Message{Address: address, Args: args})
	return nil
}

func TestIsLiveReturnsTrueOnReply(t *testing.T) {
	caller := &fakeCaller{replies: map[string]osc.Message{addrTest: {}}}
	b := New(caller, &fakeSender{}, time.Second, time.Second)

	if !b.IsLive(context.Background()) {
		t.Fatal("IsLive = false, want true")
	}
}

func TestIsLiveReturnsFalseOnTimeout(t *testing.T) {
	caller := &fakeCaller{err: errNoReply("timeout")}
	b := New(caller, &fakeSender{}, time.Second, time.Second)

	if b.IsLive(context.Background()) {
		t.Fatal("IsLive = true, want false")
	}
}

func oneTrackOneDeviceFixture() map[string]osc.Message {
	return map[string]osc.Message{
		addrNumTracks:        {Args: []any{int32(1)}},
		addrTrackData:        {Args: []any{int32(0), "Drums"}},
		addrNumDevices:       {Args: []any{int32(0), int32(1)}},
		addrDevicesName:      {Args: []any{int32(0), "EQ Eight"}},
		addrDevicesClassName: {Args: []any{int32(0), "Eq8"}},
		addrParamsName:       {Args: []any{int32(0), int32(0), "ph0", "ph1", "Gain"}},
		addrParamsValue:      {Args: []any{int32(0), int32(0), 0.0, 0.0, 0.5}},
		addrParamsMin:        {Args: []any{int32(0), int32(0), 0.0, 0.0, 0.0}},
		addrParamsMax:        {Args: []any{int32(0), int32(0), 1.0, 1.0, 1.0}},
	}
}

func TestEnumerateMixerBuildsSnapshotFromTrackAndDeviceData(t *testing.T) {
	caller := &fakeCaller{replies: oneTrackOneDeviceFixture()}
	b := New(caller, &fakeSender{}, time.Second, time.Second)

	var progress []int
	snap, err := b.EnumerateMixer(context.Background(), func(p int) { progress = append(progress, p) })
	if err != nil {
		t.Fatalf("EnumerateMixer: %v", err)
	}

	if len(snap.Tracks) != 1 || snap.Tracks[0].Name != "Drums" {
		t.Fatalf("tracks = %+v", snap.Tracks)
	}
	if len(snap.Tracks[0].Devices) != 1 || snap.Tracks[0].Devices[0].Name != "EQ Eight" {
		t.Fatalf("devices = %+v", snap.Tracks[0].Devices)
	}
	if snap.Tracks[0].Devices[0].ClassName != "Eq8" {
		t.Fatalf("class name = %q, want Eq8", snap.Tracks[0].Devices[0].ClassName)
	}
	params := snap.Tracks[0].Devices[0].Parameters
	if len(params) != 1 || params[0].Name != "Gain" || params[0].Value != 0.5 {
		t.Fatalf("parameters = %+v, want one Gain=0.5 parameter", params)
	}
	if len(progress) == 0 || progress[len(progress)-1] != 50 {
		t.Fatalf("progress = %v, want to end at 50", progress)
	}
}

func TestEnumerateMixerSkipsDeviceProbesWhenTrackHasNoDevices(t *testing.T) {
	replies := map[string]osc.Message{
		addrNumTracks:  {Args: []any{int32(1)}},
		addrTrackData:  {Args: []any{int32(0), "Bass"}},
		addrNumDevices: {Args: []any{int32(0), int32(0)}},
	}
	caller := &fakeCaller{replies: replies}
	b := New(caller, &fakeSender{}, time.Second, time.Second)

	snap, err := b.EnumerateMixer(context.Background(), nil)
	if err != nil {
		t.Fatalf("EnumerateMixer: %v", err)
	}
	if len(snap.Tracks[0].Devices) != 0 {
		t.Fatalf("devices = %+v, want none", snap.Tracks[0].Devices)
	}
}

func TestGetParametersDropsPlaceholderEntries(t *testing.T) {
	// Two placeholder entries followed by one real parameter "Gain".
	replies := map[string]osc.Message{
		addrParamsName:  {Args: []any{int32(0), int32(0), "ph0", "ph1", "Gain"}},
		addrParamsValue: {Args: []any{int32(0), int32(0), 0.0, 0.0, 0.5}},
		addrParamsMin:   {Args: []any{int32(0), int32(0), 0.0, 0.0, 0.0}},
		addrParamsMax:   {Args: []any{int32(0), int32(0), 1.0, 1.0, 1.0}},
	}
	caller := &fakeCaller{replies: replies}
	b := New(caller, &fakeSender{}, time.Second, time.Second)

	params, err := b.GetParameters(context.Background(), 0, 0)
	if err != nil {
		t.Fatalf("GetParameters: %v", err)
	}
	if len(params) != 1 {
		t.Fatalf("len(params) = %d, want 1", len(params))
	}
	if params[0].Name != "Gain" || params[0].Ref.Parameter != 0 {
		t.Fatalf("params[0] = %+v", params[0])
	}
	if params[0].Value != 0.5 {
		t.Fatalf("value = %v, want 0.5", params[0].Value)
	}
}

func TestGetParametersReturnsNilWhenOnlyPlaceholdersPresent(t *testing.T) {
	replies := map[string]osc.Message{
		addrParamsName:  {Args: []any{int32(0), int32(0), "ph0", "ph1"}},
		addrParamsValue: {Args: []any{int32(0), int32(0), 0.0, 0.0}},
		addrParamsMin:   {Args: []any{int32(0), int32(0), 0.0, 0.0}},
		addrParamsMax:   {Args: []any{int32(0), int32(0), 1.0, 1.0}},
	}
	caller := &fakeCaller{replies: replies}
	b := New(caller, &fakeSender{}, time.Second, time.Second)

	params, err := b.GetParameters(context.Background(), 0, 0)
	if err != nil {
		t.Fatalf("GetParameters: %v", err)
	}
	if params != nil {
		t.Fatalf("params = %+v, want nil", params)
	}
}

func TestSetParameterAppliesPlaceholderOffsetAndReturnsStrings(t *testing.T) {
	replies := map[string]osc.Message{
		addrParamValueString: {Args: []any{int32(0), int32(0), int32(2), "0%"}},
		addrSetParamValue:    {},
	}
	caller := &fakeCaller{replies: replies}
	b := New(caller, &fakeSender{}, time.Second, time.Second)

	result, err := b.SetParameter(context.Background(), 0, 0, 0, 0.5, "EQ Eight", "Gain")
	if err != nil {
		t.Fatalf("SetParameter: %v", err)
	}
	if result.DeviceName != "EQ Eight" || result.ParameterName != "Gain" {
		t.Fatalf("result = %+v", result)
	}
	// Both before and after reads hit the same fixture reply in this test;
	// what matters is that the raw parameter index sent was 0+2.
	found := false
	for i, addr := range caller.calls {
		if addr == addrSetParamValue {
			found = true
			if raw := caller.args[i][2]; raw != int32(0+placeholderParamCount) {
				t.Fatalf("set/parameter/value raw param = %v, want %d", raw, 0+placeholderParamCount)
			}
		}
	}
	if !found {
		t.Fatal("expected a set/parameter/value call")
	}
}

func TestStartAndStopListenApplyPlaceholderOffset(t *testing.T) {
	sender := &fakeSender{}
	b := New(&fakeCaller{}, sender, time.Second, time.Second)

	if err := b.StartListen(0, 1, 3); err != nil {
		t.Fatalf("StartListen: %v", err)
	}
	if err := b.StopListen(0, 1, 3); err != nil {
		t.Fatalf("StopListen: %v", err)
	}

	if len(sender.sent) != 2 {
		t.Fatalf("sent = %+v, want 2 messages", sender.sent)
	}
	startArgs := sender.sent[0].Args
	if startArgs[2].(int32) != int32(3+placeholderParamCount) {
		t.Fatalf("start_listen raw param = %v, want %d", startArgs[2], 3+placeholderParamCount)
	}
}
