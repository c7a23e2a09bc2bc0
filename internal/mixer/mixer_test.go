package mixer

import "testing"

func testSnapshot() *Snapshot {
	return &Snapshot{
		Tracks: []Track{
			{
				Ref:  TrackRef{Track: 0},
				Name: "Drums",
				Devices: []Device{
					{
						Ref:       DeviceRef{Track: 0, Device: 0},
						Name:      "EQ Eight",
						ClassName: "Eq8",
						Parameters: []Parameter{
							{Ref: ParameterRef{Track: 0, Device: 0, Parameter: 0}, Name: "Gain", Value: 0.5, Min: 0, Max: 1},
						},
					},
				},
			},
		},
	}
}

func TestMirrorLoadReturnsNilBeforeStore(t *testing.T) {
	m := NewMirror()
	if got := m.Load(); got != nil {
		t.Fatalf("Load before Store = %+v, want nil", got)
	}
}

func TestMirrorStoreThenLoad(t *testing.T) {
	m := NewMirror()
	snap := testSnapshot()
	m.Store(snap)

	got := m.Load()
	if got != snap {
		t.Fatalf("Load returned a different snapshot than Store received")
	}
}

func TestMirrorStoreReplacesPriorSnapshot(t *testing.T) {
	m := NewMirror()
	first := testSnapshot()
	m.Store(first)

	second := testSnapshot()
	second.Tracks[0].Name = "Bass"
	m.Store(second)

	if got := m.Load(); got.Tracks[0].Name != "Bass" {
		t.Fatalf("Load after second Store = %q, want %q", got.Tracks[0].Name, "Bass")
	}
}

func TestSnapshotLookupByRef(t *testing.T) {
	snap := testSnapshot()

	tr, ok := snap.Track(TrackRef{Track: 0})
	if !ok || tr.Name != "Drums" {
		t.Fatalf("Track lookup = %+v, %v", tr, ok)
	}

	dev, ok := snap.Device(DeviceRef{Track: 0, Device: 0})
	if !ok || dev.Name != "EQ Eight" {
		t.Fatalf("Device lookup = %+v, %v", dev, ok)
	}

	p, ok := snap.Parameter(ParameterRef{Track: 0, Device: 0, Parameter: 0})
	if !ok || p.Name != "Gain" {
		t.Fatalf("Parameter lookup = %+v, %v", p, ok)
	}
}

func TestSnapshotLookupOutOfRange(t *testing.T) {
	snap := testSnapshot()

	if _, ok := snap.Track(TrackRef{Track: 5}); ok {
		t.Error("expected out-of-range track lookup to fail")
	}
	if _, ok := snap.Device(DeviceRef{Track: 0, Device: 5}); ok {
		t.Error("expected out-of-range device lookup to fail")
	}
	if _, ok := snap.Parameter(ParameterRef{Track: 0, Device: 0, Parameter: 5}); ok {
		t.Error("expected out-of-range parameter lookup to fail")
	}
}

func TestSnapshotLookupOnNilSnapshot(t *testing.T) {
	var snap *Snapshot

	if _, ok := snap.Track(TrackRef{Track: 0}); ok {
		t.Error("expected nil snapshot Track lookup to fail")
	}
	if _, ok := snap.Parameter(ParameterRef{}); ok {
		t.Error("expected nil snapshot Parameter lookup to fail")
	}
}
