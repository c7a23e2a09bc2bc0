package paramobserver

import (
	"sync"
	"testing"
	"time"

	"github.com/kestrelhq/dawbridge/internal/mixer"
)

type listenCall struct {
	kind                 string
	track, device, param int
}

type fakeBridge struct {
	mu    sync.Mutex
	calls []listenCall
}

func (f *fakeBridge) StartListen(track, device, param int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, listenCall{"start", track, device, param})
	return nil
}

func (f *fakeBridge) StopListen(track, device, param int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, listenCall{"stop", track, device, param})
	return nil
}

type fakePublisher struct {
	mu      sync.Mutex
	changes []ParameterChange
}

func (f *fakePublisher) PublishParameterChange(change ParameterChange) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.changes = append(f.changes, change)
}

func (f *fakePublisher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.changes)
}

func (f *fakePublisher) last() ParameterChange {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.changes[len(f.changes)-1]
}

func testSnapshot() *mixer.Snapshot {
	return &mixer.Snapshot{
		Tracks: []mixer.Track{
			{
				Ref:  mixer.TrackRef{Track: 0},
				Name: "Drums",
				Devices: []mixer.Device{
					{
						Ref:  mixer.DeviceRef{Track: 0, Device: 0},
						Name: "EQ Eight",
						Parameters: []mixer.Parameter{
							{Ref: mixer.ParameterRef{Track: 0, Device: 0, Parameter: 0}, Name: "Gain", Value: 0.5, Min: 0, Max: 1},
						},
					},
				},
			},
		},
	}
}

func TestSubscribeSendsStartListenForEveryParameter(t *testing.T) {
	bridge := &fakeBridge{}
	o := New(Config{Bridge: bridge, Publisher: &fakePublisher{}, Debounce: 10 * time.Millisecond})

	o.Subscribe(testSnapshot())

	if len(bridge.calls) != 1 || bridge.calls[0].kind != "start" {
		t.Fatalf("calls = %+v", bridge.calls)
	}
}

func TestHandleNotificationDropsInitialSubscribeEcho(t *testing.T) {
	bridge := &fakeBridge{}
	pub := &fakePublisher{}
	o := New(Config{Bridge: bridge, Publisher: pub, Debounce: 10 * time.Millisecond})
	o.Subscribe(testSnapshot())

	ref := mixer.ParameterRef{Track: 0, Device: 0, Parameter: 0}
	o.HandleNotification(ref, 0.5) // same value the DAW echoes back on subscribe

	time.Sleep(30 * time.Millisecond)
	if pub.count() != 0 {
		t.Fatalf("expected the initial echo to be dropped, got %d published changes", pub.count())
	}
}

func TestHandleNotificationCommitsAfterDebounce(t *testing.T) {
	bridge := &fakeBridge{}
	pub := &fakePublisher{}
	o := New(Config{Bridge: bridge, Publisher: pub, Debounce: 20 * time.Millisecond})
	o.Subscribe(testSnapshot())

	ref := mixer.ParameterRef{Track: 0, Device: 0, Parameter: 0}
	o.HandleNotification(ref, 0.5) // initial echo, dropped
	o.HandleNotification(ref, 0.7)

	if pub.count() != 0 {
		t.Fatal("expected no publish before the debounce window elapses")
	}

	time.Sleep(60 * time.Millisecond)
	if pub.count() != 1 {
		t.Fatalf("count = %d, want 1", pub.count())
	}
	change := pub.last()
	if change.Old != 0.5 || change.New != 0.7 {
		t.Fatalf("change = %+v", change)
	}
}

func TestHandleNotificationCoalescesBurstsIntoOneCommit(t *testing.T) {
	bridge := &fakeBridge{}
	pub := &fakePublisher{}
	o := New(Config{Bridge: bridge, Publisher: pub, Debounce: 30 * time.Millisecond})
	o.Subscribe(testSnapshot())

	ref := mixer.ParameterRef{Track: 0, Device: 0, Parameter: 0}
	o.HandleNotification(ref, 0.5) // initial echo
	for i := 0; i < 5; i++ {
		o.HandleNotification(ref, 0.5+float64(i)*0.01)
		time.Sleep(5 * time.Millisecond)
	}

	time.Sleep(80 * time.Millisecond)
	if pub.count() != 1 {
		t.Fatalf("count = %d, want exactly one coalesced commit", pub.count())
	}
	if change := pub.last(); change.New != 0.54 {
		t.Fatalf("final value = %v, want 0.54", change.New)
	}
}

func TestHandleNotificationForUnknownRefIsDropped(t *testing.T) {
	bridge := &fakeBridge{}
	pub := &fakePublisher{}
	o := New(Config{Bridge: bridge, Publisher: pub})

	o.HandleNotification(mixer.ParameterRef{Track: 9, Device: 9, Parameter: 9}, 1.0)
	time.Sleep(10 * time.Millisecond)

	if pub.count() != 0 {
		t.Fatalf("count = %d, want 0 for a retired/unknown ref", pub.count())
	}
}

func TestUnsubscribeSendsStopListenAndStopsPendingTimers(t *testing.T) {
	bridge := &fakeBridge{}
	pub := &fakePublisher{}
	o := New(Config{Bridge: bridge, Publisher: pub, Debounce: 50 * time.Millisecond})
	o.Subscribe(testSnapshot())

	ref := mixer.ParameterRef{Track: 0, Device: 0, Parameter: 0}
	o.HandleNotification(ref, 0.5) // echo
	o.HandleNotification(ref, 0.9) // starts a pending debounce timer

	o.Unsubscribe()

	time.Sleep(80 * time.Millisecond)
	if pub.count() != 0 {
		t.Fatalf("expected the pending commit to be cancelled by Unsubscribe, got %d", pub.count())
	}

	foundStop := false
	for _, c := range bridge.calls {
		if c.kind == "stop" {
			foundStop = true
		}
	}
	if !foundStop {
		t.Fatal("expected a stop_listen call")
	}
}

func TestRecentChangesEvictsEntriesOlderThanWindow(t *testing.T) {
	o := New(Config{Bridge: &fakeBridge{}, Publisher: &fakePublisher{}, Window: time.Minute})

	now := time.Now()
	o.history = []ParameterChange{
		{WallClock: now.Add(-2 * time.Minute)},
		{WallClock: now.Add(-30 * time.Second)},
		{WallClock: now},
	}

	recent := o.RecentChanges(now)
	if len(recent) != 2 {
		t.Fatalf("len(recent) = %d, want 2", len(recent))
	}
	if len(o.history) != 2 {
		t.Fatalf("history was not evicted in place, len = %d", len(o.history))
	}
}
