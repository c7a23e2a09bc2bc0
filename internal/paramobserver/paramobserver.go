// Package paramobserver implements the parameter observer (C5): it
// subscribes every parameter in a mixer snapshot to change notifications,
// debounces and coalesces bursts into discrete ParameterChange records, and
// maintains a windowed, read-time-evicted history.
package paramobserver

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/kestrelhq/dawbridge/internal/mixer"
	"github.com/kestrelhq/dawbridge/internal/observe"
)

// ParameterChange is one committed, coalesced parameter mutation.
// Immutable once emitted.
type ParameterChange struct {
	Ref           mixer.ParameterRef `json:"ref"`
	TrackName     string             `json:"track_name"`
	DeviceName    string             `json:"device_name"`
	ParameterName string             `json:"parameter_name"`
	Old           float64            `json:"old_value"`
	New           float64            `json:"new_value"`
	Min           float64            `json:"min"`
	Max           float64            `json:"max"`
	Monotonic     time.Time          `json:"-"`
	WallClock     time.Time          `json:"timestamp"`
}

// Bridge is the subset of the DAW bridge (C3) the observer needs to
// (un)subscribe parameters for push notifications.
type Bridge interface {
	StartListen(track, device, paramIndex int) error
	StopListen(track, device, paramIndex int) error
}

// Publisher receives committed parameter changes for fan-out onto the
// event bus (C6).
type Publisher interface {
	PublishParameterChange(change ParameterChange)
}

// observation is the per-ParameterRef bookkeeping record (spec §3,
// ParameterObservation). One lives per subscribed parameter for the life
// of the attach.
type observation struct {
	mu sync.Mutex

	ref                                   mixer.ParameterRef
	trackName, deviceName, parameterName string
	min, max                              float64
	value                                  float64
	initial bool
	epoch   uint64
	timer   *time.Timer
	latest  float64
}

// Observer runs the subscribe and notification phases described in spec
// §4.5. One Observer exists per session, bound to that session's mixer
// mirror and DAW bridge.
type Observer struct {
	bridge    Bridge
	publisher Publisher
	debounce  time.Duration
	window    time.Duration
	logger    *slog.Logger

	mu           sync.Mutex
	observations map[mixer.ParameterRef]*observation

	historyMu sync.Mutex
	history   []ParameterChange
}

// Config configures an [Observer].
type Config struct {
	Bridge    Bridge
	Publisher Publisher
	Debounce  time.Duration // default 500ms
	Window    time.Duration // default 30m
	Logger    *slog.Logger
}

// New constructs an Observer. Zero Debounce/Window fall back to the spec
// defaults (500ms/30m).
func New(cfg Config) *Observer {
	if cfg.Debounce <= 0 {
		cfg.Debounce = 500 * time.Millisecond
	}
	if cfg.Window <= 0 {
		cfg.Window = 30 * time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Observer{
		bridge:       cfg.Bridge,
		publisher:    cfg.Publisher,
		debounce:     cfg.Debounce,
		window:       cfg.Window,
		logger:       cfg.Logger,
		observations: make(map[mixer.ParameterRef]*observation),
	}
}

// Subscribe runs the subscribe phase for every parameter in snapshot:
// insert an observation with initial=true, then send start_listen. Per
// spec §5 (resolved open question), this always resubscribes, even for a
// parameter that was already subscribed before a reindex — a fresh epoch
// ensures the DAW's synthetic echo is dropped again.
func (o *Observer) Subscribe(snapshot *mixer.Snapshot) {
	if snapshot == nil {
		return
	}
	o.mu.Lock()
	for _, track := range snapshot.Tracks {
		for _, dev := range track.Devices {
			for _, p := range dev.Parameters {
				obs := &observation{
					ref:           p.Ref,
					trackName:     track.Name,
					deviceName:    dev.Name,
					parameterName: p.Name,
					min:           p.Min,
					max:           p.Max,
					value:         p.Value,
					initial:       true,
				}
				o.observations[p.Ref] = obs
			}
		}
	}
	o.mu.Unlock()

	for _, track := range snapshot.Tracks {
		for _, dev := range track.Devices {
			for _, p := range dev.Parameters {
				if err := o.bridge.StartListen(p.Ref.Track, p.Ref.Device, p.Ref.Parameter); err != nil {
					o.logger.Error("paramobserver: start_listen failed", "ref", p.Ref, "error", err)
				}
			}
		}
	}
}

// Unsubscribe sends stop_listen for every currently tracked parameter and
// clears observation state. History is retained across the call; callers
// that want to discard it for good (full detach) should not reuse this
// Observer afterward.
func (o *Observer) Unsubscribe() {
	o.mu.Lock()
	refs := make([]mixer.ParameterRef, 0, len(o.observations))
	for ref, obs := range o.observations {
		obs.mu.Lock()
		if obs.timer != nil {
			obs.timer.Stop()
		}
		obs.mu.Unlock()
		refs = append(refs, ref)
	}
	o.observations = make(map[mixer.ParameterRef]*observation)
	o.mu.Unlock()

	for _, ref := range refs {
		if err := o.bridge.StopListen(ref.Track, ref.Device, ref.Parameter); err != nil {
			o.logger.Error("paramobserver: stop_listen failed", "ref", ref, "error", err)
		}
	}
}

// HandleNotification processes one inbound parameter-value push per spec
// §4.5's notification phase. Registered once, on the transport's push
// address, by the caller wiring C1→C5.
func (o *Observer) HandleNotification(ref mixer.ParameterRef, newValue float64) {
	o.mu.Lock()
	obs, ok := o.observations[ref]
	o.mu.Unlock()
	if !ok {
		return // notification for a retired snapshot; drop.
	}

	obs.mu.Lock()
	defer obs.mu.Unlock()

	if obs.initial {
		obs.initial = false
		return // synthetic subscribe echo, not a user change.
	}
	if newValue == obs.value {
		return
	}

	obs.latest = newValue
	obs.epoch++
	epoch := obs.epoch

	if obs.timer != nil {
		obs.timer.Stop()
	}
	obs.timer = time.AfterFunc(o.debounce, func() {
		o.commit(obs, epoch)
	})
}

// commit fires after the debounce window elapses with no further change
// for this parameter. A stale timer (superseded by a newer notification)
// is a no-op: epoch guards against a cancelled-but-already-fired race.
func (o *Observer) commit(obs *observation, epoch uint64) {
	obs.mu.Lock()
	if obs.epoch != epoch {
		obs.mu.Unlock()
		return
	}
	old := obs.value
	newValue := obs.latest
	obs.value = newValue
	obs.timer = nil
	ref := obs.ref
	change := ParameterChange{
		Ref:           ref,
		TrackName:     obs.trackName,
		DeviceName:    obs.deviceName,
		ParameterName: obs.parameterName,
		Old:           old,
		New:           newValue,
		Min:           obs.min,
		Max:           obs.max,
		Monotonic:     time.Now(),
		WallClock:     time.Now(),
	}
	obs.mu.Unlock()

	o.historyMu.Lock()
	o.history = append(o.history, change)
	o.historyMu.Unlock()

	observe.DefaultMetrics().RecordParameterChange(context.Background(),
		strconv.Itoa(ref.Track), strconv.Itoa(ref.Device))

	o.publisher.PublishParameterChange(change)
}

// RecentChanges returns the ParameterChange records within the trailing
// window W of now, evicting (from the stored history, not just the
// returned copy) entries older than the window. Eviction happens only on
// read, never via a background task.
func (o *Observer) RecentChanges(now time.Time) []ParameterChange {
	cutoff := now.Add(-o.window)

	o.historyMu.Lock()
	defer o.historyMu.Unlock()

	keepFrom := 0
	for keepFrom < len(o.history) && o.history[keepFrom].WallClock.Before(cutoff) {
		keepFrom++
	}
	if keepFrom > 0 {
		o.history = o.history[keepFrom:]
	}

	out := make([]ParameterChange, len(o.history))
	copy(out, o.history)
	return out
}
