// Package eventbus implements the per-session typed event bus (C6): a
// fan-in of events from the agent loop, the parameter observer, and the
// indexer, fanned out to the single client-channel subscriber. Events
// produced by one producer are delivered in production order; events from
// distinct producers may interleave arbitrarily.
package eventbus

import (
	"sync"

	"github.com/kestrelhq/dawbridge/internal/paramobserver"
)

// Kind discriminates the outbound event wire format (spec §4.6).
type Kind string

const (
	KindText             Kind = "text"
	KindFunctionCall     Kind = "function_call"
	KindFunctionResult   Kind = "function_result"
	KindEndMessage       Kind = "end_message"
	KindParameterChange  Kind = "parameter_change"
	KindIndexingStatus   Kind = "indexing_status"
	KindError            Kind = "error"
	KindApprovalRequired Kind = "approval_required"
)

// FunctionCall is the function_call event payload.
type FunctionCall struct {
	ToolCallID string         `json:"tool_call_id"`
	ToolName   string         `json:"tool_name"`
	Arguments  map[string]any `json:"arguments"`
}

// FunctionResult is the function_result event payload. Exactly one of
// Result or Error is set.
type FunctionResult struct {
	ToolCallID string `json:"tool_call_id"`
	Result     string `json:"result,omitempty"`
	Error      string `json:"error,omitempty"`
}

// IndexingStatus is the indexing_status event payload.
type IndexingStatus struct {
	IsIndexing bool `json:"is_indexing"`
	Progress   int  `json:"progress"`
}

// ApprovalRequest is one pending tool call awaiting a yes/no decision,
// correlated by ToolCallID.
type ApprovalRequest struct {
	ToolCallID string         `json:"tool_call_id"`
	ToolName   string         `json:"tool_name"`
	Arguments  map[string]any `json:"arguments"`
}

// Event is the discriminated-union wire format for every outbound
// client-channel message. Only the field matching Kind is populated.
type Event struct {
	Kind Kind `json:"kind"`

	Text             string                        `json:"text,omitempty"`
	FunctionCall     *FunctionCall                 `json:"function_call,omitempty"`
	FunctionResult   *FunctionResult                `json:"function_result,omitempty"`
	ParameterChange  *paramobserver.ParameterChange `json:"parameter_change,omitempty"`
	IndexingStatus   *IndexingStatus                `json:"indexing_status,omitempty"`
	Error            string                         `json:"error,omitempty"`
	ApprovalRequired []ApprovalRequest               `json:"approval_required,omitempty"`
}

// defaultBuffer bounds the outbound channel. A slow client-channel
// consumer applies backpressure to producers once it fills, rather than
// dropping events.
const defaultBuffer = 256

// Bus is a single-subscriber event fan-in for one session.
//
// Safe for concurrent Publish from multiple producer goroutines.
type Bus struct {
	mu      sync.Mutex
	events  chan Event
	closing chan struct{}
	closed  bool
	wg      sync.WaitGroup
}

// New returns a ready-to-use Bus.
func New() *Bus {
	return &Bus{events: make(chan Event, defaultBuffer), closing: make(chan struct{})}
}

// Publish enqueues an event for delivery to the subscriber. Blocks if the
// buffer is full, applying backpressure to the calling producer, but gives
// up on that wait as soon as Close runs. A producer parked here because
// nothing is draining the bus (e.g. the client disconnected) can never hold
// Close up indefinitely. A no-op once Close has been called.
func (b *Bus) Publish(e Event) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.wg.Add(1)
	b.mu.Unlock()
	defer b.wg.Done()

	select {
	case b.events <- e:
	case <-b.closing:
	}
}

// PublishParameterChange implements [paramobserver.Publisher], adapting a
// committed parameter change into a parameter_change event.
func (b *Bus) PublishParameterChange(change paramobserver.ParameterChange) {
	b.Publish(Event{Kind: KindParameterChange, ParameterChange: &change})
}

// Events returns the channel the client channel (C8) reads from. There is
// exactly one subscriber per Bus.
func (b *Bus) Events() <-chan Event {
	return b.events
}

// Close stops accepting new events and closes the events channel. Safe to
// call more than once; only the first call closes the channel. Releases
// the bus lock before waiting for any in-flight Publish to notice closing
// and back off, so Close itself never blocks on a stalled producer.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	close(b.closing)
	b.mu.Unlock()

	b.wg.Wait()
	close(b.events)
}
