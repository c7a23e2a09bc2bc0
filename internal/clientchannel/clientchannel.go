// Package clientchannel implements the per-session duplex endpoint (C8):
// attach/detach lifecycle, inbound frame discrimination, and outbound
// serialization of the event bus onto one websocket connection per
// session.
package clientchannel

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/kestrelhq/dawbridge/internal/agentloop"
	"github.com/kestrelhq/dawbridge/internal/daw"
	"github.com/kestrelhq/dawbridge/internal/eventbus"
	"github.com/kestrelhq/dawbridge/internal/mixer"
	"github.com/kestrelhq/dawbridge/internal/osc"
	"github.com/kestrelhq/dawbridge/internal/paramobserver"
	"github.com/kestrelhq/dawbridge/pkg/provider/llm"
)

// inboundFrame is the discriminated inbound wire shape (spec §4.8). An
// unrecognized kind is ignored, not errored.
type inboundFrame struct {
	Message   *string         `json:"message,omitempty"`
	Approvals map[string]bool `json:"approvals,omitempty"`
}

// Session holds the C4-C7 state bound to one sessionId. Created on first
// attach and retained in the [Manager]'s registry for the life of the
// process, so a reconnect with the same sessionId resumes the existing
// mixer mirror, observer, and message history rather than reindexing
// (spec §4.8 item 3).
type Session struct {
	ID        string
	ProjectID string

	mirror   *mixer.Mirror
	observer *paramobserver.Observer
	bus      *eventbus.Bus
	loop     *agentloop.Loop

	mu      sync.Mutex
	indexed bool
}

// Config configures a [Manager].
type Config struct {
	Bridge           *daw.Bridge
	Provider         llm.Provider
	Transport        *osc.Transport // optional; enables push-notification fan-out (C5)
	DebounceInterval time.Duration
	HistoryWindow    time.Duration
	ApprovalTimeout  time.Duration
	SystemPrompt     string
	Logger           *slog.Logger
}

// Manager creates and looks up sessions and serves their websocket
// attach lifecycle. One Manager exists per process; it shares the DAW
// bridge (stateless) across every session it manages, matching the
// single shared OSC transport (spec §5's per-session isolation model).
type Manager struct {
	bridge   *daw.Bridge
	provider llm.Provider

	debounce        time.Duration
	window          time.Duration
	approvalTimeout time.Duration
	systemPrompt    string
	logger          *slog.Logger

	unsubscribePush func()

	mu       sync.Mutex
	sessions map[string]*Session
}

// UpdateDefaults replaces the debounce interval, history window, and
// approval timeout applied to sessions attached after this call. Already
// attached sessions keep the observer and agent loop they were created
// with; only new sessionIds pick up the new values.
func (m *Manager) UpdateDefaults(debounce, window, approvalTimeout time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.debounce = debounce
	m.window = window
	m.approvalTimeout = approvalTimeout
}

// NewManager constructs a Manager bound to the shared DAW bridge and LLM
// provider. When cfg.Transport is set, it subscribes once to the DAW's
// parameter-push address and fans each notification out to every attached
// session's observer: there is exactly one shared transport and one DAW,
// so every session's subscriptions see the same pushes.
func NewManager(cfg Config) *Manager {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	m := &Manager{
		bridge:          cfg.Bridge,
		provider:        cfg.Provider,
		debounce:        cfg.DebounceInterval,
		window:          cfg.HistoryWindow,
		approvalTimeout: cfg.ApprovalTimeout,
		systemPrompt:    cfg.SystemPrompt,
		logger:          cfg.Logger,
		sessions:        make(map[string]*Session),
	}
	if cfg.Transport != nil {
		m.unsubscribePush = cfg.Transport.Subscribe(daw.ParamValuePushAddress, m.handleParameterPush)
	}
	return m
}

// handleParameterPush decodes one parameter_value push and delivers it to
// every attached session's observer. An observer with no matching
// subscription for the ref drops it, so broadcasting here is safe even
// though sessions subscribe independently.
func (m *Manager) handleParameterPush(msg osc.Message) {
	ref, value, err := daw.ParseParameterPush(msg.Args)
	if err != nil {
		m.logger.Warn("clientchannel: malformed parameter push", "error", err)
		return
	}

	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	for _, s := range sessions {
		s.observer.HandleNotification(ref, value)
	}
}

// ServeHTTP upgrades the request to a websocket and runs the attach
// lifecycle described in spec §4.8. Session and project identifiers use
// camelCase per the wire contract's historical naming split (spec §6)
// and are read from the query string, the client-channel's only frame
// exchanged before the websocket handshake completes.
func (m *Manager) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("sessionId")
	projectID := r.URL.Query().Get("projectId")
	if projectID == "" {
		http.Error(w, "projectId is required", http.StatusBadRequest)
		return
	}
	if sessionID == "" {
		http.Error(w, "sessionId is required", http.StatusBadRequest)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		m.logger.Error("clientchannel: accept failed", "session_id", sessionID, "error", err)
		return
	}

	sess, firstAttach := m.attach(sessionID, projectID)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if firstAttach {
		go m.index(ctx, sess)
	} else {
		sess.bus.Publish(eventbus.Event{
			Kind:           eventbus.KindIndexingStatus,
			IndexingStatus: &eventbus.IndexingStatus{IsIndexing: false, Progress: 100},
		})
	}

	msgCh := make(chan string, 1)
	go m.runTurns(ctx, sess, msgCh)

	go func() {
		m.readLoop(ctx, conn, sess, msgCh)
		cancel()
	}()

	m.writeLoop(ctx, conn, sess)
	_ = conn.Close(websocket.StatusNormalClosure, "session detached")
}

// attach returns the registered Session for sessionID, creating one (with
// a fresh mirror, observer, bus, and agent loop) if none exists yet.
func (m *Manager) attach(sessionID, projectID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if sess, ok := m.sessions[sessionID]; ok {
		return sess, false
	}

	bus := eventbus.New()
	sess := &Session{
		ID:        sessionID,
		ProjectID: projectID,
		mirror:    mixer.NewMirror(),
		bus:       bus,
	}
	sess.observer = paramobserver.New(paramobserver.Config{
		Bridge:    m.bridge,
		Publisher: bus,
		Debounce:  m.debounce,
		Window:    m.window,
		Logger:    m.logger,
	})
	executor := agentloop.NewExecutor(m.bridge, sess.mirror, m.logger)
	sess.loop = agentloop.New(agentloop.Config{
		Provider:        m.provider,
		Executor:        executor,
		Bus:             bus,
		SystemPrompt:    m.systemPrompt,
		ApprovalTimeout: m.approvalTimeout,
		Logger:          m.logger,
	})

	m.sessions[sessionID] = sess
	return sess, true
}

// index runs the enumerate-and-subscribe phase for a newly attached
// session, reporting progress 0..100 via indexing_status events (spec
// §4.3/§4.8: the bridge's EnumerateMixer covers 0..50, the observer's
// Subscribe call is synchronous and reported as the terminal 100).
func (m *Manager) index(ctx context.Context, sess *Session) {
	sess.bus.Publish(eventbus.Event{
		Kind:           eventbus.KindIndexingStatus,
		IndexingStatus: &eventbus.IndexingStatus{IsIndexing: true, Progress: 0},
	})

	snapshot, err := m.bridge.EnumerateMixer(ctx, func(p int) {
		sess.bus.Publish(eventbus.Event{
			Kind:           eventbus.KindIndexingStatus,
			IndexingStatus: &eventbus.IndexingStatus{IsIndexing: true, Progress: p},
		})
	})
	if err != nil {
		m.logger.Error("clientchannel: enumerate mixer failed", "session_id", sess.ID, "error", err)
		sess.bus.Publish(eventbus.Event{Kind: eventbus.KindError, Error: fmt.Sprintf("enumerate mixer: %s", err)})
		return
	}

	sess.mirror.Store(snapshot)
	sess.observer.Subscribe(snapshot)

	sess.mu.Lock()
	sess.indexed = true
	sess.mu.Unlock()

	sess.bus.Publish(eventbus.Event{
		Kind:           eventbus.KindIndexingStatus,
		IndexingStatus: &eventbus.IndexingStatus{IsIndexing: false, Progress: 100},
	})
}

// runTurns serializes user messages through the session's agent loop, one
// turn at a time, for as long as ctx is live. Kept separate from readLoop
// so an approval frame can still reach [agentloop.Loop.SubmitApproval]
// while a turn is in flight.
func (m *Manager) runTurns(ctx context.Context, sess *Session, msgCh <-chan string) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgCh:
			if !ok {
				return
			}
			if err := sess.loop.RunTurn(ctx, msg); err != nil {
				m.logger.Warn("clientchannel: turn ended with error", "session_id", sess.ID, "error", err)
			}
		}
	}
}

// readLoop reads inbound frames until the connection errors or ctx is
// canceled, then closes msgCh.
func (m *Manager) readLoop(ctx context.Context, conn *websocket.Conn, sess *Session, msgCh chan<- string) {
	defer close(msgCh)
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}

		var frame inboundFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			m.logger.Warn("clientchannel: malformed inbound frame", "session_id", sess.ID, "error", err)
			continue
		}

		switch {
		case frame.Message != nil:
			select {
			case msgCh <- *frame.Message:
			case <-ctx.Done():
				return
			}
		case frame.Approvals != nil:
			sess.loop.SubmitApproval(frame.Approvals)
		default:
			// Reserved future kind; ignored per spec §4.8.
		}
	}
}

// writeLoop forwards the session's bus events onto conn until ctx is
// canceled or the bus closes.
func (m *Manager) writeLoop(ctx context.Context, conn *websocket.Conn, sess *Session) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-sess.bus.Events():
			if !ok {
				return
			}
			data, err := json.Marshal(evt)
			if err != nil {
				m.logger.Error("clientchannel: encode event", "session_id", sess.ID, "error", err)
				continue
			}
			if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
				return
			}
		}
	}
}

// Shutdown unsubscribes every session's parameters and closes its event
// bus. Callers close the shared OSC transport afterward (spec §5's
// shutdown ordering).
func (m *Manager) Shutdown() {
	if m.unsubscribePush != nil {
		m.unsubscribePush()
	}

	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	for _, s := range sessions {
		s.observer.Unsubscribe()
		s.bus.Close()
	}
}
