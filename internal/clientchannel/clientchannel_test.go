package clientchannel

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/kestrelhq/dawbridge/internal/daw"
	"github.com/kestrelhq/dawbridge/internal/eventbus"
	"github.com/kestrelhq/dawbridge/internal/osc"
	"github.com/kestrelhq/dawbridge/pkg/provider/llm"
	llmmock "github.com/kestrelhq/dawbridge/pkg/provider/llm/mock"
)

// fakeCaller answers the handful of OSC addresses an empty-mixer
// EnumerateMixer needs, so indexing completes immediately without a real
// DAW on the other end.
type fakeCaller struct{}

func (fakeCaller) Call(_ context.Context, address string, _ []any, _ time.Duration) (osc.Message, error) {
	switch address {
	case "/live/song/get/num_tracks":
		return osc.Message{Args: []any{int32(0)}}, nil
	case "/live/song/get/track_data":
		return osc.Message{}, nil
	case "/live/test":
		return osc.Message{}, nil
	default:
		return osc.Message{}, nil
	}
}

type fakeSender struct{}

func (fakeSender) Send(string, ...any) error { return nil }

func testManager(t *testing.T, provider llm.Provider) *Manager {
	t.Helper()
	bridge := daw.New(fakeCaller{}, fakeSender{}, time.Second, time.Second)
	return NewManager(Config{
		Bridge:           bridge,
		Provider:         provider,
		DebounceInterval: 10 * time.Millisecond,
		HistoryWindow:    time.Minute,
		ApprovalTimeout:  200 * time.Millisecond,
		SystemPrompt:     "test",
	})
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.Dial(context.Background(), url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "test done") })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) eventbus.Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var evt eventbus.Event
	if err := json.Unmarshal(data, &evt); err != nil {
		t.Fatalf("unmarshal event: %v", err)
	}
	return evt
}

func readUntilFullyIndexed(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	for i := 0; i < 20; i++ {
		evt := readEvent(t, conn)
		if evt.Kind == eventbus.KindIndexingStatus && evt.IndexingStatus != nil &&
			!evt.IndexingStatus.IsIndexing && evt.IndexingStatus.Progress == 100 {
			return
		}
	}
	t.Fatal("never observed a terminal indexing_status event")
}

func TestServeHTTPIndexesNewSessionOnFirstAttach(t *testing.T) {
	provider := &llmmock.Provider{}
	m := testManager(t, provider)
	srv := httptest.NewServer(m)
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/channel?sessionId=s1&projectId=p1"
	conn := dial(t, url)

	readUntilFullyIndexed(t, conn)
}

func TestServeHTTPSkipsReindexOnSecondAttachToSameSession(t *testing.T) {
	provider := &llmmock.Provider{}
	m := testManager(t, provider)
	srv := httptest.NewServer(m)
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/channel?sessionId=s1&projectId=p1"

	first := dial(t, url)
	readUntilFullyIndexed(t, first)
	_ = first.Close(websocket.StatusNormalClosure, "done")

	second := dial(t, url)
	evt := readEvent(t, second)
	if evt.Kind != eventbus.KindIndexingStatus || evt.IndexingStatus == nil || evt.IndexingStatus.Progress != 100 {
		t.Fatalf("expected an immediate terminal indexing_status on reattach, got %+v", evt)
	}

	m.mu.Lock()
	n := len(m.sessions)
	m.mu.Unlock()
	if n != 1 {
		t.Fatalf("sessions = %d, want 1 (same session reused)", n)
	}
}

func TestServeHTTPRunsATurnAndStreamsEvents(t *testing.T) {
	provider := &llmmock.Provider{
		StreamChunks: []llm.Chunk{
			{Text: "hi there", FinishReason: "stop"},
		},
	}
	m := testManager(t, provider)
	srv := httptest.NewServer(m)
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/channel?sessionId=s2&projectId=p1"
	conn := dial(t, url)
	readUntilFullyIndexed(t, conn)

	msg := "hello"
	frame, _ := json.Marshal(inboundFrame{Message: &msg})
	if err := conn.Write(context.Background(), websocket.MessageText, frame); err != nil {
		t.Fatalf("write: %v", err)
	}

	var sawText, sawEnd bool
	for i := 0; i < 10 && !(sawText && sawEnd); i++ {
		evt := readEvent(t, conn)
		if evt.Kind == eventbus.KindText && evt.Text == "hi there" {
			sawText = true
		}
		if evt.Kind == eventbus.KindEndMessage {
			sawEnd = true
		}
	}
	if !sawText || !sawEnd {
		t.Fatal("expected a text event followed by end_message")
	}
}

func TestShutdownClosesSessionBuses(t *testing.T) {
	provider := &llmmock.Provider{}
	m := testManager(t, provider)
	srv := httptest.NewServer(m)
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/channel?sessionId=s3&projectId=p1"
	conn := dial(t, url)
	readUntilFullyIndexed(t, conn)

	m.Shutdown()

	m.mu.Lock()
	n := len(m.sessions)
	m.mu.Unlock()
	if n != 0 {
		t.Fatalf("sessions after Shutdown = %d, want 0", n)
	}
}
