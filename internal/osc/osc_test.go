package osc

import (
	"net"
	"strconv"
	"testing"
	"time"
)

func boundPort(t *testing.T, tr *Transport) int {
	t.Helper()
	_, portStr, err := net.SplitHostPort(tr.conn.LocalAddr().String())
	if err != nil {
		t.Fatalf("split local addr: %v", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("parse port: %v", err)
	}
	return port
}

func TestSubscribeReceivesMessagesSentFromAnotherTransport(t *testing.T) {
	receiver, err := New(Config{LocalAddr: "127.0.0.1:0", RemoteHost: "127.0.0.1", RemotePort: 0})
	if err != nil {
		t.Fatalf("New(receiver): %v", err)
	}
	t.Cleanup(func() { _ = receiver.Close() })

	sender, err := New(Config{LocalAddr: "127.0.0.1:0", RemoteHost: "127.0.0.1", RemotePort: boundPort(t, receiver)})
	if err != nil {
		t.Fatalf("New(sender): %v", err)
	}
	t.Cleanup(func() { _ = sender.Close() })

	received := make(chan Message, 1)
	unsubscribe := receiver.Subscribe("/live/test", func(msg Message) {
		received <- msg
	})
	defer unsubscribe()

	go func() { _ = receiver.Listen() }()
	time.Sleep(10 * time.Millisecond) // let the receive loop start serving

	if err := sender.Send("/live/test", int32(42)); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case msg := <-received:
		if msg.Address != "/live/test" {
			t.Errorf("address = %q, want /live/test", msg.Address)
		}
		if len(msg.Args) != 1 || msg.Args[0] != int32(42) {
			t.Errorf("args = %v, want [42]", msg.Args)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	receiver, err := New(Config{LocalAddr: "127.0.0.1:0", RemoteHost: "127.0.0.1", RemotePort: 0})
	if err != nil {
		t.Fatalf("New(receiver): %v", err)
	}
	t.Cleanup(func() { _ = receiver.Close() })

	sender, err := New(Config{LocalAddr: "127.0.0.1:0", RemoteHost: "127.0.0.1", RemotePort: boundPort(t, receiver)})
	if err != nil {
		t.Fatalf("New(sender): %v", err)
	}
	t.Cleanup(func() { _ = sender.Close() })

	var delivered int
	unsubscribe := receiver.Subscribe("/live/test", func(Message) { delivered++ })
	go func() { _ = receiver.Listen() }()
	time.Sleep(10 * time.Millisecond)

	unsubscribe()

	if err := sender.Send("/live/test"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	if delivered != 0 {
		t.Fatalf("delivered = %d, want 0 after unsubscribe", delivered)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	tr, err := New(Config{LocalAddr: "127.0.0.1:0", RemoteHost: "127.0.0.1", RemotePort: 0})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := tr.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := tr.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}
