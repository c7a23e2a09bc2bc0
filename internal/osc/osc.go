// Package osc implements the OSC transport (C1): a UDP socket pair used to
// send and receive Open Sound Control messages, with address-keyed
// dispatch to zero or more subscribers per address.
package osc

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"

	goosc "github.com/hypebeast/go-osc/osc"
)

// ErrorAddress is the DAW's distinguished address for asynchronous error
// notifications. Messages received here are always logged, never silently
// dropped, even when no subscriber is registered.
const ErrorAddress = "/live/error"

// Message is an inbound or outbound OSC message: an address string plus a
// typed argument list.
type Message struct {
	Address string
	Args    []any
}

// Handler receives inbound messages for the address it was registered
// under. Handlers run synchronously on the transport's single receive
// goroutine; a slow handler delays delivery of subsequent messages.
type Handler func(msg Message)

// Config configures a [Transport].
type Config struct {
	// LocalAddr is the UDP address to bind for inbound messages, e.g.
	// "0.0.0.0:11001".
	LocalAddr string

	// RemoteHost and RemotePort address the DAW's OSC listener.
	RemoteHost string
	RemotePort int

	// Logger receives transport-level diagnostics. Defaults to
	// slog.Default() when nil.
	Logger *slog.Logger
}

// subscription is one registered handler for an address.
type subscription struct {
	id uint64
	fn Handler
}

// Transport owns one UDP socket pair: a client for outbound sends and a
// server for inbound dispatch. It is fire-and-forget on send; callers that
// need request/response semantics build on top via oscrpc.
//
// Safe for concurrent use.
type Transport struct {
	client *goosc.Client
	server *goosc.Server
	conn   net.PacketConn
	disp   *goosc.StandardDispatcher

	logger *slog.Logger

	mu       sync.RWMutex
	handlers map[string][]subscription
	nextID   uint64

	closed   atomic.Bool
	stopOnce sync.Once
	done     chan struct{}
}

// New binds the local UDP port and prepares the remote client. The receive
// loop is not started until [Transport.Listen] is called. Binding failure is
// returned directly; per spec §4.1 this is fatal to the process and the
// caller should treat it as such.
func New(cfg Config) (*Transport, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	host, port, err := net.SplitHostPort(cfg.LocalAddr)
	if err != nil {
		return nil, fmt.Errorf("osc: invalid local address %q: %w", cfg.LocalAddr, err)
	}

	disp := goosc.NewStandardDispatcher()
	server := &goosc.Server{Addr: net.JoinHostPort(host, port), Dispatcher: disp}

	conn, err := net.ListenPacket("udp", server.Addr)
	if err != nil {
		return nil, fmt.Errorf("osc: bind local port %s: %w", server.Addr, err)
	}

	client := goosc.NewClient(cfg.RemoteHost, cfg.RemotePort)

	t := &Transport{
		client:   client,
		server:   server,
		conn:     conn,
		disp:     disp,
		logger:   cfg.Logger,
		handlers: make(map[string][]subscription),
		done:     make(chan struct{}),
	}
	// Wire ErrorAddress up front so DAW errors are logged even before (or
	// without) any subscriber; Subscribe sees the key and won't re-register.
	t.handlers[ErrorAddress] = nil
	t.registerDispatch(ErrorAddress)
	return t, nil
}

// Listen starts the receive loop on the bound local port. It blocks until
// the transport is closed or the underlying connection fails. Per-datagram
// receive errors are logged and the loop continues; Listen itself only
// returns once the socket is no longer usable.
func (t *Transport) Listen() error {
	err := t.server.Serve(t.conn)
	close(t.done)
	if t.closed.Load() {
		return nil
	}
	return fmt.Errorf("osc: receive loop stopped: %w", err)
}

// Subscribe registers handler for address and returns an unsubscribe
// function. Multiple handlers may be registered for the same address;
// each is invoked, in registration order, for every inbound message at
// that address.
func (t *Transport) Subscribe(address string, handler Handler) (unsubscribe func()) {
	t.mu.Lock()
	id := t.nextID
	t.nextID++
	if _, ok := t.handlers[address]; !ok {
		t.registerDispatch(address)
	}
	t.handlers[address] = append(t.handlers[address], subscription{id: id, fn: handler})
	t.mu.Unlock()

	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		subs := t.handlers[address]
		for i, s := range subs {
			if s.id == id {
				t.handlers[address] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
	}
}

// registerDispatch wires address into the underlying go-osc dispatcher the
// first time it gains a subscriber. Must be called with t.mu held.
func (t *Transport) registerDispatch(address string) {
	_ = t.disp.AddMsgHandler(address, func(msg *goosc.Message) {
		t.dispatch(address, msg)
	})
}

// dispatch fans an inbound go-osc message out to all current subscribers
// for its address. /live/error is always logged regardless of subscribers.
func (t *Transport) dispatch(address string, msg *goosc.Message) {
	m := Message{Address: address, Args: msg.Arguments}

	if address == ErrorAddress {
		t.logger.Error("osc: DAW reported error", "args", m.Args)
	}

	t.mu.RLock()
	subs := t.handlers[address]
	// Copy so handler unregistration during dispatch doesn't race the slice.
	cp := make([]subscription, len(subs))
	copy(cp, subs)
	t.mu.RUnlock()

	for _, s := range cp {
		s.fn(m)
	}
}

// Send transmits an OSC message to the DAW. It is fire-and-forget: a
// successful return means the datagram was handed to the kernel, not that
// the DAW received or processed it.
func (t *Transport) Send(address string, args ...any) error {
	if t.closed.Load() {
		return ErrClosed
	}
	msg := goosc.NewMessage(address)
	for _, a := range args {
		msg.Append(a)
	}
	if err := t.client.Send(msg); err != nil {
		return fmt.Errorf("osc: send %s: %w", address, err)
	}
	return nil
}

// Close shuts down the receive loop and releases the local socket. Safe to
// call multiple times; subsequent calls are no-ops.
func (t *Transport) Close() error {
	var err error
	t.stopOnce.Do(func() {
		t.closed.Store(true)
		err = t.conn.Close()
	})
	return err
}

// ErrClosed is returned by operations attempted after [Transport.Close].
var ErrClosed = errors.New("osc: transport closed")
