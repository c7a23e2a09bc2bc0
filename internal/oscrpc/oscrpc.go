// Package oscrpc synthesizes request/response call semantics on top of
// fire-and-forget OSC messaging (C2): the DAW replies to a query by sending
// to the same address it was queried on, so a single-shot handler plus a
// timeout recovers call/response pairs from that convention.
package oscrpc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/kestrelhq/dawbridge/internal/observe"
	"github.com/kestrelhq/dawbridge/internal/osc"
)

// ErrTimeout is returned when no reply arrives within the call's deadline.
var ErrTimeout = errors.New("oscrpc: call timed out")

// Transport is the subset of [osc.Transport] the shim depends on.
type Transport interface {
	Send(address string, args ...any) error
	Subscribe(address string, handler osc.Handler) (unsubscribe func())
}

// Shim turns address-mirroring OSC exchanges into awaited calls. Because
// multiple in-flight calls to the same address are indistinguishable at the
// reply, Shim serializes calls per address rather than attempt best-effort
// FIFO matching — this is a correctness requirement, not an optimization.
//
// Safe for concurrent use across addresses; calls to the same address
// block each other.
type Shim struct {
	transport Transport

	mu        sync.Mutex
	addrLocks map[string]*sync.Mutex
}

// New wraps transport with request/response semantics.
func New(transport Transport) *Shim {
	return &Shim{
		transport: transport,
		addrLocks: make(map[string]*sync.Mutex),
	}
}

// lockFor returns the per-address mutex, creating it on first use.
func (s *Shim) lockFor(address string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.addrLocks[address]
	if !ok {
		l = &sync.Mutex{}
		s.addrLocks[address] = l
	}
	return l
}

// Call sends args to address and awaits the reply on the same address,
// registering a single-shot handler that is deregistered on every exit
// path. Concurrent calls to the same address are serialized; calls to
// distinct addresses proceed independently.
//
// Returns [ErrTimeout] if neither a reply nor ctx cancellation arrives
// within timeout.
func (s *Shim) Call(ctx context.Context, address string, args []any, timeout time.Duration) (osc.Message, error) {
	start := time.Now()
	defer func() {
		observe.DefaultMetrics().RecordOSCRoundTrip(ctx, address, time.Since(start).Seconds())
	}()

	lock := s.lockFor(address)
	lock.Lock()
	defer lock.Unlock()

	replies := make(chan osc.Message, 1)
	unsubscribe := s.transport.Subscribe(address, func(msg osc.Message) {
		select {
		case replies <- msg:
		default:
		}
	})
	defer unsubscribe()

	if err := s.transport.Send(address, args...); err != nil {
		return osc.Message{}, fmt.Errorf("oscrpc: send %s: %w", address, err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case reply := <-replies:
		return reply, nil
	case <-timer.C:
		return osc.Message{}, fmt.Errorf("%w: %s after %s", ErrTimeout, address, timeout)
	case <-ctx.Done():
		return osc.Message{}, ctx.Err()
	}
}
