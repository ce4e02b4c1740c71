package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/MrWong99/cleancut/internal/observe"
	"github.com/MrWong99/cleancut/internal/protocol"
	"github.com/MrWong99/cleancut/internal/transport"
)

// Slot holds the broker's single peer connection.
//
// [Slot.Attach] always wins: a second peer replaces the first, which is closed
// with reason "replaced". Pending requests sent to the old peer are not failed
// here; they run into their own timeouts.
//
// All methods are safe for concurrent use.
type Slot struct {
	metrics *observe.Metrics

	mu      sync.Mutex
	current Conn
	subs    []func(StatusEvent)
}

// SlotOption configures a [Slot].
type SlotOption func(*Slot)

// WithMetrics records slot transitions and sent messages on m.
func WithMetrics(m *observe.Metrics) SlotOption {
	return func(s *Slot) { s.metrics = m }
}

// NewSlot returns an empty slot.
func NewSlot(opts ...SlotOption) *Slot {
	s := &Slot{}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Subscribe registers fn to receive every connected and disconnected
// transition. fn is called synchronously and must not block.
func (s *Slot) Subscribe(fn func(StatusEvent)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs = append(s.subs, fn)
}

// Attach makes c the current peer and returns the connection it replaced, if
// any. The replaced connection has already been closed.
func (s *Slot) Attach(c Conn) (previous Conn) {
	s.mu.Lock()
	previous = s.current
	s.current = c
	subs := s.subscribers()
	s.mu.Unlock()

	ctx := context.Background()
	if previous != nil {
		slog.Info("peer replaced", "old_conn_id", previous.ID(), "new_conn_id", c.ID())
		_ = previous.Close("replaced")
		s.record(ctx, observe.PeerReplaced)
		notify(subs, StatusEvent{State: StateDisconnected, ConnID: previous.ID(), Replaced: true})
	}

	slog.Info("peer connected", "conn_id", c.ID())
	s.record(ctx, observe.PeerConnected)
	notify(subs, StatusEvent{State: StateConnected, ConnID: c.ID()})
	return previous
}

// Detach clears the slot if c is still the current peer and reports whether
// it did. A replaced connection's late disconnect is ignored so it cannot
// clear its successor.
func (s *Slot) Detach(c Conn) bool {
	s.mu.Lock()
	if s.current != c {
		s.mu.Unlock()
		return false
	}
	s.current = nil
	subs := s.subscribers()
	s.mu.Unlock()

	slog.Info("peer disconnected", "conn_id", c.ID())
	s.record(context.Background(), observe.PeerDisconnected)
	notify(subs, StatusEvent{State: StateDisconnected, ConnID: c.ID()})
	return true
}

// Current returns the attached peer, or [ErrNoPeer].
func (s *Slot) Current() (Conn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return nil, ErrNoPeer
	}
	return s.current, nil
}

// Connected reports whether a peer is attached.
func (s *Slot) Connected() bool {
	_, err := s.Current()
	return err == nil
}

// Send delivers msg to the current peer. It fails fast with [ErrNoPeer] when
// the slot is empty or the peer's connection is already closed.
func (s *Slot) Send(ctx context.Context, msg protocol.Message) error {
	c, err := s.Current()
	if err != nil {
		return err
	}
	if err := c.Send(ctx, msg); err != nil {
		if errors.Is(err, transport.ErrClosed) {
			return fmt.Errorf("%w: %v", ErrNoPeer, err)
		}
		return fmt.Errorf("supervisor: send %s: %w", msg.Kind, err)
	}
	if s.metrics != nil {
		s.metrics.RecordMessageSent(ctx, string(msg.Kind))
	}
	return nil
}

// Close closes the current peer, if any, and empties the slot.
func (s *Slot) Close(reason string) {
	s.mu.Lock()
	c := s.current
	s.mu.Unlock()
	if c == nil {
		return
	}
	_ = c.Close(reason)
	s.Detach(c)
}

// subscribers returns a snapshot of the subscriber list. Caller holds mu.
func (s *Slot) subscribers() []func(StatusEvent) {
	return append([]func(StatusEvent)(nil), s.subs...)
}

func (s *Slot) record(ctx context.Context, event string) {
	if s.metrics != nil {
		s.metrics.RecordPeerEvent(ctx, event)
	}
}

func notify(subs []func(StatusEvent), ev StatusEvent) {
	for _, fn := range subs {
		fn(ev)
	}
}
