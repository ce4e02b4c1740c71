// Package dispatch routes inbound peer messages to handlers by kind.
//
// A [Dispatcher] reads one connection at a time and handles message N fully
// before reading N+1. Handlers that need to wait on slow work must hand it
// off to their own goroutine so later messages keep flowing.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"

	"github.com/MrWong99/cleancut/internal/observe"
	"github.com/MrWong99/cleancut/internal/protocol"
	"github.com/MrWong99/cleancut/internal/transport"
)

// Conn is the connection a [Dispatcher] serves. *transport.Conn satisfies it.
type Conn interface {
	ID() string
	Send(ctx context.Context, msg protocol.Message) error
	Receive(ctx context.Context) ([]byte, error)
}

// HandlerFunc handles one decoded message received on c. A returned error is
// logged; it never ends the receive loop.
type HandlerFunc func(ctx context.Context, c Conn, msg protocol.Message) error

// Dispatcher maps message kinds to handlers. Register handlers before the
// first call to [Dispatcher.Serve].
type Dispatcher struct {
	metrics *observe.Metrics

	mu       sync.RWMutex
	handlers map[protocol.Kind]HandlerFunc
}

// Option configures a [Dispatcher].
type Option func(*Dispatcher)

// WithMetrics records every inbound message on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// New returns a dispatcher with no handlers.
func New(opts ...Option) *Dispatcher {
	d := &Dispatcher{handlers: make(map[protocol.Kind]HandlerFunc)}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Handle registers fn for kind, replacing any previous handler. It panics on
// a kind outside the protocol catalog, which is a programming error.
func (d *Dispatcher) Handle(kind protocol.Kind, fn HandlerFunc) {
	if !kind.IsKnown() {
		panic(fmt.Sprintf("dispatch: Handle called with unknown kind %q", kind))
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[kind] = fn
}

// Serve runs the receive loop for c until the connection closes or ctx is
// done. A closed connection ends the loop with a nil error.
func (d *Dispatcher) Serve(ctx context.Context, c Conn) error {
	for {
		data, err := c.Receive(ctx)
		if err != nil {
			if errors.Is(err, transport.ErrClosed) {
				return nil
			}
			return err
		}
		d.Dispatch(ctx, c, data)
	}
}

// Dispatch decodes data and runs the matching handler synchronously.
// Unknown and malformed messages are logged and dropped.
func (d *Dispatcher) Dispatch(ctx context.Context, c Conn, data []byte) {
	msg, err := protocol.Decode(data)
	switch {
	case errors.Is(err, protocol.ErrUnknownKind):
		slog.Warn("dropping message of unknown kind", "conn_id", c.ID(), "kind", msg.Kind)
		d.record(ctx, string(msg.Kind), "unknown")
		return
	case err != nil:
		slog.Warn("dropping malformed message", "conn_id", c.ID(), "kind", msg.Kind, "err", err)
		d.record(ctx, string(msg.Kind), "malformed")
		return
	}
	d.record(ctx, string(msg.Kind), "ok")

	d.mu.RLock()
	fn := d.handlers[msg.Kind]
	d.mu.RUnlock()
	if fn == nil {
		slog.Debug("no handler for message", "conn_id", c.ID(), "kind", msg.Kind)
		return
	}

	if err := d.invoke(ctx, fn, c, msg); err != nil {
		slog.Error("message handler failed", "conn_id", c.ID(), "kind", msg.Kind, "err", err)
	}
}

func (d *Dispatcher) invoke(ctx context.Context, fn HandlerFunc, c Conn, msg protocol.Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("dispatch: handler panic: %v\n%s", r, debug.Stack())
		}
	}()
	return fn(ctx, c, msg)
}

func (d *Dispatcher) record(ctx context.Context, kind, status string) {
	if d.metrics == nil {
		return
	}
	if kind == "" {
		kind = "none"
	}
	d.metrics.RecordMessageReceived(ctx, kind, status)
}
