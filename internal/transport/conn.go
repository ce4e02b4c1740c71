// Package transport wraps a single WebSocket connection between the broker and
// its editor peer.
//
// A [Conn] sends and receives whole JSON text messages. Writes are serialised
// internally so any goroutine may call [Conn.Send]; reads are expected to come
// from one goroutine (the dispatcher loop). Once the connection is closed,
// from either end, [Conn.Receive] and [Conn.Send] return [ErrClosed] and
// [Conn.Done] is closed.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/MrWong99/cleancut/internal/protocol"
)

// ErrClosed is returned by [Conn] methods after the connection has closed.
var ErrClosed = errors.New("transport: connection closed")

// readLimit caps a single inbound message. Sequence info payloads can be
// larger than the library default of 32 KiB.
const readLimit = 1 << 20

// Conn is one live WebSocket connection.
type Conn struct {
	id string
	ws *websocket.Conn

	writeMu sync.Mutex

	mu      sync.Mutex
	closed  bool
	reason  string
	done    chan struct{}
	closeMu sync.Once
}

func newConn(ws *websocket.Conn) *Conn {
	ws.SetReadLimit(readLimit)
	return &Conn{
		id:   uuid.NewString(),
		ws:   ws,
		done: make(chan struct{}),
	}
}

// Accept upgrades an HTTP request to a WebSocket connection. When
// originPatterns is empty, origin checks are skipped; the broker only
// listens on loopback and editor panels do not send a stable Origin.
func Accept(w http.ResponseWriter, r *http.Request, originPatterns []string) (*Conn, error) {
	opts := &websocket.AcceptOptions{OriginPatterns: originPatterns}
	if len(originPatterns) == 0 {
		opts.InsecureSkipVerify = true
	}
	ws, err := websocket.Accept(w, r, opts)
	if err != nil {
		return nil, fmt.Errorf("transport: accept: %w", err)
	}
	return newConn(ws), nil
}

// Dial opens a client connection to url.
func Dial(ctx context.Context, url string) (*Conn, error) {
	ws, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", url, err)
	}
	return newConn(ws), nil
}

// ID returns a unique identifier for this connection, used in logs.
func (c *Conn) ID() string { return c.id }

// Done is closed once the connection is closed.
func (c *Conn) Done() <-chan struct{} { return c.done }

// CloseReason returns the reason passed to [Conn.Close], or "" if the
// connection is still open or was closed by the remote end.
func (c *Conn) CloseReason() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason
}

// Send encodes msg and writes it as one text message.
func (c *Conn) Send(ctx context.Context, msg protocol.Message) error {
	data, err := protocol.Encode(msg.Kind, msg.Payload)
	if err != nil {
		return err
	}
	return c.SendRaw(ctx, data)
}

// SendRaw writes data verbatim as one text message.
func (c *Conn) SendRaw(ctx context.Context, data []byte) error {
	if c.isClosed() {
		return ErrClosed
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.Write(ctx, websocket.MessageText, data); err != nil {
		if c.isClosed() || websocket.CloseStatus(err) != -1 {
			c.markClosed("")
			return fmt.Errorf("%w: %v", ErrClosed, err)
		}
		return fmt.Errorf("transport: write: %w", err)
	}
	return nil
}

// Receive blocks until the next message arrives. Binary frames are returned
// as-is; decoding is the caller's business.
func (c *Conn) Receive(ctx context.Context) ([]byte, error) {
	if c.isClosed() {
		return nil, ErrClosed
	}
	_, data, err := c.ws.Read(ctx)
	if err != nil {
		// coder/websocket tears the connection down when a read context is
		// cancelled, so both paths leave the Conn closed.
		c.markClosed("")
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %v", ErrClosed, err)
	}
	return data, nil
}

// Close closes the connection with a normal closure status. Idempotent.
func (c *Conn) Close(reason string) error {
	if !c.markClosed(reason) {
		return nil
	}
	// The remote end may already be gone; the close handshake error carries
	// nothing actionable.
	_ = c.ws.Close(websocket.StatusNormalClosure, reason)
	return nil
}

// markClosed flips the closed flag and closes done. It reports whether this
// call performed the transition.
func (c *Conn) markClosed(reason string) bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	c.closed = true
	c.reason = reason
	c.mu.Unlock()

	c.closeMu.Do(func() { close(c.done) })
	return true
}

func (c *Conn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Sender is anything that can deliver a protocol message.
type Sender interface {
	Send(ctx context.Context, msg protocol.Message) error
}

// Handshake sends the peer's opening message announcing its role.
func Handshake(ctx context.Context, c Sender, role string) error {
	return c.Send(ctx, protocol.Message{
		Kind:    protocol.KindHandshake,
		Payload: &protocol.Handshake{Role: role},
	})
}
