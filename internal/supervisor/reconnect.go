package supervisor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/cleancut/internal/transport"
)

// Default reconnection parameters.
const (
	defaultMaxRetries = 10
	defaultBackoff    = 5 * time.Second
	defaultMaxBackoff = 30 * time.Second
	defaultRole       = "peer"
)

// Backoff returns the delay before reconnect attempt number attempt
// (counted from 1): base × attempt, capped at ceiling.
func Backoff(attempt int, base, ceiling time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base * time.Duration(attempt)
	if d > ceiling {
		return ceiling
	}
	return d
}

// ReconnectorConfig configures a [Reconnector].
type ReconnectorConfig struct {
	// URL is the broker WebSocket URL. Used by the default Dial.
	URL string

	// Role is announced in the handshake sent right after every successful
	// connect.
	Role string

	// Dial opens a connection. Defaults to [transport.Dial] on URL.
	Dial func(ctx context.Context) (Conn, error)

	// Serve runs for as long as a connection is up, typically the dispatcher
	// loop. When it returns, the connection is treated as lost. Defaults to
	// waiting until the connection closes.
	Serve func(ctx context.Context, c Conn) error

	// MaxRetries is the number of reconnect attempts after a loss before the
	// reconnector gives up. Defaults to 10 if zero.
	MaxRetries int

	// Backoff is the base delay; attempt n waits Backoff × n. Defaults to 5s.
	Backoff time.Duration

	// MaxBackoff caps the delay. Defaults to 30s.
	MaxBackoff time.Duration

	// OnStatus receives every state transition. May be nil.
	OnStatus func(StatusEvent)

	// Sleep waits for d or until ctx is done. Defaults to a timer; tests
	// replace it to observe the schedule without waiting.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Reconnector keeps the peer connected to the broker.
//
// The state machine is Idle → Connecting → Connected → Disconnected →
// Connecting (after backoff) and so on. A successful connect resets the
// attempt counter. When MaxRetries consecutive attempts have failed, the
// reconnector moves to Failed, reports [ErrConnectionFailed] and stops; it
// never recovers on its own.
//
// All methods are safe for concurrent use.
type Reconnector struct {
	role       string
	dial       func(ctx context.Context) (Conn, error)
	serve      func(ctx context.Context, c Conn) error
	maxRetries int
	backoff    time.Duration
	maxBackoff time.Duration
	onStatus   func(StatusEvent)
	sleep      func(ctx context.Context, d time.Duration) error

	mu      sync.Mutex
	state   State
	conn    Conn
	cancel  context.CancelFunc
	stopped bool
}

// NewReconnector creates a new [Reconnector] with the given configuration.
func NewReconnector(cfg ReconnectorConfig) *Reconnector {
	r := &Reconnector{
		role:       cfg.Role,
		dial:       cfg.Dial,
		serve:      cfg.Serve,
		maxRetries: cfg.MaxRetries,
		backoff:    cfg.Backoff,
		maxBackoff: cfg.MaxBackoff,
		onStatus:   cfg.OnStatus,
		sleep:      cfg.Sleep,
	}
	if r.role == "" {
		r.role = defaultRole
	}
	if r.maxRetries <= 0 {
		r.maxRetries = defaultMaxRetries
	}
	if r.backoff <= 0 {
		r.backoff = defaultBackoff
	}
	if r.maxBackoff <= 0 {
		r.maxBackoff = defaultMaxBackoff
	}
	if r.dial == nil {
		url := cfg.URL
		r.dial = func(ctx context.Context) (Conn, error) {
			return transport.Dial(ctx, url)
		}
	}
	if r.serve == nil {
		r.serve = waitClosed
	}
	if r.sleep == nil {
		r.sleep = sleepCtx
	}
	return r
}

// Run connects and keeps reconnecting until ctx is cancelled, [Reconnector.Stop]
// is called, or retries run out. It returns nil after Stop, ctx.Err() on
// cancellation and [ErrConnectionFailed] when it gives up.
func (r *Reconnector) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return nil
	}
	r.cancel = cancel
	r.mu.Unlock()

	attempt := 0
	for {
		r.setState(StatusEvent{State: StateConnecting, Attempt: attempt})

		conn, err := r.dial(ctx)
		if err == nil {
			// Any successful connect starts a fresh cycle, even when the
			// handshake then fails.
			attempt = 0
			err = r.session(ctx, conn)
		}
		if ctx.Err() != nil {
			return r.exit(ctx)
		}
		if err != nil {
			slog.Warn("connection attempt failed", "attempt", attempt, "err", err)
		}

		if attempt >= r.maxRetries {
			slog.Error("reconnection failed after max retries", "max_retries", r.maxRetries)
			r.setState(StatusEvent{State: StateFailed, Attempt: attempt, Err: ErrConnectionFailed})
			return ErrConnectionFailed
		}
		attempt++
		delay := Backoff(attempt, r.backoff, r.maxBackoff)
		r.setState(StatusEvent{State: StateDisconnected, Attempt: attempt, Delay: delay, Err: err})
		slog.Info("scheduling reconnect",
			"attempt", attempt,
			"max_retries", r.maxRetries,
			"delay", delay,
		)
		if err := r.sleep(ctx, delay); err != nil {
			return r.exit(ctx)
		}
	}
}

// session runs one connected period. It returns nil once a connection that
// completed its handshake is lost, or the handshake error.
func (r *Reconnector) session(ctx context.Context, conn Conn) error {
	if err := transport.Handshake(ctx, conn, r.role); err != nil {
		_ = conn.Close("handshake failed")
		return err
	}

	r.mu.Lock()
	r.conn = conn
	r.mu.Unlock()
	r.setState(StatusEvent{State: StateConnected, ConnID: conn.ID()})

	if err := r.serve(ctx, conn); err != nil && ctx.Err() == nil {
		slog.Warn("peer session ended", "conn_id", conn.ID(), "err", err)
	}
	_ = conn.Close("session ended")

	r.mu.Lock()
	r.conn = nil
	r.mu.Unlock()
	return nil
}

func (r *Reconnector) exit(ctx context.Context) error {
	r.mu.Lock()
	stopped := r.stopped
	r.mu.Unlock()
	r.setState(StatusEvent{State: StateDisconnected})
	if stopped {
		return nil
	}
	return ctx.Err()
}

// Stop halts Run and closes the current connection. Safe to call multiple
// times, and before Run.
func (r *Reconnector) Stop() {
	r.mu.Lock()
	r.stopped = true
	cancel := r.cancel
	conn := r.conn
	r.mu.Unlock()

	if conn != nil {
		_ = conn.Close("stopped")
	}
	if cancel != nil {
		cancel()
	}
}

// State returns the current state.
func (r *Reconnector) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Connection returns the live connection, or nil between connections.
func (r *Reconnector) Connection() Conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conn
}

func (r *Reconnector) setState(ev StatusEvent) {
	r.mu.Lock()
	r.state = ev.State
	r.mu.Unlock()
	if r.onStatus != nil {
		r.onStatus(ev)
	}
}

func waitClosed(ctx context.Context, c Conn) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.Done():
		return nil
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
