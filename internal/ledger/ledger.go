// Package ledger correlates outbound peer requests with their eventual
// responses.
//
// Each pending request is registered under an ID with a resolver and a
// timeout. Exactly one of three things happens to it: a matching response
// resolves it, its timer expires, or it is cancelled. Whichever removes the
// entry from the ledger first is the only one that invokes the resolver.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/cleancut/internal/observe"
)

var (
	// ErrTimeout is passed to the resolver when no response arrived in time.
	ErrTimeout = errors.New("ledger: request timed out")

	// ErrRequestInFlight is returned by Register on a ledger limited by
	// [WithMaxPending] when the limit is reached.
	ErrRequestInFlight = errors.New("ledger: another request is already in flight")

	// ErrDuplicateID is returned by Register when the ID is already pending.
	ErrDuplicateID = errors.New("ledger: duplicate request id")

	// ErrCancelled is the default error delivered by CancelAll.
	ErrCancelled = errors.New("ledger: request cancelled")
)

// Outcome labels recorded on [observe.Metrics.RecordLedgerOutcome].
const (
	OutcomeResolved  = "resolved"
	OutcomeTimeout   = "timeout"
	OutcomeCancelled = "cancelled"
)

// Resolver receives the outcome of a pending request: either a result with a
// nil error, or the zero value with [ErrTimeout] or a cancellation error.
type Resolver[T any] func(result T, err error)

type entry[T any] struct {
	id      string
	seq     uint64
	resolve Resolver[T]
	timer   *time.Timer
}

// Ledger tracks pending requests whose responses carry a result of type T.
//
// All methods are safe for concurrent use. Resolvers run on the goroutine
// that settled the entry (the caller of Resolve, or the timer goroutine) and
// never under the ledger's lock.
type Ledger[T any] struct {
	name       string
	maxPending int
	metrics    *observe.Metrics

	mu      sync.Mutex
	entries map[string]*entry[T]
	seq     uint64
}

// Option configures a [Ledger].
type Option func(*options)

type options struct {
	maxPending int
	metrics    *observe.Metrics
}

// WithMaxPending limits how many requests may be outstanding at once. With a
// limit of one, concurrent requests are serialised by rejection: the second
// Register fails with [ErrRequestInFlight] instead of risking a response being
// attributed to the wrong request.
func WithMaxPending(n int) Option {
	return func(o *options) { o.maxPending = n }
}

// WithMetrics records every outcome on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// New returns an empty ledger. name appears in error messages.
func New[T any](name string, opts ...Option) *Ledger[T] {
	var o options
	for _, fn := range opts {
		fn(&o)
	}
	return &Ledger[T]{
		name:       name,
		maxPending: o.maxPending,
		metrics:    o.metrics,
		entries:    make(map[string]*entry[T]),
	}
}

// NewID returns a fresh request ID.
func NewID() string { return uuid.NewString() }

// Register adds a pending request. resolve is invoked exactly once, either
// with the result passed to Resolve or with [ErrTimeout] after timeout.
func (l *Ledger[T]) Register(id string, resolve Resolver[T], timeout time.Duration) error {
	if id == "" {
		return fmt.Errorf("ledger %s: empty request id", l.name)
	}
	if timeout <= 0 {
		return fmt.Errorf("ledger %s: timeout must be positive, got %v", l.name, timeout)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.entries[id]; ok {
		return fmt.Errorf("ledger %s: %w: %s", l.name, ErrDuplicateID, id)
	}
	if l.maxPending > 0 && len(l.entries) >= l.maxPending {
		return fmt.Errorf("ledger %s: %w", l.name, ErrRequestInFlight)
	}

	l.seq++
	e := &entry[T]{id: id, seq: l.seq, resolve: resolve}
	e.timer = time.AfterFunc(timeout, func() { l.expire(e) })
	l.entries[id] = e
	return nil
}

// Resolve settles the request registered under id with result. It reports
// false if no such request is pending, for example because it already timed
// out.
func (l *Ledger[T]) Resolve(id string, result T) bool {
	e := l.take(id)
	if e == nil {
		return false
	}
	l.settle(e, result, nil, OutcomeResolved)
	return true
}

// Reject settles the request registered under id with err.
func (l *Ledger[T]) Reject(id string, err error) bool {
	e := l.take(id)
	if e == nil {
		return false
	}
	var zero T
	l.settle(e, zero, err, OutcomeCancelled)
	return true
}

// ResolveOldest settles the longest-pending request with result. It is the
// fallback for responses that carry no request ID. It returns the ID that was
// resolved, or false when nothing is pending.
func (l *Ledger[T]) ResolveOldest(result T) (string, bool) {
	l.mu.Lock()
	var oldest *entry[T]
	for _, e := range l.entries {
		if oldest == nil || e.seq < oldest.seq {
			oldest = e
		}
	}
	if oldest != nil {
		delete(l.entries, oldest.id)
	}
	l.mu.Unlock()

	if oldest == nil {
		return "", false
	}
	l.settle(oldest, result, nil, OutcomeResolved)
	return oldest.id, true
}

// CancelAll settles every pending request with err (or [ErrCancelled] if err
// is nil) and returns how many there were.
func (l *Ledger[T]) CancelAll(err error) int {
	if err == nil {
		err = ErrCancelled
	}
	l.mu.Lock()
	all := make([]*entry[T], 0, len(l.entries))
	for id, e := range l.entries {
		all = append(all, e)
		delete(l.entries, id)
	}
	l.mu.Unlock()

	var zero T
	for _, e := range all {
		l.settle(e, zero, err, OutcomeCancelled)
	}
	return len(all)
}

// Len returns the number of pending requests.
func (l *Ledger[T]) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Pending reports whether id is still awaiting a response.
func (l *Ledger[T]) Pending(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.entries[id]
	return ok
}

// Await registers id and blocks until it is settled or ctx is done. On ctx
// cancellation the entry is removed and ctx.Err() is returned.
func (l *Ledger[T]) Await(ctx context.Context, id string, timeout time.Duration) (T, error) {
	type outcome struct {
		result T
		err    error
	}
	ch := make(chan outcome, 1)
	if err := l.Register(id, func(r T, err error) { ch <- outcome{r, err} }, timeout); err != nil {
		var zero T
		return zero, err
	}
	select {
	case o := <-ch:
		return o.result, o.err
	case <-ctx.Done():
		if !l.Reject(id, ctx.Err()) {
			// Settled concurrently; the buffered channel holds the outcome.
			o := <-ch
			return o.result, o.err
		}
		var zero T
		return zero, ctx.Err()
	}
}

// take removes and returns the entry for id, or nil.
func (l *Ledger[T]) take(id string) *entry[T] {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[id]
	if !ok {
		return nil
	}
	delete(l.entries, id)
	return e
}

// expire is the timer callback. It only fires the resolver if e is still the
// entry registered under its ID.
func (l *Ledger[T]) expire(e *entry[T]) {
	l.mu.Lock()
	if cur, ok := l.entries[e.id]; !ok || cur != e {
		l.mu.Unlock()
		return
	}
	delete(l.entries, e.id)
	l.mu.Unlock()

	var zero T
	l.settle(e, zero, fmt.Errorf("ledger %s: request %s: %w", l.name, e.id, ErrTimeout), OutcomeTimeout)
}

func (l *Ledger[T]) settle(e *entry[T], result T, err error, outcome string) {
	e.timer.Stop()
	if l.metrics != nil {
		l.metrics.RecordLedgerOutcome(context.Background(), outcome)
	}
	if e.resolve != nil {
		e.resolve(result, err)
	}
}
