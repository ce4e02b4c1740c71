// Package silence keeps the in-memory record of silence detection sessions
// and the per-segment progress of cut, delete and mute operations.
//
// Each segment moves through processed=false,deleted=false →
// processed=true (the peer confirmed its cut) → deleted=true. The invariant
// deleted ⇒ processed always holds: [Store.MarkDeleted] sets both flags.
//
// Nothing here survives a restart.
package silence

import (
	"context"
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/cleancut/internal/observe"
)

var (
	// ErrNotFound is returned for an unknown session ID, or when the current
	// session is requested and none exists.
	ErrNotFound = errors.New("silence: session not found")

	// ErrNoEligibleSegments is returned when an operation's target set is
	// empty.
	ErrNoEligibleSegments = errors.New("silence: no eligible segments")

	// ErrInvalidRange is returned by CreateSession for a range whose end is
	// not after its start.
	ErrInvalidRange = errors.New("silence: invalid range")
)

// Mutation names passed to [Recorder.SegmentsMarked] and recorded as metrics.
const (
	MutationCreated   = "created"
	MutationProcessed = "processed"
	MutationDeleted   = "deleted"
)

// Range is a raw detected silence in seconds.
type Range struct {
	Start float64
	End   float64
}

// Params are the analysis parameters a session was produced with.
type Params struct {
	ThresholdDB  float64
	MinSilenceMs int
	PaddingMs    int
	Tracks       []int
	RangeMode    string
	Detector     string
	SourcePath   string
}

// Segment is one detected silence. OriginalRange is the range the analyzer
// reported and never changes after creation.
type Segment struct {
	ID            string
	Start         float64
	End           float64
	Duration      float64
	TrackIndices  []int
	OriginalRange Range
	Processed     bool
	Deleted       bool
}

// Session is the result of one analysis run.
type Session struct {
	ID        string
	Name      string
	CreatedAt time.Time
	Params    Params
	Segments  []Segment
}

// Summary condenses a session for notifications and CLI output.
type Summary struct {
	SessionID      string
	Name           string
	Total          int
	Processed      int
	Deleted        int
	SilenceSeconds float64
}

// Summary computes counts over s.
func (s Session) Summary() Summary {
	sum := Summary{SessionID: s.ID, Name: s.Name, Total: len(s.Segments)}
	for _, seg := range s.Segments {
		if seg.Processed {
			sum.Processed++
		}
		if seg.Deleted {
			sum.Deleted++
		}
		sum.SilenceSeconds += seg.Duration
	}
	sum.SilenceSeconds = round3(sum.SilenceSeconds)
	return sum
}

// Recorder observes store mutations. Implementations must not block; the
// audit log is the production implementation.
type Recorder interface {
	SessionCreated(ctx context.Context, s Session)
	SegmentsMarked(ctx context.Context, sessionID, mutation string, segmentIDs []string)
}

// Store is a thread-safe in-memory session store. Values returned from it are
// copies; mutating them does not affect the store.
type Store struct {
	recorder Recorder
	metrics  *observe.Metrics
	now      func() time.Time

	mu       sync.RWMutex
	sessions map[string]*Session
	order    []string
	current  string
	cleared  map[string]struct{}
}

// Option configures a [Store].
type Option func(*Store)

// WithRecorder forwards every mutation to r.
func WithRecorder(r Recorder) Option {
	return func(s *Store) { s.recorder = r }
}

// WithMetrics counts segment mutations on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Store) { s.metrics = m }
}

// WithClock overrides time.Now for session timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// NewStore returns an empty store.
func NewStore(opts ...Option) *Store {
	s := &Store{
		now:      time.Now,
		sessions: make(map[string]*Session),
		cleared:  make(map[string]struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// CreateSession builds a new session from raw ranges and makes it current.
// The previous current session stays retrievable by ID. Zero ranges is
// valid and yields an empty session.
func (s *Store) CreateSession(ctx context.Context, ranges []Range, p Params) (Session, error) {
	for i, r := range ranges {
		if math.IsNaN(r.Start) || math.IsNaN(r.End) || r.End <= r.Start || r.Start < 0 {
			return Session{}, fmt.Errorf("%w: #%d [%v, %v]", ErrInvalidRange, i, r.Start, r.End)
		}
	}

	id := uuid.NewString()
	sess := &Session{
		ID:        id,
		CreatedAt: s.now().UTC(),
		Params:    cloneParams(p),
		Segments:  make([]Segment, len(ranges)),
	}
	sess.Name = sessionName(p.SourcePath, sess.CreatedAt)
	for i, r := range ranges {
		sess.Segments[i] = Segment{
			ID:            fmt.Sprintf("%s-%d", id, i),
			Start:         r.Start,
			End:           r.End,
			Duration:      round3(r.End - r.Start),
			TrackIndices:  slices.Clone(p.Tracks),
			OriginalRange: r,
		}
	}

	s.mu.Lock()
	s.sessions[id] = sess
	s.order = append(s.order, id)
	s.current = id
	out := cloneSession(sess)
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.RecordSegments(ctx, MutationCreated, len(ranges))
	}
	if s.recorder != nil {
		s.recorder.SessionCreated(ctx, out)
	}
	return out, nil
}

// Session returns the session with the given ID, or the current session when
// id is empty.
func (s *Store) Session(id string) (Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, err := s.lookup(id)
	if err != nil {
		return Session{}, err
	}
	return cloneSession(sess), nil
}

// Current returns the most recently created session.
func (s *Store) Current() (Session, error) { return s.Session("") }

// Sessions returns every session in creation order.
func (s *Store) Sessions() []Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Session, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, cloneSession(s.sessions[id]))
	}
	return out
}

// Deletable returns the segments of the session that are processed but not
// yet deleted. For a session dropped by [Store.ClearAll] it returns an empty
// set; for an ID the store never knew it returns [ErrNotFound].
func (s *Store) Deletable(id string) ([]Segment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, gone := s.cleared[id]; gone && id != "" {
		return []Segment{}, nil
	}
	sess, err := s.lookup(id)
	if err != nil {
		return nil, err
	}
	out := []Segment{}
	for _, seg := range sess.Segments {
		if seg.Processed && !seg.Deleted {
			out = append(out, seg)
		}
	}
	return out, nil
}

// MarkProcessed sets processed=true on the given segments, or on every
// segment when none are named. It returns the IDs that changed state.
func (s *Store) MarkProcessed(ctx context.Context, id string, segmentIDs ...string) ([]string, error) {
	return s.mark(ctx, id, segmentIDs, MutationProcessed, func(seg *Segment) bool {
		if seg.Processed {
			return false
		}
		seg.Processed = true
		return true
	})
}

// MarkDeleted sets deleted=true, and with it processed=true, on the given
// segments, or on every segment when none are named. It returns the IDs that
// changed state.
func (s *Store) MarkDeleted(ctx context.Context, id string, segmentIDs ...string) ([]string, error) {
	return s.mark(ctx, id, segmentIDs, MutationDeleted, func(seg *Segment) bool {
		if seg.Deleted {
			return false
		}
		seg.Deleted = true
		seg.Processed = true
		return true
	})
}

// mark applies fn to the selected segments. An empty selection, or a
// selection naming no segment of the session, is [ErrNoEligibleSegments].
func (s *Store) mark(ctx context.Context, id string, segmentIDs []string, mutation string, fn func(*Segment) bool) ([]string, error) {
	s.mu.Lock()
	sess, err := s.lookup(id)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	sessID := sess.ID

	var matched, changed []string
	for i := range sess.Segments {
		seg := &sess.Segments[i]
		if len(segmentIDs) > 0 && !slices.Contains(segmentIDs, seg.ID) {
			continue
		}
		matched = append(matched, seg.ID)
		if fn(seg) {
			changed = append(changed, seg.ID)
		}
	}
	s.mu.Unlock()

	if len(matched) == 0 {
		return nil, fmt.Errorf("%w: session %s", ErrNoEligibleSegments, sessID)
	}
	if len(changed) > 0 {
		if s.metrics != nil {
			s.metrics.RecordSegments(ctx, mutation, len(changed))
		}
		if s.recorder != nil {
			s.recorder.SegmentsMarked(ctx, sessID, mutation, changed)
		}
	}
	return changed, nil
}

// ClearAll drops every session. Previously known IDs answer [Store.Deletable]
// with an empty set afterwards.
func (s *Store) ClearAll() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.sessions)
	for id := range s.sessions {
		s.cleared[id] = struct{}{}
	}
	s.sessions = make(map[string]*Session)
	s.order = nil
	s.current = ""
	return n
}

// lookup resolves id (or the current session for ""). Caller holds mu.
func (s *Store) lookup(id string) (*Session, error) {
	if id == "" {
		id = s.current
		if id == "" {
			return nil, fmt.Errorf("%w: no current session", ErrNotFound)
		}
	}
	sess, ok := s.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return sess, nil
}

func sessionName(source string, at time.Time) string {
	base := "timeline"
	if source != "" {
		base = filepath.Base(source)
	}
	return base + " @ " + at.Format(time.RFC3339)
}

func cloneParams(p Params) Params {
	p.Tracks = slices.Clone(p.Tracks)
	return p
}

func cloneSession(s *Session) Session {
	out := *s
	out.Params = cloneParams(s.Params)
	out.Segments = slices.Clone(s.Segments)
	for i := range out.Segments {
		out.Segments[i].TrackIndices = slices.Clone(out.Segments[i].TrackIndices)
	}
	return out
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}
