// Package audit keeps an append-only PostgreSQL log of silence sessions and
// segment mutations.
//
// The log is write-only. Nothing is read back at startup; sessions still live
// only in memory. Writes happen on a background goroutine so the session store
// never waits on the database, and failures are logged and dropped.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/cleancut/internal/silence"
)

// Schema is the DDL for the silence_audit table. Execute it via
// [PostgresLog.Migrate] or apply it manually during deployment.
const Schema = `
CREATE TABLE IF NOT EXISTS silence_audit (
    id           BIGSERIAL    PRIMARY KEY,
    session_id   TEXT         NOT NULL,
    event        TEXT         NOT NULL,
    segment_ids  JSONB        NOT NULL DEFAULT '[]',
    detail       JSONB        NOT NULL DEFAULT '{}',
    recorded_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_silence_audit_session
    ON silence_audit (session_id, recorded_at);
`

const insertEvent = `
INSERT INTO silence_audit (session_id, event, segment_ids, detail, recorded_at)
VALUES ($1, $2, $3, $4, $5)`

// Recorder is the hook the session store calls on every mutation.
type Recorder = silence.Recorder

// DB is the database interface used by [PostgresLog]. *pgxpool.Pool
// satisfies it.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Ping(ctx context.Context) error
}

// Nop discards every event.
type Nop struct{}

var _ Recorder = Nop{}

func (Nop) SessionCreated(context.Context, silence.Session)          {}
func (Nop) SegmentsMarked(context.Context, string, string, []string) {}

// event is one pending row.
type event struct {
	sessionID  string
	kind       string
	segmentIDs []string
	detail     map[string]any
	at         time.Time
}

// segmentRecord is the immutable detected range of a segment as stored in the
// detail of a "created" row.
type segmentRecord struct {
	ID     string  `json:"id"`
	Start  float64 `json:"start"`
	End    float64 `json:"end"`
	Tracks []int   `json:"tracks"`
}

// PostgresLog writes audit rows through a buffered queue.
type PostgresLog struct {
	db           DB
	writeTimeout time.Duration
	now          func() time.Time

	queue chan event
	wg    sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

var _ Recorder = (*PostgresLog)(nil)

// Option configures a [PostgresLog].
type Option func(*PostgresLog)

// WithQueueSize sets how many events may wait for the writer before new ones
// are dropped. Default: 256.
func WithQueueSize(n int) Option {
	return func(l *PostgresLog) {
		if n > 0 {
			l.queue = make(chan event, n)
		}
	}
}

// WithWriteTimeout bounds each INSERT. Default: 5s.
func WithWriteTimeout(d time.Duration) Option {
	return func(l *PostgresLog) {
		if d > 0 {
			l.writeTimeout = d
		}
	}
}

// WithClock overrides time.Now for recorded_at.
func WithClock(now func() time.Time) Option {
	return func(l *PostgresLog) { l.now = now }
}

// NewPostgresLog starts a log writing to db. Call [PostgresLog.Close] to
// flush and stop the writer.
func NewPostgresLog(db DB, opts ...Option) *PostgresLog {
	l := &PostgresLog{
		db:           db,
		writeTimeout: 5 * time.Second,
		now:          time.Now,
		queue:        make(chan event, 256),
	}
	for _, o := range opts {
		o(l)
	}
	l.wg.Add(1)
	go l.writer()
	return l
}

// Open connects a pool to dsn and verifies it with a ping.
func Open(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("audit: open pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("audit: ping: %w", err)
	}
	return pool, nil
}

// Migrate executes [Schema].
func (l *PostgresLog) Migrate(ctx context.Context) error {
	if _, err := l.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("audit: migrate: %w", err)
	}
	return nil
}

// Ping checks the database. It backs the readiness check.
func (l *PostgresLog) Ping(ctx context.Context) error {
	return l.db.Ping(ctx)
}

// SessionCreated queues a "created" row carrying the session parameters.
func (l *PostgresLog) SessionCreated(_ context.Context, s silence.Session) {
	ids := make([]string, len(s.Segments))
	segs := make([]segmentRecord, len(s.Segments))
	for i, seg := range s.Segments {
		ids[i] = seg.ID
		segs[i] = segmentRecord{
			ID:     seg.ID,
			Start:  seg.OriginalRange.Start,
			End:    seg.OriginalRange.End,
			Tracks: seg.TrackIndices,
		}
	}
	l.enqueue(event{
		sessionID:  s.ID,
		kind:       silence.MutationCreated,
		segmentIDs: ids,
		detail: map[string]any{
			"name":           s.Name,
			"threshold_db":   s.Params.ThresholdDB,
			"min_silence_ms": s.Params.MinSilenceMs,
			"padding_ms":     s.Params.PaddingMs,
			"detector":       s.Params.Detector,
			"source_path":    s.Params.SourcePath,
			"segments":       segs,
		},
	})
}

// SegmentsMarked queues one row per mutation batch.
func (l *PostgresLog) SegmentsMarked(_ context.Context, sessionID, mutation string, segmentIDs []string) {
	l.enqueue(event{
		sessionID:  sessionID,
		kind:       mutation,
		segmentIDs: append([]string(nil), segmentIDs...),
	})
}

// Close stops accepting events, writes what is queued and returns. Safe to
// call more than once.
func (l *PostgresLog) Close() {
	l.mu.Lock()
	if !l.closed {
		l.closed = true
		close(l.queue)
	}
	l.mu.Unlock()
	l.wg.Wait()
}

func (l *PostgresLog) enqueue(ev event) {
	ev.at = l.now().UTC()
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		slog.Debug("audit: event after close dropped", "session_id", ev.sessionID, "event", ev.kind)
		return
	}
	select {
	case l.queue <- ev:
	default:
		slog.Warn("audit: queue full, event dropped", "session_id", ev.sessionID, "event", ev.kind)
	}
}

func (l *PostgresLog) writer() {
	defer l.wg.Done()
	for ev := range l.queue {
		if err := l.write(ev); err != nil {
			slog.Warn("audit: write failed", "session_id", ev.sessionID, "event", ev.kind, "err", err)
		}
	}
}

func (l *PostgresLog) write(ev event) error {
	if ev.segmentIDs == nil {
		ev.segmentIDs = []string{}
	}
	ids, err := json.Marshal(ev.segmentIDs)
	if err != nil {
		return fmt.Errorf("audit: marshal segment ids: %w", err)
	}
	if ev.detail == nil {
		ev.detail = map[string]any{}
	}
	detail, err := json.Marshal(ev.detail)
	if err != nil {
		return fmt.Errorf("audit: marshal detail: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), l.writeTimeout)
	defer cancel()
	if _, err := l.db.Exec(ctx, insertEvent, ev.sessionID, ev.kind, ids, detail, ev.at); err != nil {
		return fmt.Errorf("audit: insert: %w", err)
	}
	return nil
}
