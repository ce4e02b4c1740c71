// Package workflow orchestrates silence detection and the editor commands
// that act on it.
//
// Two detection flows exist. The direct-file flow analyses a local file and
// never depends on the editor peer; its results are kept even when they
// cannot be forwarded. The peer-export flow first asks the peer for an audio
// file, waits for the answer through the pending request ledger, then
// continues as the direct-file flow.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MrWong99/cleancut/internal/analysis"
	"github.com/MrWong99/cleancut/internal/ledger"
	"github.com/MrWong99/cleancut/internal/observe"
	"github.com/MrWong99/cleancut/internal/protocol"
	"github.com/MrWong99/cleancut/internal/silence"
	"github.com/MrWong99/cleancut/internal/supervisor"
)

var (
	// ErrConnectionUnavailable is returned when a flow needs the editor peer
	// and none is attached.
	ErrConnectionUnavailable = supervisor.ErrNoPeer

	// ErrRequestInFlight is returned when a flow that allows one request at
	// a time is already running.
	ErrRequestInFlight = ledger.ErrRequestInFlight

	// ErrPeerReported wraps a failure the peer reported in a response.
	ErrPeerReported = errors.New("workflow: peer reported failure")
)

// audioPathKey is the ledger ID of the single outstanding audio path request.
// The response carries no correlation ID.
const audioPathKey = "audio_path"

// Peer sends messages to the editor. *supervisor.Slot satisfies it.
type Peer interface {
	Send(ctx context.Context, msg protocol.Message) error
	Connected() bool
}

// Analyzer runs the external analysis. *analysis.Runner satisfies it.
type Analyzer interface {
	DetectSilences(ctx context.Context, path string, p analysis.Params) ([]analysis.Range, error)
	AnalyzeLevels(ctx context.Context, path string) (analysis.Report, error)
}

// Defaults fill in detection options a request leaves out.
type Defaults struct {
	ThresholdDB  float64
	MinSilenceMs int
	PaddingMs    int
	Detector     string
}

// Config holds the collaborators of an [Orchestrator].
type Config struct {
	Peer     Peer
	Store    *silence.Store
	Analyzer Analyzer

	// Identity is sent back in handshake_ack.
	Identity string

	// RequestTimeout bounds the wait for export and audio path responses.
	// Default: 30s.
	RequestTimeout time.Duration

	Defaults Defaults

	// Observer defaults to NopObserver.
	Observer Observer

	// Metrics defaults to observe.DefaultMetrics().
	Metrics *observe.Metrics
}

// Orchestrator runs the detection and command flows. Safe for concurrent use.
type Orchestrator struct {
	peer     Peer
	store    *silence.Store
	analyzer Analyzer
	identity string
	timeout  time.Duration
	observer Observer

	exports *ledger.Ledger[*protocol.AudioExportResponse]
	paths   *ledger.Ledger[*protocol.AudioPathResponse]

	// cmdMu serializes silence commands from reading the deletable set to
	// marking it deleted, so a segment is sent in at most one command.
	cmdMu sync.Mutex

	mu       sync.Mutex
	defaults Defaults
	// current holds the options of the running peer-export flow, nil when
	// idle.
	current *protocol.ProcessingOptions
}

// New creates an Orchestrator.
func New(cfg Config) *Orchestrator {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.Observer == nil {
		cfg.Observer = NopObserver{}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	if cfg.Store == nil {
		cfg.Store = silence.NewStore()
	}
	return &Orchestrator{
		peer:     cfg.Peer,
		store:    cfg.Store,
		analyzer: cfg.Analyzer,
		identity: cfg.Identity,
		timeout:  cfg.RequestTimeout,
		observer: cfg.Observer,
		defaults: cfg.Defaults,
		exports: ledger.New[*protocol.AudioExportResponse]("audio_export",
			ledger.WithMaxPending(1), ledger.WithMetrics(cfg.Metrics)),
		paths: ledger.New[*protocol.AudioPathResponse]("audio_path",
			ledger.WithMaxPending(1), ledger.WithMetrics(cfg.Metrics)),
	}
}

// Store returns the session store.
func (o *Orchestrator) Store() *silence.Store { return o.store }

// SetDefaults replaces the detection defaults. Running flows keep the values
// they started with.
func (o *Orchestrator) SetDefaults(d Defaults) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.defaults = d
}

// Defaults returns the current detection defaults.
func (o *Orchestrator) Defaults() Defaults {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.defaults
}

// OnPeerStatus forwards a connection transition to the observer. Subscribe
// it to the peer slot.
func (o *Orchestrator) OnPeerStatus(ev supervisor.StatusEvent) {
	o.observer.OnStatus(ev)
}

// Close fails every outstanding peer request with [ledger.ErrCancelled].
func (o *Orchestrator) Close() {
	o.exports.CancelAll(nil)
	o.paths.CancelAll(nil)
}

// ── Detection ───────────────────────────────────────────────────────────────

// DetectRequest starts a detection run.
type DetectRequest struct {
	// FilePath selects the direct-file flow. Empty selects the peer-export
	// flow.
	FilePath string

	// Options override the defaults. Nil uses the defaults entirely.
	Options *protocol.ProcessingOptions

	// Detector overrides the default detector.
	Detector string
}

// DetectResult is the outcome of a detection run.
type DetectResult struct {
	Session silence.Session
	Summary silence.Summary

	// SourcePath is the analysed file.
	SourcePath string

	// Forwarded reports whether request_cuts reached the peer. When it did
	// not, ForwardErr says why; the session is kept either way.
	Forwarded  bool
	ForwardErr error
}

// DetectSilences runs a detection flow.
func (o *Orchestrator) DetectSilences(ctx context.Context, req DetectRequest) (DetectResult, error) {
	ctx, span := observe.StartSpan(ctx, "workflow.detect_silences")
	defer span.End()

	opts, detector := o.resolve(req)
	path := req.FilePath
	peerFlow := path == ""

	if peerFlow {
		p, err := o.fetchAudioPath(ctx, opts)
		if err != nil {
			o.fail(ctx, "detect silences", err, true)
			return DetectResult{}, err
		}
		path = p
	}

	res, err := o.analyzeFile(ctx, path, opts, detector)
	if err != nil {
		o.fail(ctx, "detect silences", err, peerFlow)
		return DetectResult{}, err
	}
	return res, nil
}

func (o *Orchestrator) resolve(req DetectRequest) (protocol.ProcessingOptions, string) {
	d := o.Defaults()
	opts := protocol.ProcessingOptions{
		ThresholdDB:  d.ThresholdDB,
		MinSilenceMs: d.MinSilenceMs,
		PaddingMs:    d.PaddingMs,
		RangeMode:    protocol.RangeEntire,
	}
	if req.Options != nil {
		opts = *req.Options
		opts.Tracks = append([]int(nil), req.Options.Tracks...)
		// 0 dB would classify everything as silence; treat it as unset.
		if opts.ThresholdDB == 0 {
			opts.ThresholdDB = d.ThresholdDB
		}
		if opts.RangeMode == "" {
			opts.RangeMode = protocol.RangeEntire
		}
	}
	detector := d.Detector
	if req.Detector != "" {
		detector = req.Detector
	}
	return opts, detector
}

// fetchAudioPath asks the peer for an audio file matching opts. Only one such
// request may be outstanding; the current-options slot is cleared on every
// return path.
func (o *Orchestrator) fetchAudioPath(ctx context.Context, opts protocol.ProcessingOptions) (string, error) {
	if !o.peer.Connected() {
		return "", fmt.Errorf("workflow: request audio path: %w", ErrConnectionUnavailable)
	}
	if err := o.claimCurrent(&opts); err != nil {
		return "", err
	}
	defer o.releaseCurrent()

	resp, err := request(ctx, o, o.paths, audioPathKey, protocol.Message{
		Kind:    protocol.KindRequestAudioPath,
		Payload: &protocol.AudioPathRequest{Options: opts},
	})
	if err != nil {
		return "", fmt.Errorf("workflow: request audio path: %w", err)
	}
	if resp.Error != "" {
		return "", fmt.Errorf("%w: audio path: %s", ErrPeerReported, resp.Error)
	}
	return resp.FilePath, nil
}

func (o *Orchestrator) claimCurrent(opts *protocol.ProcessingOptions) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.current != nil {
		return fmt.Errorf("workflow: detect silences: %w", ErrRequestInFlight)
	}
	o.current = opts
	return nil
}

func (o *Orchestrator) releaseCurrent() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.current = nil
}

// CurrentOptions returns the options of the running peer-export flow.
func (o *Orchestrator) CurrentOptions() (protocol.ProcessingOptions, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.current == nil {
		return protocol.ProcessingOptions{}, false
	}
	return *o.current, true
}

// analyzeFile runs the analyzer on path, stores the session and forwards the
// cuts to the peer. Forwarding failures are reported on the result, not as an
// error.
func (o *Orchestrator) analyzeFile(ctx context.Context, path string, opts protocol.ProcessingOptions, detector string) (DetectResult, error) {
	log := observe.Logger(ctx)

	ranges, err := o.analyzer.DetectSilences(ctx, path, analysis.Params{
		ThresholdDB:  opts.ThresholdDB,
		MinSilenceMs: opts.MinSilenceMs,
		PaddingMs:    opts.PaddingMs,
		Detector:     detector,
	})
	if err != nil {
		return DetectResult{}, fmt.Errorf("workflow: analyze %s: %w", path, err)
	}

	sr := make([]silence.Range, len(ranges))
	for i, r := range ranges {
		sr[i] = silence.Range{Start: r.Start, End: r.End}
	}
	sess, err := o.store.CreateSession(ctx, sr, silence.Params{
		ThresholdDB:  opts.ThresholdDB,
		MinSilenceMs: opts.MinSilenceMs,
		PaddingMs:    opts.PaddingMs,
		Tracks:       opts.Tracks,
		RangeMode:    string(opts.RangeMode),
		Detector:     detector,
		SourcePath:   path,
	})
	if err != nil {
		return DetectResult{}, fmt.Errorf("workflow: store session: %w", err)
	}

	res := DetectResult{Session: sess, Summary: sess.Summary(), SourcePath: path}
	log.Info("silences detected", "session_id", sess.ID, "segments", len(sess.Segments), "path", path)
	o.observer.OnSessionUpdated(res.Summary)

	cuts := make([]protocol.Range, len(sess.Segments))
	for i, seg := range sess.Segments {
		cuts[i] = protocol.Range{Start: seg.Start, End: seg.End}
	}
	err = o.peer.Send(ctx, protocol.Message{
		Kind:    protocol.KindRequestCuts,
		Payload: &protocol.CutsRequest{SessionID: sess.ID, Cuts: cuts},
	})
	if err != nil {
		res.ForwardErr = err
		log.Info("cuts not forwarded; session kept", "session_id", sess.ID, "err", err)
		return res, nil
	}
	res.Forwarded = true
	return res, nil
}

// ── Peer requests ───────────────────────────────────────────────────────────

// ExportRequest asks the peer to render audio.
type ExportRequest struct {
	Folder    string
	Tracks    []int
	RangeMode protocol.RangeMode
}

// ExportAudio asks the peer to export audio and waits for the output path.
// Concurrent calls fail with [ErrRequestInFlight].
func (o *Orchestrator) ExportAudio(ctx context.Context, req ExportRequest) (string, error) {
	ctx, span := observe.StartSpan(ctx, "workflow.export_audio")
	defer span.End()

	if !o.peer.Connected() {
		err := fmt.Errorf("workflow: export audio: %w", ErrConnectionUnavailable)
		o.fail(ctx, "export audio", err, false)
		return "", err
	}
	if req.RangeMode == "" {
		req.RangeMode = protocol.RangeEntire
	}
	id := ledger.NewID()
	resp, err := request(ctx, o, o.exports, id, protocol.Message{
		Kind: protocol.KindRequestAudioExport,
		Payload: &protocol.AudioExportRequest{
			RequestID: id,
			Folder:    req.Folder,
			Tracks:    req.Tracks,
			RangeMode: req.RangeMode,
		},
	})
	if err != nil {
		err = fmt.Errorf("workflow: export audio: %w", err)
		o.fail(ctx, "export audio", err, true)
		return "", err
	}
	if !resp.Success {
		err := fmt.Errorf("%w: export: %s", ErrPeerReported, resp.Error)
		o.observer.OnError(err)
		return "", err
	}
	observe.Logger(ctx).Info("audio exported", "request_id", id, "path", resp.OutputPath)
	return resp.OutputPath, nil
}

// RequestSequenceInfo asks the peer for sequence metadata. The answer is
// delivered to [Observer.OnSequenceInfo].
func (o *Orchestrator) RequestSequenceInfo(ctx context.Context) error {
	err := o.peer.Send(ctx, protocol.Message{
		Kind:    protocol.KindRequestSequenceInfo,
		Payload: &protocol.SequenceInfoRequest{},
	})
	if err != nil {
		return fmt.Errorf("workflow: request sequence info: %w", err)
	}
	return nil
}

// request registers id in l, sends msg and waits for the response, the
// ledger timeout, or ctx.
func request[T any](ctx context.Context, o *Orchestrator, l *ledger.Ledger[T], id string, msg protocol.Message) (T, error) {
	type outcome struct {
		v   T
		err error
	}
	var zero T
	ch := make(chan outcome, 1)
	if err := l.Register(id, func(v T, err error) { ch <- outcome{v, err} }, o.timeout); err != nil {
		return zero, err
	}
	if err := o.peer.Send(ctx, msg); err != nil {
		l.Reject(id, err)
		return zero, err
	}
	select {
	case out := <-ch:
		return out.v, out.err
	case <-ctx.Done():
		if !l.Reject(id, ctx.Err()) {
			out := <-ch
			return out.v, out.err
		}
		return zero, ctx.Err()
	}
}

// ── Silence commands ────────────────────────────────────────────────────────

// CommandResult describes a silence command sent to the peer.
type CommandResult struct {
	SessionID string
	Segments  []string
}

// DeleteSilences asks the peer to ripple-delete the processed segments of the
// session (the current one when sessionID is empty).
func (o *Orchestrator) DeleteSilences(ctx context.Context, sessionID string) (CommandResult, error) {
	return o.command(ctx, protocol.KindRequestDeleteSilences, sessionID)
}

// MuteSilences asks the peer to mute the processed segments.
func (o *Orchestrator) MuteSilences(ctx context.Context, sessionID string) (CommandResult, error) {
	return o.command(ctx, protocol.KindRequestMuteSilences, sessionID)
}

// RemoveSilencesWithGaps asks the peer to remove the processed segments while
// leaving gaps in place.
func (o *Orchestrator) RemoveSilencesWithGaps(ctx context.Context, sessionID string) (CommandResult, error) {
	return o.command(ctx, protocol.KindRequestRemoveSilencesWithGaps, sessionID)
}

// command sends kind for the deletable segments and marks them deleted once
// the send succeeded. The peer's later response does not undo the marking.
// Commands run one at a time.
func (o *Orchestrator) command(ctx context.Context, kind protocol.Kind, sessionID string) (CommandResult, error) {
	ctx, span := observe.StartSpan(ctx, "workflow."+string(kind))
	defer span.End()

	o.cmdMu.Lock()
	defer o.cmdMu.Unlock()

	if sessionID == "" {
		cur, err := o.store.Current()
		if err != nil {
			return CommandResult{}, fmt.Errorf("workflow: %s: %w", kind, err)
		}
		sessionID = cur.ID
	}
	segs, err := o.store.Deletable(sessionID)
	if err != nil {
		return CommandResult{}, fmt.Errorf("workflow: %s: %w", kind, err)
	}
	if len(segs) == 0 {
		return CommandResult{}, fmt.Errorf("workflow: %s: %w", kind, silence.ErrNoEligibleSegments)
	}

	refs := make([]protocol.SegmentRef, len(segs))
	ids := make([]string, len(segs))
	for i, s := range segs {
		refs[i] = protocol.SegmentRef{ID: s.ID, Start: s.Start, End: s.End}
		ids[i] = s.ID
	}
	err = o.peer.Send(ctx, protocol.Message{
		Kind:    kind,
		Payload: &protocol.SilenceCommand{SessionID: sessionID, Segments: refs},
	})
	if err != nil {
		err = fmt.Errorf("workflow: %s: %w", kind, err)
		o.fail(ctx, string(kind), err, false)
		return CommandResult{}, err
	}

	if _, err := o.store.MarkDeleted(ctx, sessionID, ids...); err != nil {
		return CommandResult{}, fmt.Errorf("workflow: %s: mark deleted: %w", kind, err)
	}
	o.notifySession(sessionID)
	return CommandResult{SessionID: sessionID, Segments: ids}, nil
}

// ── Local operations ────────────────────────────────────────────────────────

// AnalyzeLevels runs the statistics analysis on path. It never involves the
// peer.
func (o *Orchestrator) AnalyzeLevels(ctx context.Context, path string) (analysis.Report, error) {
	ctx, span := observe.StartSpan(ctx, "workflow.analyze_levels")
	defer span.End()
	rep, err := o.analyzer.AnalyzeLevels(ctx, path)
	if err != nil {
		return analysis.Report{}, fmt.Errorf("workflow: analyze levels %s: %w", path, err)
	}
	return rep, nil
}

// ClearSessions drops every stored session and returns how many there were.
func (o *Orchestrator) ClearSessions() int {
	n := o.store.ClearAll()
	observe.Logger(context.Background()).Info("sessions cleared", "count", n)
	return n
}

// ── Helpers ─────────────────────────────────────────────────────────────────

func (o *Orchestrator) notifySession(sessionID string) {
	sess, err := o.store.Session(sessionID)
	if err != nil {
		return
	}
	o.observer.OnSessionUpdated(sess.Summary())
}

// fail logs err, notifies the observer and, when toPeer is set and a peer is
// attached, tells the peer with an error message. A request rejected because
// another one is in flight is not reported: the peer is still serving the
// first request and must not reset.
func (o *Orchestrator) fail(ctx context.Context, op string, err error, toPeer bool) {
	observe.Logger(ctx).Warn("workflow failed", "op", op, "err", err)
	observe.SpanFailed(ctx, err)
	o.observer.OnError(err)
	if !toPeer || errors.Is(err, ErrConnectionUnavailable) || errors.Is(err, ErrRequestInFlight) {
		return
	}
	msg := protocol.Message{Kind: protocol.KindError, Payload: &protocol.Error{Message: err.Error()}}
	if sendErr := o.peer.Send(context.WithoutCancel(ctx), msg); sendErr != nil {
		observe.Logger(ctx).Debug("error not delivered to peer", "err", sendErr)
	}
}
