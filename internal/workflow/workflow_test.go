package workflow_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MrWong99/cleancut/internal/analysis"
	"github.com/MrWong99/cleancut/internal/dispatch"
	"github.com/MrWong99/cleancut/internal/ledger"
	"github.com/MrWong99/cleancut/internal/protocol"
	"github.com/MrWong99/cleancut/internal/silence"
	"github.com/MrWong99/cleancut/internal/supervisor"
	"github.com/MrWong99/cleancut/internal/workflow"
)

// ── Fakes ───────────────────────────────────────────────────────────────────

// fakePeer records sent messages. onSend, when set, runs on its own goroutine
// for every delivered message so tests can answer requests.
type fakePeer struct {
	mu        sync.Mutex
	connected bool
	sent      []protocol.Message
	onSend    func(protocol.Message)
}

func (p *fakePeer) Send(_ context.Context, msg protocol.Message) error {
	p.mu.Lock()
	if !p.connected {
		p.mu.Unlock()
		return supervisor.ErrNoPeer
	}
	p.sent = append(p.sent, msg)
	fn := p.onSend
	p.mu.Unlock()
	if fn != nil {
		go fn(msg)
	}
	return nil
}

func (p *fakePeer) setOnSend(fn func(protocol.Message)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onSend = fn
}

func (p *fakePeer) Connected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connected
}

func (p *fakePeer) messages(kind protocol.Kind) []protocol.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []protocol.Message
	for _, m := range p.sent {
		if m.Kind == kind {
			out = append(out, m)
		}
	}
	return out
}

type fakeAnalyzer struct {
	ranges []analysis.Range
	err    error

	mu       sync.Mutex
	calls    int
	lastPath string
	last     analysis.Params
}

func (a *fakeAnalyzer) DetectSilences(_ context.Context, path string, p analysis.Params) ([]analysis.Range, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls++
	a.lastPath = path
	a.last = p
	return a.ranges, a.err
}

func (a *fakeAnalyzer) AnalyzeLevels(context.Context, string) (analysis.Report, error) {
	return analysis.Report{FileInfo: analysis.FileInfo{SampleRate: 48000}}, a.err
}

func (a *fakeAnalyzer) snapshot() (int, string, analysis.Params) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls, a.lastPath, a.last
}

// recObserver records notifications.
type recObserver struct {
	workflow.NopObserver
	mu       sync.Mutex
	errs     []error
	sessions []silence.Summary
	seq      []json.RawMessage
	results  []protocol.Kind
}

func (r *recObserver) OnError(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, err)
}

func (r *recObserver) OnSessionUpdated(s silence.Summary) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions = append(r.sessions, s)
}

func (r *recObserver) OnSequenceInfo(seq json.RawMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq = append(r.seq, seq)
}

func (r *recObserver) OnPeerResult(kind protocol.Kind, _ protocol.Payload) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = append(r.results, kind)
}

// peerConn is the dispatch-side connection of the fake peer.
type peerConn struct {
	mu   sync.Mutex
	sent []protocol.Message
}

func (c *peerConn) ID() string { return "peer-1" }

func (c *peerConn) Send(_ context.Context, msg protocol.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, msg)
	return nil
}

func (c *peerConn) Receive(ctx context.Context) ([]byte, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

type harness struct {
	orch     *workflow.Orchestrator
	peer     *fakePeer
	analyzer *fakeAnalyzer
	obs      *recObserver
	disp     *dispatch.Dispatcher
	conn     *peerConn
}

func newHarness(t *testing.T, connected bool, timeout time.Duration) *harness {
	t.Helper()
	h := &harness{
		peer: &fakePeer{connected: connected},
		analyzer: &fakeAnalyzer{ranges: []analysis.Range{
			{Start: 0.5, End: 1.2},
			{Start: 3.0, End: 3.8},
		}},
		obs:  &recObserver{},
		disp: dispatch.New(),
		conn: &peerConn{},
	}
	h.orch = workflow.New(workflow.Config{
		Peer:           h.peer,
		Analyzer:       h.analyzer,
		Identity:       "test-broker",
		RequestTimeout: timeout,
		Defaults:       workflow.Defaults{ThresholdDB: -40, MinSilenceMs: 500, PaddingMs: 100, Detector: "default"},
		Observer:       h.obs,
	})
	h.orch.Register(h.disp)
	t.Cleanup(h.orch.Close)
	return h
}

// reply feeds a peer message through the dispatcher.
func (h *harness) reply(t *testing.T, kind protocol.Kind, p protocol.Payload) {
	t.Helper()
	data, err := protocol.Encode(kind, p)
	if err != nil {
		t.Errorf("encode %s: %v", kind, err)
		return
	}
	h.disp.Dispatch(context.Background(), h.conn, data)
}

// ── Direct-file flow ────────────────────────────────────────────────────────

func TestDetectSilences_DirectFileWithoutPeerKeepsResults(t *testing.T) {
	t.Parallel()
	h := newHarness(t, false, time.Second)

	res, err := h.orch.DetectSilences(t.Context(), workflow.DetectRequest{FilePath: "/media/a.wav"})
	if err != nil {
		t.Fatalf("DetectSilences: %v", err)
	}
	if res.Forwarded || !errors.Is(res.ForwardErr, workflow.ErrConnectionUnavailable) {
		t.Errorf("Forwarded = %v, ForwardErr = %v; want false, ErrConnectionUnavailable", res.Forwarded, res.ForwardErr)
	}
	if len(res.Session.Segments) != 2 {
		t.Fatalf("segments = %d; want 2", len(res.Session.Segments))
	}
	if cur, err := h.orch.Store().Current(); err != nil || cur.ID != res.Session.ID {
		t.Errorf("Current = %v, %v; want stored session", cur.ID, err)
	}

	calls, path, p := h.analyzer.snapshot()
	if calls != 1 || path != "/media/a.wav" {
		t.Errorf("analyzer calls = %d path = %q", calls, path)
	}
	if p.ThresholdDB != -40 || p.MinSilenceMs != 500 || p.PaddingMs != 100 || p.Detector != "default" {
		t.Errorf("params = %+v; want defaults", p)
	}
	if len(h.obs.sessions) != 1 {
		t.Errorf("session notifications = %d; want 1", len(h.obs.sessions))
	}
}

func TestDetectSilences_DirectFileForwardsCuts(t *testing.T) {
	t.Parallel()
	h := newHarness(t, true, time.Second)

	res, err := h.orch.DetectSilences(t.Context(), workflow.DetectRequest{
		FilePath: "/media/a.wav",
		Options:  &protocol.ProcessingOptions{ThresholdDB: -30, MinSilenceMs: 200},
		Detector: "vad",
	})
	if err != nil {
		t.Fatalf("DetectSilences: %v", err)
	}
	if !res.Forwarded {
		t.Fatalf("Forwarded = false, ForwardErr = %v", res.ForwardErr)
	}
	cuts := h.peer.messages(protocol.KindRequestCuts)
	if len(cuts) != 1 {
		t.Fatalf("request_cuts sent %d times; want 1", len(cuts))
	}
	req := cuts[0].Payload.(*protocol.CutsRequest)
	if req.SessionID != res.Session.ID || len(req.Cuts) != 2 || req.Cuts[0].Start != 0.5 {
		t.Errorf("CutsRequest = %+v", req)
	}
	if _, _, p := h.analyzer.snapshot(); p.ThresholdDB != -30 || p.PaddingMs != 0 || p.Detector != "vad" {
		t.Errorf("params = %+v; want request overrides", p)
	}
}

func TestDetectSilences_ZeroThresholdUsesDefault(t *testing.T) {
	t.Parallel()
	h := newHarness(t, false, time.Second)

	_, err := h.orch.DetectSilences(t.Context(), workflow.DetectRequest{
		FilePath: "/media/a.wav",
		Options:  &protocol.ProcessingOptions{MinSilenceMs: 300},
	})
	if err != nil {
		t.Fatalf("DetectSilences: %v", err)
	}
	if _, _, p := h.analyzer.snapshot(); p.ThresholdDB != -40 || p.MinSilenceMs != 300 {
		t.Errorf("params = %+v; want default threshold -40 with min silence 300", p)
	}
}

func TestDetectSilences_AnalyzerFailure(t *testing.T) {
	t.Parallel()
	h := newHarness(t, false, time.Second)
	h.analyzer.err = &analysis.ProcessError{ExitCode: 1, Stderr: "boom"}

	_, err := h.orch.DetectSilences(t.Context(), workflow.DetectRequest{FilePath: "/media/a.wav"})
	if !errors.Is(err, analysis.ErrProcessFailed) {
		t.Fatalf("err = %v; want ErrProcessFailed", err)
	}
	if len(h.orch.Store().Sessions()) != 0 {
		t.Error("failed analysis created a session")
	}
	if len(h.obs.errs) != 1 {
		t.Errorf("observer errors = %d; want 1", len(h.obs.errs))
	}
}

// ── Peer-export flow ────────────────────────────────────────────────────────

func TestDetectSilences_PeerFlowRequiresPeer(t *testing.T) {
	t.Parallel()
	h := newHarness(t, false, time.Second)

	_, err := h.orch.DetectSilences(t.Context(), workflow.DetectRequest{})
	if !errors.Is(err, workflow.ErrConnectionUnavailable) {
		t.Fatalf("err = %v; want ErrConnectionUnavailable", err)
	}
	if calls, _, _ := h.analyzer.snapshot(); calls != 0 {
		t.Errorf("analyzer ran %d times without an audio path", calls)
	}
}

func TestDetectSilences_PeerFlow(t *testing.T) {
	t.Parallel()
	h := newHarness(t, true, time.Second)
	h.peer.onSend = func(msg protocol.Message) {
		if msg.Kind == protocol.KindRequestAudioPath {
			h.reply(t, protocol.KindAudioPathResponse, &protocol.AudioPathResponse{FilePath: "/tmp/export.wav"})
		}
	}

	res, err := h.orch.DetectSilences(t.Context(), workflow.DetectRequest{})
	if err != nil {
		t.Fatalf("DetectSilences: %v", err)
	}
	if res.SourcePath != "/tmp/export.wav" || !res.Forwarded {
		t.Errorf("result = %+v", res)
	}
	if _, path, _ := h.analyzer.snapshot(); path != "/tmp/export.wav" {
		t.Errorf("analyzed %q", path)
	}
	req := h.peer.messages(protocol.KindRequestAudioPath)[0].Payload.(*protocol.AudioPathRequest)
	if req.Options.ThresholdDB != -40 || req.Options.RangeMode != protocol.RangeEntire {
		t.Errorf("request options = %+v", req.Options)
	}
	if _, busy := h.orch.CurrentOptions(); busy {
		t.Error("current options not cleared after success")
	}
}

func TestDetectSilences_PeerFlowSerialized(t *testing.T) {
	t.Parallel()
	h := newHarness(t, true, 5*time.Second)

	first := make(chan error, 1)
	go func() {
		_, err := h.orch.DetectSilences(context.Background(), workflow.DetectRequest{})
		first <- err
	}()
	deadline := time.Now().Add(2 * time.Second)
	for len(h.peer.messages(protocol.KindRequestAudioPath)) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("first flow never sent request_audio_path")
		}
		time.Sleep(time.Millisecond)
	}

	_, err := h.orch.DetectSilences(t.Context(), workflow.DetectRequest{})
	if !errors.Is(err, workflow.ErrRequestInFlight) {
		t.Fatalf("second flow err = %v; want ErrRequestInFlight", err)
	}
	if msgs := h.peer.messages(protocol.KindError); len(msgs) != 0 {
		t.Errorf("peer got %d error messages for a locally rejected flow; want 0", len(msgs))
	}

	h.reply(t, protocol.KindAudioPathResponse, &protocol.AudioPathResponse{FilePath: "/tmp/a.wav"})
	if err := <-first; err != nil {
		t.Fatalf("first flow: %v", err)
	}
}

func TestDetectSilences_PeerFlowTimeoutClearsSlot(t *testing.T) {
	t.Parallel()
	h := newHarness(t, true, 30*time.Millisecond)

	_, err := h.orch.DetectSilences(t.Context(), workflow.DetectRequest{})
	if !errors.Is(err, ledger.ErrTimeout) {
		t.Fatalf("err = %v; want ErrTimeout", err)
	}
	if _, busy := h.orch.CurrentOptions(); busy {
		t.Error("current options not cleared after timeout")
	}
	if n := len(h.peer.messages(protocol.KindError)); n != 1 {
		t.Errorf("error messages to peer = %d; want 1", n)
	}

	// The slot is free again.
	h.peer.setOnSend(func(msg protocol.Message) {
		if msg.Kind == protocol.KindRequestAudioPath {
			h.reply(t, protocol.KindAudioPathResponse, &protocol.AudioPathResponse{FilePath: "/tmp/b.wav"})
		}
	})
	h.orch.SetDefaults(workflow.Defaults{ThresholdDB: -50})
	if _, err := h.orch.DetectSilences(t.Context(), workflow.DetectRequest{}); err != nil {
		t.Fatalf("retry after timeout: %v", err)
	}
}

func TestDetectSilences_PeerReportsPathError(t *testing.T) {
	t.Parallel()
	h := newHarness(t, true, time.Second)
	h.peer.onSend = func(msg protocol.Message) {
		if msg.Kind == protocol.KindRequestAudioPath {
			h.reply(t, protocol.KindAudioPathResponse, &protocol.AudioPathResponse{Error: "no active sequence"})
		}
	}
	_, err := h.orch.DetectSilences(t.Context(), workflow.DetectRequest{})
	if !errors.Is(err, workflow.ErrPeerReported) {
		t.Fatalf("err = %v; want ErrPeerReported", err)
	}
	if calls, _, _ := h.analyzer.snapshot(); calls != 0 {
		t.Error("analyzer ran after the peer reported an error")
	}
}

func TestDetectSilences_ContextCancelledWhileWaiting(t *testing.T) {
	t.Parallel()
	h := newHarness(t, true, time.Minute)
	ctx, cancel := context.WithCancel(t.Context())
	h.peer.onSend = func(msg protocol.Message) {
		if msg.Kind == protocol.KindRequestAudioPath {
			cancel()
		}
	}
	_, err := h.orch.DetectSilences(ctx, workflow.DetectRequest{})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v; want context.Canceled", err)
	}
	if _, busy := h.orch.CurrentOptions(); busy {
		t.Error("current options not cleared after cancellation")
	}
}

// ── Export ──────────────────────────────────────────────────────────────────

func TestExportAudio(t *testing.T) {
	t.Parallel()

	t.Run("resolved by request id", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t, true, time.Second)
		h.peer.onSend = func(msg protocol.Message) {
			req, ok := msg.Payload.(*protocol.AudioExportRequest)
			if !ok {
				return
			}
			h.reply(t, protocol.KindAudioExportResponse, &protocol.AudioExportResponse{
				RequestID: req.RequestID, Success: true, OutputPath: "/out/a.wav",
			})
		}
		path, err := h.orch.ExportAudio(t.Context(), workflow.ExportRequest{Folder: "/out"})
		if err != nil || path != "/out/a.wav" {
			t.Fatalf("ExportAudio = %q, %v", path, err)
		}
	})

	t.Run("response without id resolves oldest", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t, true, time.Second)
		h.peer.onSend = func(msg protocol.Message) {
			if msg.Kind != protocol.KindRequestAudioExport {
				return
			}
			h.reply(t, protocol.KindAudioExportResponse, &protocol.AudioExportResponse{Success: true, OutputPath: "/out/b.wav"})
		}
		path, err := h.orch.ExportAudio(t.Context(), workflow.ExportRequest{Folder: "/out"})
		if err != nil || path != "/out/b.wav" {
			t.Fatalf("ExportAudio = %q, %v", path, err)
		}
	})

	t.Run("peer failure", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t, true, time.Second)
		h.peer.onSend = func(msg protocol.Message) {
			if msg.Kind != protocol.KindRequestAudioExport {
				return
			}
			h.reply(t, protocol.KindAudioExportResponse, &protocol.AudioExportResponse{Error: "disk full"})
		}
		_, err := h.orch.ExportAudio(t.Context(), workflow.ExportRequest{Folder: "/out"})
		if !errors.Is(err, workflow.ErrPeerReported) {
			t.Fatalf("err = %v; want ErrPeerReported", err)
		}
	})

	t.Run("concurrent export rejected", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t, true, 5*time.Second)
		var sent atomic.Int32
		release := make(chan string, 1)
		h.peer.onSend = func(msg protocol.Message) {
			req, ok := msg.Payload.(*protocol.AudioExportRequest)
			if !ok {
				return
			}
			sent.Add(1)
			release <- req.RequestID
		}
		first := make(chan error, 1)
		go func() {
			_, err := h.orch.ExportAudio(context.Background(), workflow.ExportRequest{Folder: "/out"})
			first <- err
		}()
		id := <-release

		_, err := h.orch.ExportAudio(t.Context(), workflow.ExportRequest{Folder: "/out"})
		if !errors.Is(err, workflow.ErrRequestInFlight) {
			t.Fatalf("second export err = %v; want ErrRequestInFlight", err)
		}
		if n := sent.Load(); n != 1 {
			t.Errorf("requests sent = %d; want 1", n)
		}
		if msgs := h.peer.messages(protocol.KindError); len(msgs) != 0 {
			t.Errorf("peer got %d error messages; want 0", len(msgs))
		}
		h.reply(t, protocol.KindAudioExportResponse, &protocol.AudioExportResponse{RequestID: id, Success: true, OutputPath: "/x"})
		if err := <-first; err != nil {
			t.Fatalf("first export: %v", err)
		}
	})

	t.Run("no peer", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t, false, time.Second)
		if _, err := h.orch.ExportAudio(t.Context(), workflow.ExportRequest{Folder: "/out"}); !errors.Is(err, workflow.ErrConnectionUnavailable) {
			t.Fatalf("err = %v; want ErrConnectionUnavailable", err)
		}
	})
}

// ── Cuts and silence commands ───────────────────────────────────────────────

func TestCutsThenDelete(t *testing.T) {
	t.Parallel()
	h := newHarness(t, true, time.Second)

	res, err := h.orch.DetectSilences(t.Context(), workflow.DetectRequest{FilePath: "/media/a.wav"})
	if err != nil {
		t.Fatalf("DetectSilences: %v", err)
	}
	if _, err := h.orch.DeleteSilences(t.Context(), res.Session.ID); !errors.Is(err, silence.ErrNoEligibleSegments) {
		t.Fatalf("delete before cuts err = %v; want ErrNoEligibleSegments", err)
	}

	// Peer confirms only the first segment.
	h.reply(t, protocol.KindCutsResponse, &protocol.CutsResponse{
		SessionID: res.Session.ID, Success: true, SegmentIDs: []string{res.Session.Segments[0].ID},
	})

	out, err := h.orch.DeleteSilences(t.Context(), "")
	if err != nil {
		t.Fatalf("DeleteSilences: %v", err)
	}
	if out.SessionID != res.Session.ID || len(out.Segments) != 1 || out.Segments[0] != res.Session.Segments[0].ID {
		t.Errorf("result = %+v", out)
	}
	cmds := h.peer.messages(protocol.KindRequestDeleteSilences)
	if len(cmds) != 1 || len(cmds[0].Payload.(*protocol.SilenceCommand).Segments) != 1 {
		t.Fatalf("delete commands = %+v", cmds)
	}

	got, _ := h.orch.Store().Session(res.Session.ID)
	if !got.Segments[0].Deleted || got.Segments[1].Processed {
		t.Errorf("segments = %+v", got.Segments)
	}
	if _, err := h.orch.MuteSilences(t.Context(), res.Session.ID); !errors.Is(err, silence.ErrNoEligibleSegments) {
		t.Errorf("mute after delete err = %v; want ErrNoEligibleSegments", err)
	}

	h.reply(t, protocol.KindDeleteSilencesResponse, &protocol.SilenceCommandResponse{SessionID: res.Session.ID, Success: true, Affected: 1})
	h.obs.mu.Lock()
	defer h.obs.mu.Unlock()
	if len(h.obs.results) != 2 || h.obs.results[1] != protocol.KindDeleteSilencesResponse {
		t.Errorf("peer results = %v", h.obs.results)
	}
}

func TestCutsResponseWithoutIDsMarksAll(t *testing.T) {
	t.Parallel()
	h := newHarness(t, false, time.Second)
	res, _ := h.orch.DetectSilences(t.Context(), workflow.DetectRequest{FilePath: "/media/a.wav"})

	h.reply(t, protocol.KindCutsResponse, &protocol.CutsResponse{Success: true})

	del, err := h.orch.Store().Deletable(res.Session.ID)
	if err != nil || len(del) != 2 {
		t.Fatalf("Deletable = %v, %v; want both segments", del, err)
	}
}

func TestConcurrentCommandsSendEachSegmentOnce(t *testing.T) {
	t.Parallel()
	h := newHarness(t, true, time.Second)

	const rounds = 20
	for range rounds {
		res, err := h.orch.DetectSilences(t.Context(), workflow.DetectRequest{FilePath: "/media/a.wav"})
		if err != nil {
			t.Fatalf("DetectSilences: %v", err)
		}
		h.reply(t, protocol.KindCutsResponse, &protocol.CutsResponse{SessionID: res.Session.ID, Success: true})

		start := make(chan struct{})
		errs := make(chan error, 2)
		var wg sync.WaitGroup
		for _, run := range []func(context.Context, string) (workflow.CommandResult, error){
			h.orch.DeleteSilences, h.orch.MuteSilences,
		} {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				_, err := run(context.Background(), res.Session.ID)
				errs <- err
			}()
		}
		close(start)
		wg.Wait()
		close(errs)

		var ok, rejected int
		for err := range errs {
			switch {
			case err == nil:
				ok++
			case errors.Is(err, silence.ErrNoEligibleSegments):
				rejected++
			default:
				t.Fatalf("unexpected err: %v", err)
			}
		}
		if ok != 1 || rejected != 1 {
			t.Fatalf("ok = %d, rejected = %d; want 1 and 1", ok, rejected)
		}
	}

	sent := len(h.peer.messages(protocol.KindRequestDeleteSilences)) + len(h.peer.messages(protocol.KindRequestMuteSilences))
	if sent != rounds {
		t.Errorf("commands sent = %d; want %d", sent, rounds)
	}
}

func TestSilenceCommandWithoutPeerLeavesSegments(t *testing.T) {
	t.Parallel()
	h := newHarness(t, false, time.Second)
	res, _ := h.orch.DetectSilences(t.Context(), workflow.DetectRequest{FilePath: "/media/a.wav"})
	h.reply(t, protocol.KindCutsResponse, &protocol.CutsResponse{SessionID: res.Session.ID, Success: true})

	_, err := h.orch.RemoveSilencesWithGaps(t.Context(), res.Session.ID)
	if !errors.Is(err, workflow.ErrConnectionUnavailable) {
		t.Fatalf("err = %v; want ErrConnectionUnavailable", err)
	}
	if del, _ := h.orch.Store().Deletable(res.Session.ID); len(del) != 2 {
		t.Errorf("segments marked deleted although nothing was sent")
	}
}

func TestClearSessionsThenDelete(t *testing.T) {
	t.Parallel()
	h := newHarness(t, true, time.Second)
	res, _ := h.orch.DetectSilences(t.Context(), workflow.DetectRequest{FilePath: "/media/a.wav"})
	h.reply(t, protocol.KindCutsResponse, &protocol.CutsResponse{SessionID: res.Session.ID, Success: true})

	if n := h.orch.ClearSessions(); n != 1 {
		t.Fatalf("ClearSessions = %d; want 1", n)
	}
	if _, err := h.orch.DeleteSilences(t.Context(), res.Session.ID); !errors.Is(err, silence.ErrNoEligibleSegments) {
		t.Errorf("err = %v; want ErrNoEligibleSegments", err)
	}
}

// ── Other peer messages ─────────────────────────────────────────────────────

func TestHandshakeAck(t *testing.T) {
	t.Parallel()
	h := newHarness(t, true, time.Second)
	h.reply(t, protocol.KindHandshake, &protocol.Handshake{Role: "premiere-extension"})

	h.conn.mu.Lock()
	defer h.conn.mu.Unlock()
	if len(h.conn.sent) != 1 || h.conn.sent[0].Kind != protocol.KindHandshakeAck {
		t.Fatalf("sent = %+v; want one handshake_ack", h.conn.sent)
	}
	if ack := h.conn.sent[0].Payload.(*protocol.HandshakeAck); ack.Identity != "test-broker" {
		t.Errorf("identity = %q", ack.Identity)
	}
}

func TestSequenceInfoForwarded(t *testing.T) {
	t.Parallel()
	h := newHarness(t, true, time.Second)
	if err := h.orch.RequestSequenceInfo(t.Context()); err != nil {
		t.Fatalf("RequestSequenceInfo: %v", err)
	}
	if len(h.peer.messages(protocol.KindRequestSequenceInfo)) != 1 {
		t.Fatal("request_sequence_info not sent")
	}
	h.reply(t, protocol.KindSequenceInfoResponse, &protocol.SequenceInfoResponse{Sequence: json.RawMessage(`{"name":"Main","fps":25}`)})

	h.obs.mu.Lock()
	defer h.obs.mu.Unlock()
	if len(h.obs.seq) != 1 || string(h.obs.seq[0]) != `{"name":"Main","fps":25}` {
		t.Errorf("sequence info = %s", h.obs.seq)
	}
}

func TestRequestSequenceInfo_NoPeer(t *testing.T) {
	t.Parallel()
	h := newHarness(t, false, time.Second)
	if err := h.orch.RequestSequenceInfo(t.Context()); !errors.Is(err, workflow.ErrConnectionUnavailable) {
		t.Fatalf("err = %v; want ErrConnectionUnavailable", err)
	}
}

func TestPeerErrorNotified(t *testing.T) {
	t.Parallel()
	h := newHarness(t, true, time.Second)
	h.reply(t, protocol.KindError, &protocol.Error{Message: "sequence locked"})

	h.obs.mu.Lock()
	defer h.obs.mu.Unlock()
	if len(h.obs.errs) != 1 || !errors.Is(h.obs.errs[0], workflow.ErrPeerReported) {
		t.Errorf("errors = %v", h.obs.errs)
	}
}

func TestAnalyzeLevels(t *testing.T) {
	t.Parallel()
	h := newHarness(t, false, time.Second)
	rep, err := h.orch.AnalyzeLevels(t.Context(), "/media/a.wav")
	if err != nil || rep.FileInfo.SampleRate != 48000 {
		t.Fatalf("AnalyzeLevels = %+v, %v", rep, err)
	}
}
