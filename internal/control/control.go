// Package control exposes the orchestrator's flows as a local JSON API so a
// panel or script on the same host can drive detection, export and silence
// commands over the broker's single port.
//
// Routes:
//
//	GET    /api/status
//	POST   /api/detect
//	POST   /api/levels
//	POST   /api/export
//	POST   /api/sequence-info
//	GET    /api/sessions
//	DELETE /api/sessions
//	GET    /api/sessions/{id}
//	POST   /api/sessions/{id}/{action}   action: delete, mute, remove-gaps
//
// The session id "current" addresses the most recent session.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/MrWong99/cleancut/internal/analysis"
	"github.com/MrWong99/cleancut/internal/ledger"
	"github.com/MrWong99/cleancut/internal/protocol"
	"github.com/MrWong99/cleancut/internal/resilience"
	"github.com/MrWong99/cleancut/internal/silence"
	"github.com/MrWong99/cleancut/internal/workflow"
)

// CurrentSession is the path alias for the most recent session.
const CurrentSession = "current"

// Workflow is the part of [workflow.Orchestrator] the API drives.
type Workflow interface {
	DetectSilences(ctx context.Context, req workflow.DetectRequest) (workflow.DetectResult, error)
	AnalyzeLevels(ctx context.Context, path string) (analysis.Report, error)
	ExportAudio(ctx context.Context, req workflow.ExportRequest) (string, error)
	RequestSequenceInfo(ctx context.Context) error
	DeleteSilences(ctx context.Context, sessionID string) (workflow.CommandResult, error)
	MuteSilences(ctx context.Context, sessionID string) (workflow.CommandResult, error)
	RemoveSilencesWithGaps(ctx context.Context, sessionID string) (workflow.CommandResult, error)
	ClearSessions() int
	Store() *silence.Store
	CurrentOptions() (protocol.ProcessingOptions, bool)
}

// Server serves the control API.
type Server struct {
	wf        Workflow
	connected func() bool
}

// New creates a Server driving wf. connected reports whether a peer is
// attached; nil reports false.
func New(wf Workflow, connected func() bool) *Server {
	if connected == nil {
		connected = func() bool { return false }
	}
	return &Server{wf: wf, connected: connected}
}

// Register adds the API routes to mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("POST /api/detect", s.handleDetect)
	mux.HandleFunc("POST /api/levels", s.handleLevels)
	mux.HandleFunc("POST /api/export", s.handleExport)
	mux.HandleFunc("POST /api/sequence-info", s.handleSequenceInfo)
	mux.HandleFunc("GET /api/sessions", s.handleListSessions)
	mux.HandleFunc("DELETE /api/sessions", s.handleClearSessions)
	mux.HandleFunc("GET /api/sessions/{id}", s.handleGetSession)
	mux.HandleFunc("POST /api/sessions/{id}/{action}", s.handleCommand)
}

// ─── Wire types ──────────────────────────────────────────────────────────────

type statusResponse struct {
	PeerConnected  bool                        `json:"peer_connected"`
	CurrentOptions *protocol.ProcessingOptions `json:"current_options,omitempty"`
}

type detectRequest struct {
	FilePath string                      `json:"file_path"`
	Options  *protocol.ProcessingOptions `json:"options"`
	Detector string                      `json:"detector"`
}

type detectResponse struct {
	Session      sessionView `json:"session"`
	SourcePath   string      `json:"source_path"`
	Forwarded    bool        `json:"forwarded"`
	ForwardError string      `json:"forward_error,omitempty"`
}

type levelsRequest struct {
	FilePath string `json:"file_path"`
}

type exportRequest struct {
	Folder    string             `json:"folder"`
	Tracks    []int              `json:"tracks"`
	RangeMode protocol.RangeMode `json:"range_mode"`
}

type exportResponse struct {
	OutputPath string `json:"output_path"`
}

type commandResponse struct {
	SessionID string   `json:"session_id"`
	Segments  []string `json:"segments"`
}

type clearResponse struct {
	Cleared int `json:"cleared"`
}

type summaryView struct {
	SessionID      string  `json:"session_id"`
	Name           string  `json:"name"`
	Total          int     `json:"total"`
	Processed      int     `json:"processed"`
	Deleted        int     `json:"deleted"`
	SilenceSeconds float64 `json:"silence_seconds"`
}

type segmentView struct {
	ID        string  `json:"id"`
	Start     float64 `json:"start"`
	End       float64 `json:"end"`
	Duration  float64 `json:"duration"`
	Tracks    []int   `json:"tracks"`
	Processed bool    `json:"processed"`
	Deleted   bool    `json:"deleted"`
}

type sessionView struct {
	summaryView
	Segments []segmentView `json:"segments"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func summaryOf(sum silence.Summary) summaryView {
	return summaryView{
		SessionID:      sum.SessionID,
		Name:           sum.Name,
		Total:          sum.Total,
		Processed:      sum.Processed,
		Deleted:        sum.Deleted,
		SilenceSeconds: sum.SilenceSeconds,
	}
}

func viewOf(sess silence.Session) sessionView {
	v := sessionView{summaryView: summaryOf(sess.Summary()), Segments: make([]segmentView, 0, len(sess.Segments))}
	for _, seg := range sess.Segments {
		v.Segments = append(v.Segments, segmentView{
			ID:        seg.ID,
			Start:     seg.Start,
			End:       seg.End,
			Duration:  seg.Duration,
			Tracks:    seg.TrackIndices,
			Processed: seg.Processed,
			Deleted:   seg.Deleted,
		})
	}
	return v
}

// ─── Handlers ────────────────────────────────────────────────────────────────

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	resp := statusResponse{PeerConnected: s.connected()}
	if opts, ok := s.wf.CurrentOptions(); ok {
		resp.CurrentOptions = &opts
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleDetect(w http.ResponseWriter, r *http.Request) {
	var req detectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Options != nil {
		if err := req.Options.Validate(); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
	}

	res, err := s.wf.DetectSilences(r.Context(), workflow.DetectRequest{
		FilePath: req.FilePath,
		Options:  req.Options,
		Detector: req.Detector,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	resp := detectResponse{
		Session:    viewOf(res.Session),
		SourcePath: res.SourcePath,
		Forwarded:  res.Forwarded,
	}
	if res.ForwardErr != nil {
		resp.ForwardError = res.ForwardErr.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleLevels(w http.ResponseWriter, r *http.Request) {
	var req levelsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.FilePath == "" {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	report, err := s.wf.AnalyzeLevels(r.Context(), req.FilePath)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	var req exportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	path, err := s.wf.ExportAudio(r.Context(), workflow.ExportRequest{
		Folder:    req.Folder,
		Tracks:    req.Tracks,
		RangeMode: req.RangeMode,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, exportResponse{OutputPath: path})
}

// handleSequenceInfo only triggers the request; the answer reaches the
// observer asynchronously.
func (s *Server) handleSequenceInfo(w http.ResponseWriter, r *http.Request) {
	if err := s.wf.RequestSequenceInfo(r.Context()); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleListSessions(w http.ResponseWriter, _ *http.Request) {
	sessions := s.wf.Store().Sessions()
	out := make([]summaryView, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, summaryOf(sess.Summary()))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleClearSessions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, clearResponse{Cleared: s.wf.ClearSessions()})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.wf.Store().Session(sessionID(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(sess))
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	var run func(context.Context, string) (workflow.CommandResult, error)
	switch r.PathValue("action") {
	case "delete":
		run = s.wf.DeleteSilences
	case "mute":
		run = s.wf.MuteSilences
	case "remove-gaps":
		run = s.wf.RemoveSilencesWithGaps
	default:
		http.Error(w, "unknown action", http.StatusNotFound)
		return
	}
	res, err := run(r.Context(), sessionID(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, commandResponse{SessionID: res.SessionID, Segments: res.Segments})
}

func sessionID(r *http.Request) string {
	id := r.PathValue("id")
	if id == CurrentSession {
		return ""
	}
	return id
}

// ─── Responses ───────────────────────────────────────────────────────────────

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	code := StatusFor(err)
	if code >= http.StatusInternalServerError {
		slog.Warn("control request failed", "method", r.Method, "path", r.URL.Path, "status", code, "err", err)
	}
	writeError(w, code, err)
}

// StatusFor maps a workflow error to the HTTP status the API answers with.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, analysis.ErrUnknownDetector):
		return http.StatusBadRequest
	case errors.Is(err, silence.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, workflow.ErrRequestInFlight),
		errors.Is(err, silence.ErrNoEligibleSegments):
		return http.StatusConflict
	case errors.Is(err, workflow.ErrConnectionUnavailable),
		errors.Is(err, resilience.ErrCircuitOpen):
		return http.StatusServiceUnavailable
	case errors.Is(err, ledger.ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, workflow.ErrPeerReported),
		errors.Is(err, analysis.ErrProcessFailed),
		errors.Is(err, analysis.ErrMalformedOutput),
		errors.Is(err, analysis.ErrSpawnFailed):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, errorResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("control: encode response", "err", err)
	}
}
