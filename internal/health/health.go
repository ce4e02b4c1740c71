// Package health provides HTTP health and readiness check handlers.
//
//   - /healthz: liveness probe, always 200 OK.
//   - /readyz: readiness probe, 200 only when every required [Checker]
//     passes. Informational checkers are reported but never fail readiness.
//
// Responses are JSON objects with a top-level "status" field ("ok" or "fail")
// and a "checks" map containing the result of each named checker.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/exec"
	"time"
)

// checkTimeout bounds a single readiness check.
const checkTimeout = 5 * time.Second

// ErrPeerDetached is reported by [Peer] when no editor panel is attached.
var ErrPeerDetached = errors.New("no peer attached")

// Checker is a named health check.
type Checker struct {
	// Name appears as a key in the JSON response.
	Name string

	// Check returns nil when the dependency is healthy. It must respect
	// context cancellation.
	Check func(ctx context.Context) error

	// Informational checkers are listed in /readyz output without affecting
	// the overall status.
	Informational bool
}

type result struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Handler serves /healthz and /readyz. The checker list is fixed at
// construction time.
type Handler struct {
	checkers []Checker
}

// New creates a [Handler] that evaluates the given checkers, in order, on
// each /readyz request.
func New(checkers ...Checker) *Handler {
	c := make([]Checker, len(checkers))
	copy(c, checkers)
	return &Handler{checkers: c}
}

// Healthz is a liveness probe that always returns 200 OK.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, result{Status: "ok"})
}

// Readyz returns 200 only when every required checker passes.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string, len(h.checkers))
	allOK := true

	for _, c := range h.checkers {
		ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
		err := c.Check(ctx)
		cancel()

		switch {
		case err == nil:
			checks[c.Name] = "ok"
		case c.Informational:
			checks[c.Name] = "info: " + err.Error()
		default:
			checks[c.Name] = "fail: " + err.Error()
			allOK = false
		}
	}

	res := result{Status: "ok", Checks: checks}
	status := http.StatusOK
	if !allOK {
		res.Status = "fail"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, res)
}

// Register adds the /healthz and /readyz routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

// Analyzer checks that the analyzer interpreter resolves on PATH and, when
// open is non-nil, that its circuit breaker admits runs.
func Analyzer(python string, open func() bool) Checker {
	return Checker{
		Name: "analyzer",
		Check: func(context.Context) error {
			if _, err := exec.LookPath(python); err != nil {
				return fmt.Errorf("interpreter %q: %w", python, err)
			}
			if open != nil && open() {
				return errors.New("circuit open after repeated spawn failures")
			}
			return nil
		},
	}
}

// Peer reports whether an editor panel is attached. It is informational:
// analysis runs without a peer, so the broker is ready either way.
func Peer(connected func() bool) Checker {
	return Checker{
		Name:          "peer",
		Informational: true,
		Check: func(context.Context) error {
			if !connected() {
				return ErrPeerDetached
			}
			return nil
		},
	}
}

// Pinger is satisfied by database pools.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Ping wraps a [Pinger] as a required checker.
func Ping(name string, p Pinger) Checker {
	return Checker{Name: name, Check: p.Ping}
}

// writeJSON encodes v as JSON with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}
