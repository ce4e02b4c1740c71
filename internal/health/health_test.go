package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func readyz(t *testing.T, h *Handler) (int, result) {
	t.Helper()
	req := httptest.NewRequest("GET", "/readyz", nil)
	rec := httptest.NewRecorder()
	h.Readyz(rec, req)

	var body result
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}
	return rec.Code, body
}

type fakePinger struct{ err error }

func (p fakePinger) Ping(context.Context) error { return p.err }

func TestHealthz_AlwaysReturns200(t *testing.T) {
	h := New(Checker{Name: "audit", Check: func(context.Context) error { return errors.New("down") }})

	req := httptest.NewRequest("GET", "/healthz", nil)
	rec := httptest.NewRecorder()
	h.Healthz(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json; charset=utf-8" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}
}

func TestReadyz_AllCheckersPass(t *testing.T) {
	h := New(
		Ping("audit", fakePinger{}),
		Peer(func() bool { return true }),
	)
	code, body := readyz(t, h)
	if code != http.StatusOK || body.Status != "ok" {
		t.Errorf("readyz = %d %q, want 200 ok", code, body.Status)
	}
	if body.Checks["audit"] != "ok" || body.Checks["peer"] != "ok" {
		t.Errorf("checks = %v", body.Checks)
	}
}

func TestReadyz_RequiredCheckerFails(t *testing.T) {
	h := New(
		Ping("audit", fakePinger{err: errors.New("connection refused")}),
		Peer(func() bool { return true }),
	)
	code, body := readyz(t, h)
	if code != http.StatusServiceUnavailable || body.Status != "fail" {
		t.Errorf("readyz = %d %q, want 503 fail", code, body.Status)
	}
	if body.Checks["audit"] != "fail: connection refused" {
		t.Errorf("audit check = %q", body.Checks["audit"])
	}
}

func TestReadyz_DetachedPeerStaysReady(t *testing.T) {
	h := New(Peer(func() bool { return false }))
	code, body := readyz(t, h)
	if code != http.StatusOK || body.Status != "ok" {
		t.Errorf("readyz = %d %q, want 200 ok without a peer", code, body.Status)
	}
	if body.Checks["peer"] != "info: "+ErrPeerDetached.Error() {
		t.Errorf("peer check = %q", body.Checks["peer"])
	}
}

func TestAnalyzer(t *testing.T) {
	tests := []struct {
		name    string
		python  string
		open    func() bool
		wantErr string
	}{
		{name: "resolvable", python: "sh"},
		{name: "missing interpreter", python: "definitely-not-a-python-9", wantErr: "interpreter"},
		{name: "breaker open", python: "sh", open: func() bool { return true }, wantErr: "circuit open"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := Analyzer(tc.python, tc.open).Check(context.Background())
			if tc.wantErr == "" {
				if err != nil {
					t.Errorf("err = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Errorf("err = %v, want containing %q", err, tc.wantErr)
			}
		})
	}
}

func TestReadyz_NoCheckers(t *testing.T) {
	code, body := readyz(t, New())
	if code != http.StatusOK || body.Status != "ok" {
		t.Errorf("readyz = %d %q", code, body.Status)
	}
}

func TestRegister_RoutesWork(t *testing.T) {
	h := New(Checker{Name: "test", Check: func(_ context.Context) error { return nil }})

	mux := http.NewServeMux()
	h.Register(mux)

	for _, path := range []string{"/healthz", "/readyz"} {
		t.Run(path, func(t *testing.T) {
			req := httptest.NewRequest("GET", path, nil)
			rec := httptest.NewRecorder()
			mux.ServeHTTP(rec, req)
			if rec.Code != http.StatusOK {
				t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
			}
		})
	}
}

func TestReadyz_RespectsContextCancellation(t *testing.T) {
	h := New(Checker{Name: "slow", Check: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	req := httptest.NewRequest("GET", "/readyz", nil).WithContext(ctx)
	rec := httptest.NewRecorder()
	h.Readyz(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}
}
