package analysis_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/MrWong99/cleancut/internal/analysis"
	"github.com/MrWong99/cleancut/internal/resilience"
)

// script writes body as a shell script into a temp dir and returns its path.
// Tests run scripts with "sh" standing in for the Python interpreter.
func script(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "analyzer.sh")
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return p
}

func newRunner(t *testing.T, detect, stats, decimate string) *analysis.Runner {
	t.Helper()
	return analysis.NewRunner(analysis.Config{
		Python:         "sh",
		Detectors:      analysis.NewDetectors(map[string]string{analysis.DetectorDefault: detect}),
		StatsScript:    stats,
		DecimateScript: decimate,
	})
}

// ── Detection ───────────────────────────────────────────────────────────────

func TestDetectSilences(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		body    string
		want    []analysis.Range
		wantErr error
		check   func(t *testing.T, err error)
	}{
		{
			name: "valid ranges",
			body: `echo '[[0.5, 1.2], [3.0, 3.8]]'`,
			want: []analysis.Range{{Start: 0.5, End: 1.2}, {Start: 3.0, End: 3.8}},
		},
		{
			name: "empty array",
			body: `echo '[]'`,
			want: []analysis.Range{},
		},
		{
			name:    "exit 1 with stderr",
			body:    "echo boom >&2\nexit 1",
			wantErr: analysis.ErrProcessFailed,
			check: func(t *testing.T, err error) {
				var pe *analysis.ProcessError
				if !errors.As(err, &pe) {
					t.Fatalf("err %T is not *ProcessError", err)
				}
				if pe.ExitCode != 1 || !strings.Contains(pe.Stderr, "boom") {
					t.Errorf("ProcessError = %+v; want exit 1 with boom", pe)
				}
			},
		},
		{
			name:    "not json",
			body:    `echo 'Analyzing... done'`,
			wantErr: analysis.ErrMalformedOutput,
			check: func(t *testing.T, err error) {
				var oe *analysis.OutputError
				if !errors.As(err, &oe) || !strings.Contains(oe.Raw, "Analyzing") {
					t.Errorf("OutputError raw missing: %v", err)
				}
			},
		},
		{
			name:    "three element pair",
			body:    `echo '[[1, 2, 3]]'`,
			wantErr: analysis.ErrMalformedOutput,
		},
		{
			name:    "inverted pair",
			body:    `echo '[[2.0, 1.0]]'`,
			wantErr: analysis.ErrMalformedOutput,
		},
		{
			name:    "null",
			body:    `echo null`,
			wantErr: analysis.ErrMalformedOutput,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			r := newRunner(t, script(t, tt.body), "", "")
			got, err := r.DetectSilences(t.Context(), "/media/a.wav", analysis.Params{ThresholdDB: -40, MinSilenceMs: 500, PaddingMs: 100})
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("err = %v; want %v", err, tt.wantErr)
				}
				if tt.check != nil {
					tt.check(t, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("DetectSilences: %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("ranges = %v; want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("range %d = %v; want %v", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestParseRanges_TruncatedOutputStaysValidUTF8(t *testing.T) {
	t.Parallel()
	// The two-byte rune straddles the truncation limit.
	out := []byte(strings.Repeat("x", 511) + "é" + strings.Repeat("y", 100))

	_, err := analysis.ParseRanges(out)
	var oe *analysis.OutputError
	if !errors.As(err, &oe) {
		t.Fatalf("err = %v; want *OutputError", err)
	}
	if !utf8.ValidString(oe.Raw) {
		t.Errorf("Raw is not valid UTF-8: %q", oe.Raw[len(oe.Raw)-8:])
	}
	if want := strings.Repeat("x", 511) + "…"; oe.Raw != want {
		t.Errorf("Raw has %d bytes; want the 511 bytes before the split rune plus an ellipsis", len(oe.Raw))
	}
}

func TestDetectSilences_PassesArguments(t *testing.T) {
	t.Parallel()
	out := filepath.Join(t.TempDir(), "args")
	s := script(t, `echo "$@" > `+out+`
echo '[]'`)
	r := newRunner(t, s, "", "")

	_, err := r.DetectSilences(t.Context(), "/media/take.wav", analysis.Params{ThresholdDB: -42.5, MinSilenceMs: 300, PaddingMs: 50})
	if err != nil {
		t.Fatalf("DetectSilences: %v", err)
	}
	b, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("read args: %v", err)
	}
	if got := strings.TrimSpace(string(b)); got != "/media/take.wav -42.5 300 50" {
		t.Errorf("args = %q", got)
	}
}

func TestDetectSilences_UnknownDetector(t *testing.T) {
	t.Parallel()
	r := newRunner(t, script(t, `echo '[]'`), "", "")
	_, err := r.DetectSilences(t.Context(), "a.wav", analysis.Params{Detector: "vad"})
	if !errors.Is(err, analysis.ErrUnknownDetector) {
		t.Fatalf("err = %v; want ErrUnknownDetector", err)
	}
}

func TestDetectSilences_SpawnFailureOpensBreaker(t *testing.T) {
	t.Parallel()
	r := analysis.NewRunner(analysis.Config{
		Python:    filepath.Join(t.TempDir(), "no-such-python"),
		Detectors: analysis.NewDetectors(map[string]string{analysis.DetectorDefault: "x.py"}),
		Breaker:   analysis.NewBreaker(resilience.BreakerConfig{MaxFailures: 2, ResetTimeout: time.Hour}),
	})

	for range 2 {
		_, err := r.DetectSilences(t.Context(), "a.wav", analysis.Params{})
		var se *analysis.SpawnError
		if !errors.As(err, &se) || !errors.Is(err, analysis.ErrSpawnFailed) {
			t.Fatalf("err = %v; want SpawnError", err)
		}
	}
	if r.BreakerState() != resilience.StateOpen {
		t.Fatalf("breaker = %v; want open", r.BreakerState())
	}
	if _, err := r.DetectSilences(t.Context(), "a.wav", analysis.Params{}); !errors.Is(err, resilience.ErrCircuitOpen) {
		t.Errorf("err = %v; want ErrCircuitOpen", err)
	}
}

func TestDetectSilences_ProcessFailureKeepsBreakerClosed(t *testing.T) {
	t.Parallel()
	r := analysis.NewRunner(analysis.Config{
		Python:    "sh",
		Detectors: analysis.NewDetectors(map[string]string{analysis.DetectorDefault: script(t, "exit 3")}),
		Breaker:   analysis.NewBreaker(resilience.BreakerConfig{MaxFailures: 1, ResetTimeout: time.Hour}),
	})
	for range 3 {
		if _, err := r.DetectSilences(t.Context(), "a.wav", analysis.Params{}); !errors.Is(err, analysis.ErrProcessFailed) {
			t.Fatalf("err = %v; want ErrProcessFailed", err)
		}
	}
	if r.BreakerState() != resilience.StateClosed {
		t.Errorf("breaker = %v; want closed", r.BreakerState())
	}
}

func TestDetectSilences_OnlyCancellationUnblocksHungProcess(t *testing.T) {
	t.Parallel()
	r := newRunner(t, script(t, "exec sleep 30"), "", "")

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() {
		_, err := r.DetectSilences(ctx, "a.wav", analysis.Params{})
		done <- err
	}()

	select {
	case err := <-done:
		t.Fatalf("hung analyzer returned early: %v", err)
	case <-time.After(200 * time.Millisecond):
	}

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("err = %v; want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("cancellation did not unblock the run")
	}
}

// ── Statistics ──────────────────────────────────────────────────────────────

const statsOutput = `Loading audio file...
Analyzing 1200 frames
JSON_OUTPUT_START
{
  "file_info": {"duration_seconds": 12.5, "sample_rate": 48000, "channels": 2, "bit_depth": 16},
  "statistics": {"min_db": -90.1, "max_db": -3.2, "mean_db": -35.0, "median_db": -33.5, "std_db": 12.1,
    "percentiles": {"10th": -60.0, "25th": -48.0, "75th": -24.0, "90th": -15.0, "95th": -10.0}},
  "suggestions": {
    "conservative": {"threshold": -54.0, "description": "Only very quiet parts"},
    "moderate": {"threshold": -45.0, "description": "Balanced"},
    "aggressive": {"threshold": -38.0, "description": "Cuts more"},
    "custom_percentile": {"threshold": -48.0, "description": "25th percentile"}
  },
  "impact_analysis": {"-60": 8.5, "-50": 19.0, "-40": 31.2, "-30": 55.0, "-20": 80.4}
}
JSON_OUTPUT_END
Done.`

func TestAnalyzeLevels(t *testing.T) {
	t.Parallel()
	stats := script(t, "cat <<'EOF'\n"+statsOutput+"\nEOF")
	r := newRunner(t, "", stats, "")

	rep, err := r.AnalyzeLevels(t.Context(), "a.wav")
	if err != nil {
		t.Fatalf("AnalyzeLevels: %v", err)
	}
	if rep.FileInfo.SampleRate != 48000 || rep.FileInfo.DurationSeconds != 12.5 {
		t.Errorf("FileInfo = %+v", rep.FileInfo)
	}
	if rep.Statistics.Percentiles.P25 != -48.0 {
		t.Errorf("P25 = %v", rep.Statistics.Percentiles.P25)
	}
	if s := rep.Suggestions[analysis.SuggestModerate]; s.Threshold != -45.0 {
		t.Errorf("moderate = %+v", s)
	}
	if got := rep.ImpactAnalysis["-40"]; got != 31.2 {
		t.Errorf("impact -40 = %v", got)
	}
}

func TestParseReport_MissingMarkers(t *testing.T) {
	t.Parallel()
	for _, out := range []string{
		`{"file_info": {}}`,
		"JSON_OUTPUT_START\n{}\n",
		"JSON_OUTPUT_START\n{not json\nJSON_OUTPUT_END\n",
	} {
		if _, err := analysis.ParseReport([]byte(out)); !errors.Is(err, analysis.ErrMalformedOutput) {
			t.Errorf("ParseReport(%q) err = %v; want ErrMalformedOutput", out, err)
		}
	}
}

// ── Decimation ──────────────────────────────────────────────────────────────

func TestDecimate(t *testing.T) {
	t.Parallel()

	t.Run("progress then success", func(t *testing.T) {
		t.Parallel()
		s := script(t, `echo '{"type":"progress","percentage":50,"current_frame":10,"time_ms":400}'
echo 'ffmpeg noise'
echo '{"type":"progress","percentage":100,"current_frame":20,"time_ms":800}'
echo '{"success":true,"outputPath":"/out.mp4","stats":{"originalFrames":20,"outputFrames":12,"reductionPercentage":40}}'`)
		r := newRunner(t, "", "", s)

		var mu sync.Mutex
		var seen []float64
		res, err := r.Decimate(t.Context(), "/in.mp4", "/out.mp4", func(p analysis.Progress) {
			mu.Lock()
			seen = append(seen, p.Percentage)
			mu.Unlock()
		})
		if err != nil {
			t.Fatalf("Decimate: %v", err)
		}
		if res.OutputPath != "/out.mp4" || res.Stats.OutputFrames != 12 {
			t.Errorf("result = %+v", res)
		}
		mu.Lock()
		defer mu.Unlock()
		if len(seen) != 2 || seen[0] != 50 || seen[1] != 100 {
			t.Errorf("progress = %v; want [50 100]", seen)
		}
	})

	t.Run("reported failure", func(t *testing.T) {
		t.Parallel()
		s := script(t, `echo '{"success":false,"error":"no video stream"}'
exit 1`)
		r := newRunner(t, "", "", s)
		_, err := r.Decimate(t.Context(), "/in.mp4", "/out.mp4", nil)
		var pe *analysis.ProcessError
		if !errors.As(err, &pe) || pe.Stderr != "no video stream" {
			t.Fatalf("err = %v; want ProcessError carrying script message", err)
		}
	})

	t.Run("no result line", func(t *testing.T) {
		t.Parallel()
		r := newRunner(t, "", "", script(t, `echo '{"type":"progress","percentage":1}'`))
		if _, err := r.Decimate(t.Context(), "/in.mp4", "/out.mp4", nil); !errors.Is(err, analysis.ErrMalformedOutput) {
			t.Fatalf("err = %v; want ErrMalformedOutput", err)
		}
	})
}

// ── Detector registry ───────────────────────────────────────────────────────

func TestDetectors(t *testing.T) {
	t.Parallel()
	d := analysis.NewDetectors(map[string]string{"default": "a.py", "vad": "b.py"})

	if s, err := d.Script(""); err != nil || s != "a.py" {
		t.Errorf("Script(\"\") = %q, %v", s, err)
	}
	d.Register("hybrid", "c.py")
	if got := strings.Join(d.Names(), ","); got != "default,hybrid,vad" {
		t.Errorf("Names = %s", got)
	}
	d.Replace(map[string]string{"energy": "e.py"})
	if _, err := d.Script("vad"); !errors.Is(err, analysis.ErrUnknownDetector) {
		t.Errorf("Script(vad) after Replace err = %v", err)
	}
	if s, _ := d.Script("energy"); s != "e.py" {
		t.Errorf("Script(energy) = %q", s)
	}
}
