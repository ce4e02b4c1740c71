// Package analysis runs the external audio analyzer scripts and parses what
// they print.
//
// Three output contracts are supported:
//
//   - detection: stdout is a single JSON array of [start, end] pairs
//   - statistics: a JSON report framed by JSON_OUTPUT_START / JSON_OUTPUT_END
//     lines, with free-form progress text around it
//   - decimation: newline-delimited JSON with progress lines and a final
//     result object
//
// Runs have no built-in timeout. A hung analyzer blocks until the caller's
// context is cancelled.
package analysis

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/cleancut/internal/observe"
	"github.com/MrWong99/cleancut/internal/resilience"
)

// Analysis modes, used as the "mode" metric attribute.
const (
	ModeDetect   = "detect"
	ModeStats    = "stats"
	ModeDecimate = "decimate"
)

// maxLine bounds a single stdout line. Detection output is one line holding
// every range, so this is generous.
const maxLine = 16 << 20

// CommandFunc builds the process to run. It matches [exec.CommandContext].
type CommandFunc func(ctx context.Context, name string, args ...string) *exec.Cmd

// Config configures a [Runner].
type Config struct {
	// Python is the interpreter that runs every script. Default: "python3".
	Python string

	// Detectors resolves detector names to scripts. Required for
	// DetectSilences.
	Detectors *Detectors

	// StatsScript and DecimateScript back AnalyzeLevels and Decimate.
	StatsScript    string
	DecimateScript string

	// Breaker guards process spawning. When nil a breaker that counts only
	// spawn failures is created.
	Breaker *resilience.Breaker

	// Metrics records run durations. Default: observe.DefaultMetrics().
	Metrics *observe.Metrics

	// Command replaces exec.CommandContext.
	Command CommandFunc
}

// Runner executes analyzer scripts as child processes. Safe for concurrent
// use; each call spawns its own process.
type Runner struct {
	python    string
	detectors *Detectors
	stats     string
	decimate  string
	breaker   *resilience.Breaker
	metrics   *observe.Metrics
	command   CommandFunc
}

// NewRunner creates a Runner from cfg.
func NewRunner(cfg Config) *Runner {
	if cfg.Python == "" {
		cfg.Python = "python3"
	}
	if cfg.Detectors == nil {
		cfg.Detectors = NewDetectors(nil)
	}
	if cfg.Breaker == nil {
		cfg.Breaker = NewBreaker(resilience.BreakerConfig{})
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	if cfg.Command == nil {
		cfg.Command = exec.CommandContext
	}
	return &Runner{
		python:    cfg.Python,
		detectors: cfg.Detectors,
		stats:     cfg.StatsScript,
		decimate:  cfg.DecimateScript,
		breaker:   cfg.Breaker,
		metrics:   cfg.Metrics,
		command:   cfg.Command,
	}
}

// NewBreaker returns a breaker for analyzer runs. Only spawn failures count:
// a script that exits non-zero or prints garbage says nothing about whether
// the interpreter is installed.
func NewBreaker(cfg resilience.BreakerConfig) *resilience.Breaker {
	if cfg.Name == "" {
		cfg.Name = "analyzer"
	}
	cfg.Counts = func(err error) bool { return errors.Is(err, ErrSpawnFailed) }
	return resilience.NewBreaker(cfg)
}

// Python returns the configured interpreter.
func (r *Runner) Python() string { return r.python }

// Detectors returns the detector registry.
func (r *Runner) Detectors() *Detectors { return r.detectors }

// BreakerState reports whether analyzer runs are currently admitted.
func (r *Runner) BreakerState() resilience.State { return r.breaker.State() }

// run executes the interpreter with args and returns the full stdout. Every
// stdout line is also passed to onLine, if set, as it arrives.
func (r *Runner) run(ctx context.Context, mode string, args []string, onLine func([]byte)) ([]byte, error) {
	ctx, span := observe.StartSpan(ctx, "analysis."+mode,
		trace.WithAttributes(attribute.String("analysis.script", args[0])))
	defer span.End()

	start := time.Now()
	var stdout []byte
	err := r.breaker.Do(ctx, func(ctx context.Context) error {
		var err error
		stdout, err = r.exec(ctx, args, onLine)
		return err
	})

	status := runStatus(ctx, err)
	r.metrics.RecordAnalysis(ctx, mode, status, time.Since(start))
	if err != nil {
		observe.SpanFailed(ctx, err)
		observe.Logger(ctx).Warn("analysis: run failed",
			"mode", mode, "script", args[0], "status", status, "err", err)
		return nil, err
	}
	observe.Logger(ctx).Debug("analysis: run finished",
		"mode", mode, "script", args[0], "duration", time.Since(start))
	return stdout, nil
}

func (r *Runner) exec(ctx context.Context, args []string, onLine func([]byte)) ([]byte, error) {
	cmd := r.command(ctx, r.python, args...)
	outPipe, err := cmd.StdoutPipe()
	if err != nil {
		return nil, &SpawnError{Command: r.python, Err: err}
	}
	errPipe, err := cmd.StderrPipe()
	if err != nil {
		return nil, &SpawnError{Command: r.python, Err: err}
	}
	if err := cmd.Start(); err != nil {
		return nil, &SpawnError{Command: r.python, Err: err}
	}

	var stdout, stderr bytes.Buffer
	var g errgroup.Group
	g.Go(func() error {
		sc := bufio.NewScanner(outPipe)
		sc.Buffer(make([]byte, 0, 64<<10), maxLine)
		for sc.Scan() {
			line := sc.Bytes()
			stdout.Write(line)
			stdout.WriteByte('\n')
			if onLine != nil {
				onLine(line)
			}
		}
		if err := sc.Err(); err != nil {
			// Keep the pipe drained so the child is not blocked on write.
			_, _ = io.Copy(io.Discard, outPipe)
			return err
		}
		return nil
	})
	g.Go(func() error {
		_, err := io.Copy(&stderr, errPipe)
		return err
	})
	drainErr := g.Wait()
	waitErr := cmd.Wait()

	if ctx.Err() != nil {
		return nil, fmt.Errorf("analysis: %w", ctx.Err())
	}
	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			return nil, &ProcessError{
				ExitCode: exitErr.ExitCode(),
				Stderr:   strings.TrimSpace(stderr.String()),
			}
		}
		return nil, fmt.Errorf("analysis: wait: %w", waitErr)
	}
	if drainErr != nil {
		return nil, newOutputError(stdout.Bytes(), drainErr)
	}
	return stdout.Bytes(), nil
}

func runStatus(ctx context.Context, err error) string {
	switch {
	case err == nil:
		return "ok"
	case ctx.Err() != nil:
		return "cancelled"
	case errors.Is(err, resilience.ErrCircuitOpen):
		return "circuit_open"
	case errors.Is(err, ErrSpawnFailed):
		return "spawn_error"
	case errors.Is(err, ErrProcessFailed):
		return "process_error"
	case errors.Is(err, ErrMalformedOutput):
		return "output_error"
	default:
		return "error"
	}
}
