package analysis

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

// Sentinel errors matched by the typed errors below via errors.Is.
var (
	ErrSpawnFailed     = errors.New("analysis: spawn failed")
	ErrProcessFailed   = errors.New("analysis: process failed")
	ErrMalformedOutput = errors.New("analysis: malformed output")
	ErrUnknownDetector = errors.New("analysis: unknown detector")
)

// SpawnError reports that the analyzer process could not be started.
type SpawnError struct {
	Command string
	Err     error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("analysis: spawn %s: %v", e.Command, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// Is reports whether target is [ErrSpawnFailed].
func (e *SpawnError) Is(target error) bool { return target == ErrSpawnFailed }

// ProcessError reports a non-zero exit. Stderr is the captured diagnostic
// output, trimmed.
type ProcessError struct {
	ExitCode int
	Stderr   string
}

func (e *ProcessError) Error() string {
	if e.Stderr == "" {
		return fmt.Sprintf("analysis: process exited with code %d", e.ExitCode)
	}
	return fmt.Sprintf("analysis: process exited with code %d: %s", e.ExitCode, e.Stderr)
}

// Is reports whether target is [ErrProcessFailed].
func (e *ProcessError) Is(target error) bool { return target == ErrProcessFailed }

// OutputError reports that the process succeeded but its stdout could not be
// parsed. Raw holds the offending output, truncated.
type OutputError struct {
	Raw string
	Err error
}

func (e *OutputError) Error() string {
	return fmt.Sprintf("analysis: malformed output: %v (output: %q)", e.Err, e.Raw)
}

func (e *OutputError) Unwrap() error { return e.Err }

// Is reports whether target is [ErrMalformedOutput].
func (e *OutputError) Is(target error) bool { return target == ErrMalformedOutput }

const maxRawInError = 512

func newOutputError(raw []byte, err error) *OutputError {
	s := strings.TrimSpace(string(raw))
	if len(s) > maxRawInError {
		cut := maxRawInError
		for cut > 0 && !utf8.RuneStart(s[cut]) {
			cut--
		}
		s = s[:cut] + "…"
	}
	return &OutputError{Raw: s, Err: err}
}
