package analysis

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
)

// Range is one detected silence in seconds.
type Range struct {
	Start float64
	End   float64
}

// Params are the detection parameters passed to the analyzer.
type Params struct {
	ThresholdDB  float64
	MinSilenceMs int
	PaddingMs    int

	// Detector selects the script. Empty means [DetectorDefault].
	Detector string
}

// DetectSilences runs the configured detector on path and returns the ranges
// it reports, in the order printed.
func (r *Runner) DetectSilences(ctx context.Context, path string, p Params) ([]Range, error) {
	script, err := r.detectors.Script(p.Detector)
	if err != nil {
		return nil, err
	}
	args := []string{
		script,
		path,
		strconv.FormatFloat(p.ThresholdDB, 'f', -1, 64),
		strconv.Itoa(p.MinSilenceMs),
		strconv.Itoa(p.PaddingMs),
	}
	out, err := r.run(ctx, ModeDetect, args, nil)
	if err != nil {
		return nil, err
	}
	return ParseRanges(out)
}

// ParseRanges decodes detection output: a JSON array whose elements are
// arrays of exactly two numbers with end > start.
func ParseRanges(out []byte) ([]Range, error) {
	var raw []json.RawMessage
	if err := json.Unmarshal(bytes.TrimSpace(out), &raw); err != nil {
		return nil, newOutputError(out, err)
	}
	if raw == nil {
		return nil, newOutputError(out, fmt.Errorf("want a JSON array"))
	}
	ranges := make([]Range, 0, len(raw))
	for i, el := range raw {
		var pair []float64
		if err := json.Unmarshal(el, &pair); err != nil {
			return nil, newOutputError(out, fmt.Errorf("range #%d: %w", i, err))
		}
		if len(pair) != 2 {
			return nil, newOutputError(out, fmt.Errorf("range #%d: want 2 numbers, got %d", i, len(pair)))
		}
		start, end := pair[0], pair[1]
		if math.IsNaN(start) || math.IsNaN(end) || start < 0 || end <= start {
			return nil, newOutputError(out, fmt.Errorf("range #%d: invalid bounds [%v, %v]", i, start, end))
		}
		ranges = append(ranges, Range{Start: start, End: end})
	}
	return ranges, nil
}
