package analysis

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
)

// Frame markers around the statistics report. Everything outside them is
// progress chatter.
const (
	reportStart = "JSON_OUTPUT_START"
	reportEnd   = "JSON_OUTPUT_END"
)

var errNoReport = errors.New("report markers not found")

// FileInfo describes the analyzed audio file.
type FileInfo struct {
	DurationSeconds float64 `json:"duration_seconds"`
	SampleRate      int     `json:"sample_rate"`
	Channels        int     `json:"channels"`
	BitDepth        int     `json:"bit_depth"`
}

// Percentiles of the per-frame loudness distribution, in dB.
type Percentiles struct {
	P10 float64 `json:"10th"`
	P25 float64 `json:"25th"`
	P75 float64 `json:"75th"`
	P90 float64 `json:"90th"`
	P95 float64 `json:"95th"`
}

// Statistics summarises loudness over the whole file, in dB.
type Statistics struct {
	MinDB       float64     `json:"min_db"`
	MaxDB       float64     `json:"max_db"`
	MeanDB      float64     `json:"mean_db"`
	MedianDB    float64     `json:"median_db"`
	StdDB       float64     `json:"std_db"`
	Percentiles Percentiles `json:"percentiles"`
}

// Suggestion is a recommended detection threshold.
type Suggestion struct {
	Threshold   float64 `json:"threshold"`
	Description string  `json:"description"`
}

// Suggestion keys printed by the statistics script.
const (
	SuggestConservative     = "conservative"
	SuggestModerate         = "moderate"
	SuggestAggressive       = "aggressive"
	SuggestCustomPercentile = "custom_percentile"
)

// Report is the statistics-mode result. ImpactAnalysis maps a threshold such
// as "-40" to the percentage of the file that would be classified silent.
type Report struct {
	FileInfo       FileInfo              `json:"file_info"`
	Statistics     Statistics            `json:"statistics"`
	Suggestions    map[string]Suggestion `json:"suggestions"`
	ImpactAnalysis map[string]float64    `json:"impact_analysis"`
}

// AnalyzeLevels runs the statistics script on path.
func (r *Runner) AnalyzeLevels(ctx context.Context, path string) (Report, error) {
	out, err := r.run(ctx, ModeStats, []string{r.stats, path}, nil)
	if err != nil {
		return Report{}, err
	}
	return ParseReport(out)
}

// ParseReport extracts and decodes the framed report from statistics output.
func ParseReport(out []byte) (Report, error) {
	body, err := framed(out)
	if err != nil {
		return Report{}, newOutputError(out, err)
	}
	var rep Report
	if err := json.Unmarshal(body, &rep); err != nil {
		return Report{}, newOutputError(body, err)
	}
	return rep, nil
}

// framed returns the lines strictly between the start and end markers.
func framed(out []byte) ([]byte, error) {
	var (
		body   bytes.Buffer
		inside bool
		closed bool
	)
	sc := bufio.NewScanner(bytes.NewReader(out))
	sc.Buffer(make([]byte, 0, 64<<10), maxLine)
	for sc.Scan() {
		line := sc.Text()
		switch strings.TrimSpace(line) {
		case reportStart:
			inside, closed = true, false
			body.Reset()
			continue
		case reportEnd:
			if inside {
				closed = true
				inside = false
			}
			continue
		}
		if inside {
			body.WriteString(line)
			body.WriteByte('\n')
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if !closed {
		return nil, errNoReport
	}
	return body.Bytes(), nil
}
