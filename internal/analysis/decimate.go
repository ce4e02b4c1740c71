package analysis

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// Progress is one progress line from the frame decimator.
type Progress struct {
	Percentage   float64 `json:"percentage"`
	CurrentFrame int     `json:"current_frame"`
	TimeMs       int64   `json:"time_ms"`
}

// DecimateStats are the frame counts reported on success.
type DecimateStats struct {
	OriginalFrames      int     `json:"originalFrames"`
	OutputFrames        int     `json:"outputFrames"`
	ReductionPercentage float64 `json:"reductionPercentage"`
}

// DecimateResult is the final line of decimator output.
type DecimateResult struct {
	Success    bool          `json:"success"`
	OutputPath string        `json:"outputPath"`
	Stats      DecimateStats `json:"stats"`
	Error      string        `json:"error,omitempty"`
}

type decimatorLine struct {
	Type string `json:"type"`
	Progress
}

var errNoResult = errors.New("no result line")

// Decimate drops duplicate frames from the video at in, writing out. Progress
// lines are passed to onProgress while the process runs; onProgress may be
// nil. A failure the script reports itself surfaces as a [ProcessError]
// carrying its message.
func (r *Runner) Decimate(ctx context.Context, in, out string, onProgress func(Progress)) (DecimateResult, error) {
	var last []byte
	onLine := func(line []byte) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 || line[0] != '{' {
			return
		}
		var l decimatorLine
		if err := json.Unmarshal(line, &l); err != nil {
			return
		}
		if l.Type == "progress" {
			if onProgress != nil {
				onProgress(l.Progress)
			}
			return
		}
		last = bytes.Clone(line)
	}

	stdout, err := r.run(ctx, ModeDecimate, []string{r.decimate, in, out}, onLine)
	if err != nil {
		var pe *ProcessError
		if errors.As(err, &pe) && last != nil {
			var res DecimateResult
			if json.Unmarshal(last, &res) == nil && res.Error != "" && pe.Stderr == "" {
				pe.Stderr = res.Error
			}
		}
		return DecimateResult{}, err
	}
	if last == nil {
		return DecimateResult{}, newOutputError(stdout, errNoResult)
	}
	var res DecimateResult
	if err := json.Unmarshal(last, &res); err != nil {
		return DecimateResult{}, newOutputError(last, err)
	}
	if !res.Success {
		return res, fmt.Errorf("%w: %s", ErrProcessFailed, res.Error)
	}
	return res, nil
}
