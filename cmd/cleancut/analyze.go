package main

import (
	"encoding/json"
	"fmt"
	"io"
	"math"

	"github.com/spf13/cobra"

	"github.com/MrWong99/cleancut/internal/analysis"
	"github.com/MrWong99/cleancut/internal/resilience"
)

// newRunner builds an analyzer from the loaded config.
func (c *cli) newRunner() *analysis.Runner {
	ac := c.cfg.Analysis
	return analysis.NewRunner(analysis.Config{
		Python:         ac.Python,
		Detectors:      analysis.NewDetectors(ac.Scripts),
		StatsScript:    ac.StatsScript,
		DecimateScript: ac.DecimateScript,
		Breaker: analysis.NewBreaker(resilience.BreakerConfig{
			MaxFailures:  ac.Breaker.MaxFailures,
			ResetTimeout: ac.Breaker.ResetTimeout,
		}),
	})
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// ── detect ────────────────────────────────────────────────────────────────────

type silenceJSON struct {
	Start    float64 `json:"start"`
	End      float64 `json:"end"`
	Duration float64 `json:"duration"`
}

type detectOutput struct {
	File         string        `json:"file"`
	Detector     string        `json:"detector"`
	ThresholdDB  float64       `json:"threshold_db"`
	MinSilenceMs int           `json:"min_silence_ms"`
	PaddingMs    int           `json:"padding_ms"`
	Silences     []silenceJSON `json:"silences"`
	Count        int           `json:"count"`
	TotalSeconds float64       `json:"total_seconds"`
}

func newDetectCmd(c *cli) *cobra.Command {
	var p analysis.Params
	cmd := &cobra.Command{
		Use:   "detect <file>",
		Short: "Detect silences in an audio file and print them as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d := c.cfg.Analysis.Defaults
			flags := cmd.Flags()
			if !flags.Changed("threshold") {
				p.ThresholdDB = d.ThresholdDB
			}
			if !flags.Changed("min-silence") {
				p.MinSilenceMs = d.MinSilenceMs
			}
			if !flags.Changed("padding") {
				p.PaddingMs = d.PaddingMs
			}
			if !flags.Changed("detector") {
				p.Detector = c.cfg.Analysis.Detector
			}

			ranges, err := c.newRunner().DetectSilences(cmd.Context(), args[0], p)
			if err != nil {
				return err
			}

			out := detectOutput{
				File:         args[0],
				Detector:     p.Detector,
				ThresholdDB:  p.ThresholdDB,
				MinSilenceMs: p.MinSilenceMs,
				PaddingMs:    p.PaddingMs,
				Silences:     make([]silenceJSON, len(ranges)),
				Count:        len(ranges),
			}
			for i, r := range ranges {
				dur := round3(r.End - r.Start)
				out.Silences[i] = silenceJSON{Start: r.Start, End: r.End, Duration: dur}
				out.TotalSeconds += dur
			}
			out.TotalSeconds = round3(out.TotalSeconds)
			return writeJSON(cmd.OutOrStdout(), out)
		},
	}
	cmd.Flags().Float64Var(&p.ThresholdDB, "threshold", 0, "silence threshold in dB (default: analysis.defaults.threshold_db)")
	cmd.Flags().IntVar(&p.MinSilenceMs, "min-silence", 0, "minimum silence length in ms")
	cmd.Flags().IntVar(&p.PaddingMs, "padding", 0, "padding kept around speech in ms")
	cmd.Flags().StringVar(&p.Detector, "detector", "", "detector: default, energy, vad or hybrid")
	return cmd
}

func round3(v float64) float64 { return math.Round(v*1000) / 1000 }

// ── stats ─────────────────────────────────────────────────────────────────────

func newStatsCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "stats <file>",
		Short: "Analyse audio levels and print threshold suggestions as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rep, err := c.newRunner().AnalyzeLevels(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), rep)
		},
	}
}

// ── decimate ──────────────────────────────────────────────────────────────────

func newDecimateCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "decimate <input> <output>",
		Short: "Drop duplicate frames from a video, reporting progress on stderr",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			stderr := cmd.ErrOrStderr()
			res, err := c.newRunner().Decimate(cmd.Context(), args[0], args[1], func(p analysis.Progress) {
				fmt.Fprintf(stderr, "progress %5.1f%% frame %d\n", p.Percentage, p.CurrentFrame)
			})
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), res)
		},
	}
}
