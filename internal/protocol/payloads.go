package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
)

// RangeMode selects which part of the sequence the peer exports.
type RangeMode string

const (
	RangeEntire   RangeMode = "entire"
	RangeInOut    RangeMode = "in_out"
	RangeSelected RangeMode = "selected"
)

// IsValid reports whether m is a recognised range mode.
func (m RangeMode) IsValid() bool {
	switch m {
	case RangeEntire, RangeInOut, RangeSelected:
		return true
	}
	return false
}

// Range is a time span in seconds.
type Range struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

// Validate checks 0 <= Start < End and that both bounds are finite.
func (r Range) Validate() error {
	if math.IsNaN(r.Start) || math.IsNaN(r.End) || math.IsInf(r.Start, 0) || math.IsInf(r.End, 0) {
		return errors.New("range bounds must be finite")
	}
	if r.Start < 0 {
		return fmt.Errorf("range start %.3f is negative", r.Start)
	}
	if r.End <= r.Start {
		return fmt.Errorf("range end %.3f must be after start %.3f", r.End, r.Start)
	}
	return nil
}

// ProcessingOptions are the user-selected analysis parameters that travel
// with an audio path request so the peer can pick what to export.
type ProcessingOptions struct {
	ThresholdDB  float64   `json:"threshold_db"`
	MinSilenceMs int       `json:"min_silence_ms"`
	PaddingMs    int       `json:"padding_ms"`
	Tracks       []int     `json:"tracks,omitempty"`
	RangeMode    RangeMode `json:"range_mode,omitempty"`
}

// Validate implements [Payload].
func (o ProcessingOptions) Validate() error {
	var errs []error
	if o.MinSilenceMs < 0 {
		errs = append(errs, fmt.Errorf("min_silence_ms %d is negative", o.MinSilenceMs))
	}
	if o.PaddingMs < 0 {
		errs = append(errs, fmt.Errorf("padding_ms %d is negative", o.PaddingMs))
	}
	if o.RangeMode != "" && !o.RangeMode.IsValid() {
		errs = append(errs, fmt.Errorf("range_mode %q is invalid", o.RangeMode))
	}
	errs = append(errs, validateTracks(o.Tracks))
	return errors.Join(errs...)
}

func validateTracks(tracks []int) error {
	for i, t := range tracks {
		if t < 0 {
			return fmt.Errorf("tracks[%d] = %d is negative", i, t)
		}
	}
	return nil
}

// Empty is the payload of kinds that carry no body.
type Empty struct{}

// Validate implements [Payload].
func (*Empty) Validate() error { return nil }

// Handshake is sent by the peer right after connecting.
type Handshake struct {
	Role string `json:"role"`
}

// Validate implements [Payload].
func (h *Handshake) Validate() error {
	if h.Role == "" {
		return errors.New("role is required")
	}
	return nil
}

// HandshakeAck is the broker's reply to [Handshake].
type HandshakeAck struct {
	Identity string `json:"identity"`
}

// Validate implements [Payload].
func (h *HandshakeAck) Validate() error {
	if h.Identity == "" {
		return errors.New("identity is required")
	}
	return nil
}

// SequenceInfoRequest asks the peer for metadata about the active sequence.
type SequenceInfoRequest struct{}

// Validate implements [Payload].
func (*SequenceInfoRequest) Validate() error { return nil }

// SequenceInfoResponse carries opaque sequence metadata that is forwarded to
// observers untouched.
type SequenceInfoResponse struct {
	Sequence json.RawMessage `json:"sequence"`
}

// Validate implements [Payload]. The sequence must be a JSON object.
func (s *SequenceInfoResponse) Validate() error {
	var obj map[string]json.RawMessage
	if len(s.Sequence) == 0 {
		return errors.New("sequence is required")
	}
	if err := json.Unmarshal(s.Sequence, &obj); err != nil || obj == nil {
		return errors.New("sequence must be a JSON object")
	}
	return nil
}

// AudioExportRequest asks the peer to render audio to Folder.
type AudioExportRequest struct {
	RequestID string    `json:"request_id"`
	Folder    string    `json:"folder"`
	Tracks    []int     `json:"tracks,omitempty"`
	RangeMode RangeMode `json:"range_mode"`
}

// Validate implements [Payload].
func (r *AudioExportRequest) Validate() error {
	var errs []error
	if r.RequestID == "" {
		errs = append(errs, errors.New("request_id is required"))
	}
	if r.Folder == "" {
		errs = append(errs, errors.New("folder is required"))
	}
	if !r.RangeMode.IsValid() {
		errs = append(errs, fmt.Errorf("range_mode %q is invalid", r.RangeMode))
	}
	errs = append(errs, validateTracks(r.Tracks))
	return errors.Join(errs...)
}

// AudioExportResponse reports the outcome of an export. Older peers omit
// RequestID; the broker then falls back to the oldest pending export.
type AudioExportResponse struct {
	RequestID  string `json:"request_id,omitempty"`
	Success    bool   `json:"success"`
	OutputPath string `json:"output_path,omitempty"`
	Error      string `json:"error,omitempty"`
}

// Validate implements [Payload].
func (r *AudioExportResponse) Validate() error {
	if r.Success && r.OutputPath == "" {
		return errors.New("output_path is required on success")
	}
	if !r.Success && r.Error == "" {
		return errors.New("error is required on failure")
	}
	return nil
}

// AudioPathRequest asks the peer for a local audio file to analyse.
type AudioPathRequest struct {
	Options ProcessingOptions `json:"options"`
}

// Validate implements [Payload].
func (r *AudioPathRequest) Validate() error { return r.Options.Validate() }

// AudioPathResponse answers [AudioPathRequest] with either a path or an error.
type AudioPathResponse struct {
	FilePath string `json:"file_path,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Validate implements [Payload].
func (r *AudioPathResponse) Validate() error {
	if (r.FilePath == "") == (r.Error == "") {
		return errors.New("exactly one of file_path and error must be set")
	}
	return nil
}

// CutsRequest tells the peer to razor the timeline at each range.
type CutsRequest struct {
	SessionID string  `json:"session_id,omitempty"`
	Cuts      []Range `json:"cuts"`
}

// Validate implements [Payload].
func (r *CutsRequest) Validate() error {
	for i, c := range r.Cuts {
		if err := c.Validate(); err != nil {
			return fmt.Errorf("cuts[%d]: %w", i, err)
		}
	}
	return nil
}

// CutsResponse acknowledges a [CutsRequest]. An empty SegmentIDs list means
// every segment of the session was processed.
type CutsResponse struct {
	SessionID  string   `json:"session_id,omitempty"`
	Success    bool     `json:"success"`
	Error      string   `json:"error,omitempty"`
	SegmentIDs []string `json:"segment_ids,omitempty"`
}

// Validate implements [Payload].
func (r *CutsResponse) Validate() error {
	if !r.Success && r.Error == "" {
		return errors.New("error is required on failure")
	}
	return nil
}

// SegmentRef identifies one silence segment in a peer command.
type SegmentRef struct {
	ID    string  `json:"id"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

// SilenceCommand is the payload of the delete, mute and remove-with-gaps
// requests. They differ only in the kind the envelope carries.
type SilenceCommand struct {
	SessionID string       `json:"session_id"`
	Segments  []SegmentRef `json:"segments"`
}

// Validate implements [Payload].
func (c *SilenceCommand) Validate() error {
	if c.SessionID == "" {
		return errors.New("session_id is required")
	}
	if len(c.Segments) == 0 {
		return errors.New("segments must not be empty")
	}
	for i, s := range c.Segments {
		if s.ID == "" {
			return fmt.Errorf("segments[%d]: id is required", i)
		}
		if err := (Range{Start: s.Start, End: s.End}).Validate(); err != nil {
			return fmt.Errorf("segments[%d]: %w", i, err)
		}
	}
	return nil
}

// SilenceCommandResponse reports how a [SilenceCommand] went.
type SilenceCommandResponse struct {
	SessionID string `json:"session_id,omitempty"`
	Success   bool   `json:"success"`
	Error     string `json:"error,omitempty"`
	Affected  int    `json:"affected,omitempty"`
}

// Validate implements [Payload].
func (r *SilenceCommandResponse) Validate() error {
	if !r.Success && r.Error == "" {
		return errors.New("error is required on failure")
	}
	if r.Affected < 0 {
		return errors.New("affected must not be negative")
	}
	return nil
}

// Error is an informational message in either direction.
type Error struct {
	Message string `json:"message"`
}

// Validate implements [Payload].
func (e *Error) Validate() error {
	if e.Message == "" {
		return errors.New("message is required")
	}
	return nil
}
