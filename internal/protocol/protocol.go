// Package protocol defines the closed set of JSON messages exchanged between
// the cleancut broker and its single editor peer.
//
// Every message travels in an envelope of the form
//
//	{"type": "<kind>", "payload": {...}}
//
// and every kind has a payload struct with a Validate method. [Decode] is the
// only entry point for inbound data: it rejects unknown kinds with
// [ErrUnknownKind] and undecodable or schema-violating payloads with
// [ErrMalformedMessage], so handlers never see half-populated structs.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMalformedMessage is returned by [Decode] when the payload is not valid
// JSON or does not satisfy the schema of its kind.
var ErrMalformedMessage = errors.New("protocol: malformed message")

// ErrUnknownKind is returned by [Decode] when the envelope names a kind that
// is not part of the catalog.
var ErrUnknownKind = errors.New("protocol: unknown message kind")

// Kind identifies a message type on the wire.
type Kind string

const (
	KindHandshake    Kind = "handshake"
	KindHandshakeAck Kind = "handshake_ack"

	KindRequestSequenceInfo  Kind = "request_sequence_info"
	KindSequenceInfoResponse Kind = "sequence_info_response"

	KindRequestAudioExport  Kind = "request_audio_export"
	KindAudioExportResponse Kind = "audio_export_response"

	KindRequestAudioPath  Kind = "request_audio_path"
	KindAudioPathResponse Kind = "audio_path_response"

	KindRequestCuts  Kind = "request_cuts"
	KindCutsResponse Kind = "cuts_response"

	KindRequestDeleteSilences  Kind = "request_delete_silences"
	KindDeleteSilencesResponse Kind = "delete_silences_response"

	KindRequestMuteSilences  Kind = "request_mute_silences"
	KindMuteSilencesResponse Kind = "mute_silences_response"

	KindRequestRemoveSilencesWithGaps  Kind = "request_remove_silences_with_gaps"
	KindRemoveSilencesWithGapsResponse Kind = "remove_silences_with_gaps_response"

	KindError Kind = "error"
)

// newPayload returns a zero payload for each known kind. The set of keys is
// the protocol catalog.
var newPayload = map[Kind]func() Payload{
	KindHandshake:                      func() Payload { return &Handshake{} },
	KindHandshakeAck:                   func() Payload { return &HandshakeAck{} },
	KindRequestSequenceInfo:            func() Payload { return &SequenceInfoRequest{} },
	KindSequenceInfoResponse:           func() Payload { return &SequenceInfoResponse{} },
	KindRequestAudioExport:             func() Payload { return &AudioExportRequest{} },
	KindAudioExportResponse:            func() Payload { return &AudioExportResponse{} },
	KindRequestAudioPath:               func() Payload { return &AudioPathRequest{} },
	KindAudioPathResponse:              func() Payload { return &AudioPathResponse{} },
	KindRequestCuts:                    func() Payload { return &CutsRequest{} },
	KindCutsResponse:                   func() Payload { return &CutsResponse{} },
	KindRequestDeleteSilences:          func() Payload { return &SilenceCommand{} },
	KindDeleteSilencesResponse:         func() Payload { return &SilenceCommandResponse{} },
	KindRequestMuteSilences:            func() Payload { return &SilenceCommand{} },
	KindMuteSilencesResponse:           func() Payload { return &SilenceCommandResponse{} },
	KindRequestRemoveSilencesWithGaps:  func() Payload { return &SilenceCommand{} },
	KindRemoveSilencesWithGapsResponse: func() Payload { return &SilenceCommandResponse{} },
	KindError:                          func() Payload { return &Error{} },
}

// IsKnown reports whether k is part of the message catalog.
func (k Kind) IsKnown() bool {
	_, ok := newPayload[k]
	return ok
}

// ResponseKind returns the kind the peer answers a silence command with.
// The second value is false for kinds that are not silence commands.
func (k Kind) ResponseKind() (Kind, bool) {
	switch k {
	case KindRequestDeleteSilences:
		return KindDeleteSilencesResponse, true
	case KindRequestMuteSilences:
		return KindMuteSilencesResponse, true
	case KindRequestRemoveSilencesWithGaps:
		return KindRemoveSilencesWithGapsResponse, true
	}
	return "", false
}

// Payload is implemented by every message body.
type Payload interface {
	// Validate reports whether the payload satisfies the schema of its kind.
	Validate() error
}

// Message is a decoded, validated envelope.
type Message struct {
	Kind    Kind
	Payload Payload
}

// envelope is the wire form of a message.
type envelope struct {
	Type    Kind            `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Decode parses data into a [Message]. Unknown kinds wrap [ErrUnknownKind];
// everything else that is not a valid message wraps [ErrMalformedMessage].
func Decode(data []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if env.Type == "" {
		return Message{}, fmt.Errorf("%w: missing type", ErrMalformedMessage)
	}
	mk, ok := newPayload[env.Type]
	if !ok {
		return Message{Kind: env.Type}, fmt.Errorf("%w: %q", ErrUnknownKind, env.Type)
	}

	p := mk()
	if len(env.Payload) > 0 && string(env.Payload) != "null" {
		if err := json.Unmarshal(env.Payload, p); err != nil {
			return Message{Kind: env.Type}, fmt.Errorf("%w: %s payload: %v", ErrMalformedMessage, env.Type, err)
		}
	}
	if err := p.Validate(); err != nil {
		return Message{Kind: env.Type}, fmt.Errorf("%w: %s: %v", ErrMalformedMessage, env.Type, err)
	}
	return Message{Kind: env.Type, Payload: p}, nil
}

// Encode validates p and marshals it into an envelope of the given kind.
func Encode(kind Kind, p Payload) ([]byte, error) {
	if !kind.IsKnown() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	if p == nil {
		p = &Empty{}
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("protocol: encode %s: %w", kind, err)
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode %s: %w", kind, err)
	}
	return json.Marshal(envelope{Type: kind, Payload: raw})
}
