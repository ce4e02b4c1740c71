package workflow

import (
	"encoding/json"
	"log/slog"

	"github.com/MrWong99/cleancut/internal/protocol"
	"github.com/MrWong99/cleancut/internal/silence"
	"github.com/MrWong99/cleancut/internal/supervisor"
)

// Observer receives workflow notifications. Calls are made synchronously from
// the goroutine that produced them, so implementations must return quickly.
type Observer interface {
	// OnStatus reports a peer connection transition.
	OnStatus(ev supervisor.StatusEvent)

	// OnSessionUpdated reports a session that was created or whose segments
	// changed state.
	OnSessionUpdated(sum silence.Summary)

	// OnSequenceInfo forwards the peer's sequence metadata untouched.
	OnSequenceInfo(seq json.RawMessage)

	// OnPeerResult reports a peer acknowledgement of a command.
	OnPeerResult(kind protocol.Kind, payload protocol.Payload)

	// OnError reports a failed workflow or an error message from the peer.
	OnError(err error)
}

// NopObserver ignores every notification.
type NopObserver struct{}

var _ Observer = NopObserver{}

func (NopObserver) OnStatus(supervisor.StatusEvent)              {}
func (NopObserver) OnSessionUpdated(silence.Summary)             {}
func (NopObserver) OnSequenceInfo(json.RawMessage)               {}
func (NopObserver) OnPeerResult(protocol.Kind, protocol.Payload) {}
func (NopObserver) OnError(error)                                {}

// LogObserver writes every notification to a structured logger.
type LogObserver struct {
	// Logger defaults to slog.Default() when nil.
	Logger *slog.Logger
}

var _ Observer = LogObserver{}

func (o LogObserver) log() *slog.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return slog.Default()
}

func (o LogObserver) OnStatus(ev supervisor.StatusEvent) {
	attrs := []any{"state", ev.State.String(), "conn_id", ev.ConnID}
	if ev.Replaced {
		attrs = append(attrs, "replaced", true)
	}
	if ev.Err != nil {
		attrs = append(attrs, "err", ev.Err)
	}
	o.log().Info("peer status", attrs...)
}

func (o LogObserver) OnSessionUpdated(sum silence.Summary) {
	o.log().Info("session updated",
		"session_id", sum.SessionID,
		"name", sum.Name,
		"segments", sum.Total,
		"processed", sum.Processed,
		"deleted", sum.Deleted,
		"silence_seconds", sum.SilenceSeconds,
	)
}

func (o LogObserver) OnSequenceInfo(seq json.RawMessage) {
	o.log().Info("sequence info", "bytes", len(seq))
}

func (o LogObserver) OnPeerResult(kind protocol.Kind, payload protocol.Payload) {
	o.log().Info("peer result", "kind", string(kind), "payload", payload)
}

func (o LogObserver) OnError(err error) {
	o.log().Warn("workflow error", "err", err)
}
