package workflow

import (
	"context"
	"fmt"

	"github.com/MrWong99/cleancut/internal/dispatch"
	"github.com/MrWong99/cleancut/internal/observe"
	"github.com/MrWong99/cleancut/internal/protocol"
)

// Register installs the handlers for every message the peer sends to the
// broker.
func (o *Orchestrator) Register(d *dispatch.Dispatcher) {
	d.Handle(protocol.KindHandshake, o.handleHandshake)
	d.Handle(protocol.KindAudioExportResponse, o.handleExportResponse)
	d.Handle(protocol.KindAudioPathResponse, o.handlePathResponse)
	d.Handle(protocol.KindCutsResponse, o.handleCutsResponse)
	d.Handle(protocol.KindDeleteSilencesResponse, o.handleCommandResponse)
	d.Handle(protocol.KindMuteSilencesResponse, o.handleCommandResponse)
	d.Handle(protocol.KindRemoveSilencesWithGapsResponse, o.handleCommandResponse)
	d.Handle(protocol.KindSequenceInfoResponse, o.handleSequenceInfo)
	d.Handle(protocol.KindError, o.handlePeerError)
}

func (o *Orchestrator) handleHandshake(ctx context.Context, c dispatch.Conn, msg protocol.Message) error {
	hs := msg.Payload.(*protocol.Handshake)
	observe.Logger(ctx).Info("peer handshake", "conn_id", c.ID(), "role", hs.Role)
	return c.Send(ctx, protocol.Message{
		Kind:    protocol.KindHandshakeAck,
		Payload: &protocol.HandshakeAck{Identity: o.identity},
	})
}

// handleExportResponse resolves the export named by the response, or the
// oldest pending export when the peer omitted the request ID.
func (o *Orchestrator) handleExportResponse(ctx context.Context, _ dispatch.Conn, msg protocol.Message) error {
	resp := msg.Payload.(*protocol.AudioExportResponse)
	if resp.RequestID != "" {
		if !o.exports.Resolve(resp.RequestID, resp) {
			observe.Logger(ctx).Warn("export response for unknown or expired request", "request_id", resp.RequestID)
		}
		return nil
	}
	if id, ok := o.exports.ResolveOldest(resp); ok {
		observe.Logger(ctx).Debug("export response matched oldest pending request", "request_id", id)
		return nil
	}
	observe.Logger(ctx).Warn("export response with no pending request")
	return nil
}

func (o *Orchestrator) handlePathResponse(ctx context.Context, _ dispatch.Conn, msg protocol.Message) error {
	resp := msg.Payload.(*protocol.AudioPathResponse)
	if !o.paths.Resolve(audioPathKey, resp) {
		observe.Logger(ctx).Warn("audio path response with no pending request")
	}
	return nil
}

// handleCutsResponse marks the acknowledged segments processed. An empty
// segment list covers the whole session.
func (o *Orchestrator) handleCutsResponse(ctx context.Context, _ dispatch.Conn, msg protocol.Message) error {
	resp := msg.Payload.(*protocol.CutsResponse)
	o.observer.OnPeerResult(msg.Kind, resp)
	if !resp.Success {
		o.observer.OnError(fmt.Errorf("%w: cuts: %s", ErrPeerReported, resp.Error))
		return nil
	}

	sessionID := resp.SessionID
	if sessionID == "" {
		cur, err := o.store.Current()
		if err != nil {
			return fmt.Errorf("workflow: cuts response: %w", err)
		}
		sessionID = cur.ID
	}
	changed, err := o.store.MarkProcessed(ctx, sessionID, resp.SegmentIDs...)
	if err != nil {
		return fmt.Errorf("workflow: cuts response: %w", err)
	}
	observe.Logger(ctx).Info("cuts applied", "session_id", sessionID, "processed", len(changed))
	o.notifySession(sessionID)
	return nil
}

func (o *Orchestrator) handleCommandResponse(ctx context.Context, _ dispatch.Conn, msg protocol.Message) error {
	resp := msg.Payload.(*protocol.SilenceCommandResponse)
	o.observer.OnPeerResult(msg.Kind, resp)
	if !resp.Success {
		// Segments were marked deleted when the command was sent.
		observe.Logger(ctx).Warn("peer command failed", "kind", string(msg.Kind), "session_id", resp.SessionID, "err", resp.Error)
		o.observer.OnError(fmt.Errorf("%w: %s: %s", ErrPeerReported, msg.Kind, resp.Error))
	}
	return nil
}

func (o *Orchestrator) handleSequenceInfo(_ context.Context, _ dispatch.Conn, msg protocol.Message) error {
	o.observer.OnSequenceInfo(msg.Payload.(*protocol.SequenceInfoResponse).Sequence)
	return nil
}

func (o *Orchestrator) handlePeerError(ctx context.Context, c dispatch.Conn, msg protocol.Message) error {
	e := msg.Payload.(*protocol.Error)
	observe.Logger(ctx).Warn("peer error", "conn_id", c.ID(), "message", e.Message)
	o.observer.OnError(fmt.Errorf("%w: %s", ErrPeerReported, e.Message))
	return nil
}
