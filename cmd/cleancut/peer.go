package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/MrWong99/cleancut/internal/dispatch"
	"github.com/MrWong99/cleancut/internal/protocol"
	"github.com/MrWong99/cleancut/internal/supervisor"
)

type peerOptions struct {
	url       string
	role      string
	audioFile string
}

func newPeerCmd(c *cli) *cobra.Command {
	var o peerOptions
	cmd := &cobra.Command{
		Use:   "peer",
		Short: "Run a headless editor peer that answers broker requests",
		Long: "peer connects to a broker, keeps reconnecting with linear backoff, and " +
			"acknowledges every request kind. With --audio-file it also answers audio " +
			"path and export requests, which is enough for an end-to-end smoke test.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.peer(cmd.Context(), o)
		},
	}
	cmd.Flags().StringVar(&o.url, "url", "", "broker WebSocket URL (default: peer.url from config)")
	cmd.Flags().StringVar(&o.role, "role", "", "role announced in the handshake (default: peer.role from config)")
	cmd.Flags().StringVar(&o.audioFile, "audio-file", "", "file returned for audio path and export requests")
	return cmd
}

// peer runs until ctx is cancelled or reconnecting gives up.
func (c *cli) peer(ctx context.Context, o peerOptions) error {
	pc := c.cfg.Peer
	if o.url != "" {
		pc.URL = o.url
	}
	if o.role != "" {
		pc.Role = o.role
	}

	d := dispatch.New()
	hp := &headlessPeer{role: pc.Role, audioFile: o.audioFile}
	hp.register(d)

	r := supervisor.NewReconnector(supervisor.ReconnectorConfig{
		URL:        pc.URL,
		Role:       pc.Role,
		MaxRetries: pc.Reconnect.MaxRetries,
		Backoff:    pc.Reconnect.BaseDelay,
		MaxBackoff: pc.Reconnect.MaxDelay,
		Serve: func(ctx context.Context, conn supervisor.Conn) error {
			dc, ok := conn.(dispatch.Conn)
			if !ok {
				return fmt.Errorf("connection %T cannot receive", conn)
			}
			return d.Serve(ctx, dc)
		},
		OnStatus: func(ev supervisor.StatusEvent) {
			attrs := []any{"state", ev.State.String()}
			if ev.Attempt > 0 {
				attrs = append(attrs, "attempt", ev.Attempt, "delay", ev.Delay)
			}
			if ev.Err != nil {
				attrs = append(attrs, "err", ev.Err)
			}
			slog.Info("peer status", attrs...)
		},
	})

	slog.Info("peer starting", "url", pc.URL, "role", pc.Role)
	err := r.Run(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// headlessPeer answers broker requests the way an editor panel would,
// without an editor behind it.
type headlessPeer struct {
	role      string
	audioFile string
}

func (p *headlessPeer) register(d *dispatch.Dispatcher) {
	d.Handle(protocol.KindHandshakeAck, p.onHandshakeAck)
	d.Handle(protocol.KindRequestSequenceInfo, p.onSequenceInfo)
	d.Handle(protocol.KindRequestAudioExport, p.onAudioExport)
	d.Handle(protocol.KindRequestAudioPath, p.onAudioPath)
	d.Handle(protocol.KindRequestCuts, p.onCuts)
	d.Handle(protocol.KindRequestDeleteSilences, p.onCommand)
	d.Handle(protocol.KindRequestMuteSilences, p.onCommand)
	d.Handle(protocol.KindRequestRemoveSilencesWithGaps, p.onCommand)
	d.Handle(protocol.KindError, p.onError)
}

func (p *headlessPeer) onHandshakeAck(_ context.Context, c dispatch.Conn, msg protocol.Message) error {
	slog.Info("broker acknowledged", "conn_id", c.ID(), "identity", msg.Payload.(*protocol.HandshakeAck).Identity)
	return nil
}

func (p *headlessPeer) onSequenceInfo(ctx context.Context, c dispatch.Conn, _ protocol.Message) error {
	seq, err := json.Marshal(map[string]any{"name": "headless", "role": p.role, "tracks": 0})
	if err != nil {
		return err
	}
	return c.Send(ctx, protocol.Message{
		Kind:    protocol.KindSequenceInfoResponse,
		Payload: &protocol.SequenceInfoResponse{Sequence: seq},
	})
}

func (p *headlessPeer) onAudioExport(ctx context.Context, c dispatch.Conn, msg protocol.Message) error {
	req := msg.Payload.(*protocol.AudioExportRequest)
	resp := &protocol.AudioExportResponse{RequestID: req.RequestID}
	if p.audioFile == "" {
		resp.Error = "headless peer has no audio to export"
	} else {
		resp.Success = true
		resp.OutputPath = p.audioFile
	}
	slog.Info("export requested", "request_id", req.RequestID, "folder", req.Folder, "success", resp.Success)
	return c.Send(ctx, protocol.Message{Kind: protocol.KindAudioExportResponse, Payload: resp})
}

func (p *headlessPeer) onAudioPath(ctx context.Context, c dispatch.Conn, _ protocol.Message) error {
	resp := &protocol.AudioPathResponse{FilePath: p.audioFile}
	if p.audioFile == "" {
		resp.Error = "headless peer has no audio file"
	}
	return c.Send(ctx, protocol.Message{Kind: protocol.KindAudioPathResponse, Payload: resp})
}

func (p *headlessPeer) onCuts(ctx context.Context, c dispatch.Conn, msg protocol.Message) error {
	req := msg.Payload.(*protocol.CutsRequest)
	slog.Info("cuts requested", "session_id", req.SessionID, "cuts", len(req.Cuts))
	return c.Send(ctx, protocol.Message{
		Kind:    protocol.KindCutsResponse,
		Payload: &protocol.CutsResponse{SessionID: req.SessionID, Success: true},
	})
}

func (p *headlessPeer) onCommand(ctx context.Context, c dispatch.Conn, msg protocol.Message) error {
	req := msg.Payload.(*protocol.SilenceCommand)
	kind, _ := msg.Kind.ResponseKind()
	slog.Info("silence command", "kind", string(msg.Kind), "session_id", req.SessionID, "segments", len(req.Segments))
	return c.Send(ctx, protocol.Message{
		Kind: kind,
		Payload: &protocol.SilenceCommandResponse{
			SessionID: req.SessionID,
			Success:   true,
			Affected:  len(req.Segments),
		},
	})
}

func (p *headlessPeer) onError(_ context.Context, c dispatch.Conn, msg protocol.Message) error {
	slog.Warn("broker reported error", "conn_id", c.ID(), "message", msg.Payload.(*protocol.Error).Message)
	return nil
}
