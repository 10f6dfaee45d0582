package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ent0n29/callbridge/internal/bridge"
	"github.com/ent0n29/callbridge/internal/calls"
	"github.com/ent0n29/callbridge/internal/transport"
)

const mediaReadTimeout = 30 * time.Second

// handleMediaStream carries one call's audio between the provider and the
// bridge session.
func (s *Server) handleMediaStream(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	conn := transport.NewMediaConn(ws)
	defer conn.Close()
	if s.metrics != nil {
		s.metrics.SessionEvents.WithLabelValues("media_connected").Inc()
	}

	ws.SetReadLimit(1 << 20)
	var (
		callID  string
		started bool
		logger  = s.logger
	)
	for {
		_ = ws.SetReadDeadline(time.Now().Add(mediaReadTimeout))
		msgType, data, err := ws.ReadMessage()
		if err != nil {
			if started {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					s.bridge.StopSession(context.Background(), callID, bridge.ReasonTransportStop)
				} else {
					logger.Warn("media stream lost", zap.Error(err))
					s.bridge.StopSession(context.Background(), callID, bridge.ReasonTransportLost)
				}
			}
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		msg, err := transport.ParseMediaMessage(data)
		if err != nil {
			logger.Debug("invalid media message", zap.Error(err))
			continue
		}

		switch msg.Event {
		case transport.MediaEventStart:
			if started {
				continue
			}
			conn.SetStreamSID(msg.StreamSID)
			call, err := s.callForStream(r.Context(), msg.Start)
			if err != nil {
				s.logger.Warn("media stream for unknown call", zap.String("call_sid", msg.Start.CallSID), zap.Error(err))
				return
			}
			callID = call.ID
			logger = s.logger.With(zap.String("call_id", callID), zap.String("call_sid", call.CallSID))
			if !s.startBridge(r.Context(), logger, call, conn) {
				return
			}
			started = true
		case transport.MediaEventMedia:
			if !started || (msg.Media.Track != "" && msg.Media.Track != "inbound") {
				continue
			}
			s.bridge.PushInbound(callID, msg.Media.Audio)
		case transport.MediaEventStop:
			if started {
				s.bridge.StopSession(context.Background(), callID, bridge.ReasonTransportStop)
			}
			return
		}
	}
}

func (s *Server) callForStream(ctx context.Context, start *transport.MediaStart) (calls.Call, error) {
	if id := start.CustomParameters[callIDParam]; id != "" {
		return s.store.GetCall(ctx, id)
	}
	return s.store.GetCallBySID(ctx, start.CallSID)
}

// startBridge marks the call answered and opens its bridge session. When
// the engine cannot be opened the caller hears the fallback and the call
// fails.
func (s *Server) startBridge(ctx context.Context, logger *zap.Logger, call calls.Call, conn *transport.MediaConn) bool {
	// The stream only starts once the call is answered, which can precede the
	// provider's in-progress callback.
	_, err := s.machine.ApplyTransportEvent(ctx, transport.StatusEvent{
		CallSID:        call.CallSID,
		Status:         calls.StatusInProgress,
		ProviderStatus: "in-progress",
		Direction:      call.Direction,
		Timestamp:      time.Now().UTC(),
		SequenceNumber: -1,
	})
	if err != nil {
		logger.Warn("could not mark call in progress", zap.Error(err))
	}

	err = s.bridge.StartSession(ctx, call.ID, call.CallSID, conn)
	switch {
	case err == nil:
		return true
	case errors.Is(err, calls.ErrSessionConflict):
		logger.Warn("duplicate media stream rejected")
		return false
	}

	logger.Error("bridge session failed to start", zap.Error(err))
	if s.transport != nil && call.CallSID != "" {
		if uerr := s.transport.UpdateCall(ctx, call.CallSID, transport.CallUpdate{Twiml: transport.SayAndHangupTwiML(s.cfg.BridgeFallbackText)}); uerr != nil {
			logger.Warn("fallback message not delivered", zap.Error(uerr))
		}
	}
	if _, _, merr := s.machine.MarkTerminal(context.Background(), call.ID, calls.StatusFailed, "bridge:engine_unavailable"); merr != nil {
		logger.Error("mark call failed", zap.Error(merr))
	}
	return false
}
