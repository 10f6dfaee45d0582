package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/ent0n29/callbridge/internal/calls"
	"github.com/ent0n29/callbridge/internal/lifecycle"
	"github.com/ent0n29/callbridge/internal/transport"
)

// callIDParam is the stream parameter carrying our call id.
const callIDParam = "call_id"

// verifyWebhook parses the form and checks the provider signature when
// validation is enabled. It writes the error response itself.
func (s *Server) verifyWebhook(w http.ResponseWriter, r *http.Request) bool {
	if err := r.ParseForm(); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_form", err.Error())
		return false
	}
	if !s.cfg.TwilioValidateSignatures || s.cfg.TwilioAuthToken == "" {
		return true
	}
	fullURL := strings.TrimRight(s.cfg.PublicURL, "/") + r.URL.RequestURI()
	if !transport.VerifySignature(s.cfg.TwilioAuthToken, fullURL, r.PostForm, r.Header.Get(transport.SignatureHeader)) {
		s.logger.Warn("webhook signature rejected", zap.String("path", r.URL.Path))
		respondError(w, http.StatusForbidden, "invalid_signature", "webhook signature mismatch")
		return false
	}
	return true
}

// handleVoiceWebhook answers the provider's call instructions request for
// both inbound calls and outbound calls we placed, connecting the call
// audio to the media stream.
func (s *Server) handleVoiceWebhook(w http.ResponseWriter, r *http.Request) {
	if !s.verifyWebhook(w, r) {
		return
	}
	in, err := transport.ParseInboundCall(r.PostForm)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_webhook", err.Error())
		return
	}

	call, err := s.store.GetCallBySID(r.Context(), in.CallSID)
	if errors.Is(err, calls.ErrNotFound) {
		call, err = s.machine.RegisterInbound(r.Context(), lifecycle.InboundRequest{
			CallSID: in.CallSID,
			From:    in.From,
			To:      in.To,
		})
	}
	if err != nil {
		s.logger.Error("voice webhook failed", zap.String("call_sid", in.CallSID), zap.Error(err))
		writeTwiML(w, transport.SayAndHangupTwiML(s.cfg.BridgeFallbackText))
		return
	}

	writeTwiML(w, transport.ConnectStreamTwiML(s.mediaStreamURL(r), map[string]string{callIDParam: call.ID}))
}

func (s *Server) handleStatusWebhook(w http.ResponseWriter, r *http.Request) {
	if !s.verifyWebhook(w, r) {
		return
	}
	ev, err := transport.ParseStatusCallback(r.PostForm)
	switch {
	case errors.Is(err, transport.ErrUnmappedStatus):
		s.logger.Warn("unmapped provider status ignored",
			zap.String("call_sid", r.PostForm.Get("CallSid")),
			zap.String("status", r.PostForm.Get("CallStatus")))
		w.WriteHeader(http.StatusNoContent)
		return
	case err != nil:
		respondError(w, http.StatusBadRequest, "invalid_webhook", err.Error())
		return
	}

	if _, err := s.machine.ApplyTransportEvent(r.Context(), ev); err != nil {
		if errors.Is(err, calls.ErrNotFound) {
			s.logger.Warn("status callback for unknown call", zap.String("call_sid", ev.CallSID))
			w.WriteHeader(http.StatusNoContent)
			return
		}
		s.respondErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// mediaStreamURL is the websocket URL the provider connects the call audio
// to.
func (s *Server) mediaStreamURL(r *http.Request) string {
	base := strings.TrimRight(s.cfg.PublicURL, "/")
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	case base == "":
		base = "wss://" + r.Host
	}
	return base + "/media-stream"
}

func writeTwiML(w http.ResponseWriter, body string) {
	w.Header().Set("Content-Type", "text/xml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(body))
}
