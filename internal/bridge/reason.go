package bridge

import "github.com/ent0n29/callbridge/internal/calls"

// StopReason says why a bridge session ended.
type StopReason string

const (
	ReasonTransportStop StopReason = "transport_stop"
	ReasonTransportLost StopReason = "transport_lost"
	ReasonEngineFailure StopReason = "engine_failure"
	ReasonIdleTimeout   StopReason = "idle_timeout"
	ReasonShutdown      StopReason = "shutdown"
	ReasonCallEnded     StopReason = "call_ended"
	ReasonHandoff       StopReason = "handoff"
)

// CallStatus is the status the call should move to when a session stops for
// this reason. ok is false when the call status is owned elsewhere.
func (r StopReason) CallStatus() (status calls.Status, ok bool) {
	switch r {
	case ReasonTransportStop:
		return calls.StatusCompleted, true
	case ReasonTransportLost, ReasonEngineFailure, ReasonIdleTimeout, ReasonShutdown:
		return calls.StatusFailed, true
	default:
		return "", false
	}
}
