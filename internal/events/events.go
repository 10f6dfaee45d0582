package events

import (
	"time"

	"github.com/ent0n29/callbridge/internal/calls"
)

type Type string

const (
	TypeCallCreated         Type = "call.created"
	TypeCallStatusChanged   Type = "call.status_changed"
	TypeCallTerminal        Type = "call.terminal"
	TypeCallEscalated       Type = "call.escalated"
	TypeEscalationUpdated   Type = "escalation.updated"
	TypeSessionStarted      Type = "session.started"
	TypeSessionStopped      Type = "session.stopped"
	TypeSessionDegraded     Type = "session.degraded"
	TypeInteractionAppended Type = "interaction.appended"
	TypeQAScored            Type = "qa.scored"
	TypeQAAlert             Type = "qa.alert"
)

// Event is a lifecycle fact emitted after the corresponding state has been
// persisted.
type Event struct {
	ID           string       `json:"id"`
	Type         Type         `json:"type"`
	CallID       string       `json:"call_id,omitempty"`
	CallSID      string       `json:"call_sid,omitempty"`
	From         calls.Status `json:"from,omitempty"`
	To           calls.Status `json:"to,omitempty"`
	Reason       string       `json:"reason,omitempty"`
	EscalationID string       `json:"escalation_id,omitempty"`
	AgentID      string       `json:"agent_id,omitempty"`
	Speaker      string       `json:"speaker,omitempty"`
	Score        *float64     `json:"score,omitempty"`
	Flags        []string     `json:"flags,omitempty"`
	Detail       string       `json:"detail,omitempty"`
	At           time.Time    `json:"at"`
}
