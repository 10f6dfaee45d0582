package store

import (
	"context"
	"time"

	"github.com/ent0n29/callbridge/internal/calls"
)

// Store is the call record repository. Implementations must make
// UpdateStatus, OpenEscalation and UpdateEscalation atomic.
type Store interface {
	CreateCall(ctx context.Context, call calls.Call) error
	GetCall(ctx context.Context, callID string) (calls.Call, error)
	GetCallBySID(ctx context.Context, callSID string) (calls.Call, error)
	UpdateStatus(ctx context.Context, u StatusUpdate) (calls.Call, error)
	ListCallsByStatus(ctx context.Context, statuses []calls.Status, startedBefore time.Time, limit int) ([]calls.Call, error)
	ListUnscored(ctx context.Context, endedAfter time.Time, limit int) ([]calls.Call, error)

	AppendInteraction(ctx context.Context, in calls.Interaction) (calls.Interaction, error)
	ListInteractions(ctx context.Context, callID string) ([]calls.Interaction, error)

	SaveQAScore(ctx context.Context, score calls.QAScore) error
	LatestQAScore(ctx context.Context, callID string) (calls.QAScore, error)

	CreateAgent(ctx context.Context, agent calls.Agent) error
	GetAgent(ctx context.Context, agentID string) (calls.Agent, error)
	ListAgents(ctx context.Context) ([]calls.Agent, error)

	OpenEscalation(ctx context.Context, req OpenEscalationRequest) (EscalationResult, error)
	GetEscalation(ctx context.Context, escalationID string) (calls.Escalation, error)
	ActiveEscalationForCall(ctx context.Context, callID string) (calls.Escalation, error)
	UpdateEscalation(ctx context.Context, u EscalationUpdate) (calls.Escalation, error)

	Mode() string
	Close() error
}

// StatusUpdate is a compare-and-set on a call's status. EndedAt and
// EndReason are written in the same update when To is terminal.
type StatusUpdate struct {
	CallID string
	From   calls.Status
	To     calls.Status
	Reason string
	At     time.Time
}

// OpenEscalationRequest asks the store to assign an agent, create a pending
// escalation and move the call to escalated as one unit. A nil AgentID
// selects the first active and available agent by creation order.
type OpenEscalationRequest struct {
	EscalationID string
	CallID       string
	Trigger      calls.TriggerType
	AgentID      *string
	Reason       string
	At           time.Time
}

type EscalationResult struct {
	Escalation calls.Escalation
	Call       calls.Call
	Agent      calls.Agent
}

// EscalationUpdate moves an escalation from one of From to To. When
// ReleaseAgent is set the assigned agent becomes available again in the same
// unit of work.
type EscalationUpdate struct {
	ID           string
	From         []calls.EscalationStatus
	To           calls.EscalationStatus
	At           time.Time
	ReleaseAgent bool
}

func statusIn(s calls.EscalationStatus, set []calls.EscalationStatus) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}

func applyEscalationTimestamps(e *calls.Escalation, to calls.EscalationStatus, at time.Time) {
	e.Status = to
	switch to {
	case calls.EscalationInProgress:
		e.AcceptedAt = &at
	case calls.EscalationCompleted, calls.EscalationCancelled:
		e.CompletedAt = &at
	}
}
