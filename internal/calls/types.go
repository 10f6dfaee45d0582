package calls

import "time"

type Status string

const (
	StatusInitiated  Status = "initiated"
	StatusRinging    Status = "ringing"
	StatusInProgress Status = "in_progress"
	StatusEscalated  Status = "escalated"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Rank orders statuses along the forward lifecycle. Both terminal statuses
// share the highest rank so neither can overwrite the other.
func (s Status) Rank() int {
	switch s {
	case StatusInitiated:
		return 0
	case StatusRinging:
		return 1
	case StatusInProgress:
		return 2
	case StatusEscalated:
		return 3
	case StatusCompleted, StatusFailed:
		return 4
	default:
		return -1
	}
}

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

func (s Status) Valid() bool {
	return s.Rank() >= 0
}

// ActiveStatuses are the statuses a call holds while it may still carry media.
var ActiveStatuses = []Status{StatusInitiated, StatusRinging, StatusInProgress}

type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

type Speaker string

const (
	SpeakerAgent        Speaker = "agent"
	SpeakerCounterparty Speaker = "counterparty"
)

func (s Speaker) Valid() bool {
	return s == SpeakerAgent || s == SpeakerCounterparty
}

type Call struct {
	ID        string            `json:"id"`
	CallSID   string            `json:"call_sid"`
	Direction Direction         `json:"direction"`
	Status    Status            `json:"status"`
	From      string            `json:"from"`
	To        string            `json:"to"`
	StartedAt time.Time         `json:"started_at"`
	UpdatedAt time.Time         `json:"updated_at"`
	EndedAt   *time.Time        `json:"ended_at,omitempty"`
	EndReason string            `json:"end_reason,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

func (c Call) Clone() Call {
	out := c
	if c.EndedAt != nil {
		t := *c.EndedAt
		out.EndedAt = &t
	}
	if c.Metadata != nil {
		out.Metadata = make(map[string]string, len(c.Metadata))
		for k, v := range c.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}

type Interaction struct {
	ID        string    `json:"id"`
	CallID    string    `json:"call_id"`
	Seq       int       `json:"seq"`
	Speaker   Speaker   `json:"speaker"`
	Text      string    `json:"text"`
	AudioRef  string    `json:"audio_ref,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type SentimentLabel string

const (
	SentimentPositive SentimentLabel = "positive"
	SentimentNeutral  SentimentLabel = "neutral"
	SentimentNegative SentimentLabel = "negative"
)

// Flag codes attached to a QAScore.
const (
	FlagLowOverallScore   = "low_overall_score"
	FlagNegativeSentiment = "negative_sentiment"
	FlagComplianceIssue   = "compliance_issue"
)

type QAScore struct {
	ID               string         `json:"id"`
	CallID           string         `json:"call_id"`
	Overall          float64        `json:"overall"`
	Sentiment        *float64       `json:"sentiment"`
	Compliance       *float64       `json:"compliance"`
	Accuracy         *float64       `json:"accuracy"`
	Professionalism  *float64       `json:"professionalism"`
	SentimentAvg     float64        `json:"sentiment_avg"`
	SentimentLabel   SentimentLabel `json:"sentiment_label"`
	Flags            []string       `json:"flags"`
	ComplianceIssues []string       `json:"compliance_issues"`
	TurnCount        int            `json:"turn_count"`
	CreatedAt        time.Time      `json:"created_at"`
}

func (s QAScore) HasFlag(code string) bool {
	for _, f := range s.Flags {
		if f == code {
			return true
		}
	}
	return false
}

type EscalationStatus string

const (
	EscalationPending    EscalationStatus = "pending"
	EscalationInProgress EscalationStatus = "in_progress"
	EscalationCompleted  EscalationStatus = "completed"
	EscalationCancelled  EscalationStatus = "cancelled"
)

func (s EscalationStatus) Open() bool {
	return s == EscalationPending || s == EscalationInProgress
}

type TriggerType string

const (
	TriggerManual  TriggerType = "manual"
	TriggerQAAlert TriggerType = "qa_alert"
)

type Escalation struct {
	ID          string           `json:"id"`
	CallID      string           `json:"call_id"`
	Status      EscalationStatus `json:"status"`
	Trigger     TriggerType      `json:"trigger"`
	AgentID     *string          `json:"agent_id,omitempty"`
	Reason      string           `json:"reason"`
	RequestedAt time.Time        `json:"requested_at"`
	AcceptedAt  *time.Time       `json:"accepted_at,omitempty"`
	CompletedAt *time.Time       `json:"completed_at,omitempty"`
}

type Agent struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Phone     string    `json:"phone,omitempty"`
	Active    bool      `json:"active"`
	Available bool      `json:"available"`
	CreatedAt time.Time `json:"created_at"`
}
