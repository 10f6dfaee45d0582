package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ent0n29/callbridge/internal/calls"
)

// InMemoryStore keeps every record behind one mutex, which makes each method
// a single atomic unit.
type InMemoryStore struct {
	mu           sync.RWMutex
	calls        map[string]calls.Call
	callBySID    map[string]string
	interactions map[string][]calls.Interaction
	scores       map[string][]calls.QAScore
	agents       map[string]calls.Agent
	escalations  map[string]calls.Escalation
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		calls:        make(map[string]calls.Call),
		callBySID:    make(map[string]string),
		interactions: make(map[string][]calls.Interaction),
		scores:       make(map[string][]calls.QAScore),
		agents:       make(map[string]calls.Agent),
		escalations:  make(map[string]calls.Escalation),
	}
}

func (s *InMemoryStore) Mode() string { return "in-memory" }

func (s *InMemoryStore) Close() error { return nil }

func (s *InMemoryStore) CreateCall(_ context.Context, call calls.Call) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.calls[call.ID]; ok {
		return fmt.Errorf("%w: call %s", calls.ErrAlreadyExists, call.ID)
	}
	if call.CallSID != "" {
		if _, ok := s.callBySID[call.CallSID]; ok {
			return fmt.Errorf("%w: call sid %s", calls.ErrAlreadyExists, call.CallSID)
		}
		s.callBySID[call.CallSID] = call.ID
	}
	s.calls[call.ID] = call.Clone()
	return nil
}

func (s *InMemoryStore) GetCall(_ context.Context, callID string) (calls.Call, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.calls[callID]
	if !ok {
		return calls.Call{}, fmt.Errorf("%w: call %s", calls.ErrNotFound, callID)
	}
	return c.Clone(), nil
}

func (s *InMemoryStore) GetCallBySID(_ context.Context, callSID string) (calls.Call, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.callBySID[callSID]
	if !ok {
		return calls.Call{}, fmt.Errorf("%w: call sid %s", calls.ErrNotFound, callSID)
	}
	return s.calls[id].Clone(), nil
}

func (s *InMemoryStore) UpdateStatus(_ context.Context, u StatusUpdate) (calls.Call, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updateStatusLocked(u)
}

func (s *InMemoryStore) updateStatusLocked(u StatusUpdate) (calls.Call, error) {
	c, ok := s.calls[u.CallID]
	if !ok {
		return calls.Call{}, fmt.Errorf("%w: call %s", calls.ErrNotFound, u.CallID)
	}
	if c.Status != u.From {
		return c.Clone(), calls.ErrStaleStatus
	}
	c.Status = u.To
	c.UpdatedAt = u.At
	if u.To.Terminal() {
		at := u.At
		c.EndedAt = &at
		c.EndReason = u.Reason
	} else {
		c.EndedAt = nil
	}
	s.calls[c.ID] = c
	return c.Clone(), nil
}

func (s *InMemoryStore) ListCallsByStatus(_ context.Context, statuses []calls.Status, startedBefore time.Time, limit int) ([]calls.Call, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	want := make(map[calls.Status]bool, len(statuses))
	for _, st := range statuses {
		want[st] = true
	}
	var out []calls.Call
	for _, c := range s.calls {
		if !want[c.Status] {
			continue
		}
		if !startedBefore.IsZero() && !c.StartedAt.Before(startedBefore) {
			continue
		}
		out = append(out, c.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return truncate(out, limit), nil
}

func (s *InMemoryStore) ListUnscored(_ context.Context, endedAfter time.Time, limit int) ([]calls.Call, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []calls.Call
	for _, c := range s.calls {
		if !c.Status.Terminal() || c.EndedAt == nil || c.EndedAt.Before(endedAfter) {
			continue
		}
		if len(s.interactions[c.ID]) == 0 || len(s.scores[c.ID]) > 0 {
			continue
		}
		out = append(out, c.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EndedAt.Before(*out[j].EndedAt) })
	return truncate(out, limit), nil
}

func (s *InMemoryStore) AppendInteraction(_ context.Context, in calls.Interaction) (calls.Interaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.calls[in.CallID]; !ok {
		return calls.Interaction{}, fmt.Errorf("%w: call %s", calls.ErrNotFound, in.CallID)
	}
	existing := s.interactions[in.CallID]
	if in.ID == "" {
		in.ID = uuid.NewString()
	}
	in.Seq = len(existing) + 1
	if n := len(existing); n > 0 && in.CreatedAt.Before(existing[n-1].CreatedAt) {
		in.CreatedAt = existing[n-1].CreatedAt
	}
	s.interactions[in.CallID] = append(existing, in)
	return in, nil
}

func (s *InMemoryStore) ListInteractions(_ context.Context, callID string) ([]calls.Interaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	src := s.interactions[callID]
	out := make([]calls.Interaction, len(src))
	copy(out, src)
	return out, nil
}

func (s *InMemoryStore) SaveQAScore(_ context.Context, score calls.QAScore) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.calls[score.CallID]; !ok {
		return fmt.Errorf("%w: call %s", calls.ErrNotFound, score.CallID)
	}
	s.scores[score.CallID] = append(s.scores[score.CallID], score)
	return nil
}

func (s *InMemoryStore) LatestQAScore(_ context.Context, callID string) (calls.QAScore, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := s.scores[callID]
	if len(list) == 0 {
		return calls.QAScore{}, fmt.Errorf("%w: qa score for call %s", calls.ErrNotFound, callID)
	}
	latest := list[0]
	for _, sc := range list[1:] {
		if !sc.CreatedAt.Before(latest.CreatedAt) {
			latest = sc
		}
	}
	return latest, nil
}

func (s *InMemoryStore) CreateAgent(_ context.Context, agent calls.Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.agents[agent.ID]; ok {
		return fmt.Errorf("%w: agent %s", calls.ErrAlreadyExists, agent.ID)
	}
	s.agents[agent.ID] = agent
	return nil
}

func (s *InMemoryStore) GetAgent(_ context.Context, agentID string) (calls.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.agents[agentID]
	if !ok {
		return calls.Agent{}, fmt.Errorf("%w: agent %s", calls.ErrNotFound, agentID)
	}
	return a, nil
}

func (s *InMemoryStore) ListAgents(_ context.Context) ([]calls.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sortedAgentsLocked(), nil
}

func (s *InMemoryStore) sortedAgentsLocked() []calls.Agent {
	out := make([]calls.Agent, 0, len(s.agents))
	for _, a := range s.agents {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (s *InMemoryStore) OpenEscalation(_ context.Context, req OpenEscalationRequest) (EscalationResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.calls[req.CallID]
	if !ok {
		return EscalationResult{}, fmt.Errorf("%w: call %s", calls.ErrNotFound, req.CallID)
	}
	if c.Status != calls.StatusInProgress {
		return EscalationResult{}, calls.InvalidTransition("call", c.Status, calls.StatusEscalated)
	}

	var agent calls.Agent
	if req.AgentID != nil {
		a, ok := s.agents[*req.AgentID]
		if !ok || !a.Active || !a.Available {
			return EscalationResult{}, fmt.Errorf("%w: agent %s is not active and available", calls.ErrNoAgentAvailable, *req.AgentID)
		}
		agent = a
	} else {
		found := false
		for _, a := range s.sortedAgentsLocked() {
			if a.Active && a.Available {
				agent, found = a, true
				break
			}
		}
		if !found {
			return EscalationResult{}, calls.ErrNoAgentAvailable
		}
	}

	// Every check has passed; the three writes below cannot fail.
	updated, err := s.updateStatusLocked(StatusUpdate{
		CallID: c.ID,
		From:   calls.StatusInProgress,
		To:     calls.StatusEscalated,
		Reason: req.Reason,
		At:     req.At,
	})
	if err != nil {
		return EscalationResult{}, err
	}
	agent.Available = false
	s.agents[agent.ID] = agent

	agentID := agent.ID
	esc := calls.Escalation{
		ID:          req.EscalationID,
		CallID:      c.ID,
		Status:      calls.EscalationPending,
		Trigger:     req.Trigger,
		AgentID:     &agentID,
		Reason:      req.Reason,
		RequestedAt: req.At,
	}
	s.escalations[esc.ID] = esc
	return EscalationResult{Escalation: esc, Call: updated, Agent: agent}, nil
}

func (s *InMemoryStore) GetEscalation(_ context.Context, escalationID string) (calls.Escalation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.escalations[escalationID]
	if !ok {
		return calls.Escalation{}, fmt.Errorf("%w: escalation %s", calls.ErrNotFound, escalationID)
	}
	return e, nil
}

func (s *InMemoryStore) ActiveEscalationForCall(_ context.Context, callID string) (calls.Escalation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var (
		found calls.Escalation
		ok    bool
	)
	for _, e := range s.escalations {
		if e.CallID != callID || !e.Status.Open() {
			continue
		}
		if !ok || e.RequestedAt.After(found.RequestedAt) {
			found, ok = e, true
		}
	}
	if !ok {
		return calls.Escalation{}, fmt.Errorf("%w: open escalation for call %s", calls.ErrNotFound, callID)
	}
	return found, nil
}

func (s *InMemoryStore) UpdateEscalation(_ context.Context, u EscalationUpdate) (calls.Escalation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.escalations[u.ID]
	if !ok {
		return calls.Escalation{}, fmt.Errorf("%w: escalation %s", calls.ErrNotFound, u.ID)
	}
	if !statusIn(e.Status, u.From) {
		return calls.Escalation{}, calls.InvalidTransition("escalation", e.Status, u.To)
	}
	applyEscalationTimestamps(&e, u.To, u.At)
	s.escalations[e.ID] = e
	if u.ReleaseAgent && e.AgentID != nil {
		if a, ok := s.agents[*e.AgentID]; ok {
			a.Available = true
			s.agents[a.ID] = a
		}
	}
	return e, nil
}

func truncate(list []calls.Call, limit int) []calls.Call {
	if limit > 0 && len(list) > limit {
		return list[:limit]
	}
	return list
}
