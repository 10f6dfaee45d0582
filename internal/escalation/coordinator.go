// Package escalation hands live calls to human agents and tracks the
// hand-off until it completes or is cancelled.
package escalation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/ent0n29/callbridge/internal/calls"
	"github.com/ent0n29/callbridge/internal/events"
	"github.com/ent0n29/callbridge/internal/lifecycle"
	"github.com/ent0n29/callbridge/internal/observability"
	"github.com/ent0n29/callbridge/internal/store"
	"github.com/ent0n29/callbridge/internal/transport"
)

type Config struct {
	Store   store.Store
	Machine *lifecycle.Machine
	// Transport is used to bridge the caller to the agent's phone when
	// Transfer is set.
	Transport transport.Adapter
	Transfer  bool
	Bus       *events.Bus
	Logger    *zap.Logger
	Metrics   *observability.Metrics
	Tracer    *observability.Tracer
	Now       func() time.Time
}

type Coordinator struct {
	store     store.Store
	machine   *lifecycle.Machine
	transport transport.Adapter
	transfer  bool
	bus       *events.Bus
	logger    *zap.Logger
	metrics   *observability.Metrics
	tracer    *observability.Tracer
	now       func() time.Time
}

func New(cfg Config) *Coordinator {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Coordinator{
		store:     cfg.Store,
		machine:   cfg.Machine,
		transport: cfg.Transport,
		transfer:  cfg.Transfer,
		bus:       cfg.Bus,
		logger:    cfg.Logger,
		metrics:   cfg.Metrics,
		tracer:    cfg.Tracer,
		now:       cfg.Now,
	}
}

// EscalateManually hands callID to agentID, or to the first active and
// available agent when agentID is nil.
func (c *Coordinator) EscalateManually(ctx context.Context, callID string, agentID *string, reason string) (store.EscalationResult, error) {
	if agentID != nil {
		id := strings.TrimSpace(*agentID)
		if id == "" {
			agentID = nil
		} else {
			agent, err := c.store.GetAgent(ctx, id)
			if errors.Is(err, calls.ErrNotFound) {
				c.count(calls.TriggerManual, "no_agent")
				return store.EscalationResult{}, fmt.Errorf("%w: agent %s does not exist", calls.ErrNoAgentAvailable, id)
			}
			if err != nil {
				return store.EscalationResult{}, err
			}
			if !agent.Active || !agent.Available {
				c.count(calls.TriggerManual, "no_agent")
				return store.EscalationResult{}, fmt.Errorf("%w: agent %s is not active and available", calls.ErrNoAgentAvailable, id)
			}
			agentID = &id
		}
	}
	return c.escalate(ctx, lifecycle.EscalateRequest{
		CallID:  callID,
		Trigger: calls.TriggerManual,
		AgentID: agentID,
		Reason:  firstNonEmpty(reason, "operator_request"),
	})
}

// EscalateForQA hands callID to the first available agent because its
// quality score fell too low.
func (c *Coordinator) EscalateForQA(ctx context.Context, callID, reason string) error {
	_, err := c.escalate(ctx, lifecycle.EscalateRequest{
		CallID:  callID,
		Trigger: calls.TriggerQAAlert,
		Reason:  firstNonEmpty(reason, "qa_alert"),
	})
	return err
}

func (c *Coordinator) escalate(ctx context.Context, req lifecycle.EscalateRequest) (res store.EscalationResult, err error) {
	ctx, span := c.tracer.Start(ctx, "escalation.open",
		attribute.String("call.id", req.CallID), attribute.String("escalation.trigger", string(req.Trigger)))
	defer func() { observability.End(span, err) }()
	begin := time.Now()

	res, err = c.machine.Escalate(ctx, req)
	if err != nil {
		c.count(req.Trigger, resultFor(err))
		c.logger.Warn("escalation rejected",
			zap.String("call_id", req.CallID),
			zap.String("trigger", string(req.Trigger)),
			zap.Error(err))
		return store.EscalationResult{}, err
	}
	c.count(req.Trigger, "opened")
	c.logger.Info("call escalated",
		zap.String("call_id", req.CallID),
		zap.String("escalation_id", res.Escalation.ID),
		zap.String("agent_id", res.Agent.ID),
		zap.String("trigger", string(req.Trigger)))

	c.transferToAgent(ctx, res)
	c.metrics.ObserveStage(observability.StageEscalation, time.Since(begin))
	return res, nil
}

// transferToAgent redirects the provider call to the agent's phone. The
// escalation stands even if the redirect fails.
func (c *Coordinator) transferToAgent(ctx context.Context, res store.EscalationResult) {
	if !c.transfer || c.transport == nil {
		return
	}
	if res.Agent.Phone == "" || res.Call.CallSID == "" {
		c.logger.Info("escalation transfer skipped",
			zap.String("call_id", res.Call.ID),
			zap.String("agent_id", res.Agent.ID))
		return
	}
	err := c.transport.UpdateCall(ctx, res.Call.CallSID, transport.CallUpdate{Twiml: transport.DialTwiML(res.Agent.Phone)})
	if err != nil {
		c.logger.Warn("escalation transfer failed",
			zap.String("call_id", res.Call.ID),
			zap.String("agent_id", res.Agent.ID),
			zap.Error(err))
	}
}

// Accept records that the agent picked the call up.
func (c *Coordinator) Accept(ctx context.Context, escalationID string) (calls.Escalation, error) {
	esc, err := c.store.UpdateEscalation(ctx, store.EscalationUpdate{
		ID:   escalationID,
		From: []calls.EscalationStatus{calls.EscalationPending},
		To:   calls.EscalationInProgress,
		At:   c.now().UTC(),
	})
	if err != nil {
		return calls.Escalation{}, err
	}
	c.updated(esc, "accepted")
	return esc, nil
}

// Complete closes the escalation, frees the agent and ends the call.
func (c *Coordinator) Complete(ctx context.Context, escalationID string) (calls.Escalation, error) {
	esc, err := c.store.UpdateEscalation(ctx, store.EscalationUpdate{
		ID:           escalationID,
		From:         []calls.EscalationStatus{calls.EscalationPending, calls.EscalationInProgress},
		To:           calls.EscalationCompleted,
		At:           c.now().UTC(),
		ReleaseAgent: true,
	})
	if err != nil {
		return calls.Escalation{}, err
	}
	c.updated(esc, "completed")
	if _, _, err := c.machine.MarkTerminal(ctx, esc.CallID, calls.StatusCompleted, "escalation_completed"); err != nil {
		c.logger.Warn("call not completed after escalation",
			zap.String("call_id", esc.CallID),
			zap.String("escalation_id", esc.ID),
			zap.Error(err))
	}
	return esc, nil
}

// Cancel withdraws the escalation, frees the agent and returns the call to
// the AI agent.
func (c *Coordinator) Cancel(ctx context.Context, escalationID string) (calls.Escalation, error) {
	esc, err := c.store.UpdateEscalation(ctx, store.EscalationUpdate{
		ID:           escalationID,
		From:         []calls.EscalationStatus{calls.EscalationPending, calls.EscalationInProgress},
		To:           calls.EscalationCancelled,
		At:           c.now().UTC(),
		ReleaseAgent: true,
	})
	if err != nil {
		return calls.Escalation{}, err
	}
	c.updated(esc, "cancelled")
	if _, err := c.machine.ResumeFromEscalation(ctx, esc.CallID, "escalation_cancelled"); err != nil {
		c.logger.Warn("call not resumed after cancelled escalation",
			zap.String("call_id", esc.CallID),
			zap.String("escalation_id", esc.ID),
			zap.Error(err))
	}
	return esc, nil
}

// Attach subscribes the coordinator to call lifecycle events so a hand-off
// closes when the provider ends the escalated call.
func (c *Coordinator) Attach(bus *events.Bus) func() {
	return bus.Subscribe("escalation", events.Options{Buffer: 256}, func(ctx context.Context, ev events.Event) {
		if ev.Type != events.TypeCallTerminal || ev.From != calls.StatusEscalated {
			return
		}
		c.closeForEndedCall(ctx, ev.CallID, ev.To)
	})
}

// closeForEndedCall completes or cancels the open escalation of a call that
// ended while escalated and frees its agent. A call ended by Complete has no
// open escalation left and is skipped.
func (c *Coordinator) closeForEndedCall(ctx context.Context, callID string, status calls.Status) {
	esc, err := c.store.ActiveEscalationForCall(ctx, callID)
	if errors.Is(err, calls.ErrNotFound) {
		return
	}
	if err != nil {
		c.logger.Error("open escalation lookup failed", zap.String("call_id", callID), zap.Error(err))
		return
	}
	to, result := calls.EscalationCompleted, "completed"
	if status != calls.StatusCompleted {
		to, result = calls.EscalationCancelled, "cancelled"
	}
	closed, err := c.store.UpdateEscalation(ctx, store.EscalationUpdate{
		ID:           esc.ID,
		From:         []calls.EscalationStatus{calls.EscalationPending, calls.EscalationInProgress},
		To:           to,
		At:           c.now().UTC(),
		ReleaseAgent: true,
	})
	if errors.Is(err, calls.ErrInvalidTransition) {
		return
	}
	if err != nil {
		c.logger.Error("escalation not closed after call ended",
			zap.String("call_id", callID),
			zap.String("escalation_id", esc.ID),
			zap.Error(err))
		return
	}
	c.logger.Info("escalation closed by call end",
		zap.String("call_id", callID),
		zap.String("escalation_id", closed.ID),
		zap.String("call_status", string(status)))
	c.updated(closed, result)
}

func (c *Coordinator) updated(esc calls.Escalation, result string) {
	c.count(esc.Trigger, result)
	ev := events.Event{
		Type:         events.TypeEscalationUpdated,
		CallID:       esc.CallID,
		EscalationID: esc.ID,
		Detail:       string(esc.Status),
	}
	if esc.AgentID != nil {
		ev.AgentID = *esc.AgentID
	}
	if c.bus != nil {
		c.bus.Publish(ev)
	}
}

func (c *Coordinator) count(trigger calls.TriggerType, result string) {
	if c.metrics != nil {
		c.metrics.Escalations.WithLabelValues(string(trigger), result).Inc()
	}
}

func resultFor(err error) string {
	switch {
	case errors.Is(err, calls.ErrNoAgentAvailable):
		return "no_agent"
	case errors.Is(err, calls.ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, calls.ErrNotFound):
		return "not_found"
	default:
		return "error"
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
