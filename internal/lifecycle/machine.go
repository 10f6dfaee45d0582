// Package lifecycle owns every call status change. Transitions for one call
// are serialized in-process and guarded by a compare-and-set in the store
// across processes.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/ent0n29/callbridge/internal/calls"
	"github.com/ent0n29/callbridge/internal/events"
	"github.com/ent0n29/callbridge/internal/observability"
	"github.com/ent0n29/callbridge/internal/store"
	"github.com/ent0n29/callbridge/internal/transport"
)

const maxCASAttempts = 3

var phonePattern = regexp.MustCompile(`^\+[1-9][0-9]{6,14}$`)

type Config struct {
	Store     store.Store
	Transport transport.Adapter
	Bus       *events.Bus
	Logger    *zap.Logger
	Metrics   *observability.Metrics
	Tracer    *observability.Tracer
	// FromNumber is the caller id used when a request does not name one.
	FromNumber string
	Now        func() time.Time
}

type Machine struct {
	store     store.Store
	transport transport.Adapter
	bus       *events.Bus
	logger    *zap.Logger
	metrics   *observability.Metrics
	tracer    *observability.Tracer
	from      string
	now       func() time.Time
	locks     *keyedMutex
}

func New(cfg Config) *Machine {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = observability.NoopTracer()
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Machine{
		store:     cfg.Store,
		transport: cfg.Transport,
		bus:       cfg.Bus,
		logger:    cfg.Logger.Named("lifecycle"),
		metrics:   cfg.Metrics,
		tracer:    cfg.Tracer,
		from:      cfg.FromNumber,
		now:       cfg.Now,
		locks:     newKeyedMutex(),
	}
}

type InitiateRequest struct {
	To       string
	From     string
	Metadata map[string]string
}

// Initiate places an outbound call and records it as initiated. A transport
// failure leaves no call behind and is not retried here.
func (m *Machine) Initiate(ctx context.Context, req InitiateRequest) (call calls.Call, err error) {
	ctx, span := m.tracer.Start(ctx, "lifecycle.initiate")
	defer func() { observability.End(span, err) }()

	to := strings.TrimSpace(req.To)
	from := strings.TrimSpace(req.From)
	if from == "" {
		from = m.from
	}
	if !phonePattern.MatchString(to) {
		return calls.Call{}, fmt.Errorf("%w: destination %q is not an E.164 number", calls.ErrInvalidArgument, req.To)
	}
	if from != "" && !phonePattern.MatchString(from) {
		return calls.Call{}, fmt.Errorf("%w: caller id %q is not an E.164 number", calls.ErrInvalidArgument, from)
	}
	if m.transport == nil {
		return calls.Call{}, &calls.TransportError{Op: "make_call", Message: "telephony transport is not configured"}
	}

	pc, err := m.transport.MakeCall(ctx, transport.OutboundCall{To: to, From: from})
	if err != nil {
		m.logger.Warn("outbound call rejected by transport", zap.String("to", to), zap.Error(err))
		return calls.Call{}, err
	}

	now := m.now()
	call = calls.Call{
		ID:        uuid.NewString(),
		CallSID:   pc.SID,
		Direction: calls.DirectionOutbound,
		Status:    calls.StatusInitiated,
		From:      firstNonEmpty(from, pc.From),
		To:        to,
		StartedAt: now,
		UpdatedAt: now,
		Metadata:  req.Metadata,
	}
	if err := m.store.CreateCall(ctx, call); err != nil {
		return calls.Call{}, fmt.Errorf("record outbound call %s: %w", pc.SID, err)
	}
	span.SetAttributes(attribute.String("call.id", call.ID), attribute.String("call.sid", call.CallSID))
	m.logger.Info("outbound call initiated", zap.String("call_id", call.ID), zap.String("call_sid", call.CallSID))
	m.publish(events.Event{Type: events.TypeCallCreated, CallID: call.ID, CallSID: call.CallSID, To: call.Status})
	return call, nil
}

type InboundRequest struct {
	CallSID  string
	From     string
	To       string
	Metadata map[string]string
}

// RegisterInbound creates the call for an inbound provider call on first
// sight and returns the existing one afterwards.
func (m *Machine) RegisterInbound(ctx context.Context, req InboundRequest) (calls.Call, error) {
	if strings.TrimSpace(req.CallSID) == "" {
		return calls.Call{}, fmt.Errorf("%w: call sid is required", calls.ErrInvalidArgument)
	}
	unlock := m.locks.Lock("sid:" + req.CallSID)
	defer unlock()

	if existing, err := m.store.GetCallBySID(ctx, req.CallSID); err == nil {
		return existing, nil
	} else if !errors.Is(err, calls.ErrNotFound) {
		return calls.Call{}, err
	}

	now := m.now()
	call := calls.Call{
		ID:        uuid.NewString(),
		CallSID:   req.CallSID,
		Direction: calls.DirectionInbound,
		Status:    calls.StatusInitiated,
		From:      req.From,
		To:        req.To,
		StartedAt: now,
		UpdatedAt: now,
		Metadata:  req.Metadata,
	}
	if err := m.store.CreateCall(ctx, call); err != nil {
		if errors.Is(err, calls.ErrAlreadyExists) {
			return m.store.GetCallBySID(ctx, req.CallSID)
		}
		return calls.Call{}, err
	}
	m.logger.Info("inbound call registered", zap.String("call_id", call.ID), zap.String("call_sid", call.CallSID))
	m.publish(events.Event{Type: events.TypeCallCreated, CallID: call.ID, CallSID: call.CallSID, To: call.Status})
	return call, nil
}

// ApplyTransportEvent moves a call forward in response to a provider status
// report. Duplicate and out-of-order reports are ignored without error.
func (m *Machine) ApplyTransportEvent(ctx context.Context, ev transport.StatusEvent) (call calls.Call, err error) {
	ctx, span := m.tracer.Start(ctx, "lifecycle.apply_transport_event",
		attribute.String("call.sid", ev.CallSID), attribute.String("call.status", string(ev.Status)))
	defer func() { observability.End(span, err) }()

	if !ev.Status.Valid() || ev.Status == calls.StatusEscalated {
		return calls.Call{}, fmt.Errorf("%w: provider status %q", calls.ErrInvalidArgument, ev.Status)
	}

	call, err = m.store.GetCallBySID(ctx, ev.CallSID)
	if errors.Is(err, calls.ErrNotFound) && ev.Direction == calls.DirectionInbound {
		call, err = m.RegisterInbound(ctx, InboundRequest{CallSID: ev.CallSID, From: ev.From, To: ev.To})
	}
	if err != nil {
		return calls.Call{}, err
	}

	if ev.Status.Terminal() {
		call, _, err = m.MarkTerminal(ctx, call.ID, ev.Status, "provider:"+ev.ProviderStatus)
		return call, err
	}

	unlock := m.locks.Lock(call.ID)
	defer unlock()
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		cur, err := m.store.GetCall(ctx, call.ID)
		if err != nil {
			return calls.Call{}, err
		}
		if ev.Status.Rank() <= cur.Status.Rank() {
			m.ignored(cur, ev.Status, ev.ProviderStatus)
			return cur, nil
		}
		updated, err := m.store.UpdateStatus(ctx, store.StatusUpdate{
			CallID: cur.ID,
			From:   cur.Status,
			To:     ev.Status,
			Reason: "provider:" + ev.ProviderStatus,
			At:     m.now(),
		})
		if errors.Is(err, calls.ErrStaleStatus) {
			m.countTransition(ev.Status, "stale")
			continue
		}
		if err != nil {
			return calls.Call{}, err
		}
		m.transitioned(cur.Status, updated, "provider:"+ev.ProviderStatus)
		return updated, nil
	}
	return calls.Call{}, fmt.Errorf("apply %s to call %s: %w", ev.Status, call.ID, calls.ErrStaleStatus)
}

// MarkTerminal ends a call. Only the caller whose write lands reports
// transitioned=true and emits call.terminal; a call that is already
// terminal is returned unchanged.
func (m *Machine) MarkTerminal(ctx context.Context, callID string, status calls.Status, reason string) (call calls.Call, transitioned bool, err error) {
	if !status.Terminal() {
		return calls.Call{}, false, fmt.Errorf("%w: %s is not a terminal status", calls.ErrInvalidArgument, status)
	}
	ctx, span := m.tracer.Start(ctx, "lifecycle.mark_terminal",
		attribute.String("call.id", callID), attribute.String("call.status", string(status)))
	defer func() { observability.End(span, err) }()

	unlock := m.locks.Lock(callID)
	defer unlock()
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		cur, err := m.store.GetCall(ctx, callID)
		if err != nil {
			return calls.Call{}, false, err
		}
		if cur.Status.Terminal() {
			m.ignored(cur, status, reason)
			return cur, false, nil
		}
		updated, err := m.store.UpdateStatus(ctx, store.StatusUpdate{
			CallID: callID,
			From:   cur.Status,
			To:     status,
			Reason: reason,
			At:     m.now(),
		})
		if errors.Is(err, calls.ErrStaleStatus) {
			m.countTransition(status, "stale")
			continue
		}
		if err != nil {
			return calls.Call{}, false, err
		}
		m.transitioned(cur.Status, updated, reason)
		m.publish(events.Event{
			Type:    events.TypeCallTerminal,
			CallID:  updated.ID,
			CallSID: updated.CallSID,
			From:    cur.Status,
			To:      updated.Status,
			Reason:  reason,
		})
		return updated, true, nil
	}
	return calls.Call{}, false, fmt.Errorf("mark call %s %s: %w", callID, status, calls.ErrStaleStatus)
}

type EscalateRequest struct {
	CallID  string
	Trigger calls.TriggerType
	AgentID *string
	Reason  string
}

// Escalate hands an in-progress call to a human agent. Agent assignment,
// the escalation record and the call status change are written together.
func (m *Machine) Escalate(ctx context.Context, req EscalateRequest) (res store.EscalationResult, err error) {
	ctx, span := m.tracer.Start(ctx, "lifecycle.escalate",
		attribute.String("call.id", req.CallID), attribute.String("escalation.trigger", string(req.Trigger)))
	defer func() { observability.End(span, err) }()

	unlock := m.locks.Lock(req.CallID)
	defer unlock()

	cur, err := m.store.GetCall(ctx, req.CallID)
	if err != nil {
		return store.EscalationResult{}, err
	}
	if cur.Status != calls.StatusInProgress {
		m.countTransition(calls.StatusEscalated, "rejected")
		return store.EscalationResult{}, calls.InvalidTransition("call", cur.Status, calls.StatusEscalated)
	}

	res, err = m.store.OpenEscalation(ctx, store.OpenEscalationRequest{
		EscalationID: uuid.NewString(),
		CallID:       req.CallID,
		Trigger:      req.Trigger,
		AgentID:      req.AgentID,
		Reason:       req.Reason,
		At:           m.now(),
	})
	if err != nil {
		if errors.Is(err, calls.ErrInvalidTransition) {
			m.countTransition(calls.StatusEscalated, "rejected")
		}
		return store.EscalationResult{}, err
	}

	m.transitioned(cur.Status, res.Call, req.Reason)
	m.publish(events.Event{
		Type:         events.TypeCallEscalated,
		CallID:       res.Call.ID,
		CallSID:      res.Call.CallSID,
		From:         cur.Status,
		To:           res.Call.Status,
		Reason:       req.Reason,
		EscalationID: res.Escalation.ID,
		AgentID:      res.Agent.ID,
		Detail:       string(req.Trigger),
	})
	return res, nil
}

// ResumeFromEscalation returns an escalated call to the AI agent after the
// hand-off was cancelled.
func (m *Machine) ResumeFromEscalation(ctx context.Context, callID, reason string) (calls.Call, error) {
	unlock := m.locks.Lock(callID)
	defer unlock()

	cur, err := m.store.GetCall(ctx, callID)
	if err != nil {
		return calls.Call{}, err
	}
	if cur.Status != calls.StatusEscalated {
		m.countTransition(calls.StatusInProgress, "rejected")
		return calls.Call{}, calls.InvalidTransition("call", cur.Status, calls.StatusInProgress)
	}
	updated, err := m.store.UpdateStatus(ctx, store.StatusUpdate{
		CallID: callID,
		From:   calls.StatusEscalated,
		To:     calls.StatusInProgress,
		Reason: reason,
		At:     m.now(),
	})
	if errors.Is(err, calls.ErrStaleStatus) {
		if latest, getErr := m.store.GetCall(ctx, callID); getErr == nil {
			return calls.Call{}, calls.InvalidTransition("call", latest.Status, calls.StatusInProgress)
		}
	}
	if err != nil {
		return calls.Call{}, err
	}
	m.transitioned(calls.StatusEscalated, updated, reason)
	return updated, nil
}

// ForceEnd hangs up a live call through the provider and marks it completed.
func (m *Machine) ForceEnd(ctx context.Context, callID, reason string) (call calls.Call, err error) {
	ctx, span := m.tracer.Start(ctx, "lifecycle.force_end", attribute.String("call.id", callID))
	defer func() { observability.End(span, err) }()

	cur, err := m.store.GetCall(ctx, callID)
	if err != nil {
		return calls.Call{}, err
	}
	if cur.Status.Terminal() {
		return calls.Call{}, calls.InvalidTransition("call", cur.Status, calls.StatusCompleted)
	}
	if m.transport != nil && cur.CallSID != "" {
		if err := m.transport.UpdateCall(ctx, cur.CallSID, transport.CallUpdate{Status: "completed"}); err != nil {
			return calls.Call{}, err
		}
	}
	if reason == "" {
		reason = "operator_hangup"
	}
	call, _, err = m.MarkTerminal(ctx, callID, calls.StatusCompleted, reason)
	return call, err
}

func (m *Machine) transitioned(from calls.Status, call calls.Call, reason string) {
	m.countTransition(call.Status, "ok")
	m.logger.Info("call status changed",
		zap.String("call_id", call.ID),
		zap.String("from", string(from)),
		zap.String("to", string(call.Status)),
		zap.String("reason", reason),
	)
	m.publish(events.Event{
		Type:    events.TypeCallStatusChanged,
		CallID:  call.ID,
		CallSID: call.CallSID,
		From:    from,
		To:      call.Status,
		Reason:  reason,
	})
}

func (m *Machine) ignored(cur calls.Call, target calls.Status, reason string) {
	m.countTransition(target, "ignored")
	msg := "duplicate status report ignored"
	if target.Rank() < cur.Status.Rank() {
		msg = "out-of-order status report ignored"
	}
	m.logger.Debug(msg,
		zap.String("call_id", cur.ID),
		zap.String("current", string(cur.Status)),
		zap.String("reported", string(target)),
		zap.String("reason", reason),
	)
}

func (m *Machine) countTransition(to calls.Status, result string) {
	if m.metrics != nil {
		m.metrics.Transitions.WithLabelValues(string(to), result).Inc()
	}
}

func (m *Machine) publish(ev events.Event) {
	if m.bus != nil {
		m.bus.Publish(ev)
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
