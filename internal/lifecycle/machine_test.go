package lifecycle

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/ent0n29/callbridge/internal/calls"
	"github.com/ent0n29/callbridge/internal/events"
	"github.com/ent0n29/callbridge/internal/store"
	"github.com/ent0n29/callbridge/internal/transport"
)

type fakeTransport struct {
	mu      sync.Mutex
	makeErr error
	nextSID atomic.Int32
	updates []transport.CallUpdate
}

func (f *fakeTransport) MakeCall(_ context.Context, req transport.OutboundCall) (transport.ProviderCall, error) {
	if f.makeErr != nil {
		return transport.ProviderCall{}, f.makeErr
	}
	n := f.nextSID.Add(1)
	return transport.ProviderCall{SID: "CA" + string(rune('0'+n)), ProviderStatus: "queued", Status: calls.StatusInitiated, To: req.To, From: req.From}, nil
}

func (f *fakeTransport) UpdateCall(_ context.Context, _ string, u transport.CallUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, u)
	return nil
}

func (f *fakeTransport) GetCall(context.Context, string) (transport.ProviderCall, error) {
	return transport.ProviderCall{}, nil
}

type harness struct {
	machine *Machine
	store   *store.InMemoryStore
	tx      *fakeTransport
	events  <-chan events.Event
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	bus := events.NewBus(zap.NewNop())
	t.Cleanup(bus.Close)
	ch, cancel := bus.Watch(256)
	t.Cleanup(cancel)

	st := store.NewInMemoryStore()
	tx := &fakeTransport{}
	m := New(Config{Store: st, Transport: tx, Bus: bus, FromNumber: "+15550000000"})
	return &harness{machine: m, store: st, tx: tx, events: ch}
}

func (h *harness) drain(t *testing.T, want int) []events.Event {
	t.Helper()
	var out []events.Event
	deadline := time.After(2 * time.Second)
	for len(out) < want {
		select {
		case ev := <-h.events:
			out = append(out, ev)
		case <-deadline:
			t.Fatalf("got %d events, want %d: %+v", len(out), want, out)
		}
	}
	return out
}

func (h *harness) count(t *testing.T, typ events.Type) int {
	t.Helper()
	n := 0
	for {
		select {
		case ev := <-h.events:
			if ev.Type == typ {
				n++
			}
		case <-time.After(100 * time.Millisecond):
			return n
		}
	}
}

func statusEvent(sid string, st calls.Status) transport.StatusEvent {
	return transport.StatusEvent{CallSID: sid, Status: st, ProviderStatus: string(st), Direction: calls.DirectionOutbound}
}

func TestInitiateValidatesAndRecords(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if _, err := h.machine.Initiate(ctx, InitiateRequest{To: "555-1234"}); !errors.Is(err, calls.ErrInvalidArgument) {
		t.Fatalf("Initiate(bad number) error = %v, want ErrInvalidArgument", err)
	}

	call, err := h.machine.Initiate(ctx, InitiateRequest{To: "+15551234567"})
	if err != nil {
		t.Fatalf("Initiate() error = %v", err)
	}
	if call.Status != calls.StatusInitiated || call.CallSID == "" || call.From != "+15550000000" {
		t.Fatalf("call = %+v", call)
	}
	if ev := h.drain(t, 1)[0]; ev.Type != events.TypeCallCreated || ev.CallID != call.ID {
		t.Fatalf("event = %+v", ev)
	}
}

func TestInitiateTransportFailureLeavesNoCall(t *testing.T) {
	h := newHarness(t)
	h.tx.makeErr = &calls.TransportError{Op: "make_call", StatusCode: 400, Code: 21211, Message: "invalid to"}

	_, err := h.machine.Initiate(context.Background(), InitiateRequest{To: "+15551234567"})
	if !errors.Is(err, calls.ErrTransport) {
		t.Fatalf("Initiate() error = %v, want ErrTransport", err)
	}
	all, _ := h.store.ListCallsByStatus(context.Background(), calls.ActiveStatuses, time.Time{}, 10)
	if len(all) != 0 {
		t.Fatalf("calls recorded after transport failure: %+v", all)
	}
}

func TestApplyTransportEventForwardOnly(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	call, _ := h.machine.Initiate(ctx, InitiateRequest{To: "+15551234567"})

	for _, st := range []calls.Status{calls.StatusRinging, calls.StatusInProgress, calls.StatusRinging, calls.StatusInProgress} {
		if _, err := h.machine.ApplyTransportEvent(ctx, statusEvent(call.CallSID, st)); err != nil {
			t.Fatalf("ApplyTransportEvent(%s) error = %v", st, err)
		}
	}
	got, _ := h.store.GetCall(ctx, call.ID)
	if got.Status != calls.StatusInProgress {
		t.Fatalf("status = %s, want in_progress", got.Status)
	}

	if _, err := h.machine.ApplyTransportEvent(ctx, statusEvent(call.CallSID, calls.StatusCompleted)); err != nil {
		t.Fatalf("ApplyTransportEvent(completed) error = %v", err)
	}
	// A late failure report must not overwrite the completed call.
	if _, err := h.machine.ApplyTransportEvent(ctx, statusEvent(call.CallSID, calls.StatusFailed)); err != nil {
		t.Fatalf("ApplyTransportEvent(failed) error = %v", err)
	}
	got, _ = h.store.GetCall(ctx, call.ID)
	if got.Status != calls.StatusCompleted || got.EndedAt == nil {
		t.Fatalf("call = %+v, want completed with EndedAt", got)
	}
	if n := h.count(t, events.TypeCallTerminal); n != 1 {
		t.Fatalf("call.terminal events = %d, want 1", n)
	}
}

func TestApplyTransportEventRegistersUnknownInbound(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	ev := transport.StatusEvent{CallSID: "CAin", Status: calls.StatusRinging, ProviderStatus: "ringing", Direction: calls.DirectionInbound, From: "+15557654321"}

	call, err := h.machine.ApplyTransportEvent(ctx, ev)
	if err != nil {
		t.Fatalf("ApplyTransportEvent() error = %v", err)
	}
	if call.Direction != calls.DirectionInbound || call.Status != calls.StatusRinging {
		t.Fatalf("call = %+v", call)
	}

	outbound := statusEvent("CAunknown", calls.StatusRinging)
	if _, err := h.machine.ApplyTransportEvent(ctx, outbound); !errors.Is(err, calls.ErrNotFound) {
		t.Fatalf("unknown outbound error = %v, want ErrNotFound", err)
	}
}

func TestMarkTerminalExactlyOnceUnderContention(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	call, _ := h.machine.RegisterInbound(ctx, InboundRequest{CallSID: "CArace"})

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		status := calls.StatusCompleted
		if i%2 == 1 {
			status = calls.StatusFailed
		}
		go func(st calls.Status) {
			defer wg.Done()
			_, won, err := h.machine.MarkTerminal(ctx, call.ID, st, "race")
			if err != nil {
				t.Errorf("MarkTerminal() error = %v", err)
			}
			if won {
				wins.Add(1)
			}
		}(status)
	}
	wg.Wait()

	if wins.Load() != 1 {
		t.Fatalf("winners = %d, want 1", wins.Load())
	}
	if n := h.count(t, events.TypeCallTerminal); n != 1 {
		t.Fatalf("call.terminal events = %d, want 1", n)
	}
	if h.machine.locks.size() != 0 {
		t.Fatalf("per-call locks leaked: %d", h.machine.locks.size())
	}
}

func TestEscalateRequiresInProgress(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_ = h.store.CreateAgent(ctx, calls.Agent{ID: "a1", Name: "Ada", Phone: "+15550001111", Active: true, Available: true, CreatedAt: time.Now()})
	call, _ := h.machine.RegisterInbound(ctx, InboundRequest{CallSID: "CAesc"})

	if _, err := h.machine.Escalate(ctx, EscalateRequest{CallID: call.ID, Trigger: calls.TriggerManual}); !errors.Is(err, calls.ErrInvalidTransition) {
		t.Fatalf("Escalate(initiated) error = %v, want ErrInvalidTransition", err)
	}
	got, _ := h.store.GetCall(ctx, call.ID)
	if got.Status != calls.StatusInitiated {
		t.Fatalf("status changed to %s on rejected escalation", got.Status)
	}

	_, _ = h.machine.ApplyTransportEvent(ctx, transport.StatusEvent{CallSID: "CAesc", Status: calls.StatusInProgress, Direction: calls.DirectionInbound})
	res, err := h.machine.Escalate(ctx, EscalateRequest{CallID: call.ID, Trigger: calls.TriggerManual, Reason: "caller asked"})
	if err != nil {
		t.Fatalf("Escalate() error = %v", err)
	}
	if res.Call.Status != calls.StatusEscalated || res.Agent.ID != "a1" || res.Escalation.Status != calls.EscalationPending {
		t.Fatalf("result = %+v", res)
	}

	// The transport still reports in-progress after the hand-off; that must
	// not pull the call back.
	_, _ = h.machine.ApplyTransportEvent(ctx, transport.StatusEvent{CallSID: "CAesc", Status: calls.StatusInProgress, Direction: calls.DirectionInbound})
	got, _ = h.store.GetCall(ctx, call.ID)
	if got.Status != calls.StatusEscalated {
		t.Fatalf("status = %s, want escalated", got.Status)
	}

	resumed, err := h.machine.ResumeFromEscalation(ctx, call.ID, "cancelled")
	if err != nil || resumed.Status != calls.StatusInProgress {
		t.Fatalf("ResumeFromEscalation() = %+v, %v", resumed, err)
	}
	if _, err := h.machine.ResumeFromEscalation(ctx, call.ID, "again"); !errors.Is(err, calls.ErrInvalidTransition) {
		t.Fatalf("second resume error = %v, want ErrInvalidTransition", err)
	}
}

func TestForceEndHangsUpThroughTransport(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	call, _ := h.machine.Initiate(ctx, InitiateRequest{To: "+15551234567"})

	ended, err := h.machine.ForceEnd(ctx, call.ID, "")
	if err != nil {
		t.Fatalf("ForceEnd() error = %v", err)
	}
	if ended.Status != calls.StatusCompleted || ended.EndReason != "operator_hangup" {
		t.Fatalf("call = %+v", ended)
	}
	if len(h.tx.updates) != 1 || h.tx.updates[0].Status != "completed" {
		t.Fatalf("transport updates = %+v", h.tx.updates)
	}
	if _, err := h.machine.ForceEnd(ctx, call.ID, ""); !errors.Is(err, calls.ErrInvalidTransition) {
		t.Fatalf("ForceEnd(ended) error = %v, want ErrInvalidTransition", err)
	}
}

func TestMarkTerminalRejectsNonTerminalStatus(t *testing.T) {
	h := newHarness(t)
	if _, _, err := h.machine.MarkTerminal(context.Background(), "x", calls.StatusRinging, ""); !errors.Is(err, calls.ErrInvalidArgument) {
		t.Fatalf("MarkTerminal(ringing) error = %v, want ErrInvalidArgument", err)
	}
}
