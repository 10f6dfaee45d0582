package bridge

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"go.uber.org/zap"

	"github.com/ent0n29/callbridge/internal/calls"
	"github.com/ent0n29/callbridge/internal/events"
	"github.com/ent0n29/callbridge/internal/lifecycle"
	"github.com/ent0n29/callbridge/internal/store"
	"github.com/ent0n29/callbridge/internal/transport"
	"github.com/ent0n29/callbridge/internal/voice"
)

type fakeSink struct {
	mu     sync.Mutex
	frames [][]byte
	closed bool
}

func (f *fakeSink) SendAudio(mulaw []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return transport.ErrConnClosed
	}
	f.frames = append(f.frames, append([]byte(nil), mulaw...))
	return nil
}

func (f *fakeSink) Clear() error { return nil }

func (f *fakeSink) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeSink) frameCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.frames)
}

type harness struct {
	manager *Manager
	machine *lifecycle.Machine
	store   *store.InMemoryStore
	bus     *events.Bus
	engine  *voice.MockEngine
}

func newHarness(t *testing.T, engineCfg voice.MockConfig, tweak func(*Config)) *harness {
	t.Helper()
	bus := events.NewBus(zap.NewNop())
	t.Cleanup(bus.Close)
	st := store.NewInMemoryStore()
	machine := lifecycle.New(lifecycle.Config{Store: st, Bus: bus})
	engine := voice.NewMockEngine(engineCfg)
	cfg := Config{
		Store:       st,
		Engine:      engine,
		Resolver:    machine,
		Bus:         bus,
		QueueSize:   8,
		GracePeriod: 50 * time.Millisecond,
		IdleTimeout: time.Minute,
	}
	if tweak != nil {
		tweak(&cfg)
	}
	return &harness{manager: NewManager(cfg), machine: machine, store: st, bus: bus, engine: engine}
}

func (h *harness) liveCall(t *testing.T, sid string) calls.Call {
	t.Helper()
	ctx := context.Background()
	call, err := h.machine.RegisterInbound(ctx, lifecycle.InboundRequest{CallSID: sid})
	if err != nil {
		t.Fatalf("RegisterInbound() error = %v", err)
	}
	call, err = h.machine.ApplyTransportEvent(ctx, transport.StatusEvent{CallSID: sid, Status: calls.StatusInProgress, Direction: calls.DirectionInbound})
	if err != nil {
		t.Fatalf("ApplyTransportEvent() error = %v", err)
	}
	return call
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func (h *harness) status(t *testing.T, callID string) calls.Status {
	t.Helper()
	c, err := h.store.GetCall(context.Background(), callID)
	if err != nil {
		t.Fatalf("GetCall() error = %v", err)
	}
	return c.Status
}

var silence = make([]byte, 160)

func TestSessionRelaysTurnsInOrder(t *testing.T) {
	h := newHarness(t, voice.MockConfig{
		TurnEvery: 2,
		Script: []voice.Utterance{
			{Speaker: calls.SpeakerCounterparty, Text: "I want to check my balance"},
			{Speaker: calls.SpeakerAgent, Text: "Sure, one moment please"},
			{Speaker: calls.SpeakerCounterparty, Text: "Thanks"},
		},
	}, nil)
	call := h.liveCall(t, "CA1")
	sink := &fakeSink{}
	ctx := context.Background()

	if err := h.manager.StartSession(ctx, call.ID, call.CallSID, sink); err != nil {
		t.Fatalf("StartSession() error = %v", err)
	}
	for i := 0; i < 6; i++ {
		if !h.manager.PushInbound(call.ID, silence) {
			t.Fatalf("PushInbound() rejected frame %d", i)
		}
		time.Sleep(2 * time.Millisecond)
	}

	waitFor(t, "three interactions", func() bool {
		got, _ := h.store.ListInteractions(ctx, call.ID)
		return len(got) == 3
	})
	got, _ := h.store.ListInteractions(ctx, call.ID)
	if got[0].Speaker != calls.SpeakerCounterparty || got[1].Speaker != calls.SpeakerAgent || got[2].Text != "Thanks" {
		t.Fatalf("interactions out of order: %+v", got)
	}
	waitFor(t, "agent audio at the sink", func() bool { return sink.frameCount() == 1 })

	h.manager.StopSession(ctx, call.ID, ReasonTransportStop)
	if h.manager.Active(call.ID) {
		t.Fatalf("session still active after stop")
	}
	if st := h.status(t, call.ID); st != calls.StatusCompleted {
		t.Fatalf("status = %s, want completed", st)
	}
	// Stopping again is a no-op.
	h.manager.StopSession(ctx, call.ID, ReasonTransportLost)
	if st := h.status(t, call.ID); st != calls.StatusCompleted {
		t.Fatalf("status after second stop = %s, want completed", st)
	}
}

func TestStartSessionConflict(t *testing.T) {
	h := newHarness(t, voice.MockConfig{}, nil)
	call := h.liveCall(t, "CA2")
	ctx := context.Background()

	if err := h.manager.StartSession(ctx, call.ID, call.CallSID, &fakeSink{}); err != nil {
		t.Fatalf("StartSession() error = %v", err)
	}
	err := h.manager.StartSession(ctx, call.ID, call.CallSID, &fakeSink{})
	var conflict *calls.SessionConflictError
	if !errors.As(err, &conflict) || !errors.Is(err, calls.ErrSessionConflict) {
		t.Fatalf("second StartSession() error = %v, want SessionConflictError", err)
	}
	if h.engine.Opened() != 1 {
		t.Fatalf("engine sessions opened = %d, want 1", h.engine.Opened())
	}
}

func TestConcurrentStartSessionOnlyOneWins(t *testing.T) {
	h := newHarness(t, voice.MockConfig{}, nil)
	call := h.liveCall(t, "CA9")
	ctx := context.Background()

	const n = 16
	var (
		start sync.WaitGroup
		done  sync.WaitGroup
		errs  = make(chan error, n)
	)
	start.Add(1)
	for i := 0; i < n; i++ {
		done.Add(1)
		go func() {
			defer done.Done()
			start.Wait()
			errs <- h.manager.StartSession(ctx, call.ID, call.CallSID, &fakeSink{})
		}()
	}
	start.Done()
	done.Wait()
	close(errs)

	var ok, conflicts int
	for err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, calls.ErrSessionConflict):
			conflicts++
		default:
			t.Fatalf("StartSession() error = %v", err)
		}
	}
	if ok != 1 || conflicts != n-1 {
		t.Fatalf("successes = %d conflicts = %d, want 1 and %d", ok, conflicts, n-1)
	}
	if h.engine.Opened() != 1 {
		t.Fatalf("engine sessions opened = %d, want 1", h.engine.Opened())
	}
	h.manager.StopSession(ctx, call.ID, ReasonCallEnded)
}

func TestSessionConflictAcrossManagersSharingLocker(t *testing.T) {
	locker := NewLocalLocker()
	a := newHarness(t, voice.MockConfig{}, func(c *Config) { c.Locker = locker })
	b := newHarness(t, voice.MockConfig{}, func(c *Config) { c.Locker = locker })
	ctx := context.Background()

	if err := a.manager.StartSession(ctx, "shared", "CA3", &fakeSink{}); err != nil {
		t.Fatalf("StartSession(a) error = %v", err)
	}
	if err := b.manager.StartSession(ctx, "shared", "CA3", &fakeSink{}); !errors.Is(err, calls.ErrSessionConflict) {
		t.Fatalf("StartSession(b) error = %v, want ErrSessionConflict", err)
	}
	a.manager.StopSession(ctx, "shared", ReasonCallEnded)
	if err := b.manager.StartSession(ctx, "shared", "CA3", &fakeSink{}); err != nil {
		t.Fatalf("StartSession(b) after release error = %v", err)
	}
}

func TestPushInboundWithoutSessionIsDropped(t *testing.T) {
	h := newHarness(t, voice.MockConfig{}, nil)
	if h.manager.PushInbound("nope", silence) {
		t.Fatalf("PushInbound() accepted a frame for an unknown call")
	}
}

func TestEngineFailurePlaysFallbackAndFailsCall(t *testing.T) {
	h := newHarness(t, voice.MockConfig{FailAfter: 2}, func(c *Config) {
		c.FallbackText = "Sorry, please hold."
	})
	call := h.liveCall(t, "CA4")
	ctx := context.Background()
	if err := h.manager.StartSession(ctx, call.ID, call.CallSID, &fakeSink{}); err != nil {
		t.Fatalf("StartSession() error = %v", err)
	}
	h.manager.PushInbound(call.ID, silence)
	h.manager.PushInbound(call.ID, silence)

	waitFor(t, "call to fail", func() bool { return h.status(t, call.ID) == calls.StatusFailed })
	waitFor(t, "session removal", func() bool { return !h.manager.Active(call.ID) })

	got, _ := h.store.ListInteractions(ctx, call.ID)
	if len(got) != 1 || got[0].Speaker != calls.SpeakerAgent || got[0].Text != "Sorry, please hold." {
		t.Fatalf("interactions = %+v, want the fallback turn", got)
	}
	c, _ := h.store.GetCall(ctx, call.ID)
	if c.EndReason != "bridge:engine_failure" {
		t.Fatalf("EndReason = %q", c.EndReason)
	}
}

func TestEngineFailureFallbackFollowsEngineTurns(t *testing.T) {
	h := newHarness(t, voice.MockConfig{
		TurnEvery: 1,
		FailAfter: 3,
		Script: []voice.Utterance{
			{Speaker: calls.SpeakerCounterparty, Text: "Where is my parcel?"},
			{Speaker: calls.SpeakerAgent, Text: "Let me look that up"},
		},
	}, func(c *Config) {
		c.FallbackText = "Sorry, please hold."
	})
	call := h.liveCall(t, "CA8")
	ctx := context.Background()
	if err := h.manager.StartSession(ctx, call.ID, call.CallSID, &fakeSink{}); err != nil {
		t.Fatalf("StartSession() error = %v", err)
	}
	for i := 0; i < 3; i++ {
		h.manager.PushInbound(call.ID, silence)
	}

	waitFor(t, "call to fail", func() bool { return h.status(t, call.ID) == calls.StatusFailed })
	waitFor(t, "session removal", func() bool { return !h.manager.Active(call.ID) })

	got, _ := h.store.ListInteractions(ctx, call.ID)
	if len(got) != 3 {
		t.Fatalf("interactions = %+v, want two engine turns and the fallback", got)
	}
	if got[0].Text != "Where is my parcel?" || got[1].Text != "Let me look that up" {
		t.Fatalf("engine turns = %q, %q", got[0].Text, got[1].Text)
	}
	if got[2].Text != "Sorry, please hold." || got[2].AudioRef != "fallback" {
		t.Fatalf("last turn = %+v, want the fallback", got[2])
	}
}

func TestTerminalEventStopsSessionWithoutStatusChange(t *testing.T) {
	h := newHarness(t, voice.MockConfig{}, nil)
	unsubscribe := h.manager.Attach(h.bus)
	defer unsubscribe()
	call := h.liveCall(t, "CA5")
	ctx := context.Background()
	if err := h.manager.StartSession(ctx, call.ID, call.CallSID, &fakeSink{}); err != nil {
		t.Fatalf("StartSession() error = %v", err)
	}

	if _, _, err := h.machine.MarkTerminal(ctx, call.ID, calls.StatusCompleted, "provider:completed"); err != nil {
		t.Fatalf("MarkTerminal() error = %v", err)
	}
	waitFor(t, "session stop", func() bool { return !h.manager.Active(call.ID) })
	c, _ := h.store.GetCall(ctx, call.ID)
	if c.Status != calls.StatusCompleted || c.EndReason != "provider:completed" {
		t.Fatalf("call = %+v", c)
	}
}

func TestIdleJanitorFailsQuietCalls(t *testing.T) {
	var mu sync.Mutex
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	h := newHarness(t, voice.MockConfig{}, func(c *Config) {
		c.IdleTimeout = 10 * time.Second
		c.Now = clock
	})
	call := h.liveCall(t, "CA6")
	if err := h.manager.StartSession(context.Background(), call.ID, call.CallSID, &fakeSink{}); err != nil {
		t.Fatalf("StartSession() error = %v", err)
	}

	h.manager.expireIdle()
	if !h.manager.Active(call.ID) {
		t.Fatalf("session expired before the idle timeout")
	}

	mu.Lock()
	now = now.Add(11 * time.Second)
	mu.Unlock()
	h.manager.expireIdle()
	waitFor(t, "idle call to fail", func() bool { return h.status(t, call.ID) == calls.StatusFailed })
}

func TestShutdownStopsAllSessions(t *testing.T) {
	h := newHarness(t, voice.MockConfig{}, nil)
	ctx := context.Background()
	first := h.liveCall(t, "CA7")
	second := h.liveCall(t, "CA8")
	_ = h.manager.StartSession(ctx, first.ID, first.CallSID, &fakeSink{})
	_ = h.manager.StartSession(ctx, second.ID, second.CallSID, &fakeSink{})

	if err := h.manager.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	if h.manager.ActiveCount() != 0 {
		t.Fatalf("ActiveCount() = %d after shutdown", h.manager.ActiveCount())
	}
	for _, id := range []string{first.ID, second.ID} {
		if st := h.status(t, id); st != calls.StatusFailed {
			t.Fatalf("call %s status = %s, want failed", id, st)
		}
	}
	if err := h.manager.StartSession(ctx, "late", "CA9", &fakeSink{}); !errors.Is(err, ErrManagerClosed) {
		t.Fatalf("StartSession() after shutdown error = %v", err)
	}
}

func TestQueueEvictsOldest(t *testing.T) {
	q := NewQueue[int](2)
	q.Push(1)
	q.Push(2)
	if evicted, _ := q.Push(3); !evicted {
		t.Fatalf("Push() on full queue did not evict")
	}
	q.Close()
	if _, ok := q.Push(4); ok {
		t.Fatalf("Push() accepted after Close")
	}
	ctx := context.Background()
	if v, ok := q.Pop(ctx); !ok || v != 2 {
		t.Fatalf("Pop() = %d, %v; want 2", v, ok)
	}
	if v, ok := q.Pop(ctx); !ok || v != 3 {
		t.Fatalf("Pop() = %d, %v; want 3", v, ok)
	}
	if _, ok := q.Pop(ctx); ok {
		t.Fatalf("Pop() on closed empty queue returned an item")
	}
	if q.Dropped() != 1 {
		t.Fatalf("Dropped() = %d, want 1", q.Dropped())
	}
}

func TestDBLockerLeaseHeldElsewhere(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	locker, err := NewDBLocker(db, DBLockerConfig{OwnerID: "node-1", TTL: time.Minute, RefreshInterval: time.Hour})
	if err != nil {
		t.Fatalf("NewDBLocker: %v", err)
	}
	defer locker.Close()

	mock.ExpectQuery("INSERT INTO bridge_session_locks").
		WithArgs("call-1", "node-1", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"owner_id"}).AddRow("node-1"))
	ok, err := locker.TryLock(context.Background(), "call-1")
	if err != nil || !ok {
		t.Fatalf("TryLock(call-1) = %v, %v", ok, err)
	}

	mock.ExpectQuery("INSERT INTO bridge_session_locks").
		WithArgs("call-2", "node-1", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnError(sql.ErrNoRows)
	ok, err = locker.TryLock(context.Background(), "call-2")
	if err != nil || ok {
		t.Fatalf("TryLock(call-2) = %v, %v; want false, nil", ok, err)
	}

	mock.ExpectExec("DELETE FROM bridge_session_locks").
		WithArgs("call-1", "node-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	locker.Unlock("call-1")

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}
