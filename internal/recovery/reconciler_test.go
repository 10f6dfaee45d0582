package recovery

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/ent0n29/callbridge/internal/calls"
	"github.com/ent0n29/callbridge/internal/lifecycle"
	"github.com/ent0n29/callbridge/internal/store"
)

type liveSet map[string]bool

func (l liveSet) Active(callID string) bool { return l[callID] }

type recordingQueue struct {
	mu  sync.Mutex
	ids []string
	err error
}

func (q *recordingQueue) Enqueue(callID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.ids = append(q.ids, callID)
	return nil
}

func (q *recordingQueue) count() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ids)
}

func create(t *testing.T, st store.Store, id string, status calls.Status, started time.Time) {
	t.Helper()
	if err := st.CreateCall(context.Background(), calls.Call{
		ID: id, Status: status, Direction: calls.DirectionOutbound, StartedAt: started, UpdatedAt: started,
	}); err != nil {
		t.Fatalf("CreateCall() error = %v", err)
	}
}

func TestReconcileOrphans(t *testing.T) {
	ctx := context.Background()
	st := store.NewInMemoryStore()
	now := time.Now().UTC()
	old := now.Add(-time.Hour)

	create(t, st, "orphan", calls.StatusInProgress, old)
	create(t, st, "carried", calls.StatusInProgress, old)
	create(t, st, "fresh", calls.StatusInProgress, now)
	create(t, st, "stuck", calls.StatusRinging, old)
	create(t, st, "dialing", calls.StatusInitiated, now)
	create(t, st, "handed-off", calls.StatusEscalated, old)

	r := New(Config{
		Store:      st,
		Resolver:   lifecycle.New(lifecycle.Config{Store: st}),
		Sessions:   liveSet{"carried": true},
		StaleAfter: 10 * time.Minute,
		Logger:     zaptest.NewLogger(t),
		Now:        func() time.Time { return now },
	})
	n, err := r.ReconcileOrphans(ctx)
	if err != nil {
		t.Fatalf("ReconcileOrphans() error = %v", err)
	}
	if n != 2 {
		t.Fatalf("ReconcileOrphans() = %d, want 2", n)
	}

	want := map[string]calls.Status{
		"orphan":     calls.StatusFailed,
		"carried":    calls.StatusInProgress,
		"fresh":      calls.StatusInProgress,
		"stuck":      calls.StatusFailed,
		"dialing":    calls.StatusInitiated,
		"handed-off": calls.StatusEscalated,
	}
	for id, status := range want {
		c, err := st.GetCall(ctx, id)
		if err != nil {
			t.Fatalf("GetCall(%s) error = %v", id, err)
		}
		if c.Status != status {
			t.Fatalf("call %s status = %s, want %s", id, c.Status, status)
		}
		if status == calls.StatusFailed && c.EndReason != ReasonOrphaned {
			t.Fatalf("call %s end reason = %q, want %q", id, c.EndReason, ReasonOrphaned)
		}
	}

	if n, err := r.ReconcileOrphans(ctx); err != nil || n != 0 {
		t.Fatalf("second ReconcileOrphans() = %d, %v, want 0, nil", n, err)
	}
}

func TestRescoreQueuesUnscoredCalls(t *testing.T) {
	ctx := context.Background()
	st := store.NewInMemoryStore()
	machine := lifecycle.New(lifecycle.Config{Store: st})
	started := time.Now().UTC().Add(-time.Minute)

	for _, id := range []string{"a", "b", "scored"} {
		create(t, st, id, calls.StatusInProgress, started)
		if _, err := st.AppendInteraction(ctx, calls.Interaction{CallID: id, Speaker: calls.SpeakerAgent, Text: "hello", CreatedAt: started}); err != nil {
			t.Fatalf("AppendInteraction() error = %v", err)
		}
		if _, _, err := machine.MarkTerminal(ctx, id, calls.StatusCompleted, "test"); err != nil {
			t.Fatalf("MarkTerminal() error = %v", err)
		}
	}
	if err := st.SaveQAScore(ctx, calls.QAScore{ID: "s1", CallID: "scored", Overall: 0.9, CreatedAt: time.Now()}); err != nil {
		t.Fatalf("SaveQAScore() error = %v", err)
	}

	q := &recordingQueue{}
	r := New(Config{Store: st, Resolver: machine, QA: q})
	n, err := r.Rescore(ctx, started.Add(-time.Hour))
	if err != nil {
		t.Fatalf("Rescore() error = %v", err)
	}
	if n != 2 || q.count() != 2 {
		t.Fatalf("Rescore() = %d (queued %d), want 2", n, q.count())
	}

	q.err = errors.New("full")
	if _, err := r.Rescore(ctx, started.Add(-time.Hour)); err == nil {
		t.Fatalf("Rescore() error = nil with a failing queue")
	}
	if _, err := New(Config{Store: st}).Rescore(ctx, time.Time{}); err == nil {
		t.Fatalf("Rescore() error = nil without a queue")
	}
}

func TestScheduleRunsAndStops(t *testing.T) {
	st := store.NewInMemoryStore()
	create(t, st, "orphan", calls.StatusInProgress, time.Now().Add(-time.Hour))
	r := New(Config{Store: st, Resolver: lifecycle.New(lifecycle.Config{Store: st}), Sessions: liveSet{}})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := r.Schedule(ctx, "bad spec", time.Hour); err == nil {
		t.Fatalf("Schedule() error = nil for an invalid spec")
	}
	if err := r.Schedule(ctx, "@every 1s", time.Hour); err != nil {
		t.Fatalf("Schedule() error = %v", err)
	}
	if err := r.Schedule(ctx, "@every 1s", time.Hour); err == nil {
		t.Fatalf("second Schedule() error = nil")
	}

	deadline := time.Now().Add(3 * time.Second)
	for {
		c, _ := st.GetCall(context.Background(), "orphan")
		if c.Status == calls.StatusFailed {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("scheduled pass never reconciled the orphan")
		}
		time.Sleep(20 * time.Millisecond)
	}
	r.Stop()
}
