package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap/zaptest"

	"github.com/ent0n29/callbridge/internal/events"
	"github.com/ent0n29/callbridge/internal/observability"
	"github.com/ent0n29/callbridge/internal/reliability"
)

type recordingSink struct {
	name string
	err  error
	wait time.Duration

	mu  sync.Mutex
	got []events.Event
}

func (s *recordingSink) Name() string { return s.name }

func (s *recordingSink) Notify(ctx context.Context, ev events.Event) error {
	if s.wait > 0 {
		select {
		case <-time.After(s.wait):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s.mu.Lock()
	s.got = append(s.got, ev)
	s.mu.Unlock()
	return s.err
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.got)
}

func TestDispatcherIsolatesFailingSinks(t *testing.T) {
	metrics := observability.NewMetricsWithRegistry("notify_test", prometheus.NewRegistry())
	good := &recordingSink{name: "good"}
	bad := &recordingSink{name: "bad", err: errors.New("boom")}
	slow := &recordingSink{name: "slow", wait: time.Second}
	d := NewDispatcher(DispatcherConfig{
		Sinks:   []Sink{good, bad, slow},
		Timeout: 30 * time.Millisecond,
		Logger:  zaptest.NewLogger(t),
		Metrics: metrics,
	})

	start := time.Now()
	d.Dispatch(context.Background(), events.Event{Type: events.TypeQAAlert, CallID: "c1"})
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Fatalf("Dispatch() took %v, slow sink not bounded by timeout", elapsed)
	}
	if good.count() != 1 {
		t.Fatalf("good sink got %d events, want 1", good.count())
	}
	if got := testutil.ToFloat64(metrics.NotifierDeliveries.WithLabelValues("bad", "error")); got != 1 {
		t.Fatalf("bad sink errors = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.NotifierDeliveries.WithLabelValues("slow", "error")); got != 1 {
		t.Fatalf("slow sink errors = %v, want 1", got)
	}
}

func TestOnlyFiltersEventTypes(t *testing.T) {
	inner := &recordingSink{name: "inner"}
	sink := Only(inner, events.TypeQAAlert)
	_ = sink.Notify(context.Background(), events.Event{Type: events.TypeCallCreated})
	_ = sink.Notify(context.Background(), events.Event{Type: events.TypeQAAlert})
	if inner.count() != 1 {
		t.Fatalf("inner sink got %d events, want 1", inner.count())
	}
	if sink.Name() != "inner" {
		t.Fatalf("Name() = %q, want inner", sink.Name())
	}
}

func TestDispatcherAttachReceivesBusEvents(t *testing.T) {
	bus := events.NewBus(zaptest.NewLogger(t))
	defer bus.Close()
	sink := &recordingSink{name: "rec"}
	detach := NewDispatcher(DispatcherConfig{Sinks: []Sink{sink}}).Attach(bus)
	defer detach()

	bus.Publish(events.Event{Type: events.TypeCallEscalated, CallID: "c1"})
	deadline := time.Now().Add(time.Second)
	for sink.count() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("sink never received the event")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestWebhookSinkRetriesServerErrors(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(EventHeader) != string(events.TypeQAAlert) {
			t.Errorf("event header = %q", r.Header.Get(EventHeader))
		}
		var ev events.Event
		if err := json.NewDecoder(r.Body).Decode(&ev); err != nil || ev.CallID != "c1" {
			t.Errorf("body decode = %+v, %v", ev, err)
		}
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	sink, err := NewWebhookSink(WebhookConfig{URL: srv.URL, Retry: reliability.Policy{Attempts: 3, Base: time.Millisecond, Cap: time.Millisecond}})
	if err != nil {
		t.Fatalf("NewWebhookSink() error = %v", err)
	}
	if err := sink.Notify(context.Background(), events.Event{Type: events.TypeQAAlert, CallID: "c1"}); err != nil {
		t.Fatalf("Notify() error = %v", err)
	}
	if hits.Load() != 2 {
		t.Fatalf("hits = %d, want 2", hits.Load())
	}
}

func TestWebhookSinkDoesNotRetryClientErrors(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	sink, err := NewWebhookSink(WebhookConfig{URL: srv.URL, Retry: reliability.Policy{Attempts: 3, Base: time.Millisecond, Cap: time.Millisecond}})
	if err != nil {
		t.Fatalf("NewWebhookSink() error = %v", err)
	}
	if err := sink.Notify(context.Background(), events.Event{Type: events.TypeQAAlert}); err == nil {
		t.Fatalf("Notify() error = nil for 400")
	}
	if hits.Load() != 1 {
		t.Fatalf("hits = %d, want 1", hits.Load())
	}
	if _, err := NewWebhookSink(WebhookConfig{URL: "ftp://example.com"}); err == nil {
		t.Fatalf("NewWebhookSink() error = nil for ftp url")
	}
}

func TestHubBroadcastsToWatchers(t *testing.T) {
	hub := NewHub(websocket.Upgrader{}, zaptest.NewLogger(t))
	srv := httptest.NewServer(hub)
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(time.Second)
	for hub.Watchers() != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("watcher never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := hub.Notify(context.Background(), events.Event{Type: events.TypeCallTerminal, CallID: "c9"}); err != nil {
		t.Fatalf("Notify() error = %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(time.Second))
	var ev events.Event
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("ReadJSON() error = %v", err)
	}
	if ev.Type != events.TypeCallTerminal || ev.CallID != "c9" {
		t.Fatalf("event = %+v, want call.terminal for c9", ev)
	}

	_ = conn.Close()
	deadline = time.Now().Add(time.Second)
	for hub.Watchers() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("watcher not removed after disconnect")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
