package observability

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewLoggerRejectsUnknownFormat(t *testing.T) {
	if _, err := NewLogger("info", "xml"); err == nil {
		t.Fatalf("NewLogger() error = nil, want error for unknown format")
	}
	if _, err := NewLogger("loud", "json"); err == nil {
		t.Fatalf("NewLogger() error = nil, want error for unknown level")
	}
	logger, err := NewLogger("debug", "console")
	if err != nil {
		t.Fatalf("NewLogger() error = %v", err)
	}
	if !logger.Core().Enabled(-1) {
		t.Fatalf("debug level not enabled")
	}
}

func TestMetricsWithPrivateRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry("test", reg)
	m.FramesDropped.WithLabelValues("inbound", "queue_full").Inc()
	if got := testutil.ToFloat64(m.FramesDropped.WithLabelValues("inbound", "queue_full")); got != 1 {
		t.Fatalf("frames_dropped = %v, want 1", got)
	}
	// A second set on a fresh registry must not collide.
	_ = NewMetricsWithRegistry("test", prometheus.NewRegistry())
}

func TestTracerWithoutEndpointIsNoop(t *testing.T) {
	tracer, shutdown, err := NewTracer(TraceConfig{ServiceName: "callbridge-test"})
	if err != nil {
		t.Fatalf("NewTracer() error = %v", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	_, span := tracer.Start(context.Background(), "noop")
	End(span, errors.New("ignored"))
	if span.SpanContext().IsSampled() {
		t.Fatalf("noop tracer produced a sampled span")
	}
}
