// Package notify delivers lifecycle events to operators: logs, an outbound
// webhook and websocket watchers.
package notify

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ent0n29/callbridge/internal/events"
	"github.com/ent0n29/callbridge/internal/observability"
)

// Sink receives events. Implementations must be safe for concurrent use.
type Sink interface {
	Name() string
	Notify(ctx context.Context, ev events.Event) error
}

type filtered struct {
	Sink
	types map[events.Type]struct{}
}

func (f filtered) Notify(ctx context.Context, ev events.Event) error {
	if _, ok := f.types[ev.Type]; !ok {
		return nil
	}
	return f.Sink.Notify(ctx, ev)
}

// Only restricts sink to the listed event types.
func Only(sink Sink, types ...events.Type) Sink {
	set := make(map[events.Type]struct{}, len(types))
	for _, t := range types {
		set[t] = struct{}{}
	}
	return filtered{Sink: sink, types: set}
}

type DispatcherConfig struct {
	Sinks []Sink
	// Timeout bounds each sink's delivery of one event.
	Timeout time.Duration
	Logger  *zap.Logger
	Metrics *observability.Metrics
}

// Dispatcher fans events out to every sink in parallel. Sink failures are
// logged and counted, never returned to the publisher.
type Dispatcher struct {
	sinks   []Sink
	timeout time.Duration
	logger  *zap.Logger
	metrics *observability.Metrics
}

func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Dispatcher{
		sinks:   cfg.Sinks,
		timeout: cfg.Timeout,
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
	}
}

// Attach subscribes the dispatcher to bus. The subscription is lossy so a
// slow sink never holds up call handling.
func (d *Dispatcher) Attach(bus *events.Bus) func() {
	return bus.Subscribe("notify", events.Options{Buffer: 1024, Lossy: true}, d.Dispatch)
}

func (d *Dispatcher) Dispatch(ctx context.Context, ev events.Event) {
	var wg sync.WaitGroup
	for _, sink := range d.sinks {
		wg.Add(1)
		go func(sink Sink) {
			defer wg.Done()
			sctx, cancel := context.WithTimeout(ctx, d.timeout)
			defer cancel()
			err := sink.Notify(sctx, ev)
			result := "ok"
			if err != nil {
				result = "error"
				d.logger.Warn("notification failed",
					zap.String("sink", sink.Name()),
					zap.String("type", string(ev.Type)),
					zap.String("call_id", ev.CallID),
					zap.Error(err))
			}
			if d.metrics != nil {
				d.metrics.NotifierDeliveries.WithLabelValues(sink.Name(), result).Inc()
			}
		}(sink)
	}
	wg.Wait()
}

// LogSink writes each event as a structured log line.
type LogSink struct {
	logger *zap.Logger
}

func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Notify(_ context.Context, ev events.Event) error {
	fields := []zap.Field{
		zap.String("type", string(ev.Type)),
		zap.String("event_id", ev.ID),
		zap.String("call_id", ev.CallID),
	}
	if ev.To != "" {
		fields = append(fields, zap.String("from", string(ev.From)), zap.String("to", string(ev.To)))
	}
	if ev.Reason != "" {
		fields = append(fields, zap.String("reason", ev.Reason))
	}
	if ev.Score != nil {
		fields = append(fields, zap.Float64("score", *ev.Score))
	}
	if len(ev.Flags) > 0 {
		fields = append(fields, zap.Strings("flags", ev.Flags))
	}
	if ev.EscalationID != "" {
		fields = append(fields, zap.String("escalation_id", ev.EscalationID), zap.String("agent_id", ev.AgentID))
	}
	if ev.Type == events.TypeQAAlert || ev.Type == events.TypeSessionDegraded {
		s.logger.Warn("call event", fields...)
		return nil
	}
	s.logger.Info("call event", fields...)
	return nil
}
