package qa

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/ent0n29/callbridge/internal/calls"
	"github.com/ent0n29/callbridge/internal/events"
	"github.com/ent0n29/callbridge/internal/observability"
	"github.com/ent0n29/callbridge/internal/store"
)

// ErrQueueFull is returned by Enqueue when the job queue has no room.
var ErrQueueFull = errors.New("qa queue full")

// Escalator requests a human takeover for a call with a poor running score.
type Escalator interface {
	EscalateForQA(ctx context.Context, callID, reason string) error
}

type PipelineConfig struct {
	Store    store.Store
	Scorer   *Scorer
	Policies PolicySource
	Bus      *events.Bus
	Logger   *zap.Logger
	Metrics  *observability.Metrics
	Tracer   *observability.Tracer

	AlertThreshold float64
	Workers        int
	QueueSize      int
	// SettleDelay is how long a job waits after the call ends so that
	// transcript writes still in flight land before scoring.
	SettleDelay time.Duration

	Escalator      Escalator
	LiveEscalation bool
	LiveMinTurns   int
	LiveThreshold  float64
}

type job struct {
	callID string
	at     time.Time
}

// Pipeline scores finished calls off the live call path and raises alerts
// for low scores.
type Pipeline struct {
	cfg    PipelineConfig
	logger *zap.Logger

	jobs chan job

	mu      sync.Mutex
	closed  bool
	started bool
	wg      sync.WaitGroup
	cancel  context.CancelFunc

	liveMu    sync.Mutex
	escalated map[string]struct{}
}

func NewPipeline(cfg PipelineConfig) *Pipeline {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Scorer == nil {
		cfg.Scorer = NewScorer(ScorerConfig{Policies: cfg.Policies, Logger: cfg.Logger})
	}
	if cfg.Policies == nil {
		cfg.Policies = StaticPolicy(DefaultPolicy())
	}
	if cfg.AlertThreshold <= 0 {
		cfg.AlertThreshold = 0.6
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.LiveMinTurns <= 0 {
		cfg.LiveMinTurns = 4
	}
	if cfg.LiveThreshold <= 0 {
		cfg.LiveThreshold = 0.4
	}
	return &Pipeline{
		cfg:       cfg,
		logger:    cfg.Logger,
		jobs:      make(chan job, cfg.QueueSize),
		escalated: make(map[string]struct{}),
	}
}

// Start launches the scoring workers. They run until ctx is cancelled or
// Close is called.
func (p *Pipeline) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started || p.closed {
		return
	}
	p.started = true
	ctx, p.cancel = context.WithCancel(ctx)
	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}
}

// Enqueue schedules callID for scoring without blocking.
func (p *Pipeline) Enqueue(callID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return errors.New("qa pipeline closed")
	}
	select {
	case p.jobs <- job{callID: callID, at: time.Now()}:
		return nil
	default:
		p.countJob("dropped")
		p.logger.Warn("qa queue full; job dropped", zap.String("call_id", callID))
		return ErrQueueFull
	}
}

// Close stops intake and waits for workers to finish the jobs already
// queued.
func (p *Pipeline) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.jobs)
	p.mu.Unlock()
	p.wg.Wait()
	p.mu.Lock()
	if p.cancel != nil {
		p.cancel()
	}
	p.mu.Unlock()
}

func (p *Pipeline) worker(ctx context.Context) {
	defer p.wg.Done()
	for j := range p.jobs {
		if wait := time.Until(j.at.Add(p.cfg.SettleDelay)); wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
			}
		}
		if ctx.Err() != nil {
			// Shutting down: drain without scoring so Close returns.
			continue
		}
		jobCtx, cancel := context.WithTimeout(ctx, time.Minute)
		_, err := p.ScoreCall(jobCtx, j.callID)
		cancel()
		switch {
		case err == nil:
		case errors.Is(err, calls.ErrInsufficientData):
			p.logger.Info("qa skipped call without transcript", zap.String("call_id", j.callID))
		default:
			p.logger.Error("qa scoring failed", zap.String("call_id", j.callID), zap.Error(err))
		}
	}
}

// ScoreCall scores the stored transcript of an ended call, persists the
// score and publishes it. A score under the alert threshold publishes one
// qa.alert. Live calls are rejected; ScoreRunning covers them.
func (p *Pipeline) ScoreCall(ctx context.Context, callID string) (score calls.QAScore, err error) {
	ctx, span := p.cfg.Tracer.Start(ctx, "qa.score_call", attribute.String("call.id", callID))
	defer func() { observability.End(span, err) }()
	begin := time.Now()
	defer func() {
		if err == nil {
			p.cfg.Metrics.ObserveStage(observability.StageQAScore, time.Since(begin))
		}
	}()

	call, err := p.cfg.Store.GetCall(ctx, callID)
	if err != nil {
		p.countJob("error")
		return calls.QAScore{}, err
	}
	if !call.Status.Terminal() {
		p.countJob("not_ended")
		return calls.QAScore{}, calls.InvalidTransition("qa score for call "+callID, call.Status, "scored")
	}
	interactions, err := p.cfg.Store.ListInteractions(ctx, callID)
	if err != nil {
		p.countJob("error")
		return calls.QAScore{}, fmt.Errorf("load transcript: %w", err)
	}
	score, err = p.cfg.Scorer.Score(ctx, callID, interactions)
	if err != nil {
		if errors.Is(err, calls.ErrInsufficientData) {
			p.countJob("insufficient_data")
		} else {
			p.countJob("error")
		}
		return calls.QAScore{}, err
	}
	if err := p.cfg.Store.SaveQAScore(ctx, score); err != nil {
		p.countJob("error")
		return calls.QAScore{}, fmt.Errorf("save qa score: %w", err)
	}
	p.countJob("scored")
	if p.cfg.Metrics != nil {
		p.cfg.Metrics.QAScores.Observe(score.Overall)
	}
	span.SetAttributes(attribute.Float64("qa.overall", score.Overall))

	p.publish(events.Event{
		Type:   events.TypeQAScored,
		CallID: callID,
		Score:  ptr(score.Overall),
		Flags:  score.Flags,
		Detail: string(score.SentimentLabel),
	})

	threshold := p.cfg.Policies.Current().AlertThresholdOr(p.cfg.AlertThreshold)
	if score.Overall < threshold {
		if p.cfg.Metrics != nil {
			p.cfg.Metrics.QAAlerts.Inc()
		}
		p.logger.Warn("qa alert",
			zap.String("call_id", callID),
			zap.Float64("overall", score.Overall),
			zap.Strings("flags", score.Flags))
		p.publish(events.Event{
			Type:   events.TypeQAAlert,
			CallID: callID,
			Score:  ptr(score.Overall),
			Flags:  score.Flags,
		})
	}
	return score, nil
}

// Attach enqueues every ended call for scoring and, when live escalation is
// on, watches running transcripts.
func (p *Pipeline) Attach(bus *events.Bus) func() {
	return bus.Subscribe("qa", events.Options{Buffer: 1024, Lossy: true}, func(ctx context.Context, ev events.Event) {
		switch ev.Type {
		case events.TypeCallTerminal:
			p.forgetLive(ev.CallID)
			_ = p.Enqueue(ev.CallID)
		case events.TypeInteractionAppended:
			if p.cfg.LiveEscalation {
				p.monitor(ctx, ev.CallID)
			}
		}
	})
}

// monitor re-scores a running transcript and asks for a human once per call
// when the score sinks below the live threshold.
func (p *Pipeline) monitor(ctx context.Context, callID string) {
	if p.cfg.Escalator == nil || p.liveDone(callID) {
		return
	}
	call, err := p.cfg.Store.GetCall(ctx, callID)
	if err != nil || call.Status != calls.StatusInProgress {
		return
	}
	interactions, err := p.cfg.Store.ListInteractions(ctx, callID)
	if err != nil || len(interactions) < p.cfg.LiveMinTurns {
		return
	}
	score, err := p.cfg.Scorer.ScoreRunning(ctx, callID, interactions)
	if err != nil {
		return
	}
	threshold := p.cfg.Policies.Current().LiveThresholdOr(p.cfg.LiveThreshold)
	if score.Overall >= threshold || !p.claimLive(callID) {
		return
	}

	reason := fmt.Sprintf("running qa score %.3f below %.3f", score.Overall, threshold)
	if err := p.cfg.Escalator.EscalateForQA(ctx, callID, reason); err != nil {
		p.logger.Warn("qa escalation failed",
			zap.String("call_id", callID),
			zap.Float64("overall", score.Overall),
			zap.Error(err))
		return
	}
	p.logger.Info("call escalated on running qa score",
		zap.String("call_id", callID),
		zap.Float64("overall", score.Overall))
}

func (p *Pipeline) liveDone(callID string) bool {
	p.liveMu.Lock()
	defer p.liveMu.Unlock()
	_, ok := p.escalated[callID]
	return ok
}

func (p *Pipeline) claimLive(callID string) bool {
	p.liveMu.Lock()
	defer p.liveMu.Unlock()
	if _, ok := p.escalated[callID]; ok {
		return false
	}
	p.escalated[callID] = struct{}{}
	return true
}

func (p *Pipeline) forgetLive(callID string) {
	p.liveMu.Lock()
	delete(p.escalated, callID)
	p.liveMu.Unlock()
}

func (p *Pipeline) countJob(result string) {
	if p.cfg.Metrics != nil {
		p.cfg.Metrics.QAJobs.WithLabelValues(result).Inc()
	}
}

func (p *Pipeline) publish(ev events.Event) {
	if p.cfg.Bus != nil {
		p.cfg.Bus.Publish(ev)
	}
}
