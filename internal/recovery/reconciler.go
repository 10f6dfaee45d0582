// Package recovery repairs state a crash or lost webhook left behind: calls
// stuck in a live status with nobody carrying their media, and finished
// calls that never got a QA score.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/ent0n29/callbridge/internal/calls"
	"github.com/ent0n29/callbridge/internal/store"
)

// ReasonOrphaned is the end reason recorded on reconciled calls.
const ReasonOrphaned = "orphaned"

const batchSize = 500

// SessionTracker reports whether a bridge session is carrying a call.
type SessionTracker interface {
	Active(callID string) bool
}

type Terminator interface {
	MarkTerminal(ctx context.Context, callID string, status calls.Status, reason string) (calls.Call, bool, error)
}

type Enqueuer interface {
	Enqueue(callID string) error
}

type Config struct {
	Store    store.Store
	Resolver Terminator
	Sessions SessionTracker
	QA       Enqueuer
	// StaleAfter is how long a call may sit in initiated or ringing.
	StaleAfter time.Duration
	// InProgressGrace gives a freshly answered call time to open its media
	// stream before it counts as orphaned.
	InProgressGrace time.Duration
	Logger          *zap.Logger
	Now             func() time.Time
}

type Reconciler struct {
	cfg Config

	mu   sync.Mutex
	cron *cron.Cron
}

func New(cfg Config) *Reconciler {
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 10 * time.Minute
	}
	if cfg.InProgressGrace <= 0 {
		cfg.InProgressGrace = time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Reconciler{cfg: cfg}
}

// ReconcileOrphans fails in-progress calls without a live session and
// pre-answer calls older than StaleAfter. It returns how many calls it
// ended.
func (r *Reconciler) ReconcileOrphans(ctx context.Context) (int, error) {
	now := r.cfg.Now().UTC()
	ended := 0

	live, err := r.cfg.Store.ListCallsByStatus(ctx, []calls.Status{calls.StatusInProgress}, now.Add(-r.cfg.InProgressGrace), batchSize)
	if err != nil {
		return 0, fmt.Errorf("list in-progress calls: %w", err)
	}
	for _, c := range live {
		if r.cfg.Sessions != nil && r.cfg.Sessions.Active(c.ID) {
			continue
		}
		if r.end(ctx, c) {
			ended++
		}
	}

	stale, err := r.cfg.Store.ListCallsByStatus(ctx, []calls.Status{calls.StatusInitiated, calls.StatusRinging}, now.Add(-r.cfg.StaleAfter), batchSize)
	if err != nil {
		return ended, fmt.Errorf("list stale calls: %w", err)
	}
	for _, c := range stale {
		if r.end(ctx, c) {
			ended++
		}
	}
	if ended > 0 {
		r.cfg.Logger.Info("orphaned calls reconciled", zap.Int("count", ended))
	}
	return ended, nil
}

func (r *Reconciler) end(ctx context.Context, c calls.Call) bool {
	_, transitioned, err := r.cfg.Resolver.MarkTerminal(ctx, c.ID, calls.StatusFailed, ReasonOrphaned)
	if err != nil {
		r.cfg.Logger.Warn("failed to reconcile call",
			zap.String("call_id", c.ID),
			zap.String("status", string(c.Status)),
			zap.Error(err))
		return false
	}
	return transitioned
}

// Rescore queues completed calls that ended after since and have no score.
func (r *Reconciler) Rescore(ctx context.Context, since time.Time) (int, error) {
	if r.cfg.QA == nil {
		return 0, errors.New("rescore: qa pipeline not configured")
	}
	pending, err := r.cfg.Store.ListUnscored(ctx, since, batchSize)
	if err != nil {
		return 0, fmt.Errorf("list unscored calls: %w", err)
	}
	queued := 0
	for _, c := range pending {
		if err := r.cfg.QA.Enqueue(c.ID); err != nil {
			return queued, fmt.Errorf("enqueue %s: %w", c.ID, err)
		}
		queued++
	}
	if queued > 0 {
		r.cfg.Logger.Info("unscored calls queued for qa", zap.Int("count", queued))
	}
	return queued, nil
}

var scheduleParser = cron.NewParser(
	cron.SecondOptional |
		cron.Minute |
		cron.Hour |
		cron.Dom |
		cron.Month |
		cron.Dow |
		cron.Descriptor,
)

// Schedule runs ReconcileOrphans and Rescore (over the last lookback) on
// spec until ctx is done or Stop is called.
func (r *Reconciler) Schedule(ctx context.Context, spec string, lookback time.Duration) error {
	if spec == "" {
		spec = "@every 1m"
	}
	if lookback <= 0 {
		lookback = 24 * time.Hour
	}
	c := cron.New(cron.WithParser(scheduleParser), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := c.AddFunc(spec, func() { r.runOnce(ctx, lookback) }); err != nil {
		return fmt.Errorf("invalid recovery schedule %q: %w", spec, err)
	}

	r.mu.Lock()
	if r.cron != nil {
		r.mu.Unlock()
		return errors.New("recovery already scheduled")
	}
	r.cron = c
	r.mu.Unlock()

	c.Start()
	go func() {
		<-ctx.Done()
		r.Stop()
	}()
	return nil
}

func (r *Reconciler) runOnce(ctx context.Context, lookback time.Duration) {
	if ctx.Err() != nil {
		return
	}
	if _, err := r.ReconcileOrphans(ctx); err != nil {
		r.cfg.Logger.Warn("orphan reconciliation failed", zap.Error(err))
	}
	if r.cfg.QA != nil {
		if _, err := r.Rescore(ctx, r.cfg.Now().Add(-lookback)); err != nil {
			r.cfg.Logger.Warn("rescore failed", zap.Error(err))
		}
	}
}

// Stop halts the schedule and waits for a running pass to finish.
func (r *Reconciler) Stop() {
	r.mu.Lock()
	c := r.cron
	r.cron = nil
	r.mu.Unlock()
	if c != nil {
		<-c.Stop().Done()
	}
}
