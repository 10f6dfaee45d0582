package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ent0n29/callbridge/internal/audio"
	"github.com/ent0n29/callbridge/internal/bridge"
	"github.com/ent0n29/callbridge/internal/config"
	"github.com/ent0n29/callbridge/internal/escalation"
	"github.com/ent0n29/callbridge/internal/events"
	"github.com/ent0n29/callbridge/internal/httpapi"
	"github.com/ent0n29/callbridge/internal/lifecycle"
	"github.com/ent0n29/callbridge/internal/notify"
	"github.com/ent0n29/callbridge/internal/observability"
	"github.com/ent0n29/callbridge/internal/qa"
	"github.com/ent0n29/callbridge/internal/recovery"
	"github.com/ent0n29/callbridge/internal/reliability"
	"github.com/ent0n29/callbridge/internal/store"
	"github.com/ent0n29/callbridge/internal/transport"
)

// Version is stamped at build time with -ldflags.
var Version = "dev"

type VoiceInfo struct {
	Engine string
	Detail string
}

type BuildResult struct {
	Config      config.Config
	Logger      *zap.Logger
	API         *httpapi.Server
	Store       store.Store
	Bus         *events.Bus
	Machine     *lifecycle.Machine
	Bridge      *bridge.Manager
	Escalations *escalation.Coordinator
	Pipeline    *qa.Pipeline
	Policies    *qa.PolicyStore
	Dispatcher  *notify.Dispatcher
	Reconciler  *recovery.Reconciler
	Metrics     *observability.Metrics
	Voice       VoiceInfo

	detach   []func()
	closers  []func() error
	shutdown func(context.Context) error
}

// Build assembles the service from cfg. Nothing runs in the background
// until Start is called.
func Build(ctx context.Context, cfg config.Config) (*BuildResult, error) {
	logger, err := observability.NewLogger(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	logger = logger.With(zap.String("service", "callbridge"), zap.String("env", cfg.Environment))

	res := &BuildResult{Config: cfg, Logger: logger}
	fail := func(err error) (*BuildResult, error) {
		_ = res.Close(context.Background())
		return nil, err
	}

	tracer, traceShutdown, err := observability.NewTracer(observability.TraceConfig{
		ServiceName:    "callbridge",
		ServiceVersion: Version,
		Environment:    cfg.Environment,
		Endpoint:       cfg.OTelEndpoint,
		SamplingRate:   cfg.OTelSamplingRate,
		Insecure:       cfg.OTelInsecure,
	})
	if err != nil {
		return fail(fmt.Errorf("tracer init failed: %w", err))
	}
	res.shutdown = traceShutdown
	metrics := observability.NewMetrics(cfg.MetricsNamespace)
	res.Metrics = metrics

	st, err := store.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return fail(fmt.Errorf("store init failed: %w", err))
	}
	res.Store = st
	res.closers = append(res.closers, st.Close)

	bus := events.NewBus(logger.Named("events"))
	bus.SetDropHook(func(subscriber string, _ events.Event) {
		metrics.EventsDropped.WithLabelValues(subscriber).Inc()
	})
	res.Bus = bus

	var adapter transport.Adapter
	if cfg.TransportConfigured() {
		client, err := transport.NewClient(transport.ClientConfig{
			AccountSID: cfg.TwilioAccountSID,
			AuthToken:  cfg.TwilioAuthToken,
			BaseURL:    cfg.TwilioBaseURL,
			FromNumber: cfg.TwilioFromNumber,
			PublicURL:  cfg.PublicURL,
			Retry: reliability.Policy{
				Attempts: cfg.TransportMaxRetries + 1,
				Base:     200 * time.Millisecond,
				Cap:      2 * time.Second,
			},
			Metrics: metrics,
		})
		if err != nil {
			return fail(fmt.Errorf("transport init failed: %w", err))
		}
		adapter = client
	} else {
		logger.Warn("telephony transport not configured; outbound calls and hangups are disabled")
	}

	engine, err := resolveVoiceEngine(cfg, logger)
	if err != nil {
		return fail(err)
	}
	res.Voice = VoiceInfo{Engine: engine.resolved, Detail: engine.detail}

	var fallbackClip *audio.Clip
	if path := strings.TrimSpace(cfg.BridgeFallbackWAV); path != "" {
		clip, err := audio.ReadWAVFile(path)
		if err != nil {
			return fail(fmt.Errorf("fallback clip load failed: %w", err))
		}
		fallbackClip = &clip
	}

	locker, err := newLocker(cfg, st, logger)
	if err != nil {
		return fail(err)
	}
	if c, ok := locker.(interface{ Close() error }); ok {
		res.closers = append(res.closers, c.Close)
	}

	machine := lifecycle.New(lifecycle.Config{
		Store:      st,
		Transport:  adapter,
		Bus:        bus,
		Logger:     logger.Named("lifecycle"),
		Metrics:    metrics,
		Tracer:     tracer,
		FromNumber: cfg.TwilioFromNumber,
	})
	res.Machine = machine

	manager := bridge.NewManager(bridge.Config{
		Store:        st,
		Engine:       engine.engine,
		Resolver:     machine,
		Transport:    adapter,
		Bus:          bus,
		Locker:       locker,
		Logger:       logger.Named("bridge"),
		Metrics:      metrics,
		Tracer:       tracer,
		QueueSize:    cfg.BridgeQueueSize,
		GracePeriod:  cfg.BridgeGracePeriod,
		IdleTimeout:  cfg.BridgeIdleTimeout,
		FallbackText: cfg.BridgeFallbackText,
		FallbackClip: fallbackClip,
	})
	res.Bridge = manager

	coord := escalation.New(escalation.Config{
		Store:     st,
		Machine:   machine,
		Transport: adapter,
		Transfer:  cfg.EscalationTransfer,
		Bus:       bus,
		Logger:    logger.Named("escalation"),
		Metrics:   metrics,
		Tracer:    tracer,
	})
	res.Escalations = coord

	policies, err := qa.NewPolicyStore(cfg.QAPolicyPath, logger.Named("qa"))
	if err != nil {
		return fail(fmt.Errorf("qa policy load failed: %w", err))
	}
	res.Policies = policies
	res.closers = append(res.closers, policies.Close)

	accuracy, err := newAccuracyEvaluator(cfg)
	if err != nil {
		return fail(err)
	}
	scorer := qa.NewScorer(qa.ScorerConfig{
		Policies: policies,
		Accuracy: accuracy,
		Logger:   logger.Named("qa"),
	})
	pipeline := qa.NewPipeline(qa.PipelineConfig{
		Store:          st,
		Scorer:         scorer,
		Policies:       policies,
		Bus:            bus,
		Logger:         logger.Named("qa"),
		Metrics:        metrics,
		Tracer:         tracer,
		AlertThreshold: cfg.QAAlertThreshold,
		Workers:        cfg.QAWorkers,
		QueueSize:      cfg.QAQueueSize,
		SettleDelay:    cfg.QASettleDelay,
		Escalator:      coord,
		LiveEscalation: cfg.QALiveEscalation,
		LiveMinTurns:   cfg.QALiveMinTurns,
		LiveThreshold:  cfg.QALiveThreshold,
	})
	res.Pipeline = pipeline

	hub := notify.NewHub(httpapi.NewUpgrader(cfg.PublicURL), logger.Named("hub"))
	sinks := []notify.Sink{notify.NewLogSink(logger.Named("notify")), hub}
	if u := strings.TrimSpace(cfg.NotifyWebhookURL); u != "" {
		webhook, err := notify.NewWebhookSink(notify.WebhookConfig{URL: u})
		if err != nil {
			return fail(fmt.Errorf("notify webhook init failed: %w", err))
		}
		sinks = append(sinks, notify.Only(webhook,
			events.TypeQAAlert,
			events.TypeCallEscalated,
			events.TypeEscalationUpdated,
			events.TypeCallTerminal,
			events.TypeSessionDegraded,
		))
	}
	res.Dispatcher = notify.NewDispatcher(notify.DispatcherConfig{
		Sinks:   sinks,
		Timeout: cfg.NotifyTimeout,
		Logger:  logger.Named("notify"),
		Metrics: metrics,
	})

	res.Reconciler = recovery.New(recovery.Config{
		Store:      st,
		Resolver:   machine,
		Sessions:   manager,
		QA:         pipeline,
		StaleAfter: cfg.RecoveryStaleAfter,
		Logger:     logger.Named("recovery"),
	})

	var ready func(context.Context) error
	if p, ok := st.(interface{ Ping(context.Context) error }); ok {
		ready = p.Ping
	}
	res.API = httpapi.New(httpapi.Deps{
		Config:      cfg,
		Store:       st,
		Machine:     machine,
		Bridge:      manager,
		Escalations: coord,
		QA:          pipeline,
		Hub:         hub,
		Transport:   adapter,
		Metrics:     metrics,
		Logger:      logger.Named("http"),
		Ready:       ready,
	})

	logger.Info("callbridge assembled",
		zap.String("store", st.Mode()),
		zap.String("voice_engine", engine.resolved),
		zap.String("voice_detail", engine.detail),
		zap.Bool("transport", adapter != nil),
		zap.String("lock_mode", cfg.BridgeLockMode),
	)
	return res, nil
}

// Start subscribes the components to the event bus and launches background
// work. It stops when ctx is cancelled or Close is called.
func (r *BuildResult) Start(ctx context.Context) error {
	r.detach = append(r.detach,
		r.Bridge.Attach(r.Bus),
		r.Escalations.Attach(r.Bus),
		r.Pipeline.Attach(r.Bus),
		r.Dispatcher.Attach(r.Bus),
	)
	r.Pipeline.Start(ctx)
	r.Bridge.StartJanitor(ctx, r.Config.BridgeJanitorPeriod)
	if r.Config.QAPolicyPath != "" {
		if err := r.Policies.Watch(ctx, 0); err != nil {
			return fmt.Errorf("watch qa policy: %w", err)
		}
	}

	if n, err := r.Reconciler.ReconcileOrphans(ctx); err != nil {
		r.Logger.Warn("startup reconcile failed", zap.Error(err))
	} else if n > 0 {
		r.Logger.Info("startup reconcile ended orphaned calls", zap.Int("count", n))
	}
	if err := r.Reconciler.Schedule(ctx, r.Config.RecoverySchedule, r.Config.RescoreLookback); err != nil {
		return fmt.Errorf("schedule recovery: %w", err)
	}
	return nil
}

// Close stops live sessions and background work, then releases resources.
// It is safe to call on a partially built result.
func (r *BuildResult) Close(ctx context.Context) error {
	var errs []error
	if r.Reconciler != nil {
		r.Reconciler.Stop()
	}
	if r.Bridge != nil {
		if err := r.Bridge.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("bridge shutdown: %w", err))
		}
	}
	// Detach after the bridge so the terminal events it publishes still
	// reach QA and the sinks.
	for _, detach := range r.detach {
		detach()
	}
	r.detach = nil
	if r.Pipeline != nil {
		r.Pipeline.Close()
	}
	if r.Bus != nil {
		r.Bus.Close()
	}
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	r.closers = nil
	if r.shutdown != nil {
		if err := r.shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("tracer shutdown: %w", err))
		}
	}
	if r.Logger != nil {
		_ = r.Logger.Sync()
	}
	return errors.Join(errs...)
}

func newLocker(cfg config.Config, st store.Store, logger *zap.Logger) (bridge.Locker, error) {
	if cfg.BridgeLockMode != "db" {
		return bridge.NewLocalLocker(), nil
	}
	pg, ok := st.(*store.PostgresStore)
	if !ok {
		return nil, fmt.Errorf("BRIDGE_LOCK_MODE=db requires DATABASE_URL")
	}
	locker, err := bridge.NewDBLocker(pg.SQLDB(), bridge.DBLockerConfig{
		OwnerID: cfg.BridgeInstanceID,
		TTL:     cfg.BridgeLockTTL,
		Logger:  logger.Named("lock"),
	})
	if err != nil {
		return nil, fmt.Errorf("bridge lock init failed: %w", err)
	}
	return locker, nil
}

func newAccuracyEvaluator(cfg config.Config) (qa.AccuracyEvaluator, error) {
	switch cfg.QAAccuracyMode {
	case "openai":
		e, err := qa.NewOpenAIAccuracy(qa.OpenAIAccuracyConfig{
			APIKey:  cfg.OpenAIAPIKey,
			BaseURL: cfg.OpenAIBaseURL,
			Model:   cfg.QAAccuracyModel,
		})
		if err != nil {
			return nil, fmt.Errorf("qa accuracy init failed: %w", err)
		}
		return e, nil
	default:
		return qa.FixedAccuracy(cfg.QAAccuracyPlaceholder), nil
	}
}
