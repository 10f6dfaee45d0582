// Package bridge relays live call audio between the telephony media stream
// and the voice engine, one session per call.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/ent0n29/callbridge/internal/audio"
	"github.com/ent0n29/callbridge/internal/calls"
	"github.com/ent0n29/callbridge/internal/events"
	"github.com/ent0n29/callbridge/internal/observability"
	"github.com/ent0n29/callbridge/internal/store"
	"github.com/ent0n29/callbridge/internal/transport"
	"github.com/ent0n29/callbridge/internal/voice"
)

// StatusResolver applies the call status that follows a session stop.
type StatusResolver interface {
	MarkTerminal(ctx context.Context, callID string, status calls.Status, reason string) (calls.Call, bool, error)
}

type Config struct {
	Store     store.Store
	Engine    voice.Engine
	Resolver  StatusResolver
	Transport transport.Adapter
	Bus       *events.Bus
	Locker    Locker
	Logger    *zap.Logger
	Metrics   *observability.Metrics
	Tracer    *observability.Tracer

	QueueSize   int
	GracePeriod time.Duration
	IdleTimeout time.Duration
	// FallbackText is spoken and recorded when the engine fails mid-call.
	FallbackText string
	// FallbackClip, when set, is played over the media stream instead of
	// asking the provider to speak FallbackText.
	FallbackClip *audio.Clip
	Now          func() time.Time
}

type Manager struct {
	cfg     Config
	store   store.Store
	logger  *zap.Logger
	metrics *observability.Metrics
	now     func() time.Time

	mu       sync.Mutex
	sessions map[string]*session
	closed   bool

	background sync.WaitGroup
}

func NewManager(cfg Config) *Manager {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = observability.NoopTracer()
	}
	if cfg.Locker == nil {
		cfg.Locker = NewLocalLocker()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = 2 * time.Second
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 30 * time.Second
	}
	if cfg.FallbackText == "" {
		cfg.FallbackText = "We're sorry, we are having technical difficulties. Please call again later."
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Manager{
		cfg:      cfg,
		store:    cfg.Store,
		logger:   cfg.Logger.Named("bridge"),
		metrics:  cfg.Metrics,
		now:      cfg.Now,
		sessions: make(map[string]*session),
	}
}

var ErrManagerClosed = errors.New("bridge manager is shut down")

// StartSession opens the engine session for a call and starts relaying. At
// most one session per call exists at a time, across processes when the
// locker is shared.
func (m *Manager) StartSession(ctx context.Context, callID, callSID string, sink TransportSink) (err error) {
	ctx, span := m.cfg.Tracer.Start(ctx, "bridge.start_session", attribute.String("call.id", callID))
	defer func() { observability.End(span, err) }()
	begin := time.Now()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrManagerClosed
	}
	if _, ok := m.sessions[callID]; ok {
		m.mu.Unlock()
		m.countSession("conflict")
		return &calls.SessionConflictError{CallID: callID}
	}
	// Reserve the slot while the lock and engine are acquired.
	m.sessions[callID] = nil
	m.mu.Unlock()

	release := func() {
		m.mu.Lock()
		delete(m.sessions, callID)
		m.mu.Unlock()
	}

	ok, err := m.cfg.Locker.TryLock(ctx, callID)
	if err != nil {
		release()
		return fmt.Errorf("acquire bridge lock for call %s: %w", callID, err)
	}
	if !ok {
		release()
		m.countSession("conflict")
		return &calls.SessionConflictError{CallID: callID}
	}

	engineSession, err := m.cfg.Engine.Open(ctx, voice.SessionConfig{
		CallID:     callID,
		CallSID:    callSID,
		SampleRate: audio.TelephonySampleRate,
	})
	if err != nil {
		m.cfg.Locker.Unlock(callID)
		release()
		m.countEngineError(err)
		return fmt.Errorf("open voice engine session: %w", err)
	}

	sctx, cancel := context.WithCancel(context.Background())
	s := &session{
		m:               m,
		callID:          callID,
		callSID:         callSID,
		sink:            sink,
		engine:          engineSession,
		logger:          m.logger.With(zap.String("call_id", callID), zap.String("call_sid", callSID)),
		inbound:         NewQueue[[]byte](m.cfg.QueueSize),
		outbound:        NewQueue[voice.Event](m.cfg.QueueSize),
		transcripts:     NewQueue[voice.Event](m.cfg.QueueSize * 16),
		ctx:             sctx,
		cancel:          cancel,
		startedAt:       m.now(),
		forwarderDone:   make(chan struct{}),
		readerDone:      make(chan struct{}),
		transcriptsDone: make(chan struct{}),
	}

	m.mu.Lock()
	m.sessions[callID] = s
	m.mu.Unlock()

	s.start()
	if m.metrics != nil {
		m.metrics.ActiveSessions.Inc()
		m.metrics.ObserveStage(observability.StageSessionStart, time.Since(begin))
	}
	m.countSession("started")
	s.logger.Info("bridge session started", zap.String("engine", m.cfg.Engine.Name()))
	m.publish(events.Event{Type: events.TypeSessionStarted, CallID: callID, CallSID: callSID})
	return nil
}

// PushInbound hands one μ-law frame from the media stream to the session.
// It never blocks; frames for calls without a live session are dropped.
func (m *Manager) PushInbound(callID string, mulaw []byte) bool {
	m.mu.Lock()
	s := m.sessions[callID]
	m.mu.Unlock()
	if s == nil {
		m.countDrop("inbound", "no_session")
		return false
	}
	return s.push(mulaw)
}

// StopSession ends the call's session, if any, and applies the call status
// implied by reason. Repeated calls are no-ops.
func (m *Manager) StopSession(ctx context.Context, callID string, reason StopReason) {
	m.mu.Lock()
	s := m.sessions[callID]
	if s == nil || s.stopping.Load() {
		m.mu.Unlock()
		return
	}
	s.stopping.Store(true)
	m.mu.Unlock()

	s.shutdown(m.cfg.GracePeriod)
	_ = s.sink.Close()
	m.cfg.Locker.Unlock(callID)

	m.mu.Lock()
	delete(m.sessions, callID)
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.ActiveSessions.Dec()
	}
	m.countSession("stopped_" + string(reason))
	s.logger.Info("bridge session stopped",
		zap.String("reason", string(reason)),
		zap.Duration("duration", m.now().Sub(s.startedAt)),
		zap.Uint64("inbound_dropped", s.inbound.Dropped()),
		zap.Uint64("outbound_dropped", s.outbound.Dropped()),
	)
	m.publish(events.Event{Type: events.TypeSessionStopped, CallID: callID, CallSID: s.callSID, Reason: string(reason)})

	status, ok := reason.CallStatus()
	if !ok || m.cfg.Resolver == nil {
		return
	}
	if ctx.Err() != nil {
		ctx = context.Background()
	}
	rctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, _, err := m.cfg.Resolver.MarkTerminal(rctx, callID, status, "bridge:"+string(reason)); err != nil {
		s.logger.Error("apply call status after session stop", zap.String("status", string(status)), zap.Error(err))
	}
}

// handleEngineFailure plays the fallback to the caller, records it as the
// agent's last turn after the engine's own turns, and stops the session.
func (m *Manager) handleEngineFailure(s *session, cause error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	s.intake.Store(false)
	m.playFallback(ctx, s)
	s.flushTranscripts(ctx, m.cfg.GracePeriod)

	in, err := m.store.AppendInteraction(ctx, calls.Interaction{
		ID:        uuid.NewString(),
		CallID:    s.callID,
		Speaker:   calls.SpeakerAgent,
		Text:      m.cfg.FallbackText,
		AudioRef:  "fallback",
		CreatedAt: m.now(),
	})
	if err != nil {
		s.logger.Error("record fallback turn", zap.Error(err))
	} else {
		m.publish(events.Event{Type: events.TypeInteractionAppended, CallID: s.callID, CallSID: s.callSID, Speaker: string(in.Speaker), Detail: in.ID})
	}

	s.logger.Warn("stopping session after engine failure", zap.Error(cause))
	m.StopSession(ctx, s.callID, ReasonEngineFailure)
}

func (m *Manager) playFallback(ctx context.Context, s *session) {
	if clip := m.cfg.FallbackClip; clip != nil && len(clip.PCM) > 0 {
		mulaw := audio.EncodeMulaw(audio.Resample(clip.PCM, clip.SampleRate, audio.TelephonySampleRate))
		const frameBytes = 160 // 20ms at 8kHz
		for off := 0; off < len(mulaw); off += frameBytes {
			end := min(off+frameBytes, len(mulaw))
			if err := s.sink.SendAudio(mulaw[off:end]); err != nil {
				s.logger.Warn("fallback clip interrupted", zap.Error(err))
				break
			}
		}
		if m.cfg.Transport != nil && s.callSID != "" {
			if err := m.cfg.Transport.UpdateCall(ctx, s.callSID, transport.CallUpdate{Twiml: transport.HangupTwiML()}); err != nil {
				s.logger.Warn("hang up after fallback clip", zap.Error(err))
			}
		}
		return
	}
	if m.cfg.Transport == nil || s.callSID == "" {
		return
	}
	err := m.cfg.Transport.UpdateCall(ctx, s.callSID, transport.CallUpdate{Twiml: transport.SayAndHangupTwiML(m.cfg.FallbackText)})
	if err != nil {
		s.logger.Error("fallback message not delivered", zap.Error(err))
	}
}

// Attach subscribes the manager to call lifecycle events so sessions end
// when their call ends or is handed to a human.
func (m *Manager) Attach(bus *events.Bus) func() {
	return bus.Subscribe("bridge", events.Options{Buffer: 256}, func(ctx context.Context, ev events.Event) {
		var reason StopReason
		switch ev.Type {
		case events.TypeCallTerminal:
			reason = ReasonCallEnded
		case events.TypeCallEscalated:
			reason = ReasonHandoff
		default:
			return
		}
		if !m.Active(ev.CallID) {
			return
		}
		m.background.Add(1)
		go func() {
			defer m.background.Done()
			m.StopSession(context.Background(), ev.CallID, reason)
		}()
	})
}

// StartJanitor stops sessions whose media stream has gone quiet for longer
// than the idle timeout.
func (m *Manager) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.expireIdle()
			}
		}
	}()
}

func (m *Manager) expireIdle() {
	now := m.now()
	var idle []string
	m.mu.Lock()
	for id, s := range m.sessions {
		if s != nil && !s.stopping.Load() && s.idleFor(now) >= m.cfg.IdleTimeout {
			idle = append(idle, id)
		}
	}
	m.mu.Unlock()

	for _, id := range idle {
		m.logger.Warn("bridge session idle, stopping", zap.String("call_id", id), zap.Duration("idle_timeout", m.cfg.IdleTimeout))
		m.background.Add(1)
		go func(callID string) {
			defer m.background.Done()
			m.StopSession(context.Background(), callID, ReasonIdleTimeout)
		}(id)
	}
}

func (m *Manager) Active(callID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[callID]
	return ok && s != nil
}

func (m *Manager) ActiveCallIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.sessions))
	for id, s := range m.sessions {
		if s != nil {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

func (m *Manager) ActiveCount() int {
	return len(m.ActiveCallIDs())
}

// Shutdown stops every session with reason shutdown and waits for
// background stops to finish or ctx to expire.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, id := range m.ActiveCallIDs() {
		wg.Add(1)
		go func(callID string) {
			defer wg.Done()
			m.StopSession(ctx, callID, ReasonShutdown)
		}(id)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		m.background.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) publish(ev events.Event) {
	if m.cfg.Bus != nil {
		m.cfg.Bus.Publish(ev)
	}
}

func (m *Manager) countSession(event string) {
	if m.metrics != nil {
		m.metrics.SessionEvents.WithLabelValues(event).Inc()
	}
}

func (m *Manager) countDrop(direction, reason string) {
	if m.metrics != nil {
		m.metrics.FramesDropped.WithLabelValues(direction, reason).Inc()
	}
}

func (m *Manager) countForwarded(direction string) {
	if m.metrics != nil {
		m.metrics.FramesForwarded.WithLabelValues(direction).Inc()
	}
}

func (m *Manager) countEngineError(err error) {
	if m.metrics == nil {
		return
	}
	code := "unknown"
	var ee *voice.EngineError
	if errors.As(err, &ee) && ee.Code != "" {
		code = ee.Code
	}
	m.metrics.EngineErrors.WithLabelValues(code).Inc()
	m.metrics.Latency.Count("engine_error:" + code)
}

func (m *Manager) observeFirstAudio(d time.Duration) {
	if m.metrics != nil {
		m.metrics.ObserveFirstAudioLatency(d)
	}
}
