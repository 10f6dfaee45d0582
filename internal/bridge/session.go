package bridge

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ent0n29/callbridge/internal/audio"
	"github.com/ent0n29/callbridge/internal/calls"
	"github.com/ent0n29/callbridge/internal/events"
	"github.com/ent0n29/callbridge/internal/qa"
	"github.com/ent0n29/callbridge/internal/voice"
)

// TransportSink is the write side of the caller's media stream.
type TransportSink interface {
	SendAudio(mulaw []byte) error
	Clear() error
	Close() error
}

const degradedEventInterval = time.Second

// session pumps audio between one call's media stream and its engine
// session. The two directions share only ctx and the intake flag.
type session struct {
	m       *Manager
	callID  string
	callSID string
	sink    TransportSink
	engine  voice.Session
	logger  *zap.Logger

	inbound     *Queue[[]byte]
	outbound    *Queue[voice.Event]
	transcripts *Queue[voice.Event]

	ctx    context.Context
	cancel context.CancelFunc

	intake       atomic.Bool
	stopping     atomic.Bool
	lastActivity atomic.Int64
	lastDegraded atomic.Int64
	firstAudio   sync.Once
	startedAt    time.Time

	forwarderDone   chan struct{}
	readerDone      chan struct{}
	transcriptsDone chan struct{}
	writers         sync.WaitGroup
	failOnce        sync.Once
}

func (s *session) start() {
	s.intake.Store(true)
	s.touch()
	s.writers.Add(2)
	go s.forwardInbound()
	go s.readEngine()
	go s.writeOutbound()
	go s.writeTranscripts()
}

func (s *session) touch() {
	s.lastActivity.Store(s.m.now().UnixNano())
}

func (s *session) idleFor(now time.Time) time.Duration {
	return now.Sub(time.Unix(0, s.lastActivity.Load()))
}

// push never blocks; when the queue is full the oldest frame is evicted.
func (s *session) push(frame []byte) bool {
	if !s.intake.Load() {
		s.m.countDrop("inbound", "inactive")
		return false
	}
	s.touch()
	evicted, ok := s.inbound.Push(frame)
	if !ok {
		s.m.countDrop("inbound", "inactive")
		return false
	}
	if evicted {
		s.m.countDrop("inbound", "queue_full")
		s.degraded("inbound")
	}
	return true
}

func (s *session) degraded(direction string) {
	now := s.m.now().UnixNano()
	last := s.lastDegraded.Load()
	if now-last < int64(degradedEventInterval) || !s.lastDegraded.CompareAndSwap(last, now) {
		return
	}
	s.logger.Warn("bridge queue full, dropping oldest frames", zap.String("direction", direction))
	s.m.countSession("degraded")
	s.m.publish(events.Event{Type: events.TypeSessionDegraded, CallID: s.callID, CallSID: s.callSID, Detail: direction})
}

func (s *session) forwardInbound() {
	defer close(s.forwarderDone)
	for {
		frame, ok := s.inbound.Pop(s.ctx)
		if !ok {
			return
		}
		pcm := audio.DecodeMulaw(frame)
		err := s.engine.SendAudio(s.ctx, voice.Frame{PCM: pcm, SampleRate: audio.TelephonySampleRate, At: s.m.now()})
		if err == nil {
			s.m.countForwarded("inbound")
			continue
		}
		if s.ctx.Err() != nil {
			return
		}
		s.m.countEngineError(err)
		if voice.IsFatal(err) {
			s.fail(err)
			return
		}
	}
}

// readEngine routes engine output by kind. Audio and completed turns each
// keep the order the engine produced them in.
func (s *session) readEngine() {
	defer func() {
		s.outbound.Close()
		s.transcripts.Close()
		close(s.readerDone)
	}()
	for ev := range s.engine.Events() {
		switch ev.Type {
		case voice.EventAudio:
			if evicted, _ := s.outbound.Push(ev); evicted {
				s.m.countDrop("outbound", "queue_full")
				s.degraded("outbound")
			}
		case voice.EventUtterance:
			evicted, ok := s.transcripts.Push(ev)
			switch {
			case !ok:
				s.m.countDrop("transcript", "closed")
				s.logger.Warn("turn arrived after transcript flush, dropped")
			case evicted:
				s.m.countDrop("transcript", "queue_full")
				s.logger.Error("transcript queue overflow, oldest turn lost")
			}
		case voice.EventError:
			if ev.Err == nil {
				ev.Err = &voice.EngineError{Code: "unknown"}
			}
			s.m.countEngineError(ev.Err)
			if !ev.Err.Retryable {
				s.fail(ev.Err)
			} else {
				s.logger.Warn("transient voice engine error", zap.String("code", ev.Err.Code), zap.String("detail", ev.Err.Detail))
			}
		}
	}
	if !s.stopping.Load() {
		s.fail(&voice.EngineError{Code: "session_closed", Detail: "engine closed the session"})
	}
}

func (s *session) writeOutbound() {
	defer s.writers.Done()
	for {
		ev, ok := s.outbound.Pop(s.ctx)
		if !ok {
			return
		}
		pcm := ev.Audio
		if ev.SampleRate > 0 && ev.SampleRate != audio.TelephonySampleRate {
			pcm = audio.Resample(pcm, ev.SampleRate, audio.TelephonySampleRate)
		}
		if err := s.sink.SendAudio(audio.EncodeMulaw(pcm)); err != nil {
			s.m.countDrop("outbound", "sink_error")
			continue
		}
		s.m.countForwarded("outbound")
		s.firstAudio.Do(func() {
			s.m.observeFirstAudio(s.m.now().Sub(s.startedAt))
		})
	}
}

// writeTranscripts persists completed turns. Turns still queued after a hard
// cancel are flushed before returning.
func (s *session) writeTranscripts() {
	defer func() {
		close(s.transcriptsDone)
		s.writers.Done()
	}()
	for {
		ev, ok := s.transcripts.Pop(s.ctx)
		if !ok {
			break
		}
		s.persist(ev)
	}
	for {
		ev, ok := s.transcripts.TryPop()
		if !ok {
			return
		}
		s.persist(ev)
	}
}

// persist outlives the session context so a turn completed just before a
// hard cancel is still recorded.
func (s *session) persist(ev voice.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	in, err := s.m.store.AppendInteraction(ctx, calls.Interaction{
		ID:        uuid.NewString(),
		CallID:    s.callID,
		Speaker:   ev.Speaker,
		Text:      ev.Text,
		AudioRef:  ev.AudioRef,
		CreatedAt: s.m.now(),
	})
	if err != nil {
		s.logger.Error("persist interaction failed",
			zap.String("speaker", string(ev.Speaker)),
			zap.String("text", qa.RedactPII(ev.Text)),
			zap.Error(err),
		)
		return
	}
	s.m.publish(events.Event{
		Type:    events.TypeInteractionAppended,
		CallID:  s.callID,
		CallSID: s.callSID,
		Speaker: string(in.Speaker),
		Detail:  in.ID,
	})
}

// flushTranscripts persists every turn the engine produced before it failed.
// The engine gets up to grace to finish its event stream; turns it sends
// after that are dropped.
func (s *session) flushTranscripts(ctx context.Context, grace time.Duration) {
	readCtx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()
	waitOr(s.readerDone, readCtx.Done())
	s.transcripts.Close()
	waitOr(s.transcriptsDone, ctx.Done())
}

func (s *session) fail(err error) {
	if s.stopping.Load() {
		return
	}
	s.failOnce.Do(func() {
		s.logger.Error("voice engine failed mid-call", zap.Error(err))
		s.m.background.Add(1)
		go func() {
			defer s.m.background.Done()
			s.m.handleEngineFailure(s, err)
		}()
	})
}

// shutdown runs the graceful stop: intake off, let queued work flush for the
// grace period, then cancel whatever is left.
func (s *session) shutdown(grace time.Duration) {
	s.stopping.Store(true)
	s.intake.Store(false)
	s.inbound.Close()

	deadline, cancelDeadline := context.WithTimeout(context.Background(), grace)
	defer cancelDeadline()

	waitOr(s.forwarderDone, deadline.Done())
	waitOr(s.readerDone, deadline.Done())
	if err := s.engine.Close(); err != nil {
		s.logger.Debug("engine close", zap.Error(err))
	}

	writersDone := make(chan struct{})
	go func() {
		s.writers.Wait()
		close(writersDone)
	}()
	waitOr(writersDone, deadline.Done())
	s.cancel()
	<-s.forwarderDone
	<-s.readerDone
	<-writersDone
}

func waitOr(done, deadline <-chan struct{}) {
	select {
	case <-done:
	case <-deadline:
	}
}
