package voice

import (
	"context"
	"errors"
	"sync"

	"github.com/ent0n29/callbridge/internal/calls"
)

var errSessionClosed = errors.New("voice session closed")

// Utterance is one scripted turn played by the mock engine.
type Utterance struct {
	Speaker calls.Speaker
	Text    string
}

type MockConfig struct {
	// TurnEvery is the number of inbound frames between scripted turns.
	TurnEvery int
	// FailAfter makes the session report a fatal error after that many
	// frames. Zero never fails.
	FailAfter int
	Script    []Utterance
	// ReplySamples is the length of the silent agent reply emitted with each
	// agent turn.
	ReplySamples int
}

// MockEngine is an in-process engine for local development and tests. It
// answers deterministically from its script.
type MockEngine struct {
	cfg MockConfig

	mu     sync.Mutex
	opened int
}

func NewMockEngine(cfg MockConfig) *MockEngine {
	if cfg.TurnEvery <= 0 {
		cfg.TurnEvery = 50
	}
	if len(cfg.Script) == 0 {
		cfg.Script = []Utterance{
			{Speaker: calls.SpeakerCounterparty, Text: "hello, I have a question about my account"},
			{Speaker: calls.SpeakerAgent, Text: "thanks for calling, I am happy to help with that"},
		}
	}
	if cfg.ReplySamples <= 0 {
		cfg.ReplySamples = 160
	}
	return &MockEngine{cfg: cfg}
}

func (e *MockEngine) Name() string { return "mock" }

func (e *MockEngine) Open(_ context.Context, cfg SessionConfig) (Session, error) {
	e.mu.Lock()
	e.opened++
	e.mu.Unlock()
	rate := cfg.SampleRate
	if rate <= 0 {
		rate = 8000
	}
	return &mockSession{cfg: e.cfg, sampleRate: rate, events: make(chan Event, 128)}, nil
}

// Opened reports how many sessions have been opened.
func (e *MockEngine) Opened() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.opened
}

type mockSession struct {
	cfg        MockConfig
	sampleRate int

	mu     sync.Mutex
	events chan Event
	frames int
	next   int
	closed bool
}

func (s *mockSession) SendAudio(_ context.Context, frame Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errSessionClosed
	}
	s.frames++

	if s.cfg.FailAfter > 0 && s.frames >= s.cfg.FailAfter {
		s.emit(Event{Type: EventError, Err: &EngineError{Code: "mock_failure", Detail: "injected failure"}})
		s.closeLocked()
		return &EngineError{Code: "mock_failure", Detail: "injected failure"}
	}

	if s.frames%s.cfg.TurnEvery != 0 || s.next >= len(s.cfg.Script) {
		return nil
	}
	turn := s.cfg.Script[s.next]
	s.next++
	if turn.Speaker == calls.SpeakerAgent {
		s.emit(Event{Type: EventAudio, Audio: make([]byte, s.cfg.ReplySamples*2), SampleRate: s.sampleRate})
	}
	s.emit(Event{Type: EventUtterance, Speaker: turn.Speaker, Text: turn.Text})
	return nil
}

// emit never blocks; a full buffer drops the event.
func (s *mockSession) emit(ev Event) {
	select {
	case s.events <- ev:
	default:
	}
}

func (s *mockSession) Events() <-chan Event { return s.events }

func (s *mockSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeLocked()
	return nil
}

func (s *mockSession) closeLocked() {
	if s.closed {
		return
	}
	s.closed = true
	close(s.events)
}
