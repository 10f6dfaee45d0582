// Package voice is the client side of the conversational voice engine that
// listens to the caller and speaks as the AI agent.
package voice

import (
	"context"
	"fmt"
	"time"

	"github.com/ent0n29/callbridge/internal/calls"
)

type EventType string

const (
	EventAudio     EventType = "audio"
	EventUtterance EventType = "utterance"
	EventError     EventType = "error"
)

// Frame is a chunk of PCM16LE mono caller audio.
type Frame struct {
	PCM        []byte
	SampleRate int
	At         time.Time
}

// Event is emitted by a session in the order the engine produced it.
type Event struct {
	Type EventType

	// EventAudio: PCM16LE mono agent speech.
	Audio      []byte
	SampleRate int

	// EventUtterance: a completed conversational turn.
	Speaker  calls.Speaker
	Text     string
	AudioRef string

	// EventError
	Err *EngineError
}

type SessionConfig struct {
	CallID     string
	CallSID    string
	SampleRate int
	Metadata   map[string]string
}

type Engine interface {
	Name() string
	Open(ctx context.Context, cfg SessionConfig) (Session, error)
}

// Session is one live conversation. Events is closed when the session ends,
// whether by Close or by the engine.
type Session interface {
	SendAudio(ctx context.Context, frame Frame) error
	Events() <-chan Event
	Close() error
}

type EngineError struct {
	Code      string
	Detail    string
	Retryable bool
}

func (e *EngineError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("voice engine: %s", e.Code)
	}
	return fmt.Sprintf("voice engine: %s: %s", e.Code, e.Detail)
}

func (e *EngineError) Is(target error) bool { return target == calls.ErrEngine }

func (e *EngineError) Temporary() bool { return e.Retryable }
