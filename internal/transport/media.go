package transport

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Media Streams event names.
const (
	MediaEventConnected = "connected"
	MediaEventStart     = "start"
	MediaEventMedia     = "media"
	MediaEventMark      = "mark"
	MediaEventStop      = "stop"
	MediaEventDTMF      = "dtmf"
	MediaEventClear     = "clear"
)

var ErrConnClosed = errors.New("media connection closed")

// MediaMessage is one decoded Media Streams frame. Exactly one of the
// pointer fields matching Event is set.
type MediaMessage struct {
	Event          string        `json:"event"`
	SequenceNumber string        `json:"sequenceNumber,omitempty"`
	StreamSID      string        `json:"streamSid,omitempty"`
	Start          *MediaStart   `json:"start,omitempty"`
	Media          *MediaPayload `json:"media,omitempty"`
	Mark           *MediaMark    `json:"mark,omitempty"`
	Stop           *MediaStop    `json:"stop,omitempty"`
	DTMF           *MediaDTMF    `json:"dtmf,omitempty"`
	Protocol       string        `json:"protocol,omitempty"`
}

type MediaStart struct {
	StreamSID        string            `json:"streamSid"`
	AccountSID       string            `json:"accountSid"`
	CallSID          string            `json:"callSid"`
	Tracks           []string          `json:"tracks"`
	MediaFormat      MediaFormat       `json:"mediaFormat"`
	CustomParameters map[string]string `json:"customParameters"`
}

type MediaFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sampleRate"`
	Channels   int    `json:"channels"`
}

type MediaPayload struct {
	Track     string `json:"track"`
	Chunk     string `json:"chunk"`
	Timestamp string `json:"timestamp"`
	Payload   string `json:"payload"`
	// Audio is the base64-decoded payload.
	Audio []byte `json:"-"`
}

type MediaMark struct {
	Name string `json:"name"`
}

type MediaStop struct {
	AccountSID string `json:"accountSid"`
	CallSID    string `json:"callSid"`
}

type MediaDTMF struct {
	Track string `json:"track"`
	Digit string `json:"digit"`
}

// ParseMediaMessage decodes one Media Streams text frame and validates that
// the body for its event is present.
func ParseMediaMessage(data []byte) (MediaMessage, error) {
	var msg MediaMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return MediaMessage{}, fmt.Errorf("decode media message: %w", err)
	}
	switch msg.Event {
	case MediaEventConnected:
	case MediaEventStart:
		if msg.Start == nil || msg.Start.CallSID == "" {
			return MediaMessage{}, errors.New("start message without callSid")
		}
		if msg.StreamSID == "" {
			msg.StreamSID = msg.Start.StreamSID
		}
	case MediaEventMedia:
		if msg.Media == nil {
			return MediaMessage{}, errors.New("media message without payload")
		}
		audio, err := base64.StdEncoding.DecodeString(msg.Media.Payload)
		if err != nil {
			return MediaMessage{}, fmt.Errorf("decode media payload: %w", err)
		}
		msg.Media.Audio = audio
	case MediaEventMark:
		if msg.Mark == nil {
			return MediaMessage{}, errors.New("mark message without name")
		}
	case MediaEventStop:
		if msg.Stop == nil {
			msg.Stop = &MediaStop{}
		}
	case MediaEventDTMF:
		if msg.DTMF == nil {
			return MediaMessage{}, errors.New("dtmf message without digit")
		}
	default:
		return MediaMessage{}, fmt.Errorf("unknown media event %q", msg.Event)
	}
	return msg, nil
}

// MediaConn owns the write side of a Media Streams websocket. Writes are
// serialized; reads stay with the caller's read loop.
type MediaConn struct {
	conn         *websocket.Conn
	writeTimeout time.Duration

	mu        sync.Mutex
	streamSID string
	closed    bool
	closeOnce sync.Once
}

func NewMediaConn(conn *websocket.Conn) *MediaConn {
	return &MediaConn{conn: conn, writeTimeout: 5 * time.Second}
}

// SetStreamSID records the stream id from the start message; outbound frames
// are addressed to it.
func (c *MediaConn) SetStreamSID(sid string) {
	c.mu.Lock()
	c.streamSID = sid
	c.mu.Unlock()
}

// SendAudio writes one μ-law frame to the caller.
func (c *MediaConn) SendAudio(mulaw []byte) error {
	return c.write(func(sid string) any {
		return map[string]any{
			"event":     MediaEventMedia,
			"streamSid": sid,
			"media":     map[string]string{"payload": base64.StdEncoding.EncodeToString(mulaw)},
		}
	})
}

func (c *MediaConn) SendMark(name string) error {
	return c.write(func(sid string) any {
		return map[string]any{
			"event":     MediaEventMark,
			"streamSid": sid,
			"mark":      map[string]string{"name": name},
		}
	})
}

// Clear drops audio buffered on the provider side, used on barge-in.
func (c *MediaConn) Clear() error {
	return c.write(func(sid string) any {
		return map[string]any{"event": MediaEventClear, "streamSid": sid}
	})
}

func (c *MediaConn) write(build func(streamSID string) any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrConnClosed
	}
	if c.writeTimeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	return c.conn.WriteJSON(build(c.streamSID))
}

func (c *MediaConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		_ = c.conn.SetWriteDeadline(time.Now().Add(time.Second))
		_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.mu.Unlock()
		err = c.conn.Close()
	})
	return err
}
