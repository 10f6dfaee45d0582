package voice

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ent0n29/callbridge/internal/calls"
	"github.com/ent0n29/callbridge/internal/reliability"
)

type WSConfig struct {
	URL         string
	APIKey      string
	DialTimeout time.Duration
	Logger      *zap.Logger
}

// WSEngine speaks a JSON frame protocol to a remote engine over a websocket.
type WSEngine struct {
	cfg    WSConfig
	dialer *websocket.Dialer
}

func NewWSEngine(cfg WSConfig) (*WSEngine, error) {
	u, err := url.Parse(strings.TrimSpace(cfg.URL))
	if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
		return nil, fmt.Errorf("voice engine url must be ws:// or wss://, got %q", cfg.URL)
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &WSEngine{
		cfg:    cfg,
		dialer: &websocket.Dialer{HandshakeTimeout: cfg.DialTimeout},
	}, nil
}

func (e *WSEngine) Name() string { return "ws" }

type wsMessage struct {
	Type       string            `json:"type"`
	CallID     string            `json:"call_id,omitempty"`
	CallSID    string            `json:"call_sid,omitempty"`
	SampleRate int               `json:"sample_rate,omitempty"`
	Audio      string            `json:"audio,omitempty"`
	Speaker    string            `json:"speaker,omitempty"`
	Text       string            `json:"text,omitempty"`
	AudioRef   string            `json:"audio_ref,omitempty"`
	Code       string            `json:"code,omitempty"`
	Message    string            `json:"message,omitempty"`
	Retryable  bool              `json:"retryable,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

func (e *WSEngine) Open(ctx context.Context, cfg SessionConfig) (Session, error) {
	headers := http.Header{}
	if e.cfg.APIKey != "" {
		headers.Set("Authorization", "Bearer "+e.cfg.APIKey)
	}
	conn, resp, err := e.dialer.DialContext(ctx, e.cfg.URL, headers)
	if err != nil {
		detail := err.Error()
		retryable := true
		if resp != nil {
			detail = fmt.Sprintf("%s (http %d)", detail, resp.StatusCode)
			retryable = reliability.IsRetryableStatus(resp.StatusCode)
		}
		return nil, &EngineError{Code: "dial_failed", Detail: detail, Retryable: retryable}
	}

	s := &wsSession{
		conn:   conn,
		events: make(chan Event, 256),
		done:   make(chan struct{}),
		logger: e.cfg.Logger.With(zap.String("call_id", cfg.CallID)),
	}
	rate := cfg.SampleRate
	if rate <= 0 {
		rate = 8000
	}
	start := wsMessage{Type: "session.start", CallID: cfg.CallID, CallSID: cfg.CallSID, SampleRate: rate, Metadata: cfg.Metadata}
	if err := s.writeJSON(start); err != nil {
		_ = conn.Close()
		return nil, &EngineError{Code: "handshake_failed", Detail: err.Error(), Retryable: true}
	}
	go s.readLoop()
	return s, nil
}

type wsSession struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	events  chan Event
	done    chan struct{}
	logger  *zap.Logger

	closeOnce sync.Once
}

func (s *wsSession) SendAudio(_ context.Context, frame Frame) error {
	select {
	case <-s.done:
		return errSessionClosed
	default:
	}
	return s.writeJSON(wsMessage{
		Type:       "input_audio",
		SampleRate: frame.SampleRate,
		Audio:      base64.StdEncoding.EncodeToString(frame.PCM),
	})
}

func (s *wsSession) Events() <-chan Event { return s.events }

// Close ends the session. The read loop observes the closed connection and
// closes Events.
func (s *wsSession) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		_ = s.writeJSON(wsMessage{Type: "session.end"})
		err = s.conn.Close()
	})
	return err
}

func (s *wsSession) writeJSON(msg wsMessage) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return s.conn.WriteJSON(msg)
}

func (s *wsSession) readLoop() {
	defer close(s.events)
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case <-s.done:
			default:
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
					s.deliver(Event{Type: EventError, Err: &EngineError{Code: "connection_lost", Detail: err.Error(), Retryable: true}})
				}
			}
			return
		}
		var msg wsMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.logger.Debug("discarding malformed engine frame", zap.Error(err))
			continue
		}
		switch msg.Type {
		case "output_audio":
			pcm, err := base64.StdEncoding.DecodeString(msg.Audio)
			if err != nil {
				s.logger.Debug("discarding undecodable engine audio", zap.Error(err))
				continue
			}
			s.deliver(Event{Type: EventAudio, Audio: pcm, SampleRate: msg.SampleRate})
		case "utterance":
			speaker := calls.Speaker(msg.Speaker)
			if !speaker.Valid() || strings.TrimSpace(msg.Text) == "" {
				s.logger.Debug("discarding invalid utterance", zap.String("speaker", msg.Speaker))
				continue
			}
			s.deliver(Event{Type: EventUtterance, Speaker: speaker, Text: msg.Text, AudioRef: msg.AudioRef})
		case "error":
			retryable := msg.Retryable || reliability.IsRetryableEngineCode(msg.Code)
			s.deliver(Event{Type: EventError, Err: &EngineError{Code: msg.Code, Detail: msg.Message, Retryable: retryable}})
		case "session.started", "pong":
		default:
			s.logger.Debug("ignoring engine frame", zap.String("type", msg.Type))
		}
	}
}

// deliver blocks until the bridge reads the event or the session closes.
func (s *wsSession) deliver(ev Event) {
	select {
	case s.events <- ev:
	case <-s.done:
	}
}

// IsFatal reports whether err ends the session for good.
func IsFatal(err error) bool {
	var ee *EngineError
	if errors.As(err, &ee) {
		return !ee.Retryable
	}
	return err != nil
}
