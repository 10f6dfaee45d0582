package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ent0n29/callbridge/internal/bridge"
	"github.com/ent0n29/callbridge/internal/calls"
	"github.com/ent0n29/callbridge/internal/config"
	"github.com/ent0n29/callbridge/internal/escalation"
	"github.com/ent0n29/callbridge/internal/lifecycle"
	"github.com/ent0n29/callbridge/internal/notify"
	"github.com/ent0n29/callbridge/internal/observability"
	"github.com/ent0n29/callbridge/internal/qa"
	"github.com/ent0n29/callbridge/internal/store"
	"github.com/ent0n29/callbridge/internal/transport"
)

// Deps are the components the HTTP surface drives.
type Deps struct {
	Config      config.Config
	Store       store.Store
	Machine     *lifecycle.Machine
	Bridge      *bridge.Manager
	Escalations *escalation.Coordinator
	QA          *qa.Pipeline
	Hub         *notify.Hub
	// Transport is optional; it is used to play the fallback when the voice
	// engine cannot be reached at stream start.
	Transport transport.Adapter
	Metrics   *observability.Metrics
	Logger    *zap.Logger
	// Ready reports whether backing services are reachable.
	Ready func(ctx context.Context) error
}

type Server struct {
	cfg         config.Config
	store       store.Store
	machine     *lifecycle.Machine
	bridge      *bridge.Manager
	escalations *escalation.Coordinator
	qa          *qa.Pipeline
	hub         *notify.Hub
	transport   transport.Adapter
	metrics     *observability.Metrics
	logger      *zap.Logger
	ready       func(ctx context.Context) error
	upgrader    websocket.Upgrader
}

func New(d Deps) *Server {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	return &Server{
		cfg:         d.Config,
		store:       d.Store,
		machine:     d.Machine,
		bridge:      d.Bridge,
		escalations: d.Escalations,
		qa:          d.QA,
		hub:         d.Hub,
		transport:   d.Transport,
		metrics:     d.Metrics,
		logger:      d.Logger,
		ready:       d.Ready,
		upgrader:    NewUpgrader(d.Config.PublicURL),
	}
}

// NewUpgrader accepts non-browser clients and browsers from the service's
// own origin or publicURL.
func NewUpgrader(publicURL string) websocket.Upgrader {
	var publicHost string
	if u, err := url.Parse(publicURL); err == nil {
		publicHost = u.Host
	}
	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			origin := strings.TrimSpace(r.Header.Get("Origin"))
			if origin == "" {
				return true
			}
			u, err := url.Parse(origin)
			if err != nil {
				return false
			}
			if u.Scheme != "http" && u.Scheme != "https" {
				return false
			}
			return strings.EqualFold(u.Host, r.Host) || (publicHost != "" && strings.EqualFold(u.Host, publicHost))
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Post("/webhooks/twilio/voice", s.handleVoiceWebhook)
	r.Post("/webhooks/twilio/status", s.handleStatusWebhook)
	r.Get("/media-stream", s.handleMediaStream)

	r.Route("/v1", func(r chi.Router) {
		r.Post("/calls", s.handleCreateCall)
		r.Get("/calls", s.handleListCalls)
		r.Get("/calls/{id}", s.handleGetCall)
		r.Get("/calls/{id}/interactions", s.handleListInteractions)
		r.Post("/calls/{id}/hangup", s.handleHangup)
		r.Post("/calls/{id}/escalate", s.handleEscalate)
		r.Post("/calls/{id}/qa", s.handleScoreCall)
		r.Get("/calls/{id}/qa", s.handleGetScore)

		r.Post("/escalations/{id}/accept", s.handleEscalationAction)
		r.Post("/escalations/{id}/complete", s.handleEscalationAction)
		r.Post("/escalations/{id}/cancel", s.handleEscalationAction)

		r.Post("/agents", s.handleCreateAgent)
		r.Get("/agents", s.handleListAgents)
		r.Get("/stats/latency", s.handleLatencyStats)

		if s.hub != nil {
			r.Handle("/events/ws", s.hub)
		}
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	active := 0
	if s.bridge != nil {
		active = s.bridge.ActiveCount()
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"store_mode":      s.store.Mode(),
		"active_sessions": active,
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.ready(ctx); err != nil {
			respondError(w, http.StatusServiceUnavailable, "not_ready", err.Error())
			return
		}
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":     "ready",
		"store_mode": s.store.Mode(),
	})
}

func (s *Server) handleLatencyStats(w http.ResponseWriter, _ *http.Request) {
	if s.metrics == nil {
		respondError(w, http.StatusNotImplemented, "not_enabled", "metrics are disabled")
		return
	}
	respondJSON(w, http.StatusOK, s.metrics.Latency.Snapshot())
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}

// respondErr maps a domain error onto its HTTP status.
func (s *Server) respondErr(w http.ResponseWriter, err error) {
	status, code := statusForError(err)
	if status >= 500 && status != http.StatusServiceUnavailable {
		s.logger.Error("request failed", zap.Error(err))
	}
	respondError(w, status, code, err.Error())
}

func statusForError(err error) (int, string) {
	switch {
	case errors.Is(err, calls.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, calls.ErrInvalidTransition):
		return http.StatusConflict, "invalid_transition"
	case errors.Is(err, calls.ErrSessionConflict):
		return http.StatusConflict, "session_conflict"
	case errors.Is(err, calls.ErrAlreadyExists):
		return http.StatusConflict, "already_exists"
	case errors.Is(err, calls.ErrNoAgentAvailable):
		return http.StatusServiceUnavailable, "no_agent_available"
	case errors.Is(err, calls.ErrInsufficientData):
		return http.StatusUnprocessableEntity, "insufficient_data"
	case errors.Is(err, calls.ErrTransport):
		return http.StatusBadGateway, "transport_error"
	case errors.Is(err, calls.ErrInvalidArgument):
		return http.StatusBadRequest, "invalid_request"
	case errors.Is(err, qa.ErrQueueFull):
		return http.StatusServiceUnavailable, "queue_full"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}
