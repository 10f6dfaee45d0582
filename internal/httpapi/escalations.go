package httpapi

import (
	"errors"
	"net/http"
	"path"
	"regexp"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/ent0n29/callbridge/internal/calls"
)

var agentPhonePattern = regexp.MustCompile(`^\+[1-9][0-9]{6,14}$`)

type escalateRequest struct {
	AgentID *string `json:"agent_id"`
	Reason  string  `json:"reason"`
}

func (s *Server) handleEscalate(w http.ResponseWriter, r *http.Request) {
	if s.escalations == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "escalation not configured")
		return
	}
	var req escalateRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	res, err := s.escalations.EscalateManually(r.Context(), chi.URLParam(r, "id"), req.AgentID, req.Reason)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, map[string]any{
		"escalation": res.Escalation,
		"call":       res.Call,
		"agent":      res.Agent,
	})
}

// handleEscalationAction serves accept, complete and cancel; the action is
// the last path segment.
func (s *Server) handleEscalationAction(w http.ResponseWriter, r *http.Request) {
	if s.escalations == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "escalation not configured")
		return
	}
	id := chi.URLParam(r, "id")
	var (
		esc calls.Escalation
		err error
	)
	switch path.Base(r.URL.Path) {
	case "accept":
		esc, err = s.escalations.Accept(r.Context(), id)
	case "complete":
		esc, err = s.escalations.Complete(r.Context(), id)
	case "cancel":
		esc, err = s.escalations.Cancel(r.Context(), id)
	default:
		respondError(w, http.StatusNotFound, "not_found", "unknown escalation action")
		return
	}
	if err != nil {
		s.respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, esc)
}

type createAgentRequest struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Phone     string `json:"phone"`
	Active    *bool  `json:"active"`
	Available *bool  `json:"available"`
}

func (s *Server) handleCreateAgent(w http.ResponseWriter, r *http.Request) {
	var req createAgentRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	req.Phone = strings.TrimSpace(req.Phone)
	if req.Name == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "name is required")
		return
	}
	if req.Phone != "" && !agentPhonePattern.MatchString(req.Phone) {
		respondError(w, http.StatusBadRequest, "invalid_request", "phone must be an E.164 number")
		return
	}
	agent := calls.Agent{
		ID:        strings.TrimSpace(req.ID),
		Name:      req.Name,
		Phone:     req.Phone,
		Active:    req.Active == nil || *req.Active,
		Available: req.Available == nil || *req.Available,
		CreatedAt: time.Now().UTC(),
	}
	if agent.ID == "" {
		agent.ID = uuid.NewString()
	}
	if err := s.store.CreateAgent(r.Context(), agent); err != nil {
		s.respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, agent)
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := s.store.ListAgents(r.Context())
	if err != nil {
		s.respondErr(w, err)
		return
	}
	if agents == nil {
		agents = []calls.Agent{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"agents": agents})
}
