package httpapi

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ent0n29/callbridge/internal/calls"
	"github.com/ent0n29/callbridge/internal/lifecycle"
)

type createCallRequest struct {
	To       string            `json:"to"`
	From     string            `json:"from"`
	Metadata map[string]string `json:"metadata"`
}

type callView struct {
	calls.Call
	SessionActive bool `json:"session_active"`
}

func (s *Server) view(c calls.Call) callView {
	return callView{Call: c, SessionActive: s.bridge != nil && s.bridge.Active(c.ID)}
}

func (s *Server) handleCreateCall(w http.ResponseWriter, r *http.Request) {
	var req createCallRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	call, err := s.machine.Initiate(r.Context(), lifecycle.InitiateRequest{
		To:       req.To,
		From:     req.From,
		Metadata: req.Metadata,
	})
	if err != nil {
		s.respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, s.view(call))
}

// handleListCalls lists calls by status, defaulting to the live ones.
func (s *Server) handleListCalls(w http.ResponseWriter, r *http.Request) {
	statuses := calls.ActiveStatuses
	if raw := strings.TrimSpace(r.URL.Query().Get("status")); raw != "" {
		statuses = nil
		for _, part := range strings.Split(raw, ",") {
			st := calls.Status(strings.TrimSpace(part))
			if !st.Valid() {
				respondError(w, http.StatusBadRequest, "invalid_request", fmt.Sprintf("unknown status %q", part))
				return
			}
			statuses = append(statuses, st)
		}
	}
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 1000 {
			respondError(w, http.StatusBadRequest, "invalid_request", "limit must be between 1 and 1000")
			return
		}
		limit = n
	}
	list, err := s.store.ListCallsByStatus(r.Context(), statuses, time.Time{}, limit)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	out := make([]callView, 0, len(list))
	for _, c := range list {
		out = append(out, s.view(c))
	}
	respondJSON(w, http.StatusOK, map[string]any{"calls": out})
}

func (s *Server) handleGetCall(w http.ResponseWriter, r *http.Request) {
	call, err := s.store.GetCall(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, s.view(call))
}

func (s *Server) handleListInteractions(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.store.GetCall(r.Context(), id); err != nil {
		s.respondErr(w, err)
		return
	}
	list, err := s.store.ListInteractions(r.Context(), id)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	if list == nil {
		list = []calls.Interaction{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"interactions": list})
}

type reasonRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleHangup(w http.ResponseWriter, r *http.Request) {
	var req reasonRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	call, err := s.machine.ForceEnd(r.Context(), chi.URLParam(r, "id"), req.Reason)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, s.view(call))
}

func (s *Server) handleScoreCall(w http.ResponseWriter, r *http.Request) {
	if s.qa == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "qa pipeline not configured")
		return
	}
	score, err := s.qa.ScoreCall(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, score)
}

func (s *Server) handleGetScore(w http.ResponseWriter, r *http.Request) {
	score, err := s.store.LatestQAScore(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, score)
}
