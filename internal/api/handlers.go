package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"github.com/convergd/convergd/internal/reconcile"
	"github.com/convergd/convergd/internal/store"
)

type groupSummary struct {
	Name                string     `json:"name"`
	Phase               string     `json:"phase"`
	Health              string     `json:"health"`
	Suspended           bool       `json:"suspended"`
	LastAppliedRevision string     `json:"last_applied_revision,omitempty"`
	AppliedGeneration   int64      `json:"applied_generation"`
	LastError           string     `json:"last_error,omitempty"`
	LastReconcile       *time.Time `json:"last_reconcile,omitempty"`
	NextDue             *time.Time `json:"next_due,omitempty"`
}

type groupDetail struct {
	groupSummary
	DependsOn     []string       `json:"depends_on,omitempty"`
	Interval      string         `json:"interval,omitempty"`
	WaitForHealth bool           `json:"wait_for_health"`
	Path          string         `json:"path,omitempty"`
	Objects       []string       `json:"objects,omitempty"`
	Events        []eventSummary `json:"events,omitempty"`
}

type eventSummary struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Group     string    `json:"group,omitempty"`
	Revision  string    `json:"revision,omitempty"`
	Detail    string    `json:"detail,omitempty"`
}

type revisionResponse struct {
	Revision   *revisionInfo `json:"revision"`
	GraphError string        `json:"graph_error,omitempty"`
}

type revisionInfo struct {
	Digest    string    `json:"digest"`
	Timestamp time.Time `json:"timestamp"`
}

func summarize(st reconcile.GroupState) groupSummary {
	return groupSummary{
		Name:                st.Name,
		Phase:               string(st.Phase),
		Health:              string(st.Health),
		Suspended:           st.Suspended,
		LastAppliedRevision: st.LastAppliedRevision,
		AppliedGeneration:   st.AppliedGeneration,
		LastError:           st.LastError,
		LastReconcile:       timePtr(st.LastReconcile),
		NextDue:             timePtr(st.NextDue),
	}
}

func summarizeEvent(e store.LedgerEntry) eventSummary {
	return eventSummary{
		Type:      e.EventType,
		Timestamp: e.Timestamp,
		Group:     e.Group,
		Revision:  e.Revision,
		Detail:    e.Detail,
	}
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// GET /api/v1/groups
func (s *Server) handleListGroups(w http.ResponseWriter, _ *http.Request) {
	states := s.controller.Statuses()
	out := make([]groupSummary, 0, len(states))
	for _, st := range states {
		out = append(out, summarize(st))
	}
	s.respondJSON(w, http.StatusOK, out)
}

// GET /api/v1/groups/{name}
func (s *Server) handleGetGroup(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	st, ok := s.controller.Status(name)
	if !ok {
		http.Error(w, "group not found", http.StatusNotFound)
		return
	}

	detail := groupDetail{groupSummary: summarize(st)}
	if g := s.controller.Graph(); g != nil {
		if grp, ok := g.Groups[name]; ok {
			detail.DependsOn = grp.DependsOn
			detail.Interval = grp.Interval.String()
			detail.WaitForHealth = grp.WaitForHealth
			detail.Path = grp.Path
			for _, m := range grp.Manifests {
				detail.Objects = append(detail.Objects, m.Key().String())
			}
		}
	}

	entries, err := s.ledger.EventsByGroup(name, 20)
	if err != nil {
		log.Error().Err(err).Str("group", name).Msg("Failed to read group events")
	}
	for _, e := range entries {
		detail.Events = append(detail.Events, summarizeEvent(e))
	}

	s.respondJSON(w, http.StatusOK, detail)
}

// POST /api/v1/groups/{name}/force
func (s *Server) handleForce(w http.ResponseWriter, r *http.Request) {
	s.controlAction(w, r, s.controller.ForceReconcile)
}

// POST /api/v1/groups/{name}/suspend
func (s *Server) handleSuspend(w http.ResponseWriter, r *http.Request) {
	s.controlAction(w, r, s.controller.Suspend)
}

// POST /api/v1/groups/{name}/resume
func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	s.controlAction(w, r, s.controller.Resume)
}

func (s *Server) controlAction(w http.ResponseWriter, r *http.Request, action func(string) error) {
	name := mux.Vars(r)["name"]
	if err := action(name); err != nil {
		if strings.Contains(err.Error(), "unknown group") {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// GET /api/v1/revision
func (s *Server) handleRevision(w http.ResponseWriter, _ *http.Request) {
	resp := revisionResponse{}
	if rev, ok := s.controller.Revision(); ok {
		resp.Revision = &revisionInfo{Digest: rev.Digest, Timestamp: rev.Timestamp}
	}
	if err := s.controller.GraphError(); err != nil {
		resp.GraphError = err.Error()
	}
	s.respondJSON(w, http.StatusOK, resp)
}

// GET /api/v1/events?limit=50
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}

	entries, err := s.ledger.RecentEvents(limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	out := make([]eventSummary, 0, len(entries))
	for _, e := range entries {
		out = append(out, summarizeEvent(e))
	}
	s.respondJSON(w, http.StatusOK, out)
}

// POST /api/v1/source/refresh
func (s *Server) handleSourceRefresh(w http.ResponseWriter, _ *http.Request) {
	if s.refresher == nil {
		http.Error(w, "source refresh not available", http.StatusServiceUnavailable)
		return
	}
	s.refresher.Poke()
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// GET /healthz
func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// GET /readyz
func (s *Server) handleReadyz(w http.ResponseWriter, _ *http.Request) {
	// Ready once the first source load completed, whether it produced a
	// usable graph or a recorded load error.
	_, adopted := s.controller.Revision()
	ready := adopted || s.controller.GraphError() != nil
	if !ready {
		s.respondJSON(w, http.StatusServiceUnavailable, map[string]bool{"ready": false})
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]bool{"ready": true})
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("Failed to encode API response")
	}
}
