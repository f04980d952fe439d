package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/mcp-gateway/mcpgw-go/internal/audit"
	"github.com/mcp-gateway/mcpgw-go/internal/authz"
	"github.com/mcp-gateway/mcpgw-go/internal/events"
	"github.com/mcp-gateway/mcpgw-go/internal/registry"
)

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity := identityFrom(ctx)

	records, err := s.agents.List(ctx)
	if err != nil {
		s.writeStorageError(w, r, err)
		return
	}

	paths := make([]string, len(records))
	byPath := make(map[string]*registry.AgentRecord, len(records))
	for i, record := range records {
		paths[i] = record.Path
		byPath[record.Path] = record
	}
	visible := s.engine.VisibleAgents(s.policies.Snapshot(), identity, paths)

	out := make([]*registry.AgentRecord, 0, len(visible))
	for _, path := range visible {
		out = append(out, s.presentAgent(byPath[path]))
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"agents": out})
}

func (s *Server) handleRegisterAgent(w http.ResponseWriter, r *http.Request) {
	record := &registry.AgentRecord{}
	if err := json.NewDecoder(r.Body).Decode(record); err != nil {
		s.writeError(w, r, http.StatusBadRequest, "invalid_request", "request body is not an agent record")
		return
	}
	if err := validateAgentRecord(record); err != nil {
		s.writeError(w, r, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if !s.requireAgentVerb(w, r, authz.AgentVerbPublish, audit.ActionRegisterAgent, record.Path) {
		return
	}

	stored, err := s.agents.Put(r.Context(), record, registry.PutOptions{MustNotExist: true})
	if err != nil {
		s.writeStorageError(w, r, err)
		return
	}
	if !s.auditMutation(w, r, &audit.Entry{
		Subject: identityFrom(r.Context()).Subject,
		Action:  audit.ActionRegisterAgent,
		Target:  stored.Path,
		Delta:   &audit.Delta{After: rawJSON(stored)},
	}) {
		return
	}
	s.notify(string(events.TypeAgentChanged), stored.Path)
	s.writeJSON(w, http.StatusCreated, stored)
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	path, _ := wildcardPath(r)
	identity := identityFrom(r.Context())

	record, err := s.agents.Get(r.Context(), path)
	if err != nil {
		s.writeStorageError(w, r, err)
		return
	}
	decision := s.engine.AuthorizeAgent(s.policies.Snapshot(), identity, authz.AgentVerbGet, path)
	if !decision.Allow {
		s.writeError(w, r, http.StatusNotFound, "not_found", "record not found")
		return
	}
	s.writeJSON(w, http.StatusOK, s.presentAgent(record))
}

func (s *Server) handleEditAgent(w http.ResponseWriter, r *http.Request) {
	path, _ := wildcardPath(r)
	if !s.requireAgentVerb(w, r, authz.AgentVerbModify, audit.ActionEditAgent, path) {
		return
	}

	record := &registry.AgentRecord{}
	if err := json.NewDecoder(r.Body).Decode(record); err != nil {
		s.writeError(w, r, http.StatusBadRequest, "invalid_request", "request body is not an agent record")
		return
	}
	record.Path = path
	if err := validateAgentRecord(record); err != nil {
		s.writeError(w, r, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	before, err := s.agents.Get(r.Context(), path)
	if err != nil {
		s.writeStorageError(w, r, err)
		return
	}
	stored, err := s.agents.Put(r.Context(), record, registry.PutOptions{IfVersion: record.Version})
	if err != nil {
		s.writeStorageError(w, r, err)
		return
	}
	if !s.auditMutation(w, r, &audit.Entry{
		Subject: identityFrom(r.Context()).Subject,
		Action:  audit.ActionEditAgent,
		Target:  path,
		Delta:   &audit.Delta{Before: rawJSON(before), After: rawJSON(stored)},
	}) {
		return
	}
	s.notify(string(events.TypeAgentChanged), path)
	s.writeJSON(w, http.StatusOK, stored)
}

func (s *Server) handleDeleteAgent(w http.ResponseWriter, r *http.Request) {
	path, _ := wildcardPath(r)
	if !s.requireAgentVerb(w, r, authz.AgentVerbDelete, audit.ActionDeleteAgent, path) {
		return
	}

	before, err := s.agents.Get(r.Context(), path)
	if err != nil {
		s.writeStorageError(w, r, err)
		return
	}
	if err := s.agents.Delete(r.Context(), path); err != nil {
		s.writeStorageError(w, r, err)
		return
	}
	if !s.auditMutation(w, r, &audit.Entry{
		Subject: identityFrom(r.Context()).Subject,
		Action:  audit.ActionDeleteAgent,
		Target:  path,
		Delta:   &audit.Delta{Before: rawJSON(before)},
	}) {
		return
	}
	s.notify(string(events.TypeAgentChanged), path)
	w.WriteHeader(http.StatusNoContent)
}

// handleAgentAction dispatches POST /api/agents/{path}/{toggle|rate}.
func (s *Server) handleAgentAction(w http.ResponseWriter, r *http.Request) {
	path, action := wildcardPath(r, actionToggle, actionRate)
	switch action {
	case actionToggle:
		s.toggleAgent(w, r, path)
	case actionRate:
		s.rateAgent(w, r, path)
	default:
		s.writeError(w, r, http.StatusNotFound, "not_found", "unknown agent action")
	}
}

func (s *Server) toggleAgent(w http.ResponseWriter, r *http.Request, path string) {
	if !s.requireAgentVerb(w, r, authz.AgentVerbModify, audit.ActionToggleAgent, path) {
		return
	}
	var body struct {
		Enabled bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, r, http.StatusBadRequest, "invalid_request", "expected {\"enabled\": bool}")
		return
	}

	stored, err := s.agents.Toggle(r.Context(), path, body.Enabled)
	if err != nil {
		s.writeStorageError(w, r, err)
		return
	}
	if !s.auditMutation(w, r, &audit.Entry{
		Subject: identityFrom(r.Context()).Subject,
		Action:  audit.ActionToggleAgent,
		Target:  path,
		Reason:  fmt.Sprintf("enabled=%t", body.Enabled),
	}) {
		return
	}
	s.notify(string(events.TypeAgentChanged), path)
	s.writeJSON(w, http.StatusOK, stored)
}

func (s *Server) rateAgent(w http.ResponseWriter, r *http.Request, path string) {
	var body struct {
		Rating int `json:"rating"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Rating < 1 || body.Rating > 5 {
		s.writeError(w, r, http.StatusBadRequest, "invalid_request", "rating must be an integer between 1 and 5")
		return
	}

	record, err := s.agents.Get(r.Context(), path)
	if err != nil {
		s.writeStorageError(w, r, err)
		return
	}
	record.NumStars = foldRating(record.NumStars, record.RatingCount, body.Rating)
	record.RatingCount++

	stored, err := s.agents.Put(r.Context(), record, registry.PutOptions{IfVersion: record.Version})
	if err != nil {
		s.writeStorageError(w, r, err)
		return
	}
	if !s.auditMutation(w, r, &audit.Entry{
		Subject: identityFrom(r.Context()).Subject,
		Action:  audit.ActionRate,
		Target:  path,
		Reason:  fmt.Sprintf("rating=%d", body.Rating),
	}) {
		return
	}
	s.writeJSON(w, http.StatusOK, stored)
}

// requireAgentVerb checks agent_scopes for the verb, auditing denials.
func (s *Server) requireAgentVerb(w http.ResponseWriter, r *http.Request, verb authz.AgentVerb, action, path string) bool {
	identity := identityFrom(r.Context())
	decision := s.engine.AuthorizeAgent(s.policies.Snapshot(), identity, verb, path)
	if decision.Allow {
		return true
	}
	s.appendAudit(r, &audit.Entry{
		Subject:    identity.Subject,
		Action:     action,
		Target:     path,
		Decision:   audit.DecisionDeny,
		Reason:     decision.Reason,
		HTTPStatus: http.StatusForbidden,
	})
	s.writeError(w, r, http.StatusForbidden, "forbidden", "not permitted")
	return false
}

func (s *Server) presentAgent(record *registry.AgentRecord) *registry.AgentRecord {
	out := record.Clone()
	out.HealthStatus = registry.EffectiveHealth(out.HealthStatus, out.LastCheckedTime, s.staleness)
	return out
}

func validateAgentRecord(record *registry.AgentRecord) error {
	if !strings.HasPrefix(record.Path, "/") || record.Path == "/" {
		return fmt.Errorf("path must start with / and not be the root")
	}
	for _, reserved := range []string{actionToggle, actionRate} {
		if strings.HasSuffix(record.Path, "/"+reserved) {
			return fmt.Errorf("path cannot end with reserved segment %q", reserved)
		}
	}
	if record.Name == "" {
		return fmt.Errorf("name is required")
	}
	if record.URL == "" {
		return fmt.Errorf("url is required")
	}
	return nil
}
