package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/mcp-gateway/mcpgw-go/internal/audit"
	"github.com/mcp-gateway/mcpgw-go/internal/authz"
	"github.com/mcp-gateway/mcpgw-go/internal/events"
	"github.com/mcp-gateway/mcpgw-go/internal/index"
)

// handleSearch runs a hybrid discovery query filtered to what the caller
// may see. top_k_services and top_n_tools reshape the result per query.
func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	query := q.Get("q")
	if query == "" {
		s.writeError(w, r, http.StatusBadRequest, "invalid_request", "query parameter q is required")
		return
	}

	var limits index.Limits
	if topK, err := strconv.Atoi(q.Get("top_k_services")); err == nil && topK > 0 {
		limits.TopKServices = topK
	}
	if topN, err := strconv.Atoi(q.Get("top_n_tools")); err == nil && topN > 0 {
		limits.TopNTools = topN
	}

	identity := identityFrom(r.Context())
	policy := s.policies.Snapshot()
	visible := func(serverPath string) bool {
		return s.engine.IsServerVisible(policy, identity, serverPath) ||
			s.engine.IsAgentVisible(policy, identity, serverPath)
	}

	result, err := s.searcher.Search(r.Context(), query, visible, limits)
	if err != nil {
		GetLogger(r.Context()).Errorw("Search failed", "error", err)
		s.writeError(w, r, http.StatusInternalServerError, "internal_error", "search failure")
		return
	}
	if s.metrics != nil {
		s.metrics.RecordSearch(result.Degraded)
	}
	s.writeJSON(w, http.StatusOK, result)
}

// handlePolicyReload re-reads the scope policy. A failed reload keeps the
// previous snapshot and reports the validation errors.
func (s *Server) handlePolicyReload(w http.ResponseWriter, r *http.Request) {
	if !s.requireAdmin(w, r, authz.ActionReloadPolicy, "policy") {
		return
	}
	if err := s.policies.Reload(); err != nil {
		s.writeError(w, r, http.StatusUnprocessableEntity, "policy_invalid", err.Error())
		return
	}
	if !s.auditMutation(w, r, &audit.Entry{
		Subject: identityFrom(r.Context()).Subject,
		Action:  audit.ActionReloadPolicy,
		Target:  "policy",
	}) {
		return
	}
	s.notify(string(events.TypePolicyReloaded), "")
	s.writeJSON(w, http.StatusOK, map[string]any{"status": "reloaded"})
}

// handleAuditList returns audit entries newest-first, admins only.
func (s *Server) handleAuditList(w http.ResponseWriter, r *http.Request) {
	identity := identityFrom(r.Context())
	decision := s.engine.AuthorizeAdmin(s.policies.Snapshot(), identity, authz.ActionViewAudit)
	if !decision.Allow {
		s.writeError(w, r, http.StatusForbidden, "forbidden", "admin scope required")
		return
	}

	filter := audit.DefaultFilter()
	q := r.URL.Query()
	filter.Subject = q.Get("subject")
	filter.Action = q.Get("action")
	filter.Target = q.Get("target")
	if limit, err := strconv.Atoi(q.Get("limit")); err == nil && limit > 0 && limit <= 1000 {
		filter.Limit = limit
	}
	if offset, err := strconv.Atoi(q.Get("offset")); err == nil && offset >= 0 {
		filter.Offset = offset
	}
	if start, err := time.Parse(time.RFC3339, q.Get("start")); err == nil {
		filter.StartTime = start
	}
	if end, err := time.Parse(time.RFC3339, q.Get("end")); err == nil {
		filter.EndTime = end
	}

	entries, err := s.auditor.List(filter)
	if err != nil {
		GetLogger(r.Context()).Errorw("Audit list failed", "error", err)
		s.writeError(w, r, http.StatusInternalServerError, "internal_error", "audit read failure")
		return
	}
	if entries == nil {
		entries = []*audit.Entry{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}
