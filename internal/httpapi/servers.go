package httpapi

import (
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"strings"

	"github.com/mcp-gateway/mcpgw-go/internal/audit"
	"github.com/mcp-gateway/mcpgw-go/internal/authz"
	"github.com/mcp-gateway/mcpgw-go/internal/events"
	"github.com/mcp-gateway/mcpgw-go/internal/registry"
)

// Action segments reserved at the end of server and agent paths.
const (
	actionToggle  = "toggle"
	actionRefresh = "refresh"
	actionRate    = "rate"
)

func (s *Server) handleListServers(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity := identityFrom(ctx)

	records, err := s.servers.List(ctx)
	if err != nil {
		s.writeStorageError(w, r, err)
		return
	}

	paths := make([]string, len(records))
	byPath := make(map[string]*registry.ServerRecord, len(records))
	for i, record := range records {
		paths[i] = record.Path
		byPath[record.Path] = record
	}
	visible := s.engine.VisibleServers(s.policies.Snapshot(), identity, paths)

	out := make([]*registry.ServerRecord, 0, len(visible))
	for _, path := range visible {
		out = append(out, s.presentServer(byPath[path]))
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"servers": out})
}

func (s *Server) handleRegisterServer(w http.ResponseWriter, r *http.Request) {
	record := &registry.ServerRecord{}
	if err := json.NewDecoder(r.Body).Decode(record); err != nil {
		s.writeError(w, r, http.StatusBadRequest, "invalid_request", "request body is not a server record")
		return
	}
	if err := validateServerRecord(record); err != nil {
		s.writeError(w, r, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if !s.requireAdmin(w, r, authz.ActionRegisterServer, record.Path) {
		return
	}

	stored, err := s.servers.Put(r.Context(), record, registry.PutOptions{MustNotExist: true})
	if err != nil {
		s.writeStorageError(w, r, err)
		return
	}
	if !s.auditMutation(w, r, &audit.Entry{
		Subject: identityFrom(r.Context()).Subject,
		Action:  audit.ActionRegisterServer,
		Target:  stored.Path,
		Delta:   &audit.Delta{After: rawJSON(stored)},
	}) {
		return
	}
	s.notify(string(events.TypeServerChanged), stored.Path)
	s.writeJSON(w, http.StatusCreated, stored)
}

func (s *Server) handleGetServer(w http.ResponseWriter, r *http.Request) {
	path, _ := wildcardPath(r)
	identity := identityFrom(r.Context())

	record, err := s.servers.Get(r.Context(), path)
	if err != nil {
		s.writeStorageError(w, r, err)
		return
	}
	// Invisible reads 404 rather than 403 so callers cannot probe for
	// registered paths.
	if !s.engine.IsServerVisible(s.policies.Snapshot(), identity, path) {
		s.writeError(w, r, http.StatusNotFound, "not_found", "record not found")
		return
	}
	s.writeJSON(w, http.StatusOK, s.presentServer(record))
}

func (s *Server) handleEditServer(w http.ResponseWriter, r *http.Request) {
	path, _ := wildcardPath(r)
	if !s.requireAdmin(w, r, authz.ActionEditServer, path) {
		return
	}

	record := &registry.ServerRecord{}
	if err := json.NewDecoder(r.Body).Decode(record); err != nil {
		s.writeError(w, r, http.StatusBadRequest, "invalid_request", "request body is not a server record")
		return
	}
	record.Path = path
	if err := validateServerRecord(record); err != nil {
		s.writeError(w, r, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	before, err := s.servers.Get(r.Context(), path)
	if err != nil {
		s.writeStorageError(w, r, err)
		return
	}

	// A version in the body makes the edit conditional; zero means
	// last-writer-wins.
	stored, err := s.servers.Put(r.Context(), record, registry.PutOptions{IfVersion: record.Version})
	if err != nil {
		s.writeStorageError(w, r, err)
		return
	}
	if !s.auditMutation(w, r, &audit.Entry{
		Subject: identityFrom(r.Context()).Subject,
		Action:  audit.ActionEditServer,
		Target:  path,
		Delta:   &audit.Delta{Before: rawJSON(before), After: rawJSON(stored)},
	}) {
		return
	}
	s.notify(string(events.TypeServerChanged), path)
	s.writeJSON(w, http.StatusOK, stored)
}

func (s *Server) handleDeleteServer(w http.ResponseWriter, r *http.Request) {
	path, _ := wildcardPath(r)
	if !s.requireAdmin(w, r, authz.ActionDeleteServer, path) {
		return
	}

	before, err := s.servers.Get(r.Context(), path)
	if err != nil {
		s.writeStorageError(w, r, err)
		return
	}
	if err := s.servers.Delete(r.Context(), path); err != nil {
		s.writeStorageError(w, r, err)
		return
	}
	if !s.auditMutation(w, r, &audit.Entry{
		Subject: identityFrom(r.Context()).Subject,
		Action:  audit.ActionDeleteServer,
		Target:  path,
		Delta:   &audit.Delta{Before: rawJSON(before)},
	}) {
		return
	}
	s.notify(string(events.TypeServerChanged), path)
	w.WriteHeader(http.StatusNoContent)
}

// handleServerAction dispatches POST /api/servers/{path}/{toggle|refresh|rate}.
func (s *Server) handleServerAction(w http.ResponseWriter, r *http.Request) {
	path, action := wildcardPath(r, actionToggle, actionRefresh, actionRate)
	switch action {
	case actionToggle:
		s.toggleServer(w, r, path)
	case actionRefresh:
		s.refreshServer(w, r, path)
	case actionRate:
		s.rateServer(w, r, path)
	default:
		s.writeError(w, r, http.StatusNotFound, "not_found", "unknown server action")
	}
}

func (s *Server) toggleServer(w http.ResponseWriter, r *http.Request, path string) {
	if !s.requireAdmin(w, r, authz.ActionToggleServer, path) {
		return
	}
	var body struct {
		Enabled bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, r, http.StatusBadRequest, "invalid_request", "expected {\"enabled\": bool}")
		return
	}

	stored, err := s.servers.Toggle(r.Context(), path, body.Enabled)
	if err != nil {
		s.writeStorageError(w, r, err)
		return
	}
	if !s.auditMutation(w, r, &audit.Entry{
		Subject: identityFrom(r.Context()).Subject,
		Action:  audit.ActionToggleServer,
		Target:  path,
		Reason:  fmt.Sprintf("enabled=%t", body.Enabled),
	}) {
		return
	}
	s.notify(string(events.TypeServerChanged), path)
	s.writeJSON(w, http.StatusOK, stored)
}

// refreshServer re-probes one server on demand. Open to every
// authenticated caller; invisible paths 404 like reads do.
func (s *Server) refreshServer(w http.ResponseWriter, r *http.Request, path string) {
	identity := identityFrom(r.Context())
	if !s.engine.IsServerVisible(s.policies.Snapshot(), identity, path) {
		s.writeError(w, r, http.StatusNotFound, "not_found", "record not found")
		return
	}
	stored, err := s.refresher.Refresh(r.Context(), path)
	if err != nil {
		s.writeStorageError(w, r, err)
		return
	}
	if !s.auditMutation(w, r, &audit.Entry{
		Subject: identity.Subject,
		Action:  audit.ActionRescanServer,
		Target:  path,
	}) {
		return
	}
	s.writeJSON(w, http.StatusOK, s.presentServer(stored))
}

// rateServer folds one 1-5 rating into the running average. Open to every
// authenticated caller.
func (s *Server) rateServer(w http.ResponseWriter, r *http.Request, path string) {
	var body struct {
		Rating int `json:"rating"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Rating < 1 || body.Rating > 5 {
		s.writeError(w, r, http.StatusBadRequest, "invalid_request", "rating must be an integer between 1 and 5")
		return
	}

	record, err := s.servers.Get(r.Context(), path)
	if err != nil {
		s.writeStorageError(w, r, err)
		return
	}
	record.NumStars = foldRating(record.NumStars, record.RatingCount, body.Rating)
	record.RatingCount++

	stored, err := s.servers.Put(r.Context(), record, registry.PutOptions{IfVersion: record.Version})
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

// presentServer applies the staleness rule so responses never claim health
// fresher than the last probe justifies.
func (s *Server) presentServer(record *registry.ServerRecord) *registry.ServerRecord {
	out := record.Clone()
	out.HealthStatus = registry.EffectiveHealth(out.HealthStatus, out.LastCheckedTime, s.staleness)
	return out
}

// foldRating returns the running average with one new sample, kept to one
// decimal place.
func foldRating(average float64, count, rating int) float64 {
	next := (average*float64(count) + float64(rating)) / float64(count+1)
	return math.Round(next*10) / 10
}

func validateServerRecord(record *registry.ServerRecord) error {
	if !strings.HasPrefix(record.Path, "/") || record.Path == "/" {
		return fmt.Errorf("path must start with / and not be the root")
	}
	for _, reserved := range []string{actionToggle, actionRefresh, actionRate, "mcp", "sse"} {
		if strings.HasSuffix(record.Path, "/"+reserved) {
			return fmt.Errorf("path cannot end with reserved segment %q", reserved)
		}
	}
	if record.ServerName == "" {
		return fmt.Errorf("server_name is required")
	}
	if record.ProxyPassURL == "" {
		return fmt.Errorf("proxy_pass_url is required")
	}
	return nil
}
