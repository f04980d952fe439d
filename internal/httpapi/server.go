// Package httpapi exposes the gateway's admin and discovery REST API.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/mcp-gateway/mcpgw-go/internal/audit"
	"github.com/mcp-gateway/mcpgw-go/internal/auth"
	"github.com/mcp-gateway/mcpgw-go/internal/authz"
	"github.com/mcp-gateway/mcpgw-go/internal/config"
	"github.com/mcp-gateway/mcpgw-go/internal/index"
	"github.com/mcp-gateway/mcpgw-go/internal/observability"
	"github.com/mcp-gateway/mcpgw-go/internal/registry"
	"github.com/mcp-gateway/mcpgw-go/internal/reqcontext"
	"github.com/mcp-gateway/mcpgw-go/internal/scopes"
)

// TokenValidator verifies bearer tokens.
type TokenValidator interface {
	Validate(ctx context.Context, raw string) (*auth.Identity, error)
}

// Refresher synchronously re-probes one server and refreshes its tool list.
type Refresher interface {
	Refresh(ctx context.Context, path string) (*registry.ServerRecord, error)
}

// Searcher runs hybrid discovery queries.
type Searcher interface {
	Search(ctx context.Context, query string, visible func(serverPath string) bool, limits index.Limits) (*index.SearchResult, error)
}

// Auditor records decisions and mutations.
type Auditor interface {
	Append(entry *audit.Entry) error
	List(filter audit.Filter) ([]*audit.Entry, error)
}

// Server provides the REST API with a chi router.
type Server struct {
	servers   registry.ServerRepository
	agents    registry.AgentRepository
	policies  *scopes.Loader
	validator TokenValidator
	engine    *authz.Engine
	auditor   Auditor
	searcher  Searcher
	refresher Refresher
	notify    func(eventType, path string)
	metrics   *observability.MetricsManager
	staleness time.Duration
	logger    *zap.SugaredLogger
	router    *chi.Mux
	started   time.Time
}

// Options bundles the server's collaborators.
type Options struct {
	Servers   registry.ServerRepository
	Agents    registry.AgentRepository
	Policies  *scopes.Loader
	Validator TokenValidator
	Engine    *authz.Engine
	Auditor   Auditor
	Searcher  Searcher
	Refresher Refresher
	Notify    func(eventType, path string)
	Metrics   *observability.MetricsManager
	Proxy     http.Handler
	Health    config.HealthConfig
	Logger    *zap.SugaredLogger
}

// NewServer creates the HTTP API server and mounts all routes.
func NewServer(opts Options) *Server {
	notify := opts.Notify
	if notify == nil {
		notify = func(string, string) {}
	}
	s := &Server{
		servers:   opts.Servers,
		agents:    opts.Agents,
		policies:  opts.Policies,
		validator: opts.Validator,
		engine:    opts.Engine,
		auditor:   opts.Auditor,
		searcher:  opts.Searcher,
		refresher: opts.Refresher,
		notify:    notify,
		metrics:   opts.Metrics,
		staleness: opts.Health.StalenessWindow,
		logger:    opts.Logger,
		router:    chi.NewRouter(),
		started:   time.Now(),
	}
	s.setupRoutes(opts.Proxy)
	return s
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler { return s.router }

func (s *Server) setupRoutes(proxy http.Handler) {
	s.router.Use(RequestIDMiddleware)
	s.router.Use(RequestIDLoggerMiddleware(s.logger))
	s.router.Use(MetricsMiddleware(s.metrics))
	s.router.Use(middleware.Recoverer)

	// Unauthenticated surface.
	s.router.Get("/api/healthz", s.handleHealthz)
	if s.metrics != nil {
		s.router.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}

	s.router.Route("/api", func(r chi.Router) {
		r.Use(s.authMiddleware)

		r.Get("/servers", s.handleListServers)
		r.Post("/servers", s.handleRegisterServer)
		r.Get("/servers/*", s.handleGetServer)
		r.Put("/servers/*", s.handleEditServer)
		r.Delete("/servers/*", s.handleDeleteServer)
		r.Post("/servers/*", s.handleServerAction)

		r.Get("/agents", s.handleListAgents)
		r.Post("/agents", s.handleRegisterAgent)
		r.Get("/agents/*", s.handleGetAgent)
		r.Put("/agents/*", s.handleEditAgent)
		r.Delete("/agents/*", s.handleDeleteAgent)
		r.Post("/agents/*", s.handleAgentAction)

		r.Get("/search", s.handleSearch)
		r.Post("/policy/reload", s.handlePolicyReload)
		r.Get("/audit", s.handleAuditList)
	})

	// Everything else is proxied MCP traffic.
	if proxy != nil {
		s.router.Handle("/*", proxy)
	}
}

// handleHealthz reports gateway liveness. It says nothing about upstreams.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"uptime": time.Since(s.started).Round(time.Second).String(),
	})
}

// wildcardPath recovers the server/agent path from the route wildcard,
// stripping a trailing action segment when it is one of the given actions.
func wildcardPath(r *http.Request, actions ...string) (path, action string) {
	wildcard := chi.URLParam(r, "*")
	for _, candidate := range actions {
		if strings.HasSuffix(wildcard, "/"+candidate) {
			return "/" + strings.TrimSuffix(wildcard, "/"+candidate), candidate
		}
	}
	return "/" + wildcard, ""
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Warnw("Failed to encode response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	s.writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"code":       code,
			"message":    message,
			"request_id": reqcontext.GetRequestID(r.Context()),
		},
	})
}

// writeStorageError maps repository errors onto HTTP statuses.
func (s *Server) writeStorageError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case err == nil:
		return
	case errors.Is(err, registry.ErrNotFound):
		s.writeError(w, r, http.StatusNotFound, "not_found", "record not found")
	case errors.Is(err, registry.ErrConflict):
		s.writeError(w, r, http.StatusConflict, "already_exists", "record already exists")
	case errors.Is(err, registry.ErrVersionMismatch):
		s.writeError(w, r, http.StatusConflict, "version_mismatch", "record was modified concurrently")
	default:
		GetLogger(r.Context()).Errorw("Storage operation failed", "error", err)
		s.writeError(w, r, http.StatusInternalServerError, "internal_error", "storage failure")
	}
}

// requireAdmin checks the admin action and writes the audit trail for
// denials. Returns false when the response has been written.
func (s *Server) requireAdmin(w http.ResponseWriter, r *http.Request, action authz.AdminAction, target string) bool {
	identity := identityFrom(r.Context())
	decision := s.engine.AuthorizeAdmin(s.policies.Snapshot(), identity, action)
	if decision.Allow {
		return true
	}
	s.appendAudit(r, &audit.Entry{
		Subject:    identity.Subject,
		Action:     string(action),
		Target:     target,
		Decision:   audit.DecisionDeny,
		Reason:     decision.Reason,
		HTTPStatus: http.StatusForbidden,
	})
	s.writeError(w, r, http.StatusForbidden, "forbidden", "admin scope required")
	return false
}

// appendAudit records an entry; failures are logged but do not fail the
// request for read paths. Mutation handlers call the auditor directly so a
// failed write blocks the response.
func (s *Server) appendAudit(r *http.Request, entry *audit.Entry) {
	entry.RequestID = reqcontext.GetRequestID(r.Context())
	if err := s.auditor.Append(entry); err != nil {
		GetLogger(r.Context()).Errorw("Audit append failed", "error", err)
	}
}

// auditMutation writes the allow entry before the response; an audit
// failure turns the mutation response into an error.
func (s *Server) auditMutation(w http.ResponseWriter, r *http.Request, entry *audit.Entry) bool {
	entry.RequestID = reqcontext.GetRequestID(r.Context())
	entry.Decision = audit.DecisionAllow
	if err := s.auditor.Append(entry); err != nil {
		GetLogger(r.Context()).Errorw("Audit append failed", "error", err)
		s.writeError(w, r, http.StatusInternalServerError, "internal_error", "audit failure")
		return false
	}
	return true
}

func rawJSON(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return data
}
