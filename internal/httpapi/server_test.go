package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mcp-gateway/mcpgw-go/internal/audit"
	"github.com/mcp-gateway/mcpgw-go/internal/auth"
	"github.com/mcp-gateway/mcpgw-go/internal/authz"
	"github.com/mcp-gateway/mcpgw-go/internal/config"
	"github.com/mcp-gateway/mcpgw-go/internal/index"
	"github.com/mcp-gateway/mcpgw-go/internal/registry"
	"github.com/mcp-gateway/mcpgw-go/internal/scopes"
)

const testPolicyYAML = `
group_mappings:
  devs: [fin-users]
  admins: [registry-admins]
mcp_server_scopes:
  fin-users:
    - server: /fin
      methods: [initialize, ping, tools/list, tools/call]
      tools: [get_quote]
  registry-admins:
    - server: "*"
      methods: ["*"]
      tools: ["*"]
ui_scopes:
  fin-users:
    visible_servers: [/fin]
    visible_agents: [/agents/research]
agent_scopes:
  fin-users:
    list_agents: [all]
    get_agent: [/agents/research]
`

type memServers struct {
	mu      sync.Mutex
	records map[string]*registry.ServerRecord
}

func (r *memServers) Get(_ context.Context, path string) (*registry.ServerRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[path]
	if !ok {
		return nil, registry.ErrNotFound
	}
	return rec.Clone(), nil
}

func (r *memServers) List(_ context.Context) ([]*registry.ServerRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*registry.ServerRecord, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, rec.Clone())
	}
	return out, nil
}

func (r *memServers) Put(_ context.Context, record *registry.ServerRecord, opts registry.PutOptions) (*registry.ServerRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	existing := r.records[record.Path]
	if opts.MustNotExist && existing != nil {
		return nil, registry.ErrConflict
	}
	if opts.IfVersion != 0 {
		if existing == nil || existing.Version != opts.IfVersion {
			return nil, registry.ErrVersionMismatch
		}
	}
	stored := record.Clone()
	stored.Version++
	r.records[record.Path] = stored
	return stored.Clone(), nil
}

func (r *memServers) Delete(_ context.Context, path string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.records[path]; !ok {
		return registry.ErrNotFound
	}
	delete(r.records, path)
	return nil
}

func (r *memServers) Toggle(ctx context.Context, path string, enabled bool) (*registry.ServerRecord, error) {
	rec, err := r.Get(ctx, path)
	if err != nil {
		return nil, err
	}
	rec.Enabled = enabled
	return r.Put(ctx, rec, registry.PutOptions{})
}

type memAgents struct {
	mu      sync.Mutex
	records map[string]*registry.AgentRecord
}

func (r *memAgents) Get(_ context.Context, path string) (*registry.AgentRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[path]
	if !ok {
		return nil, registry.ErrNotFound
	}
	return rec.Clone(), nil
}

func (r *memAgents) List(_ context.Context) ([]*registry.AgentRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*registry.AgentRecord, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, rec.Clone())
	}
	return out, nil
}

func (r *memAgents) Put(_ context.Context, record *registry.AgentRecord, opts registry.PutOptions) (*registry.AgentRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	existing := r.records[record.Path]
	if opts.MustNotExist && existing != nil {
		return nil, registry.ErrConflict
	}
	if opts.IfVersion != 0 {
		if existing == nil || existing.Version != opts.IfVersion {
			return nil, registry.ErrVersionMismatch
		}
	}
	stored := record.Clone()
	stored.Version++
	r.records[record.Path] = stored
	return stored.Clone(), nil
}

func (r *memAgents) Delete(_ context.Context, path string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.records[path]; !ok {
		return registry.ErrNotFound
	}
	delete(r.records, path)
	return nil
}

func (r *memAgents) Toggle(ctx context.Context, path string, enabled bool) (*registry.AgentRecord, error) {
	rec, err := r.Get(ctx, path)
	if err != nil {
		return nil, err
	}
	rec.Enabled = enabled
	return r.Put(ctx, rec, registry.PutOptions{})
}

// tokenValidator maps bearer tokens to identities.
type tokenValidator struct {
	identities map[string]*auth.Identity
}

func (v *tokenValidator) Validate(_ context.Context, raw string) (*auth.Identity, error) {
	if raw == "" {
		return nil, auth.ErrNoToken
	}
	identity, ok := v.identities[raw]
	if !ok {
		return nil, auth.ErrInvalidToken
	}
	return identity, nil
}

type memAuditor struct {
	mu      sync.Mutex
	entries []*audit.Entry
}

func (a *memAuditor) Append(entry *audit.Entry) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, entry)
	return nil
}

func (a *memAuditor) List(filter audit.Filter) ([]*audit.Entry, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []*audit.Entry
	for i := len(a.entries) - 1; i >= 0; i-- {
		entry := a.entries[i]
		if filter.Action != "" && entry.Action != filter.Action {
			continue
		}
		out = append(out, entry)
		if len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

func (a *memAuditor) last() *audit.Entry {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.entries) == 0 {
		return nil
	}
	return a.entries[len(a.entries)-1]
}

type stubSearcher struct {
	result *index.SearchResult
	limits index.Limits
}

func (s *stubSearcher) Search(_ context.Context, _ string, visible func(string) bool, limits index.Limits) (*index.SearchResult, error) {
	s.limits = limits
	out := &index.SearchResult{Degraded: s.result.Degraded}
	for _, grp := range s.result.Groups {
		if limits.TopKServices > 0 && len(out.Groups) >= limits.TopKServices {
			break
		}
		if visible == nil || visible(grp.ServerPath) {
			out.Groups = append(out.Groups, grp)
		}
	}
	return out, nil
}

type stubRefresher struct {
	servers *memServers
}

func (s *stubRefresher) Refresh(ctx context.Context, path string) (*registry.ServerRecord, error) {
	rec, err := s.servers.Get(ctx, path)
	if err != nil {
		return nil, err
	}
	rec.HealthStatus = registry.HealthHealthy
	rec.LastCheckedTime = time.Now().UTC()
	return s.servers.Put(ctx, rec, registry.PutOptions{})
}

type testEnv struct {
	server   *Server
	servers  *memServers
	agents   *memAgents
	auditor  *memAuditor
	searcher *stubSearcher
	notified []string
	policy   string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	policyPath := filepath.Join(t.TempDir(), "scopes.yml")
	require.NoError(t, os.WriteFile(policyPath, []byte(testPolicyYAML), 0o644))
	loader, err := scopes.NewLoader(policyPath, zap.NewNop().Sugar())
	require.NoError(t, err)

	servers := &memServers{records: map[string]*registry.ServerRecord{}}
	agents := &memAgents{records: map[string]*registry.AgentRecord{}}
	auditor := &memAuditor{}

	env := &testEnv{servers: servers, agents: agents, auditor: auditor, policy: policyPath}
	env.searcher = &stubSearcher{result: &index.SearchResult{Groups: []index.ServerGroup{
		{ServerPath: "/fin", Score: 0.9},
		{ServerPath: "/hr", Score: 0.5},
	}}}

	validator := &tokenValidator{identities: map[string]*auth.Identity{
		"dev-token": {
			Subject:     "alice",
			Groups:      []string{"devs"},
			TokenExpiry: time.Now().Add(time.Hour),
		},
		"admin-token": {
			Subject:     "root",
			Groups:      []string{"admins"},
			TokenExpiry: time.Now().Add(time.Hour),
		},
	}}

	env.server = NewServer(Options{
		Servers:   servers,
		Agents:    agents,
		Policies:  loader,
		Validator: validator,
		Engine:    authz.NewEngine(zap.NewNop().Sugar()),
		Auditor:   auditor,
		Searcher:  env.searcher,
		Refresher: &stubRefresher{servers: servers},
		Notify:    func(_, path string) { env.notified = append(env.notified, path) },
		Health:    config.HealthConfig{StalenessWindow: 15 * time.Minute},
		Logger:    zap.NewNop().Sugar(),
	})
	return env
}

func (env *testEnv) seedServers(t *testing.T) {
	t.Helper()
	for _, path := range []string{"/fin", "/hr"} {
		_, err := env.servers.Put(context.Background(), &registry.ServerRecord{
			Path:            path,
			ServerName:      path,
			ProxyPassURL:    "http://upstream" + path,
			Enabled:         true,
			HealthStatus:    registry.HealthHealthy,
			LastCheckedTime: time.Now().UTC(),
		}, registry.PutOptions{})
		require.NoError(t, err)
	}
}

func (env *testEnv) do(method, target, token, body string) *httptest.ResponseRecorder {
	var reader *strings.Reader
	if body != "" {
		reader = strings.NewReader(body)
	} else {
		reader = strings.NewReader("")
	}
	req := httptest.NewRequest(method, target, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	env.server.Router().ServeHTTP(rec, req)
	return rec
}

func TestHealthzUnauthenticated(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(http.MethodGet, "/api/healthz", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"ok"`)
}

func TestAPIRequiresToken(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(http.MethodGet, "/api/servers", "", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	var body map[string]map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "missing_token", body["error"]["code"])
	assert.NotEmpty(t, body["error"]["request_id"])
}

func TestListServersFiltersVisibility(t *testing.T) {
	env := newTestEnv(t)
	env.seedServers(t)

	rec := env.do(http.MethodGet, "/api/servers", "dev-token", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Servers []registry.ServerRecord `json:"servers"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Servers, 1)
	assert.Equal(t, "/fin", body.Servers[0].Path)

	rec = env.do(http.MethodGet, "/api/servers", "admin-token", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Len(t, body.Servers, 2)
}

func TestGetServerInvisibleIs404(t *testing.T) {
	env := newTestEnv(t)
	env.seedServers(t)

	rec := env.do(http.MethodGet, "/api/servers/hr", "dev-token", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(http.MethodGet, "/api/servers/fin", "dev-token", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestStaleHealthReportsUnknown(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.servers.Put(context.Background(), &registry.ServerRecord{
		Path:            "/fin",
		ServerName:      "fin",
		ProxyPassURL:    "http://upstream/fin",
		Enabled:         true,
		HealthStatus:    registry.HealthHealthy,
		LastCheckedTime: time.Now().Add(-time.Hour),
	}, registry.PutOptions{})
	require.NoError(t, err)

	rec := env.do(http.MethodGet, "/api/servers/fin", "admin-token", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var record registry.ServerRecord
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &record))
	assert.Equal(t, registry.HealthUnknown, record.HealthStatus)
}

func TestRegisterServerRequiresAdmin(t *testing.T) {
	env := newTestEnv(t)
	payload := `{"path":"/new","server_name":"new","proxy_pass_url":"http://up/new"}`

	rec := env.do(http.MethodPost, "/api/servers", "dev-token", payload)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	entry := env.auditor.last()
	require.NotNil(t, entry)
	assert.Equal(t, audit.DecisionDeny, entry.Decision)
	assert.Equal(t, authz.ReasonNotAdmin, entry.Reason)

	rec = env.do(http.MethodPost, "/api/servers", "admin-token", payload)
	assert.Equal(t, http.StatusCreated, rec.Code)
	entry = env.auditor.last()
	require.NotNil(t, entry)
	assert.Equal(t, audit.DecisionAllow, entry.Decision)
	assert.Equal(t, audit.ActionRegisterServer, entry.Action)
	assert.Contains(t, env.notified, "/new")

	// Duplicate registration conflicts.
	rec = env.do(http.MethodPost, "/api/servers", "admin-token", payload)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestRegisterServerValidation(t *testing.T) {
	env := newTestEnv(t)
	tests := []struct {
		name    string
		payload string
	}{
		{"missing path", `{"server_name":"x","proxy_pass_url":"http://u"}`},
		{"relative path", `{"path":"fin","server_name":"x","proxy_pass_url":"http://u"}`},
		{"reserved suffix", `{"path":"/fin/mcp","server_name":"x","proxy_pass_url":"http://u"}`},
		{"missing url", `{"path":"/fin2","server_name":"x"}`},
		{"missing name", `{"path":"/fin2","proxy_pass_url":"http://u"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(http.MethodPost, "/api/servers", "admin-token", tt.payload)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestEditServerVersionConflict(t *testing.T) {
	env := newTestEnv(t)
	env.seedServers(t)

	payload := `{"server_name":"fin2","proxy_pass_url":"http://up/fin","version":99}`
	rec := env.do(http.MethodPut, "/api/servers/fin", "admin-token", payload)
	assert.Equal(t, http.StatusConflict, rec.Code)

	payload = `{"server_name":"fin2","proxy_pass_url":"http://up/fin","version":1}`
	rec = env.do(http.MethodPut, "/api/servers/fin", "admin-token", payload)
	assert.Equal(t, http.StatusOK, rec.Code)
	var record registry.ServerRecord
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &record))
	assert.Equal(t, "fin2", record.ServerName)
	assert.Equal(t, 2, record.Version)
}

func TestToggleServer(t *testing.T) {
	env := newTestEnv(t)
	env.seedServers(t)

	rec := env.do(http.MethodPost, "/api/servers/fin/toggle", "admin-token", `{"enabled":false}`)
	require.Equal(t, http.StatusOK, rec.Code)

	stored, err := env.servers.Get(context.Background(), "/fin")
	require.NoError(t, err)
	assert.False(t, stored.Enabled)
	assert.Equal(t, audit.ActionToggleServer, env.auditor.last().Action)

	rec = env.do(http.MethodPost, "/api/servers/fin/toggle", "dev-token", `{"enabled":true}`)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestRateServerRunningAverage(t *testing.T) {
	env := newTestEnv(t)
	env.seedServers(t)

	rec := env.do(http.MethodPost, "/api/servers/fin/rate", "dev-token", `{"rating":4}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var record registry.ServerRecord
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &record))
	assert.Equal(t, 4.0, record.NumStars)
	assert.Equal(t, 1, record.RatingCount)

	rec = env.do(http.MethodPost, "/api/servers/fin/rate", "admin-token", `{"rating":5}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &record))
	assert.Equal(t, 4.5, record.NumStars)
	assert.Equal(t, 2, record.RatingCount)

	rec = env.do(http.MethodPost, "/api/servers/fin/rate", "dev-token", `{"rating":6}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRefreshServer(t *testing.T) {
	env := newTestEnv(t)
	env.seedServers(t)

	// Any authenticated caller may refresh a server it can see.
	rec := env.do(http.MethodPost, "/api/servers/fin/refresh", "dev-token", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, audit.ActionRescanServer, env.auditor.last().Action)

	// Invisible servers 404 rather than 403 so paths stay unguessable.
	rec = env.do(http.MethodPost, "/api/servers/hr/refresh", "dev-token", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(http.MethodPost, "/api/servers/hr/refresh", "admin-token", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestSearchHonorsResultShapeParams(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(http.MethodGet, "/api/search?q=stock&top_k_services=1&top_n_tools=2", "admin-token", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var result index.SearchResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Len(t, result.Groups, 1)
	assert.Equal(t, index.Limits{TopKServices: 1, TopNTools: 2}, env.searcher.limits)

	// Junk or non-positive values fall back to the configured defaults.
	rec = env.do(http.MethodGet, "/api/search?q=stock&top_k_services=-3&top_n_tools=junk", "admin-token", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, index.Limits{}, env.searcher.limits)
}

func TestDeleteServer(t *testing.T) {
	env := newTestEnv(t)
	env.seedServers(t)

	rec := env.do(http.MethodDelete, "/api/servers/fin", "admin-token", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)

	_, err := env.servers.Get(context.Background(), "/fin")
	assert.ErrorIs(t, err, registry.ErrNotFound)

	entry := env.auditor.last()
	assert.Equal(t, audit.ActionDeleteServer, entry.Action)
	require.NotNil(t, entry.Delta)
	assert.NotEmpty(t, entry.Delta.Before)
}

func TestSearchFiltersByVisibility(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(http.MethodGet, "/api/search?q=stock", "dev-token", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var result index.SearchResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	require.Len(t, result.Groups, 1)
	assert.Equal(t, "/fin", result.Groups[0].ServerPath)

	rec = env.do(http.MethodGet, "/api/search?q=stock", "admin-token", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Len(t, result.Groups, 2)

	rec = env.do(http.MethodGet, "/api/search", "dev-token", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPolicyReload(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(http.MethodPost, "/api/policy/reload", "dev-token", "")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = env.do(http.MethodPost, "/api/policy/reload", "admin-token", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	// A broken policy file keeps the previous snapshot in effect.
	require.NoError(t, os.WriteFile(env.policy, []byte("group_mappings:\n  ghosts: [nonexistent]\n"), 0o644))
	rec = env.do(http.MethodPost, "/api/policy/reload", "admin-token", "")
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = env.do(http.MethodGet, "/api/servers", "admin-token", "")
	assert.Equal(t, http.StatusOK, rec.Code, "old policy must remain usable")
}

func TestAuditListAdminOnly(t *testing.T) {
	env := newTestEnv(t)
	env.seedServers(t)
	env.do(http.MethodPost, "/api/servers/fin/toggle", "admin-token", `{"enabled":false}`)

	rec := env.do(http.MethodGet, "/api/audit", "dev-token", "")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = env.do(http.MethodGet, "/api/audit?action=toggle_server", "admin-token", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Entries []*audit.Entry `json:"entries"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Entries, 1)
	assert.Equal(t, audit.ActionToggleServer, body.Entries[0].Action)
}

func TestAgentLifecycle(t *testing.T) {
	env := newTestEnv(t)
	payload := `{"path":"/agents/research","name":"research","url":"http://agents/research"}`

	// Publishing needs the publish verb; devs only have list/get.
	rec := env.do(http.MethodPost, "/api/agents", "dev-token", payload)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = env.do(http.MethodPost, "/api/agents", "admin-token", payload)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = env.do(http.MethodGet, "/api/agents/agents/research", "dev-token", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(http.MethodGet, "/api/agents", "dev-token", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Agents []registry.AgentRecord `json:"agents"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Len(t, body.Agents, 1)

	rec = env.do(http.MethodDelete, "/api/agents/agents/research", "dev-token", "")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = env.do(http.MethodDelete, "/api/agents/agents/research", "admin-token", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func newRouteContext(wildcard string) context.Context {
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add("*", wildcard)
	return context.WithValue(context.Background(), chi.RouteCtxKey, rctx)
}

func TestWildcardPathActions(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/", nil).WithContext(newRouteContext("fin/api/toggle"))
	path, action := wildcardPath(req, actionToggle, actionRate)
	assert.Equal(t, "/fin/api", path)
	assert.Equal(t, actionToggle, action)

	req = httptest.NewRequest(http.MethodPost, "/", nil).WithContext(newRouteContext("fin/api"))
	path, action = wildcardPath(req, actionToggle)
	assert.Equal(t, "/fin/api", path)
	assert.Empty(t, action)
}
