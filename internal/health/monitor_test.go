package health

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mcp-gateway/mcpgw-go/internal/config"
	"github.com/mcp-gateway/mcpgw-go/internal/events"
	"github.com/mcp-gateway/mcpgw-go/internal/registry"
)

type memServerRepo struct {
	mu      sync.Mutex
	records map[string]*registry.ServerRecord
}

func newMemServerRepo() *memServerRepo {
	return &memServerRepo{records: map[string]*registry.ServerRecord{}}
}

func (r *memServerRepo) Get(_ context.Context, path string) (*registry.ServerRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[path]
	if !ok {
		return nil, registry.ErrNotFound
	}
	return rec.Clone(), nil
}

func (r *memServerRepo) List(_ context.Context) ([]*registry.ServerRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*registry.ServerRecord, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, rec.Clone())
	}
	return out, nil
}

func (r *memServerRepo) Put(_ context.Context, record *registry.ServerRecord, opts registry.PutOptions) (*registry.ServerRecord, error) {
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

func (r *memServerRepo) Delete(_ context.Context, path string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.records[path]; !ok {
		return registry.ErrNotFound
	}
	delete(r.records, path)
	return nil
}

func (r *memServerRepo) Toggle(ctx context.Context, path string, enabled bool) (*registry.ServerRecord, error) {
	rec, err := r.Get(ctx, path)
	if err != nil {
		return nil, err
	}
	rec.Enabled = enabled
	return r.Put(ctx, rec, registry.PutOptions{})
}

type memAgentRepo struct {
	mu      sync.Mutex
	records map[string]*registry.AgentRecord
}

func newMemAgentRepo() *memAgentRepo {
	return &memAgentRepo{records: map[string]*registry.AgentRecord{}}
}

func (r *memAgentRepo) Get(_ context.Context, path string) (*registry.AgentRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[path]
	if !ok {
		return nil, registry.ErrNotFound
	}
	return rec.Clone(), nil
}

func (r *memAgentRepo) List(_ context.Context) ([]*registry.AgentRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*registry.AgentRecord, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, rec.Clone())
	}
	return out, nil
}

func (r *memAgentRepo) Put(_ context.Context, record *registry.AgentRecord, opts registry.PutOptions) (*registry.AgentRecord, error) {
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

func (r *memAgentRepo) Delete(_ context.Context, path string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.records[path]; !ok {
		return registry.ErrNotFound
	}
	delete(r.records, path)
	return nil
}

func (r *memAgentRepo) Toggle(ctx context.Context, path string, enabled bool) (*registry.AgentRecord, error) {
	rec, err := r.Get(ctx, path)
	if err != nil {
		return nil, err
	}
	rec.Enabled = enabled
	return r.Put(ctx, rec, registry.PutOptions{})
}

func testHealthConfig() config.HealthConfig {
	return config.HealthConfig{
		Interval:        time.Minute,
		ProbeTimeout:    2 * time.Second,
		MaxConcurrent:   4,
		BackoffCeiling:  time.Hour,
		StalenessWindow: 15 * time.Minute,
	}
}

func newTestMonitor(t *testing.T) (*Monitor, *memServerRepo, *memAgentRepo, *events.Bus) {
	t.Helper()
	servers := newMemServerRepo()
	agents := newMemAgentRepo()
	bus := events.NewBus()
	mon := NewMonitor(servers, agents, bus, testHealthConfig(), zap.NewNop())
	return mon, servers, agents, bus
}

func seedServer(t *testing.T, repo *memServerRepo, path, url string) {
	t.Helper()
	_, err := repo.Put(context.Background(), &registry.ServerRecord{
		Path:         path,
		ServerName:   path,
		ProxyPassURL: url,
		Enabled:      true,
		HealthStatus: registry.HealthUnknown,
	}, registry.PutOptions{})
	require.NoError(t, err)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		code int
		err  error
		want registry.HealthStatus
	}{
		{"ok", 200, nil, registry.HealthHealthy},
		{"accepted", 202, nil, registry.HealthHealthy},
		{"unauthorized", 401, nil, registry.HealthAuthExpired},
		{"forbidden", 403, nil, registry.HealthAuthExpired},
		{"server error", 500, nil, registry.HealthUnhealthy},
		{"not found", 404, nil, registry.HealthUnhealthy},
		{"transport error", 0, context.DeadlineExceeded, registry.HealthUnhealthy},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, classify(tt.code, tt.err))
		})
	}
}

func TestCheckAllRecordsHealthy(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":{}}`))
	}))
	defer upstream.Close()

	mon, servers, _, _ := newTestMonitor(t)
	seedServer(t, servers, "/fin", upstream.URL)

	mon.CheckAll(context.Background())

	rec, err := servers.Get(context.Background(), "/fin")
	require.NoError(t, err)
	assert.Equal(t, registry.HealthHealthy, rec.HealthStatus)
	assert.False(t, rec.LastCheckedTime.IsZero())
}

func TestCheckAllAuthExpired(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer upstream.Close()

	mon, servers, _, bus := newTestMonitor(t)
	seedServer(t, servers, "/fin", upstream.URL)

	ch := bus.Subscribe()
	defer bus.Unsubscribe(ch)

	mon.CheckAll(context.Background())

	rec, err := servers.Get(context.Background(), "/fin")
	require.NoError(t, err)
	assert.Equal(t, registry.HealthAuthExpired, rec.HealthStatus)

	select {
	case evt := <-ch:
		assert.Equal(t, events.TypeHealthChanged, evt.Type)
		assert.Equal(t, "/fin", evt.Payload["path"])
	default:
		t.Fatal("expected a health.changed event")
	}
}

func TestCheckAllSkipsDisabled(t *testing.T) {
	mon, servers, _, _ := newTestMonitor(t)
	_, err := servers.Put(context.Background(), &registry.ServerRecord{
		Path:         "/off",
		ProxyPassURL: "http://127.0.0.1:1",
		Enabled:      false,
		HealthStatus: registry.HealthUnknown,
	}, registry.PutOptions{})
	require.NoError(t, err)

	mon.CheckAll(context.Background())

	rec, err := servers.Get(context.Background(), "/off")
	require.NoError(t, err)
	assert.Equal(t, registry.HealthUnknown, rec.HealthStatus)
	assert.True(t, rec.LastCheckedTime.IsZero())
}

func TestRefreshUpdatesToolList(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Method string `json:"method"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		w.Header().Set("Content-Type", "application/json")
		if req.Method == "tools/list" {
			_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":{"tools":[
				{"name":"get_quote","description":"Fetch a quote.\n\nArgs:\n  ticker: symbol\n\nReturns:\n  price","inputSchema":{"type":"object"}}
			]}}`))
			return
		}
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":{}}`))
	}))
	defer upstream.Close()

	mon, servers, _, _ := newTestMonitor(t)
	seedServer(t, servers, "/fin", upstream.URL)

	updated, err := mon.Refresh(context.Background(), "/fin")
	require.NoError(t, err)
	assert.Equal(t, registry.HealthHealthy, updated.HealthStatus)
	require.Len(t, updated.ToolList, 1)
	assert.Equal(t, "get_quote", updated.ToolList[0].Name)
	assert.Equal(t, "Fetch a quote.", updated.ToolList[0].ParsedDescription.Main)
	assert.Contains(t, updated.ToolList[0].ParsedDescription.Args, "ticker")
}

func TestRefreshUnknownServer(t *testing.T) {
	mon, _, _, _ := newTestMonitor(t)
	_, err := mon.Refresh(context.Background(), "/missing")
	assert.ErrorIs(t, err, registry.ErrNotFound)
}

func TestBackoffDoublesAfterThreshold(t *testing.T) {
	mon, _, _, _ := newTestMonitor(t)
	key := serverKey("/fin")

	for i := 0; i < failureThreshold-1; i++ {
		mon.recordOutcome(key, registry.HealthUnhealthy)
	}
	mon.mu.Lock()
	assert.Equal(t, mon.cfg.Interval, mon.state[key].interval)
	mon.mu.Unlock()

	mon.recordOutcome(key, registry.HealthUnhealthy)
	mon.mu.Lock()
	assert.Equal(t, 2*mon.cfg.Interval, mon.state[key].interval)
	mon.mu.Unlock()

	mon.recordOutcome(key, registry.HealthUnhealthy)
	mon.mu.Lock()
	assert.Equal(t, 4*mon.cfg.Interval, mon.state[key].interval)
	mon.mu.Unlock()

	// Recovery resets to the base interval.
	mon.recordOutcome(key, registry.HealthHealthy)
	mon.mu.Lock()
	assert.Equal(t, mon.cfg.Interval, mon.state[key].interval)
	assert.Equal(t, 0, mon.state[key].consecutiveFails)
	mon.mu.Unlock()
}

func TestBackoffCeiling(t *testing.T) {
	mon, _, _, _ := newTestMonitor(t)
	mon.cfg.BackoffCeiling = 3 * time.Minute
	key := serverKey("/fin")

	for i := 0; i < 10; i++ {
		mon.recordOutcome(key, registry.HealthUnhealthy)
	}
	mon.mu.Lock()
	assert.Equal(t, 3*time.Minute, mon.state[key].interval)
	mon.mu.Unlock()
}

func TestProbeSendsConfiguredHeaders(t *testing.T) {
	t.Setenv("FIN_API_KEY", "secret-token")

	var gotAuth string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("X-Api-Key")
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	mon, servers, _, _ := newTestMonitor(t)
	_, err := servers.Put(context.Background(), &registry.ServerRecord{
		Path:         "/fin",
		ProxyPassURL: upstream.URL,
		Enabled:      true,
		Headers: []registry.HeaderTemplate{
			{Name: "X-Api-Key", Value: "${FIN_API_KEY}"},
		},
	}, registry.PutOptions{})
	require.NoError(t, err)

	mon.CheckAll(context.Background())
	assert.Equal(t, "secret-token", gotAuth)
}

func TestCheckAgent(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	mon, _, agents, _ := newTestMonitor(t)
	_, err := agents.Put(context.Background(), &registry.AgentRecord{
		Path:    "/agents/research",
		Name:    "research",
		URL:     upstream.URL,
		Enabled: true,
	}, registry.PutOptions{})
	require.NoError(t, err)

	mon.CheckAll(context.Background())

	rec, err := agents.Get(context.Background(), "/agents/research")
	require.NoError(t, err)
	assert.Equal(t, registry.HealthHealthy, rec.HealthStatus)
}
