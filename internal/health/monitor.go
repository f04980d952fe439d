// Package health runs background liveness probes against registered servers
// and agents and records the outcome on their registry records.
package health

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/mcp-gateway/mcpgw-go/internal/config"
	"github.com/mcp-gateway/mcpgw-go/internal/events"
	"github.com/mcp-gateway/mcpgw-go/internal/registry"
)

const (
	// failureThreshold is how many consecutive failed probes a server gets
	// before its probe interval starts doubling.
	failureThreshold = 3

	// probeRetries bounds transport-level retries within one probe.
	probeRetries = 3
)

// probeState tracks per-target backoff between cycles.
type probeState struct {
	consecutiveFails int
	interval         time.Duration
	nextProbe        time.Time
}

// Monitor probes all registered servers and agents on a fixed cycle,
// bounded by a concurrency semaphore.
type Monitor struct {
	servers registry.ServerRepository
	agents  registry.AgentRepository
	bus     *events.Bus
	cfg     config.HealthConfig
	logger  *zap.Logger
	client  *http.Client
	sem     *semaphore.Weighted

	mu    sync.Mutex
	state map[string]*probeState
}

// NewMonitor creates a health monitor.
func NewMonitor(
	servers registry.ServerRepository,
	agents registry.AgentRepository,
	bus *events.Bus,
	cfg config.HealthConfig,
	logger *zap.Logger,
) *Monitor {
	return &Monitor{
		servers: servers,
		agents:  agents,
		bus:     bus,
		cfg:     cfg,
		logger:  logger,
		client:  &http.Client{Timeout: cfg.ProbeTimeout},
		sem:     semaphore.NewWeighted(cfg.MaxConcurrent),
		state:   make(map[string]*probeState),
	}
}

// Run probes immediately, then on every interval tick until ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	m.CheckAll(ctx)

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.CheckAll(ctx)
		}
	}
}

// CheckAll probes every enabled server and agent that is due, waiting for
// all probes to finish.
func (m *Monitor) CheckAll(ctx context.Context) {
	now := time.Now()
	var wg sync.WaitGroup

	servers, err := m.servers.List(ctx)
	if err != nil {
		m.logger.Warn("Failed to list servers for health check", zap.Error(err))
	}
	for _, record := range servers {
		if !record.Enabled || !m.due(serverKey(record.Path), now) {
			continue
		}
		record := record
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := m.sem.Acquire(ctx, 1); err != nil {
				return
			}
			defer m.sem.Release(1)
			m.checkServer(ctx, record)
		}()
	}

	agents, err := m.agents.List(ctx)
	if err != nil {
		m.logger.Warn("Failed to list agents for health check", zap.Error(err))
	}
	for _, record := range agents {
		if !record.Enabled || !m.due(agentKey(record.Path), now) {
			continue
		}
		record := record
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := m.sem.Acquire(ctx, 1); err != nil {
				return
			}
			defer m.sem.Release(1)
			m.checkAgent(ctx, record)
		}()
	}

	wg.Wait()
}

// Refresh synchronously probes one server and, when it answers, refreshes
// its tool list from tools/list.
func (m *Monitor) Refresh(ctx context.Context, path string) (*registry.ServerRecord, error) {
	record, err := m.servers.Get(ctx, path)
	if err != nil {
		return nil, err
	}

	status := m.probeServer(ctx, record)
	m.recordOutcome(serverKey(path), status)

	var tools []registry.ToolDescriptor
	if status == registry.HealthHealthy {
		tools, err = m.fetchTools(ctx, record)
		if err != nil {
			m.logger.Warn("Tool list refresh failed",
				zap.String("path", path), zap.Error(err))
			tools = nil
		}
	}

	updated, err := m.writeServerStatus(ctx, record, status, tools)
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (m *Monitor) checkServer(ctx context.Context, record *registry.ServerRecord) {
	status := m.probeServer(ctx, record)
	m.recordOutcome(serverKey(record.Path), status)
	if _, err := m.writeServerStatus(ctx, record, status, nil); err != nil {
		m.logger.Warn("Failed to store server health",
			zap.String("path", record.Path), zap.Error(err))
	}
}

func (m *Monitor) checkAgent(ctx context.Context, record *registry.AgentRecord) {
	status := m.probeURL(ctx, http.MethodGet, record.URL, nil, nil)
	m.recordOutcome(agentKey(record.Path), status)

	fresh, err := m.agents.Get(ctx, record.Path)
	if err != nil {
		return
	}
	changed := fresh.HealthStatus != status
	fresh.HealthStatus = status
	fresh.LastCheckedTime = time.Now().UTC()
	if _, err := m.agents.Put(ctx, fresh, registry.PutOptions{IfVersion: fresh.Version}); err != nil {
		if !errors.Is(err, registry.ErrVersionMismatch) {
			m.logger.Warn("Failed to store agent health",
				zap.String("path", record.Path), zap.Error(err))
		}
		return
	}
	if changed {
		m.bus.Publish(events.TypeHealthChanged, map[string]any{
			"path":   record.Path,
			"status": string(status),
		})
	}
}

// writeServerStatus stores the probe outcome, optionally replacing the tool
// list. A conditional put keeps a concurrent admin edit from being
// clobbered; on mismatch the next cycle catches up.
func (m *Monitor) writeServerStatus(
	ctx context.Context,
	record *registry.ServerRecord,
	status registry.HealthStatus,
	tools []registry.ToolDescriptor,
) (*registry.ServerRecord, error) {
	fresh, err := m.servers.Get(ctx, record.Path)
	if err != nil {
		return nil, err
	}
	changed := fresh.HealthStatus != status
	fresh.HealthStatus = status
	fresh.LastCheckedTime = time.Now().UTC()
	if tools != nil {
		fresh.ToolList = tools
	}

	updated, err := m.servers.Put(ctx, fresh, registry.PutOptions{IfVersion: fresh.Version})
	if err != nil {
		if errors.Is(err, registry.ErrVersionMismatch) {
			return fresh, nil
		}
		return nil, err
	}
	if changed {
		m.bus.Publish(events.TypeHealthChanged, map[string]any{
			"path":   record.Path,
			"status": string(status),
		})
	}
	if tools != nil {
		m.bus.Publish(events.TypeServerChanged, map[string]any{"path": record.Path})
	}
	return updated, nil
}

// probeServer sends an MCP ping to the upstream endpoint.
func (m *Monitor) probeServer(ctx context.Context, record *registry.ServerRecord) registry.HealthStatus {
	body, _ := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  "ping",
	})
	return m.probeURL(ctx, http.MethodPost, record.ProxyPassURL, record.Headers, body)
}

// probeURL performs one probe with bounded transport retries and classifies
// the response.
func (m *Monitor) probeURL(
	ctx context.Context,
	method, url string,
	headers []registry.HeaderTemplate,
	body []byte,
) registry.HealthStatus {
	if url == "" {
		return registry.HealthUnknown
	}

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = 1 * time.Second

	code, err := backoff.Retry(ctx, func() (int, error) {
		probeCtx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
		defer cancel()

		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(probeCtx, method, url, reader)
		if err != nil {
			return 0, backoff.Permanent(err)
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		req.Header.Set("Accept", "application/json, text/event-stream")
		for _, h := range headers {
			req.Header.Set(h.Name, h.Expand())
		}

		resp, err := m.client.Do(req)
		if err != nil {
			// Transport failure, retryable.
			return 0, err
		}
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
		return resp.StatusCode, nil
	}, backoff.WithBackOff(expo), backoff.WithMaxTries(probeRetries))

	return classify(code, err)
}

func classify(code int, err error) registry.HealthStatus {
	switch {
	case err != nil:
		return registry.HealthUnhealthy
	case code >= 200 && code < 300:
		return registry.HealthHealthy
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		// The server is up; only our credentials are stale.
		return registry.HealthAuthExpired
	default:
		return registry.HealthUnhealthy
	}
}

// fetchTools asks the upstream for its current tool list.
func (m *Monitor) fetchTools(ctx context.Context, record *registry.ServerRecord) ([]registry.ToolDescriptor, error) {
	body, _ := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  "tools/list",
	})

	reqCtx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, record.ProxyPassURL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	for _, h := range record.Headers {
		req.Header.Set(h.Name, h.Expand())
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("tools/list returned %s", resp.Status)
	}

	var rpcResp struct {
		Result struct {
			Tools []struct {
				Name        string                 `json:"name"`
				Description string                 `json:"description"`
				InputSchema map[string]interface{} `json:"inputSchema"`
			} `json:"tools"`
		} `json:"result"`
		Error *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return nil, fmt.Errorf("failed to decode tools/list response: %w", err)
	}
	if rpcResp.Error != nil {
		return nil, fmt.Errorf("tools/list error %d: %s", rpcResp.Error.Code, rpcResp.Error.Message)
	}

	tools := make([]registry.ToolDescriptor, 0, len(rpcResp.Result.Tools))
	for _, t := range rpcResp.Result.Tools {
		tools = append(tools, registry.ToolDescriptor{
			Name:              t.Name,
			ParsedDescription: registry.ParseDescription(t.Description),
			Schema:            t.InputSchema,
		})
	}
	return tools, nil
}

// due reports whether a target's backoff window has elapsed.
func (m *Monitor) due(key string, now time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.state[key]
	if !ok {
		return true
	}
	return !now.Before(st.nextProbe)
}

// recordOutcome updates the per-target backoff: success resets to the base
// interval, repeated failures double it up to the ceiling.
func (m *Monitor) recordOutcome(key string, status registry.HealthStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.state[key]
	if !ok {
		st = &probeState{interval: m.cfg.Interval}
		m.state[key] = st
	}

	if status == registry.HealthHealthy || status == registry.HealthAuthExpired {
		st.consecutiveFails = 0
		st.interval = m.cfg.Interval
	} else {
		st.consecutiveFails++
		if st.consecutiveFails >= failureThreshold {
			st.interval *= 2
			if st.interval > m.cfg.BackoffCeiling {
				st.interval = m.cfg.BackoffCeiling
			}
		}
	}
	st.nextProbe = time.Now().Add(st.interval)
}

func serverKey(path string) string { return "server:" + path }
func agentKey(path string) string  { return "agent:" + path }
