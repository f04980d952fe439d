// Package gateway assembles the registry, index, monitor, proxy, and API
// into one runnable process.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/mcp-gateway/mcpgw-go/internal/audit"
	"github.com/mcp-gateway/mcpgw-go/internal/auth"
	"github.com/mcp-gateway/mcpgw-go/internal/authz"
	"github.com/mcp-gateway/mcpgw-go/internal/config"
	"github.com/mcp-gateway/mcpgw-go/internal/embed"
	"github.com/mcp-gateway/mcpgw-go/internal/events"
	"github.com/mcp-gateway/mcpgw-go/internal/health"
	"github.com/mcp-gateway/mcpgw-go/internal/httpapi"
	"github.com/mcp-gateway/mcpgw-go/internal/index"
	"github.com/mcp-gateway/mcpgw-go/internal/observability"
	"github.com/mcp-gateway/mcpgw-go/internal/proxy"
	"github.com/mcp-gateway/mcpgw-go/internal/registry"
	"github.com/mcp-gateway/mcpgw-go/internal/registry/boltstore"
	"github.com/mcp-gateway/mcpgw-go/internal/registry/filestore"
	"github.com/mcp-gateway/mcpgw-go/internal/scopes"
)

// metricsRefreshInterval is how often registry gauges are recomputed.
const metricsRefreshInterval = 30 * time.Second

// store is the common lifecycle of both storage backends.
type store interface {
	Servers() registry.ServerRepository
	Agents() registry.AgentRepository
	Close() error
}

// Gateway holds the assembled components.
type Gateway struct {
	cfg    *config.Config
	logger *zap.Logger

	store    store
	auditLog *audit.Log
	policies *scopes.Loader
	bus      *events.Bus
	indexer  *index.Manager
	monitor  *health.Monitor
	metrics  *observability.MetricsManager
	api      *httpapi.Server

	started time.Time
}

// New wires all components. The context governs JWKS cache refreshes and
// the initial index rebuild.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Gateway, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	sugar := logger.Sugar()

	var st store
	var err error
	switch cfg.Backend {
	case config.BackendBolt:
		st, err = boltstore.New(cfg.DataDir, cfg.Namespace, sugar)
	default:
		st, err = filestore.New(cfg.DataDir, cfg.Namespace, sugar)
	}
	if err != nil {
		return nil, err
	}

	auditLog, err := audit.Open(cfg.DataDir, cfg.Namespace, sugar)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	policies, err := scopes.NewLoader(cfg.PolicyPath, sugar)
	if err != nil {
		_ = auditLog.Close()
		_ = st.Close()
		return nil, err
	}

	validator, err := auth.NewValidator(ctx, auth.Config{
		Issuer:      cfg.OIDC.Issuer,
		Audience:    cfg.OIDC.Audience,
		JWKSURL:     cfg.OIDC.JWKSURL,
		GroupsClaim: cfg.OIDC.GroupsClaim,
		ClockSkew:   cfg.OIDC.ClockSkew,
	}, auth.NewTokenCache(cfg.OIDC.CacheCap), sugar)
	if err != nil {
		_ = auditLog.Close()
		_ = st.Close()
		return nil, err
	}

	engine := authz.NewEngine(sugar)
	bus := events.NewBus()

	embedder, err := embed.New(embed.Config{
		Type:      cfg.Search.EmbedderType,
		BaseURL:   cfg.Search.EmbedderURL,
		APIKey:    cfg.Search.EmbedderKey,
		Model:     cfg.Search.EmbedderModel,
		Dimension: cfg.Search.Dimension,
	})
	if err != nil {
		_ = auditLog.Close()
		_ = st.Close()
		return nil, err
	}

	indexer, err := index.NewManager(cfg.DataDir, embedder, st.Servers(), st.Agents(), bus, index.Options{
		BM25Weight:   cfg.Search.BM25Weight,
		VectorWeight: cfg.Search.VectorWeight,
		TopKServices: cfg.Search.TopKServices,
		TopNTools:    cfg.Search.TopNTools,
	}, logger)
	if err != nil {
		_ = auditLog.Close()
		_ = st.Close()
		return nil, err
	}
	if err := indexer.Rebuild(ctx); err != nil {
		logger.Warn("Initial index rebuild failed, continuing with stale index", zap.Error(err))
	}

	monitor := health.NewMonitor(st.Servers(), st.Agents(), bus, cfg.Health, logger)
	metrics := observability.NewMetricsManager(sugar)

	proxyHandler := proxy.NewHandler(st.Servers(), policies, validator, engine, auditLog, cfg.Proxy, logger)

	api := httpapi.NewServer(httpapi.Options{
		Servers:   st.Servers(),
		Agents:    st.Agents(),
		Policies:  policies,
		Validator: validator,
		Engine:    engine,
		Auditor:   auditLog,
		Searcher:  indexer,
		Refresher: monitor,
		Notify: func(eventType, path string) {
			bus.Publish(events.Type(eventType), map[string]any{"path": path})
		},
		Metrics: metrics,
		Proxy:   proxyHandler,
		Health:  cfg.Health,
		Logger:  sugar,
	})

	return &Gateway{
		cfg:      cfg,
		logger:   logger,
		store:    st,
		auditLog: auditLog,
		policies: policies,
		bus:      bus,
		indexer:  indexer,
		monitor:  monitor,
		metrics:  metrics,
		api:      api,
		started:  time.Now(),
	}, nil
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (g *Gateway) Run(ctx context.Context) error {
	go g.indexer.Run(ctx)
	go g.monitor.Run(ctx)
	go g.refreshMetrics(ctx)

	srv := &http.Server{
		Addr:              g.cfg.Listen,
		Handler:           g.api.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		g.logger.Info("Gateway listening", zap.String("addr", g.cfg.Listen))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			g.logger.Warn("Forced shutdown", zap.Error(err))
		}
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	}
	return nil
}

// Close releases storage and the index.
func (g *Gateway) Close() error {
	var firstErr error
	if err := g.indexer.Close(); err != nil {
		firstErr = err
	}
	if err := g.auditLog.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := g.store.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// refreshMetrics keeps the registry gauges current.
func (g *Gateway) refreshMetrics(ctx context.Context) {
	ticker := time.NewTicker(metricsRefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.metrics.SetUptime(g.started)

			servers, err := g.store.Servers().List(ctx)
			if err != nil {
				continue
			}
			agents, err := g.store.Agents().List(ctx)
			if err != nil {
				continue
			}

			enabled, healthy, tools := 0, 0, 0
			for _, record := range servers {
				if record.Enabled {
					enabled++
				}
				effective := registry.EffectiveHealth(record.HealthStatus, record.LastCheckedTime, g.cfg.Health.StalenessWindow)
				if effective == registry.HealthHealthy || effective == registry.HealthAuthExpired {
					healthy++
				}
				tools += len(record.ToolList)
			}
			g.metrics.SetRegistryStats(len(servers), enabled, healthy, len(agents), tools)
			g.metrics.SetIndexSize(g.indexer.DocCount())
		}
	}
}
