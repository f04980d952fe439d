// Package config defines the gateway runtime configuration.
package config

import (
	"fmt"
	"net/url"
	"time"

	"github.com/mcp-gateway/mcpgw-go/internal/logs"
)

const (
	defaultListen = ":8080"

	// Storage backend selectors.
	BackendFile = "file"
	BackendBolt = "bolt"
)

// Config represents the main configuration structure.
type Config struct {
	Listen    string `json:"listen" mapstructure:"listen"`
	DataDir   string `json:"data_dir" mapstructure:"data-dir"`
	Backend   string `json:"backend" mapstructure:"backend"`     // file | bolt
	Namespace string `json:"namespace" mapstructure:"namespace"` // tenant key prefix

	// Scope policy document location.
	PolicyPath string `json:"policy_path" mapstructure:"policy-path"`

	// OIDC token validation.
	OIDC OIDCConfig `json:"oidc" mapstructure:"oidc"`

	// Tool discovery search.
	Search SearchConfig `json:"search" mapstructure:"search"`

	// Health probing.
	Health HealthConfig `json:"health" mapstructure:"health"`

	// Reverse proxy behaviour.
	Proxy ProxyConfig `json:"proxy" mapstructure:"proxy"`

	// Logging configuration.
	Logging *logs.Config `json:"logging,omitempty" mapstructure:"logging"`
}

// OIDCConfig configures bearer token validation against an external IdP.
type OIDCConfig struct {
	Issuer      string        `json:"issuer" mapstructure:"issuer"`
	Audience    string        `json:"audience" mapstructure:"audience"`
	JWKSURL     string        `json:"jwks_url" mapstructure:"jwks-url"`
	GroupsClaim string        `json:"groups_claim" mapstructure:"groups-claim"` // default "groups", fallback "cognito:groups"
	ClockSkew   time.Duration `json:"clock_skew" mapstructure:"clock-skew"`
	CacheCap    time.Duration `json:"cache_cap" mapstructure:"cache-cap"` // token cache TTL ceiling
}

// SearchConfig configures the hybrid discovery index.
type SearchConfig struct {
	BM25Weight    float64 `json:"bm25_weight" mapstructure:"bm25-weight"`
	VectorWeight  float64 `json:"vector_weight" mapstructure:"vector-weight"`
	EmbedderType  string  `json:"embedder_type" mapstructure:"embedder-type"` // openai | ollama | local
	EmbedderURL   string  `json:"embedder_url" mapstructure:"embedder-url"`
	EmbedderModel string  `json:"embedder_model" mapstructure:"embedder-model"`
	EmbedderKey   string  `json:"embedder_key" mapstructure:"embedder-key"`
	Dimension     int     `json:"dimension" mapstructure:"dimension"`
	TopKServices  int     `json:"top_k_services" mapstructure:"top-k-services"`
	TopNTools     int     `json:"top_n_tools" mapstructure:"top-n-tools"`
}

// HealthConfig configures the background health monitor.
type HealthConfig struct {
	Interval        time.Duration `json:"interval" mapstructure:"interval"`
	ProbeTimeout    time.Duration `json:"probe_timeout" mapstructure:"probe-timeout"`
	MaxConcurrent   int64         `json:"max_concurrent" mapstructure:"max-concurrent"`
	BackoffCeiling  time.Duration `json:"backoff_ceiling" mapstructure:"backoff-ceiling"`
	StalenessWindow time.Duration `json:"staleness_window" mapstructure:"staleness-window"`
}

// ProxyConfig configures request forwarding.
type ProxyConfig struct {
	RequestTimeout  time.Duration `json:"request_timeout" mapstructure:"request-timeout"`
	IdleReadTimeout time.Duration `json:"idle_read_timeout" mapstructure:"idle-read-timeout"`
	PoolSize        int           `json:"pool_size" mapstructure:"pool-size"`
	PoolIdleTimeout time.Duration `json:"pool_idle_timeout" mapstructure:"pool-idle-timeout"`
	SessionHeader   string        `json:"session_header" mapstructure:"session-header"`
}

// DefaultConfig returns a configuration with all defaults applied.
func DefaultConfig() *Config {
	return &Config{
		Listen:    defaultListen,
		DataDir:   "",
		Backend:   BackendFile,
		Namespace: "default",
		OIDC: OIDCConfig{
			GroupsClaim: "groups",
			ClockSkew:   30 * time.Second,
			CacheCap:    5 * time.Minute,
		},
		Search: SearchConfig{
			BM25Weight:   0.4,
			VectorWeight: 0.6,
			EmbedderType: "local",
			Dimension:    384,
			TopKServices: 5,
			TopNTools:    3,
		},
		Health: HealthConfig{
			Interval:        5 * time.Minute,
			ProbeTimeout:    10 * time.Second,
			MaxConcurrent:   32,
			BackoffCeiling:  time.Hour,
			StalenessWindow: 15 * time.Minute,
		},
		Proxy: ProxyConfig{
			RequestTimeout:  60 * time.Second,
			IdleReadTimeout: 60 * time.Second,
			PoolSize:        32,
			PoolIdleTimeout: 90 * time.Second,
			SessionHeader:   "Mcp-Session-Id",
		},
		Logging: logs.DefaultConfig(),
	}
}

// Validate checks the configuration for impossible values.
func (c *Config) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("listen address cannot be empty")
	}
	if c.DataDir == "" {
		return fmt.Errorf("data directory cannot be empty")
	}
	switch c.Backend {
	case BackendFile, BackendBolt:
	default:
		return fmt.Errorf("unknown storage backend %q (expected %q or %q)", c.Backend, BackendFile, BackendBolt)
	}
	if c.Namespace == "" {
		return fmt.Errorf("namespace cannot be empty")
	}
	if c.PolicyPath == "" {
		return fmt.Errorf("scope policy path cannot be empty")
	}
	if c.OIDC.JWKSURL != "" {
		if _, err := url.Parse(c.OIDC.JWKSURL); err != nil {
			return fmt.Errorf("invalid JWKS URL: %w", err)
		}
	}
	if c.Search.BM25Weight < 0 || c.Search.VectorWeight < 0 {
		return fmt.Errorf("search weights must be non-negative")
	}
	if c.Search.BM25Weight == 0 && c.Search.VectorWeight == 0 {
		return fmt.Errorf("at least one search weight must be positive")
	}
	if c.Search.Dimension <= 0 {
		return fmt.Errorf("embedding dimension must be positive")
	}
	if c.Health.Interval <= 0 || c.Health.ProbeTimeout <= 0 {
		return fmt.Errorf("health interval and probe timeout must be positive")
	}
	if c.Health.MaxConcurrent <= 0 {
		return fmt.Errorf("health max-concurrent must be positive")
	}
	if c.Proxy.RequestTimeout <= 0 || c.Proxy.IdleReadTimeout <= 0 {
		return fmt.Errorf("proxy timeouts must be positive")
	}
	return nil
}
