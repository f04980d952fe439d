package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	cfg := DefaultConfig()
	cfg.DataDir = "/tmp/mcpgw-test"
	cfg.PolicyPath = "/etc/mcpgw/scopes.yml"
	cfg.OIDC.JWKSURL = "https://idp.example.com/.well-known/jwks.json"
	return cfg
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, ":8080", cfg.Listen)
	assert.Equal(t, BackendFile, cfg.Backend)
	assert.Equal(t, "default", cfg.Namespace)
	assert.Equal(t, 0.4, cfg.Search.BM25Weight)
	assert.Equal(t, 0.6, cfg.Search.VectorWeight)
	assert.Equal(t, 5*time.Minute, cfg.Health.Interval)
	assert.Equal(t, "Mcp-Session-Id", cfg.Proxy.SessionHeader)
	require.NotNil(t, cfg.Logging)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"empty listen", func(c *Config) { c.Listen = "" }, "listen"},
		{"empty data dir", func(c *Config) { c.DataDir = "" }, "data directory"},
		{"unknown backend", func(c *Config) { c.Backend = "postgres" }, "unknown storage backend"},
		{"empty namespace", func(c *Config) { c.Namespace = "" }, "namespace"},
		{"missing policy", func(c *Config) { c.PolicyPath = "" }, "policy"},
		{"negative weight", func(c *Config) { c.Search.BM25Weight = -1 }, "non-negative"},
		{"both weights zero", func(c *Config) {
			c.Search.BM25Weight = 0
			c.Search.VectorWeight = 0
		}, "at least one search weight"},
		{"zero dimension", func(c *Config) { c.Search.Dimension = 0 }, "dimension"},
		{"zero health interval", func(c *Config) { c.Health.Interval = 0 }, "health interval"},
		{"zero max concurrent", func(c *Config) { c.Health.MaxConcurrent = 0 }, "max-concurrent"},
		{"zero proxy timeout", func(c *Config) { c.Proxy.RequestTimeout = 0 }, "proxy timeouts"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	content := `
listen: ":9090"
backend: bolt
namespace: tenant-a
policy-path: /etc/mcpgw/scopes.yml
search:
  bm25-weight: 0.5
  vector-weight: 0.5
  embedder-type: local
proxy:
  session-header: X-Session
`
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.Listen)
	assert.Equal(t, BackendBolt, cfg.Backend)
	assert.Equal(t, "tenant-a", cfg.Namespace)
	assert.Equal(t, 0.5, cfg.Search.BM25Weight)
	assert.Equal(t, "X-Session", cfg.Proxy.SessionHeader)
	// Defaults fill what the file leaves out.
	assert.Equal(t, 5*time.Minute, cfg.Health.Interval)
	assert.NotEmpty(t, cfg.DataDir)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("MCPGW_LISTEN", ":7070")
	t.Setenv("MCPGW_POLICY_PATH", "/srv/scopes.yml")
	t.Setenv("MCPGW_OIDC_JWKS_URL", "https://idp.example.com/jwks")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":7070", cfg.Listen)
	assert.Equal(t, "/srv/scopes.yml", cfg.PolicyPath)
	assert.Equal(t, "https://idp.example.com/jwks", cfg.OIDC.JWKSURL)
}

func TestLoadMissingFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
