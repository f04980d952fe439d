package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Load reads configuration from an optional file and the environment.
// Environment variables use the MCPGW_ prefix with dashes mapped to
// underscores (e.g. MCPGW_POLICY_PATH, MCPGW_OIDC_JWKS_URL).
func Load(configFile string) (*Config, error) {
	v := viper.New()

	cfg := DefaultConfig()
	v.SetEnvPrefix("MCPGW")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	// Bind the keys we read from the environment so AutomaticEnv picks
	// them up even without a config file entry.
	for _, key := range []string{
		"listen", "data-dir", "backend", "namespace", "policy-path",
		"oidc.issuer", "oidc.audience", "oidc.jwks-url", "oidc.groups-claim",
		"search.bm25-weight", "search.vector-weight",
		"search.embedder-type", "search.embedder-url", "search.embedder-model", "search.embedder-key",
		"health.interval", "health.probe-timeout",
		"proxy.session-header",
	} {
		_ = v.BindEnv(key)
	}

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", configFile, err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	if cfg.DataDir == "" {
		cfg.DataDir = defaultDataDir()
	}

	return cfg, nil
}

// defaultDataDir resolves the data directory when none is configured.
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".mcpgw"
	}
	return filepath.Join(home, ".mcpgw")
}
