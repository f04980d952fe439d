package scopes

import (
	"errors"
	"fmt"
	"os"
	"sync/atomic"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// ErrLoadFailed marks a policy file that could not be read or parsed, as
// opposed to one that parsed but failed validation.
var ErrLoadFailed = errors.New("policy file unusable")

// Loader owns the current policy snapshot. Reload is all-or-nothing: a
// failed parse or validation leaves the previous snapshot in place.
type Loader struct {
	path    string
	logger  *zap.SugaredLogger
	current atomic.Pointer[Policy]
}

// NewLoader reads and validates the policy at path. The initial load must
// succeed; there is no policy to fall back to at startup.
func NewLoader(path string, logger *zap.SugaredLogger) (*Loader, error) {
	l := &Loader{
		path:   path,
		logger: logger,
	}
	policy, err := l.load()
	if err != nil {
		return nil, err
	}
	l.current.Store(policy)
	return l, nil
}

// Snapshot returns the policy in effect. The returned value is immutable;
// callers must not mutate it.
func (l *Loader) Snapshot() *Policy {
	return l.current.Load()
}

// Reload re-reads the policy document and atomically swaps the snapshot.
// On failure the previous snapshot remains in effect.
func (l *Loader) Reload() error {
	policy, err := l.load()
	if err != nil {
		l.logger.Warnw("Policy reload failed, keeping previous snapshot", "path", l.path, "error", err)
		return err
	}
	l.current.Store(policy)
	l.logger.Infow("Policy reloaded",
		"path", l.path,
		"groups", len(policy.GroupMappings),
		"mcp_scopes", len(policy.MCPServerScopes))
	return nil
}

func (l *Loader) load() (*Policy, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read policy file: %w", ErrLoadFailed, err)
	}

	policy := &Policy{}
	if err := yaml.Unmarshal(data, policy); err != nil {
		return nil, fmt.Errorf("%w: failed to parse policy file: %w", ErrLoadFailed, err)
	}

	if err := policy.Validate(); err != nil {
		return nil, err
	}

	return policy, nil
}
