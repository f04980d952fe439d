// Package filestore implements the registry repositories on a directory
// tree: one JSON file per record, atomic temp-then-rename writes, a
// per-path writer lock, and an in-memory read cache primed by a startup
// scan.
package filestore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/mcp-gateway/mcpgw-go/internal/registry"
)

const (
	serversDir      = "servers"
	agentsDir       = "agents"
	serverStateFile = "server_state.json"
	agentStateFile  = "agent_state.json"
)

// Store is the filesystem backend. It owns both record kinds under
// <dataDir>/<namespace>/.
type Store struct {
	root   string
	logger *zap.SugaredLogger

	locks sync.Map // "kind/path" -> *sync.Mutex

	servers *serverRepo
	agents  *agentRepo
}

// New creates the directory layout, scans existing records into the cache,
// and returns the store.
func New(dataDir, namespace string, logger *zap.SugaredLogger) (*Store, error) {
	root := filepath.Join(dataDir, namespace)
	for _, dir := range []string{serversDir, agentsDir} {
		if err := os.MkdirAll(filepath.Join(root, dir), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create record directory: %w", err)
		}
	}

	s := &Store{
		root:   root,
		logger: logger,
	}
	s.servers = &serverRepo{store: s}
	s.agents = &agentRepo{store: s}

	if err := s.servers.scan(); err != nil {
		return nil, fmt.Errorf("failed to scan server records: %w", err)
	}
	if err := s.agents.scan(); err != nil {
		return nil, fmt.Errorf("failed to scan agent records: %w", err)
	}

	logger.Infow("Filesystem store ready",
		"root", root,
		"servers", s.servers.count(),
		"agents", s.agents.count())
	return s, nil
}

// Servers returns the server repository.
func (s *Store) Servers() registry.ServerRepository { return s.servers }

// Agents returns the agent repository.
func (s *Store) Agents() registry.AgentRepository { return s.agents }

// Close is a no-op for the filesystem backend; it exists so both backends
// share a lifecycle.
func (s *Store) Close() error { return nil }

// lock returns the per-record writer mutex, creating it on first use.
func (s *Store) lock(kind, path string) *sync.Mutex {
	mu, _ := s.locks.LoadOrStore(kind+"/"+path, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// recordFile maps a record path to its file. Paths are URL-safe
// identifiers; the leading slash is dropped for the filename.
func (s *Store) recordFile(kind, path string) string {
	name := strings.TrimPrefix(path, "/")
	name = strings.ReplaceAll(name, "/", "_")
	return filepath.Join(s.root, kind, name+".json")
}

// writeFileAtomic writes to a temporary sibling then renames into place.
func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}

// writeStateFile rewrites the path->enabled side-file.
func (s *Store) writeStateFile(filename string, state map[string]bool) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal state file: %w", err)
	}
	return writeFileAtomic(filepath.Join(s.root, filename), data)
}
