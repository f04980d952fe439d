package filestore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/mcp-gateway/mcpgw-go/internal/registry"
)

// agentRepo implements registry.AgentRepository over the file tree.
type agentRepo struct {
	store *Store

	mu    sync.RWMutex
	cache map[string]*registry.AgentRecord
}

func (r *agentRepo) scan() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache = make(map[string]*registry.AgentRecord)

	dir := filepath.Join(r.store.root, agentsDir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return err
		}
		record := &registry.AgentRecord{}
		if err := record.UnmarshalBinary(data); err != nil {
			r.store.logger.Warnw("Skipping unreadable agent record", "file", entry.Name(), "error", err)
			continue
		}
		r.cache[record.Path] = record
	}
	return nil
}

func (r *agentRepo) count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.cache)
}

func (r *agentRepo) Get(_ context.Context, path string) (*registry.AgentRecord, error) {
	r.mu.RLock()
	record, ok := r.cache[path]
	r.mu.RUnlock()
	if !ok {
		return nil, registry.ErrNotFound
	}
	return record.Clone(), nil
}

func (r *agentRepo) List(_ context.Context) ([]*registry.AgentRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	records := make([]*registry.AgentRecord, 0, len(r.cache))
	for _, record := range r.cache {
		records = append(records, record.Clone())
	}
	return records, nil
}

func (r *agentRepo) Put(_ context.Context, record *registry.AgentRecord, opts registry.PutOptions) (*registry.AgentRecord, error) {
	if record == nil || record.Path == "" {
		return nil, fmt.Errorf("agent record requires a path")
	}

	mu := r.store.lock(agentsDir, record.Path)
	mu.Lock()
	defer mu.Unlock()

	r.mu.RLock()
	existing := r.cache[record.Path]
	r.mu.RUnlock()

	if opts.MustNotExist && existing != nil {
		return nil, registry.ErrConflict
	}
	if opts.IfVersion != 0 {
		if existing == nil {
			return nil, registry.ErrNotFound
		}
		if existing.Version != opts.IfVersion {
			return nil, registry.ErrVersionMismatch
		}
	}

	stored := record.Clone()
	now := time.Now().UTC()
	if existing != nil {
		stored.Version = existing.Version + 1
		stored.Created = existing.Created
	} else {
		stored.Version = 1
		stored.Created = now
	}
	stored.Updated = now
	if stored.HealthStatus == "" {
		stored.HealthStatus = registry.HealthUnknown
	}
	if stored.Visibility == "" {
		stored.Visibility = registry.VisibilityPublic
	}
	if stored.TrustLevel == "" {
		stored.TrustLevel = registry.TrustCommunity
	}

	data, err := json.MarshalIndent(stored, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal agent record: %w", err)
	}
	if err := writeFileAtomic(r.store.recordFile(agentsDir, stored.Path), data); err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.cache[stored.Path] = stored
	r.mu.Unlock()

	if err := r.syncStateFile(); err != nil {
		r.store.logger.Warnw("Failed to update agent state file", "error", err)
	}
	return stored.Clone(), nil
}

func (r *agentRepo) Delete(_ context.Context, path string) error {
	mu := r.store.lock(agentsDir, path)
	mu.Lock()
	defer mu.Unlock()

	r.mu.RLock()
	_, ok := r.cache[path]
	r.mu.RUnlock()
	if !ok {
		return registry.ErrNotFound
	}

	if err := os.Remove(r.store.recordFile(agentsDir, path)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove agent record: %w", err)
	}

	r.mu.Lock()
	delete(r.cache, path)
	r.mu.Unlock()

	if err := r.syncStateFile(); err != nil {
		r.store.logger.Warnw("Failed to update agent state file", "error", err)
	}
	return nil
}

func (r *agentRepo) Toggle(ctx context.Context, path string, enabled bool) (*registry.AgentRecord, error) {
	record, err := r.Get(ctx, path)
	if err != nil {
		return nil, err
	}
	if record.Enabled == enabled {
		return record, nil
	}
	record.Enabled = enabled
	return r.Put(ctx, record, registry.PutOptions{IfVersion: record.Version})
}

func (r *agentRepo) syncStateFile() error {
	r.mu.RLock()
	state := make(map[string]bool, len(r.cache))
	for path, record := range r.cache {
		state[path] = record.Enabled
	}
	r.mu.RUnlock()
	return r.store.writeStateFile(agentStateFile, state)
}
