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

// serverRepo implements registry.ServerRepository over the file tree.
type serverRepo struct {
	store *Store

	mu    sync.RWMutex
	cache map[string]*registry.ServerRecord
}

// scan loads every record file into the cache at startup.
func (r *serverRepo) scan() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache = make(map[string]*registry.ServerRecord)

	dir := filepath.Join(r.store.root, serversDir)
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
		record := &registry.ServerRecord{}
		if err := record.UnmarshalBinary(data); err != nil {
			r.store.logger.Warnw("Skipping unreadable server record", "file", entry.Name(), "error", err)
			continue
		}
		r.cache[record.Path] = record
	}
	return nil
}

func (r *serverRepo) count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.cache)
}

func (r *serverRepo) Get(_ context.Context, path string) (*registry.ServerRecord, error) {
	r.mu.RLock()
	record, ok := r.cache[path]
	r.mu.RUnlock()
	if !ok {
		return nil, registry.ErrNotFound
	}
	return record.Clone(), nil
}

func (r *serverRepo) List(_ context.Context) ([]*registry.ServerRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	records := make([]*registry.ServerRecord, 0, len(r.cache))
	for _, record := range r.cache {
		records = append(records, record.Clone())
	}
	return records, nil
}

func (r *serverRepo) Put(_ context.Context, record *registry.ServerRecord, opts registry.PutOptions) (*registry.ServerRecord, error) {
	if record == nil || record.Path == "" {
		return nil, fmt.Errorf("server record requires a path")
	}

	mu := r.store.lock(serversDir, record.Path)
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

	data, err := json.MarshalIndent(stored, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal server record: %w", err)
	}
	if err := writeFileAtomic(r.store.recordFile(serversDir, stored.Path), data); err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.cache[stored.Path] = stored
	r.mu.Unlock()

	if err := r.syncStateFile(); err != nil {
		r.store.logger.Warnw("Failed to update server state file", "error", err)
	}
	return stored.Clone(), nil
}

func (r *serverRepo) Delete(_ context.Context, path string) error {
	mu := r.store.lock(serversDir, path)
	mu.Lock()
	defer mu.Unlock()

	r.mu.RLock()
	_, ok := r.cache[path]
	r.mu.RUnlock()
	if !ok {
		return registry.ErrNotFound
	}

	if err := os.Remove(r.store.recordFile(serversDir, path)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove server record: %w", err)
	}

	r.mu.Lock()
	delete(r.cache, path)
	r.mu.Unlock()

	if err := r.syncStateFile(); err != nil {
		r.store.logger.Warnw("Failed to update server state file", "error", err)
	}
	return nil
}

func (r *serverRepo) Toggle(ctx context.Context, path string, enabled bool) (*registry.ServerRecord, error) {
	record, err := r.Get(ctx, path)
	if err != nil {
		return nil, err
	}
	if record.Enabled == enabled {
		return record, nil
	}
	record.Enabled = enabled
	// Conditional on the version read above so a concurrent delete or
	// edit surfaces instead of being silently overwritten.
	return r.Put(ctx, record, registry.PutOptions{IfVersion: record.Version})
}

// syncStateFile rewrites server_state.json (path -> enabled).
func (r *serverRepo) syncStateFile() error {
	r.mu.RLock()
	state := make(map[string]bool, len(r.cache))
	for path, record := range r.cache {
		state[path] = record.Enabled
	}
	r.mu.RUnlock()
	return r.store.writeStateFile(serverStateFile, state)
}
