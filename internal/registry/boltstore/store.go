// Package boltstore implements the registry repositories on an embedded
// bbolt document store: one bucket per record kind, namespaced, with
// read-after-write consistency from bbolt transactions and a small TTL
// read cache for hot paths.
package boltstore

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"go.etcd.io/bbolt"
	"go.uber.org/zap"

	"github.com/mcp-gateway/mcpgw-go/internal/registry"
)

const dbFileName = "registry.db"

// readCacheTTL bounds how stale a cached read may be.
const readCacheTTL = 5 * time.Second

// Store is the bbolt backend.
type Store struct {
	db        *bbolt.DB
	namespace string
	logger    *zap.SugaredLogger

	servers *serverRepo
	agents  *agentRepo
}

// New opens (or creates) the database and its buckets.
func New(dataDir, namespace string, logger *zap.SugaredLogger) (*Store, error) {
	dbPath := filepath.Join(dataDir, dbFileName)
	db, err := bbolt.Open(dbPath, 0o644, &bbolt.Options{Timeout: 10 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt database: %w", err)
	}

	s := &Store{
		db:        db,
		namespace: namespace,
		logger:    logger,
	}
	s.servers = &serverRepo{store: s, cache: newReadCache()}
	s.agents = &agentRepo{store: s, cache: newReadCache()}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, bucket := range []string{s.serversBucket(), s.agentsBucket()} {
			if _, err := tx.CreateBucketIfNotExists([]byte(bucket)); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	logger.Infow("Bolt store ready", "path", dbPath, "namespace", namespace)
	return s, nil
}

// Servers returns the server repository.
func (s *Store) Servers() registry.ServerRepository { return s.servers }

// Agents returns the agent repository.
func (s *Store) Agents() registry.AgentRepository { return s.agents }

// DB exposes the underlying handle so the audit log can share the file.
func (s *Store) DB() *bbolt.DB { return s.db }

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) serversBucket() string { return "servers-" + s.namespace }
func (s *Store) agentsBucket() string  { return "agents-" + s.namespace }

// readCache is a tiny TTL cache for hot Get calls. Writes invalidate it.
type readCache struct {
	mu      sync.RWMutex
	entries map[string]readCacheEntry
}

type readCacheEntry struct {
	data    []byte
	expires time.Time
}

func newReadCache() *readCache {
	return &readCache{entries: make(map[string]readCacheEntry)}
}

func (c *readCache) get(key string) ([]byte, bool) {
	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok || time.Now().After(entry.expires) {
		return nil, false
	}
	return entry.data, true
}

func (c *readCache) put(key string, data []byte) {
	c.mu.Lock()
	c.entries[key] = readCacheEntry{data: data, expires: time.Now().Add(readCacheTTL)}
	c.mu.Unlock()
}

func (c *readCache) invalidate(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}
