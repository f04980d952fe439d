package boltstore

import (
	"context"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"github.com/mcp-gateway/mcpgw-go/internal/registry"
)

// agentRepo implements registry.AgentRepository on bbolt.
type agentRepo struct {
	store *Store
	cache *readCache
}

func (r *agentRepo) Get(_ context.Context, path string) (*registry.AgentRecord, error) {
	if data, ok := r.cache.get(path); ok {
		record := &registry.AgentRecord{}
		if err := record.UnmarshalBinary(data); err == nil {
			return record, nil
		}
	}

	var record *registry.AgentRecord
	err := r.store.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(r.store.agentsBucket()))
		data := bucket.Get([]byte(path))
		if data == nil {
			return registry.ErrNotFound
		}
		record = &registry.AgentRecord{}
		if err := record.UnmarshalBinary(data); err != nil {
			return fmt.Errorf("failed to unmarshal agent record: %w", err)
		}
		r.cache.put(path, data)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return record, nil
}

func (r *agentRepo) List(_ context.Context) ([]*registry.AgentRecord, error) {
	var records []*registry.AgentRecord
	err := r.store.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(r.store.agentsBucket()))
		return bucket.ForEach(func(_, v []byte) error {
			record := &registry.AgentRecord{}
			if err := record.UnmarshalBinary(v); err != nil {
				return err
			}
			records = append(records, record)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

func (r *agentRepo) Put(_ context.Context, record *registry.AgentRecord, opts registry.PutOptions) (*registry.AgentRecord, error) {
	if record == nil || record.Path == "" {
		return nil, fmt.Errorf("agent record requires a path")
	}

	stored := record.Clone()
	err := r.store.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(r.store.agentsBucket()))

		var existing *registry.AgentRecord
		if data := bucket.Get([]byte(stored.Path)); data != nil {
			existing = &registry.AgentRecord{}
			if err := existing.UnmarshalBinary(data); err != nil {
				return fmt.Errorf("failed to unmarshal existing record: %w", err)
			}
		}

		if opts.MustNotExist && existing != nil {
			return registry.ErrConflict
		}
		if opts.IfVersion != 0 {
			if existing == nil {
				return registry.ErrNotFound
			}
			if existing.Version != opts.IfVersion {
				return registry.ErrVersionMismatch
			}
		}

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

		data, err := stored.MarshalBinary()
		if err != nil {
			return err
		}
		return bucket.Put([]byte(stored.Path), data)
	})
	if err != nil {
		return nil, err
	}

	r.cache.invalidate(stored.Path)
	return stored, nil
}

func (r *agentRepo) Delete(_ context.Context, path string) error {
	err := r.store.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(r.store.agentsBucket()))
		if bucket.Get([]byte(path)) == nil {
			return registry.ErrNotFound
		}
		return bucket.Delete([]byte(path))
	})
	if err != nil {
		return err
	}
	r.cache.invalidate(path)
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
