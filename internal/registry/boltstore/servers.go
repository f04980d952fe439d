package boltstore

import (
	"context"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"github.com/mcp-gateway/mcpgw-go/internal/registry"
)

// serverRepo implements registry.ServerRepository on bbolt.
type serverRepo struct {
	store *Store
	cache *readCache
}

func (r *serverRepo) Get(_ context.Context, path string) (*registry.ServerRecord, error) {
	if data, ok := r.cache.get(path); ok {
		record := &registry.ServerRecord{}
		if err := record.UnmarshalBinary(data); err == nil {
			return record, nil
		}
	}

	var record *registry.ServerRecord
	err := r.store.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(r.store.serversBucket()))
		data := bucket.Get([]byte(path))
		if data == nil {
			return registry.ErrNotFound
		}
		record = &registry.ServerRecord{}
		if err := record.UnmarshalBinary(data); err != nil {
			return fmt.Errorf("failed to unmarshal server record: %w", err)
		}
		r.cache.put(path, data)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return record, nil
}

func (r *serverRepo) List(_ context.Context) ([]*registry.ServerRecord, error) {
	var records []*registry.ServerRecord
	err := r.store.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(r.store.serversBucket()))
		return bucket.ForEach(func(_, v []byte) error {
			record := &registry.ServerRecord{}
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

func (r *serverRepo) Put(_ context.Context, record *registry.ServerRecord, opts registry.PutOptions) (*registry.ServerRecord, error) {
	if record == nil || record.Path == "" {
		return nil, fmt.Errorf("server record requires a path")
	}

	stored := record.Clone()
	err := r.store.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(r.store.serversBucket()))

		var existing *registry.ServerRecord
		if data := bucket.Get([]byte(stored.Path)); data != nil {
			existing = &registry.ServerRecord{}
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

func (r *serverRepo) Delete(_ context.Context, path string) error {
	err := r.store.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(r.store.serversBucket()))
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
