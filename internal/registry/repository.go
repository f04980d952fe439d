package registry

import (
	"context"
	"errors"
)

// Storage errors shared by both backends.
var (
	ErrNotFound        = errors.New("record not found")
	ErrConflict        = errors.New("record already exists")
	ErrVersionMismatch = errors.New("record version mismatch")
)

// PutOptions carries optional preconditions for Put.
type PutOptions struct {
	// IfVersion, when non-zero, makes the put conditional on the stored
	// record having exactly this version. Zero means last-writer-wins.
	IfVersion int

	// MustNotExist rejects the put with ErrConflict when a record with the
	// same path already exists. Used by register.
	MustNotExist bool
}

// ServerRepository stores ServerRecords keyed by path.
type ServerRepository interface {
	Get(ctx context.Context, path string) (*ServerRecord, error)
	List(ctx context.Context) ([]*ServerRecord, error)
	Put(ctx context.Context, record *ServerRecord, opts PutOptions) (*ServerRecord, error)
	Delete(ctx context.Context, path string) error
	Toggle(ctx context.Context, path string, enabled bool) (*ServerRecord, error)
}

// AgentRepository stores AgentRecords keyed by path.
type AgentRepository interface {
	Get(ctx context.Context, path string) (*AgentRecord, error)
	List(ctx context.Context) ([]*AgentRecord, error)
	Put(ctx context.Context, record *AgentRecord, opts PutOptions) (*AgentRecord, error)
	Delete(ctx context.Context, path string) error
	Toggle(ctx context.Context, path string, enabled bool) (*AgentRecord, error)
}
