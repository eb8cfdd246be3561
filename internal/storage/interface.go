// Package storage selects and opens the ledger store backend.
//
// # Backends
//
//   - memory: [ledger.MemoryStore], records are lost on restart
//   - mongodb: the mongodb sub-package, records survive restarts and may be
//     shared with the command line tools
//
// # Concurrency
//
// All store implementations must be safe for concurrent use from multiple
// goroutines.
package storage

import (
	"context"
	"fmt"

	"github.com/sirosfoundation/go-secgw/internal/config"
	"github.com/sirosfoundation/go-secgw/internal/storage/mongodb"
	"github.com/sirosfoundation/go-secgw/pkg/ledger"
)

// Store is a ledger store with a connection lifecycle
type Store interface {
	ledger.Store

	// Close releases storage resources
	Close(ctx context.Context) error

	// Ping checks database connectivity
	Ping(ctx context.Context) error
}

// memoryStore adds a no-op lifecycle to ledger.MemoryStore
type memoryStore struct {
	*ledger.MemoryStore
}

func (memoryStore) Close(context.Context) error { return nil }
func (memoryStore) Ping(context.Context) error  { return nil }

// NewMemory returns an in-memory Store
func NewMemory() Store {
	return memoryStore{ledger.NewMemoryStore()}
}

// Open creates the store selected by cfg.Type
func Open(ctx context.Context, cfg *config.StorageConfig) (Store, error) {
	switch cfg.Type {
	case config.StorageMemory:
		return NewMemory(), nil
	case config.StorageMongoDB:
		s, err := mongodb.NewStore(ctx, &mongodb.Config{
			URI:            cfg.MongoDB.URI,
			Database:       cfg.MongoDB.Database,
			GridFSBucket:   cfg.MongoDB.GridFS.BucketName,
			ChunkSizeBytes: int32(cfg.MongoDB.GridFS.ChunkSizeBytes),
			InlineLimit:    cfg.MongoDB.InlineLimit,
		})
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown storage type %q", cfg.Type)
	}
}
