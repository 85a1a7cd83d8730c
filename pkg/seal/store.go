package seal

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// ArtifactStore persists sealed artifact buffers by id and hands them back
// to the VM at execution start. The specification names ExecutionSession's
// artifact_id field but leaves the lookup mechanism itself to the
// implementation; an in-memory store is a pragmatic simplification here
// (documented in DESIGN.md) — a production deployment would back this with
// object storage or the same Postgres database ExecutionSession lives in.
type ArtifactStore interface {
	Put(ctx context.Context, sealed []byte) (id string, err error)
	Get(ctx context.Context, id string) (sealed []byte, err error)
}

// MemoryStore is an in-memory ArtifactStore. Thread-safe; contents are lost
// on restart, which is acceptable for a single-process reference executor
// but not for a durable fleet deployment.
type MemoryStore struct {
	mu    sync.RWMutex
	items map[string][]byte
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[string][]byte)}
}

// Put stores sealed under a freshly generated id.
func (s *MemoryStore) Put(_ context.Context, sealed []byte) (string, error) {
	id := uuid.New().String()
	s.mu.Lock()
	s.items[id] = sealed
	s.mu.Unlock()
	return id, nil
}

// Get returns the sealed buffer stored under id.
func (s *MemoryStore) Get(_ context.Context, id string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sealed, ok := s.items[id]
	if !ok {
		return nil, fmt.Errorf("artifact %s not found in store", id)
	}
	return sealed, nil
}
