package ledger

import (
	"context"
	"sync"
)

type (
	// CheckpointStore keeps the durable read position of each subscription:
	// the GlobalPosition of the last message it handled, or 0
	CheckpointStore interface {
		Load(ctx context.Context, name string) (int64, error)
		Save(ctx context.Context, name string, pos int64) error
	}

	// MemoryCheckpointStore is a CheckpointStore held in process memory
	MemoryCheckpointStore struct {
		positions map[string]int64
		mu        sync.RWMutex
	}
)

var _ CheckpointStore = (*MemoryCheckpointStore)(nil)

// NewMemoryCheckpointStore returns an empty MemoryCheckpointStore
func NewMemoryCheckpointStore() *MemoryCheckpointStore {
	return &MemoryCheckpointStore{
		positions: map[string]int64{},
	}
}

// Load implements CheckpointStore
func (s *MemoryCheckpointStore) Load(
	_ context.Context, name string,
) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.positions[name], nil
}

// Save implements CheckpointStore
func (s *MemoryCheckpointStore) Save(
	_ context.Context, name string, pos int64,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.positions[name] = pos
	return nil
}
