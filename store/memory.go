package store

import (
	"context"
	"sync"

	"github.com/flhub/flhub/types"
)

// MemoryStore is a volatile RecordStore keeping records in a process
// local map. It is safe for concurrent access and best suited for
// tests or ephemeral demo deployments. Records are cloned on the way
// in and out so callers never share mutable state with the store.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*types.NodeSessionRecord
}

// NewMemoryStore constructs an empty in-memory record store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*types.NodeSessionRecord)}
}

// Insert creates a new record, failing if the node ID is taken.
func (s *MemoryStore) Insert(_ context.Context, record *types.NodeSessionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[record.NodeID]; ok {
		return ErrRecordExists
	}
	s.records[record.NodeID] = record.Clone()
	return nil
}

// Update replaces an existing record.
func (s *MemoryStore) Update(_ context.Context, record *types.NodeSessionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[record.NodeID]; !ok {
		return ErrRecordNotFound
	}
	s.records[record.NodeID] = record.Clone()
	return nil
}

// GetByNodeID returns a clone of the record for nodeID.
func (s *MemoryStore) GetByNodeID(_ context.Context, nodeID string) (*types.NodeSessionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, ok := s.records[nodeID]
	if !ok {
		return nil, ErrRecordNotFound
	}
	return record.Clone(), nil
}

// Delete removes the record for nodeID, absent records included.
func (s *MemoryStore) Delete(_ context.Context, nodeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, nodeID)
	return nil
}

// ListAll returns clones of every record, ordered by node ID.
func (s *MemoryStore) ListAll(_ context.Context) ([]*types.NodeSessionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*types.NodeSessionRecord, 0, len(s.records))
	for _, record := range s.records {
		out = append(out, record.Clone())
	}
	sortRecords(out)
	return out, nil
}

var _ RecordStore = (*MemoryStore)(nil)
