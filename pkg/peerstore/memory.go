package peerstore

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps records in process memory.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]Record
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record)}
}

func (m *MemoryStore) Upsert(_ context.Context, record Record) error {
	if err := ValidateRecord(record); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	key := record.Key()
	if existing, ok := m.records[key]; ok {
		record.RegisteredAt = existing.RegisteredAt
		if record.Load == nil {
			record.Load = existing.Load
		}
	}
	if record.Load != nil {
		load := *record.Load
		record.Load = &load
	}
	m.records[key] = record
	return nil
}

func (m *MemoryStore) List(_ context.Context) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	records := make([]Record, 0, len(m.records))
	for _, record := range m.records {
		if record.Load != nil {
			load := *record.Load
			record.Load = &load
		}
		records = append(records, record)
	}
	sortRecords(records)
	return records, nil
}

func (m *MemoryStore) Remove(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.records[key]; !ok {
		return ErrPeerNotFound
	}
	delete(m.records, key)
	return nil
}

func (m *MemoryStore) PruneBefore(_ context.Context, cutoff time.Time) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var pruned []string
	for key, record := range m.records {
		if record.LastSeen.Before(cutoff) {
			delete(m.records, key)
			pruned = append(pruned, key)
		}
	}
	return pruned, nil
}

func (m *MemoryStore) Close() error {
	return nil
}
