package store

import (
	"context"
	"sort"
	"sync"

	"github.com/zzenonn/zplace/internal/domain"
)

type partitionKey struct {
	tableID, partitionID int64
}

// MemoryAdapter is an in-process store, used for tests and local runs.
type MemoryAdapter struct {
	name domain.StoreID

	mu   sync.RWMutex
	data map[partitionKey]map[string]map[int64]any
}

// NewMemoryAdapter creates an empty in-memory store
func NewMemoryAdapter(name domain.StoreID) *MemoryAdapter {
	return &MemoryAdapter{
		name: name,
		data: make(map[partitionKey]map[string]map[int64]any),
	}
}

func (m *MemoryAdapter) Name() domain.StoreID { return m.name }

func (m *MemoryAdapter) StorageType() string { return string(MemoryType) }

// Scan returns rows sorted by key.
func (m *MemoryAdapter) Scan(_ context.Context, scope Scope) ([]domain.Row, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rows := m.data[partitionKey{scope.TableID, scope.PartitionID}]
	out := make([]domain.Row, 0, len(rows))
	for key, values := range rows {
		row := domain.Row{Key: key, Values: make(map[int64]any)}
		for id, v := range values {
			if wantColumn(scope.ColumnIDs, id) {
				row.Values[id] = v
			}
		}
		out = append(out, row)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (m *MemoryAdapter) Count(_ context.Context, tableID, partitionID int64) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int64(len(m.data[partitionKey{tableID, partitionID}])), nil
}

func (m *MemoryAdapter) Upsert(_ context.Context, scope Scope, rows []domain.Row) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	pk := partitionKey{scope.TableID, scope.PartitionID}
	partition, ok := m.data[pk]
	if !ok {
		partition = make(map[string]map[int64]any)
		m.data[pk] = partition
	}
	for _, r := range rows {
		stored, ok := partition[r.Key]
		if !ok {
			stored = make(map[int64]any)
			partition[r.Key] = stored
		}
		for id, v := range r.Values {
			if wantColumn(scope.ColumnIDs, id) {
				stored[id] = v
			}
		}
	}
	return nil
}

func (m *MemoryAdapter) Delete(_ context.Context, tableID, partitionID int64, keys []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	partition := m.data[partitionKey{tableID, partitionID}]
	for _, k := range keys {
		delete(partition, k)
	}
	return nil
}
