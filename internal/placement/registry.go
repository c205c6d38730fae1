package placement

import (
	"fmt"
	"sync"

	"github.com/zzenonn/zplace/internal/domain"
	zerrors "github.com/zzenonn/zplace/internal/errors"
	"github.com/zzenonn/zplace/internal/repository/store"
)

// StoreRegistry keeps the adapters of all known stores
type StoreRegistry struct {
	mu       sync.RWMutex
	adapters map[domain.StoreID]store.Adapter
	names    []domain.StoreID
}

// NewStoreRegistry creates an empty registry
func NewStoreRegistry() *StoreRegistry {
	return &StoreRegistry{
		adapters: make(map[domain.StoreID]store.Adapter),
		names:    make([]domain.StoreID, 0),
	}
}

// RegisterStore adds a store adapter
func (r *StoreRegistry) RegisterStore(adapter store.Adapter) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := adapter.Name()
	if _, exists := r.adapters[name]; exists {
		return fmt.Errorf("store %s already registered", name)
	}

	r.adapters[name] = adapter
	r.names = append(r.names, name)
	return nil
}

// Adapter returns the adapter for a specific store
func (r *StoreRegistry) Adapter(id domain.StoreID) (store.Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	adapter, exists := r.adapters[id]
	if !exists {
		return nil, fmt.Errorf("%w: %s", zerrors.ErrStoreNotFound, id)
	}
	return adapter, nil
}

// ListStores returns all registered store names
func (r *StoreRegistry) ListStores() []domain.StoreID {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]domain.StoreID, len(r.names))
	copy(names, r.names)
	return names
}
