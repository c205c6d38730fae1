// Package placement tracks which physical store holds which columns of which
// partitions of every table, and enforces the coverage invariant: once a
// (partition, column) cell has been placed, it keeps at least one store.
//
// Key Concepts:
// - Catalog: explicit handle holding tables, partition groups, partitions and
//   placements. There is no global instance; tests build their own.
// - Section: the per-table exclusive section. Every placement change and every
//   migration job on a table runs inside one, so at most one change is in
//   flight per table while different tables proceed in parallel.
// - Change: a set of placements to add and drop, applied as one atomic step
//   after the coverage check.
// - StoreRegistry: resolves store ids to the adapters used to move data.
//
// Readers (the Router, PlacementsFor) never take the section. They take the
// table's state lock only, so they are not blocked by a running copy and they
// observe either the state before a commit or after it.
//
// Example:
//
//	cat := NewCatalog(partition.NewManager())
//	_ = cat.RegisterTable(table)
//	_ = cat.AddPlacement(ctx, table.ID, "hsqldb", nil, nil)
//	stores, _ := cat.PlacementsFor(table.ID, partitionID, columnID)
package placement

import (
	"github.com/zzenonn/zplace/internal/domain"
	"github.com/zzenonn/zplace/internal/repository/store"
)

// Registry resolves store ids to adapters.
//
// Implementations must be thread-safe; the migrator and router resolve
// adapters concurrently from many goroutines.
type Registry interface {
	// Adapter returns the adapter for a store id.
	Adapter(id domain.StoreID) (store.Adapter, error)

	// RegisterStore adds a store adapter under its own name.
	RegisterStore(adapter store.Adapter) error

	// ListStores returns all registered store ids in registration order.
	ListStores() []domain.StoreID
}

// Change is an atomic placement mutation.
type Change struct {
	Add  []domain.Placement
	Drop []domain.Placement
}

// IsEmpty reports whether the change does nothing.
func (c Change) IsEmpty() bool {
	return len(c.Add) == 0 && len(c.Drop) == 0
}

// PartitionSpec describes a CREATE PARTITION request.
type PartitionSpec struct {
	Type            domain.PartitionType
	ColumnID        int64
	QualifierGroups [][]string
	GroupNames      []string
	// NumGroups includes the unbound group for strategies that require one.
	// Zero derives it from QualifierGroups.
	NumGroups int
}
