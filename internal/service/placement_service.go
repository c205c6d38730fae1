package service

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/zzenonn/zplace/internal/domain"
	zerrors "github.com/zzenonn/zplace/internal/errors"
	"github.com/zzenonn/zplace/internal/migration"
	"github.com/zzenonn/zplace/internal/placement"
	"github.com/zzenonn/zplace/internal/repository/store"
	"github.com/zzenonn/zplace/internal/router"
)

// PlacementService is the entry point for DDL and DML on placed tables.
type PlacementService struct {
	catalog  *placement.Catalog
	registry placement.Registry
	migrator *migration.Migrator
	router   *router.Router
}

// NewPlacementService creates a new PlacementService instance
func NewPlacementService(catalog *placement.Catalog, registry placement.Registry, migrator *migration.Migrator) *PlacementService {
	return &PlacementService{
		catalog:  catalog,
		registry: registry,
		migrator: migrator,
		router:   router.NewRouter(catalog, registry),
	}
}

// Catalog returns the underlying catalog.
func (s *PlacementService) Catalog() *placement.Catalog { return s.catalog }

// Router returns the read router.
func (s *PlacementService) Router() *router.Router { return s.router }

// RegisterTable adds a table to the catalog.
func (s *PlacementService) RegisterTable(table domain.Table) error {
	return s.catalog.RegisterTable(table)
}

// CreatePartitionGroups partitions a table and moves its data into the new
// layout. The placement check happens inside the table's section.
func (s *PlacementService) CreatePartitionGroups(ctx context.Context, tableID int64, spec placement.PartitionSpec) (domain.TableLayout, error) {
	return s.migrator.Repartition(ctx, tableID, spec)
}

// AddPlacement places columns of partitions (all when nil) on storeID,
// copying existing data there first.
func (s *PlacementService) AddPlacement(ctx context.Context, tableID int64, storeID domain.StoreID, partitions, columns []int64) (*migration.Job, error) {
	return s.migrator.Run(ctx, migration.Request{
		TableID:     tableID,
		Destination: storeID,
		Partitions:  partitions,
		Columns:     columns,
	})
}

// DropPlacement removes storeID's placements on columns (all when nil).
func (s *PlacementService) DropPlacement(ctx context.Context, tableID int64, storeID domain.StoreID, columns []int64) error {
	return s.catalog.DropPlacement(ctx, tableID, storeID, columns)
}

// ModifyPlacement changes the column set of storeID to newColumns. Added
// columns are copied before the adds and drops are committed together.
func (s *PlacementService) ModifyPlacement(ctx context.Context, tableID int64, storeID domain.StoreID, newColumns []int64) (*migration.Job, error) {
	if len(newColumns) == 0 {
		return nil, zerrors.Validation("modify placement of %s needs at least one column, use drop placement instead", storeID)
	}
	return s.migrator.Run(ctx, migration.Request{
		TableID:     tableID,
		Destination: storeID,
		Columns:     newColumns,
		Modify:      true,
	})
}

// DropPartitionGroup removes a partition group and its placements.
func (s *PlacementService) DropPartitionGroup(ctx context.Context, tableID, groupID int64) error {
	return s.catalog.DropPartitionGroup(ctx, tableID, groupID)
}

// DropColumn removes a column and its placements.
func (s *PlacementService) DropColumn(ctx context.Context, tableID, columnID int64) error {
	return s.catalog.DropColumn(ctx, tableID, columnID)
}

// PlacementsFor returns the stores holding one cell.
func (s *PlacementService) PlacementsFor(tableID, partitionID, columnID int64) ([]domain.StoreID, error) {
	return s.catalog.PlacementsFor(tableID, partitionID, columnID)
}

// InsertRows routes every row to its partition and writes to each store
// placed there the columns it holds. A row whose partition value changed is
// removed from the partitions it no longer belongs to. Inserts take the
// table's section so they never interleave with a migration copy.
func (s *PlacementService) InsertRows(ctx context.Context, tableID int64, rows []map[int64]any) (int, error) {
	section, err := s.catalog.Lock(ctx, tableID)
	if err != nil {
		return 0, err
	}
	defer section.Release()

	layout := section.Layout()
	table := layout.Table
	manager := s.catalog.Manager()

	byPartition := make(map[int64][]domain.Row)
	for _, values := range rows {
		for id := range values {
			if _, ok := table.Column(id); !ok {
				return 0, fmt.Errorf("%w: %d", zerrors.ErrColumnNotFound, id)
			}
		}
		key, err := table.RowKey(values)
		if err != nil {
			return 0, zerrors.Validation("%v", err)
		}
		literal := ""
		if v, ok := values[table.PartitionColumnID]; ok && v != nil {
			literal = domain.Literal(v)
		}
		pid, err := manager.GetTargetPartition(layout, literal)
		if err != nil {
			return 0, err
		}
		byPartition[pid] = append(byPartition[pid], domain.Row{Key: key, Values: values})
	}

	var uncovered []domain.Cell
	type write struct {
		storeID domain.StoreID
		scope   store.Scope
		rows    []domain.Row
	}
	var writes []write
	for _, pid := range layout.PartitionIDs() {
		partRows, ok := byPartition[pid]
		if !ok {
			continue
		}
		for _, cid := range table.ColumnIDs() {
			if len(section.StoresFor(domain.Cell{PartitionID: pid, ColumnID: cid})) == 0 {
				uncovered = append(uncovered, domain.Cell{PartitionID: pid, ColumnID: cid})
			}
		}
		for _, storeID := range storesOn(section, pid) {
			columns := section.ColumnsOn(storeID, pid)
			projected := make([]domain.Row, 0, len(partRows))
			for _, r := range partRows {
				projected = append(projected, r.Project(columns))
			}
			writes = append(writes, write{
				storeID: storeID,
				scope:   store.Scope{TableID: tableID, PartitionID: pid, ColumnIDs: columns},
				rows:    projected,
			})
		}
	}
	if len(uncovered) > 0 {
		return 0, &zerrors.CoverageViolation{TableID: tableID, Cells: uncovered}
	}

	if err := s.deleteStale(ctx, section, byPartition); err != nil {
		return 0, err
	}

	for _, w := range writes {
		adapter, err := s.registry.Adapter(w.storeID)
		if err != nil {
			return 0, err
		}
		if err := adapter.Upsert(ctx, w.scope, w.rows); err != nil {
			return 0, fmt.Errorf("inserting into %s: %w", w.storeID, err)
		}
	}

	log.WithFields(log.Fields{
		"table":  table.Name,
		"rows":   len(rows),
		"writes": len(writes),
	}).Debug("Inserted rows")
	return len(rows), nil
}

// deleteStale removes every inserted key from the partitions it was not
// routed to.
func (s *PlacementService) deleteStale(ctx context.Context, section *placement.Section, byPartition map[int64][]domain.Row) error {
	layout := section.Layout()
	pids := layout.PartitionIDs()
	if len(pids) < 2 {
		return nil
	}
	for _, pid := range pids {
		var keys []string
		for target, rows := range byPartition {
			if target == pid {
				continue
			}
			for _, r := range rows {
				keys = append(keys, r.Key)
			}
		}
		if len(keys) == 0 {
			continue
		}
		for _, storeID := range storesOn(section, pid) {
			adapter, err := s.registry.Adapter(storeID)
			if err != nil {
				return err
			}
			if err := adapter.Delete(ctx, layout.Table.ID, pid, keys); err != nil {
				return fmt.Errorf("removing moved rows from %s: %w", storeID, err)
			}
		}
	}
	return nil
}

// Read returns the rows matching req, joined across stores.
func (s *PlacementService) Read(ctx context.Context, req router.Request) ([]domain.Row, error) {
	return s.router.Read(ctx, req)
}

func storesOn(section *placement.Section, partitionID int64) []domain.StoreID {
	seen := make(map[domain.StoreID]bool)
	var out []domain.StoreID
	for _, p := range section.Placements() {
		if p.PartitionID == partitionID && !seen[p.Store] {
			seen[p.Store] = true
			out = append(out, p.Store)
		}
	}
	return out
}
