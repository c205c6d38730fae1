package placement

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	log "github.com/sirupsen/logrus"

	"github.com/zzenonn/zplace/internal/domain"
	zerrors "github.com/zzenonn/zplace/internal/errors"
	"github.com/zzenonn/zplace/internal/partition"
)

type storeSet map[domain.StoreID]struct{}

// tableState is everything the catalog knows about one table.
type tableState struct {
	// section is the exclusive DDL/migration section (a one-slot semaphore
	// so acquisition can honour a context).
	section chan struct{}

	mu         sync.RWMutex
	table      domain.Table
	groups     []domain.PartitionGroup
	partitions []domain.Partition
	placements map[domain.Cell]storeSet
}

// Catalog is the authoritative placement catalog.
type Catalog struct {
	manager *partition.Manager

	mu     sync.RWMutex
	tables map[int64]*tableState

	nextID atomic.Int64
}

// NewCatalog creates an empty catalog that validates partition setups with manager.
func NewCatalog(manager *partition.Manager) *Catalog {
	return &Catalog{
		manager: manager,
		tables:  make(map[int64]*tableState),
	}
}

// Manager returns the partition manager the catalog validates with.
func (c *Catalog) Manager() *partition.Manager {
	return c.manager
}

func (c *Catalog) allocateID() int64 {
	return c.nextID.Add(1)
}

func (c *Catalog) state(tableID int64) (*tableState, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	st, ok := c.tables[tableID]
	if !ok {
		return nil, fmt.Errorf("%w: %d", zerrors.ErrTableNotFound, tableID)
	}
	return st, nil
}

// RegisterTable adds a table handed over by the schema layer. The table
// starts unpartitioned with a single implicit partition and no placements.
func (c *Catalog) RegisterTable(table domain.Table) error {
	if len(table.PrimaryKey) == 0 {
		return fmt.Errorf("%w: %s", zerrors.ErrMissingPrimaryKey, table.Name)
	}
	for _, id := range table.PrimaryKey {
		if _, ok := table.Column(id); !ok {
			return fmt.Errorf("%w: primary key column %d of %s", zerrors.ErrColumnNotFound, id, table.Name)
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.tables[table.ID]; exists {
		return fmt.Errorf("%w: %d", zerrors.ErrTableAlreadyExists, table.ID)
	}

	table.Columns = append([]domain.Column(nil), table.Columns...)
	table.PrimaryKey = append([]int64(nil), table.PrimaryKey...)
	table.PartitionType = domain.PartitionNone
	table.PartitionColumnID = 0
	table.NumPartitionGroups = 1

	groupID, partitionID := c.allocateID(), c.allocateID()
	c.tables[table.ID] = &tableState{
		section: make(chan struct{}, 1),
		table:   table,
		groups: []domain.PartitionGroup{
			{ID: groupID, TableID: table.ID, Name: "default", PartitionIDs: []int64{partitionID}},
		},
		partitions: []domain.Partition{
			{ID: partitionID, TableID: table.ID, GroupID: groupID},
		},
		placements: make(map[domain.Cell]storeSet),
	}
	log.Debugf("Registered table %s (%d)", table.Name, table.ID)
	return nil
}

// Tables returns all registered tables ordered by id.
func (c *Catalog) Tables() []domain.Table {
	c.mu.RLock()
	states := make([]*tableState, 0, len(c.tables))
	for _, st := range c.tables {
		states = append(states, st)
	}
	c.mu.RUnlock()

	out := make([]domain.Table, 0, len(states))
	for _, st := range states {
		st.mu.RLock()
		out = append(out, copyTable(st.table))
		st.mu.RUnlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// TableByName looks up a registered table by name.
func (c *Catalog) TableByName(name string) (domain.Table, error) {
	for _, t := range c.Tables() {
		if t.Name == name {
			return t, nil
		}
	}
	return domain.Table{}, fmt.Errorf("%w: %s", zerrors.ErrTableNotFound, name)
}

// Table returns a copy of the table.
func (c *Catalog) Table(tableID int64) (domain.Table, error) {
	layout, err := c.Layout(tableID)
	if err != nil {
		return domain.Table{}, err
	}
	return layout.Table, nil
}

// Layout returns an immutable snapshot of the table and its partitions.
func (c *Catalog) Layout(tableID int64) (domain.TableLayout, error) {
	st, err := c.state(tableID)
	if err != nil {
		return domain.TableLayout{}, err
	}
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.layout(), nil
}

// PlacementsFor returns the stores holding a cell, sorted by id.
func (c *Catalog) PlacementsFor(tableID, partitionID, columnID int64) ([]domain.StoreID, error) {
	st, err := c.state(tableID)
	if err != nil {
		return nil, err
	}
	st.mu.RLock()
	defer st.mu.RUnlock()
	if !st.hasPartition(partitionID) {
		return nil, fmt.Errorf("%w: %d", zerrors.ErrPartitionNotFound, partitionID)
	}
	if _, ok := st.table.Column(columnID); !ok {
		return nil, fmt.Errorf("%w: %d", zerrors.ErrColumnNotFound, columnID)
	}
	return st.storesFor(domain.Cell{PartitionID: partitionID, ColumnID: columnID}), nil
}

// Placements returns every placement of the table, sorted.
func (c *Catalog) Placements(tableID int64) ([]domain.Placement, error) {
	st, err := c.state(tableID)
	if err != nil {
		return nil, err
	}
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.allPlacements(), nil
}

// StoresOf returns the stores holding any placement of the table.
func (c *Catalog) StoresOf(tableID int64) ([]domain.StoreID, error) {
	placements, err := c.Placements(tableID)
	if err != nil {
		return nil, err
	}
	seen := make(map[domain.StoreID]bool)
	var out []domain.StoreID
	for _, p := range placements {
		if !seen[p.Store] {
			seen[p.Store] = true
			out = append(out, p.Store)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// ColumnsOn returns the distinct columns the store holds for the table.
func (c *Catalog) ColumnsOn(tableID int64, storeID domain.StoreID) ([]int64, error) {
	st, err := c.state(tableID)
	if err != nil {
		return nil, err
	}
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.columnsOn(storeID, 0), nil
}

// UncoveredCells lists the cells of the table that no store holds. A table
// that has never been placed reports nothing.
func (c *Catalog) UncoveredCells(tableID int64) ([]domain.Cell, error) {
	st, err := c.state(tableID)
	if err != nil {
		return nil, err
	}
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.uncovered(), nil
}

// Lock acquires the table's exclusive section. The caller must Release it.
func (c *Catalog) Lock(ctx context.Context, tableID int64) (*Section, error) {
	st, err := c.state(tableID)
	if err != nil {
		return nil, err
	}
	select {
	case st.section <- struct{}{}:
		return &Section{catalog: c, state: st, tableID: tableID}, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("waiting for table %d: %w", tableID, ctx.Err())
	}
}

func (c *Catalog) withSection(ctx context.Context, tableID int64, fn func(*Section) error) error {
	s, err := c.Lock(ctx, tableID)
	if err != nil {
		return err
	}
	defer s.Release()
	return fn(s)
}

// AddPlacement places the cross product of partitions and columns on
// storeID. Nil partitions or columns select all of them.
//
// Only the catalog changes: no rows are copied to storeID, so on a table
// holding data the new placements read empty until something fills them.
// Use PlacementService.AddPlacement or Migrator.Run to move data with the
// placement.
func (c *Catalog) AddPlacement(ctx context.Context, tableID int64, storeID domain.StoreID, partitions, columns []int64) error {
	return c.withSection(ctx, tableID, func(s *Section) error {
		return s.AddPlacement(storeID, partitions, columns)
	})
}

// DropPlacement removes the store's placements for columns (all when nil).
// It fails with CoverageViolation, and changes nothing, if any dropped cell
// would be left without a store.
func (c *Catalog) DropPlacement(ctx context.Context, tableID int64, storeID domain.StoreID, columns []int64) error {
	return c.withSection(ctx, tableID, func(s *Section) error {
		return s.DropPlacement(storeID, columns)
	})
}

// ModifyPlacement changes the store's column set to newColumns.
func (c *Catalog) ModifyPlacement(ctx context.Context, tableID int64, storeID domain.StoreID, newColumns []int64) error {
	return c.withSection(ctx, tableID, func(s *Section) error {
		return s.Apply(s.ModifyDelta(storeID, newColumns))
	})
}

// CreatePartitionGroups partitions the table. Existing placements are
// carried over: each store keeps its column set on every new partition.
//
// Only the catalog changes. Rows already stored stay under their old
// partition IDs and become unreachable, so tables holding data must be
// repartitioned with Migrator.Repartition instead.
func (c *Catalog) CreatePartitionGroups(ctx context.Context, tableID int64, spec PartitionSpec) (domain.TableLayout, error) {
	var layout domain.TableLayout
	err := c.withSection(ctx, tableID, func(s *Section) error {
		next, err := s.PreparePartitioning(spec)
		if err != nil {
			return err
		}
		if err := s.InstallLayout(next, s.CarryOverPlacements(next)); err != nil {
			return err
		}
		layout = next
		return nil
	})
	return layout, err
}

// DropPartitionGroup removes a group, its partitions and their placements.
func (c *Catalog) DropPartitionGroup(ctx context.Context, tableID, groupID int64) error {
	return c.withSection(ctx, tableID, func(s *Section) error {
		return s.DropPartitionGroup(groupID)
	})
}

// DropColumn removes a column and all of its placements.
func (c *Catalog) DropColumn(ctx context.Context, tableID, columnID int64) error {
	return c.withSection(ctx, tableID, func(s *Section) error {
		return s.DropColumn(columnID)
	})
}

// --- tableState helpers; callers hold st.mu ---

func copyTable(t domain.Table) domain.Table {
	t.Columns = append([]domain.Column(nil), t.Columns...)
	t.PrimaryKey = append([]int64(nil), t.PrimaryKey...)
	return t
}

func (st *tableState) layout() domain.TableLayout {
	groups := make([]domain.PartitionGroup, len(st.groups))
	for i, g := range st.groups {
		g.PartitionIDs = append([]int64(nil), g.PartitionIDs...)
		groups[i] = g
	}
	partitions := make([]domain.Partition, len(st.partitions))
	for i, p := range st.partitions {
		p.Qualifiers = append([]string(nil), p.Qualifiers...)
		partitions[i] = p
	}
	return domain.TableLayout{Table: copyTable(st.table), Groups: groups, Partitions: partitions}
}

func (st *tableState) hasPartition(id int64) bool {
	for _, p := range st.partitions {
		if p.ID == id {
			return true
		}
	}
	return false
}

func (st *tableState) storesFor(cell domain.Cell) []domain.StoreID {
	set := st.placements[cell]
	out := make([]domain.StoreID, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// columnsOn returns the distinct columns storeID holds, on one partition or
// on any partition when partitionID is 0.
func (st *tableState) columnsOn(storeID domain.StoreID, partitionID int64) []int64 {
	seen := make(map[int64]bool)
	for cell, set := range st.placements {
		if partitionID != 0 && cell.PartitionID != partitionID {
			continue
		}
		if _, ok := set[storeID]; ok {
			seen[cell.ColumnID] = true
		}
	}
	out := make([]int64, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (st *tableState) allPlacements() []domain.Placement {
	var out []domain.Placement
	for cell, set := range st.placements {
		for s := range set {
			out = append(out, domain.Placement{
				TableID:     st.table.ID,
				PartitionID: cell.PartitionID,
				ColumnID:    cell.ColumnID,
				Store:       s,
			})
		}
	}
	sortPlacements(out)
	return out
}

func (st *tableState) uncovered() []domain.Cell {
	if len(st.placements) == 0 {
		return nil
	}
	var out []domain.Cell
	for _, p := range st.partitions {
		for _, col := range st.table.Columns {
			cell := domain.Cell{PartitionID: p.ID, ColumnID: col.ID}
			if len(st.placements[cell]) == 0 {
				out = append(out, cell)
			}
		}
	}
	return out
}

func sortPlacements(ps []domain.Placement) {
	sort.Slice(ps, func(i, j int) bool {
		a, b := ps[i], ps[j]
		if a.PartitionID != b.PartitionID {
			return a.PartitionID < b.PartitionID
		}
		if a.ColumnID != b.ColumnID {
			return a.ColumnID < b.ColumnID
		}
		return a.Store < b.Store
	})
}

func sortCells(cells []domain.Cell) {
	sort.Slice(cells, func(i, j int) bool {
		if cells[i].PartitionID != cells[j].PartitionID {
			return cells[i].PartitionID < cells[j].PartitionID
		}
		return cells[i].ColumnID < cells[j].ColumnID
	})
}
