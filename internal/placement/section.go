package placement

import (
	"errors"
	"fmt"
	"sync/atomic"

	log "github.com/sirupsen/logrus"

	"github.com/zzenonn/zplace/internal/domain"
	zerrors "github.com/zzenonn/zplace/internal/errors"
)

var errSectionReleased = errors.New("table section already released")

// Section is the exclusive section of one table. While it is held no other
// placement change or migration can run on the table. Readers are not
// blocked.
type Section struct {
	catalog  *Catalog
	state    *tableState
	tableID  int64
	released atomic.Bool
}

// TableID returns the id of the locked table.
func (s *Section) TableID() int64 {
	return s.tableID
}

// Release gives the section back. Calling it more than once is a no-op.
func (s *Section) Release() {
	if s.released.CompareAndSwap(false, true) {
		<-s.state.section
	}
}

func (s *Section) check() error {
	if s.released.Load() {
		return fmt.Errorf("%w: table %d", errSectionReleased, s.tableID)
	}
	return nil
}

// Layout returns a snapshot of the table.
func (s *Section) Layout() domain.TableLayout {
	s.state.mu.RLock()
	defer s.state.mu.RUnlock()
	return s.state.layout()
}

// StoresFor returns the stores holding a cell.
func (s *Section) StoresFor(cell domain.Cell) []domain.StoreID {
	s.state.mu.RLock()
	defer s.state.mu.RUnlock()
	return s.state.storesFor(cell)
}

// ColumnsOn returns the columns storeID holds on a partition, or on any
// partition when partitionID is 0.
func (s *Section) ColumnsOn(storeID domain.StoreID, partitionID int64) []int64 {
	s.state.mu.RLock()
	defer s.state.mu.RUnlock()
	return s.state.columnsOn(storeID, partitionID)
}

// Placements returns every placement of the table.
func (s *Section) Placements() []domain.Placement {
	s.state.mu.RLock()
	defer s.state.mu.RUnlock()
	return s.state.allPlacements()
}

// Apply commits a change in one step. Adds are applied before drops; if any
// cell that currently has a store would end up with none, the whole change
// is rejected with a CoverageViolation and nothing is modified.
func (s *Section) Apply(change Change) error {
	if err := s.check(); err != nil {
		return err
	}
	if change.IsEmpty() {
		return nil
	}

	st := s.state
	st.mu.Lock()
	defer st.mu.Unlock()

	next, err := st.withChange(change)
	if err != nil {
		return err
	}
	st.placements = next
	log.WithFields(log.Fields{
		"table":   s.tableID,
		"added":   len(change.Add),
		"dropped": len(change.Drop),
	}).Debug("Applied placement change")
	return nil
}

// Check reports the error Apply would return for change without applying it.
func (s *Section) Check(change Change) error {
	if err := s.check(); err != nil {
		return err
	}
	s.state.mu.RLock()
	defer s.state.mu.RUnlock()
	_, err := s.state.withChange(change)
	return err
}

// withChange returns the placement map that results from change.
func (st *tableState) withChange(change Change) (map[domain.Cell]storeSet, error) {
	for _, list := range [][]domain.Placement{change.Add, change.Drop} {
		for _, p := range list {
			if err := st.validPlacement(p); err != nil {
				return nil, err
			}
		}
	}

	next := make(map[domain.Cell]storeSet, len(st.placements))
	for cell, set := range st.placements {
		cp := make(storeSet, len(set))
		for id := range set {
			cp[id] = struct{}{}
		}
		next[cell] = cp
	}
	for _, p := range change.Add {
		set, ok := next[p.Cell()]
		if !ok {
			set = make(storeSet)
			next[p.Cell()] = set
		}
		set[p.Store] = struct{}{}
	}

	touched := make(map[domain.Cell]bool)
	for _, p := range change.Drop {
		if set, ok := next[p.Cell()]; ok {
			delete(set, p.Store)
			touched[p.Cell()] = true
		}
	}

	var uncovered []domain.Cell
	for cell := range touched {
		if len(next[cell]) == 0 {
			if len(st.placements[cell]) > 0 {
				uncovered = append(uncovered, cell)
			}
			delete(next, cell)
		}
	}
	if len(uncovered) > 0 {
		sortCells(uncovered)
		log.WithFields(log.Fields{
			"table": st.table.ID,
			"cells": len(uncovered),
		}).Warn("Rejected placement change that would break coverage")
		return nil, &zerrors.CoverageViolation{TableID: st.table.ID, Cells: uncovered}
	}
	return next, nil
}

// AddPlacement places the cross product of partitions and columns on
// storeID. Nil selects all partitions or all columns.
func (s *Section) AddPlacement(storeID domain.StoreID, partitions, columns []int64) error {
	if storeID == "" {
		return zerrors.Validation("store must be set")
	}
	layout := s.Layout()
	if partitions == nil {
		partitions = layout.PartitionIDs()
	}
	if columns == nil {
		columns = layout.Table.ColumnIDs()
	}
	var change Change
	for _, pid := range partitions {
		for _, cid := range columns {
			change.Add = append(change.Add, domain.Placement{
				TableID: s.tableID, PartitionID: pid, ColumnID: cid, Store: storeID,
			})
		}
	}
	return s.Apply(change)
}

// DropDelta returns the placements of storeID on columns, or on all of its
// columns when columns is nil.
func (s *Section) DropDelta(storeID domain.StoreID, columns []int64) (Change, error) {
	var want map[int64]bool
	if columns != nil {
		want = make(map[int64]bool, len(columns))
		for _, id := range columns {
			want[id] = true
		}
	}

	var change Change
	for _, p := range s.Placements() {
		if p.Store != storeID {
			continue
		}
		if want != nil && !want[p.ColumnID] {
			continue
		}
		change.Drop = append(change.Drop, p)
	}
	if len(change.Drop) == 0 {
		return Change{}, zerrors.Validation("store %s holds no matching placement of table %d", storeID, s.tableID)
	}
	return change, nil
}

// DropPlacement removes storeID's placements on columns (all when nil).
func (s *Section) DropPlacement(storeID domain.StoreID, columns []int64) error {
	change, err := s.DropDelta(storeID, columns)
	if err != nil {
		return err
	}
	return s.Apply(change)
}

// ModifyDelta expresses "storeID should hold exactly newColumns" as a change.
// Added columns go to every partition the store already holds, or to every
// partition when the store holds nothing yet.
func (s *Section) ModifyDelta(storeID domain.StoreID, newColumns []int64) Change {
	layout := s.Layout()
	want := make(map[int64]bool, len(newColumns))
	for _, id := range newColumns {
		want[id] = true
	}

	held := make(map[domain.Cell]bool)
	onPartition := make(map[int64]bool)
	var change Change
	for _, p := range s.Placements() {
		if p.Store != storeID {
			continue
		}
		held[p.Cell()] = true
		onPartition[p.PartitionID] = true
		if !want[p.ColumnID] {
			change.Drop = append(change.Drop, p)
		}
	}

	for _, pid := range layout.PartitionIDs() {
		if len(onPartition) > 0 && !onPartition[pid] {
			continue
		}
		for _, cid := range newColumns {
			cell := domain.Cell{PartitionID: pid, ColumnID: cid}
			if !held[cell] {
				change.Add = append(change.Add, domain.Placement{
					TableID: s.tableID, PartitionID: pid, ColumnID: cid, Store: storeID,
				})
			}
		}
	}
	return change
}

// PreparePartitioning validates spec and builds the layout it describes,
// without installing it.
func (s *Section) PreparePartitioning(spec PartitionSpec) (domain.TableLayout, error) {
	if err := s.check(); err != nil {
		return domain.TableLayout{}, err
	}
	current := s.Layout()
	table := current.Table

	if spec.Type == "" {
		spec.Type = domain.PartitionNone
	}
	fn, err := s.catalog.manager.Function(spec.Type)
	if err != nil {
		return domain.TableLayout{}, err
	}

	if spec.Type == domain.PartitionNone {
		table.PartitionType = domain.PartitionNone
		table.PartitionColumnID = 0
		table.NumPartitionGroups = 1
		return s.buildLayout(table, []domain.GroupSpec{{Name: "default"}}), nil
	}

	column, ok := table.Column(spec.ColumnID)
	if !ok {
		return domain.TableLayout{}, zerrors.Validation("partition column %d does not exist in table %s", spec.ColumnID, table.Name)
	}

	numGroups := spec.NumGroups
	if numGroups == 0 {
		switch {
		case len(spec.QualifierGroups) == 0:
			numGroups = len(spec.GroupNames)
		case fn.RequiresUnboundGroup():
			numGroups = len(spec.QualifierGroups) + 1
		default:
			numGroups = len(spec.QualifierGroups)
		}
	}
	if err := s.catalog.manager.Validate(spec.Type, spec.QualifierGroups, numGroups, spec.GroupNames, column); err != nil {
		return domain.TableLayout{}, err
	}

	bound := len(spec.QualifierGroups)
	if spec.Type == domain.PartitionHash {
		bound = numGroups
	}
	groups := make([]domain.GroupSpec, 0, numGroups)
	for i := 0; i < bound; i++ {
		g := domain.GroupSpec{Name: fmt.Sprintf("p%d", i)}
		if i < len(spec.GroupNames) && spec.GroupNames[i] != "" {
			g.Name = spec.GroupNames[i]
		}
		if i < len(spec.QualifierGroups) && spec.Type != domain.PartitionHash {
			for _, q := range spec.QualifierGroups[i] {
				g.Qualifiers = append(g.Qualifiers, domain.NormalizeLiteral(q))
			}
		}
		groups = append(groups, g)
	}
	if fn.RequiresUnboundGroup() {
		groups = append(groups, domain.GroupSpec{Name: "unbound", IsUnbound: true})
	}

	table.PartitionType = spec.Type
	table.PartitionColumnID = column.ID
	table.NumPartitionGroups = len(groups)
	return s.buildLayout(table, groups), nil
}

// buildLayout allocates one partition per group.
func (s *Section) buildLayout(table domain.Table, specs []domain.GroupSpec) domain.TableLayout {
	layout := domain.TableLayout{Table: table}
	for _, g := range specs {
		groupID, partitionID := s.catalog.allocateID(), s.catalog.allocateID()
		layout.Groups = append(layout.Groups, domain.PartitionGroup{
			ID:           groupID,
			TableID:      table.ID,
			Name:         g.Name,
			PartitionIDs: []int64{partitionID},
			IsUnbound:    g.IsUnbound,
		})
		layout.Partitions = append(layout.Partitions, domain.Partition{
			ID:         partitionID,
			TableID:    table.ID,
			GroupID:    groupID,
			Qualifiers: g.Qualifiers,
			IsUnbound:  g.IsUnbound,
		})
	}
	return layout
}

// CarryOverPlacements maps the current placements onto next: every store
// keeps its column set on every partition of next.
func (s *Section) CarryOverPlacements(next domain.TableLayout) []domain.Placement {
	columnsByStore := make(map[domain.StoreID][]int64)
	for _, storeID := range s.storeIDs() {
		columnsByStore[storeID] = s.ColumnsOn(storeID, 0)
	}

	var out []domain.Placement
	for _, storeID := range s.storeIDs() {
		for _, p := range next.Partitions {
			for _, cid := range columnsByStore[storeID] {
				out = append(out, domain.Placement{
					TableID: s.tableID, PartitionID: p.ID, ColumnID: cid, Store: storeID,
				})
			}
		}
	}
	return out
}

func (s *Section) storeIDs() []domain.StoreID {
	seen := make(map[domain.StoreID]bool)
	var out []domain.StoreID
	for _, p := range s.Placements() {
		if !seen[p.Store] {
			seen[p.Store] = true
			out = append(out, p.Store)
		}
	}
	return out
}

// InstallLayout replaces the table's partitions and placements in one step.
// A table that had placements must come out fully covered.
func (s *Section) InstallLayout(next domain.TableLayout, placements []domain.Placement) error {
	if err := s.check(); err != nil {
		return err
	}
	if next.Table.ID != s.tableID {
		return zerrors.InternalConsistency("layout for table %d installed into section of table %d", next.Table.ID, s.tableID)
	}

	candidate := &tableState{
		table:      next.Table,
		groups:     next.Groups,
		partitions: next.Partitions,
		placements: make(map[domain.Cell]storeSet),
	}
	for _, p := range placements {
		if err := candidate.validPlacement(p); err != nil {
			return err
		}
		set, ok := candidate.placements[p.Cell()]
		if !ok {
			set = make(storeSet)
			candidate.placements[p.Cell()] = set
		}
		set[p.Store] = struct{}{}
	}

	st := s.state
	st.mu.Lock()
	defer st.mu.Unlock()
	if len(st.placements) > 0 {
		if cells := candidate.uncovered(); len(cells) > 0 {
			return &zerrors.CoverageViolation{TableID: s.tableID, Cells: cells}
		}
	}
	st.table = candidate.table
	st.groups = candidate.groups
	st.partitions = candidate.partitions
	st.placements = candidate.placements

	log.WithFields(log.Fields{
		"table":      s.tableID,
		"strategy":   next.Table.PartitionType,
		"partitions": len(next.Partitions),
	}).Info("Installed partition layout")
	return nil
}

// DropPartitionGroup removes a group together with its partitions and
// their placements.
func (s *Section) DropPartitionGroup(groupID int64) error {
	if err := s.check(); err != nil {
		return err
	}
	st := s.state
	st.mu.Lock()
	defer st.mu.Unlock()

	idx := -1
	bound := 0
	for i, g := range st.groups {
		if g.ID == groupID {
			idx = i
		}
		if !g.IsUnbound {
			bound++
		}
	}
	if idx < 0 {
		return fmt.Errorf("%w: group %d", zerrors.ErrPartitionNotFound, groupID)
	}
	group := st.groups[idx]

	switch st.table.PartitionType {
	case domain.PartitionNone, "":
		return zerrors.Validation("table %s is not partitioned", st.table.Name)
	case domain.PartitionHash:
		return zerrors.Validation("hash partition groups of %s cannot be dropped individually", st.table.Name)
	}
	fn, err := s.catalog.manager.Function(st.table.PartitionType)
	if err != nil {
		return err
	}
	if group.IsUnbound && fn.RequiresUnboundGroup() {
		return zerrors.Validation("the unbound group of %s cannot be dropped", st.table.Name)
	}
	if !group.IsUnbound && bound <= 1 {
		return zerrors.Validation("cannot drop the last partition group of %s", st.table.Name)
	}

	dropped := make(map[int64]bool, len(group.PartitionIDs))
	for _, id := range group.PartitionIDs {
		dropped[id] = true
	}
	partitions := make([]domain.Partition, 0, len(st.partitions))
	for _, p := range st.partitions {
		if !dropped[p.ID] {
			partitions = append(partitions, p)
		}
	}
	placements := make(map[domain.Cell]storeSet, len(st.placements))
	for cell, set := range st.placements {
		if !dropped[cell.PartitionID] {
			placements[cell] = set
		}
	}

	st.groups = append(st.groups[:idx:idx], st.groups[idx+1:]...)
	st.partitions = partitions
	st.placements = placements
	st.table.NumPartitionGroups = len(st.groups)

	log.WithFields(log.Fields{
		"table": s.tableID,
		"group": group.Name,
	}).Info("Dropped partition group")
	return nil
}

// DropColumn removes a column and all of its placements.
func (s *Section) DropColumn(columnID int64) error {
	if err := s.check(); err != nil {
		return err
	}
	st := s.state
	st.mu.Lock()
	defer st.mu.Unlock()

	column, ok := st.table.Column(columnID)
	if !ok {
		return fmt.Errorf("%w: %d", zerrors.ErrColumnNotFound, columnID)
	}
	if st.table.IsPrimaryKey(columnID) {
		return zerrors.Validation("cannot drop primary key column %s", column.Name)
	}
	if st.table.IsPartitioned() && st.table.PartitionColumnID == columnID {
		return zerrors.Validation("cannot drop partition column %s", column.Name)
	}

	columns := make([]domain.Column, 0, len(st.table.Columns)-1)
	for _, c := range st.table.Columns {
		if c.ID != columnID {
			columns = append(columns, c)
		}
	}
	st.table.Columns = columns
	for cell := range st.placements {
		if cell.ColumnID == columnID {
			delete(st.placements, cell)
		}
	}
	log.Debugf("Dropped column %s of table %d", column.Name, s.tableID)
	return nil
}

func (st *tableState) validPlacement(p domain.Placement) error {
	if p.TableID != st.table.ID {
		return zerrors.InternalConsistency("placement for table %d applied to table %d", p.TableID, st.table.ID)
	}
	if p.Store == "" {
		return zerrors.Validation("placement %s has no store", p.Cell())
	}
	if !st.hasPartition(p.PartitionID) {
		return fmt.Errorf("%w: %d", zerrors.ErrPartitionNotFound, p.PartitionID)
	}
	if _, ok := st.table.Column(p.ColumnID); !ok {
		return fmt.Errorf("%w: %d", zerrors.ErrColumnNotFound, p.ColumnID)
	}
	return nil
}
