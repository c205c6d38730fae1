package config

import (
	"fmt"

	"github.com/zzenonn/zplace/internal/domain"
	zerrors "github.com/zzenonn/zplace/internal/errors"
	"github.com/zzenonn/zplace/internal/placement"
)

// ColumnConfig describes one column of a bootstrap table.
type ColumnConfig struct {
	ID   int64  `mapstructure:"id"`
	Name string `mapstructure:"name"`
	Type string `mapstructure:"type"`
}

// GroupConfig is one partition group; Values are list values or the
// [lower, upper] bounds of a range.
type GroupConfig struct {
	Name   string   `mapstructure:"name"`
	Values []string `mapstructure:"values"`
}

// PartitionConfig describes how a bootstrap table is partitioned.
type PartitionConfig struct {
	Type   string        `mapstructure:"type"`
	Column string        `mapstructure:"column"`
	Groups []GroupConfig `mapstructure:"groups"`
	// Count is the number of HASH partitions.
	Count int `mapstructure:"count"`
}

// PlacementConfig places Columns (all when empty) of a table on Store.
type PlacementConfig struct {
	Store   string   `mapstructure:"store"`
	Columns []string `mapstructure:"columns"`
}

// TableConfig is a table created at startup, for local runs and the CLI.
//
// Example:
//
//	tables:
//	  - id: 1
//	    name: orders
//	    primary_key: [id]
//	    columns:
//	      - {name: id, type: integer}
//	      - {name: region, type: varchar}
//	    partition:
//	      type: list
//	      column: region
//	      groups:
//	        - {name: eu, values: [de, fr]}
//	    placements:
//	      - {store: hot}
type TableConfig struct {
	ID         int64             `mapstructure:"id"`
	Name       string            `mapstructure:"name"`
	Columns    []ColumnConfig    `mapstructure:"columns"`
	PrimaryKey []string          `mapstructure:"primary_key"`
	Partition  *PartitionConfig  `mapstructure:"partition"`
	Placements []PlacementConfig `mapstructure:"placements"`
}

// Table converts the configuration into a catalog table. Column ids default
// to their 1-based position.
func (c TableConfig) Table() (domain.Table, error) {
	if c.Name == "" {
		return domain.Table{}, zerrors.Validation("table %d has no name", c.ID)
	}
	table := domain.Table{ID: c.ID, Name: c.Name}
	for i, col := range c.Columns {
		t, err := domain.ParsePolyType(col.Type)
		if err != nil {
			return domain.Table{}, fmt.Errorf("table %s: %w", c.Name, err)
		}
		id := col.ID
		if id == 0 {
			id = int64(i + 1)
		}
		table.Columns = append(table.Columns, domain.Column{ID: id, Name: col.Name, Type: t, Position: i})
	}

	for _, name := range c.PrimaryKey {
		col, ok := table.ColumnByName(name)
		if !ok {
			return domain.Table{}, fmt.Errorf("%w: primary key %s of table %s", zerrors.ErrColumnNotFound, name, c.Name)
		}
		table.PrimaryKey = append(table.PrimaryKey, col.ID)
	}
	return table, nil
}

// Spec converts the partition configuration for table.
func (c PartitionConfig) Spec(table domain.Table) (placement.PartitionSpec, error) {
	t, err := domain.ParsePartitionType(c.Type)
	if err != nil {
		return placement.PartitionSpec{}, zerrors.Validation("table %s: %v", table.Name, err)
	}
	spec := placement.PartitionSpec{Type: t, NumGroups: c.Count}
	if t == domain.PartitionNone {
		return spec, nil
	}

	col, ok := table.ColumnByName(c.Column)
	if !ok {
		return placement.PartitionSpec{}, fmt.Errorf("%w: partition column %s of table %s", zerrors.ErrColumnNotFound, c.Column, table.Name)
	}
	spec.ColumnID = col.ID
	for _, g := range c.Groups {
		spec.GroupNames = append(spec.GroupNames, g.Name)
		if t != domain.PartitionHash {
			spec.QualifierGroups = append(spec.QualifierGroups, g.Values)
		}
	}
	return spec, nil
}

// ColumnIDs resolves the placement's column names; nil means all columns.
func (c PlacementConfig) ColumnIDs(table domain.Table) ([]int64, error) {
	if len(c.Columns) == 0 {
		return nil, nil
	}
	ids := make([]int64, 0, len(c.Columns))
	for _, name := range c.Columns {
		col, ok := table.ColumnByName(name)
		if !ok {
			return nil, fmt.Errorf("%w: %s of table %s", zerrors.ErrColumnNotFound, name, table.Name)
		}
		ids = append(ids, col.ID)
	}
	return ids, nil
}
