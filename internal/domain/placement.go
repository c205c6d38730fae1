package domain

import "fmt"

// StoreID names a physical backend. Stores are referenced by id only.
type StoreID string

// Cell is a (partition, column) pair of one table.
type Cell struct {
	PartitionID int64 `json:"partition_id"`
	ColumnID    int64 `json:"column_id"`
}

func (c Cell) String() string {
	return fmt.Sprintf("(partition %d, column %d)", c.PartitionID, c.ColumnID)
}

// Placement records that Store holds one cell of a table.
type Placement struct {
	TableID     int64   `json:"table_id"`
	PartitionID int64   `json:"partition_id"`
	ColumnID    int64   `json:"column_id"`
	Store       StoreID `json:"store"`
}

// Cell returns the (partition, column) pair of p.
func (p Placement) Cell() Cell {
	return Cell{PartitionID: p.PartitionID, ColumnID: p.ColumnID}
}
