package domain

import (
	"fmt"
	"strings"
)

// PartitionType identifies a partitioning strategy.
type PartitionType string

const (
	PartitionNone  PartitionType = "NONE"
	PartitionHash  PartitionType = "HASH"
	PartitionList  PartitionType = "LIST"
	PartitionRange PartitionType = "RANGE"
)

// ParsePartitionType accepts any casing.
func ParsePartitionType(s string) (PartitionType, error) {
	switch t := PartitionType(strings.ToUpper(strings.TrimSpace(s))); t {
	case PartitionNone, PartitionHash, PartitionList, PartitionRange:
		return t, nil
	case "":
		return PartitionNone, nil
	default:
		return "", fmt.Errorf("unknown partition type: %s", s)
	}
}

// PartitionGroup is the user-named grouping created by DDL.
type PartitionGroup struct {
	ID           int64   `json:"id"`
	TableID      int64   `json:"table_id"`
	Name         string  `json:"name"`
	PartitionIDs []int64 `json:"partition_ids"`
	IsUnbound    bool    `json:"is_unbound"`
}

// Partition is the physical unit of horizontal partitioning.
type Partition struct {
	ID         int64    `json:"id"`
	TableID    int64    `json:"table_id"`
	GroupID    int64    `json:"group_id"`
	Qualifiers []string `json:"qualifiers"`
	IsUnbound  bool     `json:"is_unbound"`
}

// TableLayout is an immutable snapshot of a table and its partitions in
// catalog insertion order.
type TableLayout struct {
	Table      Table
	Groups     []PartitionGroup
	Partitions []Partition
}

// PartitionIDs returns the partition ids in catalog order.
func (l TableLayout) PartitionIDs() []int64 {
	ids := make([]int64, 0, len(l.Partitions))
	for _, p := range l.Partitions {
		ids = append(ids, p.ID)
	}
	return ids
}

// Partition looks up a partition by id.
func (l TableLayout) Partition(id int64) (Partition, bool) {
	for _, p := range l.Partitions {
		if p.ID == id {
			return p, true
		}
	}
	return Partition{}, false
}

// UnboundPartition returns the first unbound partition in catalog order.
func (l TableLayout) UnboundPartition() (Partition, bool) {
	for _, p := range l.Partitions {
		if p.IsUnbound {
			return p, true
		}
	}
	return Partition{}, false
}

// GroupSpec describes one partition group to be created.
type GroupSpec struct {
	Name       string
	Qualifiers []string
	IsUnbound  bool
}

// NormalizeLiteral trims whitespace and a single pair of surrounding
// single quotes so that 'foo' and foo compare equal.
func NormalizeLiteral(s string) string {
	s = strings.TrimSpace(s)
	if len(s) >= 2 && s[0] == '\'' && s[len(s)-1] == '\'' {
		s = s[1 : len(s)-1]
	}
	return s
}
