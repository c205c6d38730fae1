// Package domain holds the catalog entities shared by the partitioning,
// placement and migration layers.
package domain

import (
	"fmt"
	"strings"
)

// PolyType is the semantic type of a column.
type PolyType string

const (
	TypeInteger   PolyType = "INTEGER"
	TypeBigint    PolyType = "BIGINT"
	TypeSmallint  PolyType = "SMALLINT"
	TypeTinyint   PolyType = "TINYINT"
	TypeDecimal   PolyType = "DECIMAL"
	TypeDouble    PolyType = "DOUBLE"
	TypeVarchar   PolyType = "VARCHAR"
	TypeChar      PolyType = "CHAR"
	TypeBoolean   PolyType = "BOOLEAN"
	TypeDate      PolyType = "DATE"
	TypeTimestamp PolyType = "TIMESTAMP"
)

// TypeFamily groups types that share comparison and parsing rules.
type TypeFamily string

const (
	FamilyNumeric   TypeFamily = "NUMERIC"
	FamilyCharacter TypeFamily = "CHARACTER"
	FamilyBoolean   TypeFamily = "BOOLEAN"
	FamilyDatetime  TypeFamily = "DATETIME"
	FamilyAny       TypeFamily = "ANY"
)

// Family returns the type family of t.
func (t PolyType) Family() TypeFamily {
	switch t {
	case TypeInteger, TypeBigint, TypeSmallint, TypeTinyint, TypeDecimal, TypeDouble:
		return FamilyNumeric
	case TypeVarchar, TypeChar:
		return FamilyCharacter
	case TypeBoolean:
		return FamilyBoolean
	case TypeDate, TypeTimestamp:
		return FamilyDatetime
	default:
		return FamilyAny
	}
}

// ParsePolyType parses a type name such as "varchar" or "INTEGER".
func ParsePolyType(s string) (PolyType, error) {
	t := PolyType(strings.ToUpper(strings.TrimSpace(s)))
	if t.Family() == FamilyAny {
		return "", fmt.Errorf("unknown column type: %s", s)
	}
	return t, nil
}

// Column is immutable once created.
type Column struct {
	ID       int64    `json:"id" mapstructure:"id"`
	Name     string   `json:"name" mapstructure:"name"`
	Type     PolyType `json:"type" mapstructure:"type"`
	Position int      `json:"position" mapstructure:"position"`
}

// Table is the logical relation as handed over by the schema layer.
type Table struct {
	ID                 int64         `json:"id"`
	Name               string        `json:"name"`
	Columns            []Column      `json:"columns"`
	PrimaryKey         []int64       `json:"primary_key"`
	PartitionType      PartitionType `json:"partition_type"`
	PartitionColumnID  int64         `json:"partition_column_id"`
	NumPartitionGroups int           `json:"num_partition_groups"`
}

// IsPartitioned reports whether the table uses a strategy other than NONE.
func (t Table) IsPartitioned() bool {
	return t.PartitionType != "" && t.PartitionType != PartitionNone
}

// Column looks up a column by id.
func (t Table) Column(id int64) (Column, bool) {
	for _, c := range t.Columns {
		if c.ID == id {
			return c, true
		}
	}
	return Column{}, false
}

// ColumnByName looks up a column by case-insensitive name.
func (t Table) ColumnByName(name string) (Column, bool) {
	for _, c := range t.Columns {
		if strings.EqualFold(c.Name, name) {
			return c, true
		}
	}
	return Column{}, false
}

// ColumnIDs returns the ids of all columns in table order.
func (t Table) ColumnIDs() []int64 {
	ids := make([]int64, 0, len(t.Columns))
	for _, c := range t.Columns {
		ids = append(ids, c.ID)
	}
	return ids
}

// IsPrimaryKey reports whether the column is part of the primary key.
func (t Table) IsPrimaryKey(columnID int64) bool {
	for _, id := range t.PrimaryKey {
		if id == columnID {
			return true
		}
	}
	return false
}
