// Package partition implements the partition functions that map a column
// literal to a physical partition, and the Manager that selects one by
// strategy.
//
// Functions are pure: they operate on an immutable domain.TableLayout
// snapshot and hold no state of their own, so the same instance is shared
// by every table that uses the strategy.
package partition

import (
	"github.com/zzenonn/zplace/internal/domain"
)

// Function is the capability set every partitioning strategy provides.
type Function interface {
	// Route maps a literal of the partition column to exactly one partition.
	Route(layout domain.TableLayout, literal string) (int64, error)

	// ValidateSetup checks the DDL input before any group is created.
	ValidateSetup(qualifierGroups [][]string, numGroups int, groupNames []string, column domain.Column) error

	// RequiresUnboundGroup reports whether a catch-all group is mandatory.
	RequiresUnboundGroup() bool

	// SupportsType reports whether the strategy can partition on a column of t.
	SupportsType(t domain.PolyType) bool

	// Info describes the strategy for UI layers.
	Info() FunctionInfo
}

// FieldType is the input kind of a FunctionInfo row cell.
type FieldType string

const (
	FieldString  FieldType = "STRING"
	FieldInteger FieldType = "INTEGER"
	FieldLabel   FieldType = "LABEL"
)

// FunctionInfoColumn is one cell of a UI row.
type FunctionInfoColumn struct {
	FieldType    FieldType `json:"field_type"`
	Mandatory    bool      `json:"mandatory"`
	Modifiable   bool      `json:"modifiable"`
	SQLPrefix    string    `json:"sql_prefix"`
	SQLSuffix    string    `json:"sql_suffix"`
	DefaultValue string    `json:"default_value"`
}

// FunctionInfo is read-only descriptive metadata; it takes no part in routing.
type FunctionInfo struct {
	Title       string                 `json:"title"`
	Description string                 `json:"description"`
	Headings    []string               `json:"headings"`
	DynamicRows []FunctionInfoColumn   `json:"dynamic_rows"`
	RowsAfter   [][]FunctionInfoColumn `json:"rows_after,omitempty"`
	// QualifierArity is the number of qualifiers per group, -1 when variable.
	QualifierArity int `json:"qualifier_arity"`
}

func containsType(types []domain.PolyType, t domain.PolyType) bool {
	for _, s := range types {
		if s == t {
			return true
		}
	}
	return false
}

// boundPartitions returns the non-unbound partitions in catalog order.
func boundPartitions(layout domain.TableLayout) []domain.Partition {
	out := make([]domain.Partition, 0, len(layout.Partitions))
	for _, p := range layout.Partitions {
		if !p.IsUnbound {
			out = append(out, p)
		}
	}
	return out
}

var unboundRow = []FunctionInfoColumn{
	{FieldType: FieldLabel, DefaultValue: "UNBOUND"},
	{FieldType: FieldString, DefaultValue: "automatically filled"},
}
