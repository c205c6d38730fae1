package partition

import (
	"strconv"

	log "github.com/sirupsen/logrus"

	"github.com/zzenonn/zplace/internal/domain"
	zerrors "github.com/zzenonn/zplace/internal/errors"
)

var listSupportedTypes = []domain.PolyType{
	domain.TypeInteger, domain.TypeBigint, domain.TypeSmallint, domain.TypeTinyint, domain.TypeVarchar,
}

// List assigns rows by exact match against per-partition value lists.
type List struct{}

// Route scans partitions in catalog insertion order and returns the first
// one carrying a qualifier equal to the literal. When two partitions share a
// qualifier the earlier one wins; qualifier order inside a partition does not
// matter.
func (List) Route(layout domain.TableLayout, literal string) (int64, error) {
	value := domain.NormalizeLiteral(literal)
	unbound := int64(-1)

	for _, p := range layout.Partitions {
		if p.IsUnbound {
			if unbound == -1 {
				unbound = p.ID
			}
			continue
		}
		for _, q := range p.Qualifiers {
			if q == value {
				log.Debugf("Found value %s on partition %d with qualifiers %v", value, p.ID, p.Qualifiers)
				return p.ID, nil
			}
		}
	}

	if unbound == -1 {
		err := zerrors.InternalConsistency("LIST table %d has no unbound partition", layout.Table.ID)
		log.Error(err)
		return 0, err
	}
	return unbound, nil
}

// ValidateSetup rejects empty, mistyped, duplicated or miscounted qualifiers.
func (List) ValidateSetup(qualifierGroups [][]string, numGroups int, groupNames []string, column domain.Column) error {
	if len(qualifierGroups) == 0 {
		return zerrors.Validation("LIST partitioning doesn't support empty partition qualifiers. " +
			"Use (PARTITION name1 VALUES(value1)[(,PARTITION name2 VALUES(value2))*])")
	}

	if column.Type.Family() == domain.FamilyNumeric {
		for _, group := range qualifierGroups {
			for _, q := range group {
				if _, err := strconv.Atoi(domain.NormalizeLiteral(q)); err != nil {
					return zerrors.Validation("specified partition value '%s' is not a number as expected according to the type of the partition column %s", q, column.Name)
				}
			}
		}
	}

	if len(qualifierGroups)+1 != numGroups {
		return zerrors.Validation("number of partition qualifier groups %d + (mandatory 'UNBOUND' partition) is not equal to number of specified partitions %d", len(qualifierGroups), numGroups)
	}

	if len(groupNames) > 0 && len(groupNames) != len(qualifierGroups) {
		return zerrors.Validation("got %d partition names for %d qualifier groups", len(groupNames), len(qualifierGroups))
	}

	seen := make(map[string]int)
	for i, group := range qualifierGroups {
		if len(group) == 0 {
			return zerrors.Validation("partition group %d has no values", i)
		}
		for _, q := range group {
			v := domain.NormalizeLiteral(q)
			if prev, ok := seen[v]; ok && prev != i {
				return zerrors.Validation("value '%s' is assigned to more than one partition", v)
			}
			seen[v] = i
		}
	}
	return nil
}

func (List) RequiresUnboundGroup() bool { return true }

func (List) SupportsType(t domain.PolyType) bool { return containsType(listSupportedTypes, t) }

func (List) Info() FunctionInfo {
	return FunctionInfo{
		Title: string(domain.PartitionList),
		Description: "Partitions data based on a comma-separated list of values which is assigned to a specific partition. " +
			"Surround string values with single quotes. Values that are not listed land in the 'UNBOUND' partition.",
		Headings: []string{"Partition Name", "Values"},
		DynamicRows: []FunctionInfoColumn{
			{FieldType: FieldString, Mandatory: true, Modifiable: true, SQLPrefix: "PARTITION"},
			{FieldType: FieldString, Mandatory: true, Modifiable: true, SQLPrefix: "VALUES(", SQLSuffix: ")"},
		},
		RowsAfter:      [][]FunctionInfoColumn{unboundRow},
		QualifierArity: -1,
	}
}
