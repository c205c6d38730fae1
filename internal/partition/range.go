package partition

import (
	"sort"
	"strconv"

	log "github.com/sirupsen/logrus"

	"github.com/zzenonn/zplace/internal/domain"
	zerrors "github.com/zzenonn/zplace/internal/errors"
)

var rangeSupportedTypes = []domain.PolyType{
	domain.TypeInteger, domain.TypeBigint, domain.TypeSmallint, domain.TypeTinyint,
}

// Range assigns rows to inclusive [lower, upper] integer intervals.
type Range struct{}

type interval struct {
	partitionID  int64
	lower, upper int64
}

func parseBounds(qualifiers []string) (int64, int64, error) {
	if len(qualifiers) != 2 {
		return 0, 0, zerrors.Validation("RANGE partitions need exactly two bounds, got %v", qualifiers)
	}
	lower, err := strconv.ParseInt(domain.NormalizeLiteral(qualifiers[0]), 10, 64)
	if err != nil {
		return 0, 0, zerrors.Validation("lower bound '%s' is not an integer", qualifiers[0])
	}
	upper, err := strconv.ParseInt(domain.NormalizeLiteral(qualifiers[1]), 10, 64)
	if err != nil {
		return 0, 0, zerrors.Validation("upper bound '%s' is not an integer", qualifiers[1])
	}
	return lower, upper, nil
}

// Route picks the first interval, ordered by lower bound, that contains the
// literal. Values outside every interval and non-integer literals go to the
// unbound partition.
func (Range) Route(layout domain.TableLayout, literal string) (int64, error) {
	var intervals []interval
	unbound := int64(-1)

	for _, p := range layout.Partitions {
		if p.IsUnbound {
			if unbound == -1 {
				unbound = p.ID
			}
			continue
		}
		lower, upper, err := parseBounds(p.Qualifiers)
		if err != nil {
			return 0, zerrors.InternalConsistency("RANGE partition %d has invalid bounds: %v", p.ID, err)
		}
		intervals = append(intervals, interval{partitionID: p.ID, lower: lower, upper: upper})
	}
	sort.SliceStable(intervals, func(i, j int) bool { return intervals[i].lower < intervals[j].lower })

	if v, err := strconv.ParseInt(domain.NormalizeLiteral(literal), 10, 64); err == nil {
		for _, iv := range intervals {
			if v >= iv.lower && v <= iv.upper {
				return iv.partitionID, nil
			}
		}
	}

	if unbound == -1 {
		err := zerrors.InternalConsistency("RANGE table %d has no unbound partition", layout.Table.ID)
		log.Error(err)
		return 0, err
	}
	return unbound, nil
}

// ValidateSetup requires well-formed, strictly ordered, non-overlapping
// intervals on an orderable column.
func (r Range) ValidateSetup(qualifierGroups [][]string, numGroups int, groupNames []string, column domain.Column) error {
	if !r.SupportsType(column.Type) {
		return zerrors.Validation("column %s of type %s is not orderable for RANGE partitioning", column.Name, column.Type)
	}
	if len(qualifierGroups) == 0 {
		return zerrors.Validation("RANGE partitioning doesn't support empty partition qualifiers. " +
			"Use (PARTITION name1 VALUES(lower, upper)[(,PARTITION name2 VALUES(lower, upper))*])")
	}
	if len(qualifierGroups)+1 != numGroups {
		return zerrors.Validation("number of partition qualifier groups %d + (mandatory 'UNBOUND' partition) is not equal to number of specified partitions %d", len(qualifierGroups), numGroups)
	}
	if len(groupNames) > 0 && len(groupNames) != len(qualifierGroups) {
		return zerrors.Validation("got %d partition names for %d qualifier groups", len(groupNames), len(qualifierGroups))
	}

	intervals := make([]interval, 0, len(qualifierGroups))
	for i, group := range qualifierGroups {
		lower, upper, err := parseBounds(group)
		if err != nil {
			return err
		}
		if lower > upper {
			return zerrors.Validation("partition %d: lower bound %d is greater than upper bound %d", i, lower, upper)
		}
		intervals = append(intervals, interval{lower: lower, upper: upper})
	}
	sort.Slice(intervals, func(i, j int) bool { return intervals[i].lower < intervals[j].lower })
	for i := 1; i < len(intervals); i++ {
		if intervals[i].lower <= intervals[i-1].upper {
			return zerrors.Validation("range [%d, %d] overlaps [%d, %d]",
				intervals[i].lower, intervals[i].upper, intervals[i-1].lower, intervals[i-1].upper)
		}
	}
	return nil
}

func (Range) RequiresUnboundGroup() bool { return true }

func (Range) SupportsType(t domain.PolyType) bool { return containsType(rangeSupportedTypes, t) }

func (Range) Info() FunctionInfo {
	return FunctionInfo{
		Title:       string(domain.PartitionRange),
		Description: "Partitions data by inclusive integer ranges. Values outside every range land in the 'UNBOUND' partition.",
		Headings:    []string{"Partition Name", "MIN", "MAX"},
		DynamicRows: []FunctionInfoColumn{
			{FieldType: FieldString, Mandatory: true, Modifiable: true, SQLPrefix: "PARTITION"},
			{FieldType: FieldInteger, Mandatory: true, Modifiable: true, SQLPrefix: "VALUES(", SQLSuffix: ","},
			{FieldType: FieldInteger, Mandatory: true, Modifiable: true, SQLSuffix: ")"},
		},
		RowsAfter:      [][]FunctionInfoColumn{unboundRow},
		QualifierArity: 2,
	}
}
