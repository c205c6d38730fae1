package partition

import (
	"github.com/cespare/xxhash/v2"

	"github.com/zzenonn/zplace/internal/domain"
	zerrors "github.com/zzenonn/zplace/internal/errors"
)

// Hash spreads rows over the bound partitions by a stable 64-bit hash.
type Hash struct{}

func (Hash) Route(layout domain.TableLayout, literal string) (int64, error) {
	bound := boundPartitions(layout)
	if len(bound) == 0 {
		return 0, zerrors.InternalConsistency("HASH table %d has no partitions", layout.Table.ID)
	}
	idx := xxhash.Sum64String(domain.NormalizeLiteral(literal)) % uint64(len(bound))
	return bound[idx].ID, nil
}

// ValidateSetup only checks the group count; qualifiers are ignored.
func (Hash) ValidateSetup(_ [][]string, numGroups int, groupNames []string, _ domain.Column) error {
	if numGroups < 1 {
		return zerrors.Validation("HASH partitioning needs at least one partition, got %d", numGroups)
	}
	if len(groupNames) > 0 && len(groupNames) != numGroups {
		return zerrors.Validation("got %d partition names for %d partitions", len(groupNames), numGroups)
	}
	return nil
}

func (Hash) RequiresUnboundGroup() bool { return false }

func (Hash) SupportsType(t domain.PolyType) bool { return t.Family() != domain.FamilyAny }

func (Hash) Info() FunctionInfo {
	return FunctionInfo{
		Title:          string(domain.PartitionHash),
		Description:    "Partitions data by the hash of the partition column value. Only the number of partitions is required.",
		Headings:       []string{"Partition Name"},
		DynamicRows:    []FunctionInfoColumn{{FieldType: FieldString, Mandatory: false, Modifiable: true, SQLPrefix: "PARTITION"}},
		QualifierArity: 0,
	}
}
