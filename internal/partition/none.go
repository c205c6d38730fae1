package partition

import (
	"github.com/zzenonn/zplace/internal/domain"
	zerrors "github.com/zzenonn/zplace/internal/errors"
)

// None is the single implicit partition of an unpartitioned table.
type None struct{}

func (None) Route(layout domain.TableLayout, _ string) (int64, error) {
	if len(layout.Partitions) == 0 {
		return 0, zerrors.InternalConsistency("table %d has no partition", layout.Table.ID)
	}
	return layout.Partitions[0].ID, nil
}

func (None) ValidateSetup(_ [][]string, _ int, _ []string, _ domain.Column) error { return nil }

func (None) RequiresUnboundGroup() bool { return false }

func (None) SupportsType(domain.PolyType) bool { return true }

func (None) Info() FunctionInfo {
	return FunctionInfo{Title: string(domain.PartitionNone), QualifierArity: 0}
}
