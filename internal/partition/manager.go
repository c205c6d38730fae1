package partition

import (
	"fmt"
	"sync"

	"github.com/zzenonn/zplace/internal/domain"
	zerrors "github.com/zzenonn/zplace/internal/errors"
)

// Manager resolves a table's strategy to its Function and delegates to it.
type Manager struct {
	mu        sync.RWMutex
	functions map[domain.PartitionType]Function
}

// NewManager creates a Manager with the NONE, HASH, LIST and RANGE strategies.
func NewManager() *Manager {
	m := &Manager{functions: make(map[domain.PartitionType]Function)}
	m.functions[domain.PartitionNone] = None{}
	m.functions[domain.PartitionHash] = Hash{}
	m.functions[domain.PartitionList] = List{}
	m.functions[domain.PartitionRange] = Range{}
	return m
}

// Register adds or replaces the function for a strategy.
func (m *Manager) Register(t domain.PartitionType, fn Function) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.functions[t] = fn
}

// Function returns the function registered for t.
func (m *Manager) Function(t domain.PartitionType) (Function, error) {
	if t == "" {
		t = domain.PartitionNone
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	fn, ok := m.functions[t]
	if !ok {
		return nil, fmt.Errorf("%w: %s", zerrors.ErrUnknownStrategy, t)
	}
	return fn, nil
}

// GetTargetPartition routes value using the table's configured strategy.
func (m *Manager) GetTargetPartition(layout domain.TableLayout, value string) (int64, error) {
	fn, err := m.Function(layout.Table.PartitionType)
	if err != nil {
		return 0, err
	}
	return fn.Route(layout, value)
}

// Validate checks the partition setup for strategy t.
func (m *Manager) Validate(t domain.PartitionType, qualifierGroups [][]string, numGroups int, groupNames []string, column domain.Column) error {
	fn, err := m.Function(t)
	if err != nil {
		return err
	}
	if !fn.SupportsType(column.Type) {
		return zerrors.Validation("%s partitioning does not support column %s of type %s", t, column.Name, column.Type)
	}
	return fn.ValidateSetup(qualifierGroups, numGroups, groupNames, column)
}

// Infos returns the UI descriptors of all registered strategies.
func (m *Manager) Infos() map[domain.PartitionType]FunctionInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[domain.PartitionType]FunctionInfo, len(m.functions))
	for t, fn := range m.functions {
		out[t] = fn.Info()
	}
	return out
}
