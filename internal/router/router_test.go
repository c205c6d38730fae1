package router

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zzenonn/zplace/internal/domain"
	zerrors "github.com/zzenonn/zplace/internal/errors"
	"github.com/zzenonn/zplace/internal/partition"
	"github.com/zzenonn/zplace/internal/placement"
	"github.com/zzenonn/zplace/internal/repository/store"
)

const (
	colPK int64 = 1
	colA  int64 = 2
	colB  int64 = 3
)

type fixture struct {
	catalog *placement.Catalog
	router  *Router
	stores  map[domain.StoreID]*store.MemoryAdapter
	layout  domain.TableLayout
}

// newFixture creates table 1 LIST-partitioned on b with {10} and {20} plus
// the unbound partition.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	cat := placement.NewCatalog(partition.NewManager())
	reg := placement.NewStoreRegistry()
	f := &fixture{catalog: cat, router: NewRouter(cat, reg), stores: make(map[domain.StoreID]*store.MemoryAdapter)}
	for _, name := range []domain.StoreID{"s0", "s1", "s2"} {
		f.stores[name] = store.NewMemoryAdapter(name)
		require.NoError(t, reg.RegisterStore(f.stores[name]))
	}

	require.NoError(t, cat.RegisterTable(domain.Table{
		ID:   1,
		Name: "t",
		Columns: []domain.Column{
			{ID: colPK, Name: "pk", Type: domain.TypeInteger},
			{ID: colA, Name: "a", Type: domain.TypeVarchar, Position: 1},
			{ID: colB, Name: "b", Type: domain.TypeInteger, Position: 2},
		},
		PrimaryKey: []int64{colPK},
	}))
	layout, err := cat.CreatePartitionGroups(ctx, 1, placement.PartitionSpec{
		Type:            domain.PartitionList,
		ColumnID:        colB,
		QualifierGroups: [][]string{{"10"}, {"20"}},
	})
	require.NoError(t, err)
	f.layout = layout
	return f
}

func TestRoute(t *testing.T) {
	f := newFixture(t)

	p1, p2, p0 := f.layout.Partitions[0].ID, f.layout.Partitions[1].ID, f.layout.Partitions[2].ID
	tests := []struct {
		value string
		want  int64
	}{
		{"10", p1},
		{"20", p2},
		{"'20'", p2},
		{"99", p0},
		{"", p0},
	}
	for _, tt := range tests {
		got, err := f.router.Route(1, tt.value)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got, "value %q", tt.value)
	}

	_, err := f.router.Route(7, "10")
	assert.ErrorIs(t, err, zerrors.ErrTableNotFound)
}

func TestPlan_PrunesOnPartitionColumn(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.catalog.AddPlacement(context.Background(), 1, "s0", nil, nil))

	plan, err := f.router.Plan(Request{TableID: 1, Predicate: &Predicate{ColumnID: colB, Value: "20"}})
	require.NoError(t, err)
	require.Len(t, plan.Partitions, 1)
	assert.Equal(t, f.layout.Partitions[1].ID, plan.Partitions[0].PartitionID)

	// a predicate on another column cannot prune
	plan, err = f.router.Plan(Request{TableID: 1, Predicate: &Predicate{ColumnID: colA, Value: "x"}})
	require.NoError(t, err)
	assert.Len(t, plan.Partitions, 3)
}

func TestPlan_GreedyStoreChoice(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p1, p2 := f.layout.Partitions[0].ID, f.layout.Partitions[1].ID

	// s0: pk, a everywhere; s1: b everywhere; s2: everything on p2 only
	require.NoError(t, f.catalog.AddPlacement(ctx, 1, "s0", nil, []int64{colPK, colA}))
	require.NoError(t, f.catalog.AddPlacement(ctx, 1, "s1", nil, []int64{colB}))
	require.NoError(t, f.catalog.AddPlacement(ctx, 1, "s2", []int64{p2}, nil))

	plan, err := f.router.Plan(Request{TableID: 1})
	require.NoError(t, err)
	require.Len(t, plan.Partitions, 3)

	assert.Equal(t, []StoreRead{
		{Store: "s0", Columns: []int64{colPK, colA}},
		{Store: "s1", Columns: []int64{colB}},
	}, plan.Partitions[0].Reads)
	assert.Equal(t, p1, plan.Partitions[0].PartitionID)
	assert.Equal(t, []StoreRead{{Store: "s2", Columns: []int64{colPK, colA, colB}}}, plan.Partitions[1].Reads)

	// reading only a: s0 and s2 tie on p2, s0 is already used
	plan, err = f.router.Plan(Request{TableID: 1, Columns: []int64{colA}})
	require.NoError(t, err)
	for _, ps := range plan.Partitions {
		assert.Equal(t, []StoreRead{{Store: "s0", Columns: []int64{colA}}}, ps.Reads)
	}
	assert.Equal(t, []domain.StoreID{"s0"}, plan.Stores())
}

func TestPlan_TieBreakPrefersSmallerStore(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.catalog.AddPlacement(ctx, 1, "s2", nil, nil))
	require.NoError(t, f.catalog.AddPlacement(ctx, 1, "s1", nil, nil))

	plan, err := f.router.Plan(Request{TableID: 1})
	require.NoError(t, err)
	assert.Equal(t, []domain.StoreID{"s1"}, plan.Stores())
}

func TestPlan_UnplacedTable(t *testing.T) {
	f := newFixture(t)

	_, err := f.router.Plan(Request{TableID: 1})
	var cv *zerrors.CoverageViolation
	require.ErrorAs(t, err, &cv)
	assert.Len(t, cv.Cells, 9)

	_, err = f.router.Plan(Request{TableID: 1, Columns: []int64{42}})
	assert.ErrorIs(t, err, zerrors.ErrColumnNotFound)
}

func TestExecute_JoinsVerticalFragments(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.catalog.AddPlacement(ctx, 1, "s0", nil, []int64{colPK, colA}))
	require.NoError(t, f.catalog.AddPlacement(ctx, 1, "s1", nil, []int64{colB}))

	p1, p0 := f.layout.Partitions[0].ID, f.layout.Partitions[2].ID
	write := func(s domain.StoreID, pid int64, rows ...domain.Row) {
		require.NoError(t, f.stores[s].Upsert(ctx, store.Scope{TableID: 1, PartitionID: pid}, rows))
	}
	write("s0", p1, domain.Row{Key: "1", Values: map[int64]any{colPK: int64(1), colA: "x"}})
	write("s1", p1, domain.Row{Key: "1", Values: map[int64]any{colB: int64(10)}})
	write("s0", p0, domain.Row{Key: "2", Values: map[int64]any{colPK: int64(2), colA: "y"}})
	write("s1", p0, domain.Row{Key: "2", Values: map[int64]any{colB: int64(77)}})

	rows, err := f.router.Read(ctx, Request{TableID: 1})
	require.NoError(t, err)
	assert.Equal(t, []domain.Row{
		{Key: "1", Values: map[int64]any{colPK: int64(1), colA: "x", colB: int64(10)}},
		{Key: "2", Values: map[int64]any{colPK: int64(2), colA: "y", colB: int64(77)}},
	}, rows)

	rows, err = f.router.Read(ctx, Request{TableID: 1, Columns: []int64{colA}, Predicate: &Predicate{ColumnID: colB, Value: "77"}})
	require.NoError(t, err)
	assert.Equal(t, []domain.Row{{Key: "2", Values: map[int64]any{colA: "y"}}}, rows)

	rows, err = f.router.Read(ctx, Request{TableID: 1, Predicate: &Predicate{ColumnID: colA, Value: "'x'"}})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "1", rows[0].Key)
}

func TestExecute_MatchesDecodedFloats(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.catalog.AddPlacement(ctx, 1, "s0", nil, nil))

	// Stores that decode numbers as JSON do hand back float64.
	p0 := f.layout.Partitions[2].ID
	require.NoError(t, f.stores["s0"].Upsert(ctx, store.Scope{TableID: 1, PartitionID: p0}, []domain.Row{
		{Key: "1", Values: map[int64]any{colPK: float64(1), colA: "x", colB: float64(1500000)}},
		{Key: "2", Values: map[int64]any{colPK: float64(2), colA: "y", colB: 2.5}},
	}))

	rows, err := f.router.Read(ctx, Request{TableID: 1, Predicate: &Predicate{ColumnID: colB, Value: "1500000"}})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "1", rows[0].Key)

	rows, err = f.router.Read(ctx, Request{TableID: 1, Predicate: &Predicate{ColumnID: colB, Value: "2.5"}})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "2", rows[0].Key)
}
