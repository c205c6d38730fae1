package service

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zzenonn/zplace/internal/config"
	"github.com/zzenonn/zplace/internal/domain"
	zerrors "github.com/zzenonn/zplace/internal/errors"
	"github.com/zzenonn/zplace/internal/migration"
	"github.com/zzenonn/zplace/internal/partition"
	"github.com/zzenonn/zplace/internal/placement"
	"github.com/zzenonn/zplace/internal/repository/store"
	"github.com/zzenonn/zplace/internal/router"
)

const (
	colPK int64 = 1
	colA  int64 = 2
	colB  int64 = 3
)

func newService(t *testing.T, stores ...domain.StoreID) (*PlacementService, map[domain.StoreID]*store.MemoryAdapter) {
	t.Helper()
	cat := placement.NewCatalog(partition.NewManager())
	reg := placement.NewStoreRegistry()
	adapters := make(map[domain.StoreID]*store.MemoryAdapter)
	for _, name := range stores {
		adapters[name] = store.NewMemoryAdapter(name)
		require.NoError(t, reg.RegisterStore(adapters[name]))
	}
	cfg := migration.DefaultConfig()
	cfg.Quiet = true
	return NewPlacementService(cat, reg, migration.NewMigrator(cat, reg, cfg)), adapters
}

func registerT(t *testing.T, svc *PlacementService) {
	t.Helper()
	require.NoError(t, svc.RegisterTable(domain.Table{
		ID:   1,
		Name: "t",
		Columns: []domain.Column{
			{ID: colPK, Name: "pk", Type: domain.TypeInteger},
			{ID: colA, Name: "a", Type: domain.TypeVarchar, Position: 1},
			{ID: colB, Name: "b", Type: domain.TypeInteger, Position: 2},
		},
		PrimaryKey: []int64{colPK},
	}))
}

func rowsT(n int) []map[int64]any {
	out := make([]map[int64]any, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, map[int64]any{colPK: int64(i), colA: fmt.Sprintf("a%d", i), colB: int64(i % 3 * 10)})
	}
	return out
}

func expectedRows(values []map[int64]any) []domain.Row {
	parts := make([]domain.Row, 0, len(values))
	for _, v := range values {
		parts = append(parts, domain.Row{Key: fmt.Sprint(v[colPK]), Values: v})
	}
	return domain.JoinRows(parts)
}

func readAll(t *testing.T, svc *PlacementService) []domain.Row {
	t.Helper()
	rows, err := svc.Read(context.Background(), router.Request{TableID: 1})
	require.NoError(t, err)
	return rows
}

func TestCoverageGuardAcrossAddModifyDrop(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t, "S0", "S1")
	registerT(t, svc)

	_, err := svc.AddPlacement(ctx, 1, "S0", nil, nil)
	require.NoError(t, err)
	data := rowsT(12)
	_, err = svc.InsertRows(ctx, 1, data)
	require.NoError(t, err)

	job, err := svc.AddPlacement(ctx, 1, "S1", nil, []int64{colA})
	require.NoError(t, err)
	assert.Equal(t, domain.JobCommitted, job.State())

	job, err = svc.ModifyPlacement(ctx, 1, "S1", []int64{colA, colB})
	require.NoError(t, err)
	assert.Equal(t, int64(12), job.RowsCopied())

	layout, err := svc.Catalog().Layout(1)
	require.NoError(t, err)
	pid := layout.Partitions[0].ID

	err = svc.DropPlacement(ctx, 1, "S0", nil)
	var cv *zerrors.CoverageViolation
	require.ErrorAs(t, err, &cv)
	assert.Equal(t, []domain.Cell{{PartitionID: pid, ColumnID: colPK}}, cv.Cells)

	stores, err := svc.PlacementsFor(1, pid, colPK)
	require.NoError(t, err)
	assert.NotEmpty(t, stores)
	for _, cid := range []int64{colA, colB} {
		stores, err := svc.PlacementsFor(1, pid, cid)
		require.NoError(t, err)
		assert.Equal(t, []domain.StoreID{"S0", "S1"}, stores)
	}

	assert.Equal(t, expectedRows(data), readAll(t, svc))
}

func TestListRoutingEndToEnd(t *testing.T) {
	ctx := context.Background()
	svc, adapters := newService(t, "S0")
	registerT(t, svc)

	layout, err := svc.CreatePartitionGroups(ctx, 1, placement.PartitionSpec{
		Type:            domain.PartitionList,
		ColumnID:        colB,
		QualifierGroups: [][]string{{"10"}, {"20"}},
		GroupNames:      []string{"P1", "P2"},
	})
	require.NoError(t, err)
	p1, p0 := layout.Partitions[0].ID, layout.Partitions[2].ID
	require.True(t, layout.Partitions[2].IsUnbound)

	got, err := svc.Router().Route(1, "10")
	require.NoError(t, err)
	assert.Equal(t, p1, got)
	got, err = svc.Router().Route(1, "99")
	require.NoError(t, err)
	assert.Equal(t, p0, got)

	_, err = svc.AddPlacement(ctx, 1, "S0", nil, nil)
	require.NoError(t, err)
	_, err = svc.InsertRows(ctx, 1, []map[int64]any{
		{colPK: int64(1), colA: "x", colB: int64(10)},
		{colPK: int64(2), colA: "y", colB: int64(99)},
	})
	require.NoError(t, err)

	n, err := adapters["S0"].Count(ctx, 1, p1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	n, err = adapters["S0"].Count(ctx, 1, p0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	rows, err := svc.Read(ctx, router.Request{TableID: 1, Predicate: &router.Predicate{ColumnID: colB, Value: "99"}})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "y", rows[0].Values[colA])
}

func TestInsertRowsMovesChangedPartitionValue(t *testing.T) {
	ctx := context.Background()
	svc, adapters := newService(t, "S0", "S1")
	registerT(t, svc)

	layout, err := svc.CreatePartitionGroups(ctx, 1, placement.PartitionSpec{
		Type:            domain.PartitionList,
		ColumnID:        colB,
		QualifierGroups: [][]string{{"10"}, {"20"}},
	})
	require.NoError(t, err)
	p10, p20 := layout.Partitions[0].ID, layout.Partitions[1].ID
	_, err = svc.AddPlacement(ctx, 1, "S0", nil, nil)
	require.NoError(t, err)
	_, err = svc.AddPlacement(ctx, 1, "S1", nil, []int64{colA})
	require.NoError(t, err)

	_, err = svc.InsertRows(ctx, 1, []map[int64]any{{colPK: int64(1), colA: "x", colB: int64(10)}})
	require.NoError(t, err)
	_, err = svc.InsertRows(ctx, 1, []map[int64]any{{colPK: int64(1), colA: "y", colB: int64(20)}})
	require.NoError(t, err)

	for name, a := range adapters {
		n, err := a.Count(ctx, 1, p10)
		require.NoError(t, err)
		assert.Zero(t, n, "stale copy left on %s", name)
		n, err = a.Count(ctx, 1, p20)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n, name)
	}

	rows, err := svc.Read(ctx, router.Request{TableID: 1, Predicate: &router.Predicate{ColumnID: colB, Value: "10"}})
	require.NoError(t, err)
	assert.Empty(t, rows)

	want := []domain.Row{{Key: "1", Values: map[int64]any{colPK: int64(1), colA: "y", colB: int64(20)}}}
	assert.Equal(t, want, readAll(t, svc))

	// the moved row repartitions cleanly
	none, err := svc.CreatePartitionGroups(ctx, 1, placement.PartitionSpec{Type: domain.PartitionNone})
	require.NoError(t, err)
	require.Len(t, none.Partitions, 1)
	assert.Equal(t, want, readAll(t, svc))
	n, err := adapters["S0"].Count(ctx, 1, none.Partitions[0].ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestCreatePartitionGroupsRacingFirstPlacement(t *testing.T) {
	ctx := context.Background()
	for i := 0; i < 20; i++ {
		svc, _ := newService(t, "S0")
		registerT(t, svc)
		data := rowsT(6)

		var wg sync.WaitGroup
		var placeErr, partErr error
		wg.Add(2)
		go func() {
			defer wg.Done()
			if _, placeErr = svc.AddPlacement(ctx, 1, "S0", nil, nil); placeErr == nil {
				_, placeErr = svc.InsertRows(ctx, 1, data)
			}
		}()
		go func() {
			defer wg.Done()
			_, partErr = svc.CreatePartitionGroups(ctx, 1, placement.PartitionSpec{
				Type:            domain.PartitionList,
				ColumnID:        colB,
				QualifierGroups: [][]string{{"0"}, {"10"}},
			})
		}()
		wg.Wait()
		require.NoError(t, placeErr)
		require.NoError(t, partErr)

		assert.Equal(t, expectedRows(data), readAll(t, svc), "iteration %d", i)
	}
}

func TestMoveTableToAnotherStore(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t, "hsqldb", "store1")
	registerT(t, svc)

	_, err := svc.AddPlacement(ctx, 1, "hsqldb", nil, nil)
	require.NoError(t, err)
	data := rowsT(5)
	_, err = svc.InsertRows(ctx, 1, data)
	require.NoError(t, err)

	_, err = svc.AddPlacement(ctx, 1, "store1", nil, nil)
	require.NoError(t, err)
	require.NoError(t, svc.DropPlacement(ctx, 1, "hsqldb", nil))

	stores, err := svc.Catalog().StoresOf(1)
	require.NoError(t, err)
	assert.Equal(t, []domain.StoreID{"store1"}, stores)
	assert.Equal(t, expectedRows(data), readAll(t, svc))

	// new rows only go to store1
	_, err = svc.InsertRows(ctx, 1, []map[int64]any{{colPK: int64(100), colA: "new", colB: int64(0)}})
	require.NoError(t, err)
	assert.Len(t, readAll(t, svc), 6)
}

func TestPartialPlacements(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t, "hsqldb", "store1")
	registerT(t, svc)

	_, err := svc.AddPlacement(ctx, 1, "hsqldb", nil, nil)
	require.NoError(t, err)
	data := rowsT(8)
	_, err = svc.InsertRows(ctx, 1, data)
	require.NoError(t, err)

	// ADD PLACEMENT (a) ON STORE store1, then MODIFY PLACEMENT (pk, b) ON STORE hsqldb
	_, err = svc.AddPlacement(ctx, 1, "store1", nil, []int64{colA})
	require.NoError(t, err)
	_, err = svc.ModifyPlacement(ctx, 1, "hsqldb", []int64{colPK, colB})
	require.NoError(t, err)

	cols, err := svc.Catalog().ColumnsOn(1, "hsqldb")
	require.NoError(t, err)
	assert.Equal(t, []int64{colPK, colB}, cols)
	assert.Equal(t, expectedRows(data), readAll(t, svc))

	// a only lives on store1
	var cv *zerrors.CoverageViolation
	require.ErrorAs(t, svc.DropPlacement(ctx, 1, "store1", nil), &cv)

	// bring a back to hsqldb, then store1 can go
	job, err := svc.ModifyPlacement(ctx, 1, "hsqldb", []int64{colPK, colA, colB})
	require.NoError(t, err)
	require.Len(t, job.Tasks, 1)
	assert.Equal(t, []migration.SourceRead{{Store: "store1", Columns: []int64{colA}}}, job.Tasks[0].Sources)

	require.NoError(t, svc.DropPlacement(ctx, 1, "store1", nil))
	assert.Equal(t, expectedRows(data), readAll(t, svc))

	_, err = svc.ModifyPlacement(ctx, 1, "hsqldb", nil)
	var ve *zerrors.ValidationError
	assert.ErrorAs(t, err, &ve)
}

func TestPartitionPopulatedTable(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t, "S0", "S1")
	registerT(t, svc)

	_, err := svc.AddPlacement(ctx, 1, "S0", nil, nil)
	require.NoError(t, err)
	_, err = svc.AddPlacement(ctx, 1, "S1", nil, []int64{colA})
	require.NoError(t, err)
	data := rowsT(9)
	_, err = svc.InsertRows(ctx, 1, data)
	require.NoError(t, err)

	layout, err := svc.CreatePartitionGroups(ctx, 1, placement.PartitionSpec{
		Type:            domain.PartitionRange,
		ColumnID:        colB,
		QualifierGroups: [][]string{{"0", "9"}, {"10", "19"}},
	})
	require.NoError(t, err)
	require.Len(t, layout.Partitions, 3)

	assert.Equal(t, expectedRows(data), readAll(t, svc))

	plan, err := svc.Router().Plan(router.Request{TableID: 1, Predicate: &router.Predicate{ColumnID: colB, Value: "20"}})
	require.NoError(t, err)
	require.Len(t, plan.Partitions, 1)
	assert.True(t, layout.Partitions[2].IsUnbound)
	assert.Equal(t, layout.Partitions[2].ID, plan.Partitions[0].PartitionID)

	rows, err := svc.Read(ctx, router.Request{TableID: 1, Columns: []int64{colPK}, Predicate: &router.Predicate{ColumnID: colB, Value: "20"}})
	require.NoError(t, err)
	assert.Len(t, rows, 3)

	// dropping the first range keeps the rest readable
	require.NoError(t, svc.DropPartitionGroup(ctx, 1, layout.Groups[0].ID))
	assert.Len(t, readAll(t, svc), 6)
}

func TestInsertRowsErrors(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t, "S0")
	registerT(t, svc)

	_, err := svc.InsertRows(ctx, 1, rowsT(1))
	var cv *zerrors.CoverageViolation
	assert.ErrorAs(t, err, &cv)

	_, err = svc.AddPlacement(ctx, 1, "S0", nil, nil)
	require.NoError(t, err)

	var ve *zerrors.ValidationError
	_, err = svc.InsertRows(ctx, 1, []map[int64]any{{colA: "no key"}})
	assert.ErrorAs(t, err, &ve)

	_, err = svc.InsertRows(ctx, 1, []map[int64]any{{colPK: int64(1), 42: "x"}})
	assert.ErrorIs(t, err, zerrors.ErrColumnNotFound)

	_, err = svc.AddPlacement(ctx, 1, "missing", nil, nil)
	assert.ErrorIs(t, err, zerrors.ErrStoreNotFound)
}

func TestDropColumn(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t, "S0")
	registerT(t, svc)
	_, err := svc.AddPlacement(ctx, 1, "S0", nil, nil)
	require.NoError(t, err)
	_, err = svc.InsertRows(ctx, 1, rowsT(2))
	require.NoError(t, err)

	require.NoError(t, svc.DropColumn(ctx, 1, colA))
	for _, r := range readAll(t, svc) {
		_, ok := r.Values[colA]
		assert.False(t, ok)
	}
}

func TestBootstrapWithSQLiteStore(t *testing.T) {
	ctx := context.Background()
	cat := placement.NewCatalog(partition.NewManager())
	reg := placement.NewStoreRegistry()

	factory := store.NewAdapterFactory(aws.Config{}, nil)
	for _, uri := range []struct{ name, uri string }{
		{"hot", "memory://"},
		{"disk", "sqlite://" + filepath.Join(t.TempDir(), "disk.db")},
	} {
		cfg, err := store.ParseStoreConfig(uri.name, uri.uri)
		require.NoError(t, err)
		adapter, err := factory.CreateAdapter(ctx, cfg)
		require.NoError(t, err)
		require.NoError(t, reg.RegisterStore(adapter))
	}
	mcfg := migration.DefaultConfig()
	mcfg.Quiet = true
	svc := NewPlacementService(cat, reg, migration.NewMigrator(cat, reg, mcfg))

	err := Bootstrap(ctx, svc, []config.TableConfig{{
		ID:         1,
		Name:       "orders",
		PrimaryKey: []string{"id"},
		Columns: []config.ColumnConfig{
			{Name: "id", Type: "integer"},
			{Name: "region", Type: "varchar"},
			{Name: "total", Type: "bigint"},
		},
		Partition: &config.PartitionConfig{
			Type:   "list",
			Column: "region",
			Groups: []config.GroupConfig{{Name: "eu", Values: []string{"de", "fr"}}},
		},
		Placements: []config.PlacementConfig{
			{Store: "hot", Columns: []string{"id", "region"}},
			{Store: "disk", Columns: []string{"id", "total"}},
		},
	}})
	require.NoError(t, err)

	_, err = svc.InsertRows(ctx, 1, []map[int64]any{
		{1: int64(1), 2: "de", 3: int64(100)},
		{1: int64(2), 2: "jp", 3: int64(250)},
	})
	require.NoError(t, err)

	rows, err := svc.Read(ctx, router.Request{TableID: 1})
	require.NoError(t, err)
	assert.Equal(t, []domain.Row{
		{Key: "1", Values: map[int64]any{1: int64(1), 2: "de", 3: int64(100)}},
		{Key: "2", Values: map[int64]any{1: int64(2), 2: "jp", 3: int64(250)}},
	}, rows)

	rows, err = svc.Read(ctx, router.Request{TableID: 1, Columns: []int64{3}, Predicate: &router.Predicate{ColumnID: 2, Value: "'fr'"}})
	require.NoError(t, err)
	assert.Empty(t, rows)
}
