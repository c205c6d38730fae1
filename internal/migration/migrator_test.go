package migration

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

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

// faultyAdapter wraps a memory store and injects failures.
type faultyAdapter struct {
	*store.MemoryAdapter
	upsertFailures atomic.Int32
	upsertErr      error
	countDelta     int64
	upserts        atomic.Int32
}

func (f *faultyAdapter) Upsert(ctx context.Context, scope store.Scope, rows []domain.Row) error {
	f.upserts.Add(1)
	if f.upsertErr != nil {
		return f.upsertErr
	}
	if f.upsertFailures.Load() > 0 {
		f.upsertFailures.Add(-1)
		return errors.New("connection reset")
	}
	return f.MemoryAdapter.Upsert(ctx, scope, rows)
}

func (f *faultyAdapter) Count(ctx context.Context, tableID, partitionID int64) (int64, error) {
	n, err := f.MemoryAdapter.Count(ctx, tableID, partitionID)
	return n + f.countDelta, err
}

// jsonAdapter stores values the way a JSON document store returns them:
// every number comes back as float64.
type jsonAdapter struct {
	*store.MemoryAdapter
}

func (j *jsonAdapter) Upsert(ctx context.Context, scope store.Scope, rows []domain.Row) error {
	decoded := make([]domain.Row, 0, len(rows))
	for _, r := range rows {
		data, err := json.Marshal(r.Values)
		if err != nil {
			return err
		}
		values := make(map[int64]any)
		if err := json.Unmarshal(data, &values); err != nil {
			return err
		}
		decoded = append(decoded, domain.Row{Key: r.Key, Values: values})
	}
	return j.MemoryAdapter.Upsert(ctx, scope, decoded)
}

type recordingRecorder struct {
	mu     sync.Mutex
	states []domain.JobState
}

func (r *recordingRecorder) RecordJob(_ context.Context, rec domain.MigrationJobRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, rec.State)
	return nil
}

type fixture struct {
	catalog  *placement.Catalog
	registry *placement.StoreRegistry
	stores   map[domain.StoreID]*store.MemoryAdapter
	layout   domain.TableLayout
}

func testTable(id int64) domain.Table {
	return domain.Table{
		ID:   id,
		Name: fmt.Sprintf("t%d", id),
		Columns: []domain.Column{
			{ID: colPK, Name: "pk", Type: domain.TypeInteger},
			{ID: colA, Name: "a", Type: domain.TypeVarchar, Position: 1},
			{ID: colB, Name: "b", Type: domain.TypeInteger, Position: 2},
		},
		PrimaryKey: []int64{colPK},
	}
}

func testRows(n int) []domain.Row {
	rows := make([]domain.Row, 0, n)
	for i := 0; i < n; i++ {
		rows = append(rows, domain.Row{
			Key:    fmt.Sprint(i),
			Values: map[int64]any{colPK: int64(i), colA: fmt.Sprintf("v%d", i), colB: int64(i * 10)},
		})
	}
	return rows
}

// newFixture registers table 1 fully placed on s0 and loads rows into s0.
func newFixture(t *testing.T, rows int, extra ...store.Adapter) *fixture {
	t.Helper()
	f := &fixture{
		catalog:  placement.NewCatalog(partition.NewManager()),
		registry: placement.NewStoreRegistry(),
		stores:   make(map[domain.StoreID]*store.MemoryAdapter),
	}
	for _, name := range []domain.StoreID{"s0", "s1", "s2"} {
		m := store.NewMemoryAdapter(name)
		f.stores[name] = m
		require.NoError(t, f.registry.RegisterStore(m))
	}
	for _, a := range extra {
		require.NoError(t, f.registry.RegisterStore(a))
	}

	ctx := context.Background()
	require.NoError(t, f.catalog.RegisterTable(testTable(1)))
	require.NoError(t, f.catalog.AddPlacement(ctx, 1, "s0", nil, nil))
	layout, err := f.catalog.Layout(1)
	require.NoError(t, err)
	f.layout = layout

	pid := layout.Partitions[0].ID
	require.NoError(t, f.stores["s0"].Upsert(ctx, store.Scope{TableID: 1, PartitionID: pid}, testRows(rows)))
	return f
}

func (f *fixture) migrator(cfg Config) *Migrator {
	cfg.Quiet = true
	return NewMigrator(f.catalog, f.registry, cfg)
}

func (f *fixture) scan(t *testing.T, a store.Adapter, pid int64) []domain.Row {
	t.Helper()
	rows, err := a.Scan(context.Background(), store.Scope{TableID: 1, PartitionID: pid})
	require.NoError(t, err)
	return rows
}

func TestRun_CopiesAndCommits(t *testing.T) {
	f := newFixture(t, 25)
	rec := &recordingRecorder{}
	m := f.migrator(Config{BatchSize: 7, Verify: true}).WithRecorder(rec)

	job, err := m.Run(context.Background(), Request{TableID: 1, Destination: "s1"})
	require.NoError(t, err)
	assert.Equal(t, domain.JobCommitted, job.State())
	assert.Equal(t, int64(25), job.RowsCopied())

	pid := f.layout.Partitions[0].ID
	for _, cid := range []int64{colPK, colA, colB} {
		stores, err := f.catalog.PlacementsFor(1, pid, cid)
		require.NoError(t, err)
		assert.Equal(t, []domain.StoreID{"s0", "s1"}, stores)
	}
	assert.Equal(t, f.scan(t, f.stores["s0"], pid), f.scan(t, f.stores["s1"], pid))

	assert.Equal(t, []domain.JobState{
		domain.JobPlanned, domain.JobCopying, domain.JobVerified, domain.JobCommitted,
	}, rec.states)
}

func TestRun_CopyFailureLeavesCatalogUnchanged(t *testing.T) {
	bad := &faultyAdapter{MemoryAdapter: store.NewMemoryAdapter("bad"), upsertErr: errors.New("store unreachable")}
	f := newFixture(t, 5, bad)
	m := f.migrator(Config{MaxRetries: 1, RetryBackoff: time.Millisecond, Verify: true})

	before, err := f.catalog.Placements(1)
	require.NoError(t, err)

	job, err := m.Run(context.Background(), Request{TableID: 1, Destination: "bad"})
	require.Error(t, err)
	assert.Equal(t, domain.JobFailed, job.State())
	assert.Equal(t, int32(2), bad.upserts.Load())

	var mf *zerrors.MigrationFailure
	require.ErrorAs(t, err, &mf)
	assert.Equal(t, job.ID, mf.JobID)
	assert.Equal(t, f.layout.Partitions[0].ID, mf.PartitionID)
	assert.True(t, zerrors.IsRetryable(err))

	after, err := f.catalog.Placements(1)
	require.NoError(t, err)
	assert.Equal(t, before, after)

	// the section was released
	require.NoError(t, f.catalog.AddPlacement(context.Background(), 1, "s1", nil, []int64{colA}))
}

func TestRun_VerifyMismatchFails(t *testing.T) {
	skewed := &faultyAdapter{MemoryAdapter: store.NewMemoryAdapter("skewed"), countDelta: -1}
	f := newFixture(t, 3, skewed)

	before, err := f.catalog.Placements(1)
	require.NoError(t, err)

	job, err := f.migrator(Config{Verify: true}).Run(context.Background(), Request{TableID: 1, Destination: "skewed"})
	var mf *zerrors.MigrationFailure
	require.ErrorAs(t, err, &mf)
	assert.Contains(t, mf.Error(), "row count mismatch")
	assert.Equal(t, domain.JobFailed, job.State())
	assert.Equal(t, err, job.Err())

	after, err := f.catalog.Placements(1)
	require.NoError(t, err)
	assert.Equal(t, before, after)

	// without verification the same copy commits
	_, err = f.migrator(Config{}).Run(context.Background(), Request{TableID: 1, Destination: "skewed"})
	require.NoError(t, err)
}

func TestRun_RetriesTransientFailures(t *testing.T) {
	flaky := &faultyAdapter{MemoryAdapter: store.NewMemoryAdapter("flaky")}
	flaky.upsertFailures.Store(2)
	f := newFixture(t, 4, flaky)

	job, err := f.migrator(Config{MaxRetries: 2, RetryBackoff: time.Millisecond, Verify: true}).
		Run(context.Background(), Request{TableID: 1, Destination: "flaky"})
	require.NoError(t, err)
	assert.Equal(t, domain.JobCommitted, job.State())

	n, err := flaky.Count(context.Background(), 1, f.layout.Partitions[0].ID)
	require.NoError(t, err)
	assert.Equal(t, int64(4), n)
}

func TestJob_Cancel(t *testing.T) {
	f := newFixture(t, 2)
	m := f.migrator(Config{})
	ctx := context.Background()

	job, err := m.Prepare(ctx, Request{TableID: 1, Destination: "s1"})
	require.NoError(t, err)
	assert.Equal(t, domain.JobPlanned, job.State())

	// the table is locked while the job is planned
	waitCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, f.catalog.AddPlacement(waitCtx, 1, "s2", nil, nil), context.DeadlineExceeded)

	require.NoError(t, job.Cancel())
	assert.Equal(t, domain.JobAborted, job.State())
	assert.ErrorIs(t, job.Cancel(), zerrors.ErrJobNotCancellable)
	assert.ErrorIs(t, m.Execute(ctx, job), zerrors.ErrIllegalTransition)

	stores, err := f.catalog.StoresOf(1)
	require.NoError(t, err)
	assert.Equal(t, []domain.StoreID{"s0"}, stores)
	require.NoError(t, f.catalog.AddPlacement(ctx, 1, "s2", nil, nil))
}

func TestJob_CannotCancelAfterCommit(t *testing.T) {
	f := newFixture(t, 2)
	job, err := f.migrator(Config{}).Run(context.Background(), Request{TableID: 1, Destination: "s1"})
	require.NoError(t, err)
	assert.ErrorIs(t, job.Cancel(), zerrors.ErrJobNotCancellable)
}

func TestExecute_IgnoresCallerCancellation(t *testing.T) {
	f := newFixture(t, 10)
	m := f.migrator(Config{Verify: true})

	ctx, cancel := context.WithCancel(context.Background())
	job, err := m.Prepare(ctx, Request{TableID: 1, Destination: "s1"})
	require.NoError(t, err)
	cancel()

	require.NoError(t, m.Execute(ctx, job))
	assert.Equal(t, domain.JobCommitted, job.State())
}

func TestRun_IsIdempotent(t *testing.T) {
	f := newFixture(t, 6)
	m := f.migrator(Config{Verify: true})
	ctx := context.Background()
	req := Request{TableID: 1, Destination: "s1"}

	_, err := m.Run(ctx, req)
	require.NoError(t, err)
	first, err := f.catalog.Placements(1)
	require.NoError(t, err)

	// second identical run has nothing left to copy
	job, err := m.Run(ctx, req)
	require.NoError(t, err)
	assert.Empty(t, job.Tasks)
	second, err := f.catalog.Placements(1)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	// after dropping the placement the rows are still on s1; a rerun
	// overwrites them instead of duplicating
	require.NoError(t, f.catalog.DropPlacement(ctx, 1, "s1", nil))
	_, err = m.Run(ctx, req)
	require.NoError(t, err)

	n, err := f.stores["s1"].Count(ctx, 1, f.layout.Partitions[0].ID)
	require.NoError(t, err)
	assert.Equal(t, int64(6), n)
	third, err := f.catalog.Placements(1)
	require.NoError(t, err)
	assert.Equal(t, first, third)
}

func TestPrepare_GreedySources(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()
	pid := f.layout.Partitions[0].ID

	// s1 gets b, then s0 is narrowed to pk and a
	_, err := f.migrator(Config{}).Run(ctx, Request{TableID: 1, Destination: "s1", Columns: []int64{colB}})
	require.NoError(t, err)
	require.NoError(t, f.catalog.ModifyPlacement(ctx, 1, "s0", []int64{colPK, colA}))

	m := f.migrator(Config{Verify: true})
	job, err := m.Prepare(ctx, Request{TableID: 1, Destination: "s2"})
	require.NoError(t, err)
	require.Len(t, job.Tasks, 1)
	assert.Equal(t, []SourceRead{
		{Store: "s0", Columns: []int64{colPK, colA}},
		{Store: "s1", Columns: []int64{colB}},
	}, job.Tasks[0].Sources)

	require.NoError(t, m.Execute(ctx, job))
	assert.Equal(t, testRows(3), f.scan(t, f.stores["s2"], pid))
}

func TestChooseSources_TieBreak(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	require.NoError(t, f.catalog.AddPlacement(ctx, 1, "s2", nil, nil))

	s, err := f.catalog.Lock(ctx, 1)
	require.NoError(t, err)
	defer s.Release()

	pid := f.layout.Partitions[0].ID
	sources := chooseSources(s, pid, []int64{colPK, colA, colB}, "s1")
	assert.Equal(t, []SourceRead{{Store: "s0", Columns: []int64{colPK, colA, colB}}}, sources)

	sources = chooseSources(s, pid, []int64{colA}, "s0")
	assert.Equal(t, []SourceRead{{Store: "s2", Columns: []int64{colA}}}, sources)
}

func TestPrepare_RejectsUncoveredDrop(t *testing.T) {
	f := newFixture(t, 2)
	ctx := context.Background()
	pid := f.layout.Partitions[0].ID

	// moving only a to s1 while dropping everything from s0
	s0 := []domain.Placement{
		{TableID: 1, PartitionID: pid, ColumnID: colPK, Store: "s0"},
		{TableID: 1, PartitionID: pid, ColumnID: colA, Store: "s0"},
		{TableID: 1, PartitionID: pid, ColumnID: colB, Store: "s0"},
	}
	_, err := f.migrator(Config{}).Prepare(ctx, Request{TableID: 1, Destination: "s1", Columns: []int64{colA}, Drop: s0})

	var cv *zerrors.CoverageViolation
	require.ErrorAs(t, err, &cv)
	assert.Len(t, cv.Cells, 2)

	n, err := f.stores["s1"].Count(ctx, 1, pid)
	require.NoError(t, err)
	assert.Zero(t, n)

	// moving everything succeeds and drops s0 in the same commit
	_, err = f.migrator(Config{Verify: true}).Run(ctx, Request{TableID: 1, Destination: "s1", Drop: s0})
	require.NoError(t, err)
	stores, err := f.catalog.StoresOf(1)
	require.NoError(t, err)
	assert.Equal(t, []domain.StoreID{"s1"}, stores)
}

func TestPrepare_UnknownInputs(t *testing.T) {
	f := newFixture(t, 0)
	m := f.migrator(Config{})
	ctx := context.Background()

	_, err := m.Prepare(ctx, Request{TableID: 1, Destination: "nope"})
	assert.ErrorIs(t, err, zerrors.ErrStoreNotFound)
	_, err = m.Prepare(ctx, Request{TableID: 9, Destination: "s1"})
	assert.ErrorIs(t, err, zerrors.ErrTableNotFound)
	_, err = m.Prepare(ctx, Request{TableID: 1, Destination: "s1", Partitions: []int64{999}})
	assert.ErrorIs(t, err, zerrors.ErrPartitionNotFound)
	_, err = m.Prepare(ctx, Request{TableID: 1, Destination: "s1", Columns: []int64{99}})
	assert.ErrorIs(t, err, zerrors.ErrColumnNotFound)

	// the section is free after every rejection
	require.NoError(t, f.catalog.AddPlacement(ctx, 1, "s1", nil, nil))
}

func TestRepartition(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	pid := f.layout.Partitions[0].ID

	rows := []domain.Row{
		{Key: "1", Values: map[int64]any{colPK: int64(1), colA: "x", colB: int64(10)}},
		{Key: "2", Values: map[int64]any{colPK: int64(2), colA: "y", colB: int64(20)}},
		{Key: "3", Values: map[int64]any{colPK: int64(3), colA: "z", colB: int64(99)}},
		{Key: "4", Values: map[int64]any{colPK: int64(4), colA: "w", colB: int64(10)}},
	}
	require.NoError(t, f.stores["s0"].Upsert(ctx, store.Scope{TableID: 1, PartitionID: pid}, rows))
	_, err := f.migrator(Config{}).Run(ctx, Request{TableID: 1, Destination: "s1", Columns: []int64{colA}})
	require.NoError(t, err)

	layout, err := f.migrator(Config{Verify: true}).Repartition(ctx, 1, placement.PartitionSpec{
		Type:            domain.PartitionList,
		ColumnID:        colB,
		QualifierGroups: [][]string{{"10"}, {"20"}},
	})
	require.NoError(t, err)
	require.Len(t, layout.Partitions, 3)

	installed, err := f.catalog.Layout(1)
	require.NoError(t, err)
	assert.Equal(t, layout, installed)

	p10, p20, unbound := layout.Partitions[0].ID, layout.Partitions[1].ID, layout.Partitions[2].ID
	keys := func(a store.Adapter, pid int64) []string {
		var out []string
		for _, r := range f.scan(t, a, pid) {
			out = append(out, r.Key)
		}
		return out
	}
	assert.Equal(t, []string{"1", "4"}, keys(f.stores["s0"], p10))
	assert.Equal(t, []string{"2"}, keys(f.stores["s0"], p20))
	assert.Equal(t, []string{"3"}, keys(f.stores["s0"], unbound))
	assert.Equal(t, []string{"1", "4"}, keys(f.stores["s1"], p10))

	// s1 only received its own column
	for _, r := range f.scan(t, f.stores["s1"], p10) {
		assert.Equal(t, []int64{colA}, keysOf(r.Values))
	}

	cols, err := f.catalog.ColumnsOn(1, "s1")
	require.NoError(t, err)
	assert.Equal(t, []int64{colA}, cols)
	_, err = f.catalog.PlacementsFor(1, pid, colA)
	assert.ErrorIs(t, err, zerrors.ErrPartitionNotFound)
}

func TestRepartition_RoutesJSONDecodedNumbers(t *testing.T) {
	js := &jsonAdapter{MemoryAdapter: store.NewMemoryAdapter("js")}
	f := newFixture(t, 0, js)
	ctx := context.Background()
	pid := f.layout.Partitions[0].ID

	require.NoError(t, f.catalog.AddPlacement(ctx, 1, "js", nil, nil))
	require.NoError(t, f.catalog.DropPlacement(ctx, 1, "s0", nil))
	require.NoError(t, js.Upsert(ctx, store.Scope{TableID: 1, PartitionID: pid}, []domain.Row{
		{Key: "1", Values: map[int64]any{colPK: int64(1), colA: "x", colB: int64(1500000)}},
		{Key: "2", Values: map[int64]any{colPK: int64(2), colA: "y", colB: int64(5)}},
	}))
	stored := f.scan(t, js, pid)
	require.Len(t, stored, 2)
	require.IsType(t, float64(0), stored[0].Values[colB])

	layout, err := f.migrator(Config{Verify: true}).Repartition(ctx, 1, placement.PartitionSpec{
		Type:            domain.PartitionRange,
		ColumnID:        colB,
		QualifierGroups: [][]string{{"0", "999"}, {"1000000", "2000000"}},
	})
	require.NoError(t, err)

	byLow := make(map[string]int64)
	var unbound int64
	for _, p := range layout.Partitions {
		if p.IsUnbound {
			unbound = p.ID
			continue
		}
		byLow[p.Qualifiers[0]] = p.ID
	}
	require.Len(t, byLow, 2)

	keys := func(pid int64) []string {
		var out []string
		for _, r := range f.scan(t, js, pid) {
			out = append(out, r.Key)
		}
		return out
	}
	assert.Equal(t, []string{"2"}, keys(byLow["0"]))
	assert.Equal(t, []string{"1"}, keys(byLow["1000000"]))
	if unbound != 0 {
		assert.Empty(t, keys(unbound))
	}
}

func TestRepartition_InvalidSpecChangesNothing(t *testing.T) {
	f := newFixture(t, 2)
	_, err := f.migrator(Config{}).Repartition(context.Background(), 1, placement.PartitionSpec{
		Type:            domain.PartitionRange,
		ColumnID:        colB,
		QualifierGroups: [][]string{{"10", "1"}},
	})
	var ve *zerrors.ValidationError
	require.ErrorAs(t, err, &ve)

	layout, err := f.catalog.Layout(1)
	require.NoError(t, err)
	assert.Equal(t, f.layout, layout)
}

func TestRun_DifferentTablesInParallel(t *testing.T) {
	f := newFixture(t, 50)
	ctx := context.Background()
	require.NoError(t, f.catalog.RegisterTable(testTable(2)))
	require.NoError(t, f.catalog.AddPlacement(ctx, 2, "s0", nil, nil))
	layout2, err := f.catalog.Layout(2)
	require.NoError(t, err)
	require.NoError(t, f.stores["s0"].Upsert(ctx, store.Scope{TableID: 2, PartitionID: layout2.Partitions[0].ID}, testRows(30)))

	m := f.migrator(Config{BatchSize: 8, Verify: true})
	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, tableID := range []int64{1, 2} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = m.Run(ctx, Request{TableID: tableID, Destination: "s2"})
		}()
	}
	wg.Wait()
	require.NoError(t, errs[0])
	require.NoError(t, errs[1])

	n, err := f.stores["s2"].Count(ctx, 2, layout2.Partitions[0].ID)
	require.NoError(t, err)
	assert.Equal(t, int64(30), n)
}

func keysOf(values map[int64]any) []int64 {
	var out []int64
	for id := range values {
		out = append(out, id)
	}
	return out
}
