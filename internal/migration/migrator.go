// Package migration copies data between stores so that placement changes
// can be committed without ever leaving a cell unreadable.
//
// A Job moves through PLANNED, COPYING, VERIFIED and COMMITTED. Any copy or
// verify error moves it to FAILED instead and leaves the catalog untouched;
// rows already written to the destination stay there and are overwritten by
// the next attempt. A PLANNED job may be cancelled (ABORTED).
package migration

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/schollz/progressbar/v3"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/zzenonn/zplace/internal/domain"
	zerrors "github.com/zzenonn/zplace/internal/errors"
	"github.com/zzenonn/zplace/internal/placement"
	"github.com/zzenonn/zplace/internal/repository/store"
)

// Config tunes the copy step.
type Config struct {
	BatchSize     int           `mapstructure:"batch_size"`
	Parallelism   int           `mapstructure:"parallelism"`
	MaxRetries    int           `mapstructure:"max_retries"`
	RetryBackoff  time.Duration `mapstructure:"retry_backoff"`
	Verify        bool          `mapstructure:"verify"`
	RowsPerSecond float64       `mapstructure:"rows_per_second"`
	Quiet         bool          `mapstructure:"-"`
}

// DefaultConfig returns the settings used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		BatchSize:    500,
		Parallelism:  4,
		MaxRetries:   2,
		RetryBackoff: 200 * time.Millisecond,
		Verify:       true,
	}
}

// Request describes the data a placement change needs on Destination.
type Request struct {
	TableID     int64
	Destination domain.StoreID
	// Partitions and Columns select the cells to place on Destination; nil
	// selects all of them.
	Partitions []int64
	Columns    []int64
	// Drop is committed together with the new placements.
	Drop []domain.Placement
	// Modify makes Columns the exact column set of Destination: columns it
	// holds outside of Columns are dropped in the same commit, and new
	// columns only go to the partitions it already holds.
	Modify bool
}

// Migrator plans and executes migration jobs.
type Migrator struct {
	catalog  *placement.Catalog
	registry placement.Registry
	recorder JobRecorder
	config   Config
}

// NewMigrator creates a Migrator. A zero BatchSize or Parallelism falls
// back to the defaults.
func NewMigrator(catalog *placement.Catalog, registry placement.Registry, config Config) *Migrator {
	defaults := DefaultConfig()
	if config.BatchSize <= 0 {
		config.BatchSize = defaults.BatchSize
	}
	if config.Parallelism <= 0 {
		config.Parallelism = defaults.Parallelism
	}
	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}
	return &Migrator{catalog: catalog, registry: registry, config: config}
}

// WithRecorder sets the recorder that receives every job state change.
func (m *Migrator) WithRecorder(recorder JobRecorder) *Migrator {
	m.recorder = recorder
	return m
}

// Run prepares and executes a job.
func (m *Migrator) Run(ctx context.Context, req Request) (*Job, error) {
	job, err := m.Prepare(ctx, req)
	if err != nil {
		return nil, err
	}
	return job, m.Execute(ctx, job)
}

// Prepare locks the table and plans the copy. The returned job is PLANNED
// and owns the table's section until it is executed or cancelled. A change
// whose commit would break coverage is rejected here, before any copy.
func (m *Migrator) Prepare(ctx context.Context, req Request) (*Job, error) {
	if _, err := m.registry.Adapter(req.Destination); err != nil {
		return nil, err
	}

	section, err := m.catalog.Lock(ctx, req.TableID)
	if err != nil {
		return nil, err
	}
	job, err := m.plan(section, req)
	if err != nil {
		section.Release()
		return nil, err
	}
	job.record()

	log.WithFields(log.Fields{
		"job":         job.ID,
		"table":       job.TableID,
		"destination": job.Destination,
		"tasks":       len(job.Tasks),
	}).Info("Planned migration")
	return job, nil
}

func (m *Migrator) plan(section *placement.Section, req Request) (*Job, error) {
	layout := section.Layout()

	partitions := req.Partitions
	if partitions == nil {
		partitions = layout.PartitionIDs()
	}
	columns := req.Columns
	if columns == nil {
		columns = layout.Table.ColumnIDs()
	}
	drop := req.Drop
	if req.Modify {
		delta := section.ModifyDelta(req.Destination, columns)
		drop = append(append([]domain.Placement(nil), drop...), delta.Drop...)
		if req.Partitions == nil {
			if held := heldPartitions(section, req.Destination); len(held) > 0 {
				partitions = held
			}
		}
	}
	for _, pid := range partitions {
		if _, ok := layout.Partition(pid); !ok {
			return nil, fmt.Errorf("%w: %d", zerrors.ErrPartitionNotFound, pid)
		}
	}
	for _, cid := range columns {
		if _, ok := layout.Table.Column(cid); !ok {
			return nil, fmt.Errorf("%w: %d", zerrors.ErrColumnNotFound, cid)
		}
	}

	job := &Job{
		ID:          uuid.NewString(),
		TableID:     req.TableID,
		Destination: req.Destination,
		section:     section,
		recorder:    m.recorder,
		state:       domain.JobPlanned,
	}

	for _, pid := range partitions {
		held := make(map[int64]bool)
		for _, cid := range section.ColumnsOn(req.Destination, pid) {
			held[cid] = true
		}

		var needed []int64
		for _, cid := range columns {
			if held[cid] {
				continue
			}
			needed = append(needed, cid)
			job.Change.Add = append(job.Change.Add, domain.Placement{
				TableID: req.TableID, PartitionID: pid, ColumnID: cid, Store: req.Destination,
			})
		}
		if len(needed) == 0 {
			continue
		}

		sources := chooseSources(section, pid, needed, req.Destination)
		if len(sources) == 0 {
			// never placed anywhere, so there is nothing to copy
			continue
		}
		job.Tasks = append(job.Tasks, Task{PartitionID: pid, Columns: needed, Sources: sources})
	}
	job.Change.Drop = drop

	if err := section.Check(job.Change); err != nil {
		return nil, err
	}
	return job, nil
}

func heldPartitions(section *placement.Section, storeID domain.StoreID) []int64 {
	seen := make(map[int64]bool)
	var out []int64
	for _, p := range section.Placements() {
		if p.Store == storeID && !seen[p.PartitionID] {
			seen[p.PartitionID] = true
			out = append(out, p.PartitionID)
		}
	}
	return out
}

// chooseSources greedily picks the store covering most of the remaining
// columns until every column that has a store is covered. Ties go to the
// smaller store id.
func chooseSources(section *placement.Section, partitionID int64, columns []int64, exclude domain.StoreID) []SourceRead {
	holders := make(map[domain.StoreID]map[int64]bool)
	remaining := make(map[int64]bool)
	for _, cid := range columns {
		for _, s := range section.StoresFor(domain.Cell{PartitionID: partitionID, ColumnID: cid}) {
			if s == exclude {
				continue
			}
			if holders[s] == nil {
				holders[s] = make(map[int64]bool)
			}
			holders[s][cid] = true
			remaining[cid] = true
		}
	}

	candidates := make([]domain.StoreID, 0, len(holders))
	for s := range holders {
		candidates = append(candidates, s)
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i] < candidates[j] })

	var out []SourceRead
	for len(remaining) > 0 {
		var best domain.StoreID
		bestCount := 0
		for _, s := range candidates {
			n := 0
			for cid := range holders[s] {
				if remaining[cid] {
					n++
				}
			}
			if n > bestCount {
				best, bestCount = s, n
			}
		}

		read := SourceRead{Store: best}
		for _, cid := range columns {
			if remaining[cid] && holders[best][cid] {
				read.Columns = append(read.Columns, cid)
				delete(remaining, cid)
			}
		}
		out = append(out, read)
	}
	return out
}

// Execute copies, verifies and commits a PLANNED job. The caller's
// cancellation is ignored once copying has started; the section is released
// when Execute returns.
func (m *Migrator) Execute(ctx context.Context, job *Job) error {
	if err := job.transition(domain.JobCopying, nil); err != nil {
		return err
	}
	defer job.section.Release()
	ctx = context.WithoutCancel(ctx)

	dest, err := m.registry.Adapter(job.Destination)
	if err != nil {
		return m.fail(job, &zerrors.MigrationFailure{JobID: job.ID, Err: err})
	}

	var bar *progressbar.ProgressBar
	if !m.config.Quiet && len(job.Tasks) > 0 {
		bar = progressbar.Default(-1, fmt.Sprintf("migrating to %s", job.Destination))
		defer bar.Finish()
	}

	expected := make([]int, len(job.Tasks))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.config.Parallelism)
	for i := range job.Tasks {
		task := job.Tasks[i]
		g.Go(func() error {
			n, err := m.copyWithRetry(gctx, job, task, dest, bar)
			if err != nil {
				return &zerrors.MigrationFailure{JobID: job.ID, PartitionID: task.PartitionID, Err: err}
			}
			expected[i] = n
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return m.fail(job, err)
	}

	if m.config.Verify {
		for i, task := range job.Tasks {
			if err := verifyCount(ctx, dest, job.TableID, task.PartitionID, int64(expected[i])); err != nil {
				return m.fail(job, &zerrors.MigrationFailure{JobID: job.ID, PartitionID: task.PartitionID, Err: err})
			}
		}
	}
	if err := job.transition(domain.JobVerified, nil); err != nil {
		return err
	}

	if err := job.section.Apply(job.Change); err != nil {
		return m.fail(job, fmt.Errorf("committing migration %s: %w", job.ID, err))
	}
	if err := job.transition(domain.JobCommitted, nil); err != nil {
		return err
	}

	log.WithFields(log.Fields{
		"job":   job.ID,
		"table": job.TableID,
		"rows":  job.RowsCopied(),
	}).Info("Migration committed")
	return nil
}

func (m *Migrator) fail(job *Job, err error) error {
	if terr := job.transition(domain.JobFailed, err); terr != nil {
		log.Errorf("Migration %s could not be marked failed: %v", job.ID, terr)
	}
	log.WithFields(log.Fields{
		"job":   job.ID,
		"table": job.TableID,
	}).Errorf("Migration failed: %v", err)
	return err
}

func (m *Migrator) copyWithRetry(ctx context.Context, job *Job, task Task, dest store.Adapter, bar *progressbar.ProgressBar) (int, error) {
	var lastErr error
	for attempt := 0; attempt <= m.config.MaxRetries; attempt++ {
		if attempt > 0 {
			log.Warnf("Retrying partition %d of migration %s (attempt %d): %v", task.PartitionID, job.ID, attempt+1, lastErr)
			if err := sleepCtx(ctx, m.config.RetryBackoff); err != nil {
				return 0, err
			}
		}
		n, err := m.copyPartition(ctx, job, task, dest, bar)
		if err == nil {
			return n, nil
		}
		lastErr = err
	}
	return 0, lastErr
}

// copyPartition reads the partition from its sources, joins the partial
// rows and writes the needed columns to dest. It returns the row count.
func (m *Migrator) copyPartition(ctx context.Context, job *Job, task Task, dest store.Adapter, bar *progressbar.ProgressBar) (int, error) {
	parts := make([][]domain.Row, 0, len(task.Sources))
	for _, src := range task.Sources {
		adapter, err := m.registry.Adapter(src.Store)
		if err != nil {
			return 0, err
		}
		rows, err := adapter.Scan(ctx, store.Scope{TableID: job.TableID, PartitionID: task.PartitionID, ColumnIDs: src.Columns})
		if err != nil {
			return 0, fmt.Errorf("reading from %s: %w", src.Store, err)
		}
		parts = append(parts, rows)
	}

	rows := domain.JoinRows(parts...)
	scope := store.Scope{TableID: job.TableID, PartitionID: task.PartitionID, ColumnIDs: task.Columns}
	if err := m.write(ctx, dest, scope, rows, func(n int) {
		job.rowsCopied.Add(int64(n))
		if bar != nil {
			_ = bar.Add(n)
		}
	}); err != nil {
		return 0, err
	}
	return len(rows), nil
}

// write upserts the projection of rows onto scope's columns in batches.
func (m *Migrator) write(ctx context.Context, dest store.Adapter, scope store.Scope, rows []domain.Row, progress func(int)) error {
	limiter := m.limiter()
	for start := 0; start < len(rows); start += m.config.BatchSize {
		end := min(start+m.config.BatchSize, len(rows))
		batch := make([]domain.Row, 0, end-start)
		for _, r := range rows[start:end] {
			batch = append(batch, r.Project(scope.ColumnIDs))
		}
		if err := limiter.WaitN(ctx, len(batch)); err != nil {
			return err
		}
		if err := dest.Upsert(ctx, scope, batch); err != nil {
			return fmt.Errorf("writing %s to %s: %w", scope, dest.Name(), err)
		}
		if progress != nil {
			progress(len(batch))
		}
	}
	return nil
}

func (m *Migrator) limiter() *rate.Limiter {
	if m.config.RowsPerSecond <= 0 {
		return rate.NewLimiter(rate.Inf, m.config.BatchSize)
	}
	return rate.NewLimiter(rate.Limit(m.config.RowsPerSecond), m.config.BatchSize)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func verifyCount(ctx context.Context, dest store.Adapter, tableID, partitionID int64, expected int64) error {
	got, err := dest.Count(ctx, tableID, partitionID)
	if err != nil {
		return fmt.Errorf("counting rows on %s: %w", dest.Name(), err)
	}
	if got != expected {
		return fmt.Errorf("row count mismatch on %s: expected %d, got %d", dest.Name(), expected, got)
	}
	return nil
}
