package migration

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/zzenonn/zplace/internal/domain"
	zerrors "github.com/zzenonn/zplace/internal/errors"
	"github.com/zzenonn/zplace/internal/placement"
	"github.com/zzenonn/zplace/internal/repository/store"
)

// Repartition changes the partitioning of a table that may already hold
// data. Every row is read back from the current placements, routed with
// the new layout and written to the new partitions of every store, which
// keeps its column set. The new layout and placements are installed in one
// step once all writes are verified.
func (m *Migrator) Repartition(ctx context.Context, tableID int64, spec placement.PartitionSpec) (domain.TableLayout, error) {
	section, err := m.catalog.Lock(ctx, tableID)
	if err != nil {
		return domain.TableLayout{}, err
	}
	defer section.Release()

	next, err := section.PreparePartitioning(spec)
	if err != nil {
		return domain.TableLayout{}, err
	}
	placements := section.CarryOverPlacements(next)
	current := section.Layout()

	job := &Job{
		ID:       uuid.NewString(),
		TableID:  tableID,
		section:  section,
		recorder: m.recorder,
		state:    domain.JobPlanned,
	}
	for _, p := range next.Partitions {
		job.Tasks = append(job.Tasks, Task{PartitionID: p.ID})
	}
	job.record()

	if err := job.transition(domain.JobCopying, nil); err != nil {
		return domain.TableLayout{}, err
	}
	ctx = context.WithoutCancel(ctx)

	routed, err := m.routeRows(ctx, section, current, next)
	if err != nil {
		return domain.TableLayout{}, m.fail(job, &zerrors.MigrationFailure{JobID: job.ID, Err: err})
	}

	columnsByStore := make(map[domain.StoreID][]int64)
	for _, p := range placements {
		if p.PartitionID == next.Partitions[0].ID {
			columnsByStore[p.Store] = append(columnsByStore[p.Store], p.ColumnID)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.config.Parallelism)
	for _, p := range next.Partitions {
		pid := p.ID
		rows := routed[pid]
		for storeID, columns := range columnsByStore {
			g.Go(func() error {
				adapter, err := m.registry.Adapter(storeID)
				if err != nil {
					return &zerrors.MigrationFailure{JobID: job.ID, PartitionID: pid, Err: err}
				}
				scope := store.Scope{TableID: tableID, PartitionID: pid, ColumnIDs: columns}
				if err := m.writeWithRetry(gctx, job, adapter, scope, rows); err != nil {
					return &zerrors.MigrationFailure{JobID: job.ID, PartitionID: pid, Err: err}
				}
				if m.config.Verify {
					if err := verifyCount(gctx, adapter, tableID, pid, int64(len(rows))); err != nil {
						return &zerrors.MigrationFailure{JobID: job.ID, PartitionID: pid, Err: err}
					}
				}
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		return domain.TableLayout{}, m.fail(job, err)
	}
	if err := job.transition(domain.JobVerified, nil); err != nil {
		return domain.TableLayout{}, err
	}

	if err := section.InstallLayout(next, placements); err != nil {
		return domain.TableLayout{}, m.fail(job, err)
	}
	if err := job.transition(domain.JobCommitted, nil); err != nil {
		return domain.TableLayout{}, err
	}

	log.WithFields(log.Fields{
		"job":        job.ID,
		"table":      tableID,
		"strategy":   next.Table.PartitionType,
		"partitions": len(next.Partitions),
		"rows":       job.RowsCopied(),
	}).Info("Repartitioned table")
	return next, nil
}

// routeRows reads every row of the current layout and groups them by their
// partition in next.
func (m *Migrator) routeRows(ctx context.Context, section *placement.Section, current, next domain.TableLayout) (map[int64][]domain.Row, error) {
	manager := m.catalog.Manager()
	out := make(map[int64][]domain.Row)
	for _, p := range current.Partitions {
		sources := chooseSources(section, p.ID, current.Table.ColumnIDs(), "")
		parts := make([][]domain.Row, 0, len(sources))
		for _, src := range sources {
			adapter, err := m.registry.Adapter(src.Store)
			if err != nil {
				return nil, err
			}
			rows, err := adapter.Scan(ctx, store.Scope{TableID: current.Table.ID, PartitionID: p.ID, ColumnIDs: src.Columns})
			if err != nil {
				return nil, fmt.Errorf("reading from %s: %w", src.Store, err)
			}
			parts = append(parts, rows)
		}

		for _, row := range domain.JoinRows(parts...) {
			pid, err := manager.GetTargetPartition(next, partitionLiteral(row, next.Table.PartitionColumnID))
			if err != nil {
				return nil, err
			}
			out[pid] = append(out[pid], row)
		}
	}
	return out, nil
}

func partitionLiteral(row domain.Row, columnID int64) string {
	return domain.Literal(row.Values[columnID])
}

func (m *Migrator) writeWithRetry(ctx context.Context, job *Job, dest store.Adapter, scope store.Scope, rows []domain.Row) error {
	var err error
	for attempt := 0; attempt <= m.config.MaxRetries; attempt++ {
		if attempt > 0 {
			log.Warnf("Retrying %s on %s (attempt %d): %v", scope, dest.Name(), attempt+1, err)
			if serr := sleepCtx(ctx, m.config.RetryBackoff); serr != nil {
				return serr
			}
		}
		if err = m.write(ctx, dest, scope, rows, func(n int) { job.rowsCopied.Add(int64(n)) }); err == nil {
			return nil
		}
	}
	return err
}
