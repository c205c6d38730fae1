// Package router decides which partitions and which stores a read touches
// and runs the resulting scan.
package router

import (
	"context"
	"fmt"
	"sort"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/zzenonn/zplace/internal/domain"
	zerrors "github.com/zzenonn/zplace/internal/errors"
	"github.com/zzenonn/zplace/internal/partition"
	"github.com/zzenonn/zplace/internal/placement"
	"github.com/zzenonn/zplace/internal/repository/store"
)

// Predicate is an equality filter on one column.
type Predicate struct {
	ColumnID int64
	Value    string
}

// Request describes a read of Columns (all when nil) of a table.
type Request struct {
	TableID   int64
	Columns   []int64
	Predicate *Predicate
}

// StoreRead is the set of columns fetched from one store.
type StoreRead struct {
	Store   domain.StoreID
	Columns []int64
}

// PartitionScan lists the store reads for one partition.
type PartitionScan struct {
	PartitionID int64
	Reads       []StoreRead
}

// ScanPlan is the routing decision for a Request.
type ScanPlan struct {
	TableID    int64
	Columns    []int64
	Predicate  *Predicate
	Partitions []PartitionScan
}

// Stores returns the distinct stores the plan reads from, sorted.
func (p ScanPlan) Stores() []domain.StoreID {
	seen := make(map[domain.StoreID]bool)
	var out []domain.StoreID
	for _, ps := range p.Partitions {
		for _, r := range ps.Reads {
			if !seen[r.Store] {
				seen[r.Store] = true
				out = append(out, r.Store)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Router only reads the catalog; it never takes a table's section.
type Router struct {
	catalog  *placement.Catalog
	manager  *partition.Manager
	registry placement.Registry
}

// NewRouter creates a Router.
func NewRouter(catalog *placement.Catalog, registry placement.Registry) *Router {
	return &Router{catalog: catalog, manager: catalog.Manager(), registry: registry}
}

// Route returns the partition a value of the partition column belongs to.
func (r *Router) Route(tableID int64, literal string) (int64, error) {
	layout, err := r.catalog.Layout(tableID)
	if err != nil {
		return 0, err
	}
	return r.manager.GetTargetPartition(layout, literal)
}

// Plan prunes partitions with the predicate and picks stores for every
// remaining partition. Per partition the store covering most of the still
// missing columns is taken first; ties prefer stores already used by the
// plan and then the smaller store id.
func (r *Router) Plan(req Request) (ScanPlan, error) {
	layout, err := r.catalog.Layout(req.TableID)
	if err != nil {
		return ScanPlan{}, err
	}

	columns := req.Columns
	if columns == nil {
		columns = layout.Table.ColumnIDs()
	}
	for _, cid := range columns {
		if _, ok := layout.Table.Column(cid); !ok {
			return ScanPlan{}, fmt.Errorf("%w: %d", zerrors.ErrColumnNotFound, cid)
		}
	}
	required := append([]int64(nil), columns...)
	if req.Predicate != nil {
		if _, ok := layout.Table.Column(req.Predicate.ColumnID); !ok {
			return ScanPlan{}, fmt.Errorf("%w: %d", zerrors.ErrColumnNotFound, req.Predicate.ColumnID)
		}
		if !contains(required, req.Predicate.ColumnID) {
			required = append(required, req.Predicate.ColumnID)
		}
	}

	partitions := layout.PartitionIDs()
	if p := req.Predicate; p != nil && layout.Table.IsPartitioned() && p.ColumnID == layout.Table.PartitionColumnID {
		pid, err := r.manager.GetTargetPartition(layout, p.Value)
		if err != nil {
			return ScanPlan{}, err
		}
		partitions = []int64{pid}
	}

	plan := ScanPlan{TableID: req.TableID, Columns: columns, Predicate: req.Predicate}
	used := make(map[domain.StoreID]bool)
	var uncovered []domain.Cell
	for _, pid := range partitions {
		holders := make(map[domain.StoreID]map[int64]bool)
		for _, cid := range required {
			stores, err := r.catalog.PlacementsFor(req.TableID, pid, cid)
			if err != nil {
				return ScanPlan{}, err
			}
			if len(stores) == 0 {
				uncovered = append(uncovered, domain.Cell{PartitionID: pid, ColumnID: cid})
			}
			for _, s := range stores {
				if holders[s] == nil {
					holders[s] = make(map[int64]bool)
				}
				holders[s][cid] = true
			}
		}
		plan.Partitions = append(plan.Partitions, PartitionScan{
			PartitionID: pid,
			Reads:       pickStores(required, holders, used),
		})
	}
	if len(uncovered) > 0 {
		return ScanPlan{}, &zerrors.CoverageViolation{TableID: req.TableID, Cells: uncovered}
	}

	log.WithFields(log.Fields{
		"table":      req.TableID,
		"partitions": len(plan.Partitions),
		"stores":     plan.Stores(),
	}).Debug("Planned scan")
	return plan, nil
}

func pickStores(required []int64, holders map[domain.StoreID]map[int64]bool, used map[domain.StoreID]bool) []StoreRead {
	candidates := make([]domain.StoreID, 0, len(holders))
	for s := range holders {
		candidates = append(candidates, s)
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i] < candidates[j] })

	remaining := make(map[int64]bool, len(required))
	for _, cid := range required {
		remaining[cid] = true
	}

	var reads []StoreRead
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
			if n > bestCount || (n == bestCount && n > 0 && used[s] && !used[best]) {
				best, bestCount = s, n
			}
		}
		if bestCount == 0 {
			break
		}

		read := StoreRead{Store: best}
		for _, cid := range required {
			if remaining[cid] && holders[best][cid] {
				read.Columns = append(read.Columns, cid)
				delete(remaining, cid)
			}
		}
		used[best] = true
		reads = append(reads, read)
	}
	return reads
}

// Execute runs a plan and returns the joined rows sorted by row key.
func (r *Router) Execute(ctx context.Context, plan ScanPlan) ([]domain.Row, error) {
	results := make([][]domain.Row, len(plan.Partitions))
	g, gctx := errgroup.WithContext(ctx)
	for i, ps := range plan.Partitions {
		g.Go(func() error {
			parts := make([][]domain.Row, 0, len(ps.Reads))
			for _, read := range ps.Reads {
				adapter, err := r.registry.Adapter(read.Store)
				if err != nil {
					return err
				}
				rows, err := adapter.Scan(gctx, store.Scope{TableID: plan.TableID, PartitionID: ps.PartitionID, ColumnIDs: read.Columns})
				if err != nil {
					return fmt.Errorf("scanning %s on %s: %w", store.Scope{TableID: plan.TableID, PartitionID: ps.PartitionID}, read.Store, err)
				}
				parts = append(parts, rows)
			}
			results[i] = domain.JoinRows(parts...)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var out []domain.Row
	for _, row := range domain.JoinRows(results...) {
		if p := plan.Predicate; p != nil && !matches(row, p) {
			continue
		}
		out = append(out, row.Project(plan.Columns))
	}
	return out, nil
}

// Read plans and executes a request.
func (r *Router) Read(ctx context.Context, req Request) ([]domain.Row, error) {
	plan, err := r.Plan(req)
	if err != nil {
		return nil, err
	}
	return r.Execute(ctx, plan)
}

func matches(row domain.Row, p *Predicate) bool {
	v, ok := row.Values[p.ColumnID]
	if !ok || v == nil {
		return false
	}
	return domain.Literal(v) == domain.NormalizeLiteral(p.Value)
}

func contains(ids []int64, id int64) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
