package store

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/zzenonn/zplace/internal/domain"
)

// objectBucket is the part of an object store API the cell layout needs.
type objectBucket interface {
	put(ctx context.Context, key string, body []byte) error
	get(ctx context.Context, key string) ([]byte, error)
	remove(ctx context.Context, key string) error
	// list calls fn for every object name below prefix.
	list(ctx context.Context, prefix string, fn func(key string) error) error
	uri(key string) string
}

// objectStore implements the row operations of S3 and GCS on top of a
// bucket and the cell layout.
type objectStore struct {
	bucket objectBucket
	layout cellLayout
}

// Upsert writes a marker and one object per selected column for every row.
func (o objectStore) Upsert(ctx context.Context, scope Scope, rows []domain.Row) error {
	log.Debugf("Upserting %d rows to %s (%s)", len(rows), o.bucket.uri(o.layout.prefix), scope)
	for _, row := range rows {
		if err := o.bucket.put(ctx, o.layout.rowMarker(scope.TableID, scope.PartitionID, row.Key), nil); err != nil {
			return err
		}
		for id, v := range row.Values {
			if !wantColumn(scope.ColumnIDs, id) {
				continue
			}
			body, err := encodeCell(v)
			if err != nil {
				return fmt.Errorf("encode cell %d of row %s: %w", id, row.Key, err)
			}
			if err := o.bucket.put(ctx, o.layout.cellKey(scope.TableID, scope.PartitionID, id, row.Key), body); err != nil {
				return err
			}
		}
	}
	return nil
}

func (o objectStore) Scan(ctx context.Context, scope Scope) ([]domain.Row, error) {
	rows := newRowAssembler()
	prefix := o.layout.partitionPrefix(scope.TableID, scope.PartitionID)
	err := o.bucket.list(ctx, prefix, func(key string) error {
		ref, ok := o.layout.parse(scope.TableID, scope.PartitionID, key)
		if !ok {
			return nil
		}
		if ref.marker {
			rows.touch(ref.rowKey)
			return nil
		}
		if !wantColumn(scope.ColumnIDs, ref.columnID) {
			return nil
		}
		data, err := o.bucket.get(ctx, key)
		if err != nil {
			return err
		}
		v, err := decodeCell(data)
		if err != nil {
			return fmt.Errorf("decode %s: %w", o.bucket.uri(key), err)
		}
		rows.set(ref.rowKey, ref.columnID, v)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rows.result(), nil
}

func (o objectStore) Count(ctx context.Context, tableID, partitionID int64) (int64, error) {
	var n int64
	err := o.bucket.list(ctx, o.layout.partitionPrefix(tableID, partitionID), func(key string) error {
		if ref, ok := o.layout.parse(tableID, partitionID, key); ok && ref.marker {
			n++
		}
		return nil
	})
	return n, err
}

// Delete removes the marker and every cell object of the given rows.
func (o objectStore) Delete(ctx context.Context, tableID, partitionID int64, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	wanted := make(map[string]bool, len(keys))
	for _, k := range keys {
		wanted[k] = true
	}

	var doomed []string
	err := o.bucket.list(ctx, o.layout.partitionPrefix(tableID, partitionID), func(key string) error {
		if ref, ok := o.layout.parse(tableID, partitionID, key); ok && wanted[ref.rowKey] {
			doomed = append(doomed, key)
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, key := range doomed {
		if err := o.bucket.remove(ctx, key); err != nil {
			return err
		}
	}
	return nil
}
