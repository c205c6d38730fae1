package store

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	log "github.com/sirupsen/logrus"

	"github.com/zzenonn/zplace/internal/domain"
)

// SQLiteAdapter keeps one SQL table per (table, partition). Columns are
// added lazily as placements land on the store.
type SQLiteAdapter struct {
	name domain.StoreID
	db   *sql.DB

	mu      sync.Mutex
	columns map[string]map[int64]bool
}

// OpenSQLiteAdapter opens (or creates) the SQLite file at path.
func OpenSQLiteAdapter(ctx context.Context, name domain.StoreID, path string) (*SQLiteAdapter, error) {
	q := url.Values{}
	q.Set("_busy_timeout", "5000")
	q.Set("_journal_mode", "WAL")
	q.Set("_synchronous", "NORMAL")
	dsn := "file:" + path + "?" + q.Encode()

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite store %s: %w", name, err)
	}
	// SQLite allows a single writer.
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(time.Hour)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite store %s: %w", name, err)
	}

	log.Debugf("Opened sqlite store %s at %s", name, path)
	return &SQLiteAdapter{
		name:    name,
		db:      db,
		columns: make(map[string]map[int64]bool),
	}, nil
}

func (a *SQLiteAdapter) Name() domain.StoreID { return a.name }

func (a *SQLiteAdapter) StorageType() string { return string(SQLiteType) }

// Close closes the underlying database.
func (a *SQLiteAdapter) Close() error { return a.db.Close() }

func partitionTable(tableID, partitionID int64) string {
	return fmt.Sprintf("t%d_p%d", tableID, partitionID)
}

func columnName(id int64) string {
	return fmt.Sprintf("c%d", id)
}

// loadColumns returns the known columns of table, or nil if it does not exist.
// Callers must hold a.mu.
func (a *SQLiteAdapter) loadColumns(ctx context.Context, table string) (map[int64]bool, error) {
	if cols, ok := a.columns[table]; ok {
		return cols, nil
	}

	rows, err := a.db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return nil, fmt.Errorf("table info %s: %w", table, err)
	}
	defer rows.Close()

	found := false
	cols := make(map[int64]bool)
	for rows.Next() {
		var (
			cid        int
			name, typ  string
			notNull    int
			defaultVal sql.NullString
			pk         int
		)
		if err := rows.Scan(&cid, &name, &typ, &notNull, &defaultVal, &pk); err != nil {
			return nil, err
		}
		found = true
		var id int64
		if _, err := fmt.Sscanf(name, "c%d", &id); err == nil {
			cols[id] = true
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	a.columns[table] = cols
	return cols, nil
}

// ensureColumns creates the partition table and any missing columns.
// Callers must hold a.mu.
func (a *SQLiteAdapter) ensureColumns(ctx context.Context, table string, ids []int64) error {
	cols, err := a.loadColumns(ctx, table)
	if err != nil {
		return err
	}
	if cols == nil {
		stmt := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (row_key TEXT PRIMARY KEY)", table)
		if _, err := a.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create %s: %w", table, err)
		}
		cols = make(map[int64]bool)
		a.columns[table] = cols
	}
	for _, id := range ids {
		if cols[id] {
			continue
		}
		stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s", table, columnName(id))
		if _, err := a.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("add column %d to %s: %w", id, table, err)
		}
		cols[id] = true
	}
	return nil
}

func (a *SQLiteAdapter) Upsert(ctx context.Context, scope Scope, rows []domain.Row) error {
	if len(rows) == 0 {
		return nil
	}
	ids := scope.ColumnIDs
	if len(ids) == 0 {
		seen := make(map[int64]bool)
		for _, r := range rows {
			for id := range r.Values {
				if !seen[id] {
					seen[id] = true
					ids = append(ids, id)
				}
			}
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	}

	table := partitionTable(scope.TableID, scope.PartitionID)

	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.ensureColumns(ctx, table, ids); err != nil {
		return err
	}

	names := make([]string, 0, len(ids)+1)
	names = append(names, "row_key")
	updates := make([]string, 0, len(ids))
	for _, id := range ids {
		names = append(names, columnName(id))
		updates = append(updates, fmt.Sprintf("%s = excluded.%s", columnName(id), columnName(id)))
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(names)), ", ")

	stmt := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", table, strings.Join(names, ", "), placeholders)
	if len(updates) > 0 {
		stmt += " ON CONFLICT(row_key) DO UPDATE SET " + strings.Join(updates, ", ")
	} else {
		stmt += " ON CONFLICT(row_key) DO NOTHING"
	}

	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin upsert on %s: %w", table, err)
	}
	defer func() { _ = tx.Rollback() }()

	prepared, err := tx.PrepareContext(ctx, stmt)
	if err != nil {
		return fmt.Errorf("prepare upsert on %s: %w", table, err)
	}
	defer prepared.Close()

	for _, r := range rows {
		args := make([]any, 0, len(names))
		args = append(args, r.Key)
		for _, id := range ids {
			args = append(args, r.Values[id])
		}
		if _, err := prepared.ExecContext(ctx, args...); err != nil {
			return fmt.Errorf("upsert row %s into %s: %w", r.Key, table, err)
		}
	}
	return tx.Commit()
}

func (a *SQLiteAdapter) Delete(ctx context.Context, tableID, partitionID int64, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	table := partitionTable(tableID, partitionID)

	a.mu.Lock()
	defer a.mu.Unlock()

	cols, err := a.loadColumns(ctx, table)
	if err != nil {
		return err
	}
	if cols == nil {
		return nil
	}

	args := make([]any, len(keys))
	for i, k := range keys {
		args[i] = k
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(keys)), ", ")
	stmt := fmt.Sprintf("DELETE FROM %s WHERE row_key IN (%s)", table, placeholders)
	if _, err := a.db.ExecContext(ctx, stmt, args...); err != nil {
		return fmt.Errorf("delete rows from %s: %w", table, err)
	}
	return nil
}

func (a *SQLiteAdapter) Scan(ctx context.Context, scope Scope) ([]domain.Row, error) {
	table := partitionTable(scope.TableID, scope.PartitionID)

	a.mu.Lock()
	cols, err := a.loadColumns(ctx, table)
	a.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if cols == nil {
		return nil, nil
	}

	var ids []int64
	for id := range cols {
		if wantColumn(scope.ColumnIDs, id) {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	names := []string{"row_key"}
	for _, id := range ids {
		names = append(names, columnName(id))
	}
	query := fmt.Sprintf("SELECT %s FROM %s ORDER BY row_key", strings.Join(names, ", "), table)

	rows, err := a.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", table, err)
	}
	defer rows.Close()

	var out []domain.Row
	for rows.Next() {
		var key string
		vals := make([]any, len(ids))
		ptrs := make([]any, 0, len(ids)+1)
		ptrs = append(ptrs, &key)
		for i := range vals {
			ptrs = append(ptrs, &vals[i])
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := domain.Row{Key: key, Values: make(map[int64]any, len(ids))}
		for i, id := range ids {
			if vals[i] == nil {
				continue
			}
			if b, ok := vals[i].([]byte); ok {
				row.Values[id] = string(b)
			} else {
				row.Values[id] = vals[i]
			}
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func (a *SQLiteAdapter) Count(ctx context.Context, tableID, partitionID int64) (int64, error) {
	table := partitionTable(tableID, partitionID)

	a.mu.Lock()
	cols, err := a.loadColumns(ctx, table)
	a.mu.Unlock()
	if err != nil {
		return 0, err
	}
	if cols == nil {
		return 0, nil
	}

	var n int64
	if err := a.db.QueryRowContext(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s", table)).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s: %w", table, err)
	}
	return n, nil
}
