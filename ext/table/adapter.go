// Package table implements the broker's persistent ordered keyed-store
// extension: one sqlite-backed table per identifier, with a capped
// in-memory cache, listener fan-out, and an ordered write-proxy pipeline.
package table

import (
	"context"
	"database/sql"
	"fmt"
	"sort"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"

	"github.com/omuhub/broker/packets"

	_ "modernc.org/sqlite"
)

// row is one persisted key/value pair. id is the insertion-order-preserving
// autoincrement column; updates keep the existing id.
type row struct {
	bun.BaseModel `bun:"table:data"`

	ID    int64  `bun:"id,pk,autoincrement"`
	Key   string `bun:"key,unique,notnull"`
	Value []byte `bun:"value"`
}

// adapter is the sqlite-backed persistence layer for one table, following
// the broker's bun+modernc.org/sqlite convention.
type adapter struct {
	db *bun.DB
}

func openAdapter(ctx context.Context, path string) (*adapter, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("table: open sqlite: %w", err)
	}
	if _, err := conn.ExecContext(ctx, "PRAGMA busy_timeout = 5000"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("table: set busy_timeout: %w", err)
	}
	if _, err := conn.ExecContext(ctx, "PRAGMA journal_mode = WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("table: enable WAL: %w", err)
	}
	conn.SetMaxIdleConns(1)

	db := bun.NewDB(conn, sqlitedialect.New())
	if _, err := db.NewCreateTable().Model((*row)(nil)).IfNotExists().Exec(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("table: create data table: %w", err)
	}
	return &adapter{db: db}, nil
}

func (a *adapter) Close() error { return a.db.Close() }

func (a *adapter) Get(ctx context.Context, key string) ([]byte, bool, error) {
	r := new(row)
	err := a.db.NewSelect().Model(r).Where("key = ?", key).Scan(ctx)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("table: get %q: %w", key, err)
	}
	return r.Value, true, nil
}

// GetAll returns the rows matching keys, in the order keys were requested.
// Keys with no matching row are omitted.
func (a *adapter) GetAll(ctx context.Context, keys []string) ([]packets.TableItem, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	var rows []row
	if err := a.db.NewSelect().Model(&rows).Where("key IN (?)", bun.In(keys)).Scan(ctx); err != nil {
		return nil, fmt.Errorf("table: get_all: %w", err)
	}
	byKey := make(map[string][]byte, len(rows))
	for _, r := range rows {
		byKey[r.Key] = r.Value
	}
	out := make([]packets.TableItem, 0, len(rows))
	for _, k := range keys {
		if v, ok := byKey[k]; ok {
			out = append(out, packets.TableItem{Key: k, Value: v})
		}
	}
	return out, nil
}

// SetAll inserts or replaces items, preserving each key's existing row id
// (and therefore its insertion-order position) on update, and assigning new
// rows ids in items' order so a later FETCH_ALL reads them back in
// add-order. A repeated key keeps its first slot but its last value.
func (a *adapter) SetAll(ctx context.Context, items []packets.TableItem) error {
	if len(items) == 0 {
		return nil
	}
	rows := make([]*row, 0, len(items))
	index := make(map[string]int, len(items))
	for _, it := range items {
		if i, dup := index[it.Key]; dup {
			rows[i].Value = it.Value
			continue
		}
		index[it.Key] = len(rows)
		rows = append(rows, &row{Key: it.Key, Value: it.Value})
	}
	_, err := a.db.NewInsert().
		Model(&rows).
		On("CONFLICT (key) DO UPDATE").
		Set("value = EXCLUDED.value").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("table: set_all: %w", err)
	}
	return nil
}

func (a *adapter) RemoveAll(ctx context.Context, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	_, err := a.db.NewDelete().Model((*row)(nil)).Where("key IN (?)", bun.In(keys)).Exec(ctx)
	if err != nil {
		return fmt.Errorf("table: remove_all: %w", err)
	}
	return nil
}

func (a *adapter) Clear(ctx context.Context) error {
	_, err := a.db.NewDelete().Model((*row)(nil)).Where("1 = 1").Exec(ctx)
	if err != nil {
		return fmt.Errorf("table: clear: %w", err)
	}
	return nil
}

func (a *adapter) Size(ctx context.Context) (int, error) {
	n, err := a.db.NewSelect().Model((*row)(nil)).Count(ctx)
	if err != nil {
		return 0, fmt.Errorf("table: size: %w", err)
	}
	return n, nil
}

// FetchAll returns every row in add-order (ascending row id).
func (a *adapter) FetchAll(ctx context.Context) ([]packets.TableItem, error) {
	var rows []row
	if err := a.db.NewSelect().Model(&rows).OrderExpr("id ASC").Scan(ctx); err != nil {
		return nil, fmt.Errorf("table: fetch_all: %w", err)
	}
	out := make([]packets.TableItem, len(rows))
	for i, r := range rows {
		out[i] = packets.TableItem{Key: r.Key, Value: r.Value}
	}
	return out, nil
}

// FetchItems implements the spec's windowed-fetch rule: cursor resolves to
// a row id; before selects up to N rows with id<=cursor descending, after
// selects up to N rows with id>=cursor ascending, both present unions the
// two and returns in descending-id order, neither present is a full scan.
func (a *adapter) FetchItems(ctx context.Context, before, after int, cursor string) ([]packets.TableItem, error) {
	var cursorID int64
	haveCursor := false
	if cursor != "" {
		r := new(row)
		err := a.db.NewSelect().Model(r).Where("key = ?", cursor).Scan(ctx)
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("table: cursor %q not found", cursor)
		}
		if err != nil {
			return nil, fmt.Errorf("table: resolve cursor: %w", err)
		}
		cursorID = r.ID
		haveCursor = true
	}

	if before <= 0 && after <= 0 {
		return a.FetchAll(ctx)
	}

	type idRow struct {
		ID    int64
		Key   string
		Value []byte
	}
	combined := make(map[int64]idRow)

	if before > 0 {
		var rows []row
		q := a.db.NewSelect().Model(&rows).OrderExpr("id DESC").Limit(before)
		if haveCursor {
			q = q.Where("id <= ?", cursorID)
		}
		if err := q.Scan(ctx); err != nil {
			return nil, fmt.Errorf("table: fetch before: %w", err)
		}
		for _, r := range rows {
			combined[r.ID] = idRow{ID: r.ID, Key: r.Key, Value: r.Value}
		}
	}
	if after > 0 {
		var rows []row
		q := a.db.NewSelect().Model(&rows).OrderExpr("id ASC").Limit(after)
		if haveCursor {
			q = q.Where("id >= ?", cursorID)
		}
		if err := q.Scan(ctx); err != nil {
			return nil, fmt.Errorf("table: fetch after: %w", err)
		}
		for _, r := range rows {
			combined[r.ID] = idRow{ID: r.ID, Key: r.Key, Value: r.Value}
		}
	}

	ids := make([]int64, 0, len(combined))
	for id := range combined {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] > ids[j] })

	out := make([]packets.TableItem, len(ids))
	for i, id := range ids {
		r := combined[id]
		out[i] = packets.TableItem{Key: r.Key, Value: r.Value}
	}
	return out, nil
}
