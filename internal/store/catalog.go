package store

import (
	"context"
	"database/sql"
	"fmt"
	"sort"

	"github.com/roach88/flatline/internal/flat"
	"github.com/roach88/flatline/internal/schema"
)

// Catalog introspects a SQLite database through sqlite_master and the
// table-valued pragma functions. Schemas do not apply to SQLite and are
// ignored.
type Catalog struct {
	db *sql.DB
}

// NewCatalog creates a catalog over db.
func NewCatalog(db *sql.DB) *Catalog {
	return &Catalog{db: db}
}

// Dialect returns flat.SQLite.
func (c *Catalog) Dialect() flat.Dialect { return flat.SQLite }

// Functions returns nil: SQLite has no stored functions.
func (c *Catalog) Functions(context.Context, string) ([]string, error) { return nil, nil }

// Tables lists user tables with their columns, primary key and explicitly
// created indexes.
//
// Each query is drained before the next one runs; the store allows a single
// open connection.
func (c *Catalog) Tables(ctx context.Context, _ string) ([]schema.Table, error) {
	names, err := c.stringList(ctx, `
		SELECT name FROM sqlite_master
		WHERE type = 'table' AND name NOT LIKE 'sqlite_%'
		ORDER BY name ASC`)
	if err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}

	tables := make([]schema.Table, 0, len(names))
	for _, name := range names {
		t, err := c.table(ctx, name)
		if err != nil {
			return nil, err
		}
		tables = append(tables, t)
	}
	return tables, nil
}

func (c *Catalog) table(ctx context.Context, name string) (schema.Table, error) {
	t := schema.Table{Name: name, PrimaryKey: []string{}}

	rows, err := c.db.QueryContext(ctx,
		`SELECT name, type, "notnull", pk FROM pragma_table_info(?) ORDER BY cid`, name)
	if err != nil {
		return t, fmt.Errorf("columns of %s: %w", name, err)
	}
	type pkCol struct {
		name  string
		order int
	}
	var pks []pkCol
	for rows.Next() {
		var col schema.Column
		var notNull, pk int
		if err := rows.Scan(&col.Name, &col.Type, &notNull, &pk); err != nil {
			rows.Close()
			return t, fmt.Errorf("scan column of %s: %w", name, err)
		}
		col.Nullable = notNull == 0
		if pk > 0 {
			pks = append(pks, pkCol{name: col.Name, order: pk})
			col.Nullable = false
		}
		t.Columns = append(t.Columns, col)
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return t, fmt.Errorf("iterate columns of %s: %w", name, err)
	}
	sort.Slice(pks, func(i, j int) bool { return pks[i].order < pks[j].order })
	for _, pk := range pks {
		t.PrimaryKey = append(t.PrimaryKey, pk.name)
	}

	type indexRow struct {
		name   string
		unique bool
	}
	var indexes []indexRow
	rows, err = c.db.QueryContext(ctx,
		`SELECT name, "unique" FROM pragma_index_list(?) WHERE origin = 'c' ORDER BY name ASC`, name)
	if err != nil {
		return t, fmt.Errorf("indexes of %s: %w", name, err)
	}
	for rows.Next() {
		var ix indexRow
		var unique int
		if err := rows.Scan(&ix.name, &unique); err != nil {
			rows.Close()
			return t, fmt.Errorf("scan index of %s: %w", name, err)
		}
		ix.unique = unique == 1
		indexes = append(indexes, ix)
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return t, fmt.Errorf("iterate indexes of %s: %w", name, err)
	}

	for _, ix := range indexes {
		cols, err := c.stringList(ctx, `SELECT name FROM pragma_index_info(?) ORDER BY seqno`, ix.name)
		if err != nil {
			return t, fmt.Errorf("columns of index %s: %w", ix.name, err)
		}
		t.Indexes = append(t.Indexes, schema.Index{Name: ix.name, Columns: cols, Unique: ix.unique})
	}
	return t, nil
}

func (c *Catalog) stringList(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
