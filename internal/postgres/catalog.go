package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/roach88/flatline/internal/flat"
	"github.com/roach88/flatline/internal/schema"
)

// Catalog reads table, index and function metadata from information_schema
// and pg_catalog. Column types are reported as udt_name (int8, timestamptz,
// jsonb) to match flat.Postgres.
type Catalog struct {
	pool *pgxpool.Pool
}

// NewCatalog creates a catalog over pool.
func NewCatalog(pool *pgxpool.Pool) *Catalog {
	return &Catalog{pool: pool}
}

// Dialect returns flat.Postgres.
func (c *Catalog) Dialect() flat.Dialect { return flat.Postgres }

const columnsQuery = `
	SELECT table_name, column_name, udt_name, is_nullable = 'YES'
	FROM information_schema.columns
	WHERE table_schema = $1
	ORDER BY table_name, ordinal_position`

const primaryKeysQuery = `
	SELECT tc.table_name, kcu.column_name
	FROM information_schema.table_constraints tc
	JOIN information_schema.key_column_usage kcu
		ON kcu.constraint_name = tc.constraint_name
		AND kcu.table_schema = tc.table_schema
	WHERE tc.table_schema = $1 AND tc.constraint_type = 'PRIMARY KEY'
	ORDER BY tc.table_name, kcu.ordinal_position`

const indexesQuery = `
	SELECT t.relname, i.relname, ix.indisunique, a.attname
	FROM pg_index ix
	JOIN pg_class i ON i.oid = ix.indexrelid
	JOIN pg_class t ON t.oid = ix.indrelid
	JOIN pg_namespace n ON n.oid = t.relnamespace
	JOIN LATERAL unnest(ix.indkey) WITH ORDINALITY AS k(attnum, ord) ON true
	JOIN pg_attribute a ON a.attrelid = t.oid AND a.attnum = k.attnum
	WHERE n.nspname = $1 AND NOT ix.indisprimary
	ORDER BY t.relname, i.relname, k.ord`

const functionsQuery = `
	SELECT p.proname
	FROM pg_proc p
	JOIN pg_namespace n ON n.oid = p.pronamespace
	WHERE n.nspname = $1
	ORDER BY p.proname`

// Tables lists the tables of one schema.
func (c *Catalog) Tables(ctx context.Context, schemaName string) ([]schema.Table, error) {
	var order []string
	tables := make(map[string]*schema.Table)
	get := func(name string) *schema.Table {
		t, ok := tables[name]
		if !ok {
			t = &schema.Table{Name: name, PrimaryKey: []string{}}
			tables[name] = t
			order = append(order, name)
		}
		return t
	}

	rows, err := c.pool.Query(ctx, columnsQuery, schemaName)
	if err != nil {
		return nil, fmt.Errorf("list columns of %s: %w", schemaName, err)
	}
	var table string
	var col schema.Column
	_, err = pgx.ForEachRow(rows, []any{&table, &col.Name, &col.Type, &col.Nullable}, func() error {
		t := get(table)
		t.Columns = append(t.Columns, col)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan columns of %s: %w", schemaName, err)
	}

	rows, err = c.pool.Query(ctx, primaryKeysQuery, schemaName)
	if err != nil {
		return nil, fmt.Errorf("list primary keys of %s: %w", schemaName, err)
	}
	var column string
	_, err = pgx.ForEachRow(rows, []any{&table, &column}, func() error {
		t := get(table)
		t.PrimaryKey = append(t.PrimaryKey, column)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan primary keys of %s: %w", schemaName, err)
	}

	rows, err = c.pool.Query(ctx, indexesQuery, schemaName)
	if err != nil {
		return nil, fmt.Errorf("list indexes of %s: %w", schemaName, err)
	}
	var index string
	var unique bool
	_, err = pgx.ForEachRow(rows, []any{&table, &index, &unique, &column}, func() error {
		t := get(table)
		n := len(t.Indexes)
		if n == 0 || t.Indexes[n-1].Name != index {
			t.Indexes = append(t.Indexes, schema.Index{Name: index, Unique: unique})
			n++
		}
		t.Indexes[n-1].Columns = append(t.Indexes[n-1].Columns, column)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan indexes of %s: %w", schemaName, err)
	}

	out := make([]schema.Table, len(order))
	for i, name := range order {
		out[i] = *tables[name]
	}
	return out, nil
}

// Functions lists the function names defined in a schema.
func (c *Catalog) Functions(ctx context.Context, schemaName string) ([]string, error) {
	rows, err := c.pool.Query(ctx, functionsQuery, schemaName)
	if err != nil {
		return nil, fmt.Errorf("list functions of %s: %w", schemaName, err)
	}
	names, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("scan functions of %s: %w", schemaName, err)
	}
	return names, nil
}
