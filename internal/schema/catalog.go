// Package schema checks that the database holds the objects the configured
// projections need, and generates the DDL to create them.
//
// Assert returns every discrepancy as data. AssertStrict wraps a non-empty
// result in a *MismatchError so startup can fail fast before any write.
package schema

import (
	"context"

	"github.com/roach88/flatline/internal/flat"
)

// Catalog introspects one database.
type Catalog interface {
	// Dialect is the engine the catalog describes; it fixes the expected
	// column type names.
	Dialect() flat.Dialect
	// Tables lists the tables in a schema with their columns, primary key
	// and indexes. Engines without schemas ignore the argument.
	Tables(ctx context.Context, schema string) ([]Table, error)
	// Functions lists stored function names in a schema.
	Functions(ctx context.Context, schema string) ([]string, error)
}

// Table is a table as reported by a catalog or required by a projection.
type Table struct {
	Name       string   `json:"name"`
	Columns    []Column `json:"columns"`
	PrimaryKey []string `json:"primary_key"`
	Indexes    []Index  `json:"indexes,omitempty"`
}

// Column is one table column. Type is the engine's type name.
type Column struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Nullable bool   `json:"nullable"`
}

// Index is a secondary index.
type Index struct {
	Name    string   `json:"name"`
	Columns []string `json:"columns"`
	Unique  bool     `json:"unique,omitempty"`
}

// Column returns the column with the given name.
func (t Table) Column(name string) (Column, bool) {
	for _, c := range t.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return Column{}, false
}

// Index returns the index with the given name.
func (t Table) Index(name string) (Index, bool) {
	for _, ix := range t.Indexes {
		if ix.Name == name {
			return ix, true
		}
	}
	return Index{}, false
}
