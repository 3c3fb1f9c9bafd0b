package schema

import (
	"strings"

	"github.com/roach88/flatline/internal/flat"
	"github.com/roach88/flatline/internal/projection"
)

// DefaultPostgresSchema is used for definitions without a schema on Postgres.
const DefaultPostgresSchema = "public"

// Requirement is what one projection needs from the database.
type Requirement struct {
	Projection string   `json:"projection"`
	Schema     string   `json:"schema"`
	Table      Table    `json:"table"`
	Functions  []string `json:"functions,omitempty"`
}

// Requirements derives the required objects for each definition, using the
// dialect's type names.
func Requirements(defs []*projection.Definition, d flat.Dialect) []Requirement {
	reqs := make([]Requirement, 0, len(defs))
	for _, def := range defs {
		reqs = append(reqs, requirementFor(def, d))
	}
	return reqs
}

func requirementFor(def *projection.Definition, d flat.Dialect) Requirement {
	table := Table{
		Name:       def.Table,
		PrimaryKey: []string{def.Key.Name},
		Columns:    make([]Column, 0, len(def.Columns)+1),
	}
	table.Columns = append(table.Columns, Column{Name: def.Key.Name, Type: d.SQLType(def.Key.Type)})
	for _, c := range def.Columns {
		table.Columns = append(table.Columns, Column{Name: c.Name, Type: d.SQLType(c.Type), Nullable: c.Nullable})
	}
	for _, ix := range def.Indexes {
		table.Indexes = append(table.Indexes, Index{
			Name:    IndexName(def, ix),
			Columns: ix.Columns,
			Unique:  ix.Unique,
		})
	}

	req := Requirement{Projection: def.Name, Schema: schemaFor(def, d), Table: table}
	if def.EffectiveStrategy() == projection.StrategyFunction {
		req.Functions = def.UpsertFunctions()
	}
	return req
}

// IndexName returns the index's declared name or ix_<table>_<columns>.
func IndexName(def *projection.Definition, ix projection.Index) string {
	if ix.Name != "" {
		return ix.Name
	}
	return "ix_" + def.Table + "_" + strings.Join(ix.Columns, "_")
}

func schemaFor(def *projection.Definition, d flat.Dialect) string {
	if d.Name() != flat.Postgres.Name() {
		return ""
	}
	if def.Schema == "" {
		return DefaultPostgresSchema
	}
	return def.Schema
}
