package schema

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	"github.com/roach88/flatline/internal/flat"
	"github.com/roach88/flatline/internal/ir"
	"github.com/roach88/flatline/internal/projection"
)

// CreateStatements returns idempotent DDL creating everything def needs:
// the schema (Postgres), the table, its indexes, and the upsert functions
// when the function strategy is used.
func CreateStatements(def *projection.Definition, d flat.Dialect) []string {
	var stmts []string
	postgres := d.Name() == flat.Postgres.Name()
	if postgres && def.Schema != "" {
		stmts = append(stmts, "CREATE SCHEMA IF NOT EXISTS "+def.Schema)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "CREATE TABLE IF NOT EXISTS %s (\n", d.Table(def))
	fmt.Fprintf(&b, "\t%s %s NOT NULL PRIMARY KEY", def.Key.Name, d.SQLType(def.Key.Type))
	for _, c := range def.Columns {
		fmt.Fprintf(&b, ",\n\t%s %s", c.Name, d.SQLType(c.Type))
		if !c.Nullable {
			b.WriteString(" NOT NULL")
		}
		if c.Default != nil {
			b.WriteString(" DEFAULT ")
			b.WriteString(Literal(c.Default))
		}
	}
	b.WriteString("\n)")
	stmts = append(stmts, b.String())

	for _, ix := range def.Indexes {
		unique := ""
		if ix.Unique {
			unique = "UNIQUE "
		}
		stmts = append(stmts, fmt.Sprintf("CREATE %sINDEX IF NOT EXISTS %s ON %s (%s)",
			unique, IndexName(def, ix), d.Table(def), strings.Join(ix.Columns, ", ")))
	}

	if postgres && def.EffectiveStrategy() == projection.StrategyFunction {
		for _, r := range def.Rules {
			if r.Deletes() {
				continue
			}
			stmts = append(stmts, upsertFunction(def, r, d))
		}
	}
	return stmts
}

func upsertFunction(def *projection.Definition, rule projection.Rule, d flat.Dialect) string {
	cols, modes := flat.RuleColumns(rule)
	params := make([]string, 0, len(cols)+1)
	values := make([]string, len(cols))
	params = append(params, "p_"+def.Key.Name+" "+d.SQLType(def.Key.Type))
	for i, c := range cols {
		typ := projection.TypeText
		if col, ok := def.Column(c); ok {
			typ = col.Type
		}
		params = append(params, "p_"+c+" "+d.SQLType(typ))
		values[i] = "p_" + c
	}
	fn := def.UpsertFunction(rule.EventType)
	if def.Schema != "" {
		fn = def.Schema + "." + fn
	}
	key := "p_" + def.Key.Name
	insert := flat.InsertSQL(d, def, key, cols, values)

	var body strings.Builder
	body.WriteString("BEGIN\n")
	if len(cols) == 0 {
		fmt.Fprintf(&body, "\t%s ON CONFLICT (%s) DO NOTHING;\n", insert, def.Key.Name)
	} else {
		fmt.Fprintf(&body, "\t%s;\n", flat.UpdateSQL(d, def, key, cols, modes, values))
		fmt.Fprintf(&body, "\tIF NOT FOUND THEN\n\t\t%s;\n\tEND IF;\n", insert)
	}
	body.WriteString("END")
	return fmt.Sprintf("CREATE OR REPLACE FUNCTION %s(%s) RETURNS void LANGUAGE plpgsql AS $$\n%s\n$$",
		fn, strings.Join(params, ", "), body.String())
}

// TeardownStatement empties the projected table.
func TeardownStatement(def *projection.Definition, d flat.Dialect) string {
	if d.Name() == flat.Postgres.Name() {
		return "TRUNCATE TABLE " + d.Table(def)
	}
	return "DELETE FROM " + d.Table(def)
}

// Literal renders a constant as a SQL literal for DEFAULT clauses.
func Literal(v ir.Value) string {
	switch x := v.(type) {
	case ir.String:
		return "'" + strings.ReplaceAll(string(x), "'", "''") + "'"
	case ir.Int:
		return strconv.FormatInt(int64(x), 10)
	case ir.Bool:
		if x {
			return "TRUE"
		}
		return "FALSE"
	case nil, ir.Null:
		return "NULL"
	default:
		return "'" + strings.ReplaceAll(ir.Format(x), "'", "''") + "'"
	}
}

// Apply executes the DDL for every definition in one transaction.
func Apply(ctx context.Context, db *sql.DB, d flat.Dialect, defs []*projection.Definition) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema transaction: %w", err)
	}
	defer tx.Rollback()

	for _, def := range defs {
		for _, stmt := range CreateStatements(def, d) {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("apply schema for %s: %w", def.Name, err)
			}
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema: %w", err)
	}
	return nil
}
