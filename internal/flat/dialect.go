package flat

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/roach88/flatline/internal/ir"
	"github.com/roach88/flatline/internal/projection"
)

// Statement is one SQL statement with positional arguments. When Insert is
// set, SQL updates an existing row and Insert creates the row if the update
// matched nothing. Use Exec to run it.
type Statement struct {
	SQL    string
	Args   []any
	Insert *Statement
}

// Dialect renders writes and DDL fragments for one database engine.
type Dialect interface {
	// Name is the engine name used in configuration ("sqlite", "postgres").
	Name() string
	// SQLType is the column type used in DDL and reported by the catalog.
	SQLType(projection.ColumnType) string
	// Table is the table reference used in statements.
	Table(def *projection.Definition) string
	// Rebind rewrites ? placeholders into the engine's form.
	Rebind(query string) string
	// Render produces the statement for a WriteOp. Noop renders to an empty
	// statement.
	Render(def *projection.Definition, op WriteOp) (Statement, error)

	placeholder(n int, typ projection.ColumnType) string
}

var (
	// SQLite renders for github.com/mattn/go-sqlite3. Schemas are ignored.
	SQLite Dialect = sqliteDialect{}
	// Postgres renders for pgx, with typed placeholders and schema-qualified tables.
	Postgres Dialect = postgresDialect{}
)

// DialectFor returns the dialect with the given name.
func DialectFor(name string) (Dialect, error) {
	switch name {
	case "sqlite", "sqlite3":
		return SQLite, nil
	case "postgres", "postgresql", "pgx":
		return Postgres, nil
	default:
		return nil, fmt.Errorf("unknown dialect %q", name)
	}
}

type sqliteDialect struct{}

func (sqliteDialect) Name() string { return "sqlite" }

func (sqliteDialect) SQLType(t projection.ColumnType) string {
	switch t {
	case projection.TypeInteger:
		return "INTEGER"
	case projection.TypeBoolean:
		return "BOOLEAN"
	default:
		return "TEXT"
	}
}

func (sqliteDialect) Table(def *projection.Definition) string { return def.Table }

func (sqliteDialect) Rebind(query string) string { return query }

func (sqliteDialect) placeholder(int, projection.ColumnType) string { return "?" }

func (d sqliteDialect) Render(def *projection.Definition, op WriteOp) (Statement, error) {
	if def.EffectiveStrategy() == projection.StrategyFunction {
		return Statement{}, fmt.Errorf("projection %s: sqlite has no stored upsert functions", def.Name)
	}
	return render(d, def, op)
}

type postgresDialect struct{}

func (postgresDialect) Name() string { return "postgres" }

func (postgresDialect) SQLType(t projection.ColumnType) string {
	switch t {
	case projection.TypeInteger:
		return "int8"
	case projection.TypeBoolean:
		return "bool"
	case projection.TypeTimestamp:
		return "timestamptz"
	case projection.TypeUUID:
		return "uuid"
	case projection.TypeJSON:
		return "jsonb"
	default:
		return "text"
	}
}

func (postgresDialect) Table(def *projection.Definition) string { return def.QualifiedTable() }

func (postgresDialect) Rebind(query string) string {
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (d postgresDialect) placeholder(n int, typ projection.ColumnType) string {
	return "$" + strconv.Itoa(n) + "::" + d.SQLType(typ)
}

func (d postgresDialect) Render(def *projection.Definition, op WriteOp) (Statement, error) {
	if op.Kind != Upsert || def.EffectiveStrategy() != projection.StrategyFunction {
		return render(d, def, op)
	}

	args := make([]any, 0, len(op.Assignments)+1)
	params := make([]string, 0, len(op.Assignments)+1)
	args = append(args, driverValue(op.Key))
	params = append(params, d.placeholder(1, def.Key.Type))
	for _, a := range op.Assignments {
		typ, err := columnType(def, a.Column)
		if err != nil {
			return Statement{}, err
		}
		args = append(args, driverValue(a.Value))
		params = append(params, d.placeholder(len(args), typ))
	}
	fn := def.UpsertFunction(op.EventType)
	if def.Schema != "" {
		fn = def.Schema + "." + fn
	}
	return Statement{
		SQL:  fmt.Sprintf("SELECT %s(%s)", fn, strings.Join(params, ", ")),
		Args: args,
	}, nil
}

func render(d Dialect, def *projection.Definition, op WriteOp) (Statement, error) {
	switch op.Kind {
	case Noop:
		return Statement{}, nil
	case Delete:
		return Statement{
			SQL:  fmt.Sprintf("DELETE FROM %s WHERE %s = %s", d.Table(def), def.Key.Name, d.placeholder(1, def.Key.Type)),
			Args: []any{driverValue(op.Key)},
		}, nil
	case Upsert:
		return renderUpsert(d, def, op)
	default:
		return Statement{}, fmt.Errorf("unknown write kind %d", op.Kind)
	}
}

// renderUpsert updates the row in place and inserts it only when the update
// matched nothing. Columns the rule does not write are never part of an
// existing row's write, so their NOT NULL constraints only apply on create.
func renderUpsert(d Dialect, def *projection.Definition, op WriteOp) (Statement, error) {
	n := len(op.Assignments)
	cols := make([]string, n)
	modes := make([]AssignMode, n)
	types := make([]projection.ColumnType, n)
	vals := make([]any, n)
	for i, a := range op.Assignments {
		typ, err := columnType(def, a.Column)
		if err != nil {
			return Statement{}, err
		}
		cols[i], modes[i], types[i], vals[i] = a.Column, a.Mode, typ, driverValue(a.Value)
	}
	key := driverValue(op.Key)

	insertValues := make([]string, n)
	for i := range cols {
		insertValues[i] = d.placeholder(i+2, types[i])
	}
	insert := Statement{
		SQL:  InsertSQL(d, def, d.placeholder(1, def.Key.Type), cols, insertValues),
		Args: append([]any{key}, vals...),
	}
	if n == 0 {
		insert.SQL += " ON CONFLICT (" + def.Key.Name + ") DO NOTHING"
		return insert, nil
	}

	updateValues := make([]string, n)
	for i := range cols {
		updateValues[i] = d.placeholder(i+1, types[i])
	}
	return Statement{
		SQL:    UpdateSQL(d, def, d.placeholder(n+1, def.Key.Type), cols, modes, updateValues),
		Args:   append(vals, key),
		Insert: &insert,
	}, nil
}

// UpdateSQL builds the UPDATE merging cols into the row identified by
// keyValue. values are SQL expressions (placeholders or function
// parameters); Add columns treat NULL as 0.
func UpdateSQL(d Dialect, def *projection.Definition, keyValue string, cols []string, modes []AssignMode, values []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "UPDATE %s SET ", d.Table(def))
	for i, c := range cols {
		if i > 0 {
			b.WriteString(", ")
		}
		if modes[i] == Add {
			fmt.Fprintf(&b, "%s = COALESCE(%s, 0) + %s", c, c, values[i])
		} else {
			fmt.Fprintf(&b, "%s = %s", c, values[i])
		}
	}
	fmt.Fprintf(&b, " WHERE %s = %s", def.Key.Name, keyValue)
	return b.String()
}

// InsertSQL builds the INSERT creating a row with the key and cols.
func InsertSQL(d Dialect, def *projection.Definition, keyValue string, cols []string, values []string) string {
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		d.Table(def),
		strings.Join(append([]string{def.Key.Name}, cols...), ", "),
		strings.Join(append([]string{keyValue}, values...), ", "))
}

// RuleColumns returns the columns a create-capable rule writes, in op
// order, with their merge modes.
func RuleColumns(rule projection.Rule) ([]string, []AssignMode) {
	cols := make([]string, 0, len(rule.Ops))
	modes := make([]AssignMode, 0, len(rule.Ops))
	for _, o := range rule.Ops {
		if o.Kind == projection.OpDelete {
			continue
		}
		mode := Set
		if o.Kind == projection.OpIncrement {
			mode = Add
		}
		cols = append(cols, o.Column)
		modes = append(modes, mode)
	}
	return cols, modes
}

func columnType(def *projection.Definition, name string) (projection.ColumnType, error) {
	col, ok := def.Column(name)
	if !ok {
		return "", fmt.Errorf("projection %s: unknown column %q", def.Name, name)
	}
	return col.Type, nil
}

// driverValue converts a coerced value into a database/sql argument.
func driverValue(v ir.Value) any {
	switch x := v.(type) {
	case ir.String:
		return string(x)
	case ir.Int:
		return int64(x)
	case ir.Bool:
		return bool(x)
	case nil, ir.Null:
		return nil
	default:
		return ir.Format(x)
	}
}
