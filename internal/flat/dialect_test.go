package flat_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/flatline/internal/flat"
	"github.com/roach88/flatline/internal/ir"
	"github.com/roach88/flatline/internal/projection"
	"github.com/roach88/flatline/internal/testutil"
)

func TestSQLite_RenderUpsert(t *testing.T) {
	def := testutil.ImportHistory()
	op, err := flat.Apply(event(2, testutil.ImportProgress("step-1", 40, 1)), def)
	require.NoError(t, err)

	stmt, err := flat.SQLite.Render(def, op)
	require.NoError(t, err)
	assert.Equal(t,
		"UPDATE import_history SET "+
			"step_number = COALESCE(step_number, 0) + ?, "+
			"records = COALESCE(records, 0) + ?, "+
			"status = ? WHERE id = ?",
		stmt.SQL)
	assert.Equal(t, []any{int64(1), int64(40), "working", importID}, stmt.Args)

	require.NotNil(t, stmt.Insert)
	assert.Equal(t,
		"INSERT INTO import_history (id, step_number, records, status) VALUES (?, ?, ?, ?)",
		stmt.Insert.SQL)
	assert.Equal(t, []any{importID, int64(1), int64(40), "working"}, stmt.Insert.Args)
}

func TestSQLite_RenderDelete(t *testing.T) {
	def := testutil.ImportHistory()
	op, err := flat.Apply(event(3, testutil.ImportFailed()), def)
	require.NoError(t, err)

	stmt, err := flat.SQLite.Render(def, op)
	require.NoError(t, err)
	assert.Equal(t, "DELETE FROM import_history WHERE id = ?", stmt.SQL)
	assert.Equal(t, []any{importID}, stmt.Args)
}

func TestRender_Noop(t *testing.T) {
	def := testutil.ImportHistory()
	stmt, err := flat.SQLite.Render(def, flat.WriteOp{Kind: flat.Noop})
	require.NoError(t, err)
	assert.Empty(t, stmt.SQL)
}

func TestSQLite_RenderNullArg(t *testing.T) {
	def := testutil.ImportHistory()
	op, err := flat.Apply(event(5, testutil.ImportFailedWithGuidErrorCode("")), def)
	require.NoError(t, err)

	stmt, err := flat.SQLite.Render(def, op)
	require.NoError(t, err)
	assert.Equal(t, []any{nil, importID}, stmt.Args)
	assert.Equal(t, []any{importID, nil}, stmt.Insert.Args)
}

func TestSQLite_RejectsFunctionStrategy(t *testing.T) {
	def := testutil.ImportHistoryBuilder().Strategy(projection.StrategyFunction).MustBuild()
	op, err := flat.Apply(event(6, testutil.ImportFinished()), def)
	require.NoError(t, err)

	_, err = flat.SQLite.Render(def, op)
	assert.ErrorContains(t, err, "no stored upsert functions")
}

func TestPostgres_RenderUpsert(t *testing.T) {
	def := testutil.ImportHistoryBuilder().Schema("flat_projections").MustBuild()
	op, err := flat.Apply(event(2, testutil.ImportProgress("step-1", 40, 1)), def)
	require.NoError(t, err)

	stmt, err := flat.Postgres.Render(def, op)
	require.NoError(t, err)
	assert.Equal(t,
		"UPDATE flat_projections.import_history SET "+
			"step_number = COALESCE(step_number, 0) + $1::int8, "+
			"records = COALESCE(records, 0) + $2::int8, "+
			"status = $3::text WHERE id = $4::uuid",
		stmt.SQL)
	assert.Equal(t, []any{int64(1), int64(40), "working", importID}, stmt.Args)
	assert.Equal(t,
		"INSERT INTO flat_projections.import_history (id, step_number, records, status) "+
			"VALUES ($1::uuid, $2::int8, $3::int8, $4::text)",
		stmt.Insert.SQL)
}

func TestPostgres_RenderFunctionCall(t *testing.T) {
	def := testutil.ImportHistoryBuilder().
		Schema("flat_projections").
		Strategy(projection.StrategyFunction).
		MustBuild()
	op, err := flat.Apply(event(6, testutil.ImportFinished()), def)
	require.NoError(t, err)

	stmt, err := flat.Postgres.Render(def, op)
	require.NoError(t, err)
	assert.Equal(t, "SELECT flat_projections.upsert_import_history_import_finished($1::uuid, $2::text)", stmt.SQL)
	assert.Equal(t, []any{importID, "completed"}, stmt.Args)
}

func TestPostgres_DeleteIgnoresFunctionStrategy(t *testing.T) {
	def := testutil.ImportHistoryBuilder().Strategy(projection.StrategyFunction).MustBuild()
	op, err := flat.Apply(event(3, testutil.ImportFailed()), def)
	require.NoError(t, err)

	stmt, err := flat.Postgres.Render(def, op)
	require.NoError(t, err)
	assert.Equal(t, "DELETE FROM import_history WHERE id = $1::uuid", stmt.SQL)
}

func TestPostgres_Rebind(t *testing.T) {
	assert.Equal(t,
		"UPDATE t SET a = $1 WHERE b = $2",
		flat.Postgres.Rebind("UPDATE t SET a = ? WHERE b = ?"))
	assert.Equal(t, "SELECT ?", flat.SQLite.Rebind("SELECT ?"))
}

func TestRender_KeyOnlyRule(t *testing.T) {
	def := projection.NewBuilder("p", "t").Key("id", projection.TypeText).
		On("A", projection.SetConstant("x", ir.Int(1))).
		MustBuild()
	op := flat.WriteOp{Kind: flat.Upsert, Key: ir.String("k")}

	stmt, err := flat.SQLite.Render(def, op)
	require.NoError(t, err)
	assert.Equal(t, "INSERT INTO t (id) VALUES (?) ON CONFLICT (id) DO NOTHING", stmt.SQL)
	assert.Equal(t, []any{"k"}, stmt.Args)
	assert.Nil(t, stmt.Insert)
}

func TestRuleColumns(t *testing.T) {
	def := testutil.ImportHistory()
	rule, ok := def.RuleFor("ImportProgress")
	require.True(t, ok)

	cols, modes := flat.RuleColumns(rule)
	assert.Equal(t, []string{"step_number", "records", "status"}, cols)
	assert.Equal(t, []flat.AssignMode{flat.Add, flat.Add, flat.Set}, modes)
}

func TestDialectFor(t *testing.T) {
	d, err := flat.DialectFor("sqlite3")
	require.NoError(t, err)
	assert.Equal(t, "sqlite", d.Name())

	d, err = flat.DialectFor("postgres")
	require.NoError(t, err)
	assert.Equal(t, "postgres", d.Name())

	_, err = flat.DialectFor("mysql")
	assert.Error(t, err)
}

func TestSQLTypes(t *testing.T) {
	assert.Equal(t, "INTEGER", flat.SQLite.SQLType(projection.TypeInteger))
	assert.Equal(t, "BOOLEAN", flat.SQLite.SQLType(projection.TypeBoolean))
	assert.Equal(t, "TEXT", flat.SQLite.SQLType(projection.TypeUUID))
	assert.Equal(t, "timestamptz", flat.Postgres.SQLType(projection.TypeTimestamp))
	assert.Equal(t, "jsonb", flat.Postgres.SQLType(projection.TypeJSON))
	assert.Equal(t, "uuid", flat.Postgres.SQLType(projection.TypeUUID))
}
