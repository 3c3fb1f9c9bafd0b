package flat_test

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/flatline/internal/flat"
	"github.com/roach88/flatline/internal/ir"
	"github.com/roach88/flatline/internal/projection"
	"github.com/roach88/flatline/internal/schema"
	"github.com/roach88/flatline/internal/testutil"
)

func openTarget(t *testing.T, def *projection.Definition) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", filepath.Join(t.TempDir(), "flat.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, schema.Apply(context.Background(), db, flat.SQLite, []*projection.Definition{def}))
	return db
}

func project(t *testing.T, db *sql.DB, def *projection.Definition, pos int64, ne ir.NewEvent) {
	t.Helper()
	op, err := flat.Apply(event(pos, ne), def)
	require.NoError(t, err)
	stmt, err := flat.SQLite.Render(def, op)
	require.NoError(t, err)
	require.NoError(t, flat.Exec(context.Background(), db, stmt))
}

func TestExec_UpdatesExistingRowInPlace(t *testing.T) {
	def := testutil.ImportHistory()
	db := openTarget(t, def)

	project(t, db, def, 1, testutil.ImportStarted("Customers", "c-1", 3))
	project(t, db, def, 2, testutil.ImportProgress("step-1", 40, 1))
	project(t, db, def, 3, testutil.ImportProgress("step-2", 2, 0))
	project(t, db, def, 4, testutil.ImportFinished())

	var (
		count    int
		activity string
		step     int64
		records  int64
		status   string
	)
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM import_history").Scan(&count))
	assert.Equal(t, 1, count)

	require.NoError(t, db.QueryRow(
		"SELECT activity_type, step_number, records, status FROM import_history WHERE id = ?", importID,
	).Scan(&activity, &step, &records, &status))
	assert.Equal(t, "Customers", activity)
	assert.Equal(t, int64(2), step)
	assert.Equal(t, int64(42), records)
	assert.Equal(t, "completed", status)
}

func TestExec_InsertsWhenNoRowMatches(t *testing.T) {
	def := projection.NewBuilder("counts", "counts").Key("id", projection.TypeText).
		On("Tick", projection.IncrementBy("n", 5)).
		MustBuild()
	db := openTarget(t, def)
	op := flat.WriteOp{Kind: flat.Upsert, Key: ir.String("k"), Assignments: []flat.Assignment{
		{Column: "n", Mode: flat.Add, Value: ir.Int(5)},
	}}

	stmt, err := flat.SQLite.Render(def, op)
	require.NoError(t, err)
	require.NoError(t, flat.Exec(context.Background(), db, stmt))
	require.NoError(t, flat.Exec(context.Background(), db, stmt))

	var n int64
	require.NoError(t, db.QueryRow("SELECT n FROM counts WHERE id = 'k'").Scan(&n))
	assert.Equal(t, int64(10), n)
}

func TestExec_EmptyStatementIsNoop(t *testing.T) {
	assert.NoError(t, flat.Exec(context.Background(), nil, flat.Statement{}))
}
