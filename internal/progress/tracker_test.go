package progress

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setup(t *testing.T) (*sql.DB, *Tracker) {
	t.Helper()
	db, err := sql.Open("sqlite3", filepath.Join(t.TempDir(), "progress.db"))
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	tr := NewTracker(WithClock(func() time.Time { return now }))
	require.NoError(t, tr.EnsureTable(context.Background(), db))
	require.NoError(t, tr.EnsureTable(context.Background(), db), "idempotent")
	return db, tr
}

func TestLastPosition_NeverRun(t *testing.T) {
	db, tr := setup(t)

	pos, err := tr.LastPosition(context.Background(), db, "import_history")
	require.NoError(t, err)
	assert.Equal(t, int64(0), pos)
}

func TestAdvance_InTransaction(t *testing.T) {
	db, tr := setup(t)
	ctx := context.Background()

	tx, err := db.BeginTx(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, tr.Advance(ctx, tx, "import_history", 4))
	require.NoError(t, tx.Commit())

	pos, err := tr.LastPosition(ctx, db, "import_history")
	require.NoError(t, err)
	assert.Equal(t, int64(4), pos)
}

func TestAdvance_RollbackLeavesMark(t *testing.T) {
	db, tr := setup(t)
	ctx := context.Background()

	require.NoError(t, tr.Advance(ctx, db, "import_history", 2))

	tx, err := db.BeginTx(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, tr.Advance(ctx, tx, "import_history", 9))
	require.NoError(t, tx.Rollback())

	pos, err := tr.LastPosition(ctx, db, "import_history")
	require.NoError(t, err)
	assert.Equal(t, int64(2), pos)
}

func TestAdvance_RefusesRegression(t *testing.T) {
	db, tr := setup(t)
	ctx := context.Background()

	require.NoError(t, tr.Advance(ctx, db, "p", 10))
	require.NoError(t, tr.Advance(ctx, db, "p", 10), "same position is allowed")

	err := tr.Advance(ctx, db, "p", 9)
	require.ErrorIs(t, err, ErrRegression)

	pos, err := tr.LastPosition(ctx, db, "p")
	require.NoError(t, err)
	assert.Equal(t, int64(10), pos)
}

func TestReset(t *testing.T) {
	db, tr := setup(t)
	ctx := context.Background()

	require.NoError(t, tr.Advance(ctx, db, "p", 10))
	require.NoError(t, tr.Reset(ctx, db, "p"))
	require.NoError(t, tr.Reset(ctx, db, "missing"))

	pos, err := tr.LastPosition(ctx, db, "p")
	require.NoError(t, err)
	assert.Equal(t, int64(0), pos)
	require.NoError(t, tr.Advance(ctx, db, "p", 1), "reset allows replay from the start")
}

func TestList(t *testing.T) {
	db, tr := setup(t)
	ctx := context.Background()

	marks, err := tr.List(ctx, db)
	require.NoError(t, err)
	assert.Empty(t, marks)

	require.NoError(t, tr.Advance(ctx, db, "b", 3))
	require.NoError(t, tr.Advance(ctx, db, "a", 7))

	marks, err = tr.List(ctx, db)
	require.NoError(t, err)
	updated := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, []Mark{
		{Projection: "a", Position: 7, UpdatedAt: updated},
		{Projection: "b", Position: 3, UpdatedAt: updated},
	}, marks)
}

func TestWithTable(t *testing.T) {
	tr := NewTracker(WithTable("marks"))
	assert.Equal(t, "marks", tr.Table())
}
