package store

import (
	"context"
	"errors"
	"testing"

	"github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/flatline/internal/flat"
	"github.com/roach88/flatline/internal/projection"
	"github.com/roach88/flatline/internal/schema"
	"github.com/roach88/flatline/internal/testutil"
)

func TestCatalog_AppliedSchemaMatches(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	defs := []*projection.Definition{testutil.ImportHistory()}

	require.NoError(t, schema.Apply(ctx, s.DB(), flat.SQLite, defs))

	res, err := schema.Assert(ctx, s.Catalog(), defs)
	require.NoError(t, err)
	assert.True(t, res.OK(), "unexpected discrepancies: %v", res.Discrepancies)
}

func TestCatalog_DescribesTable(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	require.NoError(t, schema.Apply(ctx, s.DB(), flat.SQLite, []*projection.Definition{testutil.ImportHistory()}))

	tables, err := s.Catalog().Tables(ctx, "")
	require.NoError(t, err)

	var tbl schema.Table
	for _, candidate := range tables {
		if candidate.Name == "import_history" {
			tbl = candidate
		}
	}
	require.Equal(t, "import_history", tbl.Name)
	assert.Equal(t, []string{"id"}, tbl.PrimaryKey)

	col, ok := tbl.Column("activity_type")
	require.True(t, ok)
	assert.Equal(t, "TEXT", col.Type)
	assert.False(t, col.Nullable)

	col, ok = tbl.Column("records")
	require.True(t, ok)
	assert.Equal(t, "INTEGER", col.Type)
	assert.True(t, col.Nullable)

	ix, ok := tbl.Index("ix_import_history_customer_id")
	require.True(t, ok)
	assert.Equal(t, []string{"customer_id"}, ix.Columns)
	assert.False(t, ix.Unique)
}

func TestCatalog_DetectsMissingColumn(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	_, err := s.DB().ExecContext(ctx, `CREATE TABLE import_history (id TEXT NOT NULL PRIMARY KEY, status TEXT)`)
	require.NoError(t, err)

	defs := []*projection.Definition{testutil.ImportHistory()}
	res, err := schema.AssertStrict(ctx, s.Catalog(), defs)
	require.Error(t, err)
	assert.True(t, schema.IsMismatch(err))
	assert.False(t, res.OK())

	var kinds []string
	for _, d := range res.For("import_history") {
		kinds = append(kinds, d.Kind)
	}
	assert.Contains(t, kinds, schema.KindMissingColumn)
	assert.Contains(t, kinds, schema.KindMissingIndex)
}

func TestIsTransient(t *testing.T) {
	assert.True(t, IsTransient(sqlite3.Error{Code: sqlite3.ErrBusy}))
	assert.True(t, IsTransient(sqlite3.Error{Code: sqlite3.ErrLocked}))
	assert.False(t, IsTransient(sqlite3.Error{Code: sqlite3.ErrConstraint}))
	assert.False(t, IsTransient(errors.New("boom")))
	assert.False(t, IsTransient(nil))
}
