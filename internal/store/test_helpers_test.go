package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roach88/flatline/internal/testutil"
)

// createTestStore opens a log in a temp directory with a logical clock.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"), WithClock(testutil.NewClock().Now))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func tableColumns(t *testing.T, s *Store, table string) []string {
	t.Helper()
	tables, err := s.Catalog().Tables(context.Background(), "")
	require.NoError(t, err)
	for _, tbl := range tables {
		if tbl.Name != table {
			continue
		}
		cols := make([]string, len(tbl.Columns))
		for i, c := range tbl.Columns {
			cols[i] = c.Name
		}
		return cols
	}
	t.Fatalf("table %q not found", table)
	return nil
}
