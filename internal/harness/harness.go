package harness

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/roach88/flatline/internal/compiler"
	"github.com/roach88/flatline/internal/daemon"
	"github.com/roach88/flatline/internal/flat"
	"github.com/roach88/flatline/internal/ir"
	"github.com/roach88/flatline/internal/projection"
	"github.com/roach88/flatline/internal/store"
	"github.com/roach88/flatline/internal/testutil"
)

// CatchUpTimeout bounds how long a scenario waits for each projection.
const CatchUpTimeout = 10 * time.Second

// ErrInjectedCommitFailure is returned by the before-commit hook when a
// scenario asks for failing commits.
var ErrInjectedCommitFailure = errors.New("injected commit failure")

// Run executes a scenario against a fresh SQLite database.
//
// Execution flow:
//  1. Compile the projection files
//  2. Append the events with a deterministic clock
//  3. Start the daemon with schema application and wait for every projection
//  4. Stop the daemon and snapshot tables, marks and agent states
//  5. Evaluate the assertions
func Run(ctx context.Context, scenario *Scenario) (*Result, error) {
	defs, err := LoadProjections(scenario.Projections)
	if err != nil {
		return nil, err
	}

	dir, err := os.MkdirTemp("", "flatline-harness-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create scenario directory: %w", err)
	}
	defer os.RemoveAll(dir)

	st, err := store.Open(filepath.Join(dir, "events.db"), store.WithClock(testutil.NewClock().Now))
	if err != nil {
		return nil, fmt.Errorf("failed to open event store: %w", err)
	}
	defer st.Close()

	for i, ev := range scenario.Events {
		if _, err := st.Append(ctx, ev.Stream, store.ExpectAny, ev.NewEvent); err != nil {
			return nil, fmt.Errorf("events[%d]: %w", i, err)
		}
	}

	d, err := daemon.New(st, st.DB(), daemonOptions(scenario, st)...)
	if err != nil {
		return nil, err
	}
	if err := d.Configure(defs, daemon.ModeSolo); err != nil {
		return nil, err
	}
	if err := d.Start(ctx); err != nil {
		return nil, fmt.Errorf("failed to start daemon: %w", err)
	}

	result := NewResult(scenario.Name)
	for _, def := range defs {
		result.Projections = append(result.Projections, def.Name)
		err := d.WaitUntilCaughtUp(ctx, def.Name, CatchUpTimeout)
		switch {
		case errors.Is(err, daemon.ErrCatchUpTimeout):
			result.AddError(err.Error())
		case err != nil:
			result.Failures[def.Name] = err
		}
	}

	stopCtx, cancel := context.WithTimeout(ctx, CatchUpTimeout)
	defer cancel()
	if err := d.Stop(stopCtx); err != nil {
		return nil, err
	}

	if err := snapshot(ctx, st.DB(), d, defs, result); err != nil {
		return nil, err
	}

	for _, msg := range EvaluateAssertions(result, scenario.Assertions) {
		result.AddError(msg)
	}
	for _, name := range result.Projections {
		if err, ok := result.Failures[name]; ok && !expectsFailure(scenario.Assertions, name) {
			result.AddError(fmt.Sprintf("projection %s failed unexpectedly: %v", name, err))
		}
	}
	return result, nil
}

func daemonOptions(scenario *Scenario, st *store.Store) []daemon.Option {
	opts := []daemon.Option{
		daemon.WithLogger(zap.NewNop()),
		daemon.WithCatalog(st.Catalog()),
		daemon.WithApplySchema(true),
		daemon.WithPollInterval(10 * time.Millisecond),
		daemon.WithBatchMaxWait(0),
		daemon.WithRetryIntervals(time.Millisecond, 10*time.Millisecond),
		daemon.WithTransient(func(err error) bool {
			return errors.Is(err, ErrInjectedCommitFailure) || store.IsTransient(err)
		}),
	}
	if scenario.Options.BatchSize > 0 {
		opts = append(opts, daemon.WithBatchSize(scenario.Options.BatchSize))
	}
	if scenario.Options.MaxAttempts > 0 {
		opts = append(opts, daemon.WithMaxAttempts(scenario.Options.MaxAttempts))
	}
	if n := int64(scenario.Faults.FailCommits); n > 0 {
		var failed atomic.Int64
		opts = append(opts, daemon.WithBeforeCommit(func(context.Context, string, []ir.Event) error {
			if failed.Add(1) <= n {
				return ErrInjectedCommitFailure
			}
			return nil
		}))
	}
	return opts
}

// LoadProjections compiles every file and returns the definitions in file
// order.
func LoadProjections(paths []string) ([]*projection.Definition, error) {
	var defs []*projection.Definition
	for _, p := range paths {
		src, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("failed to read projection file: %w", err)
		}
		compiled, err := compiler.CompileSource(p, string(src))
		if err != nil {
			return nil, err
		}
		defs = append(defs, compiled...)
	}
	return defs, nil
}

func snapshot(ctx context.Context, db *sql.DB, d *daemon.Daemon, defs []*projection.Definition, result *Result) error {
	for _, def := range defs {
		status, err := d.Status(def.Name)
		if err != nil {
			return err
		}
		result.Statuses[def.Name] = status

		pos, err := d.Progress().LastPosition(ctx, db, def.Name)
		if err != nil {
			return fmt.Errorf("read mark for %s: %w", def.Name, err)
		}
		result.Marks[def.Name] = pos

		table, err := readTable(ctx, db, def)
		if err != nil {
			return err
		}
		result.Tables[def.Name] = table
	}
	return nil
}

func readTable(ctx context.Context, db *sql.DB, def *projection.Definition) (*Table, error) {
	name := flat.SQLite.Table(def)
	rows, err := db.QueryContext(ctx, fmt.Sprintf("SELECT * FROM %s ORDER BY %s", name, def.Key.Name))
	if err != nil {
		return nil, fmt.Errorf("snapshot %s: %w", name, err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("snapshot %s: %w", name, err)
	}
	table := &Table{Name: name, Key: def.Key.Name, Rows: []Row{}}
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("snapshot %s: %w", name, err)
		}
		row := make(Row, len(cols))
		for i, c := range cols {
			row[c] = normalize(values[i])
		}
		table.Rows = append(table.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("snapshot %s: %w", name, err)
	}

	table.Columns = append([]string(nil), cols...)
	sort.Strings(table.Columns)
	return table, nil
}

// normalize maps driver and YAML values onto a small set of comparable
// types: nil, int64, string, bool.
func normalize(v any) any {
	switch x := v.(type) {
	case int:
		return int64(x)
	case int32:
		return int64(x)
	case []byte:
		return string(x)
	case time.Time:
		return x.UTC().Format(time.RFC3339Nano)
	default:
		return v
	}
}

func expectsFailure(assertions []Assertion, projection string) bool {
	for _, a := range assertions {
		if a.Type == AssertState && a.Projection == projection && a.State == daemon.StateErrored.String() {
			return true
		}
	}
	return false
}
