package harness

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/sebdah/goldie/v2"
)

// Snapshot renders a result as stable text: one section per projection
// with its mark, final state and rows. Columns are sorted by name and rows
// by primary key.
func Snapshot(result *Result) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "scenario %s\n", result.Scenario)
	for _, name := range result.Projections {
		fmt.Fprintf(&b, "\nprojection %s\n", name)
		fmt.Fprintf(&b, "mark: %d\n", result.Marks[name])
		fmt.Fprintf(&b, "state: %s\n", result.Statuses[name].State)
		if code := errorCode(result.Failures[name]); code != "" {
			fmt.Fprintf(&b, "error: %s\n", code)
		}
		table := result.Tables[name]
		if table == nil {
			continue
		}
		fmt.Fprintf(&b, "table %s: %d rows\n", table.Name, len(table.Rows))
		for _, row := range table.Rows {
			parts := make([]string, 0, len(table.Columns))
			for _, col := range table.Columns {
				parts = append(parts, col+"="+formatValue(row[col]))
			}
			fmt.Fprintf(&b, "- %s\n", strings.Join(parts, " "))
		}
	}
	return []byte(b.String())
}

// RunWithGolden executes a scenario and compares its snapshot against
// testdata/golden/{scenario.Name}.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
func RunWithGolden(t *testing.T, scenario *Scenario) (*Result, error) {
	t.Helper()
	result, err := Run(context.Background(), scenario)
	if err != nil {
		return nil, err
	}
	AssertGolden(t, scenario.Name, result)
	return result, nil
}

// AssertGolden compares an existing result against its golden file.
func AssertGolden(t *testing.T, name string, result *Result) {
	t.Helper()
	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, name, Snapshot(result))
}
