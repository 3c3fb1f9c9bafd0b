package harness

import (
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/roach88/flatline/internal/daemon"
)

// AssertionError is returned when an assertion fails.
type AssertionError struct {
	Type     string
	Expected string
	Actual   string
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s", e.Actual)
	return buf.String()
}

// EvaluateAssertions checks every assertion and returns the failure
// messages. An empty slice means all assertions passed.
func EvaluateAssertions(result *Result, assertions []Assertion) []string {
	var errs []string
	for i, a := range assertions {
		var err error
		switch a.Type {
		case AssertRow:
			err = assertRow(result, a)
		case AssertRowAbsent:
			err = assertRowAbsent(result, a)
		case AssertRowCount:
			err = assertRowCount(result, a)
		case AssertMark:
			err = assertMark(result, a)
		case AssertState:
			err = assertState(result, a)
		default:
			err = fmt.Errorf("unknown assertion type %q", a.Type)
		}
		if err != nil {
			errs = append(errs, fmt.Sprintf("assertions[%d]: %v", i, err))
		}
	}
	return errs
}

func assertRow(result *Result, a Assertion) error {
	table, err := lookupTable(result, a)
	if err != nil {
		return err
	}
	matches := table.match(a.Where)
	switch len(matches) {
	case 0:
		return &AssertionError{
			Type:     AssertRow,
			Expected: fmt.Sprintf("a row in %s where %s", a.Table, formatValues(a.Where)),
			Actual:   fmt.Sprintf("no match among %d rows", len(table.Rows)),
		}
	case 1:
	default:
		return &AssertionError{
			Type:     AssertRow,
			Expected: fmt.Sprintf("one row in %s where %s", a.Table, formatValues(a.Where)),
			Actual:   fmt.Sprintf("%d rows", len(matches)),
		}
	}

	row := matches[0]
	var diffs []string
	for _, col := range sortedKeys(a.Expect) {
		actual, ok := row[col]
		if !ok {
			diffs = append(diffs, fmt.Sprintf("%s: no such column", col))
			continue
		}
		want := normalize(a.Expect[col])
		if !reflect.DeepEqual(want, actual) {
			diffs = append(diffs, fmt.Sprintf("%s: want %s, got %s", col, formatValue(want), formatValue(actual)))
		}
	}
	if len(diffs) > 0 {
		return &AssertionError{
			Type:     AssertRow,
			Expected: formatValues(a.Expect),
			Actual:   strings.Join(diffs, "; "),
		}
	}
	return nil
}

func assertRowAbsent(result *Result, a Assertion) error {
	table, err := lookupTable(result, a)
	if err != nil {
		return err
	}
	if n := len(table.match(a.Where)); n > 0 {
		return &AssertionError{
			Type:     AssertRowAbsent,
			Expected: fmt.Sprintf("no row in %s where %s", a.Table, formatValues(a.Where)),
			Actual:   fmt.Sprintf("%d matching rows", n),
		}
	}
	return nil
}

func assertRowCount(result *Result, a Assertion) error {
	table, err := lookupTable(result, a)
	if err != nil {
		return err
	}
	if len(table.Rows) != a.Count {
		return &AssertionError{
			Type:     AssertRowCount,
			Expected: fmt.Sprintf("%d rows in %s", a.Count, a.Table),
			Actual:   fmt.Sprintf("%d rows", len(table.Rows)),
		}
	}
	return nil
}

func assertMark(result *Result, a Assertion) error {
	pos, ok := result.Marks[a.Projection]
	if !ok {
		return fmt.Errorf("unknown projection %q", a.Projection)
	}
	if pos != a.Position {
		return &AssertionError{
			Type:     AssertMark,
			Expected: fmt.Sprintf("%s at position %d", a.Projection, a.Position),
			Actual:   fmt.Sprintf("position %d", pos),
		}
	}
	return nil
}

func assertState(result *Result, a Assertion) error {
	st, ok := result.Statuses[a.Projection]
	if !ok {
		return fmt.Errorf("unknown projection %q", a.Projection)
	}
	if st.State.String() != a.State {
		return &AssertionError{
			Type:     AssertState,
			Expected: fmt.Sprintf("%s %s", a.Projection, a.State),
			Actual:   fmt.Sprintf("%s (%s)", st.State, st.LastError),
		}
	}
	if a.Code == "" {
		return nil
	}
	if code := errorCode(result.Failures[a.Projection]); code != a.Code {
		return &AssertionError{
			Type:     AssertState,
			Expected: fmt.Sprintf("error code %s", a.Code),
			Actual:   fmt.Sprintf("error code %q (%s)", code, st.LastError),
		}
	}
	return nil
}

func errorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case daemon.IsUnrecoverable(err):
		return string(daemon.ErrCodeUnrecoverable)
	case daemon.IsTransientWriteFailure(err):
		return string(daemon.ErrCodeTransientWriteFailure)
	case daemon.IsOrderingViolation(err):
		return string(daemon.ErrCodeOrderingViolation)
	case daemon.IsOwnershipLost(err):
		return string(daemon.ErrCodeOwnershipLost)
	default:
		return ""
	}
}

func lookupTable(result *Result, a Assertion) (*Table, error) {
	table, ok := result.TableByName(a.Table)
	if !ok {
		return nil, fmt.Errorf("unknown table %q", a.Table)
	}
	return table, nil
}

// match returns the rows whose columns equal every value in where.
func (t *Table) match(where map[string]any) []Row {
	var out []Row
	for _, row := range t.Rows {
		ok := true
		for col, want := range where {
			if !reflect.DeepEqual(normalize(want), row[col]) {
				ok = false
				break
			}
		}
		if ok {
			out = append(out, row)
		}
	}
	return out
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func formatValues(m map[string]any) string {
	parts := make([]string, 0, len(m))
	for _, k := range sortedKeys(m) {
		parts = append(parts, k+"="+formatValue(normalize(m[k])))
	}
	return strings.Join(parts, " ")
}

// formatValue renders a normalized value: NULL, quoted strings, plain
// numbers and booleans.
func formatValue(v any) string {
	switch x := v.(type) {
	case nil:
		return "NULL"
	case string:
		return fmt.Sprintf("%q", x)
	default:
		return fmt.Sprintf("%v", x)
	}
}
