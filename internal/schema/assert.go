package schema

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/roach88/flatline/internal/projection"
)

// Discrepancy kinds.
const (
	KindMissingTable        = "missing_table"
	KindMissingColumn       = "missing_column"
	KindTypeMismatch        = "type_mismatch"
	KindNullabilityMismatch = "nullability_mismatch"
	KindPrimaryKeyMismatch  = "primary_key_mismatch"
	KindMissingIndex        = "missing_index"
	KindMissingFunction     = "missing_function"
)

// Discrepancy is one missing or mismatched database object.
type Discrepancy struct {
	Kind       string `json:"kind"`
	Projection string `json:"projection"`
	Object     string `json:"object"`
	Expected   string `json:"expected,omitempty"`
	Actual     string `json:"actual,omitempty"`
}

func (d Discrepancy) String() string {
	s := d.Kind + " " + d.Object
	if d.Expected != "" || d.Actual != "" {
		s += fmt.Sprintf(" (expected %s, found %s)", orNone(d.Expected), orNone(d.Actual))
	}
	return s
}

func orNone(s string) string {
	if s == "" {
		return "none"
	}
	return s
}

// Result is the outcome of an assertion. An empty result means the database
// matches the configuration.
type Result struct {
	Discrepancies []Discrepancy `json:"discrepancies"`
}

// OK reports whether no discrepancies were found.
func (r Result) OK() bool { return len(r.Discrepancies) == 0 }

// For returns the discrepancies of one projection.
func (r Result) For(projection string) []Discrepancy {
	var out []Discrepancy
	for _, d := range r.Discrepancies {
		if d.Projection == projection {
			out = append(out, d)
		}
	}
	return out
}

// MismatchError is the strict form of a non-empty Result.
type MismatchError struct {
	Result Result
}

// Error implements the error interface.
func (e *MismatchError) Error() string {
	parts := make([]string, len(e.Result.Discrepancies))
	for i, d := range e.Result.Discrepancies {
		parts[i] = d.String()
	}
	return fmt.Sprintf("schema mismatch (%d discrepancies): %s", len(parts), strings.Join(parts, "; "))
}

// IsMismatch reports whether err is or wraps a MismatchError.
func IsMismatch(err error) bool {
	var me *MismatchError
	return errors.As(err, &me)
}

// Assert compares the objects the definitions require with the catalog.
// Discrepancies are returned as data; the error is only for catalog
// failures.
func Assert(ctx context.Context, cat Catalog, defs []*projection.Definition) (Result, error) {
	reqs := Requirements(defs, cat.Dialect())
	result := Result{Discrepancies: []Discrepancy{}}

	tables := make(map[string]map[string]Table)
	functions := make(map[string]map[string]bool)
	for _, req := range reqs {
		if _, ok := tables[req.Schema]; ok {
			continue
		}
		list, err := cat.Tables(ctx, req.Schema)
		if err != nil {
			return Result{}, fmt.Errorf("list tables in %q: %w", req.Schema, err)
		}
		byName := make(map[string]Table, len(list))
		for _, t := range list {
			byName[t.Name] = t
		}
		tables[req.Schema] = byName
	}

	for _, req := range reqs {
		actual, ok := tables[req.Schema][req.Table.Name]
		if !ok {
			result.Discrepancies = append(result.Discrepancies, Discrepancy{
				Kind:       KindMissingTable,
				Projection: req.Projection,
				Object:     qualify(req.Schema, req.Table.Name),
			})
		} else {
			result.Discrepancies = append(result.Discrepancies, diffTable(req, actual)...)
		}

		if len(req.Functions) == 0 {
			continue
		}
		if _, ok := functions[req.Schema]; !ok {
			names, err := cat.Functions(ctx, req.Schema)
			if err != nil {
				return Result{}, fmt.Errorf("list functions in %q: %w", req.Schema, err)
			}
			set := make(map[string]bool, len(names))
			for _, n := range names {
				set[n] = true
			}
			functions[req.Schema] = set
		}
		for _, fn := range req.Functions {
			if !functions[req.Schema][fn] {
				result.Discrepancies = append(result.Discrepancies, Discrepancy{
					Kind:       KindMissingFunction,
					Projection: req.Projection,
					Object:     qualify(req.Schema, fn),
				})
			}
		}
	}
	return result, nil
}

// AssertStrict is Assert that returns a *MismatchError when anything differs.
func AssertStrict(ctx context.Context, cat Catalog, defs []*projection.Definition) (Result, error) {
	result, err := Assert(ctx, cat, defs)
	if err != nil {
		return result, err
	}
	if !result.OK() {
		return result, &MismatchError{Result: result}
	}
	return result, nil
}

func diffTable(req Requirement, actual Table) []Discrepancy {
	var out []Discrepancy
	table := qualify(req.Schema, req.Table.Name)
	add := func(kind, object, expected, found string) {
		out = append(out, Discrepancy{
			Kind:       kind,
			Projection: req.Projection,
			Object:     object,
			Expected:   expected,
			Actual:     found,
		})
	}

	if !slices.Equal(req.Table.PrimaryKey, actual.PrimaryKey) {
		add(KindPrimaryKeyMismatch, table,
			strings.Join(req.Table.PrimaryKey, ","), strings.Join(actual.PrimaryKey, ","))
	}

	for _, want := range req.Table.Columns {
		object := table + "." + want.Name
		got, ok := actual.Column(want.Name)
		if !ok {
			add(KindMissingColumn, object, want.Type, "")
			continue
		}
		if !strings.EqualFold(want.Type, got.Type) {
			add(KindTypeMismatch, object, want.Type, got.Type)
		}
		if slices.Contains(req.Table.PrimaryKey, want.Name) {
			continue
		}
		if want.Nullable != got.Nullable {
			add(KindNullabilityMismatch, object, nullability(want.Nullable), nullability(got.Nullable))
		}
	}

	for _, want := range req.Table.Indexes {
		object := qualify(req.Schema, want.Name)
		got, ok := actual.Index(want.Name)
		if !ok {
			add(KindMissingIndex, object, strings.Join(want.Columns, ","), "")
			continue
		}
		if !slices.Equal(want.Columns, got.Columns) || want.Unique != got.Unique {
			add(KindMissingIndex, object, describeIndex(want), describeIndex(got))
		}
	}
	return out
}

func describeIndex(ix Index) string {
	s := strings.Join(ix.Columns, ",")
	if ix.Unique {
		s += " unique"
	}
	return s
}

func nullability(nullable bool) string {
	if nullable {
		return "null"
	}
	return "not null"
}

func qualify(schema, name string) string {
	if schema == "" {
		return name
	}
	return schema + "." + name
}
