package projection

import (
	"fmt"
	"strings"

	"github.com/roach88/flatline/internal/ir"
)

// Validation error codes (E200-E299)
const (
	ErrEmptyName          = "E200" // projection name is required
	ErrEmptyTable         = "E201" // table name is required
	ErrMissingKey         = "E202" // key column is required
	ErrDuplicateEvent     = "E203" // one rule per event type
	ErrEmptyRule          = "E204" // rule has no operations
	ErrDeleteMixed        = "E205" // delete cannot be combined with column ops
	ErrKeyTargeted        = "E206" // operation assigns the key column
	ErrIncrementType      = "E207" // increment on a non-integer column
	ErrDuplicateAssign    = "E208" // column assigned twice in one rule
	ErrNoCreateRule       = "E209" // no rule creates rows
	ErrUnknownIndexColumn = "E210" // index references an unknown column
	ErrConflictingType    = "E211" // column type inferred inconsistently
	ErrInvalidIdentifier  = "E212" // name is not a plain SQL identifier
	ErrInvalidColumnType  = "E213" // unknown column type
	ErrIncompleteOp       = "E214" // op is missing required fields
	ErrInvalidStrategy    = "E215" // unknown upsert strategy
)

// ValidationError describes one problem with a definition.
type ValidationError struct {
	Projection string `json:"projection"`
	Field      string `json:"field"`
	Code       string `json:"code"`
	Message    string `json:"message"`
}

// Error implements the error interface.
func (e ValidationError) Error() string {
	return fmt.Sprintf("[%s] %s: %s: %s", e.Code, e.Projection, e.Field, e.Message)
}

// ValidationErrors is the full set of problems found in one definition.
type ValidationErrors []ValidationError

// Error implements the error interface.
func (errs ValidationErrors) Error() string {
	msgs := make([]string, len(errs))
	for i, e := range errs {
		msgs[i] = e.Error()
	}
	return fmt.Sprintf("invalid projection (%d errors): %s", len(errs), strings.Join(msgs, "; "))
}

// Prepare infers undeclared columns, validates the definition and builds
// its event type index. It returns ValidationErrors listing every problem.
func (d *Definition) Prepare() error {
	errs := d.inferColumns()
	errs = append(errs, d.Validate()...)
	if len(errs) > 0 {
		return errs
	}
	d.index()
	return nil
}

// Validate checks the definition invariants without modifying it.
// Returns all errors found (does not fail fast).
func (d *Definition) Validate() ValidationErrors {
	var errs ValidationErrors
	add := func(field, code, format string, args ...any) {
		errs = append(errs, ValidationError{
			Projection: d.Name,
			Field:      field,
			Code:       code,
			Message:    fmt.Sprintf(format, args...),
		})
	}

	if strings.TrimSpace(d.Name) == "" {
		add("name", ErrEmptyName, "projection name is required")
	}
	if d.Table == "" {
		add("table", ErrEmptyTable, "table name is required")
	} else if !IsIdentifier(d.Table) {
		add("table", ErrInvalidIdentifier, "%q is not a valid identifier", d.Table)
	}
	if d.Schema != "" && !IsIdentifier(d.Schema) {
		add("schema", ErrInvalidIdentifier, "%q is not a valid identifier", d.Schema)
	}
	if d.Key.Name == "" {
		add("key", ErrMissingKey, "key column is required")
	} else if !IsIdentifier(d.Key.Name) {
		add("key", ErrInvalidIdentifier, "%q is not a valid identifier", d.Key.Name)
	}
	if d.Key.Type != "" && d.Key.Type != TypeText && d.Key.Type != TypeUUID && d.Key.Type != TypeInteger {
		add("key.type", ErrInvalidColumnType, "key type must be text, uuid or integer, got %q", d.Key.Type)
	}
	switch d.Strategy {
	case "", StrategyInline, StrategyFunction:
	default:
		add("strategy", ErrInvalidStrategy, "unknown strategy %q", d.Strategy)
	}

	columns := make(map[string]Column, len(d.Columns))
	for i, c := range d.Columns {
		field := fmt.Sprintf("columns[%d]", i)
		if !IsIdentifier(c.Name) {
			add(field, ErrInvalidIdentifier, "%q is not a valid identifier", c.Name)
		}
		if !ValidColumnTypes[c.Type] {
			add(field, ErrInvalidColumnType, "column %q has unknown type %q", c.Name, c.Type)
		}
		if c.Name == d.Key.Name {
			add(field, ErrKeyTargeted, "column %q duplicates the key column", c.Name)
		}
		columns[c.Name] = c
	}

	seen := make(map[string]bool, len(d.Rules))
	creates := false
	for i, r := range d.Rules {
		field := fmt.Sprintf("rules[%d]", i)
		if r.EventType == "" {
			add(field, ErrIncompleteOp, "event type is required")
		}
		if seen[r.EventType] {
			add(field, ErrDuplicateEvent, "event type %q has more than one rule", r.EventType)
		}
		seen[r.EventType] = true

		if len(r.Ops) == 0 {
			add(field, ErrEmptyRule, "rule for %q has no operations", r.EventType)
			continue
		}
		if !r.Deletes() {
			creates = true
		}

		assigned := make(map[string]bool, len(r.Ops))
		for j, op := range r.Ops {
			opField := fmt.Sprintf("%s.ops[%d]", field, j)
			if op.Kind == OpDelete {
				if len(r.Ops) > 1 {
					add(opField, ErrDeleteMixed, "delete cannot be combined with other operations for %q", r.EventType)
				}
				continue
			}
			if op.Column == "" {
				add(opField, ErrIncompleteOp, "%s operation needs a column", op.Kind)
				continue
			}
			if op.Column == d.Key.Name {
				add(opField, ErrKeyTargeted, "column %q is the key and is derived from the stream identity", op.Column)
			}
			if assigned[op.Column] {
				add(opField, ErrDuplicateAssign, "column %q assigned more than once for %q", op.Column, r.EventType)
			}
			assigned[op.Column] = true

			switch op.Kind {
			case OpSet:
				if op.Value == nil {
					add(opField, ErrIncompleteOp, "set %q needs a value", op.Column)
				}
			case OpMap:
				if op.Field == "" {
					add(opField, ErrIncompleteOp, "map into %q needs a source field", op.Column)
				}
			case OpIncrement:
				if c, ok := columns[op.Column]; ok && c.Type != TypeInteger {
					add(opField, ErrIncrementType, "increment on %q requires an integer column, got %s", op.Column, c.Type)
				}
			default:
				add(opField, ErrIncompleteOp, "unknown operation kind %d", op.Kind)
			}
		}
	}
	if !creates {
		add("rules", ErrNoCreateRule, "at least one rule must create rows")
	}

	for i, ix := range d.Indexes {
		field := fmt.Sprintf("indexes[%d]", i)
		if ix.Name != "" && !IsIdentifier(ix.Name) {
			add(field, ErrInvalidIdentifier, "%q is not a valid identifier", ix.Name)
		}
		if len(ix.Columns) == 0 {
			add(field, ErrUnknownIndexColumn, "index needs at least one column")
		}
		for _, col := range ix.Columns {
			if _, ok := columns[col]; !ok && col != d.Key.Name {
				add(field, ErrUnknownIndexColumn, "index column %q is not a projected column", col)
			}
		}
	}

	return errs
}

// inferColumns appends columns that rules assign but that were not declared,
// in order of first use. Declared columns are never changed.
func (d *Definition) inferColumns() ValidationErrors {
	var errs ValidationErrors
	if d.Key.Type == "" {
		d.Key.Type = TypeText
	}

	declared := make(map[string]bool, len(d.Columns))
	for _, c := range d.Columns {
		declared[c.Name] = true
	}

	inferred := make(map[string]int)
	for _, r := range d.Rules {
		for _, op := range r.Ops {
			if op.Kind == OpDelete || op.Column == "" || op.Column == d.Key.Name || declared[op.Column] {
				continue
			}
			typ := inferType(op)
			if i, ok := inferred[op.Column]; ok {
				existing := &d.Columns[i]
				switch {
				case existing.Type == typ:
				case typ == "":
				case existing.Type == TypeText && op.Kind == OpMap:
				default:
					errs = append(errs, ValidationError{
						Projection: d.Name,
						Field:      "columns",
						Code:       ErrConflictingType,
						Message:    fmt.Sprintf("column %q used as both %s and %s", op.Column, existing.Type, typ),
					})
				}
				if op.Kind == OpMap && op.NotNull {
					existing.Nullable = false
				}
				continue
			}
			if typ == "" {
				typ = TypeText
			}
			d.Columns = append(d.Columns, Column{
				Name:     op.Column,
				Type:     typ,
				Nullable: !(op.Kind == OpMap && op.NotNull),
			})
			inferred[op.Column] = len(d.Columns) - 1
		}
	}
	return errs
}

// inferType guesses a column type from one operation. Empty means no opinion.
func inferType(op Op) ColumnType {
	switch op.Kind {
	case OpIncrement:
		return TypeInteger
	case OpSet:
		return typeOfValue(op.Value)
	case OpMap:
		if op.Default != nil {
			return typeOfValue(op.Default)
		}
		return ""
	default:
		return ""
	}
}

func typeOfValue(v ir.Value) ColumnType {
	switch v.(type) {
	case ir.String:
		return TypeText
	case ir.Int:
		return TypeInteger
	case ir.Bool:
		return TypeBoolean
	case ir.Array, ir.Object:
		return TypeJSON
	default:
		return ""
	}
}
