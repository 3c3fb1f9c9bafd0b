package projection

import "github.com/roach88/flatline/internal/ir"

// OpKind distinguishes column operation variants.
type OpKind int

const (
	// OpSet assigns a constant value.
	OpSet OpKind = iota + 1
	// OpMap copies a payload field into a column.
	OpMap
	// OpIncrement adds a delta to an integer column.
	OpIncrement
	// OpDelete removes the row.
	OpDelete
)

func (k OpKind) String() string {
	switch k {
	case OpSet:
		return "set"
	case OpMap:
		return "map"
	case OpIncrement:
		return "increment"
	case OpDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// Op is one column operation. Which fields are meaningful depends on Kind:
//
//	OpSet:       Column, Value
//	OpMap:       Column, Field, NotNull, Default
//	OpIncrement: Column, and either Field (payload delta) or By (constant)
//	OpDelete:    none
type Op struct {
	Kind    OpKind   `json:"kind"`
	Column  string   `json:"column,omitempty"`
	Value   ir.Value `json:"value,omitempty"`
	Field   string   `json:"field,omitempty"`
	NotNull bool     `json:"not_null,omitempty"`
	Default ir.Value `json:"default,omitempty"`
	By      int64    `json:"by,omitempty"`
}

// SetConstant assigns value to column on every matching event.
func SetConstant(column string, value ir.Value) Op {
	if value == nil {
		value = ir.Null{}
	}
	return Op{Kind: OpSet, Column: column, Value: value}
}

// MapField copies a payload field (dotted path) into column. An empty column
// name is derived from the field name.
func MapField(field, column string) Op {
	if column == "" {
		column = ColumnName(field)
	}
	return Op{Kind: OpMap, Field: field, Column: column}
}

// Required marks a mapping NOT NULL: a null source field without a default
// is a mapping violation.
func (o Op) Required() Op {
	o.NotNull = true
	return o
}

// WithDefault substitutes value when the source field is null or absent.
func (o Op) WithDefault(value ir.Value) Op {
	o.Default = value
	return o
}

// Increment adds 1 to column.
func Increment(column string) Op {
	return Op{Kind: OpIncrement, Column: column, By: 1}
}

// IncrementBy adds a constant delta to column.
func IncrementBy(column string, delta int64) Op {
	return Op{Kind: OpIncrement, Column: column, By: delta}
}

// IncrementByField adds the integer payload field to column. An empty column
// name is derived from the field name.
func IncrementByField(field, column string) Op {
	if column == "" {
		column = ColumnName(field)
	}
	return Op{Kind: OpIncrement, Column: column, Field: field}
}

// DeleteRow removes the row keyed by the stream identity.
func DeleteRow() Op {
	return Op{Kind: OpDelete}
}

func (o Op) canonicalMap() map[string]any {
	m := map[string]any{"kind": o.Kind.String()}
	switch o.Kind {
	case OpSet:
		m["column"] = o.Column
		m["value"] = o.Value
	case OpMap:
		m["column"] = o.Column
		m["field"] = o.Field
		m["not_null"] = o.NotNull
		if o.Default != nil {
			m["default"] = o.Default
		}
	case OpIncrement:
		m["column"] = o.Column
		if o.Field != "" {
			m["field"] = o.Field
		} else {
			m["by"] = o.By
		}
	}
	return m
}
