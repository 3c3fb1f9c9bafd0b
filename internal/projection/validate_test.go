package projection

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/flatline/internal/ir"
)

func codesOf(err error) []string {
	verrs, ok := err.(ValidationErrors)
	if !ok {
		return nil
	}
	out := make([]string, len(verrs))
	for i, e := range verrs {
		out[i] = e.Code
	}
	return out
}

func TestValidate(t *testing.T) {
	base := func() *Builder {
		return NewBuilder("p", "t").Key("id", TypeText)
	}

	tests := []struct {
		name    string
		builder *Builder
		code    string
	}{
		{
			name:    "empty name",
			builder: NewBuilder(" ", "t").Key("id", TypeText).On("A", SetConstant("x", ir.Int(1))),
			code:    ErrEmptyName,
		},
		{
			name:    "empty table",
			builder: NewBuilder("p", "").Key("id", TypeText).On("A", SetConstant("x", ir.Int(1))),
			code:    ErrEmptyTable,
		},
		{
			name:    "missing key",
			builder: NewBuilder("p", "t").On("A", SetConstant("x", ir.Int(1))),
			code:    ErrMissingKey,
		},
		{
			name: "duplicate event type",
			builder: base().
				On("A", SetConstant("x", ir.Int(1))).
				On("A", SetConstant("x", ir.Int(2))),
			code: ErrDuplicateEvent,
		},
		{
			name:    "empty rule",
			builder: base().On("A", SetConstant("x", ir.Int(1))).On("B"),
			code:    ErrEmptyRule,
		},
		{
			name:    "delete mixed with column ops",
			builder: base().On("A", SetConstant("x", ir.Int(1))).On("B", DeleteRow(), SetConstant("x", ir.Int(2))),
			code:    ErrDeleteMixed,
		},
		{
			name:    "op targets key",
			builder: base().On("A", MapField("Id", "id")),
			code:    ErrKeyTargeted,
		},
		{
			name:    "increment on text column",
			builder: base().Column("x", TypeText, true).On("A", Increment("x")),
			code:    ErrIncrementType,
		},
		{
			name:    "column assigned twice",
			builder: base().On("A", SetConstant("x", ir.Int(1)), Increment("x")),
			code:    ErrDuplicateAssign,
		},
		{
			name:    "only delete rules",
			builder: base().Delete("A"),
			code:    ErrNoCreateRule,
		},
		{
			name:    "no rules",
			builder: base(),
			code:    ErrNoCreateRule,
		},
		{
			name:    "unknown index column",
			builder: base().On("A", SetConstant("x", ir.Int(1))).Index("ix_t_y", "y"),
			code:    ErrUnknownIndexColumn,
		},
		{
			name: "conflicting inferred type",
			builder: base().
				On("A", SetConstant("x", ir.Int(1))).
				On("B", SetConstant("x", ir.String("one"))),
			code: ErrConflictingType,
		},
		{
			name:    "invalid table identifier",
			builder: NewBuilder("p", "Import History").Key("id", TypeText).On("A", SetConstant("x", ir.Int(1))),
			code:    ErrInvalidIdentifier,
		},
		{
			name:    "invalid column identifier",
			builder: base().On("A", SetConstant("x; drop table t", ir.Int(1))),
			code:    ErrInvalidIdentifier,
		},
		{
			name:    "invalid column type",
			builder: base().Column("x", "float", true).On("A", SetConstant("x", ir.Int(1))),
			code:    ErrInvalidColumnType,
		},
		{
			name:    "invalid key type",
			builder: NewBuilder("p", "t").Key("id", TypeBoolean).On("A", SetConstant("x", ir.Int(1))),
			code:    ErrInvalidColumnType,
		},
		{
			name:    "map without field",
			builder: base().On("A", Op{Kind: OpMap, Column: "x"}),
			code:    ErrIncompleteOp,
		},
		{
			name:    "set without value",
			builder: base().On("A", Op{Kind: OpSet, Column: "x"}),
			code:    ErrIncompleteOp,
		},
		{
			name:    "unknown strategy",
			builder: base().On("A", SetConstant("x", ir.Int(1))).Strategy("trigger"),
			code:    ErrInvalidStrategy,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.builder.Build()
			require.Error(t, err)
			assert.Contains(t, codesOf(err), tt.code, err.Error())
		})
	}
}

func TestValidate_CollectsAllErrors(t *testing.T) {
	_, err := NewBuilder("", "").On("A").Build()
	require.Error(t, err)

	codes := codesOf(err)
	assert.Contains(t, codes, ErrEmptyName)
	assert.Contains(t, codes, ErrEmptyTable)
	assert.Contains(t, codes, ErrMissingKey)
	assert.Contains(t, codes, ErrEmptyRule)
	assert.Contains(t, codes, ErrNoCreateRule)
}

func TestValidate_MapJoinsInferredColumnType(t *testing.T) {
	// A plain mapping carries no type opinion, so it joins the integer
	// column inferred from the constant.
	def, err := NewBuilder("p", "t").Key("id", TypeText).
		On("A", SetConstant("n", ir.Int(0))).
		On("B", MapField("N", "n")).
		Build()
	require.NoError(t, err)

	col, ok := def.Column("n")
	require.True(t, ok)
	assert.Equal(t, TypeInteger, col.Type)
}

func TestValidate_RequiredMappingMakesColumnNotNull(t *testing.T) {
	def, err := NewBuilder("p", "t").Key("id", TypeText).
		On("A", MapField("Name", "")).
		On("B", MapField("Name", "").Required()).
		Build()
	require.NoError(t, err)

	col, ok := def.Column("name")
	require.True(t, ok)
	assert.False(t, col.Nullable)
}

func TestValidate_IndexOnKeyAllowed(t *testing.T) {
	_, err := NewBuilder("p", "t").Key("id", TypeText).
		On("A", SetConstant("x", ir.Int(1))).
		Index("ix_t_id_x", "id", "x").
		Build()
	require.NoError(t, err)
}

func TestValidationError_Format(t *testing.T) {
	e := ValidationError{Projection: "p", Field: "table", Code: ErrEmptyTable, Message: "table name is required"}
	assert.Equal(t, "[E201] p: table: table name is required", e.Error())
}
