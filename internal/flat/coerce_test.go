package flat

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/flatline/internal/ir"
	"github.com/roach88/flatline/internal/projection"
)

func TestCoerce(t *testing.T) {
	tests := []struct {
		name string
		in   ir.Value
		typ  projection.ColumnType
		want ir.Value
	}{
		{"null text", ir.Null{}, projection.TypeText, ir.Null{}},
		{"nil uuid", nil, projection.TypeUUID, ir.Null{}},
		{"text", ir.String("a"), projection.TypeText, ir.String("a")},
		{"int as text", ir.Int(7), projection.TypeText, ir.String("7")},
		{"bool as text", ir.Bool(true), projection.TypeText, ir.String("true")},
		{"int", ir.Int(7), projection.TypeInteger, ir.Int(7)},
		{"integer string", ir.String("-12"), projection.TypeInteger, ir.Int(-12)},
		{"bool", ir.Bool(false), projection.TypeBoolean, ir.Bool(false)},
		{"bool string", ir.String("true"), projection.TypeBoolean, ir.Bool(true)},
		{"timestamp utc", ir.String("2024-03-01T12:00:00+02:00"), projection.TypeTimestamp, ir.String("2024-03-01T10:00:00Z")},
		{"timestamp nanos", ir.String("2024-03-01T10:00:00.123456789Z"), projection.TypeTimestamp, ir.String("2024-03-01T10:00:00.123456789Z")},
		{"uuid", ir.String("6F1C2D3E-4A5B-4C6D-8E9F-0A1B2C3D4E5F"), projection.TypeUUID, ir.String("6f1c2d3e-4a5b-4c6d-8e9f-0a1b2c3d4e5f")},
		{"json object", ir.Object{"b": ir.Int(1), "a": ir.Bool(true)}, projection.TypeJSON, ir.String(`{"a":true,"b":1}`)},
		{"json string", ir.String("x"), projection.TypeJSON, ir.String(`"x"`)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Coerce(tt.in, tt.typ)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCoerce_Errors(t *testing.T) {
	tests := []struct {
		name string
		in   ir.Value
		typ  projection.ColumnType
		msg  string
	}{
		{"array as text", ir.Array{ir.Int(1)}, projection.TypeText, "cannot store array value in text column"},
		{"bad integer", ir.String("1.5"), projection.TypeInteger, "not an integer"},
		{"bool as integer", ir.Bool(true), projection.TypeInteger, "cannot store bool"},
		{"bad bool", ir.String("yes please"), projection.TypeBoolean, "not a boolean"},
		{"int timestamp", ir.Int(1700000000), projection.TypeTimestamp, "cannot store int"},
		{"bad uuid", ir.String("nope"), projection.TypeUUID, "not a UUID"},
		{"unknown type", ir.String("x"), projection.ColumnType("float"), "unknown column type"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Coerce(tt.in, tt.typ)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.msg)
		})
	}
}
