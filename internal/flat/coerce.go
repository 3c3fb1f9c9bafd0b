package flat

import (
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/roach88/flatline/internal/ir"
	"github.com/roach88/flatline/internal/projection"
)

// Coerce converts v into the stored representation for a column type.
// Null passes through unchanged for every type.
//
//	text      strings; ints and bools are formatted
//	integer   ints and integer strings
//	boolean   bools and "true"/"false"
//	timestamp RFC 3339 strings, stored as UTC RFC 3339 with nanoseconds
//	uuid      UUID strings, stored in canonical lowercase form
//	json      any value, stored as canonical JSON text
func Coerce(v ir.Value, typ projection.ColumnType) (ir.Value, error) {
	if ir.IsNull(v) {
		return ir.Null{}, nil
	}
	switch typ {
	case projection.TypeText:
		switch x := v.(type) {
		case ir.String:
			return x, nil
		case ir.Int, ir.Bool:
			return ir.String(ir.Format(x)), nil
		}
	case projection.TypeInteger:
		switch x := v.(type) {
		case ir.Int:
			return x, nil
		case ir.String:
			n, err := strconv.ParseInt(string(x), 10, 64)
			if err != nil {
				return nil, fmt.Errorf("%q is not an integer", string(x))
			}
			return ir.Int(n), nil
		}
	case projection.TypeBoolean:
		switch x := v.(type) {
		case ir.Bool:
			return x, nil
		case ir.String:
			b, err := strconv.ParseBool(string(x))
			if err != nil {
				return nil, fmt.Errorf("%q is not a boolean", string(x))
			}
			return ir.Bool(b), nil
		}
	case projection.TypeTimestamp:
		if x, ok := v.(ir.String); ok {
			ts, err := time.Parse(time.RFC3339Nano, string(x))
			if err != nil {
				return nil, fmt.Errorf("%q is not an RFC 3339 timestamp", string(x))
			}
			return ir.String(ts.UTC().Format(time.RFC3339Nano)), nil
		}
	case projection.TypeUUID:
		if x, ok := v.(ir.String); ok {
			id, err := uuid.Parse(string(x))
			if err != nil {
				return nil, fmt.Errorf("%q is not a UUID", string(x))
			}
			return ir.String(id.String()), nil
		}
	case projection.TypeJSON:
		data, err := ir.MarshalCanonical(v)
		if err != nil {
			return nil, err
		}
		return ir.String(data), nil
	default:
		return nil, fmt.Errorf("unknown column type %q", typ)
	}
	return nil, fmt.Errorf("cannot store %s value in %s column", v.Kind(), typ)
}
