package compiler

import (
	"cuelang.org/go/cue"

	"github.com/roach88/flatline/internal/ir"
	"github.com/roach88/flatline/internal/projection"
)

// CompileProjection parses a CUE value into a prepared projection.Definition.
//
// The value is the projection struct itself; its label is the projection
// name:
//
//	projection: import_history: {
//		key: {name: "id", type: "uuid"}
//		columns: started: {type: "timestamp"}
//		indexes: [{columns: ["customer_id"]}]
//		teardown_on_rebuild: true
//		on: {
//			ImportStarted: [
//				{map: "ActivityType", required: true},
//				{map: "PlannedSteps", column: "total_steps", default: 0},
//				{set: "status", value: "started"},
//			]
//			ImportProgress: [
//				{increment: "step_number"},
//				{increment: "records", field: "Records"},
//			]
//			ImportFailed: "delete"
//		}
//	}
//
// Structural problems are returned as *CompileError; definitions that parse
// but break projection invariants return projection.ValidationErrors.
func CompileProjection(v cue.Value) (*projection.Definition, error) {
	if err := v.Err(); err != nil {
		return nil, fromCUE(err)
	}

	def := &projection.Definition{}

	labels := v.Path().Selectors()
	if len(labels) > 0 {
		def.Name = labels[len(labels)-1].String()
	}

	var err error
	if def.Table, err = optionalString(v, "table"); err != nil {
		return nil, err
	}
	if def.Table == "" {
		def.Table = def.Name
	}
	if def.Schema, err = optionalString(v, "schema"); err != nil {
		return nil, err
	}
	strategy, err := optionalString(v, "strategy")
	if err != nil {
		return nil, err
	}
	def.Strategy = projection.UpsertStrategy(strategy)
	if def.TeardownOnRebuild, err = optionalBool(v, "teardown_on_rebuild"); err != nil {
		return nil, err
	}

	keyVal := v.LookupPath(cue.ParsePath("key"))
	if !keyVal.Exists() {
		return nil, errorAt(v, "key", "key is required")
	}
	if def.Key, err = parseKey(keyVal); err != nil {
		return nil, err
	}

	if def.Columns, err = parseColumns(v); err != nil {
		return nil, err
	}
	if def.Indexes, err = parseIndexes(v); err != nil {
		return nil, err
	}
	if def.Rules, err = parseRules(v); err != nil {
		return nil, err
	}
	if len(def.Rules) == 0 {
		return nil, errorAt(v, "on", "at least one event rule is required")
	}

	if err := def.Prepare(); err != nil {
		return nil, err
	}
	return def, nil
}

// parseKey accepts either a bare column name or {name, type}.
func parseKey(v cue.Value) (projection.KeyColumn, error) {
	if name, err := v.String(); err == nil {
		return projection.KeyColumn{Name: name}, nil
	}
	name, err := optionalString(v, "name")
	if err != nil {
		return projection.KeyColumn{}, err
	}
	typ, err := optionalString(v, "type")
	if err != nil {
		return projection.KeyColumn{}, err
	}
	return projection.KeyColumn{Name: name, Type: projection.ColumnType(typ)}, nil
}

// parseColumns reads declared columns in declaration order. Columns are
// nullable unless nullable: false is given.
func parseColumns(v cue.Value) ([]projection.Column, error) {
	colsVal := v.LookupPath(cue.ParsePath("columns"))
	if !colsVal.Exists() {
		return nil, nil
	}
	iter, err := colsVal.Fields()
	if err != nil {
		return nil, fromCUE(err)
	}

	var cols []projection.Column
	for iter.Next() {
		colVal := iter.Value()
		col := projection.Column{Name: iter.Label(), Nullable: true}

		if typ, err := colVal.String(); err == nil {
			col.Type = projection.ColumnType(typ)
			cols = append(cols, col)
			continue
		}

		typ, err := optionalString(colVal, "type")
		if err != nil {
			return nil, err
		}
		if typ == "" {
			return nil, errorAt(colVal, "columns." + col.Name, "column type is required")
		}
		col.Type = projection.ColumnType(typ)

		if nv := colVal.LookupPath(cue.ParsePath("nullable")); nv.Exists() {
			if col.Nullable, err = nv.Bool(); err != nil {
				return nil, fromCUE(err)
			}
		}
		if dv := colVal.LookupPath(cue.ParsePath("default")); dv.Exists() {
			if col.Default, err = valueOf(dv); err != nil {
				return nil, err
			}
		}
		cols = append(cols, col)
	}
	return cols, nil
}

func parseIndexes(v cue.Value) ([]projection.Index, error) {
	ixVal := v.LookupPath(cue.ParsePath("indexes"))
	if !ixVal.Exists() {
		return nil, nil
	}
	iter, err := ixVal.List()
	if err != nil {
		return nil, fromCUE(err)
	}

	var out []projection.Index
	for iter.Next() {
		item := iter.Value()
		var ix projection.Index
		if ix.Name, err = optionalString(item, "name"); err != nil {
			return nil, err
		}
		if ix.Unique, err = optionalBool(item, "unique"); err != nil {
			return nil, err
		}
		colsVal := item.LookupPath(cue.ParsePath("columns"))
		if !colsVal.Exists() {
			return nil, errorAt(item, "indexes.columns", "index columns are required")
		}
		if err := colsVal.Decode(&ix.Columns); err != nil {
			return nil, fromCUE(err)
		}
		out = append(out, ix)
	}
	return out, nil
}

// parseRules reads the on: block in declaration order.
func parseRules(v cue.Value) ([]projection.Rule, error) {
	onVal := v.LookupPath(cue.ParsePath("on"))
	if !onVal.Exists() {
		return nil, nil
	}
	iter, err := onVal.Fields()
	if err != nil {
		return nil, fromCUE(err)
	}

	var rules []projection.Rule
	for iter.Next() {
		eventType := iter.Label()
		ruleVal := iter.Value()

		if s, err := ruleVal.String(); err == nil {
			if s != "delete" {
				return nil, errorAt(ruleVal, "on." + eventType, "rule must be a list of operations or \"delete\", got %q", s)
			}
			rules = append(rules, projection.Rule{EventType: eventType, Ops: []projection.Op{projection.DeleteRow()}})
			continue
		}

		opIter, err := ruleVal.List()
		if err != nil {
			return nil, errorAt(ruleVal, "on." + eventType, "rule must be a list of operations or \"delete\"")
		}
		rule := projection.Rule{EventType: eventType}
		for opIter.Next() {
			op, err := parseOp(opIter.Value(), "on."+eventType)
			if err != nil {
				return nil, err
			}
			rule.Ops = append(rule.Ops, op)
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

// parseOp reads one operation. Exactly one of set, map, increment or delete
// names the operation.
func parseOp(v cue.Value, field string) (projection.Op, error) {
	if s, err := v.String(); err == nil && s == "delete" {
		return projection.DeleteRow(), nil
	}

	var verbs []string
	for _, verb := range []string{"set", "map", "increment", "delete"} {
		if v.LookupPath(cue.ParsePath(verb)).Exists() {
			verbs = append(verbs, verb)
		}
	}
	if len(verbs) != 1 {
		return projection.Op{}, errorAt(v, field, "operation needs exactly one of set, map, increment or delete")
	}

	column, err := optionalString(v, "column")
	if err != nil {
		return projection.Op{}, err
	}

	switch verbs[0] {
	case "set":
		target, err := optionalString(v, "set")
		if err != nil {
			return projection.Op{}, err
		}
		valueVal := v.LookupPath(cue.ParsePath("value"))
		if !valueVal.Exists() {
			return projection.Op{}, errorAt(v, field + ".set", "set %q needs a value", target)
		}
		value, err := valueOf(valueVal)
		if err != nil {
			return projection.Op{}, err
		}
		return projection.SetConstant(target, value), nil

	case "map":
		source, err := optionalString(v, "map")
		if err != nil {
			return projection.Op{}, err
		}
		op := projection.MapField(source, column)
		required, err := optionalBool(v, "required")
		if err != nil {
			return projection.Op{}, err
		}
		if required {
			op = op.Required()
		}
		if dv := v.LookupPath(cue.ParsePath("default")); dv.Exists() {
			value, err := valueOf(dv)
			if err != nil {
				return projection.Op{}, err
			}
			op = op.WithDefault(value)
		}
		return op, nil

	case "increment":
		target, err := optionalString(v, "increment")
		if err != nil {
			return projection.Op{}, err
		}
		source, err := optionalString(v, "field")
		if err != nil {
			return projection.Op{}, err
		}
		if source != "" {
			return projection.IncrementByField(source, target), nil
		}
		byVal := v.LookupPath(cue.ParsePath("by"))
		if !byVal.Exists() {
			return projection.Increment(target), nil
		}
		by, err := byVal.Int64()
		if err != nil {
			return projection.Op{}, fromCUE(err)
		}
		return projection.IncrementBy(target, by), nil

	default:
		return projection.DeleteRow(), nil
	}
}

// valueOf converts a concrete CUE value into an ir.Value. Floats are
// rejected the same way payload decoding rejects them.
func valueOf(v cue.Value) (ir.Value, error) {
	switch v.IncompleteKind() {
	case cue.NullKind:
		return ir.Null{}, nil
	case cue.StringKind:
		s, err := v.String()
		if err != nil {
			return nil, fromCUE(err)
		}
		return ir.String(s), nil
	case cue.IntKind:
		n, err := v.Int64()
		if err != nil {
			return nil, fromCUE(err)
		}
		return ir.Int(n), nil
	case cue.BoolKind:
		b, err := v.Bool()
		if err != nil {
			return nil, fromCUE(err)
		}
		return ir.Bool(b), nil
	case cue.ListKind:
		iter, err := v.List()
		if err != nil {
			return nil, fromCUE(err)
		}
		arr := ir.Array{}
		for iter.Next() {
			item, err := valueOf(iter.Value())
			if err != nil {
				return nil, err
			}
			arr = append(arr, item)
		}
		return arr, nil
	case cue.StructKind:
		iter, err := v.Fields()
		if err != nil {
			return nil, fromCUE(err)
		}
		obj := ir.Object{}
		for iter.Next() {
			item, err := valueOf(iter.Value())
			if err != nil {
				return nil, err
			}
			obj[iter.Label()] = item
		}
		return obj, nil
	case cue.FloatKind, cue.NumberKind:
		return nil, errorAt(v, "value", "float values are forbidden - use int instead")
	default:
		return nil, errorAt(v, "value", "unsupported value kind: %v", v.IncompleteKind())
	}
}

func optionalString(v cue.Value, path string) (string, error) {
	fv := v.LookupPath(cue.ParsePath(path))
	if !fv.Exists() {
		return "", nil
	}
	s, err := fv.String()
	if err != nil {
		return "", fromCUE(err)
	}
	return s, nil
}

func optionalBool(v cue.Value, path string) (bool, error) {
	fv := v.LookupPath(cue.ParsePath(path))
	if !fv.Exists() {
		return false, nil
	}
	b, err := fv.Bool()
	if err != nil {
		return false, fromCUE(err)
	}
	return b, nil
}
