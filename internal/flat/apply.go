package flat

import (
	"github.com/roach88/flatline/internal/ir"
	"github.com/roach88/flatline/internal/projection"
)

// Apply computes the write an event causes against def's table. Events
// whose type has no rule produce a Noop. The primary key is the event's
// stream identity coerced to the key column type.
//
// Apply performs no I/O and is safe for concurrent use.
func Apply(ev ir.Event, def *projection.Definition) (WriteOp, error) {
	eventType := ir.EventType(ev)
	op := WriteOp{
		Kind:       Noop,
		Projection: def.Name,
		EventType:  eventType,
		Position:   ev.GlobalPosition,
	}

	rule, ok := def.RuleFor(eventType)
	if !ok {
		return op, nil
	}

	violation := func(column, field, reason string) *MappingViolation {
		return &MappingViolation{
			Projection:     def.Name,
			EventType:      eventType,
			StreamID:       ev.StreamID,
			GlobalPosition: ev.GlobalPosition,
			Column:         column,
			Field:          field,
			Reason:         reason,
		}
	}

	identity := ir.StreamIdentity(ev)
	if identity == "" {
		return op, violation(def.Key.Name, "", "event has no stream identity")
	}
	key, err := Coerce(ir.String(identity), def.Key.Type)
	if err != nil {
		return op, violation(def.Key.Name, "", err.Error())
	}
	op.Key = key

	if rule.Deletes() {
		op.Kind = Delete
		return op, nil
	}

	op.Kind = Upsert
	op.Assignments = make([]Assignment, 0, len(rule.Ops))
	for _, o := range rule.Ops {
		col, ok := def.Column(o.Column)
		if !ok {
			return op, violation(o.Column, o.Field, "column is not part of the projection")
		}

		switch o.Kind {
		case projection.OpSet:
			v, err := Coerce(o.Value, col.Type)
			if err != nil {
				return op, violation(o.Column, "", err.Error())
			}
			op.Assignments = append(op.Assignments, Assignment{Column: o.Column, Value: v})

		case projection.OpMap:
			src, present := ev.Payload.Lookup(o.Field)
			if !present {
				switch {
				case o.Default != nil:
					src = o.Default
				case o.NotNull || !col.Nullable:
					return op, violation(o.Column, o.Field, "source field is null and no default is configured")
				default:
					src = ir.Null{}
				}
			}
			v, err := Coerce(src, col.Type)
			if err != nil {
				return op, violation(o.Column, o.Field, err.Error())
			}
			op.Assignments = append(op.Assignments, Assignment{Column: o.Column, Value: v})

		case projection.OpIncrement:
			delta := ir.Int(o.By)
			if o.Field != "" {
				src, present := ev.Payload.Lookup(o.Field)
				if !present {
					return op, violation(o.Column, o.Field, "increment source field is null")
				}
				v, err := Coerce(src, projection.TypeInteger)
				if err != nil {
					return op, violation(o.Column, o.Field, err.Error())
				}
				delta = v.(ir.Int)
			}
			op.Assignments = append(op.Assignments, Assignment{Column: o.Column, Value: delta, Mode: Add})

		default:
			return op, violation(o.Column, o.Field, "unsupported operation "+o.Kind.String())
		}
	}
	return op, nil
}
