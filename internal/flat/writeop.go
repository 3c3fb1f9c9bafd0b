package flat

import "github.com/roach88/flatline/internal/ir"

// WriteKind is the kind of write an event produces.
type WriteKind int

const (
	// Noop means the projection has no rule for the event type.
	Noop WriteKind = iota
	// Upsert inserts the row or merges into the existing one.
	Upsert
	// Delete removes the row.
	Delete
)

func (k WriteKind) String() string {
	switch k {
	case Noop:
		return "noop"
	case Upsert:
		return "upsert"
	case Delete:
		return "delete"
	default:
		return "unknown"
	}
}

// AssignMode controls how an assignment merges into an existing row.
type AssignMode int

const (
	// Set overwrites the column.
	Set AssignMode = iota
	// Add adds the value to the column.
	Add
)

func (m AssignMode) String() string {
	if m == Add {
		return "add"
	}
	return "set"
}

// Assignment is one column write. Value is already coerced to the column type.
type Assignment struct {
	Column string     `json:"column"`
	Value  ir.Value   `json:"value"`
	Mode   AssignMode `json:"mode"`
}

// WriteOp is the write one event causes against one projection table.
type WriteOp struct {
	Kind        WriteKind    `json:"kind"`
	Projection  string       `json:"projection"`
	EventType   string       `json:"event_type"`
	Position    int64        `json:"position"`
	Key         ir.Value     `json:"key,omitempty"`
	Assignments []Assignment `json:"assignments,omitempty"`
}
