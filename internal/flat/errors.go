package flat

import (
	"errors"
	"fmt"
)

// MappingViolation reports an event that cannot be mapped onto its row, such
// as a null source field for a NOT NULL mapping without a default. It is
// deterministic: retrying the same event fails the same way.
type MappingViolation struct {
	Projection     string
	EventType      string
	StreamID       string
	GlobalPosition int64
	Column         string
	Field          string
	Reason         string
}

// Error implements the error interface.
func (e *MappingViolation) Error() string {
	where := e.Column
	if e.Field != "" {
		where = fmt.Sprintf("%s (from %s)", e.Column, e.Field)
	}
	return fmt.Sprintf("mapping violation: projection %s: event %s at position %d: column %s: %s",
		e.Projection, e.EventType, e.GlobalPosition, where, e.Reason)
}

// IsMappingViolation reports whether err is or wraps a MappingViolation.
func IsMappingViolation(err error) bool {
	var mv *MappingViolation
	return errors.As(err, &mv)
}
