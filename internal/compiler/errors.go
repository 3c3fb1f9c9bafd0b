package compiler

import (
	"fmt"

	"cuelang.org/go/cue"
	cueerrors "cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"
)

// CompileError is a problem in a projection file. Field is the dotted path
// inside the projection block ("key", "columns.status", "on.ImportFailed").
type CompileError struct {
	Field   string
	Message string
	Pos     token.Pos
}

func (e *CompileError) Error() string {
	msg := e.Field + ": " + e.Message
	if !e.Pos.IsValid() {
		return msg
	}
	return fmt.Sprintf("%s:%d:%d: %s", e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(), msg)
}

// errorAt reports a problem at the position of v.
func errorAt(v cue.Value, field, format string, args ...any) *CompileError {
	return &CompileError{Field: field, Message: fmt.Sprintf(format, args...), Pos: v.Pos()}
}

// fromCUE converts the first error CUE reports into a positioned
// CompileError. Errors without a position are returned unchanged.
func fromCUE(err error) error {
	if err == nil {
		return nil
	}
	list := cueerrors.Errors(err)
	if len(list) == 0 {
		return err
	}
	pos := cueerrors.Positions(list[0])
	if len(pos) == 0 {
		return err
	}
	return &CompileError{Field: "cue", Message: list[0].Error(), Pos: pos[0]}
}
