package compiler

import (
	"fmt"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"

	"github.com/roach88/flatline/internal/projection"
)

// CompileAll compiles every field under the top-level projection: struct.
// Definitions that compile are returned even when others fail; errors are
// prefixed with the projection path.
func CompileAll(v cue.Value) ([]*projection.Definition, []error) {
	projVal := v.LookupPath(cue.ParsePath("projection"))
	if !projVal.Exists() {
		return nil, nil
	}
	iter, err := projVal.Fields()
	if err != nil {
		return nil, []error{fromCUE(err)}
	}

	var defs []*projection.Definition
	var errs []error
	for iter.Next() {
		def, err := CompileProjection(iter.Value())
		if err != nil {
			errs = append(errs, fmt.Errorf("projection.%s: %w", iter.Label(), err))
			continue
		}
		defs = append(defs, def)
	}
	return defs, errs
}

// CompileSource compiles CUE source text holding projection: definitions.
// It fails on the first error.
func CompileSource(filename, src string) ([]*projection.Definition, error) {
	ctx := cuecontext.New()
	v := ctx.CompileString(src, cue.Filename(filename))
	if err := v.Err(); err != nil {
		return nil, fromCUE(err)
	}
	defs, errs := CompileAll(v)
	if len(errs) > 0 {
		return nil, errs[0]
	}
	if len(defs) == 0 {
		return nil, &CompileError{Field: "projection", Message: "no projections found"}
	}
	return defs, nil
}
