package cli

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/load"
	"cuelang.org/go/cue/token"

	"github.com/roach88/flatline/internal/compiler"
	"github.com/roach88/flatline/internal/projection"
)

// LoadMode controls how errors are handled while loading definitions.
type LoadMode int

const (
	// LoadModeFailFast stops on the first error encountered.
	LoadModeFailFast LoadMode = iota
	// LoadModeCollectAll collects all errors before returning.
	LoadModeCollectAll
)

// LoadResult contains the projections compiled from a directory.
type LoadResult struct {
	Definitions []*projection.Definition
	FileCount   int
}

// Names returns the projection names in load order.
func (r *LoadResult) Names() []string {
	return projectionNames(r.Definitions)
}

// LoadError is one problem found while loading definitions.
type LoadError struct {
	Code       string
	Projection string
	Message    string
	Pos        token.Pos
}

func (e *LoadError) Error() string {
	msg := e.Message
	if e.Projection != "" {
		msg = e.Projection + ": " + msg
	}
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s", e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(), e.Code, msg)
	}
	return fmt.Sprintf("%s: %s", e.Code, msg)
}

// LoadProjections loads the CUE package in dir and compiles every entry under
// projection:. In LoadModeFailFast the first error is returned alone.
func LoadProjections(dir string, mode LoadMode) (*LoadResult, []error) {
	info, err := os.Stat(dir)
	if os.IsNotExist(err) {
		return nil, []error{&LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("projections directory not found: %s", dir)}}
	}
	if err != nil {
		return nil, []error{&LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("error accessing projections directory: %v", err)}}
	}
	if !info.IsDir() {
		return nil, []error{&LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("not a directory: %s", dir)}}
	}

	files, err := FindCUEFiles(dir)
	if err != nil {
		return nil, []error{&LoadError{Code: ErrCodeScanError, Message: fmt.Sprintf("error scanning directory: %v", err)}}
	}
	if len(files) == 0 {
		return nil, []error{&LoadError{Code: ErrCodeNoFiles, Message: fmt.Sprintf("no CUE files found in %s", dir)}}
	}

	instances := load.Instances([]string{"."}, &load.Config{Dir: dir})
	if len(instances) == 0 {
		return nil, []error{&LoadError{Code: ErrCodeLoadFailed, Message: "no CUE instances loaded"}}
	}
	inst := instances[0]
	if inst.Err != nil {
		return nil, []error{&LoadError{Code: ErrCodeLoadFailed, Message: fmt.Sprintf("loading CUE files: %v", inst.Err)}}
	}

	value := cuecontext.New().BuildInstance(inst)
	if err := value.Err(); err != nil {
		return nil, []error{&LoadError{Code: ErrCodeBuildFailed, Message: fmt.Sprintf("building CUE value: %v", err)}}
	}

	result := &LoadResult{FileCount: len(files)}
	projVal := value.LookupPath(cue.ParsePath("projection"))
	if !projVal.Exists() {
		return result, []error{&LoadError{Code: ErrCodeNoProjections, Message: "no projections found"}}
	}
	iter, err := projVal.Fields()
	if err != nil {
		return result, []error{&LoadError{Code: ErrCodeGeneric, Message: fmt.Sprintf("iterating projections: %v", err)}}
	}

	var errs []error
	seen := make(map[string]string)
	for iter.Next() {
		label := iter.Label()
		def, err := compiler.CompileProjection(iter.Value())
		if err != nil {
			errs = append(errs, convertCompileError(err, label)...)
			if mode == LoadModeFailFast {
				return result, errs[:1]
			}
			continue
		}
		if other, dup := seen[def.Name]; dup {
			errs = append(errs, &LoadError{
				Code:       ErrCodeDuplicate,
				Projection: label,
				Message:    fmt.Sprintf("projection name %q already used by %s", def.Name, other),
			})
			if mode == LoadModeFailFast {
				return result, errs
			}
			continue
		}
		seen[def.Name] = label
		result.Definitions = append(result.Definitions, def)
	}

	if len(result.Definitions) == 0 && len(errs) == 0 {
		errs = append(errs, &LoadError{Code: ErrCodeNoProjections, Message: "no projections found"})
	}
	return result, errs
}

// FindCUEFiles walks the directory and returns all .cue file paths.
func FindCUEFiles(dir string) ([]string, error) {
	var files []string
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() && filepath.Ext(path) == ".cue" {
			files = append(files, path)
		}
		return nil
	})
	return files, err
}

// convertCompileError splits a compiler error into LoadErrors. Validation
// failures keep their own codes.
func convertCompileError(err error, label string) []error {
	var verrs projection.ValidationErrors
	if errors.As(err, &verrs) {
		out := make([]error, len(verrs))
		for i, v := range verrs {
			out[i] = &LoadError{Code: v.Code, Projection: label, Message: v.Field + ": " + v.Message}
		}
		return out
	}
	var compileErr *compiler.CompileError
	if errors.As(err, &compileErr) {
		return []error{&LoadError{
			Code:       MapFieldToErrorCode(compileErr.Field),
			Projection: label,
			Message:    compileErr.Message,
			Pos:        compileErr.Pos,
		}}
	}
	return []error{&LoadError{Code: ErrCodeGeneric, Projection: label, Message: err.Error()}}
}

// Error code constants shared by all commands. Projection validation codes
// (E2xx) come from the projection package.
const (
	ErrCodeGeneric       = "E001" // Generic/unknown error
	ErrCodeScanError     = "E002" // Directory scan error
	ErrCodeNoFiles       = "E003" // No CUE files found
	ErrCodeLoadFailed    = "E004" // CUE load failed
	ErrCodeNotFound      = "E005" // Path not found
	ErrCodeBuildFailed   = "E006" // CUE build failed
	ErrCodeWriteFailed   = "E007" // File or database write error
	ErrCodeNoProjections = "E008" // No projection: entries
	ErrCodeDuplicate     = "E009" // Two entries share a projection name

	ErrCodeInvalidKey     = "E101" // Malformed key block
	ErrCodeInvalidColumns = "E102" // Malformed columns block
	ErrCodeInvalidIndexes = "E103" // Malformed indexes block
	ErrCodeInvalidRules   = "E104" // Malformed on: rules
	ErrCodeInvalidValue   = "E105" // Unsupported literal (e.g. float)

	ErrCodeSchemaMismatch = "E301" // Target database does not match
	ErrCodeDatabase       = "E302" // Database could not be opened or read
	ErrCodeDaemon         = "E303" // Daemon failed to start or stop
)

// MapFieldToErrorCode maps a compiler error field such as "columns.total" or
// "on.ImportStarted.set" to an error code.
func MapFieldToErrorCode(field string) string {
	head, _, _ := strings.Cut(field, ".")
	switch head {
	case "key":
		return ErrCodeInvalidKey
	case "columns":
		return ErrCodeInvalidColumns
	case "indexes":
		return ErrCodeInvalidIndexes
	case "on":
		return ErrCodeInvalidRules
	case "value":
		return ErrCodeInvalidValue
	case "cue":
		return ErrCodeBuildFailed
	default:
		return ErrCodeGeneric
	}
}
