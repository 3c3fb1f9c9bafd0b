package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
)

// ValidationResult is the JSON payload of the validate command.
type ValidationResult struct {
	Valid       bool             `json:"valid"`
	Projections []string         `json:"projections,omitempty"`
	Errors      []ValidationItem `json:"errors,omitempty"`
}

// ValidationItem is one problem found in the definitions.
type ValidationItem struct {
	Code       string `json:"code"`
	Projection string `json:"projection,omitempty"`
	Message    string `json:"message"`
	Line       int    `json:"line,omitempty"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <projections-dir>",
		Short: "Compile and validate projection definitions",
		Long: `Compile the CUE projection definitions in a directory and report every
problem at once: malformed blocks, unknown column types, rules that write
undeclared columns, float literals and duplicate names. No database is
opened.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts, args[0], cmd)
		},
	}
	return cmd
}

func runValidate(opts *RootOptions, dir string, cmd *cobra.Command) error {
	f := newFormatter(opts, cmd)

	result, errs := LoadProjections(dir, LoadModeCollectAll)
	if result == nil {
		// Directory or CUE package problems: nothing was compiled.
		code := ErrCodeGeneric
		var le *LoadError
		if errors.As(errs[0], &le) {
			code = le.Code
		}
		return f.Fail(ExitCommandError, code, "failed to load projections", errs[0])
	}

	f.VerboseLog("Found %d CUE file(s) in %s", result.FileCount, dir)
	for _, name := range result.Names() {
		f.VerboseLog("Valid projection: %s", name)
	}

	if len(errs) == 0 {
		if f.JSON() {
			return f.Success(ValidationResult{Valid: true, Projections: result.Names()})
		}
		fmt.Fprintf(f.Writer, "All %d projection(s) valid\n", len(result.Definitions))
		return nil
	}

	items := make([]ValidationItem, len(errs))
	for i, err := range errs {
		items[i] = toValidationItem(err)
	}
	msg := fmt.Sprintf("validation failed with %d error(s)", len(items))

	if f.JSON() {
		if err := f.Failure(items[0].Code, items[0].Message, ValidationResult{Valid: false, Projections: result.Names(), Errors: items}); err != nil {
			return err
		}
		return NewExitError(ExitFailure, msg)
	}

	fmt.Fprintln(f.Writer, "Validation failed")
	fmt.Fprintln(f.Writer)
	for _, item := range items {
		if item.Line > 0 {
			fmt.Fprintf(f.Writer, "line %d\n", item.Line)
		}
		if item.Projection != "" {
			fmt.Fprintf(f.Writer, "  %s: %s: %s\n\n", item.Code, item.Projection, item.Message)
		} else {
			fmt.Fprintf(f.Writer, "  %s: %s\n\n", item.Code, item.Message)
		}
	}
	return NewExitError(ExitFailure, msg)
}

func toValidationItem(err error) ValidationItem {
	var le *LoadError
	if !errors.As(err, &le) {
		return ValidationItem{Code: ErrCodeGeneric, Message: err.Error()}
	}
	item := ValidationItem{Code: le.Code, Projection: le.Projection, Message: le.Message}
	if le.Pos.IsValid() {
		item.Line = le.Pos.Line()
	}
	return item
}
