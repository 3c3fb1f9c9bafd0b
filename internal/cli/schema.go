package cli

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/roach88/flatline/internal/schema"
)

// AssertOptions holds flags for the assert command.
type AssertOptions struct {
	*RootOptions
	Target TargetOptions
	Strict bool
}

// AssertResult is the JSON payload of assert and apply-schema.
type AssertResult struct {
	OK            bool                 `json:"ok"`
	Discrepancies []schema.Discrepancy `json:"discrepancies"`
}

// NewAssertCommand creates the assert command.
func NewAssertCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &AssertOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "assert [projections-dir]",
		Short: "Compare the target schema with the projections",
		Long: `Compare the target database with the tables, columns, indexes and
upsert functions the projections require, and print every discrepancy.

Exit codes:
  0 - Schema matches (or discrepancies found without --strict)
  1 - Discrepancies found with --strict
  2 - Command error

Examples:
  flatline assert --config flatline.yaml --strict
  flatline assert --db events.db --postgres postgres://localhost/flat ./projections`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAssert(opts, optionalDir(args), cmd)
		},
	}

	opts.Target.register(cmd)
	cmd.Flags().BoolVar(&opts.Strict, "strict", false, "exit 1 when any discrepancy is found")

	return cmd
}

func runAssert(opts *AssertOptions, dir string, cmd *cobra.Command) error {
	f := newFormatter(opts.RootOptions, cmd)
	ctx := commandContext(cmd)

	ws, defs, err := prepare(ctx, f, &opts.Target, dir)
	if err != nil {
		return err
	}
	defer ws.Close()

	result, err := schema.Assert(ctx, ws.catalog, defs)
	if err != nil {
		return f.Fail(ExitCommandError, ErrCodeDatabase, "failed to read catalog", err)
	}
	return reportSchema(f, result, opts.Strict)
}

// ApplySchemaOptions holds flags for the apply-schema command.
type ApplySchemaOptions struct {
	*RootOptions
	Target TargetOptions
}

// NewApplySchemaCommand creates the apply-schema command.
func NewApplySchemaCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ApplySchemaOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "apply-schema [projections-dir]",
		Short: "Create missing projection tables, indexes and functions",
		Long: `Create the progression table, the projected tables, their indexes and
(for the Postgres function strategy) their upsert functions. Existing objects
are left alone; the schema is asserted afterwards and remaining
discrepancies, such as a column with the wrong type, make the command exit 1.

Example:
  flatline apply-schema --db events.db ./projections`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runApplySchema(opts, optionalDir(args), cmd)
		},
	}

	opts.Target.register(cmd)
	return cmd
}

func runApplySchema(opts *ApplySchemaOptions, dir string, cmd *cobra.Command) error {
	f := newFormatter(opts.RootOptions, cmd)
	ctx := commandContext(cmd)

	ws, defs, err := prepare(ctx, f, &opts.Target, dir)
	if err != nil {
		return err
	}
	defer ws.Close()

	if err := ws.progress().EnsureTable(ctx, ws.target); err != nil {
		return f.Fail(ExitCommandError, ErrCodeWriteFailed, "failed to create progression table", err)
	}
	if err := ws.coordinator().EnsureTable(ctx); err != nil {
		return f.Fail(ExitCommandError, ErrCodeWriteFailed, "failed to create lease table", err)
	}
	if err := schema.Apply(ctx, ws.target, ws.dialect, defs); err != nil {
		return f.Fail(ExitCommandError, ErrCodeWriteFailed, "failed to apply schema", err)
	}
	for _, def := range defs {
		f.VerboseLog("Applied %s", ws.dialect.Table(def))
	}

	result, err := schema.Assert(ctx, ws.catalog, defs)
	if err != nil {
		return f.Fail(ExitCommandError, ErrCodeDatabase, "failed to read catalog", err)
	}
	return reportSchema(f, result, true)
}

func reportSchema(f *OutputFormatter, result schema.Result, strict bool) error {
	out := AssertResult{OK: result.OK(), Discrepancies: result.Discrepancies}
	mismatch := !result.OK() && strict
	msg := fmt.Sprintf("%d schema discrepancy(ies)", len(result.Discrepancies))

	switch {
	case f.JSON() && mismatch:
		if err := f.Failure(ErrCodeSchemaMismatch, msg, out); err != nil {
			return err
		}
	case f.JSON():
		if err := f.Success(out); err != nil {
			return err
		}
	case result.OK():
		fmt.Fprintln(f.Writer, "Schema matches projections")
	default:
		fmt.Fprintf(f.Writer, "Found %s\n\n", msg)
		writeDiscrepancies(f.Writer, result.Discrepancies)
	}

	if mismatch {
		return NewExitError(ExitFailure, msg)
	}
	return nil
}

func writeDiscrepancies(w io.Writer, ds []schema.Discrepancy) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PROJECTION\tKIND\tOBJECT\tEXPECTED\tACTUAL")
	for _, d := range ds {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", d.Projection, d.Kind, d.Object, orDash(d.Expected), orDash(d.Actual))
	}
	tw.Flush()
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
