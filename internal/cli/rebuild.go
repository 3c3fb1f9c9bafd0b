package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/roach88/flatline/internal/logging"
)

// RebuildOptions holds flags for the rebuild command.
type RebuildOptions struct {
	*RootOptions
	Target TargetOptions
}

// RebuildResult is the JSON payload of the rebuild command.
type RebuildResult struct {
	Projection string `json:"projection"`
	Table      string `json:"table"`
}

// NewRebuildCommand creates the rebuild command.
func NewRebuildCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RebuildOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "rebuild <projection> [projections-dir]",
		Short: "Truncate a projection and reset its mark",
		Long: `Delete every row of a projection declared with teardown_on_rebuild and
remove its progression mark in one transaction. The next daemon run replays
the whole log into the empty table.

Stop the daemon owning the projection first; a running daemon keeps its
in-memory mark until restarted.

Example:
  flatline rebuild --db events.db import_history ./projections`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRebuild(opts, args[0], optionalDir(args[1:]), cmd)
		},
	}

	opts.Target.register(cmd)
	return cmd
}

func runRebuild(opts *RebuildOptions, name, dir string, cmd *cobra.Command) error {
	f := newFormatter(opts.RootOptions, cmd)
	ctx := commandContext(cmd)

	ws, defs, err := prepare(ctx, f, &opts.Target, dir)
	if err != nil {
		return err
	}
	defer ws.Close()

	logger := zap.NewNop()
	if opts.Verbose {
		if logger, err = logging.New(ws.cfg.Environment, true); err != nil {
			return f.Fail(ExitCommandError, ErrCodeGeneric, "failed to create logger", err)
		}
	}

	d, err := ws.newDaemon(defs, logger)
	if err != nil {
		return f.Fail(ExitCommandError, ErrCodeDaemon, "failed to create daemon", err)
	}
	if err := d.Rebuild(ctx, name); err != nil {
		return f.Fail(ExitCommandError, ErrCodeWriteFailed, "failed to rebuild projection", err)
	}

	st, err := d.Status(name)
	if err != nil {
		return f.Fail(ExitCommandError, ErrCodeDaemon, "failed to read status", err)
	}
	if f.JSON() {
		return f.Success(RebuildResult{Projection: name, Table: st.Table})
	}
	fmt.Fprintf(f.Writer, "Rebuilt %s: table %s truncated, mark reset\n", name, st.Table)
	return nil
}
