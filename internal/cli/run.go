package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/roach88/flatline/internal/daemon"
	"github.com/roach88/flatline/internal/logging"
	"github.com/roach88/flatline/internal/schema"
	"github.com/roach88/flatline/internal/telemetry"
)

// ServiceName identifies flatline in traces.
const ServiceName = "flatline"

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	Target        TargetOptions
	UntilCaughtUp bool
	Timeout       time.Duration
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run [projections-dir]",
		Short: "Run the projection daemon",
		Long: `Run the projection daemon until SIGINT or SIGTERM.

Every projection in the directory gets its own agent. On a signal the agents
finish their in-flight batch and stop; after stop_timeout the remaining
transactions are rolled back.

With --until-caught-up the daemon stops as soon as every projection reached
the log tail observed at startup, and exits 1 if any projection failed.

Examples:
  flatline run --config flatline.yaml
  flatline run --db events.db ./projections --until-caught-up`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(opts, optionalDir(args), cmd)
		},
	}

	opts.Target.register(cmd)
	cmd.Flags().BoolVar(&opts.UntilCaughtUp, "until-caught-up", false, "stop once every projection reached the current tail")
	cmd.Flags().DurationVar(&opts.Timeout, "timeout", time.Minute, "catch-up timeout per projection with --until-caught-up")

	return cmd
}

func runDaemon(opts *RunOptions, dir string, cmd *cobra.Command) error {
	f := newFormatter(opts.RootOptions, cmd)

	ctx, stop := signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ws, defs, err := prepare(ctx, f, &opts.Target, dir)
	if err != nil {
		return err
	}
	defer ws.Close()

	logger, err := logging.New(ws.cfg.Environment, opts.Verbose)
	if err != nil {
		return f.Fail(ExitCommandError, ErrCodeGeneric, "failed to create logger", err)
	}
	defer func() { _ = logger.Sync() }()

	shutdown, err := telemetry.Setup(ctx, ws.cfg.OTelEndpoint, ServiceName)
	if err != nil {
		return f.Fail(ExitCommandError, ErrCodeGeneric, "failed to set up tracing", err)
	}
	defer func() {
		if err := shutdown(context.Background()); err != nil {
			logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}()

	d, err := ws.newDaemon(defs, logger)
	if err != nil {
		return f.Fail(ExitCommandError, ErrCodeDaemon, "failed to create daemon", err)
	}
	if err := d.Start(ctx); err != nil {
		if schema.IsMismatch(err) {
			return f.Fail(ExitFailure, ErrCodeSchemaMismatch, "target schema does not match projections", err)
		}
		return f.Fail(ExitCommandError, ErrCodeDaemon, "failed to start daemon", err)
	}
	logger.Info("daemon running",
		zap.Strings("projections", projectionNames(defs)),
		zap.String("mode", ws.cfg.Mode),
		zap.String("owner", d.Owner()))

	var failed []error
	if opts.UntilCaughtUp {
		for _, def := range defs {
			if err := d.WaitUntilCaughtUp(ctx, def.Name, opts.Timeout); err != nil {
				failed = append(failed, err)
			}
		}
	} else {
		<-ctx.Done()
		logger.Info("shutting down")
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), ws.cfg.StopTimeout)
	defer cancel()
	if err := d.Stop(stopCtx); err != nil {
		failed = append(failed, err)
	}

	statuses := d.Statuses()
	if len(failed) > 0 {
		err := errors.Join(failed...)
		if f.JSON() {
			_ = f.Failure(ErrCodeDaemon, err.Error(), statuses)
		} else {
			writeStatuses(f.Writer, statuses)
			fmt.Fprintf(f.Writer, "\nError [%s]: %v\n", ErrCodeDaemon, err)
		}
		return WrapExitError(ExitFailure, "daemon stopped with errors", err)
	}
	if f.JSON() {
		return f.Success(statuses)
	}
	writeStatuses(f.Writer, statuses)
	return nil
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func writeStatuses(w io.Writer, statuses []daemon.Status) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PROJECTION\tSTATE\tPOSITION\tTAIL\tLAG\tERROR")
	for _, st := range statuses {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\t%s\n", st.Projection, st.State, st.Position, st.Tail, st.Lag, st.LastError)
	}
	tw.Flush()
}
