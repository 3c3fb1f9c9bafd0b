package cli

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/flatline/internal/daemon"
	"github.com/roach88/flatline/internal/lease"
	"github.com/roach88/flatline/internal/progress"
)

// StatusOptions holds flags for the status command.
type StatusOptions struct {
	*RootOptions
	Target TargetOptions
}

// ProjectionStatus is the persisted state of one projection.
type ProjectionStatus struct {
	Projection string    `json:"projection"`
	Table      string    `json:"table"`
	Position   int64     `json:"position"`
	Tail       int64     `json:"tail"`
	Lag        int64     `json:"lag"`
	UpdatedAt  time.Time `json:"updated_at,omitzero"`
	Owner      string    `json:"owner,omitempty"`
	LeaseUntil time.Time `json:"lease_until,omitzero"`
}

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &StatusOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "status [projections-dir]",
		Short: "Show marks, tail and lag of every projection",
		Long: `Show the persisted progression mark of every projection together with
the event log tail and the resulting lag. In coordinated mode the current
lease holder is shown as well. The daemon does not need to be running.

Example:
  flatline status --db events.db ./projections`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(opts, optionalDir(args), cmd)
		},
	}

	opts.Target.register(cmd)
	return cmd
}

func runStatus(opts *StatusOptions, dir string, cmd *cobra.Command) error {
	f := newFormatter(opts.RootOptions, cmd)
	ctx := commandContext(cmd)

	ws, defs, err := prepare(ctx, f, &opts.Target, dir)
	if err != nil {
		return err
	}
	defer ws.Close()

	tail, err := ws.store.TailPosition(ctx)
	if err != nil {
		return f.Fail(ExitCommandError, ErrCodeDatabase, "failed to read log tail", err)
	}

	tracker := ws.progress()
	if err := tracker.EnsureTable(ctx, ws.target); err != nil {
		return f.Fail(ExitCommandError, ErrCodeDatabase, "failed to prepare progression table", err)
	}
	marks, err := tracker.List(ctx, ws.target)
	if err != nil {
		return f.Fail(ExitCommandError, ErrCodeDatabase, "failed to read marks", err)
	}
	byName := make(map[string]progress.Mark, len(marks))
	for _, m := range marks {
		byName[m.Projection] = m
	}

	holders := map[string]lease.Holder{}
	if ws.cfg.DaemonMode() == daemon.ModeCoordinated {
		coord := ws.coordinator()
		if err := coord.EnsureTable(ctx); err != nil {
			return f.Fail(ExitCommandError, ErrCodeDatabase, "failed to prepare lease table", err)
		}
		list, err := coord.Holders(ctx)
		if err != nil {
			return f.Fail(ExitCommandError, ErrCodeDatabase, "failed to read leases", err)
		}
		for _, h := range list {
			holders[h.Projection] = h
		}
	}

	out := make([]ProjectionStatus, 0, len(defs))
	for _, def := range defs {
		m := byName[def.Name]
		st := ProjectionStatus{
			Projection: def.Name,
			Table:      ws.dialect.Table(def),
			Position:   m.Position,
			Tail:       tail,
			Lag:        max(tail-m.Position, 0),
			UpdatedAt:  m.UpdatedAt,
		}
		if h, ok := holders[def.Name]; ok {
			st.Owner = h.Owner
			st.LeaseUntil = h.ExpiresAt
		}
		out = append(out, st)
	}

	if f.JSON() {
		return f.Success(out)
	}
	tw := tabwriter.NewWriter(f.Writer, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PROJECTION\tTABLE\tPOSITION\tTAIL\tLAG\tOWNER")
	for _, st := range out {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\t%s\n", st.Projection, st.Table, st.Position, st.Tail, st.Lag, orDash(st.Owner))
	}
	tw.Flush()
	return nil
}
