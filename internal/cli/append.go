package cli

import (
	"bytes"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/roach88/flatline/internal/ir"
	"github.com/roach88/flatline/internal/store"
)

// AppendOptions holds flags for the append command.
type AppendOptions struct {
	*RootOptions
	Database string
}

// EventsFile is the YAML input of the append command.
type EventsFile struct {
	Events []AppendStep `yaml:"events"`
}

// AppendStep is one event to append. Expect, when set, is the stream
// version the append requires.
type AppendStep struct {
	Stream string `yaml:"stream"`
	Expect *int64 `yaml:"expect,omitempty"`

	ir.NewEvent `yaml:",inline"`
}

// AppendedEvent reports where an event landed in the log.
type AppendedEvent struct {
	Stream         string `json:"stream"`
	Type           string `json:"type"`
	Sequence       int64  `json:"sequence"`
	GlobalPosition int64  `json:"global_position"`
}

// NewAppendCommand creates the append command.
func NewAppendCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &AppendOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "append <events.yaml>",
		Short: "Append events to the SQLite event log",
		Long: `Append events from a YAML file to the SQLite event log, creating the
database if needed. Intended for development and demos.

File format:
  events:
    - stream: 0b0a1f4e-3c1d-4e7a-9a51-2f4c6d8e0a01
      type: ImportStarted
      expect: 0
      payload: { ActivityType: Contacts, PlannedSteps: 3 }

Payload values are strings, integers, booleans, lists and maps; floats are
rejected.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAppend(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (required)")
	_ = cmd.MarkFlagRequired("db")

	return cmd
}

// LoadEventsFile reads and validates an events file.
func LoadEventsFile(path string) (*EventsFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read events file: %w", err)
	}
	var file EventsFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil {
		return nil, fmt.Errorf("parse events file: %w", err)
	}
	if len(file.Events) == 0 {
		return nil, fmt.Errorf("events file %s has no events", path)
	}
	for i, ev := range file.Events {
		if ev.Stream == "" {
			return nil, fmt.Errorf("events[%d]: stream is required", i)
		}
		if ev.Type == "" {
			return nil, fmt.Errorf("events[%d]: type is required", i)
		}
	}
	return &file, nil
}

func runAppend(opts *AppendOptions, path string, cmd *cobra.Command) error {
	f := newFormatter(opts.RootOptions, cmd)
	ctx := commandContext(cmd)

	file, err := LoadEventsFile(path)
	if err != nil {
		return f.Fail(ExitCommandError, ErrCodeLoadFailed, "failed to load events", err)
	}

	st, err := store.Open(opts.Database)
	if err != nil {
		return f.Fail(ExitCommandError, ErrCodeDatabase, "failed to open database", err)
	}
	defer st.Close()

	appended := make([]AppendedEvent, 0, len(file.Events))
	for i, step := range file.Events {
		expect := store.ExpectAny
		if step.Expect != nil {
			expect = *step.Expect
		}
		events, err := st.Append(ctx, step.Stream, expect, step.NewEvent)
		if err != nil {
			return f.Fail(ExitCommandError, ErrCodeWriteFailed, fmt.Sprintf("failed to append events[%d]", i), err)
		}
		for _, ev := range events {
			appended = append(appended, AppendedEvent{
				Stream:         ev.StreamID,
				Type:           ev.Type,
				Sequence:       ev.Sequence,
				GlobalPosition: ev.GlobalPosition,
			})
			f.VerboseLog("Appended %s #%d at %d", ev.Type, ev.Sequence, ev.GlobalPosition)
		}
	}

	if f.JSON() {
		return f.Success(appended)
	}
	tw := tabwriter.NewWriter(f.Writer, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "POSITION\tSTREAM\tSEQ\tTYPE")
	for _, ev := range appended {
		fmt.Fprintf(tw, "%d\t%s\t%d\t%s\n", ev.GlobalPosition, ev.Stream, ev.Sequence, ev.Type)
	}
	tw.Flush()
	return nil
}
