package harness

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/roach88/flatline/internal/ir"
)

// Scenario is one end-to-end projection test.
type Scenario struct {
	// Name uniquely identifies the scenario and its golden file.
	Name string `yaml:"name"`

	// Description explains what the scenario validates.
	Description string `yaml:"description"`

	// Projections lists CUE definition files. Relative paths resolve
	// against the scenario file.
	Projections []string `yaml:"projections"`

	// Options tune the daemon for this scenario.
	Options Options `yaml:"options,omitempty"`

	// Faults inject failures into batch commits.
	Faults Faults `yaml:"faults,omitempty"`

	// Events are appended in order before the daemon starts.
	Events []EventStep `yaml:"events"`

	// Assertions are evaluated after every projection caught up or failed.
	Assertions []Assertion `yaml:"assertions"`
}

// Options are the daemon settings a scenario may change.
type Options struct {
	BatchSize   int `yaml:"batch_size,omitempty"`
	MaxAttempts int `yaml:"max_attempts,omitempty"`
}

// Faults describe injected failures.
type Faults struct {
	// FailCommits makes the first n batch commits fail just before COMMIT.
	FailCommits int `yaml:"fail_commits,omitempty"`
}

// EventStep is one event appended to a stream.
type EventStep struct {
	Stream string `yaml:"stream"`

	ir.NewEvent `yaml:",inline"`
}

// Assertion validates the final tables, marks or agent states.
type Assertion struct {
	// Type is one of row, row_absent, row_count, mark, state.
	Type string `yaml:"type"`

	// Table is the projected table (row, row_absent, row_count).
	Table string `yaml:"table,omitempty"`

	// Where selects rows by exact column values (row, row_absent).
	Where map[string]any `yaml:"where,omitempty"`

	// Expect is a subset of column values the row must have (row).
	Expect map[string]any `yaml:"expect,omitempty"`

	// Count is the expected number of rows (row_count).
	Count int `yaml:"count,omitempty"`

	// Projection names the projection (mark, state).
	Projection string `yaml:"projection,omitempty"`

	// Position is the expected persisted mark (mark).
	Position int64 `yaml:"position,omitempty"`

	// State is the expected final agent state, e.g. "errored" (state).
	State string `yaml:"state,omitempty"`

	// Code is the expected agent error code, e.g. "UNRECOVERABLE" (state).
	Code string `yaml:"code,omitempty"`
}

// Assertion type constants.
const (
	AssertRow       = "row"
	AssertRowAbsent = "row_absent"
	AssertRowCount  = "row_count"
	AssertMark      = "mark"
	AssertState     = "state"
)

// LoadScenario reads and parses a scenario YAML file. Unknown fields are
// rejected and projection paths are resolved against the file's directory.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}

	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	base := filepath.Dir(path)
	for i, p := range scenario.Projections {
		if !filepath.IsAbs(p) {
			scenario.Projections[i] = filepath.Join(base, p)
		}
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return errors.New("name is required")
	}
	if s.Description == "" {
		return errors.New("description is required")
	}
	if len(s.Projections) == 0 {
		return errors.New("projections list is required and must be non-empty")
	}
	if len(s.Events) == 0 {
		return errors.New("events list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return errors.New("assertions list is required and must be non-empty")
	}
	if s.Faults.FailCommits < 0 {
		return errors.New("faults.fail_commits must be non-negative")
	}

	for _, p := range s.Projections {
		if _, err := os.Stat(p); os.IsNotExist(err) {
			return fmt.Errorf("projection file not found: %s", p)
		}
	}

	for i, ev := range s.Events {
		if ev.Stream == "" {
			return fmt.Errorf("events[%d]: stream is required", i)
		}
		if ev.Type == "" {
			return fmt.Errorf("events[%d]: type is required", i)
		}
	}

	for i := range s.Assertions {
		if err := validateAssertion(i, &s.Assertions[i]); err != nil {
			return err
		}
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	switch a.Type {
	case "":
		return fmt.Errorf("assertions[%d]: type is required", index)
	case AssertRow:
		if a.Table == "" || len(a.Where) == 0 {
			return fmt.Errorf("assertions[%d]: table and where are required for row", index)
		}
		if len(a.Expect) == 0 {
			return fmt.Errorf("assertions[%d]: expect is required for row", index)
		}
	case AssertRowAbsent:
		if a.Table == "" || len(a.Where) == 0 {
			return fmt.Errorf("assertions[%d]: table and where are required for row_absent", index)
		}
	case AssertRowCount:
		if a.Table == "" {
			return fmt.Errorf("assertions[%d]: table is required for row_count", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for row_count", index)
		}
	case AssertMark:
		if a.Projection == "" {
			return fmt.Errorf("assertions[%d]: projection is required for mark", index)
		}
	case AssertState:
		if a.Projection == "" || a.State == "" {
			return fmt.Errorf("assertions[%d]: projection and state are required for state", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}
