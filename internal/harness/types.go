package harness

import "github.com/roach88/flatline/internal/daemon"

// Row is one projected row keyed by column name.
type Row map[string]any

// Table is a snapshot of one projected table, rows ordered by primary key.
type Table struct {
	Name    string
	Key     string
	Columns []string
	Rows    []Row
}

// Result is the outcome of a scenario run.
type Result struct {
	// Scenario is the scenario name.
	Scenario string

	// Pass is true when no assertion failed.
	Pass bool

	// Errors holds assertion failures and unexpected agent errors.
	Errors []string

	// Projections lists the projection names in definition order.
	Projections []string

	// Tables maps projection name to its table snapshot.
	Tables map[string]*Table

	// Marks maps projection name to its persisted mark.
	Marks map[string]int64

	// Statuses maps projection name to the agent status after stop.
	Statuses map[string]daemon.Status

	// Failures maps projection name to the error that stopped its agent.
	Failures map[string]error
}

// NewResult creates an empty passing result.
func NewResult(scenario string) *Result {
	return &Result{
		Scenario: scenario,
		Pass:     true,
		Errors:   []string{},
		Tables:   make(map[string]*Table),
		Marks:    make(map[string]int64),
		Statuses: make(map[string]daemon.Status),
		Failures: make(map[string]error),
	}
}

// AddError records a failure and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// TableByName finds a snapshot by table name.
func (r *Result) TableByName(name string) (*Table, bool) {
	for _, t := range r.Tables {
		if t.Name == name {
			return t, true
		}
	}
	return nil, false
}
