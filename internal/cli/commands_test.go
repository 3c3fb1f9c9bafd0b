package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const eventsYAML = `events:
  - stream: 0b0a1f4e-3c1d-4e7a-9a51-2f4c6d8e0a01
    type: ImportStarted
    expect: 0
    payload: { ActivityType: Contacts, CustomerId: customer-1, PlannedSteps: 3, Started: "2024-01-01T10:00:00Z" }
  - stream: 0b0a1f4e-3c1d-4e7a-9a51-2f4c6d8e0a01
    type: ImportFinished
    payload: { Finished: "2024-01-01T10:05:00Z" }
`

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func readStatuses(t *testing.T, db string) map[string]ProjectionStatus {
	t.Helper()
	out, err := execute(t, "--format", "json", "status", "--db", db, projectionsDir)
	require.NoError(t, err)

	var resp struct {
		Status string             `json:"status"`
		Data   []ProjectionStatus `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	byName := make(map[string]ProjectionStatus, len(resp.Data))
	for _, st := range resp.Data {
		byName[st.Projection] = st
	}
	return byName
}

func TestWorkflow(t *testing.T) {
	dir := t.TempDir()
	db := filepath.Join(dir, "events.db")
	events := writeFile(t, dir, "events.yaml", eventsYAML)

	out, err := execute(t, "append", "--db", db, events)
	require.NoError(t, err)
	assert.Contains(t, out, "ImportStarted")
	assert.Contains(t, out, "ImportFinished")

	// Nothing is projected yet, so the strict check fails.
	out, err = execute(t, "assert", "--strict", "--db", db, projectionsDir)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "missing_table")

	out, err = execute(t, "assert", "--db", db, projectionsDir)
	require.NoError(t, err, "without --strict discrepancies are only printed")
	assert.Contains(t, out, "missing_table")

	out, err = execute(t, "apply-schema", "--db", db, projectionsDir)
	require.NoError(t, err)
	assert.Contains(t, out, "Schema matches projections")

	out, err = execute(t, "run", "--db", db, "--until-caught-up", "--timeout", "20s", projectionsDir)
	require.NoError(t, err)
	assert.Contains(t, out, "import_history")
	assert.Contains(t, out, "stopped")

	statuses := readStatuses(t, db)
	require.Len(t, statuses, 2)
	for _, name := range []string{"import_history", "import_status"} {
		st := statuses[name]
		assert.Equal(t, int64(2), st.Position, name)
		assert.Equal(t, int64(2), st.Tail, name)
		assert.Zero(t, st.Lag, name)
		assert.False(t, st.UpdatedAt.IsZero(), name)
	}

	out, err = execute(t, "rebuild", "--db", db, "import_history", projectionsDir)
	require.NoError(t, err)
	assert.Contains(t, out, "Rebuilt import_history")

	statuses = readStatuses(t, db)
	assert.Zero(t, statuses["import_history"].Position)
	assert.Equal(t, int64(2), statuses["import_history"].Lag)
	assert.Equal(t, int64(2), statuses["import_status"].Position)

	_, err = execute(t, "rebuild", "--db", db, "import_status", projectionsDir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "teardown on rebuild is not enabled")
}

func TestRun_FailsOnSchemaMismatch(t *testing.T) {
	dir := t.TempDir()
	db := filepath.Join(dir, "events.db")
	_, err := execute(t, "append", "--db", db, writeFile(t, dir, "events.yaml", eventsYAML))
	require.NoError(t, err)

	out, err := execute(t, "run", "--db", db, "--until-caught-up", projectionsDir)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "E301")
}

func TestRun_ConfigErrors(t *testing.T) {
	_, err := execute(t, "run", projectionsDir)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "database is required")
}

func TestAppend_Errors(t *testing.T) {
	dir := t.TempDir()
	db := filepath.Join(dir, "events.db")

	tests := []struct {
		name  string
		body  string
		match string
	}{
		{"empty", "events: []\n", "has no events"},
		{"missing stream", "events: [{type: E}]\n", "events[0]: stream is required"},
		{"unknown field", "events: [{stream: s, type: E, extra: 1}]\n", "field extra not found"},
		{"version mismatch", "events: [{stream: s, type: E, expect: 4}]\n", "failed to append events[0]"},
	}
	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeFile(t, dir, fmt.Sprintf("events-%d.yaml", i), tt.body)
			_, err := execute(t, "append", "--db", db, path)
			require.Error(t, err)
			assert.Equal(t, ExitCommandError, GetExitCode(err))
			assert.Contains(t, err.Error(), tt.match)
		})
	}
}

func TestAppend_JSON(t *testing.T) {
	dir := t.TempDir()
	out, err := execute(t, "--format", "json", "append", "--db", filepath.Join(dir, "events.db"), writeFile(t, dir, "events.yaml", eventsYAML))
	require.NoError(t, err)

	var resp struct {
		Data []AppendedEvent `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	require.Len(t, resp.Data, 2)
	assert.Equal(t, AppendedEvent{
		Stream:         "0b0a1f4e-3c1d-4e7a-9a51-2f4c6d8e0a01",
		Type:           "ImportFinished",
		Sequence:       2,
		GlobalPosition: 2,
	}, resp.Data[1])
}

func TestTestCommand(t *testing.T) {
	out, err := execute(t, "test", filepath.Join("..", "harness", "testdata", "scenarios"))
	require.NoError(t, err, out)
	assert.Contains(t, out, "ok   import_lifecycle")
	assert.Contains(t, out, "Test Summary: 3 passed, 0 failed, 3 total")
}

func TestTestCommand_Filter(t *testing.T) {
	out, err := execute(t, "--format", "json", "test", "--filter", "mapping_*", filepath.Join("..", "harness", "testdata", "scenarios"))
	require.NoError(t, err)

	var resp struct {
		Status string     `json:"status"`
		Data   TestResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
	require.Len(t, resp.Data.Scenarios, 1)
	assert.Equal(t, ScenarioResult{Name: "mapping_violation", Pass: true, Golden: "match"}, resp.Data.Scenarios[0])
}

func TestTestCommand_UpdateGolden(t *testing.T) {
	abs, err := filepath.Abs(filepath.Join(projectionsDir, "import_status.cue"))
	require.NoError(t, err)

	root := t.TempDir()
	scenarios := filepath.Join(root, "scenarios")
	require.NoError(t, os.MkdirAll(scenarios, 0o755))
	writeFile(t, scenarios, "status_only.yaml", fmt.Sprintf(`name: status_only
description: "one started import"
projections: [%q]
events:
  - stream: 0b0a1f4e-3c1d-4e7a-9a51-2f4c6d8e0a01
    type: ImportStarted
    payload: {}
assertions:
  - type: row_count
    table: import_status
    count: 1
`, abs))

	out, err := execute(t, "test", "--update", scenarios)
	require.NoError(t, err)
	assert.Contains(t, out, "ok   status_only (golden updated)")

	golden := filepath.Join(root, "golden", "status_only.golden")
	data, err := os.ReadFile(golden)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(data), "scenario status_only\n"))
	assert.Contains(t, string(data), `- id="0b0a1f4e-3c1d-4e7a-9a51-2f4c6d8e0a01" status="started"`)

	_, err = execute(t, "test", scenarios)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(golden, []byte("scenario status_only\n"), 0o644))
	out, err = execute(t, "test", scenarios)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "snapshot does not match golden file")
}

func TestTestCommand_Errors(t *testing.T) {
	_, err := execute(t, "test")
	require.Error(t, err)

	_, err = execute(t, "test", "/nonexistent/scenarios")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "scenario path not found")

	out, err := execute(t, "test", t.TempDir())
	require.NoError(t, err)
	assert.Contains(t, out, "No scenarios found.")
}
