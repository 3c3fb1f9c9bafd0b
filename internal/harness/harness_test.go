package harness

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/flatline/internal/daemon"
)

func loadTestScenario(t *testing.T, name string) *Scenario {
	t.Helper()
	s, err := LoadScenario(filepath.Join("testdata", "scenarios", name+".yaml"))
	require.NoError(t, err)
	return s
}

func TestRun_GoldenScenarios(t *testing.T) {
	for _, name := range []string{"import_lifecycle", "mapping_violation"} {
		t.Run(name, func(t *testing.T) {
			result, err := RunWithGolden(t, loadTestScenario(t, name))
			require.NoError(t, err)
			assert.True(t, result.Pass, "errors: %v", result.Errors)
		})
	}
}

func TestRun_RetriesExhausted(t *testing.T) {
	result, err := Run(context.Background(), loadTestScenario(t, "retries_exhausted"))
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)

	err = result.Failures["import_history"]
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInjectedCommitFailure)
	assert.True(t, daemon.IsTransientWriteFailure(err))
}

func TestRun_ReportsFailedAssertions(t *testing.T) {
	s := loadTestScenario(t, "import_lifecycle")
	s.Assertions = []Assertion{
		{Type: AssertRowCount, Table: "import_history", Count: 5},
		{Type: AssertMark, Projection: "import_history", Position: 1},
	}

	result, err := Run(context.Background(), s)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 2)
	assert.Contains(t, result.Errors[0], "5 rows in import_history")
	assert.Contains(t, result.Errors[1], "import_history at position 1")
}

func TestRun_UnexpectedFailure(t *testing.T) {
	s := loadTestScenario(t, "mapping_violation")
	s.Assertions = []Assertion{{Type: AssertMark, Projection: "import_status", Position: 3}}

	result, err := Run(context.Background(), s)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "projection import_history failed unexpectedly")
}

func TestRun_CompileErrors(t *testing.T) {
	s := loadTestScenario(t, "import_lifecycle")
	s.Projections = []string{filepath.Join("testdata", "missing.cue")}

	_, err := Run(context.Background(), s)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read projection file")
}
