package flat_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/flatline/internal/flat"
	"github.com/roach88/flatline/internal/ir"
	"github.com/roach88/flatline/internal/projection"
	"github.com/roach88/flatline/internal/testutil"
)

const importID = "6f1c2d3e-4a5b-4c6d-8e9f-0a1b2c3d4e5f"

func event(pos int64, ne ir.NewEvent) ir.Event {
	return ir.Event{StreamID: importID, Sequence: pos, GlobalPosition: pos, Type: ne.Type, Payload: ne.Payload}
}

func TestApply_ImportStarted(t *testing.T) {
	def := testutil.ImportHistory()

	op, err := flat.Apply(event(1, testutil.ImportStarted("foo", "cust-1", 3)), def)
	require.NoError(t, err)

	assert.Equal(t, flat.Upsert, op.Kind)
	assert.Equal(t, "import_history", op.Projection)
	assert.Equal(t, "ImportStarted", op.EventType)
	assert.Equal(t, int64(1), op.Position)
	assert.Equal(t, ir.String(importID), op.Key)
	assert.Equal(t, []flat.Assignment{
		{Column: "activity_type", Value: ir.String("foo")},
		{Column: "customer_id", Value: ir.String("cust-1")},
		{Column: "total_steps", Value: ir.Int(3)},
		{Column: "started", Value: ir.String("2024-01-01T10:00:00Z")},
		{Column: "status", Value: ir.String("started")},
		{Column: "step_number", Value: ir.Int(0)},
		{Column: "records", Value: ir.Int(0)},
	}, op.Assignments)
}

func TestApply_ImportProgressIncrements(t *testing.T) {
	def := testutil.ImportHistory()

	op, err := flat.Apply(event(2, testutil.ImportProgress("step-1", 40, 1)), def)
	require.NoError(t, err)

	assert.Equal(t, []flat.Assignment{
		{Column: "step_number", Value: ir.Int(1), Mode: flat.Add},
		{Column: "records", Value: ir.Int(40), Mode: flat.Add},
		{Column: "status", Value: ir.String("working")},
	}, op.Assignments)
}

func TestApply_DeleteRule(t *testing.T) {
	def := testutil.ImportHistory()

	op, err := flat.Apply(event(3, testutil.ImportFailed()), def)
	require.NoError(t, err)
	assert.Equal(t, flat.Delete, op.Kind)
	assert.Equal(t, ir.String(importID), op.Key)
	assert.Empty(t, op.Assignments)
}

func TestApply_UnknownEventTypeIsNoop(t *testing.T) {
	def := testutil.ImportHistory()

	op, err := flat.Apply(ir.Event{StreamID: importID, GlobalPosition: 9, Type: "CustomerRenamed"}, def)
	require.NoError(t, err)
	assert.Equal(t, flat.Noop, op.Kind)
	assert.Equal(t, int64(9), op.Position)
}

func TestApply_DefaultSubstitutedForMissingField(t *testing.T) {
	def := testutil.ImportHistory()
	ne := testutil.ImportStarted("foo", "cust-1", 0)
	delete(ne.Payload, "PlannedSteps")

	op, err := flat.Apply(event(1, ne), def)
	require.NoError(t, err)
	assert.Contains(t, op.Assignments, flat.Assignment{Column: "total_steps", Value: ir.Int(0)})
}

func TestApply_NullableFieldMapsToNull(t *testing.T) {
	def := testutil.ImportHistory()

	op, err := flat.Apply(event(5, testutil.ImportFailedWithGuidErrorCode("")), def)
	require.NoError(t, err)
	assert.Equal(t, []flat.Assignment{{Column: "error_code_guid", Value: ir.Null{}}}, op.Assignments)

	ne := testutil.ImportStarted("foo", "cust-1", 1)
	delete(ne.Payload, "CustomerId")
	op, err = flat.Apply(event(1, ne), def)
	require.NoError(t, err)
	assert.Contains(t, op.Assignments, flat.Assignment{Column: "customer_id", Value: ir.Null{}})
}

func TestApply_NullableUUIDIsNormalised(t *testing.T) {
	def := testutil.ImportHistory()

	op, err := flat.Apply(event(5, testutil.ImportFailedWithGuidErrorCode("6F1C2D3E-4A5B-4C6D-8E9F-0A1B2C3D4E5F")), def)
	require.NoError(t, err)
	assert.Equal(t, ir.String(importID), op.Assignments[0].Value)
}

func TestApply_MappingViolations(t *testing.T) {
	def := testutil.ImportHistory()

	tests := []struct {
		name   string
		ev     ir.Event
		column string
		reason string
	}{
		{
			name: "required field null",
			ev: func() ir.Event {
				ne := testutil.ImportStarted("foo", "cust-1", 1)
				ne.Payload["ActivityType"] = ir.Null{}
				return event(1, ne)
			}(),
			column: "activity_type",
			reason: "no default",
		},
		{
			name: "required field absent",
			ev: func() ir.Event {
				ne := testutil.ImportStarted("foo", "cust-1", 1)
				delete(ne.Payload, "ActivityType")
				return event(1, ne)
			}(),
			column: "activity_type",
			reason: "no default",
		},
		{
			name:   "bad uuid",
			ev:     event(1, testutil.ImportFailedWithGuidErrorCode("not-a-uuid")),
			column: "error_code_guid",
			reason: "not a UUID",
		},
		{
			name: "bad timestamp",
			ev: func() ir.Event {
				ne := testutil.ImportStarted("foo", "cust-1", 1)
				ne.Payload["Started"] = ir.String("yesterday")
				return event(1, ne)
			}(),
			column: "started",
			reason: "RFC 3339",
		},
		{
			name: "missing increment source",
			ev: func() ir.Event {
				ne := testutil.ImportProgress("s", 1, 0)
				delete(ne.Payload, "Records")
				return event(2, ne)
			}(),
			column: "records",
			reason: "increment source",
		},
		{
			name:   "key is not a uuid",
			ev:     ir.Event{StreamID: "import-1", GlobalPosition: 1, Type: "ImportFinished"},
			column: "id",
			reason: "not a UUID",
		},
		{
			name:   "no stream identity",
			ev:     ir.Event{GlobalPosition: 1, Type: "ImportFinished"},
			column: "id",
			reason: "no stream identity",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := flat.Apply(tt.ev, def)
			require.Error(t, err)
			require.True(t, flat.IsMappingViolation(err))

			mv := err.(*flat.MappingViolation)
			assert.Equal(t, "import_history", mv.Projection)
			assert.Equal(t, tt.column, mv.Column)
			assert.Contains(t, mv.Reason, tt.reason)
			assert.Equal(t, tt.ev.GlobalPosition, mv.GlobalPosition)
		})
	}
}

func TestApply_NotNullColumnWithoutRequiredMapping(t *testing.T) {
	def := projection.NewBuilder("p", "t").Key("id", projection.TypeText).
		Column("name", projection.TypeText, false).
		On("A", projection.MapField("Name", "")).
		MustBuild()

	_, err := flat.Apply(ir.Event{StreamID: "s", GlobalPosition: 1, Type: "A", Payload: ir.Object{}}, def)
	require.Error(t, err)
	assert.True(t, flat.IsMappingViolation(err))
	assert.Contains(t, err.Error(), "column name (from Name)")
}

func TestApply_IntegerKey(t *testing.T) {
	def := projection.NewBuilder("p", "t").Key("id", projection.TypeInteger).
		On("A", projection.Increment("n")).
		MustBuild()

	op, err := flat.Apply(ir.Event{StreamID: "42", GlobalPosition: 1, Type: "A"}, def)
	require.NoError(t, err)
	assert.Equal(t, ir.Int(42), op.Key)
}

func TestApply_Deterministic(t *testing.T) {
	def := testutil.ImportHistory()
	ev := event(1, testutil.ImportStarted("foo", "cust-1", 3))

	first, err := flat.Apply(ev, def)
	require.NoError(t, err)
	second, err := flat.Apply(ev, def)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}
