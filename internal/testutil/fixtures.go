package testutil

import (
	"github.com/roach88/flatline/internal/ir"
	"github.com/roach88/flatline/internal/projection"
)

// ImportHistory is the import tracking projection used across tests: one row
// per import stream, counters for progress, and deletion on ImportFailed.
func ImportHistory() *projection.Definition {
	return ImportHistoryBuilder().MustBuild()
}

// ImportHistoryBuilder returns the builder behind ImportHistory so tests can
// extend it.
func ImportHistoryBuilder() *projection.Builder {
	return projection.NewBuilder("import_history", "import_history").
		Key("id", projection.TypeUUID).
		Column("started", projection.TypeTimestamp, true).
		Column("error_code_guid", projection.TypeUUID, true).
		Index("ix_import_history_customer_id", "customer_id").
		TeardownOnRebuild().
		On("ImportStarted",
			projection.MapField("ActivityType", "activity_type").Required(),
			projection.MapField("CustomerId", "customer_id"),
			projection.MapField("PlannedSteps", "total_steps").WithDefault(ir.Int(0)),
			projection.MapField("Started", ""),
			projection.SetConstant("status", ir.String("started")),
			projection.SetConstant("step_number", ir.Int(0)),
			projection.SetConstant("records", ir.Int(0)),
		).
		On("ImportProgress",
			projection.Increment("step_number"),
			projection.IncrementByField("Records", ""),
			projection.SetConstant("status", ir.String("working")),
		).
		On("ImportFinished",
			projection.SetConstant("status", ir.String("completed")),
		).
		On("ImportFailedWithStringErrorCode", projection.MapField("ErrorCodeString", "")).
		On("ImportFailedWithGuidErrorCode", projection.MapField("ErrorCodeGuid", "")).
		Delete("ImportFailed")
}

// ImportStarted builds an ImportStarted event.
func ImportStarted(activity, customer string, steps int64) ir.NewEvent {
	return ir.NewEvent{Type: "ImportStarted", Payload: ir.Object{
		"Started":      ir.String("2024-01-01T10:00:00Z"),
		"ActivityType": ir.String(activity),
		"CustomerId":   ir.String(customer),
		"PlannedSteps": ir.Int(steps),
	}}
}

// ImportProgress builds an ImportProgress event.
func ImportProgress(step string, records, invalids int64) ir.NewEvent {
	return ir.NewEvent{Type: "ImportProgress", Payload: ir.Object{
		"StepName": ir.String(step),
		"Records":  ir.Int(records),
		"Invalids": ir.Int(invalids),
	}}
}

// ImportFinished builds an ImportFinished event.
func ImportFinished() ir.NewEvent {
	return ir.NewEvent{Type: "ImportFinished", Payload: ir.Object{
		"Finished": ir.String("2024-01-01T10:05:00Z"),
	}}
}

// ImportFailed builds an ImportFailed event.
func ImportFailed() ir.NewEvent {
	return ir.NewEvent{Type: "ImportFailed", Payload: ir.Object{}}
}

// ImportFailedWithGuidErrorCode builds the event with a nullable UUID error
// code. An empty code produces an explicit null.
func ImportFailedWithGuidErrorCode(code string) ir.NewEvent {
	var v ir.Value = ir.Null{}
	if code != "" {
		v = ir.String(code)
	}
	return ir.NewEvent{Type: "ImportFailedWithGuidErrorCode", Payload: ir.Object{"ErrorCodeGuid": v}}
}
