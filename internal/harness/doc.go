// Package harness runs projection scenarios end to end.
//
// A scenario names projection definition files, a list of events, optional
// fault injection and assertions on the projected tables. The harness
// appends the events to a fresh event store, runs the daemon until every
// projection has caught up, snapshots the tables and evaluates the
// assertions.
//
// # Scenario Format
//
//	name: import_lifecycle
//	description: "An import is started, progresses and completes"
//	projections:
//	  - projections/import_history.cue
//	options:
//	  batch_size: 2
//	faults:
//	  fail_commits: 1
//	events:
//	  - stream: 0b0a1f4e-3c1d-4e7a-9a51-2f4c6d8e0a01
//	    type: ImportStarted
//	    payload: { ActivityType: Contacts, PlannedSteps: 2 }
//	assertions:
//	  - type: row
//	    table: import_history
//	    where: { id: 0b0a1f4e-3c1d-4e7a-9a51-2f4c6d8e0a01 }
//	    expect: { status: started, total_steps: 2 }
//	  - type: mark
//	    projection: import_history
//	    position: 1
//
// # Assertion Types
//
//   - row: the row matching where exists and has the expected values
//   - row_absent: no row matches where
//   - row_count: the table holds exactly count rows
//   - mark: the projection's persisted mark equals position
//   - state: the projection agent ended in state, optionally with error code
//
// # Deterministic Testing
//
// Events are recorded with a deterministic clock and every scenario runs
// against its own temporary SQLite file, so table snapshots are stable and
// can be compared against golden files.
package harness
