// Package daemon keeps flat-table projections up to date with the event log.
//
// Each configured projection is driven by its own agent goroutine:
//
//	read batch -> flat.Apply per event -> one transaction
//	  (row writes + lease fence + progression advance) -> commit
//
// Agents never reorder or parallelize writes within a projection. A failed
// batch is rolled back as a whole and retried from the unadvanced mark with
// exponential backoff; after the attempts are exhausted, or on a permanent
// failure such as a MappingViolation, the agent moves to Errored and stops
// while the other agents keep running.
//
// State machine per agent:
//
//	Stopped -> Starting -> Running <-> CatchingUp -> Stopping -> Stopped
//	                       Running/CatchingUp -> Errored
//
// Every run of an agent starts by purging the projection's version cache and
// loading its mark from the database, so a mark reset while the agent was
// stopped is honored. In coordinated mode an agent only consumes while it
// holds the projection's lease. Losing the lease stops consumption; on
// reacquisition the mark is reloaded the same way.
package daemon
