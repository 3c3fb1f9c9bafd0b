// Package projection defines flat-table projections: how each event type maps
// onto column operations against one denormalized table.
//
// A Definition is pure data. It is built once at startup (from Go code via
// Builder, or from CUE files via the compiler package), validated eagerly,
// and then shared read-only by the executor and the daemon.
//
// Column operations:
//   - SetConstant: assign a fixed value
//   - MapField: copy a payload field, optionally NOT NULL or with a default
//   - Increment: add a constant or a payload field to an integer column
//   - DeleteRow: remove the row keyed by the stream identity
//
// The primary key is always derived from the event's stream identity, so
// every create-capable rule can produce it.
package projection
