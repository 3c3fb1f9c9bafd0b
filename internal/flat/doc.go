// Package flat turns events into writes against flat projection tables.
//
// Apply is pure: given one event and a prepared projection.Definition it
// returns a WriteOp describing the single upsert or delete the event causes.
// A Dialect renders that WriteOp into SQL for the caller's transaction.
//
// Merge semantics for upserts:
//   - SetConstant and MapField assign the column on insert and overwrite it
//     on conflict
//   - Increment inserts the delta and adds it on conflict (a NULL column is
//     treated as 0)
//
// Re-applying an event from the same starting row state yields the same row,
// which is what makes whole-batch retries safe.
package flat
