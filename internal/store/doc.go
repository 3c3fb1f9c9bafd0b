// Package store provides the SQLite event log and database collaborators
// the projection daemon runs against.
//
// Each stream numbers its events from 1 and appends check the expected
// stream version. The INTEGER PRIMARY KEY global_position orders events
// across streams; positions are never reused and every read is ordered by
// them. Payloads are stored as canonical JSON and floats are rejected on
// decode. Subscribers are woken in process after each committed append.
//
// Projected tables, the progression table and the lease table can live in
// the same file; the daemon then commits marks with rows in one transaction.
package store
