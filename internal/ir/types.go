package ir

import "time"

// Event is one immutable record read from the event log.
//
// Sequence is the 1-based position within the stream. GlobalPosition is the
// total order across all streams assigned by the event store at append time.
type Event struct {
	StreamID       string    `json:"stream_id"`
	Sequence       int64     `json:"sequence"`
	GlobalPosition int64     `json:"global_position"`
	Type           string    `json:"type"`
	Payload        Object    `json:"payload"`
	RecordedAt     time.Time `json:"recorded_at"`
}

// NewEvent is the input to an append: type plus payload.
type NewEvent struct {
	Type    string `json:"type" yaml:"type"`
	Payload Object `json:"payload" yaml:"payload"`
}

// StreamIdentity returns the identity of the stream the event belongs to.
func StreamIdentity(ev Event) string { return ev.StreamID }

// EventType returns the discriminator that selects a projection rule.
func EventType(ev Event) string { return ev.Type }
