package testutil

import (
	"context"
	"sync"

	"github.com/roach88/flatline/internal/ir"
)

// MemorySource is an in-memory event log for daemon tests.
//
// It assigns per-stream sequences and global positions on Append, records
// every ReadEventsAfter call, and can be told to fail reads.
//
// Thread-safety: all methods are safe for concurrent use.
type MemorySource struct {
	mu        sync.Mutex
	clock     *Clock
	events    []ir.Event
	streams   map[string]int64
	reads     []ReadCall
	failures  []error
	listeners map[chan struct{}]struct{}
}

// ReadCall records one ReadEventsAfter request and what it returned.
type ReadCall struct {
	After     int64
	Max       int
	Positions []int64
}

// NewMemorySource creates an empty source with a deterministic clock.
func NewMemorySource() *MemorySource {
	return &MemorySource{
		clock:     NewClock(),
		streams:   make(map[string]int64),
		listeners: make(map[chan struct{}]struct{}),
	}
}

// Append adds events to a stream and returns their global positions.
func (s *MemorySource) Append(streamID string, events ...ir.NewEvent) []int64 {
	s.mu.Lock()
	positions := make([]int64, len(events))
	for i, ne := range events {
		s.streams[streamID]++
		ev := ir.Event{
			StreamID:       streamID,
			Sequence:       s.streams[streamID],
			GlobalPosition: s.tail() + 1,
			Type:           ne.Type,
			Payload:        ne.Payload,
			RecordedAt:     s.clock.Now(),
		}
		s.events = append(s.events, ev)
		positions[i] = ev.GlobalPosition
	}
	listeners := make([]chan struct{}, 0, len(s.listeners))
	for ch := range s.listeners {
		listeners = append(listeners, ch)
	}
	s.mu.Unlock()

	for _, ch := range listeners {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
	return positions
}

// ReadEventsAfter returns up to max events with global position > after.
func (s *MemorySource) ReadEventsAfter(ctx context.Context, after int64, max int) ([]ir.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	call := ReadCall{After: after, Max: max}
	if len(s.failures) > 0 {
		err := s.failures[0]
		s.failures = s.failures[1:]
		s.reads = append(s.reads, call)
		return nil, err
	}

	var out []ir.Event
	for _, ev := range s.events {
		if ev.GlobalPosition <= after {
			continue
		}
		if max > 0 && len(out) >= max {
			break
		}
		out = append(out, ev)
		call.Positions = append(call.Positions, ev.GlobalPosition)
	}
	s.reads = append(s.reads, call)
	return out, nil
}

// TailPosition returns the highest global position appended so far.
func (s *MemorySource) TailPosition(ctx context.Context) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tail(), nil
}

func (s *MemorySource) tail() int64 {
	var tail int64
	for _, ev := range s.events {
		tail = max(tail, ev.GlobalPosition)
	}
	return tail
}

// Subscribe returns a channel signalled after every Append and a function
// that unsubscribes it.
func (s *MemorySource) Subscribe() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	s.mu.Lock()
	s.listeners[ch] = struct{}{}
	s.mu.Unlock()
	return ch, func() {
		s.mu.Lock()
		delete(s.listeners, ch)
		s.mu.Unlock()
	}
}

// FailNextReads makes the next len(errs) reads return the given errors in order.
func (s *MemorySource) FailNextReads(errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = append(s.failures, errs...)
}

// Reads returns a copy of the recorded read calls.
func (s *MemorySource) Reads() []ReadCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ReadCall, len(s.reads))
	copy(out, s.reads)
	return out
}

// Inject appends a fully formed event, bypassing position assignment. Tests
// use it to feed out-of-order positions.
func (s *MemorySource) Inject(ev ir.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}
