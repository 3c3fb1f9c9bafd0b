package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/flatline/internal/ir"
)

// ExpectAny disables the expected-version check on Append.
const ExpectAny int64 = -1

// ErrConcurrency is returned when a stream's version differs from the
// version the appender expected.
var ErrConcurrency = errors.New("stream version mismatch")

// Append adds events to a stream in one transaction. expected is the
// stream's current version (0 for a new stream) or ExpectAny. The stored
// events are returned with their sequences and global positions.
func (s *Store) Append(ctx context.Context, streamID string, expected int64, events ...ir.NewEvent) ([]ir.Event, error) {
	if streamID == "" {
		return nil, fmt.Errorf("append: stream id is required")
	}
	if len(events) == 0 {
		return nil, nil
	}

	stored := make([]ir.Event, 0, len(events))
	err := WithTx(ctx, s.db, func(tx *sql.Tx) error {
		var current int64
		if err := tx.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(sequence), 0) FROM events WHERE stream_id = ?`,
			streamID).Scan(&current); err != nil {
			return fmt.Errorf("read stream version: %w", err)
		}
		if expected != ExpectAny && current != expected {
			return fmt.Errorf("%w: stream %s is at %d, expected %d", ErrConcurrency, streamID, current, expected)
		}

		for i, ne := range events {
			if ne.Type == "" {
				return fmt.Errorf("event %d: type is required", i)
			}
			payload := ne.Payload
			if payload == nil {
				payload = ir.Object{}
			}
			data, err := ir.MarshalCanonical(payload)
			if err != nil {
				return fmt.Errorf("event %d: %w", i, err)
			}
			recorded := s.now().UTC()
			seq := current + int64(i) + 1
			res, err := tx.ExecContext(ctx, `
				INSERT INTO events (stream_id, sequence, type, payload, recorded_at)
				VALUES (?, ?, ?, ?, ?)
			`, streamID, seq, ne.Type, string(data), recorded.Format(time.RFC3339Nano))
			if err != nil {
				if isUniqueViolation(err) {
					return fmt.Errorf("%w: stream %s sequence %d already exists", ErrConcurrency, streamID, seq)
				}
				return fmt.Errorf("insert event: %w", err)
			}
			pos, err := res.LastInsertId()
			if err != nil {
				return fmt.Errorf("read global position: %w", err)
			}
			stored = append(stored, ir.Event{
				StreamID:       streamID,
				Sequence:       seq,
				GlobalPosition: pos,
				Type:           ne.Type,
				Payload:        payload,
				RecordedAt:     recorded,
			})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("append to %s: %w", streamID, err)
	}

	s.notify()
	return stored, nil
}

// ReadEventsAfter returns up to max events with global position greater
// than after, in increasing global position order. A max of zero or less
// reads everything.
func (s *Store) ReadEventsAfter(ctx context.Context, after int64, max int) ([]ir.Event, error) {
	if max <= 0 {
		max = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT global_position, stream_id, sequence, type, payload, recorded_at
		FROM events
		WHERE global_position > ?
		ORDER BY global_position ASC
		LIMIT ?
	`, after, max)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// ReadStream returns all events of one stream in sequence order.
func (s *Store) ReadStream(ctx context.Context, streamID string) ([]ir.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT global_position, stream_id, sequence, type, payload, recorded_at
		FROM events
		WHERE stream_id = ?
		ORDER BY sequence ASC
	`, streamID)
	if err != nil {
		return nil, fmt.Errorf("query stream: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// TailPosition returns the highest global position in the log, or 0.
func (s *Store) TailPosition(ctx context.Context) (int64, error) {
	var tail int64
	if err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(global_position), 0) FROM events`).Scan(&tail); err != nil {
		return 0, fmt.Errorf("read tail position: %w", err)
	}
	return tail, nil
}

// StreamVersion returns the current sequence of a stream, or 0.
func (s *Store) StreamVersion(ctx context.Context, streamID string) (int64, error) {
	var v int64
	if err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) FROM events WHERE stream_id = ?`,
		streamID).Scan(&v); err != nil {
		return 0, fmt.Errorf("read stream version: %w", err)
	}
	return v, nil
}

// Subscribe returns a channel signalled after each Append through this
// Store, and a function to unsubscribe. Appends by other processes are not
// signalled; readers still poll.
func (s *Store) Subscribe() (<-chan struct{}, func()) {
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

func (s *Store) notify() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for ch := range s.listeners {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func scanEvents(rows *sql.Rows) ([]ir.Event, error) {
	events := []ir.Event{}
	for rows.Next() {
		var ev ir.Event
		var payload, recorded string
		if err := rows.Scan(&ev.GlobalPosition, &ev.StreamID, &ev.Sequence, &ev.Type, &payload, &recorded); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		obj, err := ir.DecodeObject([]byte(payload))
		if err != nil {
			return nil, fmt.Errorf("event %d payload: %w", ev.GlobalPosition, err)
		}
		ev.Payload = obj
		ev.RecordedAt, err = time.Parse(time.RFC3339Nano, recorded)
		if err != nil {
			return nil, fmt.Errorf("event %d recorded_at: %w", ev.GlobalPosition, err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return events, nil
}
