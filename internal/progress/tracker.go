// Package progress persists the progression mark of each projection: the
// last global position whose effects are durably committed.
//
// Advance must run inside the transaction that writes the rows it accounts
// for. Either both commit or neither does, so resuming from LastPosition
// never skips or double-counts a committed batch.
package progress

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/flatline/internal/flat"
)

// DefaultTable is the tracking table name.
const DefaultTable = "flat_progression"

// ErrRegression is returned when Advance would move a mark backwards.
var ErrRegression = errors.New("progression mark cannot move backwards")

// DBTX is the subset of *sql.DB and *sql.Tx the tracker needs.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Mark is one persisted progression row.
type Mark struct {
	Projection string    `json:"projection"`
	Position   int64     `json:"position"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Tracker reads and writes progression marks.
type Tracker struct {
	table   string
	dialect flat.Dialect
	now     func() time.Time
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithTable overrides the tracking table name.
func WithTable(name string) Option {
	return func(t *Tracker) { t.table = name }
}

// WithDialect selects placeholder syntax. Defaults to SQLite.
func WithDialect(d flat.Dialect) Option {
	return func(t *Tracker) { t.dialect = d }
}

// WithClock overrides the time source for updated_at.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// NewTracker creates a tracker.
func NewTracker(opts ...Option) *Tracker {
	t := &Tracker{table: DefaultTable, dialect: flat.SQLite, now: time.Now}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Table returns the tracking table name.
func (t *Tracker) Table() string { return t.table }

// EnsureTable creates the tracking table if it does not exist.
func (t *Tracker) EnsureTable(ctx context.Context, db DBTX) error {
	_, err := db.ExecContext(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			projection_name TEXT PRIMARY KEY,
			last_global_position BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		)`, t.table))
	if err != nil {
		return fmt.Errorf("create %s: %w", t.table, err)
	}
	return nil
}

// LastPosition returns the persisted mark, or 0 for a projection that has
// never committed a batch.
func (t *Tracker) LastPosition(ctx context.Context, db DBTX, projection string) (int64, error) {
	var pos int64
	err := db.QueryRowContext(ctx, t.dialect.Rebind(fmt.Sprintf(
		`SELECT last_global_position FROM %s WHERE projection_name = ?`, t.table)),
		projection).Scan(&pos)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read mark for %s: %w", projection, err)
	}
	return pos, nil
}

// Advance upserts the mark to position. Re-advancing to the current
// position is allowed; moving backwards returns ErrRegression.
//
// tx must be the transaction that carries the batch's row writes.
func (t *Tracker) Advance(ctx context.Context, tx DBTX, projection string, position int64) error {
	res, err := tx.ExecContext(ctx, t.dialect.Rebind(fmt.Sprintf(`
		INSERT INTO %[1]s (projection_name, last_global_position, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT (projection_name) DO UPDATE SET
			last_global_position = excluded.last_global_position,
			updated_at = excluded.updated_at
		WHERE %[1]s.last_global_position <= excluded.last_global_position`, t.table)),
		projection, position, t.now().UnixMilli())
	if err != nil {
		return fmt.Errorf("advance mark for %s: %w", projection, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("advance mark for %s: %w", projection, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s to %d", ErrRegression, projection, position)
	}
	return nil
}

// Reset removes a projection's mark so it replays from the start.
func (t *Tracker) Reset(ctx context.Context, tx DBTX, projection string) error {
	_, err := tx.ExecContext(ctx, t.dialect.Rebind(fmt.Sprintf(
		`DELETE FROM %s WHERE projection_name = ?`, t.table)), projection)
	if err != nil {
		return fmt.Errorf("reset mark for %s: %w", projection, err)
	}
	return nil
}

// List returns all marks ordered by projection name.
func (t *Tracker) List(ctx context.Context, db DBTX) ([]Mark, error) {
	rows, err := db.QueryContext(ctx, fmt.Sprintf(`
		SELECT projection_name, last_global_position, updated_at
		FROM %s
		ORDER BY projection_name ASC`, t.table))
	if err != nil {
		return nil, fmt.Errorf("query marks: %w", err)
	}
	defer rows.Close()

	marks := []Mark{}
	for rows.Next() {
		var m Mark
		var updated int64
		if err := rows.Scan(&m.Projection, &m.Position, &updated); err != nil {
			return nil, fmt.Errorf("scan mark: %w", err)
		}
		m.UpdatedAt = time.UnixMilli(updated).UTC()
		marks = append(marks, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate marks: %w", err)
	}
	return marks, nil
}
