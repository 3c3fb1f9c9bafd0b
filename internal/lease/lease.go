// Package lease implements per-projection ownership leases in a SQL table,
// so that in coordinated mode at most one process writes each projection.
//
// The lease table lives in the same database as the projected tables. Fence
// checks ownership inside the batch transaction, which makes a takeover
// between lease renewals unable to slip a stale write past the new owner.
package lease

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/flatline/internal/flat"
)

// DefaultTable is the lease table name.
const DefaultTable = "flat_leases"

// ErrNotOwner is returned when the caller does not hold the lease.
var ErrNotOwner = errors.New("lease is not held by this owner")

// Holder describes the current lease on a projection.
type Holder struct {
	Projection string    `json:"projection"`
	Owner      string    `json:"owner"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Coordinator grants and checks leases.
//
// Thread-safety: safe for concurrent use; all state is in the database.
type Coordinator struct {
	db      *sql.DB
	dialect flat.Dialect
	table   string
	now     func() time.Time
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithDialect selects placeholder syntax and row locking. Defaults to SQLite.
func WithDialect(d flat.Dialect) Option {
	return func(c *Coordinator) { c.dialect = d }
}

// WithTable overrides the lease table name.
func WithTable(name string) Option {
	return func(c *Coordinator) { c.table = name }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// New creates a coordinator over db.
func New(db *sql.DB, opts ...Option) *Coordinator {
	c := &Coordinator{db: db, dialect: flat.SQLite, table: DefaultTable, now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// EnsureTable creates the lease table if it does not exist.
func (c *Coordinator) EnsureTable(ctx context.Context) error {
	_, err := c.db.ExecContext(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			projection_name TEXT PRIMARY KEY,
			owner TEXT NOT NULL,
			expires_at BIGINT NOT NULL
		)`, c.table))
	if err != nil {
		return fmt.Errorf("create %s: %w", c.table, err)
	}
	return nil
}

// Acquire takes the lease when it is free, expired, or already held by
// owner. It reports whether owner holds the lease afterwards.
func (c *Coordinator) Acquire(ctx context.Context, projection, owner string, ttl time.Duration) (bool, error) {
	now := c.now()
	res, err := c.db.ExecContext(ctx, c.dialect.Rebind(fmt.Sprintf(`
		INSERT INTO %[1]s (projection_name, owner, expires_at)
		VALUES (?, ?, ?)
		ON CONFLICT (projection_name) DO UPDATE SET
			owner = excluded.owner,
			expires_at = excluded.expires_at
		WHERE %[1]s.owner = excluded.owner OR %[1]s.expires_at <= ?`, c.table)),
		projection, owner, now.Add(ttl).UnixMilli(), now.UnixMilli())
	if err != nil {
		return false, fmt.Errorf("acquire lease %s: %w", projection, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("acquire lease %s: %w", projection, err)
	}
	return n == 1, nil
}

// Renew extends a lease held by owner, or returns ErrNotOwner.
func (c *Coordinator) Renew(ctx context.Context, projection, owner string, ttl time.Duration) error {
	res, err := c.db.ExecContext(ctx, c.dialect.Rebind(fmt.Sprintf(
		`UPDATE %s SET expires_at = ? WHERE projection_name = ? AND owner = ?`, c.table)),
		c.now().Add(ttl).UnixMilli(), projection, owner)
	if err != nil {
		return fmt.Errorf("renew lease %s: %w", projection, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("renew lease %s: %w", projection, err)
	}
	if n == 0 {
		return fmt.Errorf("renew lease %s: %w", projection, ErrNotOwner)
	}
	return nil
}

// Release gives up a lease held by owner. Releasing a lease owned by
// someone else is a no-op.
func (c *Coordinator) Release(ctx context.Context, projection, owner string) error {
	_, err := c.db.ExecContext(ctx, c.dialect.Rebind(fmt.Sprintf(
		`DELETE FROM %s WHERE projection_name = ? AND owner = ?`, c.table)),
		projection, owner)
	if err != nil {
		return fmt.Errorf("release lease %s: %w", projection, err)
	}
	return nil
}

// Fence verifies, inside tx, that owner holds an unexpired lease. On
// Postgres the lease row stays locked until tx ends.
func (c *Coordinator) Fence(ctx context.Context, tx *sql.Tx, projection, owner string) error {
	query := fmt.Sprintf(`SELECT owner, expires_at FROM %s WHERE projection_name = ?`, c.table)
	if c.dialect.Name() == flat.Postgres.Name() {
		query += " FOR UPDATE"
	}
	var holder string
	var expires int64
	err := tx.QueryRowContext(ctx, c.dialect.Rebind(query), projection).Scan(&holder, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("fence %s: %w", projection, ErrNotOwner)
	}
	if err != nil {
		return fmt.Errorf("fence %s: %w", projection, err)
	}
	if holder != owner || expires <= c.now().UnixMilli() {
		return fmt.Errorf("fence %s: %w", projection, ErrNotOwner)
	}
	return nil
}

// Holders lists current leases ordered by projection.
func (c *Coordinator) Holders(ctx context.Context) ([]Holder, error) {
	rows, err := c.db.QueryContext(ctx, fmt.Sprintf(
		`SELECT projection_name, owner, expires_at FROM %s ORDER BY projection_name ASC`, c.table))
	if err != nil {
		return nil, fmt.Errorf("query leases: %w", err)
	}
	defer rows.Close()

	holders := []Holder{}
	for rows.Next() {
		var h Holder
		var expires int64
		if err := rows.Scan(&h.Projection, &h.Owner, &expires); err != nil {
			return nil, fmt.Errorf("scan lease: %w", err)
		}
		h.ExpiresAt = time.UnixMilli(expires).UTC()
		holders = append(holders, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate leases: %w", err)
	}
	return holders, nil
}
